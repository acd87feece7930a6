package incident

import (
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
)

// Severity indicates how urgent an incident is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether the severity is a known value.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// rank orders severities for comparisons; higher is more urgent.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// Status is the lifecycle state of an incident. Status only advances,
// never regresses; failed is terminal and reachable from any active state.
type Status string

const (
	StatusNew           Status = "new"
	StatusInvestigating Status = "investigating"
	StatusMitigating    Status = "mitigating"
	StatusResolved      Status = "resolved"
	StatusFailed        Status = "failed"
)

// order gives the monotonic position of each status in the lifecycle.
var statusOrder = map[Status]int{
	StatusNew:           0,
	StatusInvestigating: 1,
	StatusMitigating:    2,
	StatusResolved:      3,
}

// Terminal reports whether the status allows no further transitions.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusFailed
}

// Tags classify an incident for routing and region affinity.
type Tags struct {
	Service string `json:"service"`
	Region  string `json:"region"`
	Tier    string `json:"tier"`
}

// Incident is the aggregate the platform works on. Immutable after
// creation except Status.
type Incident struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	Severity  Severity  `json:"severity"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	Tags      Tags      `json:"tags"`
	Status    Status    `json:"status"`
}

// New creates an incident with validation.
func New(title string, severity Severity, source string, tags Tags) (*Incident, error) {
	if title == "" {
		return nil, errors.NewValidationError("MISSING_TITLE", "incident title is required")
	}
	if !severity.Valid() {
		return nil, errors.NewValidationError("INVALID_SEVERITY",
			"severity must be low, medium, high or critical")
	}
	if source == "" {
		return nil, errors.NewValidationError("MISSING_SOURCE", "source system is required")
	}

	return &Incident{
		ID:        uuid.New(),
		Title:     title,
		Severity:  severity,
		Source:    source,
		CreatedAt: time.Now().UTC(),
		Tags:      tags,
		Status:    StatusNew,
	}, nil
}

// AdvanceStatus moves the incident forward in its lifecycle. Regressions
// and transitions out of terminal states are rejected.
func (i *Incident) AdvanceStatus(next Status) error {
	if i.Status.Terminal() {
		return errors.NewValidationError("STATUS_TERMINAL",
			"incident is in a terminal state")
	}

	if next == StatusFailed {
		i.Status = StatusFailed
		return nil
	}

	nextPos, ok := statusOrder[next]
	if !ok {
		return errors.NewValidationError("INVALID_STATUS", "unknown incident status")
	}
	if nextPos <= statusOrder[i.Status] {
		return errors.NewValidationError("STATUS_REGRESSION",
			"incident status can only advance")
	}

	i.Status = next
	return nil
}

// Clone returns a copy; the coordinator hands copies to agents so the
// aggregate is mutated only through events.
func (i *Incident) Clone() *Incident {
	c := *i
	return &c
}
