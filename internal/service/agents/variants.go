package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sentinelops/sentinel-backend/internal/domain/agent"
	"github.com/sentinelops/sentinel-backend/internal/domain/incident"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/bus"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/gateway"
)

// ModelInvoker is the slice of the LLM gateway the agents need.
type ModelInvoker interface {
	InvokeWithFallback(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
}

// HistorySearcher is the slice of vector memory the agents need.
type HistorySearcher interface {
	SearchSimilarIncidents(ctx context.Context, query string, limit int, excludeID *uuid.UUID) ([]gateway.SimilarIncident, error)
}

// baseAgent carries the identity and message plumbing shared by every
// variant.
type baseAgent struct {
	id        string
	agentType agent.AgentType
}

func (b *baseAgent) ID() string            { return b.id }
func (b *baseAgent) Type() agent.AgentType { return b.agentType }

func (b *baseAgent) HealthCheck(ctx context.Context) bool {
	return ctx.Err() == nil
}

func (b *baseAgent) HandleMessage(ctx context.Context, m *bus.Message) (*bus.Message, error) {
	if m.Type != bus.MessageHeartbeat {
		return nil, nil
	}
	reply, err := bus.NewMessage(b.id, m.SenderID, bus.MessageHeartbeat,
		map[string]interface{}{"alive": true})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func severityImpact(sev incident.Severity) decimal.Decimal {
	switch sev {
	case incident.SeverityCritical:
		return decimal.NewFromInt(50000)
	case incident.SeverityHigh:
		return decimal.NewFromInt(10000)
	case incident.SeverityMedium:
		return decimal.NewFromInt(1500)
	default:
		return decimal.NewFromInt(100)
	}
}

func severityUrgency(sev incident.Severity) agent.Urgency {
	switch sev {
	case incident.SeverityCritical, incident.SeverityHigh:
		return agent.UrgencyImmediate
	case incident.SeverityMedium:
		return agent.UrgencySoon
	default:
		return agent.UrgencyScheduled
	}
}

// DetectionAgent confirms the signal and scopes the blast radius.
type DetectionAgent struct {
	baseAgent
}

// NewDetectionAgent creates a detection specialist.
func NewDetectionAgent(id string) *DetectionAgent {
	return &DetectionAgent{baseAgent{id: id, agentType: agent.TypeDetection}}
}

func (a *DetectionAgent) ProcessIncident(ctx context.Context, inc *incident.Incident) (*agent.Recommendation, error) {
	rec, err := agent.NewRecommendation(inc.ID, a.id, "acknowledge-and-monitor",
		"observability", confidenceFor(inc.Severity, 0.75), incident.SeverityLow)
	if err != nil {
		return nil, err
	}
	rec.Rationale = fmt.Sprintf("signal from %s confirmed for service %s", inc.Source, inc.Tags.Service)
	rec.Urgency = severityUrgency(inc.Severity)
	rec.EstimatedImpact = decimal.NewFromInt(50)
	return rec, nil
}

// DiagnosisAgent correlates the incident with history and the model's
// read of the symptoms.
type DiagnosisAgent struct {
	baseAgent
	models  ModelInvoker
	history HistorySearcher
}

// NewDiagnosisAgent creates a diagnosis specialist. models and history
// may be nil; the agent degrades to its heuristic with lower confidence.
func NewDiagnosisAgent(id string, models ModelInvoker, history HistorySearcher) *DiagnosisAgent {
	return &DiagnosisAgent{
		baseAgent: baseAgent{id: id, agentType: agent.TypeDiagnosis},
		models:    models,
		history:   history,
	}
}

func (a *DiagnosisAgent) ProcessIncident(ctx context.Context, inc *incident.Incident) (*agent.Recommendation, error) {
	actionID := heuristicAction(inc)
	confidence := confidenceFor(inc.Severity, 0.6)
	rationale := "heuristic mapping from incident tags"

	if a.history != nil {
		similar, err := a.history.SearchSimilarIncidents(ctx, inc.Title, 3, &inc.ID)
		if err == nil && len(similar) > 0 {
			confidence += 0.1
			rationale = fmt.Sprintf("matches %d similar incidents, best score %.2f",
				len(similar), similar[0].Score)
		}
	}

	if a.models != nil {
		prompt := fmt.Sprintf(
			"Incident: %s\nService: %s\nSeverity: %s\nAnswer with one action id.",
			inc.Title, inc.Tags.Service, inc.Severity)
		answer, err := a.models.InvokeWithFallback(ctx, prompt, 64, 0.1)
		if err == nil && strings.TrimSpace(answer) != "" {
			actionID = slugify(answer)
			confidence += 0.15
			rationale += "; model concurs"
		}
	}

	if confidence > 1 {
		confidence = 1
	}
	rec, err := agent.NewRecommendation(inc.ID, a.id, actionID, "remediation",
		confidence, riskFor(inc.Severity))
	if err != nil {
		return nil, err
	}
	rec.Rationale = rationale
	rec.Urgency = severityUrgency(inc.Severity)
	rec.EstimatedImpact = severityImpact(inc.Severity)
	return rec, nil
}

// PredictionAgent estimates trajectory and recommends preemption.
type PredictionAgent struct {
	baseAgent
}

// NewPredictionAgent creates a prediction specialist.
func NewPredictionAgent(id string) *PredictionAgent {
	return &PredictionAgent{baseAgent{id: id, agentType: agent.TypePrediction}}
}

func (a *PredictionAgent) ProcessIncident(ctx context.Context, inc *incident.Incident) (*agent.Recommendation, error) {
	actionID := "preemptive-scale"
	if inc.Severity == incident.SeverityLow {
		actionID = "watch-and-wait"
	}
	rec, err := agent.NewRecommendation(inc.ID, a.id, actionID, "capacity",
		confidenceFor(inc.Severity, 0.55), incident.SeverityMedium)
	if err != nil {
		return nil, err
	}
	rec.Rationale = fmt.Sprintf("projected impact %s for tier %s",
		severityImpact(inc.Severity), inc.Tags.Tier)
	rec.Urgency = severityUrgency(inc.Severity)
	rec.EstimatedImpact = severityImpact(inc.Severity).Mul(decimal.NewFromFloat(1.5))
	return rec, nil
}

// ResolutionAgent proposes the concrete remediation.
type ResolutionAgent struct {
	baseAgent
}

// NewResolutionAgent creates a resolution specialist.
func NewResolutionAgent(id string) *ResolutionAgent {
	return &ResolutionAgent{baseAgent{id: id, agentType: agent.TypeResolution}}
}

func (a *ResolutionAgent) ProcessIncident(ctx context.Context, inc *incident.Incident) (*agent.Recommendation, error) {
	var actionID string
	switch inc.Severity {
	case incident.SeverityCritical:
		actionID = "failover-to-standby"
	case incident.SeverityHigh:
		actionID = "restart-service"
	default:
		actionID = "rollback-last-deploy"
	}
	rec, err := agent.NewRecommendation(inc.ID, a.id, actionID, "remediation",
		confidenceFor(inc.Severity, 0.8), riskFor(inc.Severity))
	if err != nil {
		return nil, err
	}
	rec.Rationale = fmt.Sprintf("direct remediation for %s severity on %s",
		inc.Severity, inc.Tags.Service)
	rec.Urgency = severityUrgency(inc.Severity)
	rec.EstimatedImpact = severityImpact(inc.Severity)
	return rec, nil
}

// CommunicationAgent keeps humans informed; its action never mutates
// the affected system.
type CommunicationAgent struct {
	baseAgent
}

// NewCommunicationAgent creates a communication specialist.
func NewCommunicationAgent(id string) *CommunicationAgent {
	return &CommunicationAgent{baseAgent{id: id, agentType: agent.TypeCommunication}}
}

func (a *CommunicationAgent) ProcessIncident(ctx context.Context, inc *incident.Incident) (*agent.Recommendation, error) {
	rec, err := agent.NewRecommendation(inc.ID, a.id, "notify-stakeholders",
		"communication", 0.95, incident.SeverityLow)
	if err != nil {
		return nil, err
	}
	rec.Rationale = fmt.Sprintf("%s incident on %s requires stakeholder notice",
		inc.Severity, inc.Tags.Service)
	rec.Urgency = severityUrgency(inc.Severity)
	rec.EstimatedImpact = decimal.Zero
	return rec, nil
}

func heuristicAction(inc *incident.Incident) string {
	switch {
	case strings.Contains(strings.ToLower(inc.Title), "database"):
		return "failover-db"
	case strings.Contains(strings.ToLower(inc.Title), "memory"):
		return "restart-service"
	case strings.Contains(strings.ToLower(inc.Title), "latency"):
		return "scale-up"
	default:
		return "restart-service"
	}
}

func confidenceFor(sev incident.Severity, base float64) float64 {
	// Louder signals are easier to classify.
	if sev.AtLeast(incident.SeverityHigh) {
		return base + 0.1
	}
	return base
}

func riskFor(sev incident.Severity) incident.Severity {
	if sev == incident.SeverityCritical {
		return incident.SeverityHigh
	}
	return incident.SeverityMedium
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	if len(fields) == 0 {
		return "restart-service"
	}
	if len(fields) > 6 {
		fields = fields[:6]
	}
	return strings.Join(fields, "-")
}
