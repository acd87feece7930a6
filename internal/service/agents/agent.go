package agents

import (
	"context"

	"github.com/sentinelops/sentinel-backend/internal/domain/agent"
	"github.com/sentinelops/sentinel-backend/internal/domain/incident"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/bus"
)

// Agent is the capability set every swarm member implements. Variants
// differ only in the internal computation behind ProcessIncident.
type Agent interface {
	ID() string
	Type() agent.AgentType

	// ProcessIncident analyzes the incident and produces a candidate
	// action.
	ProcessIncident(ctx context.Context, inc *incident.Incident) (*agent.Recommendation, error)

	// HandleMessage reacts to a direct message; a nil reply means no
	// response is owed.
	HandleMessage(ctx context.Context, m *bus.Message) (*bus.Message, error)

	// HealthCheck reports liveness; used by the heartbeat monitor.
	HealthCheck(ctx context.Context) bool
}
