package coordinator

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/sentinel-backend/internal/domain/agent"
	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/domain/incident"
)

func TestRunbookExecutesRegisteredAction(t *testing.T) {
	book := NewRunbook(nil)
	var executed, rolledBack int
	require.NoError(t, book.Register("restart-service",
		func(ctx context.Context, inc *incident.Incident, rec *agent.Recommendation) error {
			executed++
			return nil
		},
		func(ctx context.Context, inc *incident.Incident, rec *agent.Recommendation) error {
			rolledBack++
			return nil
		}))

	inc := newTestIncident(t, incident.SeverityMedium)
	rec, err := agent.NewRecommendation(inc.ID, "resolution-1", "restart-service",
		"remediation", 0.9, incident.SeverityMedium)
	require.NoError(t, err)

	require.NoError(t, book.Execute(context.Background(), inc, rec))
	require.NoError(t, book.Rollback(context.Background(), inc, rec))
	assert.Equal(t, 1, executed)
	assert.Equal(t, 1, rolledBack)
}

func TestRunbookUnknownActionFails(t *testing.T) {
	book := NewRunbook(nil)
	inc := newTestIncident(t, incident.SeverityMedium)
	rec, err := agent.NewRecommendation(uuid.New(), "resolution-1", "unknown-action",
		"remediation", 0.9, incident.SeverityMedium)
	require.NoError(t, err)

	err = book.Execute(context.Background(), inc, rec)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	// Rollback of an action with no inverse is a no-op, not an error.
	assert.NoError(t, book.Rollback(context.Background(), inc, rec))
}

func TestRunbookRejectsDuplicateRegistration(t *testing.T) {
	book := NewRunbook(nil)
	noop := func(ctx context.Context, inc *incident.Incident, rec *agent.Recommendation) error {
		return nil
	}
	require.NoError(t, book.Register("failover-db", noop, nil))
	require.Error(t, book.Register("failover-db", noop, nil))
	require.Error(t, book.Register("", noop, nil))
	assert.Equal(t, []string{"failover-db"}, book.Actions())
}
