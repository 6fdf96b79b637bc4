package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expedientes/internal/db"
	"expedientes/internal/domain"
	"expedientes/internal/migrate"
)

func newLog(t *testing.T) Log {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Log{DB: conn}
}

func TestAppendAndQueryNewestFirst(t *testing.T) {
	ctx := context.Background()
	l := newLog(t)
	t0 := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	l.Now = func() time.Time { return t0 }

	first, err := l.Append(ctx, domain.AuditEvent{Kind: domain.AuditCaseCreated, CaseID: "EXP-1", ActorID: "inspector", Payload: map[string]any{"severity": "GRAVE"}})
	require.NoError(t, err)
	assert.NotZero(t, first.ID)
	assert.Equal(t, t0, first.Timestamp)

	_, err = l.Append(ctx, domain.AuditEvent{Kind: domain.AuditStageChanged, CaseID: "EXP-1", Timestamp: t0})
	require.NoError(t, err)
	_, err = l.Append(ctx, domain.AuditEvent{Kind: domain.AuditMediationStarted, CaseID: "EXP-1", MediationID: "med-1", Timestamp: t0.Add(time.Hour)})
	require.NoError(t, err)
	_, err = l.Append(ctx, domain.AuditEvent{Kind: domain.AuditCaseCreated, CaseID: "EXP-2", Timestamp: t0})
	require.NoError(t, err)

	got, err := l.Query(ctx, "EXP-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, domain.AuditMediationStarted, got[0].Kind)
	assert.Equal(t, "med-1", got[0].MediationID)
	assert.Equal(t, domain.AuditStageChanged, got[1].Kind, "same timestamp: later insert first")
	assert.Equal(t, domain.AuditCaseCreated, got[2].Kind)
	assert.Equal(t, "GRAVE", got[2].Payload["severity"])
	assert.Equal(t, "inspector", got[2].ActorID)

	page, err := l.Query(ctx, "EXP-1", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, domain.AuditStageChanged, page[0].Kind)
}

func TestAppendRequiresCase(t *testing.T) {
	_, err := newLog(t).Append(context.Background(), domain.AuditEvent{Kind: domain.AuditStageChanged})
	assert.Error(t, err)
}
