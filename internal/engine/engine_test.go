package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expedientes/internal/config"
	"expedientes/internal/db"
	"expedientes/internal/domain"
	dErrors "expedientes/internal/domainerrors"
	"expedientes/internal/engine"
	"expedientes/internal/events"
	"expedientes/internal/metrics"
	"expedientes/internal/migrate"
	"expedientes/internal/repo"
)

// Monday 2 March 2026.
var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) tick() { c.t = c.t.Add(time.Hour) }

// hookedStore lets tests interfere with single store calls.
type hookedStore struct {
	repo.Repo
	beforeSaveCase   func(ctx context.Context, c domain.Case)
	saveMediationErr error
	blockGetCase     bool
	milestonesErr    error
}

func (s *hookedStore) GetCase(ctx context.Context, id string) (domain.Case, error) {
	if s.blockGetCase {
		<-ctx.Done()
		return domain.Case{}, ctx.Err()
	}
	return s.Repo.GetCase(ctx, id)
}

func (s *hookedStore) SaveCase(ctx context.Context, c domain.Case) (domain.Case, error) {
	if s.beforeSaveCase != nil {
		hook := s.beforeSaveCase
		s.beforeSaveCase = nil
		hook(ctx, c)
	}
	return s.Repo.SaveCase(ctx, c)
}

func (s *hookedStore) SaveMediation(ctx context.Context, p domain.MediationProcess) (domain.MediationProcess, error) {
	if s.saveMediationErr != nil {
		return domain.MediationProcess{}, s.saveMediationErr
	}
	return s.Repo.SaveMediation(ctx, p)
}

func (s *hookedStore) LoadMilestones(ctx context.Context, caseID string) ([]domain.Milestone, error) {
	if s.milestonesErr != nil {
		return nil, s.milestonesErr
	}
	return s.Repo.LoadMilestones(ctx, caseID)
}

type failingAudit struct{}

func (failingAudit) Append(context.Context, domain.AuditEvent) (domain.AuditEvent, error) {
	return domain.AuditEvent{}, errors.New("audit store offline")
}

func (failingAudit) Query(context.Context, string, int, int) ([]domain.AuditEvent, error) {
	return nil, errors.New("audit store offline")
}

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Clock   *clock
	Store   *hookedStore
	Log     events.Log
	Metrics *metrics.Metrics
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return newTestEnvWithDB(t, conn, config.Default("school-1"))
}

func newTestEnvWithDB(t *testing.T, conn *sql.DB, cfg *config.Config) testEnv {
	t.Helper()
	clk := &clock{t: t0}
	store := &hookedStore{Repo: repo.Repo{DB: conn}}
	m := metrics.New(prometheus.NewRegistry())
	eng := engine.New(conn, cfg)
	eng.Store = store
	eng.Now = clk.now
	eng.Metrics = m
	ids := 0
	eng.NewID = func() string {
		ids++
		return fmt.Sprintf("%08x-0000-4000-8000-000000000000", ids)
	}
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: clk, Store: store, Log: events.Log{DB: conn}, Metrics: m}
}

func (env testEnv) createCase(t *testing.T, sev domain.Severity) domain.Case {
	t.Helper()
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		Severity:     sev,
		StartedAt:    t0,
		PrimaryActor: domain.StudentRef{StudentID: "stu-1", DisplayName: "Ana Rojas", Cohort: "8A"},
		ActorID:      "inspector",
	})
	require.NoError(t, err)
	return c
}

func (env testEnv) advance(t *testing.T, caseID string, stages ...domain.Stage) domain.Case {
	t.Helper()
	var c domain.Case
	for _, s := range stages {
		env.Clock.tick()
		var err error
		c, err = env.Engine.AdvanceStage(env.Ctx, caseID, s, "inspector")
		require.NoError(t, err, s)
	}
	return c
}

func (env testEnv) divert(t *testing.T, caseID string) engine.MediationResult {
	t.Helper()
	env.Clock.tick()
	res, err := env.Engine.DivertToMediation(env.Ctx, caseID, engine.DivertOptions{Mechanism: domain.MechanismMediacion, ActorID: "counselor"})
	require.NoError(t, err)
	return res
}

func auditKinds(t *testing.T, env testEnv, caseID string) []domain.AuditKind {
	t.Helper()
	evs, err := env.Log.Query(env.Ctx, caseID, 100, 0)
	require.NoError(t, err)
	out := make([]domain.AuditKind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func TestCreateCaseComputesFatalDeadline(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t, domain.SeverityRelevante)

	// 15 business days after Monday 2 March.
	assert.Equal(t, time.Date(2026, 3, 23, 9, 0, 0, 0, time.UTC), c.FatalDeadline)
	assert.Equal(t, domain.StageInicio, c.Stage)
	assert.False(t, c.Locked())
	assert.Equal(t, int64(1), c.Version)
	assert.True(t, strings.HasPrefix(c.ID, "EXP-2026-"), c.ID)
	assert.NotEqual(t, c.ID, c.InternalID)

	stored, err := env.Engine.GetCase(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c, stored)
	assert.Equal(t, []domain.AuditKind{domain.AuditCaseCreated}, auditKinds(t, env, c.ID))
}

func TestFatalDeadlineNeverBeforeStart(t *testing.T) {
	env := newTestEnv(t)
	for _, sev := range domain.Severities {
		c := env.createCase(t, sev)
		assert.False(t, c.FatalDeadline.Before(c.StartedAt), sev)
		again := env.createCase(t, sev)
		assert.Equal(t, c.FatalDeadline, again.FatalDeadline, sev)
	}
}

func TestCreateCaseValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{Severity: "MEDIA", PrimaryActor: domain.StudentRef{StudentID: "s"}})
	assert.True(t, dErrors.HasKind(err, dErrors.InvalidInput))

	_, err = env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{Severity: domain.SeverityLeve})
	assert.True(t, dErrors.HasKind(err, dErrors.InvalidInput))

	_, err = env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		Severity:       domain.SeverityLeve,
		PrimaryActor:   domain.StudentRef{StudentID: "s"},
		SecondaryActor: &domain.StudentRef{StudentID: "s"},
	})
	assert.True(t, dErrors.HasKind(err, dErrors.InvalidInput))

	opts := engine.CaseCreateOptions{ID: "EXP-FIXED", Severity: domain.SeverityLeve, PrimaryActor: domain.StudentRef{StudentID: "s"}}
	_, err = env.Engine.CreateCase(env.Ctx, opts)
	require.NoError(t, err)
	_, err = env.Engine.CreateCase(env.Ctx, opts)
	assert.True(t, dErrors.HasKind(err, dErrors.InvalidInput))
}

func TestAdvanceStageMovesBothWaysAndAudits(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t, domain.SeverityGrave)
	env.advance(t, c.ID, domain.StageNotificado, domain.StageDescargos)
	back := env.advance(t, c.ID, domain.StageNotificado)

	assert.Equal(t, domain.StageNotificado, back.Stage)
	assert.Equal(t, c.FatalDeadline, back.FatalDeadline)
	assert.Equal(t, int64(4), back.Version)

	evs, err := env.Log.Query(env.Ctx, c.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, evs, 4)
	assert.Equal(t, domain.AuditStageChanged, evs[0].Kind)
	assert.Equal(t, "backward", evs[0].Payload["direction"])
	assert.Equal(t, "forward", evs[1].Payload["direction"])
	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.StageTransitions.WithLabelValues("DESCARGOS", "NOTIFICADO")))
}

func TestAdvanceStageRejections(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t, domain.SeverityLeve)

	_, err := env.Engine.AdvanceStage(env.Ctx, c.ID, domain.StageInicio, "inspector")
	assert.True(t, dErrors.HasKind(err, dErrors.NoOpTransition))

	env.advance(t, c.ID, domain.StageNotificado)
	_, err = env.Engine.AdvanceStage(env.Ctx, c.ID, domain.StageCerradoGCC, "inspector")
	assert.True(t, dErrors.HasKind(err, dErrors.InvalidDiversionStage))

	_, err = env.Engine.AdvanceStage(env.Ctx, c.ID, "ARCHIVADO", "inspector")
	assert.True(t, dErrors.HasKind(err, dErrors.InvalidInput))

	_, err = env.Engine.AdvanceStage(env.Ctx, "EXP-404", domain.StageNotificado, "inspector")
	assert.True(t, dErrors.HasKind(err, dErrors.NotFound))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.OperationErrors.WithLabelValues("advance_stage", "NotFound")))
}

func TestSanctionedCaseRejectsEveryTransition(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t, domain.SeverityLeve)
	env.advance(t, c.ID, domain.StageNotificado, domain.StageDescargos, domain.StageResolucionPendiente)
	closed, err := env.Engine.FinalizeSanction(env.Ctx, c.ID, "director")
	require.NoError(t, err)
	require.Equal(t, domain.StageCerradoSancion, closed.Stage)
	assert.True(t, closed.Locked())

	for _, target := range append(append([]domain.Stage{}, domain.LinearStages...), domain.StageCerradoSancion, domain.StageCerradoGCC) {
		_, err := env.Engine.AdvanceStage(env.Ctx, c.ID, target, "inspector")
		assert.True(t, dErrors.HasKind(err, dErrors.CaseLocked), target)
	}
	_, err = env.Engine.UnblockCase(env.Ctx, c.ID, "inspector")
	assert.True(t, dErrors.HasKind(err, dErrors.CaseLocked))
	_, err = env.Engine.SetPriorMeasures(env.Ctx, c.ID, domain.PriorMeasures{WrittenWarning: true}, "inspector")
	assert.True(t, dErrors.HasKind(err, dErrors.CaseLocked))
	_, err = env.Engine.DivertToMediation(env.Ctx, c.ID, engine.DivertOptions{Mechanism: domain.MechanismMediacion})
	assert.True(t, dErrors.HasKind(err, dErrors.InvalidDiversionStage))

	_, err = env.Engine.SaveMilestone(env.Ctx, c.ID, engine.MilestoneInput{Title: domain.StageCerradoSancion, Summary: "resolution delivered"})
	assert.NoError(t, err, "milestones stay appendable on locked cases")

	assert.Equal(t, []domain.AuditKind{
		domain.AuditSanctionFinalized,
		domain.AuditStageChanged,
		domain.AuditStageChanged,
		domain.AuditStageChanged,
		domain.AuditStageChanged,
		domain.AuditCaseCreated,
	}, auditKinds(t, env, c.ID))
}

func TestDivertFromInicioIsRejected(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t, domain.SeverityRelevante)
	_, err := env.Engine.DivertToMediation(env.Ctx, c.ID, engine.DivertOptions{Mechanism: domain.MechanismConciliacion})
	assert.True(t, dErrors.HasKind(err, dErrors.InvalidDiversionStage))

	stored, err := env.Engine.GetCase(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageInicio, stored.Stage)
}

func TestDivertFromEligibleStages(t *testing.T) {
	paths := map[domain.Stage][]domain.Stage{
		domain.StageNotificado:    {domain.StageNotificado},
		domain.StageDescargos:     {domain.StageNotificado, domain.StageDescargos},
		domain.StageInvestigacion: {domain.StageNotificado, domain.StageDescargos, domain.StageInvestigacion},
	}
	for from, path := range paths {
		t.Run(string(from), func(t *testing.T) {
			env := newTestEnv(t)
			c := env.createCase(t, domain.SeverityRelevante)
			env.advance(t, c.ID, path...)
			res := env.divert(t, c.ID)

			assert.Equal(t, domain.StageCerradoGCC, res.Case.Stage)
			assert.True(t, res.Case.Locked())
			assert.True(t, res.Mediation.SuspensionActive)
			assert.Equal(t, domain.MediationOpen, res.Mediation.State)
			assert.Equal(t, c.FatalDeadline, res.Mediation.Deadline, "parent deadline is later than the mediation window")

			_, err := env.Engine.DivertToMediation(env.Ctx, c.ID, engine.DivertOptions{Mechanism: domain.MechanismMediacion})
			assert.True(t, dErrors.HasKind(err, dErrors.InvalidDiversionStage))
		})
	}
}

func TestDivertDeadlineHint(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t, domain.SeverityRelevante)
	env.advance(t, c.ID, domain.StageNotificado)
	hint := t0.AddDate(0, 2, 0)
	res, err := env.Engine.DivertToMediation(env.Ctx, c.ID, engine.DivertOptions{Mechanism: domain.MechanismArbitrajePedagogico, DeadlineHint: hint})
	require.NoError(t, err)
	assert.Equal(t, hint, res.Mediation.Deadline)
}

func TestNoAgreementCannotCloseButCanUnblock(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t, domain.SeverityGrave)
	env.advance(t, c.ID, domain.StageNotificado, domain.StageDescargos)
	res := env.divert(t, c.ID)

	env.Clock.tick()
	p, err := env.Engine.RecordMediationOutcome(env.Ctx, res.Mediation.ID, engine.OutcomeInput{Result: "NO_AGREEMENT", ActorID: "counselor"})
	require.NoError(t, err)
	assert.Equal(t, domain.MediationNoAgreement, p.State)
	assert.True(t, p.SuspensionActive)

	_, err = env.Engine.CloseMediationSuccessfully(env.Ctx, p.ID, "counselor")
	assert.True(t, dErrors.HasKind(err, dErrors.OutcomeNotFavorable))

	env.Clock.tick()
	unblocked, err := env.Engine.UnblockCase(env.Ctx, c.ID, "inspector")
	require.NoError(t, err)
	assert.Equal(t, domain.StageInvestigacion, unblocked.Case.Stage)
	assert.False(t, unblocked.Case.Locked())
	assert.True(t, unblocked.Mediation.Closed)
	assert.False(t, unblocked.Mediation.SuspensionActive)

	evs, err := env.Log.Query(env.Ctx, c.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.AuditUnblocked, evs[0].Kind)
	assert.Equal(t, "no_agreement", evs[0].Payload["reason"])
	assert.Equal(t, p.ID, evs[0].MediationID)

	// A new diversion is possible once the previous process is closed.
	again := env.divert(t, c.ID)
	assert.NotEqual(t, p.ID, again.Mediation.ID)

	all, err := env.Engine.ListMediations(env.Ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, p.ID, all[0].ID)
	assert.Equal(t, again.Mediation.ID, all[1].ID)

	first, err := env.Engine.GetMediation(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, first.Closed)
	assert.Equal(t, domain.MediationNoAgreement, first.State)

	_, err = env.Engine.GetMediation(env.Ctx, "no-such-mediation")
	assert.True(t, dErrors.HasKind(err, dErrors.NotFound))
	_, err = env.Engine.ListMediations(env.Ctx, "no-such-case")
	assert.True(t, dErrors.HasKind(err, dErrors.NotFound))
}

func TestUnblockAbandonedMediation(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t, domain.SeverityLeve)
	env.advance(t, c.ID, domain.StageNotificado)
	res := env.divert(t, c.ID)
	_, err := env.Engine.StartMediationSession(env.Ctx, res.Mediation.ID, "counselor")
	require.NoError(t, err)

	unblocked, err := env.Engine.UnblockCase(env.Ctx, c.ID, "inspector")
	require.NoError(t, err)
	assert.Equal(t, domain.StageInvestigacion, unblocked.Case.Stage)
	assert.Equal(t, domain.MediationInProgress, unblocked.Mediation.State)
	assert.True(t, unblocked.Mediation.Closed)

	evs, err := env.Log.Query(env.Ctx, c.ID, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "abandoned", evs[0].Payload["reason"])
}

func TestUnblockRequiresClosingAgreementFirst(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t, domain.SeverityLeve)
	env.advance(t, c.ID, domain.StageNotificado)
	res := env.divert(t, c.ID)
	_, err := env.Engine.RecordMediationOutcome(env.Ctx, res.Mediation.ID, engine.OutcomeInput{Result: "AGREEMENT_PARTIAL"})
	require.NoError(t, err)

	_, err = env.Engine.UnblockCase(env.Ctx, c.ID, "inspector")
	assert.True(t, dErrors.HasKind(err, dErrors.InvalidMediationState))

	_, err = env.Engine.UnblockCase(env.Ctx, env.createCase(t, domain.SeverityLeve).ID, "inspector")
	assert.True(t, dErrors.HasKind(err, dErrors.InvalidMediationState), "case not suspended")
}

func TestAgreementScenario(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t, domain.SeverityRelevante)
	assert.Equal(t, time.Date(2026, 3, 23, 9, 0, 0, 0, time.UTC), c.FatalDeadline)
	env.advance(t, c.ID, domain.StageNotificado, domain.StageDescargos)

	res := env.divert(t, c.ID)
	require.Equal(t, domain.StageCerradoGCC, res.Case.Stage)

	env.Clock.tick()
	p, err := env.Engine.RecordMediationOutcome(env.Ctx, res.Mediation.ID, engine.OutcomeInput{
		Result:     "AGREEMENT_TOTAL",
		Agreements: []string{"apology letter"},
		ActorID:    "counselor",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"apology letter"}, p.Agreements)

	env.Clock.tick()
	closed, err := env.Engine.CloseMediationSuccessfully(env.Ctx, p.ID, "counselor")
	require.NoError(t, err)
	assert.Equal(t, domain.StageCerradoGCC, closed.Case.Stage)
	assert.True(t, closed.Case.Locked())
	assert.False(t, closed.Mediation.SuspensionActive)

	_, err = env.Engine.UnblockCase(env.Ctx, c.ID, "inspector")
	assert.True(t, dErrors.HasKind(err, dErrors.CaseLocked))
	_, err = env.Engine.CloseMediationSuccessfully(env.Ctx, p.ID, "counselor")
	assert.True(t, dErrors.HasKind(err, dErrors.InvalidMediationState))

	tl, err := env.Engine.GetTimeline(env.Ctx, c.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, tl.Degraded)
	kinds := make([]domain.TimelineKind, len(tl.Entries))
	for i, e := range tl.Entries {
		kinds[i] = e.Kind
	}
	assert.Equal(t, []domain.TimelineKind{
		domain.TimelineKind(domain.AuditMediationClosedSuccess),
		domain.TimelineKind(domain.AuditSettlementActIssued),
		domain.TimelineKind(domain.AuditMediationResolved),
		domain.TimelineKind(domain.AuditMediationStarted),
		domain.TimelineKind(domain.AuditStageChanged),
		domain.TimelineKind(domain.AuditStageChanged),
		domain.TimelineKind(domain.AuditStageChanged),
		domain.TimelineKind(domain.AuditCaseCreated),
	}, kinds)

	again, err := env.Engine.GetTimeline(env.Ctx, c.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, tl, again)
}

func TestGradualityScenario(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		Severity:      domain.SeverityGravisimaExpulsion,
		StartedAt:     t0,
		PrimaryActor:  domain.StudentRef{StudentID: "stu-9", DisplayName: "Diego"},
		PriorMeasures: domain.PriorMeasures{WrittenWarning: true},
	})
	require.NoError(t, err)
	got := env.advance(t, c.ID, domain.StageNotificado, domain.StageDescargos, domain.StageInvestigacion, domain.StageResolucionPendiente)
	assert.Equal(t, domain.StageResolucionPendiente, got.Stage)

	gate, err := env.Engine.CanFinalizeSanction(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, gate.Allowed)
	assert.Equal(t, []string{"support_plan_applied"}, gate.Missing)

	_, err = env.Engine.FinalizeSanction(env.Ctx, c.ID, "director")
	assert.True(t, dErrors.HasKind(err, dErrors.GradualityNotSatisfied))

	_, err = env.Engine.SetPriorMeasures(env.Ctx, c.ID, domain.PriorMeasures{WrittenWarning: true, SupportPlanApplied: true}, "psychologist")
	require.NoError(t, err)
	gate, err = env.Engine.CanFinalizeSanction(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, gate.Allowed)
	assert.Empty(t, gate.Missing)

	final, err := env.Engine.FinalizeSanction(env.Ctx, c.ID, "director")
	require.NoError(t, err)
	assert.Equal(t, domain.StageCerradoSancion, final.Stage)
}

func TestAdvanceToSanctionRespectsGraduality(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t, domain.SeverityGravisimaExpulsion)
	env.advance(t, c.ID, domain.StageNotificado, domain.StageResolucionPendiente)

	_, err := env.Engine.AdvanceStage(env.Ctx, c.ID, domain.StageCerradoSancion, "director")
	assert.True(t, dErrors.HasKind(err, dErrors.GradualityNotSatisfied))
	got, err := env.Engine.GetCase(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageResolucionPendiente, got.Stage)
	assert.False(t, got.Locked())

	_, err = env.Engine.SetPriorMeasures(env.Ctx, c.ID, domain.PriorMeasures{WrittenWarning: true, SupportPlanApplied: true}, "psychologist")
	require.NoError(t, err)
	closed, err := env.Engine.AdvanceStage(env.Ctx, c.ID, domain.StageCerradoSancion, "director")
	require.NoError(t, err)
	assert.Equal(t, domain.StageCerradoSancion, closed.Stage)

	leve := env.createCase(t, domain.SeverityLeve)
	closed, err = env.Engine.AdvanceStage(env.Ctx, leve.ID, domain.StageCerradoSancion, "director")
	require.NoError(t, err)
	assert.Equal(t, domain.StageCerradoSancion, closed.Stage)
}

func TestGateTruthTable(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		sev   domain.Severity
		prior domain.PriorMeasures
		want  bool
	}{
		{domain.SeverityGravisimaExpulsion, domain.PriorMeasures{}, false},
		{domain.SeverityGravisimaExpulsion, domain.PriorMeasures{WrittenWarning: true}, false},
		{domain.SeverityGravisimaExpulsion, domain.PriorMeasures{SupportPlanApplied: true}, false},
		{domain.SeverityGravisimaExpulsion, domain.PriorMeasures{WrittenWarning: true, SupportPlanApplied: true}, true},
		{domain.SeverityGrave, domain.PriorMeasures{}, true},
	}
	for _, tc := range cases {
		c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{Severity: tc.sev, PrimaryActor: domain.StudentRef{StudentID: "s"}, PriorMeasures: tc.prior})
		require.NoError(t, err)
		gate, err := env.Engine.CanFinalizeSanction(env.Ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, tc.want, gate.Allowed, "%s %+v", tc.sev, tc.prior)
	}
}

func TestAuditFailureDoesNotRollBackState(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t, domain.SeverityLeve)
	env.Engine.Audit = failingAudit{}

	got, err := env.Engine.AdvanceStage(env.Ctx, c.ID, domain.StageNotificado, "inspector")
	require.NoError(t, err)
	assert.Equal(t, domain.StageNotificado, got.Stage)

	stored, err := env.Engine.GetCase(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageNotificado, stored.Stage)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.AuditAppendFailures.WithLabelValues(string(domain.AuditStageChanged))))
}

func TestConcurrentWriteIsStaleState(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t, domain.SeverityRelevante)
	env.advance(t, c.ID, domain.StageNotificado)

	// Another operator advances the case between our read and our write.
	env.Store.beforeSaveCase = func(ctx context.Context, seen domain.Case) {
		other, err := env.Store.Repo.GetCase(ctx, seen.ID)
		require.NoError(t, err)
		other.Stage = domain.StageDescargos
		_, err = env.Store.Repo.SaveCase(ctx, other)
		require.NoError(t, err)
	}
	_, err := env.Engine.DivertToMediation(env.Ctx, c.ID, engine.DivertOptions{Mechanism: domain.MechanismMediacion})
	require.True(t, dErrors.HasKind(err, dErrors.StaleState), err)
	var de *dErrors.Error
	require.True(t, errors.As(err, &de))
	assert.True(t, de.Retryable())

	stored, err := env.Engine.GetCase(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageDescargos, stored.Stage)
	_, err = env.Store.Repo.LatestMediation(env.Ctx, c.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound, "no mediation is created after a lost race")
}

func TestCollaboratorTimeout(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default("school-1")
	cfg.Engine.CollaboratorTimeout = "20ms"
	env := newTestEnvWithDB(t, conn, cfg)
	env.Store.blockGetCase = true

	_, err = env.Engine.AdvanceStage(env.Ctx, "EXP-1", domain.StageNotificado, "inspector")
	assert.True(t, dErrors.HasKind(err, dErrors.CollaboratorUnavailable), err)
}

func TestDivertRecoversFromLostMediationWrite(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t, domain.SeverityLeve)
	env.advance(t, c.ID, domain.StageDescargos)
	env.Store.saveMediationErr = errors.New("disk full")

	res, err := env.Engine.DivertToMediation(env.Ctx, c.ID, engine.DivertOptions{Mechanism: domain.MechanismMediacion})
	require.True(t, dErrors.HasKind(err, dErrors.CollaboratorUnavailable), err)
	assert.Equal(t, domain.StageCerradoGCC, res.Case.Stage)

	env.Store.saveMediationErr = nil
	unblocked, err := env.Engine.UnblockCase(env.Ctx, c.ID, "inspector")
	require.NoError(t, err)
	assert.Equal(t, domain.StageInvestigacion, unblocked.Case.Stage)
	assert.Empty(t, unblocked.Mediation.ID)
}

func TestTimelineDegradesWhenMilestonesFail(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t, domain.SeverityLeve)
	_, err := env.Engine.SaveMilestone(env.Ctx, c.ID, engine.MilestoneInput{Title: domain.StageInicio, Summary: "report received"})
	require.NoError(t, err)

	full, err := env.Engine.GetTimeline(env.Ctx, c.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, full.Entries, 2)

	env.Store.milestonesErr = errors.New("milestone service down")
	tl, err := env.Engine.GetTimeline(env.Ctx, c.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"milestones"}, tl.Degraded)
	require.Len(t, tl.Entries, 1)
	assert.Equal(t, domain.TimelineKind(domain.AuditCaseCreated), tl.Entries[0].Kind)

	_, err = env.Engine.GetTimeline(env.Ctx, "EXP-404", 10, 0)
	assert.True(t, dErrors.HasKind(err, dErrors.NotFound))
}

func TestMilestones(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t, domain.SeverityLeve)

	_, err := env.Engine.SaveMilestone(env.Ctx, c.ID, engine.MilestoneInput{Title: "HEARING"})
	assert.True(t, dErrors.HasKind(err, dErrors.InvalidInput))
	_, err = env.Engine.SaveMilestone(env.Ctx, "EXP-404", engine.MilestoneInput{Title: domain.StageInicio})
	assert.True(t, dErrors.HasKind(err, dErrors.NotFound))

	_, err = env.Engine.CurrentMilestone(env.Ctx, c.ID, domain.StageNotificado)
	assert.True(t, dErrors.HasKind(err, dErrors.NotFound))

	due := t0.AddDate(0, 0, 2)
	_, err = env.Engine.SaveMilestone(env.Ctx, c.ID, engine.MilestoneInput{Title: domain.StageNotificado, Summary: "letter drafted", DueDate: &due, ActorID: "inspector"})
	require.NoError(t, err)
	env.Clock.tick()
	latest, err := env.Engine.SaveMilestone(env.Ctx, c.ID, engine.MilestoneInput{Title: domain.StageNotificado, Summary: "letter delivered", Completed: true, ActorID: "inspector"})
	require.NoError(t, err)

	cur, err := env.Engine.CurrentMilestone(env.Ctx, c.ID, domain.StageNotificado)
	require.NoError(t, err)
	assert.Equal(t, latest.ID, cur.ID)
	assert.Equal(t, "letter delivered", cur.Summary)
}

func TestStartSessionAndVerifyCommitments(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t, domain.SeverityRelevante)
	env.advance(t, c.ID, domain.StageNotificado)
	res := env.divert(t, c.ID)

	p, err := env.Engine.StartMediationSession(env.Ctx, res.Mediation.ID, "counselor")
	require.NoError(t, err)
	assert.Equal(t, domain.MediationInProgress, p.State)
	_, err = env.Engine.StartMediationSession(env.Ctx, res.Mediation.ID, "counselor")
	assert.True(t, dErrors.HasKind(err, dErrors.InvalidMediationState))

	p, err = env.Engine.RecordMediationOutcome(env.Ctx, p.ID, engine.OutcomeInput{
		Result:      "ACUERDO_PARCIAL",
		Commitments: []domain.Commitment{{Description: "repair the locker", ResponsibleParty: "stu-1"}},
	})
	require.NoError(t, err)
	_, err = env.Engine.CloseMediationSuccessfully(env.Ctx, p.ID, "counselor")
	require.NoError(t, err)

	env.Clock.tick()
	v, err := env.Engine.VerifyCommitment(env.Ctx, p.ID, 0, true, "counselor")
	require.NoError(t, err)
	assert.True(t, v.Commitments[0].Verified)
	assert.True(t, v.Closed)

	_, err = env.Engine.VerifyCommitment(env.Ctx, p.ID, 5, true, "counselor")
	assert.True(t, dErrors.HasKind(err, dErrors.InvalidInput))
	_, err = env.Engine.VerifyCommitment(env.Ctx, "missing", 0, true, "counselor")
	assert.True(t, dErrors.HasKind(err, dErrors.NotFound))

	assert.Contains(t, auditKinds(t, env, c.ID), domain.AuditCommitmentVerified)
}

func TestDeadlineStatus(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t, domain.SeverityRelevante)

	st, err := env.Engine.DeadlineStatus(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.FatalDeadline, st.EffectiveDeadline)
	assert.False(t, st.Paused)
	assert.Equal(t, 15, st.DaysRemaining)
	assert.False(t, st.Overdue)

	env.advance(t, c.ID, domain.StageNotificado)
	hint := t0.AddDate(0, 1, 0)
	res, err := env.Engine.DivertToMediation(env.Ctx, c.ID, engine.DivertOptions{Mechanism: domain.MechanismMediacion, DeadlineHint: hint})
	require.NoError(t, err)

	env.Clock.t = c.FatalDeadline.AddDate(0, 0, 1)
	st, err = env.Engine.DeadlineStatus(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, st.Paused)
	assert.Equal(t, res.Mediation.ID, st.MediationID)
	assert.Equal(t, hint, st.EffectiveDeadline)
	assert.False(t, st.Overdue, "the fatal deadline is paused during mediation")

	_, err = env.Engine.UnblockCase(env.Ctx, c.ID, "inspector")
	require.NoError(t, err)
	st, err = env.Engine.DeadlineStatus(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, st.Paused)
	assert.True(t, st.Overdue)
	assert.Negative(t, st.DaysRemaining)
}

func TestListCases(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.Clock.tick()
		env.createCase(t, domain.SeverityLeve)
	}
	env.createCase(t, domain.SeverityGrave)

	all, err := env.Engine.ListCases(env.Ctx, engine.CaseListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	leve, err := env.Engine.ListCases(env.Ctx, engine.CaseListOptions{Severity: domain.SeverityLeve, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, leve, 2)

	_, err = env.Engine.ListCases(env.Ctx, engine.CaseListOptions{Stage: "ARCHIVADO"})
	assert.True(t, dErrors.HasKind(err, dErrors.InvalidInput))
}
