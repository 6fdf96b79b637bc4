package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"expedientes/internal/domain"
	dErrors "expedientes/internal/domainerrors"
	"expedientes/internal/graduality"
	"expedientes/internal/repo"
	"expedientes/internal/stage"
)

// CaseCreateOptions are parameters for opening a case.
type CaseCreateOptions struct {
	// ID is the public folio. Generated when empty.
	ID             string
	Severity       domain.Severity
	StartedAt      time.Time
	PrimaryActor   domain.StudentRef
	SecondaryActor *domain.StudentRef
	PriorMeasures  domain.PriorMeasures
	Description    string
	ActorID        string
}

// CreateCase opens a case in INICIO and fixes its fatal deadline.
func (e Engine) CreateCase(ctx context.Context, opts CaseCreateOptions) (domain.Case, error) {
	ctx, span := e.startSpan(ctx, "engine.CreateCase", attribute.String("severity", string(opts.Severity)))
	defer span.End()

	if !opts.Severity.IsValid() {
		return domain.Case{}, e.fail(span, "create_case", dErrors.Newf(dErrors.InvalidInput, "unknown severity %q", opts.Severity))
	}
	if strings.TrimSpace(opts.PrimaryActor.StudentID) == "" {
		return domain.Case{}, e.fail(span, "create_case", dErrors.New(dErrors.InvalidInput, "primary actor student id is required"))
	}
	if opts.SecondaryActor != nil && opts.SecondaryActor.StudentID == opts.PrimaryActor.StudentID {
		return domain.Case{}, e.fail(span, "create_case", dErrors.New(dErrors.InvalidInput, "secondary actor must differ from the primary actor"))
	}
	now := e.now()
	started := opts.StartedAt
	if started.IsZero() {
		started = now
	}
	started = started.UTC()

	var fatal time.Time
	err := e.call(ctx, "calendar", func(ctx context.Context) (err error) {
		fatal, err = e.Deadlines.ComputeFatalDeadline(ctx, started, opts.Severity)
		return err
	})
	if err != nil {
		return domain.Case{}, e.fail(span, "create_case", err)
	}

	internalID := e.newID()
	id := opts.ID
	if id == "" {
		id = folio(started, internalID)
	}
	c := domain.Case{
		ID:             id,
		InternalID:     internalID,
		Severity:       opts.Severity,
		Stage:          domain.StageInicio,
		StartedAt:      started,
		FatalDeadline:  fatal,
		PriorMeasures:  opts.PriorMeasures,
		PrimaryActor:   opts.PrimaryActor,
		SecondaryActor: opts.SecondaryActor,
		Description:    opts.Description,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = e.call(ctx, "case "+id, func(ctx context.Context) (err error) {
		c, err = e.Store.InsertCase(ctx, c)
		return err
	})
	if dErrors.HasKind(err, dErrors.StaleState) {
		err = dErrors.Wrap(err, dErrors.InvalidInput, fmt.Sprintf("case %s already exists", id))
	}
	if err != nil {
		return domain.Case{}, e.fail(span, "create_case", err)
	}
	span.SetAttributes(attribute.String("case_id", c.ID))
	e.appendAudit(ctx, domain.AuditEvent{
		Timestamp: now,
		Kind:      domain.AuditCaseCreated,
		CaseID:    c.ID,
		ActorID:   opts.ActorID,
		Payload: map[string]any{
			"severity":       string(c.Severity),
			"stage":          string(c.Stage),
			"fatal_deadline": c.FatalDeadline.Format(time.RFC3339),
			"bilateral":      c.Bilateral(),
		},
	})
	return c, nil
}

func folio(started time.Time, internalID string) string {
	suffix := strings.ToUpper(strings.ReplaceAll(internalID, "-", ""))
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("EXP-%d-%s", started.Year(), suffix)
}

func (e Engine) GetCase(ctx context.Context, id string) (domain.Case, error) {
	return e.loadCase(ctx, id)
}

// CaseListOptions filter ListCases. Cursor fields come from the last case of
// the previous page.
type CaseListOptions struct {
	Stage           domain.Stage
	Severity        domain.Severity
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (e Engine) ListCases(ctx context.Context, opts CaseListOptions) ([]domain.Case, error) {
	if opts.Stage != "" && !opts.Stage.IsValid() {
		return nil, dErrors.Newf(dErrors.InvalidInput, "unknown stage %q", opts.Stage)
	}
	if opts.Severity != "" && !opts.Severity.IsValid() {
		return nil, dErrors.Newf(dErrors.InvalidInput, "unknown severity %q", opts.Severity)
	}
	var out []domain.Case
	err := e.call(ctx, "cases", func(ctx context.Context) (err error) {
		out, err = e.Store.ListCases(ctx, repo.CaseFilters{
			Stage:           string(opts.Stage),
			Severity:        string(opts.Severity),
			Limit:           opts.Limit,
			CursorCreatedAt: opts.CursorCreatedAt,
			CursorID:        opts.CursorID,
		})
		return err
	})
	return out, err
}

// AdvanceStage moves a case to target along the procedural order, forward or
// backward. CERRADO_GCC is only reachable through DivertToMediation, and a move
// to CERRADO_SANCION must pass the graduality gate.
func (e Engine) AdvanceStage(ctx context.Context, caseID string, target domain.Stage, actorID string) (domain.Case, error) {
	ctx, span := e.startSpan(ctx, "engine.AdvanceStage", attribute.String("case_id", caseID), attribute.String("target", string(target)))
	defer span.End()

	c, err := e.loadCase(ctx, caseID)
	if err != nil {
		return domain.Case{}, e.fail(span, "advance_stage", err)
	}
	next, ch, err := stage.Transition(c, target, stage.PathManual, e.now())
	if err != nil {
		return c, e.fail(span, "advance_stage", err)
	}
	if ch.To == domain.StageCerradoSancion {
		if err := graduality.Check(c.Severity, c.PriorMeasures); err != nil {
			return c, e.fail(span, "advance_stage", err)
		}
	}
	saved, err := e.saveCase(ctx, next)
	if err != nil {
		return c, e.fail(span, "advance_stage", err)
	}
	e.recordChange(ctx, saved.ID, "", actorID, ch)
	return saved, nil
}

// SetPriorMeasures replaces the graduality evidence flags of an open case.
func (e Engine) SetPriorMeasures(ctx context.Context, caseID string, pm domain.PriorMeasures, actorID string) (domain.Case, error) {
	ctx, span := e.startSpan(ctx, "engine.SetPriorMeasures", attribute.String("case_id", caseID))
	defer span.End()

	c, err := e.loadCase(ctx, caseID)
	if err != nil {
		return domain.Case{}, e.fail(span, "set_prior_measures", err)
	}
	if c.Locked() {
		return c, e.fail(span, "set_prior_measures", dErrors.Newf(dErrors.CaseLocked, "case %s is closed in %s", c.ID, c.Stage))
	}
	before := c.PriorMeasures
	if before == pm {
		return c, nil
	}
	c.PriorMeasures = pm
	c.UpdatedAt = e.now()
	saved, err := e.saveCase(ctx, c)
	if err != nil {
		return c, e.fail(span, "set_prior_measures", err)
	}
	e.appendAudit(ctx, domain.AuditEvent{
		Timestamp: saved.UpdatedAt,
		Kind:      domain.AuditPriorMeasuresUpdated,
		CaseID:    saved.ID,
		ActorID:   actorID,
		Payload: map[string]any{
			"written_warning":      pm.WrittenWarning,
			"support_plan_applied": pm.SupportPlanApplied,
			"previous":             map[string]any{"written_warning": before.WrittenWarning, "support_plan_applied": before.SupportPlanApplied},
		},
	})
	return saved, nil
}

// GateResult is the answer of the graduality gate for one case.
type GateResult struct {
	CaseID   string          `json:"case_id"`
	Severity domain.Severity `json:"severity"`
	Allowed  bool            `json:"allowed"`
	Missing  []string        `json:"missing,omitempty"`
}

// CanFinalizeSanction consults the graduality gate without changing the case.
func (e Engine) CanFinalizeSanction(ctx context.Context, caseID string) (GateResult, error) {
	c, err := e.loadCase(ctx, caseID)
	if err != nil {
		return GateResult{}, err
	}
	return GateResult{
		CaseID:   c.ID,
		Severity: c.Severity,
		Allowed:  graduality.CanFinalizeSevereSanction(c.Severity, c.PriorMeasures),
		Missing:  graduality.Missing(c.Severity, c.PriorMeasures),
	}, nil
}

// FinalizeSanction closes the case in CERRADO_SANCION once the gate allows it.
// Issuing the resolution document is left to the caller.
func (e Engine) FinalizeSanction(ctx context.Context, caseID, actorID string) (domain.Case, error) {
	ctx, span := e.startSpan(ctx, "engine.FinalizeSanction", attribute.String("case_id", caseID))
	defer span.End()

	c, err := e.loadCase(ctx, caseID)
	if err != nil {
		return domain.Case{}, e.fail(span, "finalize_sanction", err)
	}
	next, ch, err := stage.Transition(c, domain.StageCerradoSancion, stage.PathSanction, e.now())
	if err != nil {
		return c, e.fail(span, "finalize_sanction", err)
	}
	if err := graduality.Check(c.Severity, c.PriorMeasures); err != nil {
		return c, e.fail(span, "finalize_sanction", err)
	}
	saved, err := e.saveCase(ctx, next)
	if err != nil {
		return c, e.fail(span, "finalize_sanction", err)
	}
	e.recordChange(ctx, saved.ID, "", actorID, ch)
	e.appendAudit(ctx, domain.AuditEvent{
		Timestamp: ch.At,
		Kind:      domain.AuditSanctionFinalized,
		CaseID:    saved.ID,
		ActorID:   actorID,
		Payload:   map[string]any{"severity": string(saved.Severity), "from": string(ch.From)},
	})
	return saved, nil
}

// MilestoneInput is a procedural record to attach to a case.
type MilestoneInput struct {
	Title     domain.Stage
	Summary   string
	DueDate   *time.Time
	Completed bool
	ActorID   string
}

// SaveMilestone appends a milestone. Locked cases still accept milestones.
func (e Engine) SaveMilestone(ctx context.Context, caseID string, in MilestoneInput) (domain.Milestone, error) {
	ctx, span := e.startSpan(ctx, "engine.SaveMilestone", attribute.String("case_id", caseID))
	defer span.End()

	if !in.Title.IsValid() {
		return domain.Milestone{}, e.fail(span, "save_milestone", dErrors.Newf(dErrors.InvalidInput, "milestone title %q is not a stage", in.Title))
	}
	if _, err := e.loadCase(ctx, caseID); err != nil {
		return domain.Milestone{}, e.fail(span, "save_milestone", err)
	}
	m := domain.Milestone{
		CaseID:    caseID,
		Title:     in.Title,
		Summary:   in.Summary,
		DueDate:   in.DueDate,
		Completed: in.Completed,
		ActorID:   in.ActorID,
		CreatedAt: e.now(),
	}
	err := e.call(ctx, "milestones of case "+caseID, func(ctx context.Context) (err error) {
		m, err = e.Store.AppendMilestone(ctx, m)
		return err
	})
	if err != nil {
		return domain.Milestone{}, e.fail(span, "save_milestone", err)
	}
	return m, nil
}

// CurrentMilestone returns the latest milestone recorded for stage.
func (e Engine) CurrentMilestone(ctx context.Context, caseID string, st domain.Stage) (domain.Milestone, error) {
	if !st.IsValid() {
		return domain.Milestone{}, dErrors.Newf(dErrors.InvalidInput, "unknown stage %q", st)
	}
	var m domain.Milestone
	err := e.call(ctx, fmt.Sprintf("%s milestone of case %s", st, caseID), func(ctx context.Context) (err error) {
		m, err = e.Store.CurrentMilestone(ctx, caseID, st)
		return err
	})
	return m, err
}

// DeadlineReport describes the deadline a case is currently running against.
type DeadlineReport struct {
	CaseID            string       `json:"case_id"`
	Stage             domain.Stage `json:"stage"`
	FatalDeadline     time.Time    `json:"fatal_deadline"`
	EffectiveDeadline time.Time    `json:"effective_deadline"`
	Paused            bool         `json:"paused"`
	MediationID       string       `json:"mediation_id,omitempty"`
	DaysRemaining     int          `json:"days_remaining"`
	Overdue           bool         `json:"overdue"`
	Closed            bool         `json:"closed"`
}

// DeadlineStatus reports the effective deadline of a case. While a mediation
// suspends the case, the mediation deadline applies instead of the fatal one.
func (e Engine) DeadlineStatus(ctx context.Context, caseID string) (DeadlineReport, error) {
	c, err := e.loadCase(ctx, caseID)
	if err != nil {
		return DeadlineReport{}, err
	}
	r := DeadlineReport{
		CaseID:            c.ID,
		Stage:             c.Stage,
		FatalDeadline:     c.FatalDeadline,
		EffectiveDeadline: c.FatalDeadline,
	}
	if c.Stage == domain.StageCerradoGCC {
		p, err := e.latestMediation(ctx, c.ID)
		if err != nil {
			return DeadlineReport{}, err
		}
		if p != nil && p.SuspensionActive {
			r.Paused = true
			r.MediationID = p.ID
			r.EffectiveDeadline = p.Deadline
		}
	}
	r.Closed = c.Locked() && !r.Paused
	now := e.now()
	err = e.call(ctx, "calendar", func(ctx context.Context) (err error) {
		r.DaysRemaining, err = e.Deadlines.BusinessDaysUntil(ctx, now, r.EffectiveDeadline)
		return err
	})
	if err != nil {
		return DeadlineReport{}, err
	}
	r.Overdue = !r.Closed && now.After(r.EffectiveDeadline)
	return r, nil
}

func isNotFound(err error) bool {
	return dErrors.HasKind(err, dErrors.NotFound) || errors.Is(err, repo.ErrNotFound)
}
