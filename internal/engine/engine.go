// Package engine is the case service: it loads case state from the store,
// runs it through the stage and mediation machines, saves the result and
// appends audit events.
//
// State is written first and audit second. A failed audit append is logged
// and counted but never undoes the state change.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"expedientes/internal/calendar"
	"expedientes/internal/config"
	"expedientes/internal/deadline"
	"expedientes/internal/domain"
	dErrors "expedientes/internal/domainerrors"
	"expedientes/internal/events"
	"expedientes/internal/metrics"
	"expedientes/internal/repo"
	"expedientes/internal/stage"
)

// Store is the persistence collaborator.
type Store interface {
	GetCase(ctx context.Context, id string) (domain.Case, error)
	InsertCase(ctx context.Context, c domain.Case) (domain.Case, error)
	SaveCase(ctx context.Context, c domain.Case) (domain.Case, error)
	ListCases(ctx context.Context, f repo.CaseFilters) ([]domain.Case, error)

	AppendMilestone(ctx context.Context, m domain.Milestone) (domain.Milestone, error)
	LoadMilestones(ctx context.Context, caseID string) ([]domain.Milestone, error)
	CurrentMilestone(ctx context.Context, caseID string, title domain.Stage) (domain.Milestone, error)

	GetMediation(ctx context.Context, id string) (domain.MediationProcess, error)
	LatestMediation(ctx context.Context, caseID string) (domain.MediationProcess, error)
	ListMediations(ctx context.Context, caseID string) ([]domain.MediationProcess, error)
	SaveMediation(ctx context.Context, p domain.MediationProcess) (domain.MediationProcess, error)
}

// AuditLog is the append-only audit collaborator.
type AuditLog interface {
	Append(ctx context.Context, ev domain.AuditEvent) (domain.AuditEvent, error)
	Query(ctx context.Context, caseID string, limit, offset int) ([]domain.AuditEvent, error)
}

type Engine struct {
	Store     Store
	Audit     AuditLog
	Deadlines deadline.Calculator
	Config    *config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
	Now       func() time.Time
	NewID     func() string
}

// New wires an engine over a migrated SQLite database.
func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default("")
	}
	return Engine{
		Store:     repo.Repo{DB: db},
		Audit:     events.Log{DB: db},
		Deadlines: deadline.New(deadline.TableFromConfig(cfg), calendar.FromConfig(cfg)),
		Config:    cfg,
		Logger:    slog.Default(),
		Tracer:    otel.Tracer("expedientes/engine"),
		Now:       time.Now,
		NewID:     uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) timeout() time.Duration {
	if e.Config == nil {
		return 5 * time.Second
	}
	return e.Config.CollaboratorTimeout()
}

func (e Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := e.Tracer
	if tracer == nil {
		tracer = otel.Tracer("expedientes/engine")
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// fail records err on the span and the error counter and returns it unchanged.
func (e Engine) fail(span trace.Span, op string, err error) error {
	kind := dErrors.KindOf(err)
	if kind == "" {
		kind = "Unknown"
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	e.Metrics.ObserveOperationError(op, string(kind))
	return err
}

// call runs fn against a collaborator under the configured timeout and maps
// store errors onto error kinds.
func (e Engine) call(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()
	return collaboratorErr(fn(ctx), what)
}

func collaboratorErr(err error, what string) error {
	var de *dErrors.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &de):
		return err
	case errors.Is(err, repo.ErrNotFound):
		return dErrors.Wrap(err, dErrors.NotFound, what+" not found")
	case errors.Is(err, repo.ErrConflict):
		return dErrors.Wrap(err, dErrors.StaleState, what+" was modified concurrently")
	case errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(err, dErrors.CollaboratorUnavailable, what+": timed out")
	default:
		return dErrors.Wrap(err, dErrors.CollaboratorUnavailable, what)
	}
}

func (e Engine) loadCase(ctx context.Context, id string) (domain.Case, error) {
	var c domain.Case
	err := e.call(ctx, "case "+id, func(ctx context.Context) (err error) {
		c, err = e.Store.GetCase(ctx, id)
		return err
	})
	return c, err
}

func (e Engine) saveCase(ctx context.Context, c domain.Case) (domain.Case, error) {
	var saved domain.Case
	err := e.call(ctx, "case "+c.ID, func(ctx context.Context) (err error) {
		saved, err = e.Store.SaveCase(ctx, c)
		return err
	})
	return saved, err
}

func (e Engine) loadMediation(ctx context.Context, id string) (domain.MediationProcess, error) {
	var p domain.MediationProcess
	err := e.call(ctx, "mediation "+id, func(ctx context.Context) (err error) {
		p, err = e.Store.GetMediation(ctx, id)
		return err
	})
	return p, err
}

// latestMediation returns nil when the case never entered mediation.
func (e Engine) latestMediation(ctx context.Context, caseID string) (*domain.MediationProcess, error) {
	var p domain.MediationProcess
	err := e.call(ctx, "mediation of case "+caseID, func(ctx context.Context) (err error) {
		p, err = e.Store.LatestMediation(ctx, caseID)
		return err
	})
	if dErrors.HasKind(err, dErrors.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (e Engine) saveMediation(ctx context.Context, p domain.MediationProcess) (domain.MediationProcess, error) {
	var saved domain.MediationProcess
	err := e.call(ctx, "mediation "+p.ID, func(ctx context.Context) (err error) {
		saved, err = e.Store.SaveMediation(ctx, p)
		return err
	})
	return saved, err
}

// appendAudit stores ev best-effort. Failures are logged and counted only.
func (e Engine) appendAudit(ctx context.Context, ev domain.AuditEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	if e.Audit == nil {
		return
	}
	err := e.call(ctx, "audit log", func(ctx context.Context) error {
		_, err := e.Audit.Append(ctx, ev)
		return err
	})
	if err != nil {
		e.logger().Warn("audit append failed", "case_id", ev.CaseID, "kind", ev.Kind, "mediation_id", ev.MediationID, "error", err)
		e.Metrics.ObserveAuditFailure(string(ev.Kind))
	}
}

func (e Engine) recordChange(ctx context.Context, caseID, mediationID, actorID string, ch stage.Change) {
	e.Metrics.ObserveTransition(string(ch.From), string(ch.To))
	e.appendAudit(ctx, domain.AuditEvent{
		Timestamp:   ch.At,
		Kind:        domain.AuditStageChanged,
		CaseID:      caseID,
		MediationID: mediationID,
		ActorID:     actorID,
		Payload:     ch.Payload(),
	})
}
