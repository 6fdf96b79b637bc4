package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"expedientes/internal/config"
	"expedientes/internal/domain"
	dErrors "expedientes/internal/domainerrors"
	"expedientes/internal/mediation"
	"expedientes/internal/stage"
)

// MediationResult pairs a mediation process with its parent case.
type MediationResult struct {
	Case      domain.Case             `json:"case"`
	Mediation domain.MediationProcess `json:"mediation"`
}

// DivertOptions are parameters for DivertToMediation.
type DivertOptions struct {
	Mechanism domain.Mechanism
	// DeadlineHint overrides the computed mediation deadline when it lies
	// after the diversion instant.
	DeadlineHint time.Time
	ActorID      string
}

// DivertToMediation suspends the case in CERRADO_GCC and opens a mediation
// process. The case is written before the process; if the process cannot be
// stored the case stays suspended without an active process and
// UnblockCase returns it to the disciplinary track.
func (e Engine) DivertToMediation(ctx context.Context, caseID string, opts DivertOptions) (MediationResult, error) {
	ctx, span := e.startSpan(ctx, "engine.DivertToMediation", attribute.String("case_id", caseID), attribute.String("mechanism", string(opts.Mechanism)))
	defer span.End()

	c, err := e.loadCase(ctx, caseID)
	if err != nil {
		return MediationResult{}, e.fail(span, "divert", err)
	}
	current, err := e.latestMediation(ctx, caseID)
	if err != nil {
		return MediationResult{}, e.fail(span, "divert", err)
	}
	now := e.now()
	windowEnd, err := e.mediationWindowEnd(ctx, c)
	if err != nil {
		return MediationResult{}, e.fail(span, "divert", err)
	}
	due := mediation.Deadline(c, windowEnd, opts.DeadlineHint, now)
	next, p, ch, err := mediation.Divert(c, current, opts.Mechanism, e.newID(), due, now)
	if err != nil {
		return MediationResult{Case: c}, e.fail(span, "divert", err)
	}
	saved, err := e.saveCase(ctx, next)
	if err != nil {
		return MediationResult{Case: c}, e.fail(span, "divert", err)
	}
	e.recordChange(ctx, saved.ID, p.ID, opts.ActorID, ch)
	stored, err := e.saveMediation(ctx, p)
	if err != nil {
		e.logger().Error("mediation not stored after diversion", "case_id", saved.ID, "mediation_id", p.ID, "error", err)
		if !dErrors.HasKind(err, dErrors.CollaboratorUnavailable) {
			err = dErrors.Wrap(err, dErrors.CollaboratorUnavailable, "mediation "+p.ID+" could not be stored")
		}
		return MediationResult{Case: saved}, e.fail(span, "divert", err)
	}
	p = stored
	e.appendAudit(ctx, domain.AuditEvent{
		Timestamp:   now,
		Kind:        domain.AuditMediationStarted,
		CaseID:      saved.ID,
		MediationID: p.ID,
		ActorID:     opts.ActorID,
		Payload: map[string]any{
			"mechanism": string(p.Mechanism),
			"from":      string(ch.From),
			"deadline":  p.Deadline.Format(time.RFC3339),
		},
	})
	return MediationResult{Case: saved, Mediation: p}, nil
}

func (e Engine) mediationWindowEnd(ctx context.Context, c domain.Case) (time.Time, error) {
	days, unit := 0, config.UnitBusiness
	if e.Config != nil {
		days = e.Config.Mediation.WindowDays
		if e.Config.Mediation.Unit != "" {
			unit = e.Config.Mediation.Unit
		}
	}
	var end time.Time
	err := e.call(ctx, "calendar", func(ctx context.Context) (err error) {
		end, err = e.Deadlines.AddDays(ctx, c.StartedAt, days, unit)
		return err
	})
	return end, err
}

// StartMediationSession marks an open mediation as in progress.
func (e Engine) StartMediationSession(ctx context.Context, mediationID, actorID string) (domain.MediationProcess, error) {
	ctx, span := e.startSpan(ctx, "engine.StartMediationSession", attribute.String("mediation_id", mediationID))
	defer span.End()

	p, err := e.loadMediation(ctx, mediationID)
	if err != nil {
		return domain.MediationProcess{}, e.fail(span, "start_session", err)
	}
	next, err := mediation.StartSession(p, e.now())
	if err != nil {
		return p, e.fail(span, "start_session", err)
	}
	saved, err := e.saveMediation(ctx, next)
	if err != nil {
		return p, e.fail(span, "start_session", err)
	}
	e.appendAudit(ctx, domain.AuditEvent{
		Timestamp:   saved.UpdatedAt,
		Kind:        domain.AuditMediationInProgress,
		CaseID:      saved.CaseID,
		MediationID: saved.ID,
		ActorID:     actorID,
		Payload:     map[string]any{"mechanism": string(saved.Mechanism)},
	})
	return saved, nil
}

// OutcomeInput is the result of a mediation.
type OutcomeInput struct {
	// Result is a result code such as AGREEMENT_TOTAL or NO_AGREEMENT.
	Result      string
	Agreements  []string
	Commitments []domain.Commitment
	ActorID     string
}

// RecordMediationOutcome stores the result of a mediation. The parent case is
// left untouched; closing is a separate act.
func (e Engine) RecordMediationOutcome(ctx context.Context, mediationID string, in OutcomeInput) (domain.MediationProcess, error) {
	ctx, span := e.startSpan(ctx, "engine.RecordMediationOutcome", attribute.String("mediation_id", mediationID), attribute.String("result", in.Result))
	defer span.End()

	result, err := mediation.ParseResult(in.Result)
	if err != nil {
		return domain.MediationProcess{}, e.fail(span, "record_outcome", err)
	}
	p, err := e.loadMediation(ctx, mediationID)
	if err != nil {
		return domain.MediationProcess{}, e.fail(span, "record_outcome", err)
	}
	now := e.now()
	next, kinds, err := mediation.RecordOutcome(p, result, in.Agreements, in.Commitments, now)
	if err != nil {
		return p, e.fail(span, "record_outcome", err)
	}
	saved, err := e.saveMediation(ctx, next)
	if err != nil {
		return p, e.fail(span, "record_outcome", err)
	}
	for _, k := range kinds {
		payload := map[string]any{"result": string(saved.State)}
		switch k {
		case domain.AuditSettlementActIssued:
			payload["agreements"] = saved.Agreements
			payload["commitments"] = len(saved.Commitments)
		case domain.AuditNoAgreementRecorded:
			payload["next_step"] = "unblock"
		}
		e.appendAudit(ctx, domain.AuditEvent{
			Timestamp:   now,
			Kind:        k,
			CaseID:      saved.CaseID,
			MediationID: saved.ID,
			ActorID:     in.ActorID,
			Payload:     payload,
		})
	}
	return saved, nil
}

// CloseMediationSuccessfully ends the suspension of a case whose mediation
// reached an agreement. The case stays in CERRADO_GCC as a final closure.
func (e Engine) CloseMediationSuccessfully(ctx context.Context, mediationID, actorID string) (MediationResult, error) {
	ctx, span := e.startSpan(ctx, "engine.CloseMediationSuccessfully", attribute.String("mediation_id", mediationID))
	defer span.End()

	p, err := e.loadMediation(ctx, mediationID)
	if err != nil {
		return MediationResult{}, e.fail(span, "close_mediation", err)
	}
	c, err := e.loadCase(ctx, p.CaseID)
	if err != nil {
		return MediationResult{}, e.fail(span, "close_mediation", err)
	}
	now := e.now()
	closed, err := mediation.CloseSuccessfully(c, p, now)
	if err != nil {
		return MediationResult{Case: c, Mediation: p}, e.fail(span, "close_mediation", err)
	}
	saved, err := e.saveMediation(ctx, closed)
	if err != nil {
		return MediationResult{Case: c, Mediation: p}, e.fail(span, "close_mediation", err)
	}
	e.appendAudit(ctx, domain.AuditEvent{
		Timestamp:   now,
		Kind:        domain.AuditMediationClosedSuccess,
		CaseID:      c.ID,
		MediationID: saved.ID,
		ActorID:     actorID,
		Payload:     map[string]any{"result": string(saved.State), "stage": string(c.Stage)},
	})
	return MediationResult{Case: c, Mediation: saved}, nil
}

// VerifyCommitment toggles the verified flag of one commitment. It works on
// closed mediations too.
func (e Engine) VerifyCommitment(ctx context.Context, mediationID string, index int, verified bool, actorID string) (domain.MediationProcess, error) {
	ctx, span := e.startSpan(ctx, "engine.VerifyCommitment", attribute.String("mediation_id", mediationID), attribute.Int("index", index))
	defer span.End()

	p, err := e.loadMediation(ctx, mediationID)
	if err != nil {
		return domain.MediationProcess{}, e.fail(span, "verify_commitment", err)
	}
	now := e.now()
	next, err := mediation.VerifyCommitment(p, index, verified, now)
	if err != nil {
		return p, e.fail(span, "verify_commitment", err)
	}
	saved, err := e.saveMediation(ctx, next)
	if err != nil {
		return p, e.fail(span, "verify_commitment", err)
	}
	e.appendAudit(ctx, domain.AuditEvent{
		Timestamp:   now,
		Kind:        domain.AuditCommitmentVerified,
		CaseID:      saved.CaseID,
		MediationID: saved.ID,
		ActorID:     actorID,
		Payload: map[string]any{
			"index":       index,
			"verified":    verified,
			"description": saved.Commitments[index].Description,
		},
	})
	return saved, nil
}

// UnblockCase returns a case suspended in CERRADO_GCC to INVESTIGACION after
// an unsuccessful or abandoned mediation. The active mediation is closed
// first.
func (e Engine) UnblockCase(ctx context.Context, caseID, actorID string) (MediationResult, error) {
	ctx, span := e.startSpan(ctx, "engine.UnblockCase", attribute.String("case_id", caseID))
	defer span.End()

	c, err := e.loadCase(ctx, caseID)
	if err != nil {
		return MediationResult{}, e.fail(span, "unblock", err)
	}
	if c.Stage == domain.StageCerradoSancion {
		return MediationResult{Case: c}, e.fail(span, "unblock", dErrors.Newf(dErrors.CaseLocked, "case %s is closed with a sanction", c.ID))
	}
	current, err := e.latestMediation(ctx, caseID)
	if err != nil {
		return MediationResult{Case: c}, e.fail(span, "unblock", err)
	}
	if current != nil && current.Closed && current.State.IsFavorable() && c.Stage == domain.StageCerradoGCC {
		return MediationResult{Case: c, Mediation: *current}, e.fail(span, "unblock", dErrors.Newf(dErrors.CaseLocked, "case %s was closed by agreement in mediation %s", c.ID, current.ID))
	}
	now := e.now()
	next, ch, err := stage.Unblock(c, now)
	if err != nil {
		return MediationResult{Case: c}, e.fail(span, "unblock", err)
	}

	var closed domain.MediationProcess
	reason, mediationID := "no_active_mediation", ""
	if current != nil {
		closed = *current
		if current.Active() {
			closed, reason, err = mediation.CloseForUnblock(*current, now)
			if err != nil {
				return MediationResult{Case: c, Mediation: *current}, e.fail(span, "unblock", err)
			}
			if closed, err = e.saveMediation(ctx, closed); err != nil {
				return MediationResult{Case: c, Mediation: *current}, e.fail(span, "unblock", err)
			}
			mediationID = closed.ID
		}
	}
	saved, err := e.saveCase(ctx, next)
	if err != nil {
		return MediationResult{Case: c, Mediation: closed}, e.fail(span, "unblock", err)
	}
	e.Metrics.ObserveTransition(string(ch.From), string(ch.To))
	e.appendAudit(ctx, domain.AuditEvent{
		Timestamp:   now,
		Kind:        domain.AuditUnblocked,
		CaseID:      saved.ID,
		MediationID: mediationID,
		ActorID:     actorID,
		Payload: map[string]any{
			"from":   string(ch.From),
			"to":     string(ch.To),
			"reason": reason,
		},
	})
	return MediationResult{Case: saved, Mediation: closed}, nil
}

func (e Engine) GetMediation(ctx context.Context, id string) (domain.MediationProcess, error) {
	return e.loadMediation(ctx, id)
}

// ListMediations returns every mediation process of a case, oldest first.
func (e Engine) ListMediations(ctx context.Context, caseID string) ([]domain.MediationProcess, error) {
	if _, err := e.loadCase(ctx, caseID); err != nil {
		return nil, err
	}
	var out []domain.MediationProcess
	err := e.call(ctx, "mediations of case "+caseID, func(ctx context.Context) (err error) {
		out, err = e.Store.ListMediations(ctx, caseID)
		return err
	})
	return out, err
}
