// Package mediation is the conflict-mediation track attached to a case.
//
// A process moves OPEN -> IN_PROGRESS -> one outcome, and is closed either by
// CloseSuccessfully (agreements only) or by CloseForUnblock when the case
// returns to the disciplinary track. While a process is active its
// SuspensionActive flag pauses the parent case's deadline.
package mediation

import (
	"strings"
	"time"

	"expedientes/internal/domain"
	dErrors "expedientes/internal/domainerrors"
	"expedientes/internal/stage"
)

// Divert creates a mediation process for c and moves c to CERRADO_GCC.
// current is the case's latest process, if any.
func Divert(c domain.Case, current *domain.MediationProcess, mechanism domain.Mechanism, id string, deadline, at time.Time) (domain.Case, domain.MediationProcess, stage.Change, error) {
	if !mechanism.IsValid() {
		return c, domain.MediationProcess{}, stage.Change{}, dErrors.Newf(dErrors.InvalidInput, "unknown mechanism %q", mechanism)
	}
	if current != nil && current.Active() {
		return c, domain.MediationProcess{}, stage.Change{}, dErrors.Newf(dErrors.InvalidDiversionStage, "case %s already has active mediation %s", c.ID, current.ID)
	}
	if !stage.CanDivert(c.Stage) {
		return c, domain.MediationProcess{}, stage.Change{}, dErrors.Newf(dErrors.InvalidDiversionStage, "cannot divert case %s to mediation from %s", c.ID, c.Stage)
	}
	next, ch, err := stage.Transition(c, domain.StageCerradoGCC, stage.PathDiversion, at)
	if err != nil {
		return c, domain.MediationProcess{}, stage.Change{}, err
	}
	p := domain.MediationProcess{
		ID:               id,
		CaseID:           c.ID,
		Mechanism:        mechanism,
		State:            domain.MediationOpen,
		SuspensionActive: true,
		Deadline:         deadline,
		CreatedAt:        at,
		UpdatedAt:        at,
	}
	return next, p, ch, nil
}

// Deadline picks the mediation deadline: the later of the parent's fatal
// deadline and windowEnd, unless hint is set and later than at.
func Deadline(parent domain.Case, windowEnd, hint, at time.Time) time.Time {
	if !hint.IsZero() && hint.After(at) {
		return hint
	}
	if windowEnd.After(parent.FatalDeadline) {
		return windowEnd
	}
	return parent.FatalDeadline
}

// StartSession marks an open process as in progress.
func StartSession(p domain.MediationProcess, at time.Time) (domain.MediationProcess, error) {
	if p.Closed {
		return p, dErrors.Newf(dErrors.InvalidMediationState, "mediation %s is closed", p.ID)
	}
	if p.State != domain.MediationOpen {
		return p, dErrors.Newf(dErrors.InvalidMediationState, "mediation %s is %s, not OPEN", p.ID, p.State)
	}
	p.State = domain.MediationInProgress
	p.UpdatedAt = at
	return p, nil
}

var resultAliases = map[string]domain.MediationState{
	"ACUERDO_TOTAL":   domain.MediationAgreementTotal,
	"ACUERDO_PARCIAL": domain.MediationAgreementPartial,
	"SIN_ACUERDO":     domain.MediationNoAgreement,
	"NO_CONCILIABLE":  domain.MediationNotReconcilable,
}

// ParseResult maps a result code onto its terminal mediation state.
func ParseResult(code string) (domain.MediationState, error) {
	norm := strings.ToUpper(strings.TrimSpace(code))
	if s := domain.MediationState(norm); s.IsOutcome() {
		return s, nil
	}
	if s, ok := resultAliases[norm]; ok {
		return s, nil
	}
	return "", dErrors.Newf(dErrors.InvalidInput, "unknown mediation result %q", code)
}

// RecordOutcome stores the result of the process. The parent case is not
// touched; closing is a separate act.
func RecordOutcome(p domain.MediationProcess, result domain.MediationState, agreements []string, commitments []domain.Commitment, at time.Time) (domain.MediationProcess, []domain.AuditKind, error) {
	if !result.IsOutcome() {
		return p, nil, dErrors.Newf(dErrors.InvalidInput, "%s is not a mediation result", result)
	}
	if p.Closed {
		return p, nil, dErrors.Newf(dErrors.InvalidMediationState, "mediation %s is closed", p.ID)
	}
	if p.State.IsOutcome() {
		return p, nil, dErrors.Newf(dErrors.InvalidMediationState, "mediation %s already resolved as %s", p.ID, p.State)
	}
	for i, c := range commitments {
		if strings.TrimSpace(c.Description) == "" {
			return p, nil, dErrors.Newf(dErrors.InvalidInput, "commitment %d has no description", i)
		}
	}
	p.State = result
	p.Agreements = append([]string(nil), agreements...)
	p.Commitments = append([]domain.Commitment(nil), commitments...)
	p.ResolvedAt = &at
	p.UpdatedAt = at
	kinds := []domain.AuditKind{domain.AuditMediationResolved}
	if result.IsFavorable() {
		kinds = append(kinds, domain.AuditSettlementActIssued)
	} else {
		kinds = append(kinds, domain.AuditNoAgreementRecorded)
	}
	return p, kinds, nil
}

// CloseSuccessfully ends the suspension after an agreement. The case stays in
// CERRADO_GCC, now as a final closure.
func CloseSuccessfully(c domain.Case, p domain.MediationProcess, at time.Time) (domain.MediationProcess, error) {
	if p.CaseID != c.ID {
		return p, dErrors.Newf(dErrors.InvalidInput, "mediation %s does not belong to case %s", p.ID, c.ID)
	}
	if !p.State.IsFavorable() {
		if p.State.IsOutcome() {
			return p, dErrors.Newf(dErrors.OutcomeNotFavorable, "mediation %s ended %s; unblock the case instead", p.ID, p.State)
		}
		return p, dErrors.Newf(dErrors.InvalidMediationState, "mediation %s has no recorded outcome", p.ID)
	}
	if p.Closed {
		return p, dErrors.Newf(dErrors.InvalidMediationState, "mediation %s is already closed", p.ID)
	}
	if c.Stage != domain.StageCerradoGCC {
		return p, dErrors.Newf(dErrors.StaleState, "case %s is in %s, expected CERRADO_GCC", c.ID, c.Stage)
	}
	p.SuspensionActive = false
	p.Closed = true
	p.ClosedAt = &at
	p.UpdatedAt = at
	return p, nil
}

// CloseForUnblock closes a process so its case can return to the disciplinary
// track. A process with an unclosed agreement must use CloseSuccessfully.
func CloseForUnblock(p domain.MediationProcess, at time.Time) (domain.MediationProcess, string, error) {
	if p.Closed {
		return p, "", nil
	}
	if p.State.IsFavorable() {
		return p, "", dErrors.Newf(dErrors.InvalidMediationState, "mediation %s reached %s; close it successfully instead", p.ID, p.State)
	}
	reason := "abandoned"
	if p.State.IsOutcome() {
		reason = strings.ToLower(string(p.State))
	}
	p.SuspensionActive = false
	p.Closed = true
	p.ClosedAt = &at
	p.UpdatedAt = at
	return p, reason, nil
}

// VerifyCommitment sets the verified flag of commitment idx. It is allowed in
// any state, including after the process is closed.
func VerifyCommitment(p domain.MediationProcess, idx int, verified bool, at time.Time) (domain.MediationProcess, error) {
	if idx < 0 || idx >= len(p.Commitments) {
		return p, dErrors.Newf(dErrors.InvalidInput, "mediation %s has no commitment %d", p.ID, idx)
	}
	commitments := append([]domain.Commitment(nil), p.Commitments...)
	commitments[idx].Verified = verified
	if verified {
		commitments[idx].VerifiedAt = &at
	} else {
		commitments[idx].VerifiedAt = nil
	}
	p.Commitments = commitments
	p.UpdatedAt = at
	return p, nil
}
