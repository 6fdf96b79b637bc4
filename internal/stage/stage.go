// Package stage is the procedural state machine of a disciplinary case.
//
// Stages follow the order INICIO < NOTIFICADO < DESCARGOS < INVESTIGACION <
// RESOLUCION_PENDIENTE < RECONSIDERACION. Moves in either direction along that
// order are allowed so that mistakes can be corrected; every move is reported
// as a Change for the audit trail. CERRADO_SANCION and CERRADO_GCC absorb the
// case. CERRADO_GCC is reached only through mediation diversion and left only
// through Unblock.
package stage

import (
	"time"

	"expedientes/internal/domain"
	dErrors "expedientes/internal/domainerrors"
)

// Path names the operation requesting a transition.
type Path string

const (
	PathManual    Path = "manual"
	PathDiversion Path = "diversion"
	PathSanction  Path = "sanction"
	PathUnblock   Path = "unblock"
)

type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
	Closing  Direction = "closing"
	Reopen   Direction = "reopen"
)

// Change describes one applied transition.
type Change struct {
	From      domain.Stage
	To        domain.Stage
	Direction Direction
	Path      Path
	At        time.Time
}

// Payload renders the change for an audit event.
func (c Change) Payload() map[string]any {
	return map[string]any{
		"from":      string(c.From),
		"to":        string(c.To),
		"direction": string(c.Direction),
		"path":      string(c.Path),
	}
}

// DivertibleStages are the stages from which a case may enter mediation.
var DivertibleStages = []domain.Stage{
	domain.StageNotificado,
	domain.StageDescargos,
	domain.StageInvestigacion,
}

// CanDivert reports whether a case in s may be diverted to mediation.
func CanDivert(s domain.Stage) bool {
	for _, d := range DivertibleStages {
		if d == s {
			return true
		}
	}
	return false
}

// Transition validates and applies a move of c to target requested through path.
// The fatal deadline is never touched.
func Transition(c domain.Case, target domain.Stage, path Path, at time.Time) (domain.Case, Change, error) {
	if !target.IsValid() {
		return c, Change{}, dErrors.Newf(dErrors.InvalidInput, "unknown stage %q", target)
	}
	if c.Locked() {
		return c, Change{}, dErrors.Newf(dErrors.CaseLocked, "case %s is closed in %s", c.ID, c.Stage)
	}
	if target == c.Stage {
		return c, Change{}, dErrors.Newf(dErrors.NoOpTransition, "case %s is already in %s", c.ID, c.Stage)
	}
	if err := ensureStageTransition(c.Stage, target, path); err != nil {
		return c, Change{}, err
	}
	ch := Change{From: c.Stage, To: target, Direction: directionOf(c.Stage, target), Path: path, At: at}
	c.Stage = target
	c.UpdatedAt = at
	return c, ch, nil
}

func ensureStageTransition(from, to domain.Stage, path Path) error {
	switch to {
	case domain.StageCerradoGCC:
		if path != PathDiversion {
			return dErrors.New(dErrors.InvalidDiversionStage, "CERRADO_GCC is reached only by diverting the case to mediation")
		}
		if !CanDivert(from) {
			return dErrors.Newf(dErrors.InvalidDiversionStage, "cannot divert to mediation from %s", from)
		}
	default:
		if path == PathDiversion {
			return dErrors.New(dErrors.InvalidDiversionStage, "diversion must target CERRADO_GCC")
		}
	}
	return nil
}

// Unblock returns a case paused in CERRADO_GCC to INVESTIGACION. Callers must
// close the case's mediation before persisting the result.
func Unblock(c domain.Case, at time.Time) (domain.Case, Change, error) {
	if c.Stage != domain.StageCerradoGCC {
		return c, Change{}, dErrors.Newf(dErrors.InvalidMediationState, "case %s is in %s, not suspended in mediation", c.ID, c.Stage)
	}
	ch := Change{From: c.Stage, To: domain.StageInvestigacion, Direction: Reopen, Path: PathUnblock, At: at}
	c.Stage = domain.StageInvestigacion
	c.UpdatedAt = at
	return c, ch, nil
}

func directionOf(from, to domain.Stage) Direction {
	if to.IsTerminal() {
		return Closing
	}
	if to.Position() < from.Position() {
		return Backward
	}
	return Forward
}
