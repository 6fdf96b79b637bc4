// Package graduality decides whether a severe sanction may be emitted.
//
// The gate is consulted whenever a case is about to enter CERRADO_SANCION.
// Moves between open stages never call it.
package graduality

import (
	"expedientes/internal/domain"
	dErrors "expedientes/internal/domainerrors"
)

// CanFinalizeSevereSanction reports whether the documented prior measures
// allow a sanction for severity. Only GRAVISIMA_EXPULSION is gated, and it
// requires both a written warning and an applied support plan.
func CanFinalizeSevereSanction(severity domain.Severity, prior domain.PriorMeasures) bool {
	if severity != domain.SeverityGravisimaExpulsion {
		return true
	}
	return prior.WrittenWarning && prior.SupportPlanApplied
}

// Missing lists the prior measures still required for severity.
func Missing(severity domain.Severity, prior domain.PriorMeasures) []string {
	if severity != domain.SeverityGravisimaExpulsion {
		return nil
	}
	var out []string
	if !prior.WrittenWarning {
		out = append(out, "written_warning")
	}
	if !prior.SupportPlanApplied {
		out = append(out, "support_plan_applied")
	}
	return out
}

// Check returns a GradualityNotSatisfied error when the gate is closed.
func Check(severity domain.Severity, prior domain.PriorMeasures) error {
	if CanFinalizeSevereSanction(severity, prior) {
		return nil
	}
	return dErrors.Newf(dErrors.GradualityNotSatisfied, "severity %s requires prior measures %v", severity, Missing(severity, prior))
}
