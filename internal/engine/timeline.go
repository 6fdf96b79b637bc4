package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"expedientes/internal/timeline"
)

// GetTimeline merges the milestones, audit events and mediation history of a
// case, newest first. A limit of zero selects the configured default; larger
// limits are capped.
func (e Engine) GetTimeline(ctx context.Context, caseID string, limit, offset int) (timeline.Timeline, error) {
	ctx, span := e.startSpan(ctx, "engine.GetTimeline", attribute.String("case_id", caseID), attribute.Int("limit", limit))
	defer span.End()

	if _, err := e.loadCase(ctx, caseID); err != nil {
		if isNotFound(err) {
			return timeline.Timeline{}, e.fail(span, "timeline", err)
		}
		e.logger().Warn("timeline case lookup failed", "case_id", caseID, "error", err)
	}
	agg := timeline.Aggregator{
		Milestones: e.Store,
		Audit:      e.Audit,
		Mediations: e.Store,
		Timeout:    e.timeout(),
		Logger:     e.logger(),
		Metrics:    e.Metrics,
	}
	tl, err := agg.Build(ctx, timeline.Query{CaseID: caseID, Limit: e.timelineLimit(limit), Offset: offset})
	if err != nil {
		return timeline.Timeline{}, e.fail(span, "timeline", err)
	}
	if len(tl.Degraded) > 0 {
		span.SetAttributes(attribute.StringSlice("degraded", tl.Degraded))
	}
	return tl, nil
}

func (e Engine) timelineLimit(limit int) int {
	def, ceiling := 50, 500
	if e.Config != nil {
		if e.Config.Timeline.DefaultLimit > 0 {
			def = e.Config.Timeline.DefaultLimit
		}
		if e.Config.Timeline.MaxLimit > 0 {
			ceiling = e.Config.Timeline.MaxLimit
		}
	}
	switch {
	case limit <= 0:
		return def
	case limit > ceiling:
		return ceiling
	default:
		return limit
	}
}
