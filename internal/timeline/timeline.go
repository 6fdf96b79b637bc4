// Package timeline projects milestones, audit events and mediation processes
// into one chronological view of a case.
//
// Nothing is cached: every call re-reads the sources, so two calls with no
// writes in between return the same sequence. A failing source degrades the
// view instead of failing it.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"expedientes/internal/domain"
	dErrors "expedientes/internal/domainerrors"
	"expedientes/internal/metrics"
)

const (
	SourceAudit      = "audit"
	SourceMilestones = "milestones"
	SourceMediation  = "mediation"
)

// Source ranks break timestamp ties: audit first, then milestones, then mediation.
const (
	rankAudit = iota
	rankMilestone
	rankMediation
)

var errNoSource = errors.New("source not configured")

type MilestoneSource interface {
	LoadMilestones(ctx context.Context, caseID string) ([]domain.Milestone, error)
}

type AuditSource interface {
	Query(ctx context.Context, caseID string, limit, offset int) ([]domain.AuditEvent, error)
}

type MediationSource interface {
	ListMediations(ctx context.Context, caseID string) ([]domain.MediationProcess, error)
}

type Aggregator struct {
	Milestones MilestoneSource
	Audit      AuditSource
	Mediations MediationSource
	Timeout    time.Duration
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

type Query struct {
	CaseID string
	Limit  int
	Offset int
}

type Timeline struct {
	CaseID   string                 `json:"case_id"`
	Entries  []domain.TimelineEntry `json:"entries"`
	Degraded []string               `json:"degraded,omitempty"`
}

type entry struct {
	domain.TimelineEntry
	rank  int
	seq   int64
	phase string
}

// Build merges the sources for q.CaseID, newest first, and returns the
// window [Offset, Offset+Limit). It fails only when every source fails.
func (a Aggregator) Build(ctx context.Context, q Query) (Timeline, error) {
	if q.Limit <= 0 {
		return Timeline{}, dErrors.New(dErrors.InvalidInput, "timeline limit must be positive")
	}
	if q.Offset < 0 {
		return Timeline{}, dErrors.New(dErrors.InvalidInput, "timeline offset must not be negative")
	}
	var (
		g          errgroup.Group
		events     []domain.AuditEvent
		milestones []domain.Milestone
		mediations []domain.MediationProcess
		errs       [3]error
	)
	g.Go(func() error {
		errs[rankAudit] = a.call(ctx, func(ctx context.Context) error {
			if a.Audit == nil {
				return errNoSource
			}
			evs, err := a.Audit.Query(ctx, q.CaseID, q.Limit+q.Offset, 0)
			if err != nil {
				return err
			}
			events = evs
			return nil
		})
		return nil
	})
	g.Go(func() error {
		errs[rankMilestone] = a.call(ctx, func(ctx context.Context) error {
			if a.Milestones == nil {
				return errNoSource
			}
			ms, err := a.Milestones.LoadMilestones(ctx, q.CaseID)
			if err != nil {
				return err
			}
			milestones = ms
			return nil
		})
		return nil
	})
	g.Go(func() error {
		errs[rankMediation] = a.call(ctx, func(ctx context.Context) error {
			if a.Mediations == nil {
				return errNoSource
			}
			ps, err := a.Mediations.ListMediations(ctx, q.CaseID)
			if err != nil {
				return err
			}
			mediations = ps
			return nil
		})
		return nil
	})
	_ = g.Wait()

	tl := Timeline{CaseID: q.CaseID, Entries: []domain.TimelineEntry{}}
	names := [3]string{SourceAudit, SourceMilestones, SourceMediation}
	for i, err := range errs {
		if err == nil {
			continue
		}
		tl.Degraded = append(tl.Degraded, names[i])
		a.logger().Warn("timeline source failed", "case_id", q.CaseID, "source", names[i], "error", err)
		a.Metrics.ObserveTimelineSourceFailure(names[i])
	}
	if len(tl.Degraded) == len(names) {
		return Timeline{}, dErrors.Wrap(errs[rankAudit], dErrors.CollaboratorUnavailable, "every timeline source failed")
	}

	merged := Merge(events, milestones, mediations)
	if q.Offset >= len(merged) {
		return tl, nil
	}
	end := q.Offset + q.Limit
	if end > len(merged) {
		end = len(merged)
	}
	tl.Entries = append(tl.Entries, merged[q.Offset:end]...)
	return tl, nil
}

func (a Aggregator) call(ctx context.Context, fn func(context.Context) error) error {
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	return fn(ctx)
}

func (a Aggregator) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// Merge orders entries by timestamp descending; ties go to audit, then
// milestones, then mediation, then the later-inserted record. Mediation
// entries already reported by an audit event are dropped.
func Merge(events []domain.AuditEvent, milestones []domain.Milestone, mediations []domain.MediationProcess) []domain.TimelineEntry {
	var all []entry
	audited := map[string]bool{}
	for _, ev := range events {
		e := fromAudit(ev)
		if e.phase != "" {
			audited[ev.MediationID+"|"+e.phase] = true
		}
		all = append(all, e)
	}
	for _, m := range milestones {
		all = append(all, fromMilestone(m))
	}
	for i, p := range mediations {
		for _, e := range fromMediation(p, int64(i)) {
			if audited[p.ID+"|"+e.phase] {
				continue
			}
			all = append(all, e)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		return a.seq > b.seq
	})
	out := make([]domain.TimelineEntry, len(all))
	for i, e := range all {
		out[i] = e.TimelineEntry
	}
	return out
}

const (
	phaseDiverted = "diverted"
	phaseOutcome  = "outcome"
	phaseClosed   = "closed"
)

var auditTitles = map[domain.AuditKind]string{
	domain.AuditCaseCreated:            "Case opened",
	domain.AuditStageChanged:           "Stage changed",
	domain.AuditPriorMeasuresUpdated:   "Prior measures updated",
	domain.AuditSanctionFinalized:      "Sanction finalized",
	domain.AuditUnblocked:              "Returned to disciplinary track",
	domain.AuditMediationStarted:       "Diverted to mediation",
	domain.AuditMediationInProgress:    "Mediation session started",
	domain.AuditMediationResolved:      "Mediation outcome recorded",
	domain.AuditSettlementActIssued:    "Settlement act issued",
	domain.AuditNoAgreementRecorded:    "No-agreement record issued",
	domain.AuditMediationClosedSuccess: "Mediation closed with agreement",
	domain.AuditCommitmentVerified:     "Commitment verification updated",
}

func fromAudit(ev domain.AuditEvent) entry {
	title, ok := auditTitles[ev.Kind]
	if !ok {
		title = string(ev.Kind)
	}
	e := entry{
		TimelineEntry: domain.TimelineEntry{
			Timestamp:   ev.Timestamp,
			Title:       title,
			Description: describeAudit(ev),
			Kind:        domain.TimelineKindForAudit(ev.Kind),
			Actor:       ev.ActorID,
			MediationID: ev.MediationID,
		},
		rank: rankAudit,
		seq:  ev.ID,
	}
	if ev.MediationID != "" {
		switch ev.Kind {
		case domain.AuditMediationStarted:
			e.phase = phaseDiverted
		case domain.AuditMediationResolved:
			e.phase = phaseOutcome
		case domain.AuditMediationClosedSuccess, domain.AuditUnblocked:
			e.phase = phaseClosed
		}
	}
	return e
}

func describeAudit(ev domain.AuditEvent) string {
	p := ev.Payload
	switch ev.Kind {
	case domain.AuditStageChanged:
		return fmt.Sprintf("%v → %v (%v)", p["from"], p["to"], p["direction"])
	case domain.AuditMediationStarted:
		return fmt.Sprintf("mechanism %v", p["mechanism"])
	case domain.AuditMediationResolved:
		return fmt.Sprintf("result %v", p["result"])
	case domain.AuditUnblocked:
		return fmt.Sprintf("%v → %v", p["from"], p["to"])
	case domain.AuditCaseCreated:
		return fmt.Sprintf("severity %v", p["severity"])
	}
	return ""
}

func fromMilestone(m domain.Milestone) entry {
	desc := m.Summary
	if m.Completed {
		desc = "[completed] " + desc
	}
	return entry{
		TimelineEntry: domain.TimelineEntry{
			Timestamp:   m.CreatedAt,
			Title:       string(m.Title),
			Description: desc,
			Kind:        domain.TimelineMilestone,
			Actor:       m.ActorID,
		},
		rank: rankMilestone,
		seq:  m.ID,
	}
}

func fromMediation(p domain.MediationProcess, idx int64) []entry {
	base := idx * 3
	out := []entry{{
		TimelineEntry: domain.TimelineEntry{
			Timestamp:   p.CreatedAt,
			Title:       "Diverted to mediation",
			Description: fmt.Sprintf("mechanism %s", p.Mechanism),
			Kind:        domain.TimelineMediationDiverted,
			MediationID: p.ID,
		},
		rank:  rankMediation,
		seq:   base,
		phase: phaseDiverted,
	}}
	if p.ResolvedAt != nil {
		out = append(out, entry{
			TimelineEntry: domain.TimelineEntry{
				Timestamp:   *p.ResolvedAt,
				Title:       "Mediation outcome recorded",
				Description: fmt.Sprintf("result %s", p.State),
				Kind:        domain.TimelineMediationOutcome,
				MediationID: p.ID,
			},
			rank:  rankMediation,
			seq:   base + 1,
			phase: phaseOutcome,
		})
	}
	if p.ClosedAt != nil {
		out = append(out, entry{
			TimelineEntry: domain.TimelineEntry{
				Timestamp:   *p.ClosedAt,
				Title:       "Mediation closed",
				Description: fmt.Sprintf("final state %s", p.State),
				Kind:        domain.TimelineMediationClosed,
				MediationID: p.ID,
			},
			rank:  rankMediation,
			seq:   base + 2,
			phase: phaseClosed,
		})
	}
	return out
}
