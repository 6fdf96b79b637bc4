package repo

import (
	"context"
	"database/sql"
	"fmt"

	"expedientes/internal/db"
	"expedientes/internal/domain"
)

const milestoneColumns = `id,case_id,title,COALESCE(summary,''),due_date,completed,COALESCE(actor_id,''),created_at`

func scanMilestone(row rowScanner) (domain.Milestone, error) {
	var (
		m       domain.Milestone
		due     sql.NullString
		created string
	)
	if err := row.Scan(&m.ID, &m.CaseID, &m.Title, &m.Summary, &due, &m.Completed, &m.ActorID, &created); err != nil {
		if err == sql.ErrNoRows {
			return m, ErrNotFound
		}
		return m, err
	}
	var ts timestamps
	m.DueDate = ts.parseNull(due)
	m.CreatedAt = ts.parse(created)
	if ts.err != nil {
		return m, fmt.Errorf("milestone %d: %w", m.ID, ts.err)
	}
	return m, nil
}

// AppendMilestone stores m and returns it with its assigned ID.
func (r Repo) AppendMilestone(ctx context.Context, m domain.Milestone) (domain.Milestone, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO milestones(case_id,title,summary,due_date,completed,actor_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.CaseID, m.Title, nullable(m.Summary), db.NullableTime(m.DueDate), m.Completed, nullable(m.ActorID), db.FormatTime(m.CreatedAt))
	if err != nil {
		return m, translate(err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return m, err
	}
	return m, nil
}

// LoadMilestones returns a case's milestones in insertion order.
func (r Repo) LoadMilestones(ctx context.Context, caseID string) ([]domain.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE case_id=? ORDER BY created_at ASC, id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// CurrentMilestone returns the most recently recorded milestone of a case
// with the given title.
func (r Repo) CurrentMilestone(ctx context.Context, caseID string, title domain.Stage) (domain.Milestone, error) {
	return scanMilestone(r.DB.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE case_id=? AND title=? ORDER BY created_at DESC, id DESC LIMIT 1`, caseID, title))
}
