package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"expedientes/internal/db"
	"expedientes/internal/domain"
)

const mediationColumns = `id,case_id,mechanism,state,suspension_active,deadline,agreements_json,commitments_json,closed,closed_at,resolved_at,version,created_at,updated_at`

func scanMediation(row rowScanner) (domain.MediationProcess, error) {
	var (
		p                    domain.MediationProcess
		deadline             string
		created, updated     string
		agreements, commits  string
		closedAt, resolvedAt sql.NullString
	)
	err := row.Scan(&p.ID, &p.CaseID, &p.Mechanism, &p.State, &p.SuspensionActive, &deadline, &agreements, &commits,
		&p.Closed, &closedAt, &resolvedAt, &p.Version, &created, &updated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	var ts timestamps
	p.Deadline = ts.parse(deadline)
	p.CreatedAt = ts.parse(created)
	p.UpdatedAt = ts.parse(updated)
	p.ClosedAt = ts.parseNull(closedAt)
	p.ResolvedAt = ts.parseNull(resolvedAt)
	if ts.err != nil {
		return p, fmt.Errorf("mediation %s: %w", p.ID, ts.err)
	}
	if err := json.Unmarshal([]byte(agreements), &p.Agreements); err != nil {
		return p, fmt.Errorf("mediation %s agreements: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(commits), &p.Commitments); err != nil {
		return p, fmt.Errorf("mediation %s commitments: %w", p.ID, err)
	}
	return p, nil
}

func mediationJSON(p domain.MediationProcess) (string, string, error) {
	agreements := p.Agreements
	if agreements == nil {
		agreements = []string{}
	}
	commitments := p.Commitments
	if commitments == nil {
		commitments = []domain.Commitment{}
	}
	a, err := json.Marshal(agreements)
	if err != nil {
		return "", "", err
	}
	c, err := json.Marshal(commitments)
	if err != nil {
		return "", "", err
	}
	return string(a), string(c), nil
}

// SaveMediation inserts p when its Version is zero and otherwise updates it
// if the stored version still equals p.Version.
func (r Repo) SaveMediation(ctx context.Context, p domain.MediationProcess) (domain.MediationProcess, error) {
	agreements, commitments, err := mediationJSON(p)
	if err != nil {
		return p, err
	}
	if p.Version == 0 {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO mediations(`+mediationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			p.ID, p.CaseID, p.Mechanism, p.State, p.SuspensionActive, db.FormatTime(p.Deadline), agreements, commitments,
			p.Closed, db.NullableTime(p.ClosedAt), db.NullableTime(p.ResolvedAt), 1, db.FormatTime(p.CreatedAt), db.FormatTime(p.UpdatedAt))
		if err != nil {
			return p, translate(err)
		}
		p.Version = 1
		return p, nil
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE mediations SET state=?, suspension_active=?, deadline=?, agreements_json=?, commitments_json=?, closed=?, closed_at=?, resolved_at=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		p.State, p.SuspensionActive, db.FormatTime(p.Deadline), agreements, commitments, p.Closed,
		db.NullableTime(p.ClosedAt), db.NullableTime(p.ResolvedAt), db.FormatTime(p.UpdatedAt), p.ID, p.Version)
	if err != nil {
		return p, translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetMediation(ctx, p.ID); err != nil {
			return p, err
		}
		return p, ErrConflict
	}
	p.Version++
	return p, nil
}

func (r Repo) GetMediation(ctx context.Context, id string) (domain.MediationProcess, error) {
	return scanMediation(r.DB.QueryRowContext(ctx, `SELECT `+mediationColumns+` FROM mediations WHERE id=?`, id))
}

// LatestMediation returns the active process of a case if there is one,
// otherwise the most recently created one.
func (r Repo) LatestMediation(ctx context.Context, caseID string) (domain.MediationProcess, error) {
	return scanMediation(r.DB.QueryRowContext(ctx, `SELECT `+mediationColumns+` FROM mediations WHERE case_id=? ORDER BY closed ASC, created_at DESC, id DESC LIMIT 1`, caseID))
}

// ListMediations returns every process of a case, oldest first.
func (r Repo) ListMediations(ctx context.Context, caseID string) ([]domain.MediationProcess, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+mediationColumns+` FROM mediations WHERE case_id=? ORDER BY created_at ASC, id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MediationProcess
	for rows.Next() {
		p, err := scanMediation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
