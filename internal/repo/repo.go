// Package repo persists cases, milestones and mediation processes in SQLite.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"expedientes/internal/db"
	"expedientes/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a lost optimistic-concurrency race or a duplicate key.
	ErrConflict = errors.New("conflict")
)

const caseColumns = `id,internal_id,severity,stage,started_at,fatal_deadline,prior_measures_json,primary_actor_json,secondary_actor_json,COALESCE(description,''),version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (domain.Case, error) {
	var (
		c                 domain.Case
		started, deadline string
		created, updated  string
		prior, primary    string
		secondary         sql.NullString
	)
	err := row.Scan(&c.ID, &c.InternalID, &c.Severity, &c.Stage, &started, &deadline, &prior, &primary, &secondary, &c.Description, &c.Version, &created, &updated)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	var ts timestamps
	c.StartedAt = ts.parse(started)
	c.FatalDeadline = ts.parse(deadline)
	c.CreatedAt = ts.parse(created)
	c.UpdatedAt = ts.parse(updated)
	if ts.err != nil {
		return c, fmt.Errorf("case %s: %w", c.ID, ts.err)
	}
	if err := json.Unmarshal([]byte(prior), &c.PriorMeasures); err != nil {
		return c, fmt.Errorf("case %s prior measures: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(primary), &c.PrimaryActor); err != nil {
		return c, fmt.Errorf("case %s primary actor: %w", c.ID, err)
	}
	if secondary.Valid && secondary.String != "" {
		var ref domain.StudentRef
		if err := json.Unmarshal([]byte(secondary.String), &ref); err != nil {
			return c, fmt.Errorf("case %s secondary actor: %w", c.ID, err)
		}
		c.SecondaryActor = &ref
	}
	return c, nil
}

// timestamps keeps the first parse error so scans can parse several columns
// before checking.
type timestamps struct{ err error }

func (t *timestamps) parse(s string) time.Time {
	v, err := db.ParseTime(s)
	if err != nil && t.err == nil {
		t.err = err
	}
	return v
}

func (t *timestamps) parseNull(s sql.NullString) *time.Time {
	v, err := db.ParseNullTime(s)
	if err != nil && t.err == nil {
		t.err = err
	}
	return v
}

func caseJSON(c domain.Case) (prior, primary string, secondary any, err error) {
	p, err := json.Marshal(c.PriorMeasures)
	if err != nil {
		return "", "", nil, err
	}
	a, err := json.Marshal(c.PrimaryActor)
	if err != nil {
		return "", "", nil, err
	}
	if c.SecondaryActor != nil {
		b, err := json.Marshal(c.SecondaryActor)
		if err != nil {
			return "", "", nil, err
		}
		secondary = string(b)
	}
	return string(p), string(a), secondary, nil
}

// InsertCase stores a new case at version 1.
func (r Repo) InsertCase(ctx context.Context, c domain.Case) (domain.Case, error) {
	prior, primary, secondary, err := caseJSON(c)
	if err != nil {
		return c, err
	}
	c.Version = 1
	_, err = r.DB.ExecContext(ctx, `INSERT INTO cases(id,internal_id,severity,stage,started_at,fatal_deadline,prior_measures_json,primary_actor_json,secondary_actor_json,description,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.InternalID, c.Severity, c.Stage, db.FormatTime(c.StartedAt), db.FormatTime(c.FatalDeadline), prior, primary, secondary,
		nullable(c.Description), c.Version, db.FormatTime(c.CreatedAt), db.FormatTime(c.UpdatedAt))
	if err != nil {
		return c, translate(err)
	}
	return c, nil
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	return scanCase(r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id))
}

// SaveCase writes c if the stored version still equals c.Version and returns
// c with the incremented version.
func (r Repo) SaveCase(ctx context.Context, c domain.Case) (domain.Case, error) {
	prior, primary, secondary, err := caseJSON(c)
	if err != nil {
		return c, err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE cases SET severity=?, stage=?, fatal_deadline=?, prior_measures_json=?, primary_actor_json=?, secondary_actor_json=?, description=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		c.Severity, c.Stage, db.FormatTime(c.FatalDeadline), prior, primary, secondary, nullable(c.Description), db.FormatTime(c.UpdatedAt), c.ID, c.Version)
	if err != nil {
		return c, translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetCase(ctx, c.ID); err != nil {
			return c, err
		}
		return c, ErrConflict
	}
	c.Version++
	return c, nil
}

type CaseFilters struct {
	Stage           string
	Severity        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, error) {
	var clauses []string
	var args []any
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + caseColumns + ` FROM cases ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY") {
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	}
	if strings.Contains(msg, "FOREIGN KEY constraint failed") {
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	}
	return err
}
