package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"casetrack/internal/domain"
)

const caseColumns = `id,COALESCE(title,''),case_type,COALESCE(subtype,''),status,completion_percentage,COALESCE(rejection_reason,''),created_by,created_at,updated_at,version`

func scanCase(row rowScanner) (domain.Case, error) {
	var c domain.Case
	var status string
	err := row.Scan(&c.ID, &c.Title, &c.CaseType, &c.Subtype, &status, &c.CompletionPercentage,
		&c.RejectionReason, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt, &c.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	c.Status = domain.CaseStatus(status)
	return c, err
}

func (r Repo) InsertCaseTx(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cases(id,title,case_type,subtype,status,completion_percentage,rejection_reason,created_by,created_at,updated_at,version)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, nullable(c.Title), c.CaseType, nullable(c.Subtype), string(c.Status), c.CompletionPercentage,
		nullable(c.RejectionReason), c.CreatedBy, c.CreatedAt, c.UpdatedAt, c.Version)
	return err
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	return scanCase(r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id))
}

// UpdateCaseTx writes the mutable case fields when the stored version still
// equals expectedVersion, and bumps the version. A stale version yields
// ErrConflict; a missing row yields ErrNotFound.
func (r Repo) UpdateCaseTx(ctx context.Context, tx *sql.Tx, c domain.Case, expectedVersion int64) (int64, error) {
	next := expectedVersion + 1
	res, err := tx.ExecContext(ctx, `UPDATE cases SET status=?, completion_percentage=?, rejection_reason=?, updated_at=?, version=?
WHERE id=? AND version=?`,
		string(c.Status), c.CompletionPercentage, nullable(c.RejectionReason), c.UpdatedAt, next, c.ID, expectedVersion)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM cases WHERE id=?`, c.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, err
		}
		return 0, ErrConflict
	}
	return next, nil
}

func (r Repo) DeleteCaseTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM cases WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type CaseFilters struct {
	Status          string
	CaseType        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListCases returns cases newest first with keyset pagination on (created_at, id).
func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CaseType != "" {
		clauses = append(clauses, "lower(trim(case_type))=?")
		args = append(args, domain.Normalize(f.CaseType))
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + caseColumns + ` FROM cases WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
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

// ListRecalculableCaseIDs returns the ids of every case that is not rejected.
func (r Repo) ListRecalculableCaseIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM cases WHERE status<>? ORDER BY created_at, id`, string(domain.StatusRejected))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
