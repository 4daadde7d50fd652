package repo

import (
	"context"
	"database/sql"

	"casetrack/internal/domain"
)

func (r Repo) InsertArtifactTx(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts(id,case_id,stage_id,file_name,uploaded_by,uploaded_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.CaseID, nullableStringPtr(a.StageID), nullable(a.FileName), a.UploadedBy, a.UploadedAt)
	return err
}

// DeleteArtifactTx removes an artifact belonging to caseID and returns it.
func (r Repo) DeleteArtifactTx(ctx context.Context, tx *sql.Tx, caseID, artifactID string) (domain.Artifact, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,case_id,stage_id,COALESCE(file_name,''),uploaded_by,uploaded_at FROM artifacts WHERE id=? AND case_id=?`, artifactID, caseID)
	a, err := scanArtifact(row)
	if err != nil {
		return a, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE id=?`, artifactID); err != nil {
		return a, err
	}
	return a, nil
}

func scanArtifact(row rowScanner) (domain.Artifact, error) {
	var a domain.Artifact
	var stage sql.NullString
	err := row.Scan(&a.ID, &a.CaseID, &stage, &a.FileName, &a.UploadedBy, &a.UploadedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if stage.Valid && stage.String != "" {
		s := stage.String
		a.StageID = &s
	}
	return a, err
}

func (r Repo) ListArtifacts(ctx context.Context, caseID string) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,case_id,stage_id,COALESCE(file_name,''),uploaded_by,uploaded_at FROM artifacts WHERE case_id=? ORDER BY uploaded_at, id`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListStageIDsWithArtifacts returns the distinct stage ids that have at least
// one artifact attached for the case.
func (r Repo) ListStageIDsWithArtifacts(ctx context.Context, caseID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT stage_id FROM artifacts WHERE case_id=? AND stage_id IS NOT NULL AND stage_id<>'' ORDER BY stage_id`, caseID)
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
