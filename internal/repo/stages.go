package repo

import (
	"context"
	"database/sql"
	"errors"

	"casetrack/internal/domain"
)

const stageColumns = `id,case_type,COALESCE(subtype,''),title,sequence,required,active`

func scanStage(row rowScanner) (domain.StageDefinition, error) {
	var s domain.StageDefinition
	var required, active int
	err := row.Scan(&s.ID, &s.CaseType, &s.Subtype, &s.Title, &s.Sequence, &required, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	s.Required = required != 0
	s.Active = active != 0
	return s, err
}

// FindActiveStages returns the active stages of caseType that are generic or
// bound to subtype. Values are compared trimmed and lower-cased.
func (r Repo) FindActiveStages(ctx context.Context, caseType, subtype string) ([]domain.StageDefinition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stageColumns+` FROM stage_definitions
WHERE active=1 AND lower(trim(case_type))=?
  AND (subtype IS NULL OR trim(subtype)='' OR lower(trim(subtype))=?)
ORDER BY sequence, id`, domain.Normalize(caseType), domain.Normalize(subtype))
	if err != nil {
		return nil, err
	}
	return collectStages(rows)
}

// ListStages returns every stage definition, inactive ones included.
func (r Repo) ListStages(ctx context.Context, caseType string) ([]domain.StageDefinition, error) {
	query := `SELECT ` + stageColumns + ` FROM stage_definitions`
	var args []any
	if caseType != "" {
		query += ` WHERE lower(trim(case_type))=?`
		args = append(args, domain.Normalize(caseType))
	}
	query += ` ORDER BY case_type, sequence, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectStages(rows)
}

func collectStages(rows *sql.Rows) ([]domain.StageDefinition, error) {
	defer rows.Close()
	var res []domain.StageDefinition
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.StageDefinition, error) {
	return scanStage(r.DB.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stage_definitions WHERE id=?`, id))
}

func (r Repo) UpsertStageTx(ctx context.Context, tx *sql.Tx, s domain.StageDefinition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_definitions(id,case_type,subtype,title,sequence,required,active) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET case_type=excluded.case_type, subtype=excluded.subtype, title=excluded.title,
  sequence=excluded.sequence, required=excluded.required, active=excluded.active`,
		s.ID, s.CaseType, nullable(s.Subtype), s.Title, s.Sequence, boolInt(s.Required), boolInt(s.Active))
	return err
}

// DeactivateStagesExceptTx marks every stage not listed in keep inactive.
// Stage rows are never deleted so artifacts keep a valid stage reference.
func (r Repo) DeactivateStagesExceptTx(ctx context.Context, tx *sql.Tx, keep []string) (int64, error) {
	if len(keep) == 0 {
		res, err := tx.ExecContext(ctx, `UPDATE stage_definitions SET active=0 WHERE active=1`)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}
	placeholders := make([]byte, 0, len(keep)*2)
	args := make([]any, 0, len(keep))
	for i, id := range keep {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, id)
	}
	res, err := tx.ExecContext(ctx, `UPDATE stage_definitions SET active=0 WHERE active=1 AND id NOT IN (`+string(placeholders)+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
