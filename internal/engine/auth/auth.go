package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Permission ids checked by the API and CLI.
const (
	PermCaseCreate      = "case.create"
	PermCaseRead        = "case.read"
	PermCaseDelete      = "case.delete"
	PermCaseReject      = "case.reject"
	PermCaseRecalculate = "case.recalculate"
	PermArtifactUpload  = "artifact.upload"
	PermArtifactDelete  = "artifact.delete"
	PermCatalogRead     = "catalog.read"
	PermCatalogImport   = "catalog.import"
	PermEventsRead      = "events.read"
	PermRBACManage      = "rbac.manage"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service provides RBAC helpers backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, actorID, perm string) (bool, error) {
	row := tx.QueryRowContext(ctx, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.actor_id=? AND rp.permission_id=? LIMIT 1`, actorID, perm)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Require returns ForbiddenError unless the actor holds perm.
func (s Service) Require(ctx context.Context, actorID, perm string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := s.ActorHasPermission(ctx, tx, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	return queryStrings(ctx, tx, `SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id`, actorID)
}

func (s Service) ActorPermissions(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	return queryStrings(ctx, tx, `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.actor_id=?
ORDER BY rp.permission_id`, actorID)
}

func queryStrings(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
