package repo

import (
	"context"
	"database/sql"
)

func (r Repo) UpsertRole(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO roles(id, description) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET description=excluded.description`, id, nullable(desc))
	return err
}

// ReplaceRolePermissions resets the permission set of a role.
func (r Repo) ReplaceRolePermissions(ctx context.Context, tx *sql.Tx, roleID string, perms []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id=?`, roleID); err != nil {
		return err
	}
	for _, p := range perms {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, roleID, p); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role_id) VALUES (?,?)`, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role_id=?`, actorID, roleID)
	return err
}

func (r Repo) RoleExists(ctx context.Context, tx *sql.Tx, roleID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM roles WHERE id=?`, roleID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
