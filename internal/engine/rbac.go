package engine

import (
	"context"
	"fmt"

	"casetrack/internal/events"
	"casetrack/internal/repo"
)

// GrantRole assigns roleID to actorID, creating the actor when needed.
func (e Engine) GrantRole(ctx context.Context, actorID, roleID, grantedBy string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Repo.RoleExists(ctx, tx, roleID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("role %s: %w", roleID, repo.ErrNotFound)
	}
	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.RoleGranted, "actor", actorID, grantedBy, events.Payload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes roleID from actorID.
func (e Engine) RevokeRole(ctx context.Context, actorID, roleID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

type ActorAccess struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (e Engine) ActorAccess(ctx context.Context, actorID string) (ActorAccess, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ActorAccess{}, err
	}
	defer tx.Rollback()
	roles, err := e.Auth.ActorRoles(ctx, tx, actorID)
	if err != nil {
		return ActorAccess{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, tx, actorID)
	if err != nil {
		return ActorAccess{}, err
	}
	return ActorAccess{ActorID: actorID, Roles: roles, Permissions: perms}, nil
}

// RequirePermission returns auth.ForbiddenError unless actorID holds perm.
func (e Engine) RequirePermission(ctx context.Context, actorID, perm string) error {
	return e.Auth.Require(ctx, actorID, perm)
}
