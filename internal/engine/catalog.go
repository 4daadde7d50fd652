package engine

import (
	"context"
	"fmt"

	"casetrack/internal/config"
	"casetrack/internal/domain"
	"casetrack/internal/events"
)

type ImportSummary struct {
	Upserted     int           `json:"upserted"`
	Deactivated  int64         `json:"deactivated"`
	Roles        int           `json:"roles"`
	Recalculated RecalcSummary `json:"recalculated"`
}

// ImportCatalog makes cfg the active configuration: stage definitions are
// upserted, stages missing from cfg are deactivated, roles are synced and the
// resolution cache is purged. Existing cases are then recalculated against
// the new catalog; that pass runs after the commit and only logs failures.
func (e Engine) ImportCatalog(ctx context.Context, cfg *config.Config, actorID string) (ImportSummary, error) {
	if cfg == nil {
		return ImportSummary{}, fmt.Errorf("config required")
	}
	if err := cfg.Validate(); err != nil {
		return ImportSummary{}, err
	}
	defs := cfg.StageDefinitions()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ImportSummary{}, err
	}
	defer tx.Rollback()

	keep := make([]string, 0, len(defs))
	for _, d := range defs {
		if err := e.Repo.UpsertStageTx(ctx, tx, d); err != nil {
			return ImportSummary{}, fmt.Errorf("upsert stage %s: %w", d.ID, err)
		}
		keep = append(keep, d.ID)
	}
	deactivated, err := e.Repo.DeactivateStagesExceptTx(ctx, tx, keep)
	if err != nil {
		return ImportSummary{}, fmt.Errorf("deactivate stages: %w", err)
	}
	for roleID, role := range cfg.RBAC.Roles {
		if err := e.Repo.UpsertRole(ctx, tx, roleID, role.Description); err != nil {
			return ImportSummary{}, fmt.Errorf("upsert role %s: %w", roleID, err)
		}
		if err := e.Repo.ReplaceRolePermissions(ctx, tx, roleID, role.Permissions); err != nil {
			return ImportSummary{}, fmt.Errorf("role %s permissions: %w", roleID, err)
		}
	}
	if err := e.Repo.UpsertConfigTx(ctx, tx, cfg); err != nil {
		return ImportSummary{}, fmt.Errorf("store config: %w", err)
	}
	summary := ImportSummary{Upserted: len(defs), Deactivated: deactivated, Roles: len(cfg.RBAC.Roles)}
	if err := e.Events.Append(ctx, tx, events.CatalogImported, "catalog", "", actorID, events.Payload{
		"upserted":    summary.Upserted,
		"deactivated": summary.Deactivated,
	}); err != nil {
		return ImportSummary{}, err
	}
	if err := tx.Commit(); err != nil {
		return ImportSummary{}, err
	}
	if e.Resolver != nil {
		e.Resolver.Purge()
	}
	if e.Config != nil && e.Config != cfg {
		*e.Config = *cfg
	}
	recalc, err := e.RecalculateAll(ctx)
	if err != nil {
		e.logger().Warn("recalculate after catalog import interrupted; run recalc-all", "err", err)
	}
	summary.Recalculated = recalc
	e.logger().Info("catalog imported", "stages", summary.Upserted, "deactivated", summary.Deactivated, "cases_changed", recalc.Changed)
	return summary, nil
}

// ListStages returns stored stage definitions, inactive ones included.
func (e Engine) ListStages(ctx context.Context, caseType string) ([]domain.StageDefinition, error) {
	return e.Repo.ListStages(ctx, caseType)
}
