// Package progress decides which stages of a case are satisfied and derives
// its completion percentage.
package progress

import (
	"context"
	"log/slog"

	"casetrack/internal/domain"
)

// ArtifactIndex answers which stages of a case have artifacts attached.
type ArtifactIndex interface {
	ListStageIDsWithArtifacts(ctx context.Context, caseID string) ([]string, error)
}

// Evaluator applies the artifact-presence rule: a stage is satisfied when at
// least one artifact of the case is tagged with it. Lookup failures are
// logged and read as "unsatisfied"; they never reach the caller.
type Evaluator struct {
	Artifacts ArtifactIndex
	Logger    *slog.Logger
}

func (e Evaluator) IsSatisfied(ctx context.Context, c domain.Case, stage domain.StageDefinition) bool {
	return e.Snapshot(ctx, c).Has(stage.ID)
}

// Snapshot fetches the case's satisfied stage ids once for repeated checks.
func (e Evaluator) Snapshot(ctx context.Context, c domain.Case) Snapshot {
	ids, err := e.Artifacts.ListStageIDsWithArtifacts(ctx, c.ID)
	if err != nil {
		e.logger().Warn("artifact lookup failed; treating stages as unsatisfied", "case_id", c.ID, "err", err)
		return Snapshot{}
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return Snapshot{stageIDs: set}
}

func (e Evaluator) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Snapshot is the set of stage ids that had artifacts when it was taken.
type Snapshot struct {
	stageIDs map[string]struct{}
}

func (s Snapshot) Has(stageID string) bool {
	if stageID == "" {
		return false
	}
	_, ok := s.stageIDs[stageID]
	return ok
}
