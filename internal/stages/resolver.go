package stages

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"casetrack/internal/domain"
)

const (
	// CompoundSeparator splits "<principal>_<qualifier>" case types.
	CompoundSeparator = "_"
	// aliasedType stores subtype-specific stages under two spellings:
	// "own-funds" and "open-tender_own-funds".
	aliasedType = "open-tender"
)

// StageResolver is implemented by Resolver and CachedResolver.
type StageResolver interface {
	Resolve(ctx context.Context, caseType, subtype string) ([]domain.StageDefinition, error)
}

// Resolver turns (caseType, subtype) into a deduplicated, ordered stage list.
type Resolver struct {
	Catalog Catalog
	Logger  *slog.Logger
}

// Resolve applies, in order: the exact subtype, the open-tender alias
// spellings, the generic stages of the type, and finally (only when nothing
// matched and the type is compound) the generic stages of the principal type.
// Blank or unknown types yield an empty list. Catalog failures are returned.
func (r Resolver) Resolve(ctx context.Context, caseType, subtype string) ([]domain.StageDefinition, error) {
	ct := domain.Normalize(caseType)
	if ct == "" {
		return []domain.StageDefinition{}, nil
	}
	sub := domain.Normalize(subtype)
	set := newStageSet()

	for _, form := range SubtypeForms(ct, sub) {
		defs, err := r.Catalog.FindActiveStages(ctx, ct, form)
		if err != nil {
			return nil, fmt.Errorf("find stages %s/%s: %w", ct, form, err)
		}
		for _, d := range defs {
			if !d.Generic() {
				set.add(d)
			}
		}
	}

	generic, err := r.genericStages(ctx, ct)
	if err != nil {
		return nil, err
	}
	set.add(generic...)

	if set.empty() {
		if principal, ok := Principal(ct); ok {
			fallback, err := r.genericStages(ctx, principal)
			if err != nil {
				return nil, err
			}
			if len(fallback) > 0 {
				r.logger().Debug("resolved stages from principal type", "case_type", ct, "principal", principal, "count", len(fallback))
			}
			set.add(fallback...)
		}
	}
	return set.sorted(), nil
}

func (r Resolver) genericStages(ctx context.Context, ct string) ([]domain.StageDefinition, error) {
	defs, err := r.Catalog.FindActiveStages(ctx, ct, "")
	if err != nil {
		return nil, fmt.Errorf("find stages %s: %w", ct, err)
	}
	var res []domain.StageDefinition
	for _, d := range defs {
		if d.Generic() {
			res = append(res, d)
		}
	}
	return res, nil
}

func (r Resolver) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// SubtypeForms lists the stored spellings of a normalized subtype for a
// normalized case type. Only open-tender carries the prefixed spelling, and
// neither spelling is authoritative.
func SubtypeForms(caseType, subtype string) []string {
	if subtype == "" {
		return nil
	}
	if caseType != aliasedType {
		return []string{subtype}
	}
	prefix := aliasedType + CompoundSeparator
	bare := strings.TrimPrefix(subtype, prefix)
	if bare == "" {
		return []string{subtype}
	}
	return []string{bare, prefix + bare}
}

// Principal returns the part of a compound case type before the first
// separator.
func Principal(caseType string) (string, bool) {
	i := strings.Index(caseType, CompoundSeparator)
	if i <= 0 {
		return "", false
	}
	return caseType[:i], true
}

// stageSet keeps the first occurrence of each stage id.
type stageSet struct {
	seen  map[string]struct{}
	items []domain.StageDefinition
}

func newStageSet() *stageSet {
	return &stageSet{seen: make(map[string]struct{})}
}

func (s *stageSet) add(defs ...domain.StageDefinition) {
	for _, d := range defs {
		if _, ok := s.seen[d.ID]; ok {
			continue
		}
		s.seen[d.ID] = struct{}{}
		s.items = append(s.items, d)
	}
}

func (s *stageSet) empty() bool { return len(s.items) == 0 }

// sorted orders by (sequence, title) with id as the final tie-break.
func (s *stageSet) sorted() []domain.StageDefinition {
	out := make([]domain.StageDefinition, len(s.items))
	copy(out, s.items)
	slices.SortStableFunc(out, func(a, b domain.StageDefinition) int {
		return cmp.Or(
			cmp.Compare(a.Sequence, b.Sequence),
			cmp.Compare(a.Title, b.Title),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return out
}
