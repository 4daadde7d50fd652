package progress

import (
	"context"

	"casetrack/internal/domain"
	"casetrack/internal/stages"
)

type StageProgress struct {
	domain.StageDefinition
	Satisfied bool `json:"satisfied"`
}

type Progress struct {
	Percentage     int             `json:"percentage" minimum:"0" maximum:"100"`
	SatisfiedCount int             `json:"satisfied_count"`
	TotalCount     int             `json:"total_count"`
	Stages         []StageProgress `json:"stages"`
}

// Pending returns the resolved stages that are not yet satisfied, in order.
func (p Progress) Pending() []domain.StageDefinition {
	var out []domain.StageDefinition
	for _, s := range p.Stages {
		if !s.Satisfied {
			out = append(out, s.StageDefinition)
		}
	}
	return out
}

// Calculator derives completion from the resolved stages of a case.
// Every resolved stage counts toward the total; the required flag is
// informational.
type Calculator struct {
	Resolver  stages.StageResolver
	Evaluator Evaluator
}

// Compute reports progress as persisted lifecycle state dictates: rejected
// cases are {0,0,0} and complete cases are {100,total,total} without
// re-checking artifacts. Open cases are derived from artifacts.
func (c Calculator) Compute(ctx context.Context, cs domain.Case) (Progress, error) {
	switch cs.Status {
	case domain.StatusRejected:
		return Progress{Stages: []StageProgress{}}, nil
	case domain.StatusComplete:
		defs, err := c.Resolver.Resolve(ctx, cs.CaseType, cs.Subtype)
		if err != nil {
			return Progress{}, err
		}
		p := Progress{TotalCount: len(defs), SatisfiedCount: len(defs), Stages: make([]StageProgress, 0, len(defs))}
		p.Percentage = 100
		for _, d := range defs {
			p.Stages = append(p.Stages, StageProgress{StageDefinition: d, Satisfied: true})
		}
		return p, nil
	}
	return c.Derive(ctx, cs)
}

// Derive evaluates artifacts against the resolved stages regardless of the
// case status. Zero resolved stages yields 0%.
func (c Calculator) Derive(ctx context.Context, cs domain.Case) (Progress, error) {
	defs, err := c.Resolver.Resolve(ctx, cs.CaseType, cs.Subtype)
	if err != nil {
		return Progress{}, err
	}
	p := Progress{TotalCount: len(defs), Stages: make([]StageProgress, 0, len(defs))}
	if len(defs) == 0 {
		return p, nil
	}
	snap := c.Evaluator.Snapshot(ctx, cs)
	for _, d := range defs {
		ok := snap.Has(d.ID)
		if ok {
			p.SatisfiedCount++
		}
		p.Stages = append(p.Stages, StageProgress{StageDefinition: d, Satisfied: ok})
	}
	p.Percentage = Percentage(p.SatisfiedCount, p.TotalCount)
	return p, nil
}

// Percentage is floor(satisfied*100/total) clamped to [0,100].
func Percentage(satisfied, total int) int {
	if total <= 0 {
		return 0
	}
	pct := satisfied * 100 / total
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}
