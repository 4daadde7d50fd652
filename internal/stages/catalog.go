// Package stages resolves the ordered checklist of stages a case must
// complete from its type and subtype.
package stages

import (
	"context"
	"sync"

	"casetrack/internal/domain"
)

// Catalog is the raw stage store. FindActiveStages returns every active stage
// of caseType that is generic or bound to exactly subtype; it performs no
// aliasing, fallback, dedup or ordering.
type Catalog interface {
	FindActiveStages(ctx context.Context, caseType, subtype string) ([]domain.StageDefinition, error)
}

// MemoryCatalog is an in-process Catalog seeded from config or tests.
type MemoryCatalog struct {
	mu     sync.RWMutex
	stages []domain.StageDefinition
}

func NewMemoryCatalog(defs ...domain.StageDefinition) *MemoryCatalog {
	c := &MemoryCatalog{}
	c.Replace(defs)
	return c
}

// Replace swaps the catalog contents.
func (c *MemoryCatalog) Replace(defs []domain.StageDefinition) {
	cp := make([]domain.StageDefinition, len(defs))
	copy(cp, defs)
	c.mu.Lock()
	c.stages = cp
	c.mu.Unlock()
}

func (c *MemoryCatalog) FindActiveStages(_ context.Context, caseType, subtype string) ([]domain.StageDefinition, error) {
	ct := domain.Normalize(caseType)
	sub := domain.Normalize(subtype)
	c.mu.RLock()
	defer c.mu.RUnlock()
	var res []domain.StageDefinition
	for _, s := range c.stages {
		if !s.Active || domain.Normalize(s.CaseType) != ct {
			continue
		}
		if s.Generic() || domain.Normalize(s.Subtype) == sub {
			res = append(res, s)
		}
	}
	return res, nil
}
