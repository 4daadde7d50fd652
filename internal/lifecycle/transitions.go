package lifecycle

import (
	"errors"
	"fmt"

	"casetrack/internal/domain"
)

var (
	// ErrInvalidTransition marks a status change outside the lifecycle table.
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrReasonRequired    = errors.New("rejection reason required")
	ErrActorRequired     = errors.New("actor required")
)

func ensureTransition(from, to domain.CaseStatus) error {
	if from.CanTransitionTo(to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Next applies the automatic transition rules to a freshly derived
// percentage. It returns the updated case and, when the status changed, the
// lifecycle event to append. Rejected cases cannot be recalculated.
func Next(c domain.Case, pct int, ts string) (domain.Case, *domain.LifecycleEvent, error) {
	next := c
	next.CompletionPercentage = pct
	var reason string
	switch {
	case c.Status == domain.StatusRejected:
		return c, nil, fmt.Errorf("%w: rejected case cannot be recalculated", ErrInvalidTransition)
	case c.Status == domain.StatusOpen && pct == 100:
		next.Status = domain.StatusComplete
		reason = domain.ReasonAutoCompleted
	case c.Status == domain.StatusComplete && pct < 100:
		next.Status = domain.StatusOpen
		reason = domain.ReasonRegressed
	default:
		return next, nil, nil
	}
	if err := ensureTransition(c.Status, next.Status); err != nil {
		return c, nil, err
	}
	next.UpdatedAt = ts
	return next, &domain.LifecycleEvent{
		CaseID:     c.ID,
		FromStatus: c.Status,
		ToStatus:   next.Status,
		Reason:     reason,
		TS:         ts,
	}, nil
}
