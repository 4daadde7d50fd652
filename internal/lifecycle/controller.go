// Package lifecycle drives case status from derived progress and records
// every status change as a lifecycle event.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"casetrack/internal/domain"
	"casetrack/internal/progress"
	"casetrack/internal/repo"
	"casetrack/internal/telemetry"
)

// CaseStore loads cases and saves them under optimistic concurrency.
// SaveCase must write the case fields and the optional event atomically and
// fail with repo.ErrConflict when the stored version differs from
// expectedVersion.
type CaseStore interface {
	LoadCase(ctx context.Context, id string) (domain.Case, error)
	SaveCase(ctx context.Context, c domain.Case, expectedVersion int64, evt *domain.LifecycleEvent) (domain.Case, error)
}

type ProgressDeriver interface {
	Derive(ctx context.Context, c domain.Case) (progress.Progress, error)
}

const (
	DefaultMaxRetries    = 3
	defaultRetryInterval = 10 * time.Millisecond
	maxRetryInterval     = 250 * time.Millisecond
)

type Controller struct {
	Store    CaseStore
	Progress ProgressDeriver
	// MaxRetries bounds how many times a conflicting write is retried.
	MaxRetries    int
	RetryInterval time.Duration
	Instruments   *telemetry.Instruments
	Logger        *slog.Logger
	Now           func() time.Time
}

// RecalculateAndPersist derives the case's progress from its artifacts and
// persists percentage and status. A status change appends exactly one
// lifecycle event in the same write; an unchanged case is not written.
// Rejected cases are returned as stored.
func (c Controller) RecalculateAndPersist(ctx context.Context, caseID string) (domain.Case, error) {
	var out domain.Case
	err := c.withRetry(ctx, caseID, func() error {
		cs, err := c.Store.LoadCase(ctx, caseID)
		if err != nil {
			return err
		}
		if cs.Status == domain.StatusRejected {
			out = cs
			return nil
		}
		p, err := c.Progress.Derive(ctx, cs)
		if err != nil {
			return fmt.Errorf("derive progress: %w", err)
		}
		next, evt, err := Next(cs, p.Percentage, c.timestamp())
		if err != nil {
			return err
		}
		c.instruments().Percentage.Record(ctx, int64(p.Percentage))
		if evt == nil && next.CompletionPercentage == cs.CompletionPercentage {
			out = cs
			return nil
		}
		if evt == nil {
			next.UpdatedAt = c.timestamp()
		}
		saved, err := c.Store.SaveCase(ctx, next, cs.Version, evt)
		if err != nil {
			return err
		}
		if evt != nil {
			c.recordTransition(ctx, *evt)
		}
		out = saved
		return nil
	})
	if err != nil {
		return domain.Case{}, err
	}
	c.instruments().Recalculations.Add(ctx, 1)
	return out, nil
}

// Reject moves an open or complete case to rejected. The reason is
// mandatory and the transition is final.
func (c Controller) Reject(ctx context.Context, caseID, actorID, reason string) (domain.Case, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Case{}, ErrReasonRequired
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.Case{}, ErrActorRequired
	}
	var out domain.Case
	err := c.withRetry(ctx, caseID, func() error {
		cs, err := c.Store.LoadCase(ctx, caseID)
		if err != nil {
			return err
		}
		if err := ensureTransition(cs.Status, domain.StatusRejected); err != nil {
			return err
		}
		ts := c.timestamp()
		next := cs
		next.Status = domain.StatusRejected
		next.CompletionPercentage = 0
		next.RejectionReason = reason
		next.UpdatedAt = ts
		actor := actorID
		evt := &domain.LifecycleEvent{
			CaseID:     cs.ID,
			ActorID:    &actor,
			FromStatus: cs.Status,
			ToStatus:   domain.StatusRejected,
			Reason:     reason,
			TS:         ts,
		}
		saved, err := c.Store.SaveCase(ctx, next, cs.Version, evt)
		if err != nil {
			return err
		}
		c.recordTransition(ctx, *evt)
		out = saved
		return nil
	})
	if err != nil {
		return domain.Case{}, err
	}
	return out, nil
}

// withRetry reruns op while it fails with repo.ErrConflict. Any other error
// stops immediately.
func (c Controller) withRetry(ctx context.Context, caseID string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.RetryInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = defaultRetryInterval
	}
	b.MaxInterval = maxRetryInterval
	retries := c.MaxRetries
	if retries < 1 {
		retries = DefaultMaxRetries
	}
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, repo.ErrConflict) {
			c.instruments().Conflicts.Add(ctx, 1)
			c.logger().Debug("case write conflict", "case_id", caseID, "attempt", attempts)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx))
	if err != nil && errors.Is(err, repo.ErrConflict) {
		return fmt.Errorf("case %s: %d attempts: %w", caseID, attempts, err)
	}
	return err
}

func (c Controller) recordTransition(ctx context.Context, evt domain.LifecycleEvent) {
	c.instruments().Transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(evt.FromStatus)),
		attribute.String("to", string(evt.ToStatus)),
	))
	actor := "system"
	if evt.ActorID != nil {
		actor = *evt.ActorID
	}
	c.logger().Info("case status changed", "case_id", evt.CaseID, "from", evt.FromStatus, "to", evt.ToStatus, "reason", evt.Reason, "actor", actor)
}

func (c Controller) timestamp() string {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (c Controller) instruments() *telemetry.Instruments {
	if c.Instruments == nil {
		return noopInstruments
	}
	return c.Instruments
}

func (c Controller) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

var noopInstruments = telemetry.Noop()
