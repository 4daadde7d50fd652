package repo

import (
	"context"
	"database/sql"

	"casetrack/internal/domain"
)

func scanLifecycleEvent(row rowScanner) (domain.LifecycleEvent, error) {
	var e domain.LifecycleEvent
	var actor sql.NullString
	var from, to string
	if err := row.Scan(&e.ID, &e.CaseID, &actor, &from, &to, &e.Reason, &e.TS); err != nil {
		return e, err
	}
	if actor.Valid {
		a := actor.String
		e.ActorID = &a
	}
	e.FromStatus = domain.CaseStatus(from)
	e.ToStatus = domain.CaseStatus(to)
	return e, nil
}

func (r Repo) queryLifecycle(ctx context.Context, query string, args ...any) ([]domain.LifecycleEvent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LifecycleEvent
	for rows.Next() {
		e, err := scanLifecycleEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListLifecycleEvents returns a case's status history oldest first.
func (r Repo) ListLifecycleEvents(ctx context.Context, caseID string) ([]domain.LifecycleEvent, error) {
	return r.queryLifecycle(ctx, `SELECT id,case_id,actor_id,from_status,to_status,reason,ts FROM lifecycle_events WHERE case_id=? ORDER BY id`, caseID)
}

// LifecycleEventsAfter returns lifecycle events across all cases with IDs
// greater than the cursor in ascending order.
func (r Repo) LifecycleEventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.LifecycleEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryLifecycle(ctx, `SELECT id,case_id,actor_id,from_status,to_status,reason,ts FROM lifecycle_events WHERE id>? ORDER BY id LIMIT ?`, cursor, limit)
}

// LatestLifecycleEventID returns the highest lifecycle event id, or 0.
func (r Repo) LatestLifecycleEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM lifecycle_events`).Scan(&id)
	return id, err
}
