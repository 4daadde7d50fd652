package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"casetrack/internal/domain"
)

// Audit event types.
const (
	CaseCreated     = "case.created"
	CaseDeleted     = "case.deleted"
	ArtifactAdded   = "artifact.added"
	ArtifactRemoved = "artifact.removed"
	CatalogImported = "catalog.imported"
	RoleGranted     = "rbac.role.granted"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) now() string {
	if w.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return w.Now().UTC().Format(time.RFC3339)
}

// Append writes an audit event inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload Payload) error {
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		w.now(), evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

// AppendLifecycle records a case status change inside tx. The event timestamp
// is filled in when empty.
func (w Writer) AppendLifecycle(ctx context.Context, tx *sql.Tx, evt domain.LifecycleEvent) (int64, error) {
	if evt.TS == "" {
		evt.TS = w.now()
	}
	var actor any
	if evt.ActorID != nil {
		actor = *evt.ActorID
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO lifecycle_events(case_id,actor_id,from_status,to_status,reason,ts) VALUES (?,?,?,?,?,?)`,
		evt.CaseID, actor, string(evt.FromStatus), string(evt.ToStatus), evt.Reason, evt.TS)
	if err != nil {
		return 0, fmt.Errorf("append lifecycle event: %w", err)
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
