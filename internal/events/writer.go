package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded by the gateway.
const (
	ManifestSaved    = "manifest.saved"
	ManifestDeleted  = "manifest.deleted"
	PipelineExecuted = "pipeline.executed"
	PipelineFailed   = "pipeline.failed"
	CachePurged      = "cache.purged"
	ActionStaged     = "action.staged"
	ActionApproved   = "action.approved"
	ActionRejected   = "action.rejected"
	ActionCommitted  = "action.committed"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one event. When tx is nil the write goes straight to DB.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, manifestID, entityKind, entityID, actorID string, payload EventPayload) error {
	var ex Execer
	switch {
	case tx != nil:
		ex = tx
	case w.DB != nil:
		ex = w.DB
	default:
		return fmt.Errorf("event writer has no database")
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "local"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,manifest_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(manifestID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
