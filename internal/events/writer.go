package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TaskCreated        = "task.created"
	TaskStarted        = "task.started"
	TaskValidated      = "task.validated"
	TaskItemsSubmitted = "task.items_submitted"
	TaskResumed        = "task.resumed"
	TaskPaused         = "task.paused"
	TaskStopped        = "task.stopped"
	TaskFinished       = "task.finished"
	TaskFailed         = "task.failed"
	TaskDeleted        = "task.deleted"
	ItemRetried        = "item.retried"
	ItemsRetried       = "items.retried"
	SummaryRequested   = "summary.requested"
	SummaryGenerated   = "summary.generated"
	SummaryFailed      = "summary.failed"
	SummaryConfigured  = "summary.configured"
)

// Execer is satisfied by both *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event row using the caller's transaction or connection.
func (w Writer) Append(ctx context.Context, ex Execer, evtType, taskID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,task_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(taskID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
