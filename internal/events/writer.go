// Package events appends rows to the durable event trail. Writes ride
// the caller's transaction, so an event is recorded exactly when the
// operation that produced it commits.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type EventPayload map[string]any

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	body := []byte("{}")
	if len(payload) > 0 {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("event %s: encode payload: %w", evtType, err)
		}
	}
	var entity any
	if entityID != "" {
		entity = entityID
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		w.stamp(), evtType, entityKind, entity, actorID, string(body))
	return err
}

func (w Writer) stamp() string {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}
