package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine.
const (
	IdeaCreated        = "idea.created"
	IdeaStepSubmitted  = "idea.step_submitted"
	IdeaSucceeded      = "idea.succeeded"
	IdeaExpired        = "idea.expired"
	DeadPoolCreated    = "deadpool.entry_created"
	DeadPoolClaimed    = "deadpool.claimed"
	UserPointsAwarded  = "user.points_awarded"
	UserLevelUp        = "user.level_up"
	UserBadgeGranted   = "user.badge_granted"
	UserRegistered     = "user.registered"
	SystemActor        = "system:sweeper"
	EntityIdea         = "idea"
	EntityDeadPoolItem = "dead_pool_entry"
	EntityUser         = "user"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Append writes an event row inside tx so it commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
