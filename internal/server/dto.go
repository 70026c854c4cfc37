package server

import (
	"encoding/json"

	"ideafunnel/internal/domain"
)

// Request payloads

type CreateIdeaRequest struct {
	Title       string `json:"title" minLength:"1"`
	Description string `json:"description"`
}

type SubmitStepRequest struct {
	Content string `json:"content"`
	// ExpectedStep is the step the client last saw; 0 skips the check.
	ExpectedStep int `json:"expected_step,omitempty" minimum:"0" maximum:"3"`
}

// Response payloads

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}
