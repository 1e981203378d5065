package server

import (
	"encoding/json"

	"modelsync/internal/domain"
	"modelsync/internal/events"
	"modelsync/internal/session"
)

type LookupResponse struct {
	Found  bool         `json:"found"`
	Object *session.Ref `json:"object,omitempty"`
}

type QueryRequest struct {
	Where map[string]any `json:"where,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type QueryResponse struct {
	Items []session.Ref `json:"items"`
}

// CommitRequest carries every field and value of one create or update.
type CommitRequest struct {
	Fields map[string]any `json:"fields,omitempty" jsonschema:"type=object,additionalProperties=true"`
	Values map[string]any `json:"values,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type LoginRequest struct {
	Username string `json:"username" minLength:"1"`
	Password string `json:"password" minLength:"1"`
}

type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type EventList struct {
	Items []EventResponse `json:"items"`
}

func eventResponse(e domain.Event) EventResponse {
	var payload map[string]any
	_ = json.Unmarshal([]byte(e.Payload), &payload)
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func eventsFilter(typ, kind, id string) events.Filter {
	return events.Filter{Type: typ, EntityKind: kind, EntityID: id}
}
