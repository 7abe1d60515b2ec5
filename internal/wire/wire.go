// Package wire holds the payloads exchanged with the server over the push
// channel: entity sync notices and user notifications.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

type EntityKind string

const (
	EntityTask          EntityKind = "task"
	EntityProject       EntityKind = "project"
	EntityLabel         EntityKind = "label"
	EntityCategory      EntityKind = "category"
	EntityNotification  EntityKind = "notification"
	EntityProjectMember EntityKind = "projectMember"
	EntityFilterPreset  EntityKind = "filterPreset"
)

var EntityKinds = []EntityKind{
	EntityTask,
	EntityProject,
	EntityLabel,
	EntityCategory,
	EntityNotification,
	EntityProjectMember,
	EntityFilterPreset,
}

type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionDeleted   Action = "deleted"
	ActionReordered Action = "reordered"
)

// SyncEvent is the server's authoritative notice that one entity of a kind
// changed. A reordered event names no entity: it means "re-read the collection".
type SyncEvent struct {
	Entity    EntityKind     `json:"entity"`
	Action    Action         `json:"action"`
	EntityID  string         `json:"entityId,omitempty"`
	ProjectID string         `json:"projectId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Normalize enforces the payload rules per action: deleted events never
// carry data, reordered events carry neither an id nor data.
func (e SyncEvent) Normalize() SyncEvent {
	e.EntityID = strings.TrimSpace(e.EntityID)
	e.ProjectID = strings.TrimSpace(e.ProjectID)
	switch e.Action {
	case ActionDeleted:
		e.Data = nil
	case ActionReordered:
		e.EntityID = ""
		e.Data = nil
	}
	return e
}

type NotificationEvent struct {
	Type           string         `json:"type"`
	NotificationID string         `json:"notificationId"`
	UserID         string         `json:"userId"`
	TaskID         string         `json:"taskId,omitempty"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timestamp      string         `json:"timestamp"`
}

type MessageType string

const (
	MessageSync         MessageType = "sync"
	MessageNotification MessageType = "notification"
)

// Message is one push channel frame.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decoded is a validated push channel frame. Exactly one of Sync and
// Notification is set.
type Decoded struct {
	Type         MessageType
	Sync         *SyncEvent
	Notification *NotificationEvent
}

// Decode parses and validates one frame. Frames of an unknown type return
// ErrUnknownMessage so the caller can skip them.
func Decode(frame []byte) (Decoded, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Decoded{}, fmt.Errorf("decode frame: %w", err)
	}
	switch msg.Type {
	case MessageSync:
		if err := validatePayload(syncSchema, msg.Data); err != nil {
			return Decoded{}, fmt.Errorf("invalid sync payload: %w", err)
		}
		var event SyncEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return Decoded{}, fmt.Errorf("decode sync payload: %w", err)
		}
		event = event.Normalize()
		return Decoded{Type: MessageSync, Sync: &event}, nil
	case MessageNotification:
		if err := validatePayload(notificationSchema, msg.Data); err != nil {
			return Decoded{}, fmt.Errorf("invalid notification payload: %w", err)
		}
		var event NotificationEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return Decoded{}, fmt.Errorf("decode notification payload: %w", err)
		}
		return Decoded{Type: MessageNotification, Notification: &event}, nil
	default:
		return Decoded{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// Encode builds a frame. It is used by tests and by tooling that replays
// captured traffic.
func Encode(msgType MessageType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: msgType, Data: data})
}
