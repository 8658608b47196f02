package feed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marketloop/marketloop/internal/models"
)

// EventKind discriminates feed events.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
)

// Event is the canonical change-feed shape handed to subscribers. Everything
// downstream of Normalize sees only this; raw storage-layer field names stop
// here.
type Event struct {
	Kind    EventKind      `json:"event_type"`
	Message models.Message `json:"message"`
}

// The storage layer's emitters never agreed on a casing convention, so every
// field is looked up under both its snake_case and camelCase spellings.
func pick(fields map[string]json.RawMessage, names ...string) (json.RawMessage, bool) {
	for _, name := range names {
		if raw, ok := fields[name]; ok {
			return raw, true
		}
	}
	return nil, false
}

func pickString(fields map[string]json.RawMessage, names ...string) string {
	raw, ok := pick(fields, names...)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func pickBool(fields map[string]json.RawMessage, names ...string) bool {
	raw, ok := pick(fields, names...)
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false
	}
	return b
}

func pickInt64(fields map[string]json.RawMessage, names ...string) int64 {
	raw, ok := pick(fields, names...)
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	return n
}

// Normalize parses a raw feed payload into the canonical event shape.
func Normalize(raw []byte) (Event, error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return Event{}, fmt.Errorf("malformed feed payload: %w", err)
	}

	kindStr := pickString(outer, "event_type", "eventType", "type")
	var kind EventKind
	switch strings.ToLower(kindStr) {
	case "insert":
		kind = EventInsert
	case "update":
		kind = EventUpdate
	default:
		return Event{}, fmt.Errorf("unknown feed event kind %q", kindStr)
	}

	msgRaw, ok := pick(outer, "message", "record", "new")
	if !ok {
		return Event{}, fmt.Errorf("feed payload has no message body")
	}

	msg, err := normalizeMessage(msgRaw)
	if err != nil {
		return Event{}, err
	}

	return Event{Kind: kind, Message: msg}, nil
}

func normalizeMessage(raw json.RawMessage) (models.Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return models.Message{}, fmt.Errorf("malformed feed message: %w", err)
	}

	var msg models.Message
	var err error

	if msg.ID, err = uuid.Parse(pickString(fields, "id")); err != nil {
		return models.Message{}, fmt.Errorf("feed message id: %w", err)
	}
	if msg.ConversationID, err = uuid.Parse(pickString(fields, "conversation_id", "conversationId")); err != nil {
		return models.Message{}, fmt.Errorf("feed message conversation id: %w", err)
	}
	if msg.SenderID, err = uuid.Parse(pickString(fields, "sender_id", "senderId")); err != nil {
		return models.Message{}, fmt.Errorf("feed message sender id: %w", err)
	}

	msg.Type = models.MessageType(pickString(fields, "type"))
	if !msg.Type.Valid() {
		return models.Message{}, fmt.Errorf("feed message has unknown type %q", msg.Type)
	}

	msg.Content = pickString(fields, "content")
	msg.IsRead = pickBool(fields, "is_read", "isRead")

	createdAt := pickString(fields, "created_at", "createdAt")
	if msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return models.Message{}, fmt.Errorf("feed message created_at %q: %w", createdAt, err)
	}

	if attRaw, ok := pick(fields, "attachment"); ok && string(attRaw) != "null" {
		var attFields map[string]json.RawMessage
		if err := json.Unmarshal(attRaw, &attFields); err != nil {
			return models.Message{}, fmt.Errorf("malformed feed attachment: %w", err)
		}
		msg.Attachment = &models.Attachment{
			URL:             pickString(attFields, "url"),
			FileName:        pickString(attFields, "file_name", "fileName"),
			FileSize:        pickInt64(attFields, "file_size", "fileSize"),
			DurationSeconds: int(pickInt64(attFields, "duration_seconds", "durationSeconds")),
		}
	}

	return msg, nil
}
