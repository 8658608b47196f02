package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageType classifies the payload of a message.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeVoice    MessageType = "voice"
	MessageTypeFile     MessageType = "file"
	MessageTypeLocation MessageType = "location"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo,
		MessageTypeVoice, MessageTypeFile, MessageTypeLocation:
		return true
	}
	return false
}

// RequiresAttachment reports whether a message of this type carries its
// payload in the attachment rather than in the content string. For text and
// location the content itself is the payload; for media types the content is
// only a caption.
func (t MessageType) RequiresAttachment() bool {
	switch t {
	case MessageTypeImage, MessageTypeVideo, MessageTypeVoice, MessageTypeFile:
		return true
	}
	return false
}

// Attachment is a durable reference to an uploaded file.
type Attachment struct {
	URL             string `json:"url"`
	FileName        string `json:"file_name"`
	FileSize        int64  `json:"file_size"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// Message represents a single message inside a conversation. Once confirmed
// by the server it is immutable except for IsRead.
type Message struct {
	ID             uuid.UUID   `json:"id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	SenderID       uuid.UUID   `json:"sender_id"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	IsRead         bool        `json:"is_read"`
}

// SendMessageRequest is the structure for message creation requests.
type SendMessageRequest struct {
	Type       MessageType `json:"type" binding:"required"`
	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// MessageResponse is what we return to clients.
type MessageResponse struct {
	ID             uuid.UUID     `json:"id"`
	ConversationID uuid.UUID     `json:"conversation_id"`
	SenderID       uuid.UUID     `json:"sender_id"`
	Type           MessageType   `json:"type"`
	Content        string        `json:"content"`
	Attachment     *Attachment   `json:"attachment,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	IsRead         bool          `json:"is_read"`
	Sender         *UserResponse `json:"sender,omitempty"`
}
