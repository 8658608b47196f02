package models

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is a listing-scoped thread between two users. Participants
// are fixed at creation; the conversation itself is never hard-deleted, each
// participant only hides it behind a personal tombstone.
type Conversation struct {
	ID                 uuid.UUID   `json:"id"`
	ListingID          *uuid.UUID  `json:"listing_id,omitempty"`
	ParticipantIDs     []uuid.UUID `json:"participant_ids"`
	LastMessagePreview string      `json:"last_message_preview,omitempty"`
	LastMessageAt      time.Time   `json:"last_message_at"`
	CreatedAt          time.Time   `json:"created_at"`

	// DeletedAt is the requesting participant's tombstone; nil means the
	// conversation is visible to them. It is always viewer-scoped, never a
	// property of the conversation itself.
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether the conversation is tombstoned for the viewer.
func (c *Conversation) Deleted() bool {
	return c.DeletedAt != nil
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID uuid.UUID) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the first participant that is not userID. For the
// two-party conversations the marketplace creates, this is "the other side".
func (c *Conversation) OtherParticipant(userID uuid.UUID) (uuid.UUID, bool) {
	for _, id := range c.ParticipantIDs {
		if id != userID {
			return id, true
		}
	}
	return uuid.Nil, false
}

// CreateConversationRequest is the structure for conversation creation requests.
type CreateConversationRequest struct {
	OtherUserID uuid.UUID  `json:"other_user_id" binding:"required"`
	ListingID   *uuid.UUID `json:"listing_id,omitempty"`
}
