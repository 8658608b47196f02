// Package lifecycle owns conversation creation and the per-participant
// soft-delete state machine: active -> tombstoned -> restored, with a
// retention window on restores.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/marketloop/marketloop/internal/logger"
	"github.com/marketloop/marketloop/internal/models"
)

var (
	ErrRestoreWindowExpired = errors.New("restore window expired")
	ErrSelfConversation     = errors.New("cannot open a conversation with yourself")

	log = logger.New("lifecycle")
)

// RetentionWindow is how long a tombstoned conversation stays restorable.
// Expired tombstones are not purged here; purging is external housekeeping.
const RetentionWindow = 30 * 24 * time.Hour

// Store is the slice of the repository the manager drives.
type Store interface {
	CreateOrGetConversation(ctx context.Context, listingID *uuid.UUID, callerID, otherID uuid.UUID) (*models.Conversation, error)
	ListConversations(ctx context.Context, participantID uuid.UUID, includeDeleted bool) ([]*models.Conversation, error)
	SetConversationDeleted(ctx context.Context, conversationID, participantID uuid.UUID, at time.Time) error
	ClearConversationDeleted(ctx context.Context, conversationID, participantID uuid.UUID, deletedAfter time.Time) (bool, error)
	ConversationDeletedAt(ctx context.Context, conversationID, participantID uuid.UUID) (*time.Time, error)
}

type Manager struct {
	store  Store
	window time.Duration
	now    func() time.Time
}

func NewManager(store Store) *Manager {
	return &Manager{
		store:  store,
		window: RetentionWindow,
		now:    time.Now,
	}
}

// Open finds or creates the conversation between caller and other for a
// listing. Idempotent; a second first-contact for the same pair and listing
// lands on the same conversation.
func (m *Manager) Open(ctx context.Context, listingID *uuid.UUID, callerID, otherID uuid.UUID) (*models.Conversation, error) {
	if callerID == otherID {
		return nil, ErrSelfConversation
	}
	return m.store.CreateOrGetConversation(ctx, listingID, callerID, otherID)
}

// List returns the participant's conversations, newest activity first. The
// trash view is an explicit second call with includeDeleted; the core never
// infers which view the caller wants.
func (m *Manager) List(ctx context.Context, participantID uuid.UUID, includeDeleted bool) ([]*models.Conversation, error) {
	return m.store.ListConversations(ctx, participantID, includeDeleted)
}

// SoftDelete stamps the participant's tombstone. Messages, read state and
// the other participant's view are untouched.
func (m *Manager) SoftDelete(ctx context.Context, conversationID, participantID uuid.UUID) error {
	if err := m.store.SetConversationDeleted(ctx, conversationID, participantID, m.now().UTC()); err != nil {
		return err
	}
	log.Info("Conversation %s tombstoned for %s", conversationID, participantID)
	return nil
}

// Restore clears the participant's tombstone if it is still inside the
// retention window; one second before the boundary succeeds, at or past it
// fails with ErrRestoreWindowExpired.
func (m *Manager) Restore(ctx context.Context, conversationID, participantID uuid.UUID) error {
	// The window check rides in the clear itself; checking the tombstone
	// first and clearing second would let a delete racing in between hand
	// us a newer tombstone than the one we checked.
	cutoff := m.now().Add(-m.window)
	cleared, err := m.store.ClearConversationDeleted(ctx, conversationID, participantID, cutoff)
	if err != nil {
		return err
	}
	if cleared {
		log.Info("Conversation %s restored for %s", conversationID, participantID)
		return nil
	}

	deletedAt, err := m.store.ConversationDeletedAt(ctx, conversationID, participantID)
	if err != nil {
		return err
	}
	if deletedAt == nil {
		// Already visible; restoring is a no-op.
		return nil
	}
	return ErrRestoreWindowExpired
}
