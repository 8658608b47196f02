package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/marketloop/marketloop/internal/models"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrUserAlreadyExists    = errors.New("user already exists")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotAParticipant      = errors.New("user is not a participant of the conversation")
)

// Store is the persistence contract the messaging core runs against.
type Store interface {
	// User methods
	CreateUser(ctx context.Context, username, email, passwordHash string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpdateLastSeen(ctx context.Context, userID uuid.UUID) error
	GetAllUsers(ctx context.Context, excludeUserID uuid.UUID) ([]*models.User, error)

	// Conversation methods
	CreateOrGetConversation(ctx context.Context, listingID *uuid.UUID, callerID, otherID uuid.UUID) (*models.Conversation, error)
	ListConversations(ctx context.Context, participantID uuid.UUID, includeDeleted bool) ([]*models.Conversation, error)
	GetConversation(ctx context.Context, id, viewerID uuid.UUID) (*models.Conversation, []*models.Message, error)

	// Message methods
	SendMessage(ctx context.Context, conversationID, senderID uuid.UUID, msgType models.MessageType, content string, attachment *models.Attachment) (*models.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID uuid.UUID) ([]*models.Message, error)

	// Tombstone methods. Deletion is a per-participant visibility flag,
	// never data removal.
	SetConversationDeleted(ctx context.Context, conversationID, participantID uuid.UUID, at time.Time) error
	ClearConversationDeleted(ctx context.Context, conversationID, participantID uuid.UUID, deletedAfter time.Time) (bool, error)
	ConversationDeletedAt(ctx context.Context, conversationID, participantID uuid.UUID) (*time.Time, error)

	// Rating methods
	SaveRating(ctx context.Context, rating *models.Rating) error

	Close() error
}
