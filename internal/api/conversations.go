package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/marketloop/marketloop/internal/database"
	"github.com/marketloop/marketloop/internal/feed"
	"github.com/marketloop/marketloop/internal/lifecycle"
	"github.com/marketloop/marketloop/internal/logger"
	"github.com/marketloop/marketloop/internal/models"
)

var log = logger.New("api")

// ConversationHandler handles conversation and message routes.
type ConversationHandler struct {
	Store     database.Store
	Lifecycle *lifecycle.Manager
	Publisher feed.Publisher
}

func NewConversationHandler(store database.Store, lc *lifecycle.Manager, pub feed.Publisher) *ConversationHandler {
	return &ConversationHandler{Store: store, Lifecycle: lc, Publisher: pub}
}

func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return uuid.Nil, false
	}
	return userID.(uuid.UUID), true
}

func conversationParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("conversationID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation ID"})
		return uuid.Nil, false
	}
	return id, true
}

// writeStoreError maps core errors onto HTTP statuses.
func writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, database.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
	case errors.Is(err, database.ErrNotAParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a participant of this conversation"})
	case errors.Is(err, database.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
	case errors.Is(err, lifecycle.ErrRestoreWindowExpired):
		c.JSON(http.StatusGone, gin.H{"error": "Restore window expired"})
	case errors.Is(err, lifecycle.ErrSelfConversation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot start a conversation with yourself"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// CreateConversation finds or creates the caller's conversation with another
// user for a listing.
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req models.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, err := h.Lifecycle.Open(c.Request.Context(), req.ListingID, callerID, req.OtherUserID)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, conv)
}

// ListConversations returns the caller's conversations; ?deleted=1 switches
// to the trash view, the server never guesses which one the UI wants.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}

	includeDeleted := c.Query("deleted") == "1"

	conversations, err := h.Lifecycle.List(c.Request.Context(), callerID, includeDeleted)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, conversations)
}

// GetConversation returns a conversation and its full message history.
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	conversationID, ok := conversationParam(c)
	if !ok {
		return
	}

	conv, messages, err := h.Store.GetConversation(c.Request.Context(), conversationID, callerID)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"messages":     messages,
	})
}

// SendMessage persists a message and pushes the insert event into the
// conversation's change feed.
func (h *ConversationHandler) SendMessage(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	conversationID, ok := conversationParam(c)
	if !ok {
		return
	}

	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !req.Type.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown message type"})
		return
	}
	if req.Type.RequiresAttachment() && req.Attachment == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message type requires an attachment"})
		return
	}
	if !req.Type.RequiresAttachment() && req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message content is required"})
		return
	}

	msg, err := h.Store.SendMessage(c.Request.Context(), conversationID, callerID, req.Type, req.Content, req.Attachment)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	h.publish(c, conversationID, feed.Event{Kind: feed.EventInsert, Message: *msg})

	c.JSON(http.StatusCreated, msg)
}

// MarkRead flips every peer-authored unread message and pushes update events
// so the sender's client sees the read receipts.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	conversationID, ok := conversationParam(c)
	if !ok {
		return
	}

	updated, err := h.Store.MarkRead(c.Request.Context(), conversationID, callerID)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	for _, msg := range updated {
		h.publish(c, conversationID, feed.Event{Kind: feed.EventUpdate, Message: *msg})
	}

	c.JSON(http.StatusOK, gin.H{"updated": len(updated)})
}

// DeleteConversation tombstones the conversation for the caller only.
func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	conversationID, ok := conversationParam(c)
	if !ok {
		return
	}

	if err := h.Lifecycle.SoftDelete(c.Request.Context(), conversationID, callerID); err != nil {
		writeStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// RestoreConversation clears the caller's tombstone while the retention
// window is still open.
func (h *ConversationHandler) RestoreConversation(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	conversationID, ok := conversationParam(c)
	if !ok {
		return
	}

	if err := h.Lifecycle.Restore(c.Request.Context(), conversationID, callerID); err != nil {
		writeStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"restored": true})
}

// publish is best effort; the client converges through its own refetch if an
// event is lost, so a feed outage never fails the request.
func (h *ConversationHandler) publish(c *gin.Context, conversationID uuid.UUID, ev feed.Event) {
	if h.Publisher == nil {
		return
	}
	if err := h.Publisher.Publish(c.Request.Context(), conversationID, ev); err != nil {
		log.Warn("Failed to publish %s event for conversation %s: %v", ev.Kind, conversationID, err)
	}
}
