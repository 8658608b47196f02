package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/marketloop/marketloop/internal/database"
	"github.com/marketloop/marketloop/internal/feed"
	"github.com/marketloop/marketloop/internal/lifecycle"
	"github.com/marketloop/marketloop/internal/models"
)

// MockStore implements database.Store for testing
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateUser(ctx context.Context, username, email, passwordHash string) (*models.User, error) {
	args := m.Called(username, email, passwordHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	args := m.Called(email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockStore) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockStore) UpdateLastSeen(ctx context.Context, userID uuid.UUID) error {
	args := m.Called(userID)
	return args.Error(0)
}

func (m *MockStore) GetAllUsers(ctx context.Context, excludeUserID uuid.UUID) ([]*models.User, error) {
	args := m.Called(excludeUserID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.User), args.Error(1)
}

func (m *MockStore) CreateOrGetConversation(ctx context.Context, listingID *uuid.UUID, callerID, otherID uuid.UUID) (*models.Conversation, error) {
	args := m.Called(listingID, callerID, otherID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Conversation), args.Error(1)
}

func (m *MockStore) ListConversations(ctx context.Context, participantID uuid.UUID, includeDeleted bool) ([]*models.Conversation, error) {
	args := m.Called(participantID, includeDeleted)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Conversation), args.Error(1)
}

func (m *MockStore) GetConversation(ctx context.Context, id, viewerID uuid.UUID) (*models.Conversation, []*models.Message, error) {
	args := m.Called(id, viewerID)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*models.Conversation), args.Get(1).([]*models.Message), args.Error(2)
}

func (m *MockStore) SendMessage(ctx context.Context, conversationID, senderID uuid.UUID, msgType models.MessageType, content string, attachment *models.Attachment) (*models.Message, error) {
	args := m.Called(conversationID, senderID, msgType, content, attachment)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Message), args.Error(1)
}

func (m *MockStore) MarkRead(ctx context.Context, conversationID, readerID uuid.UUID) ([]*models.Message, error) {
	args := m.Called(conversationID, readerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Message), args.Error(1)
}

func (m *MockStore) SetConversationDeleted(ctx context.Context, conversationID, participantID uuid.UUID, at time.Time) error {
	args := m.Called(conversationID, participantID, at)
	return args.Error(0)
}

func (m *MockStore) ClearConversationDeleted(ctx context.Context, conversationID, participantID uuid.UUID, deletedAfter time.Time) (bool, error) {
	args := m.Called(conversationID, participantID, deletedAfter)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) ConversationDeletedAt(ctx context.Context, conversationID, participantID uuid.UUID) (*time.Time, error) {
	args := m.Called(conversationID, participantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*time.Time), args.Error(1)
}

func (m *MockStore) SaveRating(ctx context.Context, rating *models.Rating) error {
	args := m.Called(rating)
	return args.Error(0)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// capturePublisher records every event pushed into the feed.
type capturePublisher struct {
	events []feed.Event
}

func (p *capturePublisher) Publish(ctx context.Context, conversationID uuid.UUID, ev feed.Event) error {
	p.events = append(p.events, ev)
	return nil
}

// setupConversationTest wires the handler behind a router with a stubbed auth
// middleware setting the caller's user ID.
func setupConversationTest(t *testing.T) (*gin.Engine, *MockStore, *capturePublisher, uuid.UUID) {
	gin.SetMode(gin.TestMode)

	userID := uuid.New()
	mockStore := new(MockStore)
	publisher := &capturePublisher{}
	handler := NewConversationHandler(mockStore, lifecycle.NewManager(mockStore), publisher)

	router := gin.New()
	group := router.Group("/api")
	group.Use(func(c *gin.Context) {
		c.Set("userID", userID)
		c.Next()
	})

	group.POST("/conversations", handler.CreateConversation)
	group.GET("/conversations", handler.ListConversations)
	group.GET("/conversations/:conversationID", handler.GetConversation)
	group.POST("/conversations/:conversationID/messages", handler.SendMessage)
	group.PUT("/conversations/:conversationID/read", handler.MarkRead)
	group.DELETE("/conversations/:conversationID", handler.DeleteConversation)
	group.POST("/conversations/:conversationID/restore", handler.RestoreConversation)

	return router, mockStore, publisher, userID
}

func doJSON(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateConversation(t *testing.T) {
	t.Run("Successful create", func(t *testing.T) {
		router, mockStore, _, userID := setupConversationTest(t)
		otherID := uuid.New()
		listingID := uuid.New()

		expected := &models.Conversation{
			ID:             uuid.New(),
			ListingID:      &listingID,
			ParticipantIDs: []uuid.UUID{userID, otherID},
			CreatedAt:      time.Now(),
		}
		mockStore.On("CreateOrGetConversation", mock.Anything, userID, otherID).Return(expected, nil).Once()

		w := doJSON(router, "POST", "/api/conversations", gin.H{
			"other_user_id": otherID.String(),
			"listing_id":    listingID.String(),
		})

		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, expected.ID.String(), response["id"])

		mockStore.AssertExpectations(t)
	})

	t.Run("Conversation with yourself is rejected", func(t *testing.T) {
		router, mockStore, _, userID := setupConversationTest(t)

		w := doJSON(router, "POST", "/api/conversations", gin.H{
			"other_user_id": userID.String(),
		})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		mockStore.AssertNotCalled(t, "CreateOrGetConversation")
	})

	t.Run("Missing other user", func(t *testing.T) {
		router, _, _, _ := setupConversationTest(t)

		w := doJSON(router, "POST", "/api/conversations", gin.H{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestListConversations(t *testing.T) {
	t.Run("Active view", func(t *testing.T) {
		router, mockStore, _, userID := setupConversationTest(t)

		conversations := []*models.Conversation{
			{ID: uuid.New(), ParticipantIDs: []uuid.UUID{userID, uuid.New()}},
			{ID: uuid.New(), ParticipantIDs: []uuid.UUID{userID, uuid.New()}},
		}
		mockStore.On("ListConversations", userID, false).Return(conversations, nil).Once()

		w := doJSON(router, "GET", "/api/conversations", nil)

		assert.Equal(t, http.StatusOK, w.Code)

		var response []map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Len(t, response, 2)

		mockStore.AssertExpectations(t)
	})

	t.Run("Trash view", func(t *testing.T) {
		router, mockStore, _, userID := setupConversationTest(t)

		mockStore.On("ListConversations", userID, true).Return([]*models.Conversation{}, nil).Once()

		w := doJSON(router, "GET", "/api/conversations?deleted=1", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		mockStore.AssertExpectations(t)
	})
}

func TestGetConversation(t *testing.T) {
	t.Run("Successful retrieval", func(t *testing.T) {
		router, mockStore, _, userID := setupConversationTest(t)
		conversationID := uuid.New()
		otherID := uuid.New()

		conv := &models.Conversation{ID: conversationID, ParticipantIDs: []uuid.UUID{userID, otherID}}
		messages := []*models.Message{
			{ID: uuid.New(), ConversationID: conversationID, SenderID: otherID, Type: models.MessageTypeText, Content: "hello"},
		}
		mockStore.On("GetConversation", conversationID, userID).Return(conv, messages, nil).Once()

		w := doJSON(router, "GET", "/api/conversations/"+conversationID.String(), nil)

		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]json.RawMessage
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Contains(t, response, "conversation")
		assert.Contains(t, response, "messages")

		mockStore.AssertExpectations(t)
	})

	t.Run("Not a participant", func(t *testing.T) {
		router, mockStore, _, userID := setupConversationTest(t)
		conversationID := uuid.New()

		mockStore.On("GetConversation", conversationID, userID).
			Return(nil, nil, database.ErrNotAParticipant).Once()

		w := doJSON(router, "GET", "/api/conversations/"+conversationID.String(), nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("Not found", func(t *testing.T) {
		router, mockStore, _, userID := setupConversationTest(t)
		conversationID := uuid.New()

		mockStore.On("GetConversation", conversationID, userID).
			Return(nil, nil, database.ErrConversationNotFound).Once()

		w := doJSON(router, "GET", "/api/conversations/"+conversationID.String(), nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Invalid conversation ID", func(t *testing.T) {
		router, _, _, _ := setupConversationTest(t)

		w := doJSON(router, "GET", "/api/conversations/not-a-uuid", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestSendMessage(t *testing.T) {
	t.Run("Text message is stored and published", func(t *testing.T) {
		router, mockStore, publisher, userID := setupConversationTest(t)
		conversationID := uuid.New()

		expected := &models.Message{
			ID:             uuid.New(),
			ConversationID: conversationID,
			SenderID:       userID,
			Type:           models.MessageTypeText,
			Content:        "is this still available?",
			CreatedAt:      time.Now().UTC(),
		}
		mockStore.On("SendMessage", conversationID, userID, models.MessageTypeText, "is this still available?", (*models.Attachment)(nil)).
			Return(expected, nil).Once()

		w := doJSON(router, "POST", fmt.Sprintf("/api/conversations/%s/messages", conversationID), gin.H{
			"type":    "text",
			"content": "is this still available?",
		})

		assert.Equal(t, http.StatusCreated, w.Code)

		assert.Len(t, publisher.events, 1)
		assert.Equal(t, feed.EventInsert, publisher.events[0].Kind)
		assert.Equal(t, expected.ID, publisher.events[0].Message.ID)

		mockStore.AssertExpectations(t)
	})

	t.Run("Image message carries its attachment", func(t *testing.T) {
		router, mockStore, _, userID := setupConversationTest(t)
		conversationID := uuid.New()

		expected := &models.Message{
			ID:             uuid.New(),
			ConversationID: conversationID,
			SenderID:       userID,
			Type:           models.MessageTypeImage,
			Content:        "the couch",
		}
		mockStore.On("SendMessage", conversationID, userID, models.MessageTypeImage, "the couch", mock.AnythingOfType("*models.Attachment")).
			Return(expected, nil).Once()

		w := doJSON(router, "POST", fmt.Sprintf("/api/conversations/%s/messages", conversationID), gin.H{
			"type":    "image",
			"content": "the couch",
			"attachment": gin.H{
				"url":       "https://cdn.example/couch.jpg",
				"file_name": "couch.jpg",
				"file_size": 1024,
			},
		})

		assert.Equal(t, http.StatusCreated, w.Code)
		mockStore.AssertExpectations(t)
	})

	t.Run("Validation failures never hit the store", func(t *testing.T) {
		tests := []struct {
			name string
			body gin.H
		}{
			{name: "unknown type", body: gin.H{"type": "hologram", "content": "x"}},
			{name: "image without attachment", body: gin.H{"type": "image", "content": "x"}},
			{name: "empty text", body: gin.H{"type": "text", "content": ""}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				router, mockStore, publisher, _ := setupConversationTest(t)
				conversationID := uuid.New()

				w := doJSON(router, "POST", fmt.Sprintf("/api/conversations/%s/messages", conversationID), tt.body)

				assert.Equal(t, http.StatusBadRequest, w.Code)
				assert.Empty(t, publisher.events)
				mockStore.AssertNotCalled(t, "SendMessage")
			})
		}
	})

	t.Run("Not a participant", func(t *testing.T) {
		router, mockStore, publisher, userID := setupConversationTest(t)
		conversationID := uuid.New()

		mockStore.On("SendMessage", conversationID, userID, models.MessageTypeText, "hi", (*models.Attachment)(nil)).
			Return(nil, database.ErrNotAParticipant).Once()

		w := doJSON(router, "POST", fmt.Sprintf("/api/conversations/%s/messages", conversationID), gin.H{
			"type": "text", "content": "hi",
		})

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Empty(t, publisher.events)
	})
}

func TestMarkRead(t *testing.T) {
	router, mockStore, publisher, userID := setupConversationTest(t)
	conversationID := uuid.New()

	updated := []*models.Message{
		{ID: uuid.New(), ConversationID: conversationID, IsRead: true},
		{ID: uuid.New(), ConversationID: conversationID, IsRead: true},
	}
	mockStore.On("MarkRead", conversationID, userID).Return(updated, nil).Once()

	w := doJSON(router, "PUT", fmt.Sprintf("/api/conversations/%s/read", conversationID), nil)

	assert.Equal(t, http.StatusOK, w.Code)

	// One update event per flipped message, so the peer sees read receipts.
	assert.Len(t, publisher.events, 2)
	for _, ev := range publisher.events {
		assert.Equal(t, feed.EventUpdate, ev.Kind)
		assert.True(t, ev.Message.IsRead)
	}

	mockStore.AssertExpectations(t)
}

func TestDeleteConversation(t *testing.T) {
	router, mockStore, _, userID := setupConversationTest(t)
	conversationID := uuid.New()

	mockStore.On("SetConversationDeleted", conversationID, userID, mock.AnythingOfType("time.Time")).
		Return(nil).Once()

	w := doJSON(router, "DELETE", "/api/conversations/"+conversationID.String(), nil)

	assert.Equal(t, http.StatusOK, w.Code)
	mockStore.AssertExpectations(t)
}

func TestRestoreConversation(t *testing.T) {
	t.Run("Inside the window", func(t *testing.T) {
		router, mockStore, _, userID := setupConversationTest(t)
		conversationID := uuid.New()

		mockStore.On("ClearConversationDeleted", conversationID, userID, mock.AnythingOfType("time.Time")).
			Return(true, nil).Once()

		w := doJSON(router, "POST", fmt.Sprintf("/api/conversations/%s/restore", conversationID), nil)

		assert.Equal(t, http.StatusOK, w.Code)
		mockStore.AssertNotCalled(t, "ConversationDeletedAt")
		mockStore.AssertExpectations(t)
	})

	t.Run("Window expired", func(t *testing.T) {
		router, mockStore, _, userID := setupConversationTest(t)
		conversationID := uuid.New()
		deletedAt := time.Now().Add(-31 * 24 * time.Hour).UTC()

		mockStore.On("ClearConversationDeleted", conversationID, userID, mock.AnythingOfType("time.Time")).
			Return(false, nil).Once()
		mockStore.On("ConversationDeletedAt", conversationID, userID).Return(&deletedAt, nil).Once()

		w := doJSON(router, "POST", fmt.Sprintf("/api/conversations/%s/restore", conversationID), nil)

		assert.Equal(t, http.StatusGone, w.Code)
		mockStore.AssertExpectations(t)
	})

	t.Run("Unknown conversation", func(t *testing.T) {
		router, mockStore, _, userID := setupConversationTest(t)
		conversationID := uuid.New()

		mockStore.On("ClearConversationDeleted", conversationID, userID, mock.AnythingOfType("time.Time")).
			Return(false, database.ErrConversationNotFound).Once()

		w := doJSON(router, "POST", fmt.Sprintf("/api/conversations/%s/restore", conversationID), nil)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
