package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marketloop/marketloop/internal/database"
	"github.com/marketloop/marketloop/internal/models"
)

// RatingHandler records trade ratings. One score per (rater, ratee) pair;
// rating again overwrites.
type RatingHandler struct {
	Store database.Store
}

func NewRatingHandler(store database.Store) *RatingHandler {
	return &RatingHandler{Store: store}
}

// RateUser records the caller's rating of another user.
func (h *RatingHandler) RateUser(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req models.RateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.RateeID == callerID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot rate yourself"})
		return
	}

	rating := &models.Rating{
		RaterID:   callerID,
		RateeID:   req.RateeID,
		Stars:     req.Stars,
		Comment:   req.Comment,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.Store.SaveRating(c.Request.Context(), rating); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save rating"})
		return
	}

	c.JSON(http.StatusCreated, rating)
}
