package models

import (
	"time"

	"github.com/google/uuid"
)

// Rating is a score one user leaves for another after a trade. Keyed by
// (rater, ratee); submitting again overwrites the previous score.
type Rating struct {
	RaterID   uuid.UUID `json:"rater_id"`
	RateeID   uuid.UUID `json:"ratee_id"`
	Stars     int       `json:"stars"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RateUserRequest is the structure for rating submissions.
type RateUserRequest struct {
	RateeID uuid.UUID `json:"ratee_id" binding:"required"`
	Stars   int       `json:"stars" binding:"required,min=1,max=5"`
	Comment string    `json:"comment"`
}
