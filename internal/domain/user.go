// Package domain contains core domain types for the research agent.
package domain

import (
	"time"
)

// User is a caller identity known to the store.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IsAnonymous reports whether the user was minted from a device cookie.
func (u *User) IsAnonymous() bool {
	return len(u.UserID) > 5 && u.UserID[:5] == "anon_"
}
