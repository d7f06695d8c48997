// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/deepsearch/internal/domain"
)

// DefaultListLimit bounds ListConversations when no limit is given.
const DefaultListLimit = 50

var (
	// ErrNotFound is returned when a conversation does not exist or is not
	// owned by the caller. The two cases are deliberately indistinguishable.
	ErrNotFound = errors.New("conversation not found")

	// ErrOwnershipConflict is returned when a write targets a conversation
	// owned by someone else.
	ErrOwnershipConflict = errors.New("conversation belongs to a different owner")
)

// ConversationWriter persists a turn's final message history.
type ConversationWriter interface {
	// UpsertConversation creates the conversation if missing, otherwise
	// replaces all of its messages and its title. It reports whether the
	// conversation was created by this call.
	UpsertConversation(ctx context.Context, ownerID, conversationID, title string, messages []domain.Message) (bool, error)
}

// Repository defines the interface for persisting users and conversations.
type Repository interface {
	ConversationWriter

	// GetConversation returns the conversation with its messages in position
	// order, or ErrNotFound.
	GetConversation(ctx context.Context, ownerID, conversationID string) (*domain.Conversation, error)

	// ListConversations returns the owner's conversations, most recently
	// updated first, without messages.
	ListConversations(ctx context.Context, ownerID string, limit int) ([]*domain.Conversation, error)

	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
