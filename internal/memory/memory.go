// Package memory defines the conversational memory consumed by the agent loop:
// an append-only transcript per session and a vector memory answering
// similarity queries over archived fragments.
package memory

import (
	"context"
	"time"
)

// Role identifies who contributed a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ToolRef records the tool call a tool turn observes.
type ToolRef struct {
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
	Status string         `json:"status,omitempty"`
}

// Turn is one immutable contribution to a session transcript.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Tool      *ToolRef  `json:"tool,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a transcript owner.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Turns     int       `json:"turns"`
}

// Store is the short-term transcript store.
//
// Append is append-only: stored turns are never mutated or removed. Within a
// session, turns are strictly timestamp-ordered and insertion order is
// retrieval order. Implementations must accept concurrent appends to
// different sessions.
type Store interface {
	// CreateSession generates a fresh session identifier.
	CreateSession(ctx context.Context) (string, error)

	// HasSession reports whether the session exists.
	HasSession(ctx context.Context, sessionID string) (bool, error)

	// Append stores the turn and returns it with ID and Timestamp filled in.
	Append(ctx context.Context, sessionID string, turn Turn) (Turn, error)

	// Recent returns the last n turns in chronological order.
	Recent(ctx context.Context, sessionID string, n int) ([]Turn, error)

	// Sessions lists known sessions, oldest first.
	Sessions(ctx context.Context) ([]Session, error)
}

// Fragment is an embedded piece of text held by the vector memory.
type Fragment struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	Vector    []float32         `json:"-"`
	SessionID string            `json:"session_id,omitempty"`
	TurnID    string            `json:"turn_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Score     float32           `json:"score"`
	Seq       int64             `json:"-"`
	CreatedAt time.Time         `json:"created_at"`
}

// Embedder turns text into a vector. provider.Provider satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index stores vectors and answers nearest-neighbour queries.
//
// Search returns at most k fragments ordered by descending Score; equal scores
// are ordered by most recent insertion first.
type Index interface {
	Insert(ctx context.Context, fragment Fragment) (Fragment, error)
	Search(ctx context.Context, vector []float32, k int) ([]Fragment, error)
	Count(ctx context.Context) (int, error)
}
