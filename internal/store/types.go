package store

import (
	"context"
	"time"

	"github.com/felixgeelhaar/noetik/internal/memory"
)

// ArtifactTrace marks a JSON agent trace.
const ArtifactTrace = "trace"

// Artifact is a blob written under the artifact directory and indexed in
// the database. Path is relative to that directory; Digest is the
// SHA-256 of the content.
type Artifact struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Path      string    `json:"path"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Digest    string    `json:"digest"`
}

// Artifacts persists trace files and other per-session blobs.
type Artifacts interface {
	SaveArtifact(artifact *Artifact, content []byte) error
	GetArtifact(id string) (*Artifact, []byte, error)
	ListArtifacts(sessionID string) ([]*Artifact, error)
	SaveTrace(ctx context.Context, sessionID string, trace []byte) error
}

// Storage is everything the SQLite database provides to the CLI and the
// API server.
type Storage interface {
	memory.Store
	memory.Index
	Artifacts

	Sessions(ctx context.Context) ([]memory.Session, error)
	SetConfig(key, value string) error
	GetConfig(key string) (string, error)
	Close() error
}
