package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/felixgeelhaar/noetik/internal/memory"
)

type SQLiteStore struct {
	db          *sql.DB
	artifactDir string
	now         func() time.Time
}

func NewSQLiteStore(dbPath, artifactDir string) (*SQLiteStore, error) {
	// Ensure directories exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}
	if err := os.MkdirAll(artifactDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers; appends rely on it for ordering.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:          db,
		artifactDir: artifactDir,
		now:         time.Now,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool TEXT,
			created_at INTEGER NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			session_id TEXT,
			path TEXT,
			type TEXT,
			created_at INTEGER,
			digest TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS configuration (
			key TEXT PRIMARY KEY,
			value TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS memories (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			content TEXT NOT NULL,
			vector BLOB NOT NULL,
			session_id TEXT,
			turn_id TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL
		);`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Configuration Implementation

func (s *SQLiteStore) SetConfig(key, value string) error {
	query := `INSERT INTO configuration (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	_, err := s.db.Exec(query, key, value)
	return err
}

func (s *SQLiteStore) GetConfig(key string) (string, error) {
	query := `SELECT value FROM configuration WHERE key = ?`
	row := s.db.QueryRow(query, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

// Transcript Implementation

func (s *SQLiteStore) CreateSession(ctx context.Context) (string, error) {
	id := uuid.NewString()
	now := s.now().UnixNano()
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)`, id, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) HasSession(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID string, turn memory.Turn) (memory.Turn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memory.Turn{}, fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var one int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return memory.Turn{}, fmt.Errorf("%w: %s", memory.ErrSessionNotFound, sessionID)
		}
		return memory.Turn{}, err
	}

	var last time.Time
	var lastNanos int64
	err = tx.QueryRowContext(ctx,
		`SELECT created_at FROM turns WHERE session_id = ? ORDER BY seq DESC LIMIT 1`, sessionID,
	).Scan(&lastNanos)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return memory.Turn{}, err
	default:
		last = time.Unix(0, lastNanos)
	}

	stamped, err := memory.PrepareTurn(turn, last, s.now())
	if err != nil {
		return memory.Turn{}, err
	}

	var toolJSON sql.NullString
	if stamped.Tool != nil {
		b, err := json.Marshal(stamped.Tool)
		if err != nil {
			return memory.Turn{}, fmt.Errorf("failed to marshal tool reference: %w", err)
		}
		toolJSON = sql.NullString{String: string(b), Valid: true}
	}

	ts := stamped.Timestamp.UnixNano()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, role, content, tool, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		stamped.ID, sessionID, string(stamped.Role), stamped.Content, toolJSON, ts,
	); err != nil {
		return memory.Turn{}, fmt.Errorf("failed to insert turn: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, ts, sessionID); err != nil {
		return memory.Turn{}, err
	}
	if err := tx.Commit(); err != nil {
		return memory.Turn{}, fmt.Errorf("failed to commit append: %w", err)
	}

	// Round-trip precision: what Recent returns.
	stamped.Timestamp = time.Unix(0, ts)
	return stamped, nil
}

func (s *SQLiteStore) Recent(ctx context.Context, sessionID string, n int) ([]memory.Turn, error) {
	ok, err := s.HasSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", memory.ErrSessionNotFound, sessionID)
	}
	if n <= 0 {
		return []memory.Turn{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, tool, created_at FROM turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?`,
		sessionID, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []memory.Turn
	for rows.Next() {
		var (
			t        memory.Turn
			role     string
			toolJSON sql.NullString
			nanos    int64
		)
		if err := rows.Scan(&t.ID, &role, &t.Content, &toolJSON, &nanos); err != nil {
			return nil, err
		}
		t.Role = memory.Role(role)
		t.Timestamp = time.Unix(0, nanos)
		if toolJSON.Valid {
			var ref memory.ToolRef
			if err := json.Unmarshal([]byte(toolJSON.String), &ref); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool reference: %w", err)
			}
			t.Tool = &ref
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	if turns == nil {
		turns = []memory.Turn{}
	}
	return turns, nil
}

func (s *SQLiteStore) Sessions(ctx context.Context) ([]memory.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.created_at, COUNT(t.seq)
		FROM sessions s LEFT JOIN turns t ON t.session_id = s.id
		GROUP BY s.id
		ORDER BY s.created_at, s.rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []memory.Session
	for rows.Next() {
		var sess memory.Session
		var nanos int64
		if err := rows.Scan(&sess.ID, &nanos, &sess.Turns); err != nil {
			return nil, err
		}
		sess.CreatedAt = time.Unix(0, nanos)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Artifact Implementation

func (s *SQLiteStore) SaveArtifact(artifact *Artifact, content []byte) error {
	// 1. Save content to filesystem
	fullPath := filepath.Join(s.artifactDir, artifact.Path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0750); err != nil {
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}
	if err := os.WriteFile(fullPath, content, 0600); err != nil {
		return fmt.Errorf("failed to write artifact content: %w", err)
	}

	// 2. Save metadata to DB
	query := `INSERT INTO artifacts (id, session_id, path, type, created_at, digest) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query, artifact.ID, artifact.SessionID, artifact.Path, artifact.Type, artifact.CreatedAt.UnixNano(), artifact.Digest)
	return err
}

func (s *SQLiteStore) GetArtifact(id string) (*Artifact, []byte, error) {
	// 1. Get metadata
	query := `SELECT id, session_id, path, type, created_at, digest FROM artifacts WHERE id = ?`
	row := s.db.QueryRow(query, id)

	artifact, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("artifact not found: %s", id)
		}
		return nil, nil, err
	}

	// 2. Get content
	fullPath := filepath.Join(s.artifactDir, artifact.Path)
	content, err := os.ReadFile(fullPath) // #nosec G304
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read artifact content: %w", err)
	}

	return artifact, content, nil
}

func (s *SQLiteStore) ListArtifacts(sessionID string) ([]*Artifact, error) {
	query := `SELECT id, session_id, path, type, created_at, digest FROM artifacts WHERE session_id = ? ORDER BY created_at`
	rows, err := s.db.Query(query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// SaveTrace stores one loop invocation's trace as a JSON artifact.
func (s *SQLiteStore) SaveTrace(ctx context.Context, sessionID string, trace []byte) error {
	now := s.now()
	uniqueID := fmt.Sprintf("%d", now.UnixNano())
	return s.SaveArtifact(&Artifact{
		ID:        fmt.Sprintf("trace-%s-%s", sessionID, uniqueID),
		SessionID: sessionID,
		Path:      filepath.Join("traces", sessionID, uniqueID+".json"),
		Type:      ArtifactTrace,
		CreatedAt: now,
		Digest:    digest(trace),
	}, trace)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row scanner) (*Artifact, error) {
	var (
		a         Artifact
		sessionID sql.NullString
		typ       sql.NullString
		digestStr sql.NullString
		created   sql.NullInt64
	)
	if err := row.Scan(&a.ID, &sessionID, &a.Path, &typ, &created, &digestStr); err != nil {
		return nil, err
	}
	a.SessionID = sessionID.String
	a.Type = typ.String
	a.Digest = digestStr.String
	if created.Valid {
		a.CreatedAt = time.Unix(0, created.Int64)
	}
	return &a, nil
}

func digest(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
