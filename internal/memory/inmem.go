package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type transcript struct {
	mu        sync.Mutex
	createdAt time.Time
	turns     []Turn
}

// InMemoryStore is a process-local Store. Appends are serialized per session,
// so concurrent sessions never contend on the same lock.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*transcript
	order    []string
	now      func() time.Time
}

// NewInMemoryStore creates an empty transcript store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*transcript),
		now:      time.Now,
	}
}

func (s *InMemoryStore) CreateSession(ctx context.Context) (string, error) {
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &transcript{createdAt: s.now()}
	s.order = append(s.order, id)
	return id, nil
}

func (s *InMemoryStore) HasSession(ctx context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[sessionID]
	return ok, nil
}

func (s *InMemoryStore) get(sessionID string) (*transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return t, nil
}

func (s *InMemoryStore) Append(ctx context.Context, sessionID string, turn Turn) (Turn, error) {
	t, err := s.get(sessionID)
	if err != nil {
		return Turn{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var last time.Time
	if n := len(t.turns); n > 0 {
		last = t.turns[n-1].Timestamp
	}
	stamped, err := PrepareTurn(turn, last, s.now())
	if err != nil {
		return Turn{}, err
	}
	t.turns = append(t.turns, stamped)
	return stamped, nil
}

func (s *InMemoryStore) Recent(ctx context.Context, sessionID string, n int) ([]Turn, error) {
	t, err := s.get(sessionID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if n <= 0 {
		return []Turn{}, nil
	}
	start := len(t.turns) - n
	if start < 0 {
		start = 0
	}
	out := make([]Turn, len(t.turns)-start)
	copy(out, t.turns[start:])
	return out, nil
}

func (s *InMemoryStore) Sessions(ctx context.Context) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.order))
	for _, id := range s.order {
		t := s.sessions[id]
		t.mu.Lock()
		out = append(out, Session{ID: id, CreatedAt: t.createdAt, Turns: len(t.turns)})
		t.mu.Unlock()
	}
	return out, nil
}

// PrepareTurn validates a turn and assigns its ID and timestamp. The returned
// timestamp is always strictly after last, so a backend that appends under a
// per-session lock keeps its transcript strictly ordered even when the clock
// stalls or steps backwards.
func PrepareTurn(turn Turn, last, now time.Time) (Turn, error) {
	if !turn.Role.Valid() {
		return Turn{}, fmt.Errorf("%w: unknown role %q", ErrInvalidTurn, turn.Role)
	}
	if turn.Role == RoleTool && turn.Tool == nil {
		return Turn{}, fmt.Errorf("%w: tool turn without tool reference", ErrInvalidTurn)
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = now
	}
	turn.Timestamp = turn.Timestamp.Round(0)
	if !last.IsZero() && !turn.Timestamp.After(last) {
		turn.Timestamp = last.Add(time.Nanosecond)
	}
	return turn, nil
}
