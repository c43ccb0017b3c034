package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const appendRetries = 8

// RedisStore keeps transcripts in Redis lists. RPUSH inside an optimistic
// WATCH transaction gives atomic, ordered appends across processes.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client, prefix: "noetik", now: time.Now}, nil
}

// WithPrefix namespaces every key; tests use it to isolate runs.
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	return s
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) sessionsKey() string       { return s.prefix + ":sessions" }
func (s *RedisStore) turnsKey(id string) string { return s.prefix + ":turns:" + id }

func (s *RedisStore) CreateSession(ctx context.Context) (string, error) {
	id := uuid.NewString()
	created := s.now()
	err := s.client.ZAdd(ctx, s.sessionsKey(), redis.Z{
		Score:  float64(created.UnixNano()),
		Member: id,
	}).Err()
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return id, nil
}

func (s *RedisStore) HasSession(ctx context.Context, sessionID string) (bool, error) {
	_, err := s.client.ZScore(ctx, s.sessionsKey(), sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, turn Turn) (Turn, error) {
	ok, err := s.HasSession(ctx, sessionID)
	if err != nil {
		return Turn{}, err
	}
	if !ok {
		return Turn{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	key := s.turnsKey(sessionID)
	var stored Turn
	txf := func(tx *redis.Tx) error {
		var last time.Time
		raw, err := tx.LIndex(ctx, key, -1).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var prev Turn
			if err := json.Unmarshal([]byte(raw), &prev); err != nil {
				return fmt.Errorf("failed to decode last turn: %w", err)
			}
			last = prev.Timestamp
		}

		stamped, err := PrepareTurn(turn, last, s.now())
		if err != nil {
			return err
		}
		data, err := json.Marshal(stamped)
		if err != nil {
			return fmt.Errorf("failed to encode turn: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, data)
			return nil
		})
		if err == nil {
			stored = stamped
		}
		return err
	}

	for i := 0; i < appendRetries; i++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return Turn{}, fmt.Errorf("failed to append turn: %w", err)
	}
	return stored, nil
}

func (s *RedisStore) Recent(ctx context.Context, sessionID string, n int) ([]Turn, error) {
	ok, err := s.HasSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if n <= 0 {
		return []Turn{}, nil
	}

	raws, err := s.client.LRange(ctx, s.turnsKey(sessionID), int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read turns: %w", err)
	}
	turns := make([]Turn, 0, len(raws))
	for _, raw := range raws {
		var t Turn
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("failed to decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (s *RedisStore) Sessions(ctx context.Context) ([]Session, error) {
	members, err := s.client.ZRangeWithScores(ctx, s.sessionsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	out := make([]Session, 0, len(members))
	for _, m := range members {
		id, _ := m.Member.(string)
		count, err := s.client.LLen(ctx, s.turnsKey(id)).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, Session{
			ID:        id,
			CreatedAt: time.Unix(0, int64(m.Score)),
			Turns:     int(count),
		})
	}
	return out, nil
}
