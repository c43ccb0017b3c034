package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/felixgeelhaar/noetik/internal/memory"
)

// Insert stores a fragment; the autoincrement sequence orders ties in Search.
func (s *SQLiteStore) Insert(ctx context.Context, f memory.Fragment) (memory.Fragment, error) {
	// Serialize vector
	vecBuf := new(bytes.Buffer)
	if err := binary.Write(vecBuf, binary.LittleEndian, f.Vector); err != nil {
		return memory.Fragment{}, fmt.Errorf("failed to encode vector: %w", err)
	}

	// Serialize meta
	metaJSON, err := json.Marshal(f.Metadata)
	if err != nil {
		return memory.Fragment{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}

	query := `INSERT INTO memories (id, content, vector, session_id, turn_id, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query, f.ID, f.Text, vecBuf.Bytes(), f.SessionID, f.TurnID, string(metaJSON), f.CreatedAt.UnixNano())
	if err != nil {
		return memory.Fragment{}, fmt.Errorf("failed to insert memory: %w", err)
	}
	if f.Seq, err = res.LastInsertId(); err != nil {
		return memory.Fragment{}, err
	}
	return f, nil
}

// Search scores every stored fragment against vector. Brute force is fine
// for a local store of a few thousand fragments.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, k int) ([]memory.Fragment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, id, content, vector, session_id, turn_id, metadata, created_at FROM memories`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scored []memory.Fragment
	for rows.Next() {
		var (
			f        memory.Fragment
			vecBlob  []byte
			metaJSON string
			nanos    int64
		)
		if err := rows.Scan(&f.Seq, &f.ID, &f.Text, &vecBlob, &f.SessionID, &f.TurnID, &metaJSON, &nanos); err != nil {
			return nil, err
		}

		// Decode vector
		f.Vector = make([]float32, len(vecBlob)/4)
		if err := binary.Read(bytes.NewReader(vecBlob), binary.LittleEndian, &f.Vector); err != nil {
			return nil, fmt.Errorf("failed to decode vector for %s: %w", f.ID, err)
		}

		// Decode meta
		if metaJSON != "" && metaJSON != "null" {
			if err := json.Unmarshal([]byte(metaJSON), &f.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for %s: %w", f.ID, err)
			}
		}

		f.CreatedAt = time.Unix(0, nanos)
		f.Score = memory.CosineSimilarity(vector, f.Vector)
		scored = append(scored, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := memory.Rank(scored, k)
	if result == nil {
		result = []memory.Fragment{}
	}
	return result, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
