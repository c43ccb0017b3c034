package provider

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"
)

const stubEmbeddingDims = 64

// StubProvider is an offline provider for tests and demos. It replays
// Responses in order; once they run out it falls back to an echo routine:
// it calls the echo tool with the latest user message, then answers with the
// tool's output.
type StubProvider struct {
	Responses []Response
	// Delay simulates model latency.
	Delay time.Duration

	mu    sync.Mutex
	calls [][]Message
}

func NewStubProvider(responses ...Response) *StubProvider {
	return &StubProvider{Responses: responses}
}

func (m *StubProvider) Chat(ctx context.Context, messages []Message, tools []Tool) (*Response, error) {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, append([]Message(nil), messages...))

	if len(m.Responses) > 0 {
		resp := m.Responses[0]
		m.Responses = m.Responses[1:]
		return &resp, nil
	}
	return echoRoutine(messages), nil
}

// Calls returns the message lists received so far.
func (m *StubProvider) Calls() [][]Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]Message(nil), m.calls...)
}

const echoObservation = "Tool echo returned ok: "

func echoRoutine(messages []Message) *Response {
	var last Message
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = messages[i]
			break
		}
	}
	if text, ok := strings.CutPrefix(last.Content, echoObservation); ok {
		return &Response{Content: "Answer: " + text}
	}

	args, _ := json.Marshal(map[string]any{"text": last.Content})
	call := `{"tool": "echo", "args": ` + string(args) + `}`
	return &Response{Content: call}
}

// Embed hashes words into a fixed-size bag-of-words vector, so similar
// texts land close together.
func (m *StubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, stubEmbeddingDims)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if w == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[h.Sum32()%stubEmbeddingDims]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec, nil
}

func (m *StubProvider) Name() string {
	return "stub"
}
