package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/noetik/internal/memory"
	"github.com/felixgeelhaar/noetik/internal/planner"
	"github.com/felixgeelhaar/noetik/internal/provider"
	"github.com/felixgeelhaar/noetik/internal/tools"
	"github.com/felixgeelhaar/noetik/internal/tools/builtin"
)

// scripted replays decisions and errors in order, then keeps returning the
// last entry.
type scripted struct {
	mu       sync.Mutex
	steps    []scriptStep
	contexts []planner.Context
}

type scriptStep struct {
	decision planner.Decision
	err      error
}

func script(steps ...scriptStep) *scripted {
	return &scripted{steps: steps}
}

func (s *scripted) Propose(ctx context.Context, pc *planner.Context) (planner.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts = append(s.contexts, *pc)
	i := len(s.contexts) - 1
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	return s.steps[i].decision, s.steps[i].err
}

func (s *scripted) calls() []planner.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]planner.Context(nil), s.contexts...)
}

func decide(d planner.Decision) scriptStep { return scriptStep{decision: d} }
func fail(err error) scriptStep            { return scriptStep{err: err} }

func newExecutor(t *testing.T) *tools.Executor {
	t.Helper()
	r := tools.NewRegistry()
	require.NoError(t, builtin.Register(r, builtin.Deps{}))
	r.Seal()
	return tools.NewExecutor(r)
}

type traceRecorder struct {
	mu     sync.Mutex
	traces map[string][]byte
}

func (r *traceRecorder) SaveTrace(ctx context.Context, sessionID string, trace []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.traces == nil {
		r.traces = map[string][]byte{}
	}
	r.traces[sessionID] = trace
	return nil
}

// brokenStore fails the selected operations.
type brokenStore struct {
	*memory.InMemoryStore
	failCreate bool
	failAppend bool
}

var errDiskFull = errors.New("disk full")

func (s *brokenStore) CreateSession(ctx context.Context) (string, error) {
	if s.failCreate {
		return "", errDiskFull
	}
	return s.InMemoryStore.CreateSession(ctx)
}

func (s *brokenStore) Append(ctx context.Context, sessionID string, turn memory.Turn) (memory.Turn, error) {
	if s.failAppend {
		return memory.Turn{}, errDiskFull
	}
	return s.InMemoryStore.Append(ctx, sessionID, turn)
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("connection refused")
}

func transcript(t *testing.T, s memory.Store, sessionID string) []memory.Turn {
	t.Helper()
	turns, err := s.Recent(context.Background(), sessionID, 100)
	require.NoError(t, err)
	return turns
}

func TestRun_DirectAnswer(t *testing.T) {
	store := memory.NewInMemoryStore()
	p := script(decide(planner.Respond("Paris")))
	a := New(p, newExecutor(t), store, DefaultConfig())

	res, err := a.Run(context.Background(), Request{Message: "What is the capital of France?"})
	require.NoError(t, err)

	assert.Equal(t, "Paris", res.Answer)
	assert.Equal(t, StateTerminated, res.State)
	assert.Equal(t, ReasonAnswered, res.Reason)
	assert.Equal(t, 1, res.Steps)
	assert.Len(t, res.Trace, 1)
	assert.NotEmpty(t, res.SessionID)

	turns := transcript(t, store, res.SessionID)
	require.Len(t, turns, 2)
	assert.Equal(t, memory.RoleUser, turns[0].Role)
	assert.Equal(t, "What is the capital of France?", turns[0].Content)
	assert.Equal(t, memory.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Paris", turns[1].Content)

	calls := p.calls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].Transcript, 1)
	assert.NotEmpty(t, calls[0].Tools)
}

func TestRun_ToolThenAnswer(t *testing.T) {
	store := memory.NewInMemoryStore()
	p := script(
		decide(planner.CallTool("add", map[string]any{"a": 2, "b": 3})),
		decide(planner.Respond("5")),
	)
	a := New(p, newExecutor(t), store, DefaultConfig())

	res, err := a.Run(context.Background(), Request{Message: "What is 2 + 3?"})
	require.NoError(t, err)

	assert.Equal(t, "5", res.Answer)
	assert.Equal(t, 2, res.Steps)
	require.Len(t, res.Trace, 2)
	require.NotNil(t, res.Trace[0].Result)
	assert.Equal(t, tools.StatusOK, res.Trace[0].Result.Status)
	assert.Nil(t, res.Trace[1].Result)

	turns := transcript(t, store, res.SessionID)
	require.Len(t, turns, 3)
	tool := turns[1]
	assert.Equal(t, memory.RoleTool, tool.Role)
	require.NotNil(t, tool.Tool)
	assert.Equal(t, "add", tool.Tool.Name)
	assert.Equal(t, "ok", tool.Tool.Status)
	assert.Equal(t, "5", tool.Content)

	// The second proposal sees the observation.
	calls := p.calls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[1].Transcript, 2)
}

func TestRun_UnknownToolUntilBudget(t *testing.T) {
	store := memory.NewInMemoryStore()
	p := script(decide(planner.CallTool("launch_rockets", nil)))
	cfg := DefaultConfig()
	cfg.MaxSteps = 3
	a := New(p, newExecutor(t), store, cfg)

	res, err := a.Run(context.Background(), Request{Message: "launch"})
	require.NoError(t, err)

	assert.Equal(t, StateTerminated, res.State)
	assert.Equal(t, ReasonStepBudget, res.Reason)
	assert.Equal(t, cfg.FallbackAnswer, res.Answer)
	assert.Equal(t, 3, res.Steps)
	require.Len(t, res.Trace, 3)
	for _, step := range res.Trace {
		require.NotNil(t, step.Result)
		assert.Equal(t, tools.KindUnknownTool, step.Result.Error.Kind)
	}

	turns := transcript(t, store, res.SessionID)
	require.Len(t, turns, 5)
	for _, turn := range turns[1:4] {
		assert.Equal(t, memory.RoleTool, turn.Role)
		assert.Equal(t, "error", turn.Tool.Status)
		assert.Contains(t, turn.Content, "unknown_tool")
	}
	assert.Equal(t, cfg.FallbackAnswer, turns[4].Content)
}

func TestRun_ParseRetrySucceeds(t *testing.T) {
	p := script(
		fail(&planner.ParseError{Reason: "not json", Raw: "I think the answer is 4"}),
		decide(planner.Respond("4")),
	)
	a := New(p, newExecutor(t), memory.NewInMemoryStore(), DefaultConfig())

	res, err := a.Run(context.Background(), Request{Message: "2+2?"})
	require.NoError(t, err)
	assert.Equal(t, "4", res.Answer)
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, 1, res.Steps)

	calls := p.calls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0].Correction)
	assert.Contains(t, calls[1].Correction, "not json")
}

func TestRun_PlannerRetriesExhausted(t *testing.T) {
	store := memory.NewInMemoryStore()
	p := script(fail(&planner.ParseError{Reason: "garbage"}))
	cfg := DefaultConfig()
	cfg.MaxPlannerRetries = 2
	a := New(p, newExecutor(t), store, cfg)

	res, err := a.Run(context.Background(), Request{Message: "hello"})
	require.NoError(t, err)

	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, ReasonPlannerExhausted, res.Reason)
	assert.Equal(t, cfg.AbortAnswer, res.Answer)
	assert.Equal(t, 0, res.Steps)
	assert.Equal(t, 2, res.Retries)
	assert.Len(t, p.calls(), 3)

	turns := transcript(t, store, res.SessionID)
	require.Len(t, turns, 2)
	assert.Equal(t, cfg.AbortAnswer, turns[1].Content)
}

func TestRun_InvalidDecisionCountsAsParseError(t *testing.T) {
	p := script(
		decide(planner.Decision{Action: "dance"}),
		decide(planner.Respond("ok")),
	)
	a := New(p, newExecutor(t), memory.NewInMemoryStore(), DefaultConfig())

	res, err := a.Run(context.Background(), Request{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Answer)
	assert.Equal(t, 1, res.Retries)
}

func TestRun_PlannerTimeout(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	p := planner.Func(func(ctx context.Context, pc *planner.Context) (planner.Decision, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			<-ctx.Done()
			return planner.Decision{}, ctx.Err()
		}
		return planner.Respond("late but fine"), nil
	})
	cfg := DefaultConfig()
	cfg.PlannerTimeout = 20 * time.Millisecond
	a := New(p, newExecutor(t), memory.NewInMemoryStore(), cfg)

	res, err := a.Run(context.Background(), Request{Message: "slow"})
	require.NoError(t, err)
	assert.Equal(t, "late but fine", res.Answer)
	assert.Equal(t, 1, res.Retries)
}

func TestRun_EmbeddingFailureIsNotFatal(t *testing.T) {
	idx := memory.NewInMemoryIndex()
	_, err := idx.Insert(context.Background(), memory.Fragment{ID: "f1", Text: "old", Vector: []float32{1, 0}})
	require.NoError(t, err)
	vm := memory.NewVectorMemory(failingEmbedder{}, idx)

	bus := NewEventBus()
	var unavailable int
	bus.Subscribe(EventMemoryUnavailable, func(Event) { unavailable++ })

	p := script(decide(planner.Respond("still works")))
	a := New(p, newExecutor(t), memory.NewInMemoryStore(), DefaultConfig(),
		WithVectorMemory(vm), WithEventBus(bus))

	res, err := a.Run(context.Background(), Request{Message: "remember anything?"})
	require.NoError(t, err)
	assert.Equal(t, "still works", res.Answer)
	assert.Equal(t, 1, unavailable)
	assert.Empty(t, p.calls()[0].Memories)
}

func TestRun_ArchivesAndRetrievesMemories(t *testing.T) {
	stub := provider.NewStubProvider()
	vm := memory.NewVectorMemory(stub, memory.NewInMemoryIndex())
	store := memory.NewInMemoryStore()

	first := script(decide(planner.Respond("Your favourite colour is blue.")))
	a := New(first, newExecutor(t), store, DefaultConfig(), WithVectorMemory(vm))
	res, err := a.Run(context.Background(), Request{Message: "my favourite colour is blue"})
	require.NoError(t, err)

	frags, err := vm.Query(context.Background(), "favourite colour", 1)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Contains(t, frags[0].Text, "User: my favourite colour is blue")
	assert.Equal(t, res.SessionID, frags[0].SessionID)
	assert.NotEmpty(t, frags[0].TurnID)

	second := script(decide(planner.Respond("blue")))
	b := New(second, newExecutor(t), store, DefaultConfig(), WithVectorMemory(vm))
	_, err = b.Run(context.Background(), Request{Message: "what is my favourite colour?"})
	require.NoError(t, err)
	require.Len(t, second.calls(), 1)
	assert.Len(t, second.calls()[0].Memories, 1)
}

func TestRun_ArchiveDisabled(t *testing.T) {
	idx := memory.NewInMemoryIndex()
	vm := memory.NewVectorMemory(provider.NewStubProvider(), idx)
	cfg := DefaultConfig()
	cfg.ArchiveAnswers = false
	a := New(script(decide(planner.Respond("x"))), newExecutor(t), memory.NewInMemoryStore(), cfg, WithVectorMemory(vm))

	_, err := a.Run(context.Background(), Request{Message: "y"})
	require.NoError(t, err)
	n, err := idx.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRun_CanceledBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := memory.NewInMemoryStore()
	p := planner.Func(func(_ context.Context, pc *planner.Context) (planner.Decision, error) {
		// The caller goes away while the tool runs.
		cancel()
		return planner.CallTool("echo", map[string]any{"text": "hi"}), nil
	})
	a := New(p, newExecutor(t), store, DefaultConfig())

	res, err := a.Run(ctx, Request{Message: "echo hi"})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, ReasonCanceled, res.Reason)
	assert.Equal(t, 1, res.Steps)

	// The in-flight tool call completed and was recorded.
	require.Len(t, res.Trace, 1)
	assert.Equal(t, tools.StatusOK, res.Trace[0].Result.Status)
	turns := transcript(t, store, res.SessionID)
	require.Len(t, turns, 3)
	assert.Equal(t, memory.RoleTool, turns[1].Role)
	assert.Equal(t, "hi", turns[1].Content)
	assert.Equal(t, DefaultConfig().AbortAnswer, turns[2].Content)
}

func TestRun_CanceledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := script(decide(planner.Respond("never")))
	a := New(p, newExecutor(t), memory.NewInMemoryStore(), DefaultConfig())

	res, err := a.Run(ctx, Request{Message: "hi"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateAborted, res.State)
	assert.Empty(t, p.calls())
}

func TestRun_EmptyMessage(t *testing.T) {
	a := New(script(decide(planner.Respond("x"))), newExecutor(t), memory.NewInMemoryStore(), DefaultConfig())
	_, err := a.Run(context.Background(), Request{Message: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestRun_SessionStoreFailure(t *testing.T) {
	traces := &traceRecorder{}
	p := script(decide(planner.Respond("x")))
	a := New(p, newExecutor(t), &brokenStore{InMemoryStore: memory.NewInMemoryStore(), failCreate: true},
		DefaultConfig(), WithTraceSink(traces))

	res, err := a.Run(context.Background(), Request{Message: "hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errDiskFull)
	require.NotNil(t, res)
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, ReasonStoreFailed, res.Reason)
	assert.Equal(t, DefaultConfig().AbortAnswer, res.Answer)
	assert.Empty(t, res.SessionID)
	assert.NotNil(t, res.Trace)
	assert.Empty(t, p.calls())
	assert.Empty(t, traces.traces)
}

func TestRun_AppendFailure(t *testing.T) {
	p := script(decide(planner.Respond("x")))
	a := New(p, newExecutor(t), &brokenStore{InMemoryStore: memory.NewInMemoryStore(), failAppend: true}, DefaultConfig())

	res, err := a.Run(context.Background(), Request{Message: "hello"})
	assert.ErrorIs(t, err, errDiskFull)
	require.NotNil(t, res)
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, ReasonStoreFailed, res.Reason)
	assert.NotEmpty(t, res.SessionID)
}

func TestRun_SessionContinuity(t *testing.T) {
	store := memory.NewInMemoryStore()
	p := script(decide(planner.Respond("ok")))
	a := New(p, newExecutor(t), store, DefaultConfig())

	first, err := a.Run(context.Background(), Request{Message: "one"})
	require.NoError(t, err)
	second, err := a.Run(context.Background(), Request{Message: "two", SessionID: first.SessionID})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Len(t, transcript(t, store, first.SessionID), 4)

	third, err := a.Run(context.Background(), Request{Message: "three", SessionID: "no-such-session"})
	require.NoError(t, err)
	assert.NotEqual(t, "no-such-session", third.SessionID)
	assert.NotEqual(t, first.SessionID, third.SessionID)
	assert.Len(t, transcript(t, store, third.SessionID), 2)
}

func TestRun_ReplayIsDeterministic(t *testing.T) {
	store := memory.NewInMemoryStore()
	run := func() *Result {
		p := script(
			decide(planner.CallTool("add", map[string]any{"a": 1, "b": 2})),
			decide(planner.CallTool("echo", map[string]any{"text": "three"})),
			decide(planner.Respond("3")),
		)
		res, err := New(p, newExecutor(t), store, DefaultConfig()).Run(context.Background(), Request{Message: "1+2"})
		require.NoError(t, err)
		return res
	}

	a, b := run(), run()
	assert.NotEqual(t, a.SessionID, b.SessionID)
	assert.Equal(t, a.Answer, b.Answer)

	ta, tb := transcript(t, store, a.SessionID), transcript(t, store, b.SessionID)
	require.Equal(t, len(ta), len(tb))
	for i := range ta {
		assert.Equal(t, ta[i].Role, tb[i].Role)
		assert.Equal(t, ta[i].Content, tb[i].Content)
	}
}

func TestRun_HistoryWindow(t *testing.T) {
	store := memory.NewInMemoryStore()
	p := script(decide(planner.CallTool("echo", map[string]any{"text": "x"})))
	cfg := DefaultConfig()
	cfg.MaxSteps = 4
	cfg.HistoryWindow = 2
	a := New(p, newExecutor(t), store, cfg)

	_, err := a.Run(context.Background(), Request{Message: "loop"})
	require.NoError(t, err)
	for _, pc := range p.calls() {
		assert.LessOrEqual(t, len(pc.Transcript), 2)
	}
}

func TestRun_TraceSink(t *testing.T) {
	sink := &traceRecorder{}
	p := script(
		decide(planner.CallTool("echo", map[string]any{"text": "a"})),
		decide(planner.Respond("a")),
	)
	a := New(p, newExecutor(t), memory.NewInMemoryStore(), DefaultConfig(), WithTraceSink(sink))

	res, err := a.Run(context.Background(), Request{Message: "a"})
	require.NoError(t, err)

	raw, ok := sink.traces[res.SessionID]
	require.True(t, ok)
	var trace []map[string]any
	require.NoError(t, json.Unmarshal(raw, &trace))
	require.Len(t, trace, 2)
	assert.Equal(t, "call_tool", trace[0]["decision"].(map[string]any)["action"])
	assert.Equal(t, "respond", trace[1]["decision"].(map[string]any)["action"])
}

func TestRun_Events(t *testing.T) {
	bus := NewEventBus()
	var mu sync.Mutex
	var seen []EventType
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type)
	})

	p := script(
		decide(planner.CallTool("add", map[string]any{"a": 1, "b": 1})),
		decide(planner.Respond("2")),
	)
	a := New(p, newExecutor(t), memory.NewInMemoryStore(), DefaultConfig(), WithEventBus(bus))
	_, err := a.Run(context.Background(), Request{Message: "1+1"})
	require.NoError(t, err)

	assert.Equal(t, []EventType{
		EventRunStart,
		EventStepStart, EventPlannerDecision, EventToolCallStart, EventToolCallEnd,
		EventStepStart, EventPlannerDecision,
		EventRunComplete,
	}, seen)
}

func TestRun_StubProviderEcho(t *testing.T) {
	stub := provider.NewStubProvider()
	p := planner.NewProviderPlanner(stub, planner.WithNativeTools(false))
	a := New(p, newExecutor(t), memory.NewInMemoryStore(), DefaultConfig())

	res, err := a.Run(context.Background(), Request{Message: "hello there"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", res.Answer)
	assert.Equal(t, 2, res.Steps)
}

func TestRun_ConcurrentSessions(t *testing.T) {
	store := memory.NewInMemoryStore()
	a := New(planner.Func(func(ctx context.Context, pc *planner.Context) (planner.Decision, error) {
		last := pc.Transcript[len(pc.Transcript)-1]
		if last.Role == memory.RoleTool {
			return planner.Respond(last.Content), nil
		}
		return planner.CallTool("echo", map[string]any{"text": last.Content}), nil
	}), newExecutor(t), store, DefaultConfig())

	var wg sync.WaitGroup
	results := make([]*Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := strings.Repeat("x", i+1)
			res, err := a.Run(context.Background(), Request{Message: msg})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, strings.Repeat("x", i+1), res.Answer)
		assert.Len(t, transcript(t, store, res.SessionID), 3)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	c := Config{MaxPlannerRetries: -3}.withDefaults()
	assert.Equal(t, 8, c.MaxSteps)
	assert.Equal(t, 0, c.MaxPlannerRetries)
	assert.Equal(t, 20, c.HistoryWindow)
	assert.NotEmpty(t, c.FallbackAnswer)
	assert.NotEmpty(t, c.AbortAnswer)
	assert.NotEmpty(t, c.CorrectionNote)
}
