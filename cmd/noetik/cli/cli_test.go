package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/felixgeelhaar/noetik/internal/agent"
	"github.com/felixgeelhaar/noetik/internal/planner"
	"github.com/felixgeelhaar/noetik/internal/tools"
)

// run executes the root command against a temporary data directory.
func run(t *testing.T, dataDir, stdin string, args ...string) (string, error) {
	t.Helper()
	flags = globalFlags{}
	askFlags.sessionID, askFlags.showTrace, askFlags.interactive = "", false, false
	chatSessionID = ""
	showLimit = 20

	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&bytes.Buffer{})
	RootCmd.SetIn(strings.NewReader(stdin))
	RootCmd.SetArgs(append([]string{"--data-dir", dataDir}, args...))
	err := RootCmd.Execute()
	return out.String(), err
}

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return t.TempDir()
}

func TestCLI_Commands(t *testing.T) {
	want := map[string]bool{"ask": false, "chat": false, "serve": false, "sessions": false, "config": false}
	for _, cmd := range RootCmd.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestCLI_AskStub(t *testing.T) {
	dir := isolate(t)

	out, err := run(t, dir, "", "ask", "--provider", "stub", "hello", "world")
	if err != nil {
		t.Fatalf("ask failed: %v", err)
	}
	if out != "hello world\n" {
		t.Errorf("expected echoed answer, got %q", out)
	}

	out, err = run(t, dir, "", "sessions", "list")
	if err != nil {
		t.Fatalf("sessions list failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one session, got %q", out)
	}
	sessionID := strings.Fields(lines[1])[0]

	out, err = run(t, dir, "", "sessions", "show", sessionID)
	if err != nil {
		t.Fatalf("sessions show failed: %v", err)
	}
	for _, want := range []string{"user: hello world", "tool echo [ok]: hello world", "assistant: hello world"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
}

func TestCLI_AskJSON(t *testing.T) {
	dir := isolate(t)

	out, err := run(t, dir, "", "ask", "--provider", "stub", "--json", "--trace", "ping")
	if err != nil {
		t.Fatalf("ask failed: %v", err)
	}
	var res agent.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if res.Answer != "ping" || res.State != agent.StateTerminated || res.Steps != 2 {
		t.Errorf("unexpected result %+v", res)
	}
	if len(res.Trace) != 2 {
		t.Errorf("expected 2 trace steps, got %d", len(res.Trace))
	}
}

func TestCLI_Chat(t *testing.T) {
	dir := isolate(t)

	out, err := run(t, dir, "first\n\nsecond\nquit\nignored\n", "chat", "--provider", "stub")
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if !strings.Contains(out, "first\n") || !strings.Contains(out, "second\n") {
		t.Errorf("expected both answers, got %q", out)
	}
	if strings.Contains(out, "ignored") {
		t.Error("input after quit should not be processed")
	}

	out, _ = run(t, dir, "", "sessions", "list")
	if n := len(strings.Split(strings.TrimSpace(out), "\n")); n != 2 {
		t.Errorf("chat should use one session, got %q", out)
	}
}

func TestCLI_Config(t *testing.T) {
	dir := isolate(t)

	if _, err := run(t, dir, "", "config", "set", "openai_api_key", "sk-1234567890abcdef"); err != nil {
		t.Fatalf("config set failed: %v", err)
	}
	out, err := run(t, dir, "", "config", "get", "openai_api_key")
	if err != nil {
		t.Fatalf("config get failed: %v", err)
	}
	if strings.TrimSpace(out) != "sk-1...cdef" {
		t.Errorf("expected masked key, got %q", out)
	}

	out, _ = run(t, dir, "", "config", "get", "missing_key")
	if strings.TrimSpace(out) != "(not set)" {
		t.Errorf("expected (not set), got %q", out)
	}
}

func TestCLI_UnknownProvider(t *testing.T) {
	dir := isolate(t)
	if _, err := run(t, dir, "", "ask", "--provider", "hal9000", "hi"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestPrintResult(t *testing.T) {
	res := &agent.Result{
		Answer: "5",
		Trace: agent.Trace{
			{
				Decision: planner.CallTool("add", map[string]any{"a": 2, "b": 3}),
				Result:   &tools.Result{Tool: "add", Status: tools.StatusOK, Payload: int64(5)},
			},
			{Decision: planner.Respond("5")},
		},
	}
	var buf bytes.Buffer
	if err := printResult(&buf, res, false, true); err != nil {
		t.Fatal(err)
	}
	want := "[1] call_tool(add) -> ok: 5\n[2] respond(\"5\")\n5\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}
