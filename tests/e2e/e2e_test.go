package e2e

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func buildBinary(t *testing.T) string {
	t.Helper()
	rootDir, _ := filepath.Abs("../../")
	binPath := filepath.Join(t.TempDir(), "noetik_e2e")

	buildCmd := exec.Command("go", "build", "-o", binPath, "github.com/felixgeelhaar/noetik/cmd/noetik")
	buildCmd.Dir = rootDir
	if out, err := buildCmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build noetik: %v\n%s", err, out)
	}
	return binPath
}

func TestE2E_AskStub(t *testing.T) {
	binPath := buildBinary(t)

	// A fresh HOME keeps the run away from the real ~/.noetik.
	home := t.TempDir()
	env := append(os.Environ(), "HOME="+home)

	runCmd := exec.Command(binPath, "ask", "--provider=stub", "What is the capital of France?")
	runCmd.Env = env
	var stderr strings.Builder
	runCmd.Stderr = &stderr
	output, err := runCmd.Output()
	t.Logf("stderr:\n%s", stderr.String())
	if err != nil {
		t.Fatalf("noetik ask failed: %v", err)
	}

	// The stub planner echoes the message through the echo tool and answers
	// with the observation.
	if got := strings.TrimSpace(string(output)); got != "What is the capital of France?" {
		t.Errorf("unexpected answer %q", got)
	}

	dataDir := filepath.Join(home, ".noetik")
	if _, err := os.Stat(filepath.Join(dataDir, "noetik.db")); os.IsNotExist(err) {
		t.Error("noetik.db not created")
	}
	traces, _ := filepath.Glob(filepath.Join(dataDir, "artifacts", "traces", "*", "*.json"))
	if len(traces) != 1 {
		t.Errorf("expected one persisted trace, got %v", traces)
	}

	listCmd := exec.Command(binPath, "sessions", "list")
	listCmd.Env = env
	out, err := listCmd.Output()
	if err != nil {
		t.Fatalf("noetik sessions list failed: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(string(out)), "\n"); len(lines) != 2 {
		t.Errorf("expected one session, got:\n%s", out)
	}
}
