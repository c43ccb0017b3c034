package ui

import (
	"bytes"
	"testing"
)

func TestSilentUI(t *testing.T) {
	ui := SilentUI{}
	// Should not panic
	ui.UpdateStatus("test status")
	ui.UpdateStep(1, 8)
	ui.Log("")
}

func TestSilentUI_ImplementsInterface(t *testing.T) {
	var _ UI = SilentUI{}
	var _ UI = &SilentUI{}
	var _ UI = &LineUI{}
}

// MockUI records every update.
type MockUI struct {
	StatusUpdates []string
	StepUpdates   [][2]int
	LogMessages   []string
}

func (m *MockUI) UpdateStatus(status string) {
	m.StatusUpdates = append(m.StatusUpdates, status)
}

func (m *MockUI) UpdateStep(step, max int) {
	m.StepUpdates = append(m.StepUpdates, [2]int{step, max})
}

func (m *MockUI) Log(msg string) {
	m.LogMessages = append(m.LogMessages, msg)
}

func TestMockUI(t *testing.T) {
	ui := &MockUI{}

	ui.UpdateStatus("planning")
	ui.UpdateStep(1, 8)
	ui.UpdateStep(2, 8)
	ui.Log("message1")

	if len(ui.StatusUpdates) != 1 || ui.StatusUpdates[0] != "planning" {
		t.Errorf("unexpected status updates: %v", ui.StatusUpdates)
	}
	if len(ui.StepUpdates) != 2 || ui.StepUpdates[1] != [2]int{2, 8} {
		t.Errorf("unexpected step updates: %v", ui.StepUpdates)
	}
	if len(ui.LogMessages) != 1 {
		t.Errorf("expected 1 log message, got %d", len(ui.LogMessages))
	}
}

func TestLineUI(t *testing.T) {
	var buf bytes.Buffer
	ui := NewLineUI(&buf)

	ui.UpdateStatus("planning")
	ui.UpdateStep(3, 8)
	ui.Log("Step 3: calling add")

	want := "status: planning\nstep 3/8\nStep 3: calling add\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}
