// Package ui receives progress updates from the agent loop.
package ui

import (
	"fmt"
	"io"
	"sync"
)

type UI interface {
	UpdateStatus(status string)
	UpdateStep(step, max int)
	Log(msg string)
}

type SilentUI struct{}

func (s SilentUI) UpdateStatus(status string) {}
func (s SilentUI) UpdateStep(step, max int)   {}
func (s SilentUI) Log(msg string)             {}

// LineUI prints progress as plain lines, for terminals without a TUI.
type LineUI struct {
	mu  sync.Mutex
	out io.Writer
}

func NewLineUI(out io.Writer) *LineUI {
	return &LineUI{out: out}
}

func (l *LineUI) UpdateStatus(status string) {
	l.printf("status: %s\n", status)
}

func (l *LineUI) UpdateStep(step, max int) {
	l.printf("step %d/%d\n", step, max)
}

func (l *LineUI) Log(msg string) {
	l.printf("%s\n", msg)
}

func (l *LineUI) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, format, args...)
}
