package agent

import "time"

// Config bounds one invocation of the loop.
type Config struct {
	// MaxSteps is the number of plan/act cycles before the loop gives up
	// with FallbackAnswer.
	MaxSteps int `yaml:"max_steps" json:"max_steps"`
	// MaxPlannerRetries is how many times a rejected or failed planner call
	// is re-prompted within one step. Zero disables retries.
	MaxPlannerRetries int `yaml:"max_planner_retries" json:"max_planner_retries"`
	// PlannerTimeout bounds each planner call; zero means no bound.
	PlannerTimeout time.Duration `yaml:"planner_timeout" json:"planner_timeout"`
	// ToolTimeout bounds each tool call; zero means no bound.
	ToolTimeout time.Duration `yaml:"tool_timeout" json:"tool_timeout"`
	// HistoryWindow is how many recent turns the planner sees.
	HistoryWindow int `yaml:"history_window" json:"history_window"`
	// MemoryResults is how many vector-memory fragments are retrieved.
	MemoryResults int `yaml:"memory_results" json:"memory_results"`
	// ArchiveAnswers stores each answered exchange in vector memory.
	ArchiveAnswers bool `yaml:"archive_answers" json:"archive_answers"`

	FallbackAnswer string `yaml:"fallback_answer" json:"fallback_answer"`
	AbortAnswer    string `yaml:"abort_answer" json:"abort_answer"`
	CorrectionNote string `yaml:"correction_note" json:"correction_note"`
}

const (
	defaultFallbackAnswer = "I was unable to complete this request within the step limit."
	defaultAbortAnswer    = "Sorry, I could not work out how to proceed with this request."
	defaultCorrectionNote = `Your previous reply could not be used. Reply with exactly one JSON object {"tool": "<name>", "args": {...}} or a single line starting with "Answer:".`
)

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxSteps:          8,
		MaxPlannerRetries: 1,
		PlannerTimeout:    60 * time.Second,
		ToolTimeout:       30 * time.Second,
		HistoryWindow:     20,
		MemoryResults:     3,
		ArchiveAnswers:    true,
		FallbackAnswer:    defaultFallbackAnswer,
		AbortAnswer:       defaultAbortAnswer,
		CorrectionNote:    defaultCorrectionNote,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}
	if c.MaxPlannerRetries < 0 {
		c.MaxPlannerRetries = 0
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = d.HistoryWindow
	}
	if c.FallbackAnswer == "" {
		c.FallbackAnswer = d.FallbackAnswer
	}
	if c.AbortAnswer == "" {
		c.AbortAnswer = d.AbortAnswer
	}
	if c.CorrectionNote == "" {
		c.CorrectionNote = d.CorrectionNote
	}
	return c
}
