package domain

import (
	"errors"
	"time"
)

// Progress is the streaming state of one execution, kept in memory for pollers.
type Progress struct {
	TaskID    string     `json:"task_id"`
	RunID     string     `json:"run_id"`
	Status    TaskStatus `json:"status"`
	Lines     []string   `json:"lines"`
	Completed bool       `json:"completed"`
	StartedAt time.Time  `json:"started_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Outcome is what one agent run produced.
type Outcome struct {
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// ErrorText is the text stored as the task error on failure. Non-zero exits
// keep the agent output; other failures describe what went wrong.
func (o Outcome) ErrorText() string {
	if o.Success {
		return ""
	}
	if o.Output != "" && !errors.Is(o.Err, ErrProcessTimeout) {
		return o.Output
	}
	if o.Err != nil {
		return o.Err.Error()
	}
	return "agent run failed"
}
