package generate

import "time"

// ImageRecord is one generated image as shown in the results list.
type ImageRecord struct {
	URL       string    `json:"url"`
	Filename  string    `json:"filename"`
	Subfolder string    `json:"subfolder"`
	Type      string    `json:"type"`
	Prompt    string    `json:"prompt"`
	ModelName string    `json:"model_name"`
	Seed      int64     `json:"seed"`
	PromptID  string    `json:"prompt_id"`
	CreatedAt time.Time `json:"created_at"`
	Timestamp string    `json:"timestamp"`
}

// State is where a Panel is in the lifecycle of a job.
type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StatePolling    State = "polling"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateTimedOut   State = "timed_out"
)

// Terminal is true for states a job ends in
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut
}

// Status is a snapshot of the panel for display.
type Status struct {
	State    State  `json:"state"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	PromptID string `json:"prompt_id,omitempty"`
	Model    string `json:"model,omitempty"`
	Busy     bool   `json:"busy"`
}
