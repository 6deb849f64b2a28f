package generate

import (
	"log/slog"

	"github.com/richinsley/comfypanel/format"
)

// promptLogLength is how much of a prompt the default image log line shows
const promptLogLength = 60

// Handlers defines optional callback functions for following a generation job.
// All handlers are optional - only provide handlers for the events you care about.
// Handlers run on the goroutine driving the job and must not call back into the Panel
// while it is mid-update; they receive copies.
type Handlers struct {
	// OnStateChange is called whenever the panel moves to a new state
	OnStateChange func(Status)

	// OnProgress is called with the progress estimate, 0-100
	OnProgress func(int)

	// OnImage is called for every image added to the result list
	OnImage func(ImageRecord)

	// OnError is called when a job ends without success, including validation failures
	OnError func(error)
}

// DefaultHandlers returns Handlers that log state changes, images and errors.
// Progress is not logged; add your own if needed.
func DefaultHandlers() *Handlers {
	return &Handlers{
		OnStateChange: func(s Status) {
			slog.Info("Generation state", "state", s.State, "prompt_id", s.PromptID, "message", s.Message)
		},
		OnImage: func(r ImageRecord) {
			slog.Info("Image ready", "filename", r.Filename, "prompt", format.Truncate(r.Prompt, promptLogLength), "url", r.URL)
		},
		OnError: func(err error) {
			slog.Error("Generation failed", "error", err)
		},
	}
}

// WithStateChangeHandler adds a state change handler (builder pattern)
func (h *Handlers) WithStateChangeHandler(fn func(Status)) *Handlers {
	h.OnStateChange = fn
	return h
}

// WithProgressHandler adds a progress handler (builder pattern)
func (h *Handlers) WithProgressHandler(fn func(int)) *Handlers {
	h.OnProgress = fn
	return h
}

// WithImageHandler adds an image handler (builder pattern)
func (h *Handlers) WithImageHandler(fn func(ImageRecord)) *Handlers {
	h.OnImage = fn
	return h
}

// WithErrorHandler adds an error handler (builder pattern)
func (h *Handlers) WithErrorHandler(fn func(error)) *Handlers {
	h.OnError = fn
	return h
}

func (h *Handlers) stateChanged(s Status) {
	if h != nil && h.OnStateChange != nil {
		h.OnStateChange(s)
	}
}

func (h *Handlers) progress(v int) {
	if h != nil && h.OnProgress != nil {
		h.OnProgress(v)
	}
}

func (h *Handlers) image(r ImageRecord) {
	if h != nil && h.OnImage != nil {
		h.OnImage(r)
	}
}

func (h *Handlers) failed(err error) {
	if h != nil && h.OnError != nil {
		h.OnError(err)
	}
}
