package generate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/richinsley/comfypanel/client"
	"github.com/richinsley/comfypanel/graphapi"
	"github.com/richinsley/comfypanel/metrics"
)

// Backend is the part of the ComfyUI client a Panel needs.
type Backend interface {
	ClientID() string
	QueuePrompt(ctx context.Context, prompt *graphapi.Prompt) (*client.QueueItem, error)
	GetQueue(ctx context.Context) (*client.QueueStatus, error)
	GetHistory(ctx context.Context, promptID string) (*client.HistoryEntry, bool, error)
	ImageURL(image client.DataOutput) string
}

// StatusChannel is implemented by backends that can push execution events.
type StatusChannel interface {
	ConnectStatusChannel(ctx context.Context) error
	StatusChannelConnected() bool
	Forget(promptID string)
}

const (
	// progressCap keeps the estimate below 100 until output is confirmed
	progressCap  = 95
	progressStep = 5
)

type PollConfig struct {
	Interval      time.Duration `yaml:"interval"`
	MaxAttempts   int           `yaml:"max_attempts"`
	GraceAttempts int           `yaml:"grace_attempts"`
}

func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval:      time.Second,
		MaxAttempts:   300,
		GraceAttempts: 10,
	}
}

// Awaiter waits for a queued prompt to finish, either from pushed status
// messages or by polling the queue and history endpoints.
type Awaiter struct {
	Backend    Backend
	Config     PollConfig
	OnProgress func(int)

	// Sleep waits between poll cycles; nil uses a timer honouring ctx
	Sleep func(ctx context.Context, d time.Duration) error

	progress int
}

// Await returns the history entry of a finished prompt. Items with a status
// channel are watched; others, and watched items whose channel drops, are polled.
func (a *Awaiter) Await(ctx context.Context, item *client.QueueItem) (*client.HistoryEntry, error) {
	if item.Watched() {
		return a.Watch(ctx, item)
	}
	return a.Poll(ctx, item.PromptID, a.Config.MaxAttempts)
}

// Poll checks the queue and the prompt's history once per Interval, for at
// most budget cycles.
func (a *Awaiter) Poll(ctx context.Context, promptID string, budget int) (*client.HistoryEntry, error) {
	for attempt := 1; attempt <= budget; attempt++ {
		if err := a.sleep(ctx, a.Config.Interval); err != nil {
			return nil, err
		}

		queue, queueErr := a.Backend.GetQueue(ctx)
		if queueErr != nil {
			slog.Debug("queue read failed, retrying next cycle", "prompt_id", promptID, "attempt", attempt, "error", queueErr)
		} else if !queue.Empty() {
			a.advance(a.progress + progressStep)
		}

		entry, found, err := a.Backend.GetHistory(ctx, promptID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.IncPollCycle("read_error")
			slog.Debug("history read failed, retrying next cycle", "prompt_id", promptID, "attempt", attempt, "error", err)
			continue
		}
		if found {
			metrics.IncPollCycle("complete")
			return finished(entry)
		}
		metrics.IncPollCycle("pending")

		// The backend forgot the prompt or dropped it without recording a
		// history entry. This is a guess: a slow history write looks the same.
		if queueErr == nil && attempt > a.Config.GraceAttempts && queue.Empty() {
			return nil, &JobFailedError{
				PromptID: promptID,
				Reason:   "backend queue is empty but no result was recorded",
				Inferred: true,
			}
		}
	}
	return nil, &TimeoutError{PromptID: promptID, Attempts: budget}
}

// Watch consumes pushed status messages for item. The overall wait is
// bounded by the same wall time the poll loop would take. Once the channel
// has been quiet for more than GraceAttempts intervals, each further interval
// checks the queue and history so a prompt dropped without an event still fails.
func (a *Awaiter) Watch(ctx context.Context, item *client.QueueItem) (*client.HistoryEntry, error) {
	start := time.Now()
	limit := a.Config.Interval * time.Duration(a.Config.MaxAttempts)
	deadline := time.NewTimer(limit)
	defer deadline.Stop()

	var tick <-chan time.Time
	if a.Config.Interval > 0 {
		ticker := time.NewTicker(a.Config.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	quiet := 0

	collected := make([]client.NodeOutput, 0)
	for {
		select {
		case <-ctx.Done():
			a.forget(item.PromptID)
			return nil, ctx.Err()
		case <-deadline.C:
			a.forget(item.PromptID)
			return nil, &TimeoutError{PromptID: item.PromptID, Attempts: a.Config.MaxAttempts}
		case <-tick:
			quiet++
			if quiet <= a.Config.GraceAttempts {
				continue
			}
			entry, done, err := a.checkDropped(ctx, item.PromptID)
			if done {
				a.forget(item.PromptID)
				return entry, err
			}
		case msg := <-item.Messages:
			quiet = 0
			switch msg.Type {
			case "started":
				a.advance(progressStep)
			case "progress":
				p := msg.ToPromptMessageProgress()
				if p.Max > 0 {
					a.advance(p.Value * progressCap / p.Max)
				}
			case "data":
				d := msg.ToPromptMessageData()
				collected = append(collected, client.NodeOutput{NodeID: d.NodeID, Data: d.Data})
			case "stopped":
				stopped := msg.ToPromptMessageStopped()
				if stopped.Exception != nil {
					return nil, &JobFailedError{
						PromptID: item.PromptID,
						Reason:   describeException(stopped.Exception),
					}
				}
				return a.collect(ctx, item.PromptID, collected, start)
			case "disconnected":
				remaining := a.remainingAttempts(start)
				slog.Warn("status channel lost, falling back to polling", "prompt_id", item.PromptID, "attempts_left", remaining)
				return a.Poll(ctx, item.PromptID, remaining)
			}
		}
	}
}

// checkDropped runs one poll cycle for a watched prompt. done reports whether
// the prompt reached a terminal state the channel never announced.
func (a *Awaiter) checkDropped(ctx context.Context, promptID string) (entry *client.HistoryEntry, done bool, err error) {
	queue, queueErr := a.Backend.GetQueue(ctx)
	if queueErr != nil {
		slog.Debug("queue read failed while watching", "prompt_id", promptID, "error", queueErr)
		return nil, false, nil
	}
	entry, found, err := a.Backend.GetHistory(ctx, promptID)
	if err != nil {
		slog.Debug("history read failed while watching", "prompt_id", promptID, "error", err)
		return nil, false, nil
	}
	if found {
		metrics.IncPollCycle("complete")
		entry, err = finished(entry)
		return entry, true, err
	}
	metrics.IncPollCycle("pending")
	if !queue.Empty() {
		return nil, false, nil
	}
	return nil, true, &JobFailedError{
		PromptID: promptID,
		Reason:   "backend queue is empty but no result was recorded",
		Inferred: true,
	}
}

// collect reads the history entry of a prompt the status channel reported
// as finished. Cached nodes do not push their outputs, so the history entry is
// preferred over what was collected from the channel.
func (a *Awaiter) collect(ctx context.Context, promptID string, collected []client.NodeOutput, start time.Time) (*client.HistoryEntry, error) {
	entry, found, err := a.Backend.GetHistory(ctx, promptID)
	if err == nil && found {
		return finished(entry)
	}
	if len(collected) > 0 {
		if err != nil {
			slog.Debug("history read failed, using pushed outputs", "prompt_id", promptID, "error", err)
		}
		return &client.HistoryEntry{
			PromptID: promptID,
			Outputs:  collected,
			Status:   client.HistoryStatus{StatusStr: "success", Completed: true},
		}, nil
	}
	// history not written yet; poll for it with what is left of the budget
	return a.Poll(ctx, promptID, a.remainingAttempts(start))
}

func (a *Awaiter) remainingAttempts(start time.Time) int {
	used := 0
	if a.Config.Interval > 0 {
		used = int(time.Since(start) / a.Config.Interval)
	}
	remaining := a.Config.MaxAttempts - used
	if remaining < 1 {
		remaining = 1
	}
	return remaining
}

func (a *Awaiter) forget(promptID string) {
	if sc, ok := a.Backend.(StatusChannel); ok {
		sc.Forget(promptID)
	}
}

func (a *Awaiter) advance(v int) {
	if v > progressCap {
		v = progressCap
	}
	if v <= a.progress {
		return
	}
	a.progress = v
	if a.OnProgress != nil {
		a.OnProgress(v)
	}
}

func (a *Awaiter) sleep(ctx context.Context, d time.Duration) error {
	if a.Sleep != nil {
		return a.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func finished(entry *client.HistoryEntry) (*client.HistoryEntry, error) {
	if entry.Status.Failed() {
		reason := entry.Status.ErrorMessage()
		if reason == "" {
			reason = "backend reported an execution error"
		}
		return nil, &JobFailedError{PromptID: entry.PromptID, Reason: reason}
	}
	return entry, nil
}

func describeException(e *client.PromptMessageStoppedException) string {
	switch {
	case e.ExceptionType != "" && e.ExceptionMessage != "":
		return fmt.Sprintf("%s: %s (node %s %s)", e.ExceptionType, e.ExceptionMessage, e.NodeID, e.NodeType)
	case e.ExceptionMessage != "":
		return e.ExceptionMessage
	}
	return "execution stopped"
}
