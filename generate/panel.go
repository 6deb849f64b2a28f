package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator"
	"github.com/richinsley/comfypanel/format"
	"github.com/richinsley/comfypanel/graphapi"
	"github.com/richinsley/comfypanel/metrics"
)

// statusChannelTimeout bounds how long a submission waits for the push
// channel before falling back to polling.
const statusChannelTimeout = 5 * time.Second

// Request is a submission from the panel form.
type Request struct {
	ModelID string `json:"model_id" validate:"required"`
	graphapi.Params
}

type Options struct {
	Models   []graphapi.Model
	Poll     PollConfig
	Push     bool
	Handlers *Handlers
}

// Panel drives one generation job at a time against a backend and keeps the
// images it produced for the life of the process.
type Panel struct {
	backend  Backend
	models   []graphapi.Model
	byID     map[string]graphapi.Model
	poll     PollConfig
	push     bool
	handlers *Handlers
	validate *validator.Validate
	now      func() time.Time

	// sleep overrides the poll delay in tests
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	busy    bool
	status  Status
	results []ImageRecord
}

func NewPanel(backend Backend, opts Options) *Panel {
	models := opts.Models
	if len(models) == 0 {
		models = graphapi.DefaultModels()
	}
	poll := opts.Poll
	if poll.MaxAttempts <= 0 {
		poll = DefaultPollConfig()
	}
	p := &Panel{
		backend:  backend,
		models:   models,
		byID:     make(map[string]graphapi.Model, len(models)),
		poll:     poll,
		push:     opts.Push,
		handlers: opts.Handlers,
		validate: newValidator(),
		now:      time.Now,
		status:   Status{State: StateIdle},
		results:  make([]ImageRecord, 0),
	}
	for _, m := range models {
		p.byID[m.ID] = m
	}
	return p
}

// Models returns the catalog the form offers
func (p *Panel) Models() []graphapi.Model {
	retv := make([]graphapi.Model, len(p.models))
	copy(retv, p.models)
	return retv
}

// Status returns a snapshot of the current job state
func (p *Panel) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Results returns the generated images, newest job first
func (p *Panel) Results() []ImageRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	retv := make([]ImageRecord, len(p.results))
	copy(retv, p.results)
	return retv
}

// Validate checks a request without touching the backend.
func (p *Panel) Validate(req Request) (graphapi.Model, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return graphapi.Model{}, ErrEmptyPrompt
	}
	if err := p.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return graphapi.Model{}, fmt.Errorf("%w: %s", ErrInvalidParams, describeFieldError(verrs[0]))
		}
		return graphapi.Model{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	model, ok := p.byID[req.ModelID]
	if !ok {
		return graphapi.Model{}, fmt.Errorf("%w: %s", ErrUnknownModel, req.ModelID)
	}
	return model, nil
}

// Generate validates req, submits it and blocks until the job reaches a
// terminal state. It returns the images the job added to the result list.
func (p *Panel) Generate(ctx context.Context, req Request) ([]ImageRecord, error) {
	model, err := p.begin(req)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, model, req)
}

// Start validates req and, if the panel is free, runs the job in the
// background. Validation and busy errors are returned synchronously.
// ctx governs the background job and must outlive the call.
func (p *Panel) Start(ctx context.Context, req Request) error {
	model, err := p.begin(req)
	if err != nil {
		return err
	}
	go p.run(ctx, model, req)
	return nil
}

func (p *Panel) begin(req Request) (graphapi.Model, error) {
	model, err := p.Validate(req)

	p.mu.Lock()
	if p.busy {
		p.mu.Unlock()
		return graphapi.Model{}, ErrBusy
	}
	if err != nil {
		p.status = Status{State: StateIdle, Message: err.Error()}
		s := p.status
		p.mu.Unlock()
		metrics.ObserveJob(string(model.Family), "rejected", 0)
		p.handlers.stateChanged(s)
		p.handlers.failed(err)
		return graphapi.Model{}, err
	}
	p.busy = true
	p.status = Status{State: StateSubmitting, Model: model.Name, Busy: true}
	p.mu.Unlock()
	return model, nil
}

func (p *Panel) run(ctx context.Context, model graphapi.Model, req Request) ([]ImageRecord, error) {
	started := p.now()
	metrics.JobStarted()
	defer metrics.JobFinished()

	p.setStatus(Status{State: StateSubmitting, Model: model.Name, Busy: true})

	if p.push {
		p.connectStatusChannel(ctx)
	}

	prompt := graphapi.BuildPrompt(model, req.Params, p.backend.ClientID())
	seed := graphapi.SeedOf(prompt)
	item, err := p.backend.QueuePrompt(ctx, prompt)
	if err != nil {
		err = &SubmissionError{Err: err}
		p.finish(model, StateFailed, err, started)
		return nil, err
	}
	slog.Debug("prompt queued", "prompt_id", item.PromptID, "model", model.ID, "seed", seed, "watched", item.Watched())

	p.setStatus(Status{State: StatePolling, PromptID: item.PromptID, Model: model.Name, Busy: true})

	awaiter := &Awaiter{
		Backend:    p.backend,
		Config:     p.poll,
		OnProgress: p.setProgress,
		Sleep:      p.sleep,
	}
	entry, err := awaiter.Await(ctx, item)
	if err != nil {
		state := StateFailed
		if errors.Is(err, ErrTimeout) {
			state = StateTimedOut
		}
		p.finish(model, state, err, started)
		return nil, err
	}

	createdAt := p.now()
	images := entry.Images()
	records := make([]ImageRecord, 0, len(images))
	for _, img := range images {
		records = append(records, ImageRecord{
			URL:       p.backend.ImageURL(img),
			Filename:  img.Filename,
			Subfolder: img.Subfolder,
			Type:      img.Type,
			Prompt:    req.Prompt,
			ModelName: model.Name,
			Seed:      seed,
			PromptID:  item.PromptID,
			CreatedAt: createdAt,
			Timestamp: format.Timestamp(createdAt),
		})
	}

	message := fmt.Sprintf("Generated %d image(s)", len(records))
	if len(records) == 0 {
		message = "Job finished without image output"
	}

	p.mu.Lock()
	// newest job first; a job's own images keep the backend's order
	p.results = append(append(make([]ImageRecord, 0, len(records)+len(p.results)), records...), p.results...)
	// terminal states free the panel in the same step they are published
	p.status = Status{State: StateSucceeded, Progress: 100, Message: message, PromptID: item.PromptID, Model: model.Name}
	p.busy = false
	s := p.status
	p.mu.Unlock()

	metrics.AddImages(len(records))
	metrics.ObserveJob(string(model.Family), string(StateSucceeded), p.now().Sub(started))
	p.handlers.progress(100)
	for _, r := range records {
		p.handlers.image(r)
	}
	p.handlers.stateChanged(s)
	return records, nil
}

func (p *Panel) connectStatusChannel(ctx context.Context) {
	sc, ok := p.backend.(StatusChannel)
	if !ok || sc.StatusChannelConnected() {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, statusChannelTimeout)
	defer cancel()
	if err := sc.ConnectStatusChannel(cctx); err != nil {
		slog.Warn("status channel unavailable, polling instead", "error", err)
	}
}

func (p *Panel) setStatus(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
	p.handlers.stateChanged(s)
}

func (p *Panel) setProgress(v int) {
	p.mu.Lock()
	p.status.Progress = v
	p.mu.Unlock()
	p.handlers.progress(v)
}

func (p *Panel) finish(model graphapi.Model, state State, err error, started time.Time) {
	p.mu.Lock()
	p.status.State = state
	p.status.Message = err.Error()
	p.status.Busy = false
	p.busy = false
	s := p.status
	p.mu.Unlock()

	outcome := string(state)
	var subErr *SubmissionError
	if errors.As(err, &subErr) {
		outcome = "submit_failed"
	}
	metrics.ObserveJob(string(model.Family), outcome, p.now().Sub(started))
	p.handlers.stateChanged(s)
	p.handlers.failed(err)
}

// newValidator reports fields by their json names so messages match the form.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func describeFieldError(fe validator.FieldError) string {
	name := fe.Field()
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s", name, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", name, fe.Param())
	}
	return fmt.Sprintf("%s failed %s validation", name, fe.Tag())
}
