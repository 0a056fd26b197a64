// Package orchestrator admits conversion submissions and runs each accepted
// job in its own goroutine, recording every step in the job store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/example/convertd/api-go/internal/convert"
	"github.com/example/convertd/api-go/internal/formats"
	"github.com/example/convertd/api-go/internal/model"
	"github.com/example/convertd/api-go/internal/store"
)

var (
	ErrQuotaExceeded = errors.New("monthly conversion limit reached")
	ErrShuttingDown  = errors.New("orchestrator is shutting down")
)

// Quota gates and counts submissions per user.
type Quota interface {
	Allow(userID string) bool
	Remaining(userID string) int
	Increment(userID string)
}

type Submission struct {
	UserID       string
	InputFile    string
	InputFormat  string
	TargetFormat string
	// Family is an optional hint that settles ambiguous targets.
	Family formats.Family
}

type Options struct {
	// OutputDir receives converted files.
	OutputDir string
	// MaxConcurrent bounds running conversions; zero means unbounded.
	// Jobs over the bound stay pending until a slot frees up.
	MaxConcurrent int
	// OnUpdate sees every snapshot the store accepted, in order per job.
	OnUpdate func(model.Job)
	Logger   *slog.Logger
}

type task struct {
	done   chan struct{}
	cancel context.CancelFunc
}

type Orchestrator struct {
	jobs     store.Store
	quota    Quota
	registry *convert.Registry
	opts     Options
	log      *slog.Logger
	sem      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tasks   map[string]*task
	closing bool
	running sync.WaitGroup
}

func New(jobs store.Store, quota Quota, registry *convert.Registry, opts Options) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		jobs:     jobs,
		quota:    quota,
		registry: registry,
		opts:     opts,
		log:      opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[string]*task),
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if opts.MaxConcurrent > 0 {
		o.sem = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	return o
}

// Submit admits a conversion and returns the pending job right away. The
// quota is charged once the job exists, whatever the conversion outcome.
// Nothing is created or charged when admission fails. The quota check and
// the charge are separate steps, so concurrent submissions from a user at
// the edge of the limit can each pass the check and overshoot it by up to
// the number of racing requests.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (model.Job, error) {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return model.Job{}, ErrShuttingDown
	}
	o.running.Add(1)
	o.mu.Unlock()

	started := false
	defer func() {
		if !started {
			o.running.Done()
		}
	}()

	if !o.quota.Allow(sub.UserID) {
		return model.Job{}, ErrQuotaExceeded
	}

	input := formats.Normalize(sub.InputFormat)
	target := formats.Normalize(sub.TargetFormat)
	family, err := formats.Classify(input, target, sub.Family)
	if err != nil {
		return model.Job{}, err
	}
	conv, ok := o.registry.Lookup(family)
	if !ok {
		return model.Job{}, fmt.Errorf("%w: no converter for %s", formats.ErrUnsupportedFormat, family)
	}

	now := time.Now().UTC()
	job := model.Job{
		ID:           uuid.NewString(),
		UserID:       sub.UserID,
		Status:       model.JobPending,
		Progress:     0,
		Family:       string(family),
		InputFormat:  input,
		OutputFormat: target,
		InputFile:    sub.InputFile,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return model.Job{}, fmt.Errorf("create job: %w", err)
	}
	o.quota.Increment(sub.UserID)
	o.notify(job)

	taskCtx, cancel := context.WithCancel(o.ctx)
	t := &task{done: make(chan struct{}), cancel: cancel}
	o.mu.Lock()
	o.tasks[job.ID] = t
	o.mu.Unlock()

	started = true
	go o.run(taskCtx, t, job, conv)

	return job, nil
}

func (o *Orchestrator) run(ctx context.Context, t *task, job model.Job, conv convert.Converter) {
	log := o.log.With("jobId", job.ID, "family", job.Family)
	defer func() {
		t.cancel()
		o.mu.Lock()
		delete(o.tasks, job.ID)
		o.mu.Unlock()
		close(t.done)
		o.running.Done()
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error("converter panicked", "panic", r)
			o.update(ctx, log, job.ID, model.FailedPatch(fmt.Sprintf("converter panicked: %v", r)))
		}
	}()

	if o.sem != nil {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			o.update(ctx, log, job.ID, model.FailedPatch(err.Error()))
			return
		}
		defer o.sem.Release(1)
	}

	if !o.update(ctx, log, job.ID, model.StatusPatch(model.JobProcessing)) {
		return
	}
	log.Info("conversion started", "input", job.InputFormat, "output", job.OutputFormat)
	begin := time.Now()

	out, err := conv.Convert(ctx, convert.Request{
		InputPath:    job.InputFile,
		InputFormat:  job.InputFormat,
		OutputFormat: job.OutputFormat,
		OutputDir:    o.opts.OutputDir,
		Progress: func(p int) {
			o.update(ctx, log, job.ID, model.ProgressPatch(p))
		},
	})
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = "conversion failed"
		}
		log.Warn("conversion failed", "error", err, "elapsed", time.Since(begin))
		o.update(ctx, log, job.ID, model.FailedPatch(msg))
		return
	}
	if o.update(ctx, log, job.ID, model.CompletedPatch(out)) {
		log.Info("conversion completed", "output", out, "elapsed", time.Since(begin))
	}
}

// update writes a patch and reports whether the store accepted it. Store
// writes outlive cancellation so a cancelled job can still record failure.
func (o *Orchestrator) update(ctx context.Context, log *slog.Logger, id string, patch model.JobPatch) bool {
	job, err := o.jobs.Update(context.WithoutCancel(ctx), id, patch)
	if err != nil {
		if errors.Is(err, model.ErrTerminal) {
			log.Debug("late update ignored", "error", err)
		} else {
			log.Error("update job", "error", err)
		}
		return false
	}
	o.notify(job)
	return true
}

func (o *Orchestrator) notify(job model.Job) {
	if o.opts.OnUpdate != nil {
		o.opts.OnUpdate(job)
	}
}

// Wait blocks until the background work for id has settled. Unknown and
// finished ids return immediately.
func (o *Orchestrator) Wait(ctx context.Context, id string) error {
	o.mu.Lock()
	t, ok := o.tasks[id]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cancelWait bounds how long Shutdown waits for cancelled jobs to record
// their failure once its own deadline has passed.
const cancelWait = 5 * time.Second

// Shutdown stops admitting jobs and waits for running ones. If ctx expires
// first the remaining jobs are cancelled, and Shutdown waits up to cancelWait
// for them to be stored as failed before returning the context error.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		select {
		case <-done:
		case <-time.After(cancelWait):
			o.log.Warn("cancelled conversions still running after shutdown")
		}
		return ctx.Err()
	}
}

// RunJanitor deletes terminal jobs idle for longer than ttl every interval
// until ctx is done. A non-positive ttl or interval disables it.
func (o *Orchestrator) RunJanitor(ctx context.Context, interval, ttl time.Duration) error {
	if interval <= 0 || ttl <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := o.jobs.DeleteTerminalBefore(ctx, now.Add(-ttl))
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				o.log.Error("janitor sweep", "error", err)
				continue
			}
			if n > 0 {
				o.log.Info("janitor removed expired jobs", "count", n)
			}
		}
	}
}
