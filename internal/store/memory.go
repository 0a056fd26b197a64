package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/convertd/api-go/internal/model"
)

// Memory is the process-lifetime job table. The map lock only guards
// membership; each record carries its own lock so updates to one job are
// serialized without blocking updates to any other job.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*record
	now  func() time.Time
}

type record struct {
	mu  sync.Mutex
	job model.Job
}

func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]*record),
		now:  time.Now,
	}
}

func (m *Memory) Create(_ context.Context, job model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	m.jobs[job.ID] = &record{job: job}
	return nil
}

func (m *Memory) lookup(id string) (*record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.jobs[id]
	return r, ok
}

func (m *Memory) Get(_ context.Context, id string) (model.Job, error) {
	r, ok := m.lookup(id)
	if !ok {
		return model.Job{}, model.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job, nil
}

func (m *Memory) Update(_ context.Context, id string, patch model.JobPatch) (model.Job, error) {
	r, ok := m.lookup(id)
	if !ok {
		return model.Job{}, model.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next, err := r.job.Apply(patch, m.now())
	if err != nil {
		return r.job, err
	}
	r.job = next
	return next, nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]model.Job, error) {
	m.mu.RLock()
	records := make([]*record, 0, len(m.jobs))
	for _, r := range m.jobs {
		records = append(records, r)
	}
	m.mu.RUnlock()

	out := make([]model.Job, 0)
	for _, r := range records {
		r.mu.Lock()
		job := r.job
		r.mu.Unlock()
		if f.match(job) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := f.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteTerminalBefore evicts finished jobs last touched before cutoff.
func (m *Memory) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, r := range m.jobs {
		r.mu.Lock()
		stale := r.job.Status.Terminal() && r.job.UpdatedAt.Before(cutoff)
		r.mu.Unlock()
		if stale {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Close() error { return nil }
