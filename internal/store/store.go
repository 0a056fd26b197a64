package store

import (
	"context"
	"time"

	"github.com/example/convertd/api-go/internal/model"
)

const (
	defaultListLimit = 25
	maxListLimit     = 100
)

// Store keeps job records. Get returns snapshots; callers never share a
// record with the store. Update merges a patch under Job.Apply rules and
// returns the resulting snapshot.
type Store interface {
	Create(ctx context.Context, job model.Job) error
	Get(ctx context.Context, id string) (model.Job, error)
	Update(ctx context.Context, id string, patch model.JobPatch) (model.Job, error)
	List(ctx context.Context, f Filter) ([]model.Job, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

type Filter struct {
	UserID string
	Status *model.JobStatus
	Limit  int
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	}
	return f.Limit
}

func (f Filter) match(job model.Job) bool {
	if f.UserID != "" && job.UserID != f.UserID {
		return false
	}
	if f.Status != nil && job.Status != *f.Status {
		return false
	}
	return true
}
