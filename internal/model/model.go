package model

import (
	"errors"
	"fmt"
	"time"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrTerminal          = errors.New("job already finished")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobProcessing, JobCompleted, JobFailed:
		return true
	}
	return false
}

func (s JobStatus) rank() int {
	switch s {
	case JobPending:
		return 0
	case JobProcessing:
		return 1
	case JobCompleted, JobFailed:
		return 2
	}
	return -1
}

// Job represents a conversion job record in the job store.
//
// - InputFile is a handle to the staged upload; the job never deletes it.
// - OutputFile is set exactly once, when the job completes.
// - Error is set exactly once, when the job fails.
type Job struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"`
	Family       string     `json:"family"`
	InputFormat  string     `json:"inputFormat"`
	OutputFormat string     `json:"outputFormat"`
	InputFile    string     `json:"inputFile"`
	OutputFile   string     `json:"outputFile,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// JobPatch is used for partial updates.
type JobPatch struct {
	Status     *JobStatus
	Progress   *int
	OutputFile *string
	Error      *string
}

// Apply merges p into j and returns the result. It is the only place the
// job lifecycle rules live; every store backend goes through it.
//
// Terminal jobs reject all patches. Progress never moves backwards and is
// clamped to [0, 100]. OutputFile is only accepted together with a move to
// completed, Error only together with a move to failed.
func (j Job) Apply(p JobPatch, now time.Time) (Job, error) {
	if j.Status.Terminal() {
		return j, ErrTerminal
	}

	next := j.Status
	if p.Status != nil {
		next = *p.Status
		if !next.Valid() || next.rank() < j.Status.rank() {
			return j, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
		}
	}

	switch next {
	case JobCompleted:
		if p.OutputFile == nil || *p.OutputFile == "" {
			return j, fmt.Errorf("%w: completed without output file", ErrInvalidTransition)
		}
	case JobFailed:
		if p.Error == nil || *p.Error == "" {
			return j, fmt.Errorf("%w: failed without error message", ErrInvalidTransition)
		}
	}
	if p.OutputFile != nil && next != JobCompleted {
		return j, fmt.Errorf("%w: output file on %s job", ErrInvalidTransition, next)
	}
	if p.Error != nil && next != JobFailed {
		return j, fmt.Errorf("%w: error on %s job", ErrInvalidTransition, next)
	}

	out := j
	if p.Progress != nil {
		out.Progress = max(out.Progress, clampProgress(*p.Progress))
	}
	if next != j.Status {
		out.Status = next
		switch {
		case next == JobProcessing:
			out.StartedAt = &now
		case next.Terminal():
			if out.StartedAt == nil {
				out.StartedAt = &now
			}
			out.CompletedAt = &now
		}
	}
	if next == JobCompleted {
		out.OutputFile = *p.OutputFile
		out.Progress = 100
	}
	if next == JobFailed {
		out.Error = *p.Error
	}
	out.UpdatedAt = now
	return out, nil
}

func clampProgress(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Patch helpers keep call sites short.

func StatusPatch(s JobStatus) JobPatch {
	return JobPatch{Status: &s}
}

func ProgressPatch(p int) JobPatch {
	return JobPatch{Progress: &p}
}

func CompletedPatch(outputFile string) JobPatch {
	s := JobCompleted
	return JobPatch{Status: &s, OutputFile: &outputFile}
}

func FailedPatch(msg string) JobPatch {
	s := JobFailed
	return JobPatch{Status: &s, Error: &msg}
}
