package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/example/convertd/api-go/internal/model"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			s, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func newJob(id, user string, created time.Time) model.Job {
	return model.Job{
		ID:           id,
		UserID:       user,
		Status:       model.JobPending,
		Family:       "document",
		InputFormat:  "txt",
		OutputFormat: "pdf",
		InputFile:    "/uploads/" + id + ".txt",
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func TestStoreContract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			now := time.Now()

			if err := s.Create(ctx, newJob("a", "u1", now)); err != nil {
				t.Fatalf("create: %v", err)
			}

			got, err := s.Get(ctx, "a")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != model.JobPending || got.Progress != 0 || got.InputFormat != "txt" {
				t.Fatalf("unexpected job: %+v", got)
			}

			if _, err := s.Get(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
				t.Fatalf("get missing: %v", err)
			}
			if _, err := s.Update(ctx, "missing", model.ProgressPatch(5)); !errors.Is(err, model.ErrNotFound) {
				t.Fatalf("update missing: %v", err)
			}

			if _, err := s.Update(ctx, "a", model.StatusPatch(model.JobProcessing)); err != nil {
				t.Fatalf("processing: %v", err)
			}
			if _, err := s.Update(ctx, "a", model.ProgressPatch(60)); err != nil {
				t.Fatalf("progress: %v", err)
			}
			done, err := s.Update(ctx, "a", model.CompletedPatch("/out/a.pdf"))
			if err != nil {
				t.Fatalf("complete: %v", err)
			}
			if done.Progress != 100 || done.OutputFile != "/out/a.pdf" {
				t.Fatalf("unexpected completed job: %+v", done)
			}

			if _, err := s.Update(ctx, "a", model.FailedPatch("late")); !errors.Is(err, model.ErrTerminal) {
				t.Fatalf("update after terminal: %v", err)
			}
			got, err = s.Get(ctx, "a")
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != model.JobCompleted || got.Error != "" || got.CompletedAt == nil {
				t.Fatalf("terminal job changed: %+v", got)
			}
		})
	}
}

func TestStoreList(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			base := time.Now()

			for i := 0; i < 5; i++ {
				user := "u1"
				if i%2 == 1 {
					user = "u2"
				}
				if err := s.Create(ctx, newJob(fmt.Sprintf("j%d", i), user, base.Add(time.Duration(i)*time.Second))); err != nil {
					t.Fatal(err)
				}
			}
			if _, err := s.Update(ctx, "j4", model.StatusPatch(model.JobProcessing)); err != nil {
				t.Fatal(err)
			}

			jobs, err := s.List(ctx, Filter{UserID: "u1"})
			if err != nil {
				t.Fatal(err)
			}
			if len(jobs) != 3 || jobs[0].ID != "j4" || jobs[2].ID != "j0" {
				t.Fatalf("list u1 = %v", ids(jobs))
			}

			processing := model.JobProcessing
			jobs, err = s.List(ctx, Filter{UserID: "u1", Status: &processing})
			if err != nil {
				t.Fatal(err)
			}
			if len(jobs) != 1 || jobs[0].ID != "j4" {
				t.Fatalf("list processing = %v", ids(jobs))
			}

			jobs, err = s.List(ctx, Filter{Limit: 2})
			if err != nil {
				t.Fatal(err)
			}
			if len(jobs) != 2 {
				t.Fatalf("limit ignored: %v", ids(jobs))
			}
		})
	}
}

func TestStoreDeleteTerminalBefore(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			now := time.Now()

			for _, id := range []string{"done", "failed", "running"} {
				if err := s.Create(ctx, newJob(id, "u", now)); err != nil {
					t.Fatal(err)
				}
			}
			if _, err := s.Update(ctx, "done", model.CompletedPatch("/out/done.pdf")); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Update(ctx, "failed", model.FailedPatch("nope")); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Update(ctx, "running", model.StatusPatch(model.JobProcessing)); err != nil {
				t.Fatal(err)
			}

			n, err := s.DeleteTerminalBefore(ctx, time.Now().Add(time.Minute))
			if err != nil {
				t.Fatal(err)
			}
			if n != 2 {
				t.Fatalf("deleted %d, want 2", n)
			}
			if _, err := s.Get(ctx, "done"); !errors.Is(err, model.ErrNotFound) {
				t.Fatalf("completed job survived: %v", err)
			}
			if _, err := s.Get(ctx, "running"); err != nil {
				t.Fatalf("running job evicted: %v", err)
			}
		})
	}
}

func TestMemoryConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	const jobs = 20
	for i := 0; i < jobs; i++ {
		if err := s.Create(ctx, newJob(fmt.Sprintf("j%d", i), "u", time.Now())); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		id := fmt.Sprintf("j%d", i)
		for p := 1; p <= 50; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				_, _ = s.Update(ctx, id, model.ProgressPatch(p*2))
			}(p)
		}
	}
	wg.Wait()

	for i := 0; i < jobs; i++ {
		job, err := s.Get(ctx, fmt.Sprintf("j%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if job.Progress != 100 {
			t.Fatalf("job %s progress = %d, want 100", job.ID, job.Progress)
		}
	}
}

func TestSQLiteReopenFailsInterruptedJobs(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	created := time.Now()
	for _, id := range []string{"waiting", "running", "done"} {
		if err := s.Create(ctx, newJob(id, "u1", created)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Update(ctx, "running", model.StatusPatch(model.JobProcessing)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update(ctx, "done", model.CompletedPatch("/out/done.pdf")); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	for _, id := range []string{"waiting", "running"} {
		job, err := s.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if job.Status != model.JobFailed || job.Error != InterruptedMessage || job.CompletedAt == nil {
			t.Fatalf("%s after restart = %+v", id, job)
		}
		if _, err := s.Update(ctx, id, model.ProgressPatch(50)); !errors.Is(err, model.ErrTerminal) {
			t.Fatalf("%s accepted an update after restart: %v", id, err)
		}
	}
	done, err := s.Get(ctx, "done")
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != model.JobCompleted || done.Error != "" {
		t.Fatalf("completed job touched on restart: %+v", done)
	}
}

func TestSQLiteTimesAreUTC(t *testing.T) {
	ctx := context.Background()
	s := backends(t)["sqlite"](t)
	local := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("UTC+5", 5*3600))
	if err := s.Create(ctx, newJob("a", "u1", local)); err != nil {
		t.Fatal(err)
	}
	job, err := s.Update(ctx, "a", model.StatusPatch(model.JobProcessing))
	if err != nil {
		t.Fatal(err)
	}
	job, err = s.Get(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.CreatedAt.Location() != time.UTC || job.UpdatedAt.Location() != time.UTC || job.StartedAt.Location() != time.UTC {
		t.Fatalf("times not in UTC: created %v updated %v started %v", job.CreatedAt, job.UpdatedAt, job.StartedAt)
	}
	if !job.CreatedAt.Equal(local) {
		t.Fatalf("created = %v, want %v", job.CreatedAt, local)
	}
}

func ids(jobs []model.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}
