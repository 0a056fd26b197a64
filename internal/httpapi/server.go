package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/example/convertd/api-go/internal/blob"
	"github.com/example/convertd/api-go/internal/formats"
	"github.com/example/convertd/api-go/internal/model"
	"github.com/example/convertd/api-go/internal/notify"
	"github.com/example/convertd/api-go/internal/orchestrator"
	"github.com/example/convertd/api-go/internal/store"
)

// OutputPrefix is the blob key prefix converters write under. Files below it
// are public at /output/<name>.
const OutputPrefix = "output"

// Quota is the orchestrator's quota plus the usage figure reported to users.
type Quota interface {
	orchestrator.Quota
	Used(userID string) int
}

type Server struct {
	Blobs        blob.LocalFS
	Jobs         store.Store
	Orchestrator *orchestrator.Orchestrator
	Quota        Quota
	Hub          *notify.Hub // optional; /ws is not mounted without it

	BaseURL        string // optional, for generating absolute download URLs
	MaxUploadBytes int64
	UserHeader     string
	DefaultUser    string
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(s.cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/formats", s.handleFormats)
	r.Get("/output/*", s.handleOutput)

	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)
		r.Get("/remaining-conversions", s.handleRemaining)
		r.Post("/conversions", s.handleCreateConversion)
		r.Get("/conversions", s.handleListConversions)
		r.Get("/conversions/{jobId}", s.handleGetConversion)
		r.Get("/conversions/{jobId}/download", s.handleDownload)
		if s.Hub != nil {
			r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
				s.Hub.ServeWS(w, r, userFrom(r))
			})
		}
	})

	return r
}

func (s Server) cors(next http.Handler) http.Handler {
	allowHeaders := "Content-Type, " + s.userHeader()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s Server) handleCreateConversion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFrom(r)

	if s.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		if tooLarge(err) {
			writeErr(w, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", s.MaxUploadBytes))
			return
		}
		writeErr(w, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, errors.New("No file provided"))
		return
	}
	defer file.Close()

	target := strings.TrimSpace(r.FormValue("targetFormat"))
	if target == "" {
		target = strings.TrimSpace(r.FormValue("outputFormat"))
	}
	if target == "" {
		writeErr(w, http.StatusBadRequest, errors.New("missing targetFormat"))
		return
	}
	var hint formats.Family
	if raw := strings.TrimSpace(r.FormValue("family")); raw != "" {
		f, ok := formats.ParseFamily(raw)
		if !ok {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("unknown family: %s", raw))
			return
		}
		hint = f
	}

	name := filepath.Base(filepath.Clean("/" + header.Filename))
	if name == "/" || name == "." {
		name = "input"
	}
	key := path.Join("uploads", uuid.NewString(), name)
	inputPath, err := s.Blobs.Put(key, file)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("store upload: %w", err))
		return
	}

	job, err := s.Orchestrator.Submit(ctx, orchestrator.Submission{
		UserID:       user,
		InputFile:    inputPath,
		InputFormat:  strings.TrimPrefix(filepath.Ext(name), "."),
		TargetFormat: target,
		Family:       hint,
	})
	if err != nil {
		_ = s.Blobs.Remove(key)
		switch {
		case errors.Is(err, orchestrator.ErrQuotaExceeded):
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error":                "Free conversion limit reached",
				"remainingConversions": 0,
			})
		case errors.Is(err, formats.ErrUnsupportedFormat):
			writeErr(w, http.StatusBadRequest, err)
		case errors.Is(err, orchestrator.ErrShuttingDown):
			writeErr(w, http.StatusServiceUnavailable, err)
		default:
			writeErr(w, http.StatusInternalServerError, err)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":                job.ID,
		"status":               job.Status,
		"remainingConversions": s.Quota.Remaining(user),
	})
}

// ownedJob loads a job and hides other users' jobs behind a 404.
func (s Server) ownedJob(w http.ResponseWriter, r *http.Request) (model.Job, bool) {
	job, err := s.Jobs.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeErr(w, http.StatusNotFound, errors.New("Job not found"))
		} else {
			writeErr(w, http.StatusInternalServerError, err)
		}
		return model.Job{}, false
	}
	if job.UserID != userFrom(r) {
		writeErr(w, http.StatusNotFound, errors.New("Job not found"))
		return model.Job{}, false
	}
	return job, true
}

func (s Server) handleGetConversion(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, JobResponse(job, s.BaseURL))
}

func (s Server) handleListConversions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter := store.Filter{UserID: userFrom(r)}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed := model.JobStatus(raw)
		if !parsed.Valid() {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid status: %s", raw))
			return
		}
		filter.Status = &parsed
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", raw))
			return
		}
		filter.Limit = value
	}

	jobs, err := s.Jobs.List(ctx, filter)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	resp := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, JobResponse(job, s.BaseURL))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if job.Status != model.JobCompleted || job.OutputFile == "" {
		writeErr(w, http.StatusNotFound, errors.New("File not found"))
		return
	}
	base := strings.TrimSuffix(filepath.Base(job.InputFile), filepath.Ext(job.InputFile))
	if base == "" || base == "." {
		base = "converted"
	}
	filename := base + "." + job.OutputFormat
	rel, err := filepath.Rel(s.Blobs.Root, job.OutputFile)
	if err != nil {
		writeErr(w, http.StatusNotFound, errors.New("File not found"))
		return
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	s.serveBlob(w, filepath.ToSlash(rel))
}

func (s Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	// Outputs are flat; nested keys would reach uploads.
	if name == "" || name != path.Base(name) {
		writeErr(w, http.StatusNotFound, errors.New("File not found"))
		return
	}
	s.serveBlob(w, path.Join(OutputPrefix, name))
}

func (s Server) handleRemaining(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"remainingConversions": s.Quota.Remaining(user),
		"usedConversions":      s.Quota.Used(user),
	})
}

func (s Server) handleFormats(w http.ResponseWriter, _ *http.Request) {
	resp := make(map[string]any, len(formats.Families()))
	for _, f := range formats.Families() {
		resp[string(f)] = map[string]any{
			"inputs":  formats.Inputs(f),
			"outputs": formats.Outputs(f),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// serveBlob streams a stored file with a sniffed content type, preferring the
// extension's type when sniffing is inconclusive. Keys escaping the blob root
// are reported as missing.
func (s Server) serveBlob(w http.ResponseWriter, key string) {
	if !s.Blobs.Exists(key) {
		writeErr(w, http.StatusNotFound, errors.New("File not found"))
		return
	}
	f, err := s.Blobs.Open(key)
	if err != nil {
		if errors.Is(err, blob.ErrInvalidPath) || errors.Is(err, os.ErrNotExist) {
			writeErr(w, http.StatusNotFound, errors.New("File not found"))
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	contentType := http.DetectContentType(buf[:n])
	if ext := path.Ext(key); ext != "" {
		if mimeType := mime.TypeByExtension(ext); mimeType != "" {
			if contentType == "application/octet-stream" || strings.HasPrefix(contentType, "text/plain") {
				contentType = mimeType
			}
		}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.Copy(w, f)
}

// JobResponse is the public view of a job. Server paths never leave the
// process; completed jobs expose a download URL instead.
func JobResponse(job model.Job, baseURL string) map[string]any {
	resp := map[string]any{
		"id":           job.ID,
		"status":       job.Status,
		"progress":     job.Progress,
		"family":       job.Family,
		"inputFormat":  job.InputFormat,
		"outputFormat": job.OutputFormat,
		"createdAt":    job.CreatedAt,
		"updatedAt":    job.UpdatedAt,
	}
	if job.StartedAt != nil {
		resp["startedAt"] = job.StartedAt.Format(time.RFC3339Nano)
	}
	if job.CompletedAt != nil {
		resp["completedAt"] = job.CompletedAt.Format(time.RFC3339Nano)
	}
	if job.OutputFile != "" {
		base := strings.TrimRight(baseURL, "/")
		resp["downloadUrl"] = fmt.Sprintf("%s/output/%s", base, filepath.Base(job.OutputFile))
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	return resp
}

func tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
