// Package server is the HTTP surface of the service: the webhook endpoint,
// the signed-upload mini-app API, the internal worker invoke, Prometheus
// metrics, and health probes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stenobot/steno/internal/health"
	"github.com/stenobot/steno/internal/objstore"
	"github.com/stenobot/steno/internal/observe"
	"github.com/stenobot/steno/internal/store"
	"github.com/stenobot/steno/internal/webauth"
	"github.com/stenobot/steno/internal/worker"
	"github.com/stenobot/steno/pkg/telegram"
)

// downloadExpiry covers the worker's fetch of an uploaded object, including
// queue wait time.
const downloadExpiry = 2 * time.Hour

// Bot handles webhook updates and dispatches jobs.
type Bot interface {
	HandleUpdate(ctx context.Context, u *telegram.Update) error
	Dispatch(ctx context.Context, jobID string)
}

// Runner executes jobs for the internal invoke endpoint.
type Runner interface {
	RunJob(ctx context.Context, jobID, route string) (worker.Outcome, error)
}

// Objects signs upload and download URLs.
type Objects interface {
	SignedPut(ctx context.Context, key string) (string, error)
	SignedGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Verifier authenticates mini-app init data.
type Verifier interface {
	Verify(initData string) (*webauth.Identity, error)
}

// Jobs persists jobs created by the upload API.
type Jobs interface {
	CreateJob(ctx context.Context, j store.Job) error
}

// Config identifies the running instance in the status endpoint.
type Config struct {
	ComponentID string
	Region      string
	Version     string
}

type Server struct {
	bot     Bot
	runner  Runner
	objects Objects
	auth    Verifier
	jobs    Jobs
	health  *health.Handler
	metrics *observe.Metrics
	cfg     Config
}

// Deps are the server's collaborators. Only Bot is strictly required; the
// upload API endpoints answer 503 when their dependencies are absent.
type Deps struct {
	Bot     Bot
	Runner  Runner
	Objects Objects
	Auth    Verifier
	Jobs    Jobs
	Health  *health.Handler
	Metrics *observe.Metrics
}

func New(deps Deps, cfg Config) *Server {
	m := deps.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	h := deps.Health
	if h == nil {
		h = health.New()
	}
	return &Server{
		bot:     deps.Bot,
		runner:  deps.Runner,
		objects: deps.Objects,
		auth:    deps.Auth,
		jobs:    deps.Jobs,
		health:  h,
		metrics: m,
		cfg:     cfg,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.instrument("/webhook", s.handleWebhook))
	mux.HandleFunc("GET /{$}", s.instrument("/status", s.handleStatus))
	mux.HandleFunc("GET /upload", s.instrument("/upload", s.handleUploadPage))
	mux.HandleFunc("POST /api/signed-url", s.instrument("/api/signed-url", s.handleSignedURL))
	mux.HandleFunc("POST /api/process", s.instrument("/api/process", s.handleProcess))
	mux.HandleFunc("POST /internal/run", s.instrument("/internal/run", s.handleInternalRun))
	mux.Handle("GET /metrics", promhttp.Handler())
	s.health.Register(mux)
	return mux
}

// instrument records request latency under a stable route label.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observe.StartSpan(r.Context(), r.Method+" "+route)
		defer span.End()
		r = r.WithContext(ctx)

		start := time.Now()
		next(w, r)
		s.metrics.HTTPRequestDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("route", route),
			))
	}
}

// handleWebhook accepts one platform update. The response is 200 with an ok
// body even when handling fails, so the platform does not endlessly retry
// updates that will never succeed; failures land in the log instead.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var u telegram.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "malformed update"})
		return
	}
	if err := s.bot.HandleUpdate(r.Context(), &u); err != nil {
		slog.Error("update handling failed", "update_id", u.UpdateID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": "processed"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"component": s.cfg.ComponentID,
		"region":    s.cfg.Region,
		"version":   s.cfg.Version,
		"time":      time.Now().UTC().Format(time.RFC3339),
	})
}

type signedURLRequest struct {
	Ext      string `json:"ext"`
	InitData string `json:"init_data"`
}

// handleSignedURL issues a presigned PUT for a direct browser upload.
func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	if s.objects == nil || s.auth == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "uploads disabled"})
		return
	}

	var req signedURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "malformed request"})
		return
	}
	id, err := s.auth.Verify(req.InitData)
	if err != nil {
		writeJSON(w, http.StatusForbidden, map[string]any{"ok": false, "error": "authentication failed"})
		return
	}

	key, err := objstore.NewKey(id.UserID, req.Ext)
	if err != nil {
		if errors.Is(err, objstore.ErrBadExtension) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "unsupported file type"})
			return
		}
		s.internalError(w, "key generation failed", err)
		return
	}
	putURL, err := s.objects.SignedPut(r.Context(), key)
	if err != nil {
		s.internalError(w, "presign failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "put_url": putURL, "oss_key": key})
}

type processRequest struct {
	OSSKey   string `json:"oss_key"`
	InitData string `json:"init_data"`
	Filename string `json:"filename"`
}

// handleProcess turns an uploaded object into a transcription job.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if s.objects == nil || s.auth == nil || s.jobs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "uploads disabled"})
		return
	}

	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "malformed request"})
		return
	}
	id, err := s.auth.Verify(req.InitData)
	if err != nil {
		writeJSON(w, http.StatusForbidden, map[string]any{"ok": false, "error": "authentication failed"})
		return
	}
	if !objstore.OwnedBy(req.OSSKey, id.UserID) {
		writeJSON(w, http.StatusForbidden, map[string]any{"ok": false, "error": "not your upload"})
		return
	}

	fileURL, err := s.objects.SignedGet(r.Context(), req.OSSKey, downloadExpiry)
	if err != nil {
		s.internalError(w, "presign failed", err)
		return
	}

	// The key basename is a fresh UUID per signed-url request, which makes
	// it a natural dedup-safe job id.
	jobID := strings.TrimSuffix(path.Base(req.OSSKey), path.Ext(req.OSSKey))
	j := store.Job{
		ID:       jobID,
		UserID:   id.UserID,
		ChatID:   id.UserID,
		FileURL:  fileURL,
		FileName: req.Filename,
		Status:   store.JobPending,
		TraceID:  observe.TraceID(r.Context()),
	}
	if err := s.jobs.CreateJob(r.Context(), j); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job_id": jobID})
			return
		}
		s.internalError(w, "job creation failed", err)
		return
	}
	s.bot.Dispatch(r.Context(), jobID)

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job_id": jobID})
}

type runRequest struct {
	JobID string `json:"job_id"`
}

// handleInternalRun is the direct-invoke target of the bot's dispatch. It
// acknowledges immediately and runs the job in the background; a queue
// message (if dispatch also enqueued) is absorbed by the dedup check.
func (s *Server) handleInternalRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "no worker"})
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "malformed request"})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := s.runner.RunJob(ctx, req.JobID, "async"); err != nil {
			slog.Error("invoked job failed", "job_id", req.JobID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}
