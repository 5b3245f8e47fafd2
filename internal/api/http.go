// Package api exposes the orchestrator over HTTP and MCP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/scrape-orchestrator/internal/model"
	"github.com/sells-group/scrape-orchestrator/internal/orchestrator"
	"github.com/sells-group/scrape-orchestrator/internal/progress"
	"github.com/sells-group/scrape-orchestrator/internal/resilience"
	"github.com/sells-group/scrape-orchestrator/internal/scheduler"
	"github.com/sells-group/scrape-orchestrator/internal/session"
	"github.com/sells-group/scrape-orchestrator/internal/store"
	"github.com/sells-group/scrape-orchestrator/internal/tools"
)

const maxRequestBody = 1 << 20

// Deps holds what the API surfaces need.
type Deps struct {
	Orch     *orchestrator.Orchestrator
	Bus      *progress.Bus
	Sessions *session.Manager
	Sched    *scheduler.Scheduler
	Store    store.Store
	Registry *tools.Registry
}

// SubmitRequest is the body of POST /requests.
type SubmitRequest struct {
	ExternalKey string         `json:"external_key"`
	MessageID   string         `json:"message_id,omitempty"`
	Text        string         `json:"text"`
	Context     map[string]any `json:"context,omitempty"`
}

// SubmitResponse summarizes the pipeline decision for one request.
type SubmitResponse struct {
	SessionID          string          `json:"session_id"`
	PrimaryIntent      string          `json:"primary_intent"`
	Confidence         float64         `json:"confidence"`
	NeedsClarification bool            `json:"needs_clarification"`
	Reasoning          string          `json:"reasoning,omitempty"`
	Strategy           string          `json:"strategy,omitempty"`
	Tool               string          `json:"tool,omitempty"`
	PatternID          string          `json:"pattern_id,omitempty"`
	Job                *model.Job      `json:"job,omitempty"`
}

// NewHandler builds the HTTP API router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/requests", handleSubmit(deps))
	r.Get("/jobs/{id}", handleJobStatus(deps))
	r.Delete("/jobs/{id}", handleCancel(deps))
	r.Get("/jobs/{id}/stream", handleStream(deps))
	r.Get("/patterns", handleListPatterns(deps))
	r.Get("/tools", handleListTools(deps))
	r.Get("/analyses/{id}", handleGetAnalysis(deps))
	r.Get("/stats", handleStats(deps))

	return r
}

func handleSubmit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		defer r.Body.Close()

		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if req.ExternalKey == "" {
			httpError(w, http.StatusBadRequest, "external_key is required")
			return
		}
		if req.Text == "" {
			httpError(w, http.StatusBadRequest, "text is required")
			return
		}

		dec, err := deps.Orch.Handle(r.Context(), orchestrator.Request{
			ExternalKey: req.ExternalKey,
			MessageID:   req.MessageID,
			Text:        req.Text,
			Context:     req.Context,
		})
		if err != nil {
			var verr *resilience.ValidationError
			if errors.As(err, &verr) {
				httpError(w, http.StatusUnprocessableEntity, "%s", verr.Error())
				return
			}
			zap.L().Error("request handling failed", zap.Error(err))
			httpError(w, http.StatusInternalServerError, "request handling failed")
			return
		}

		resp := SubmitResponse{
			SessionID:          dec.Session.ID,
			PrimaryIntent:      dec.Intent.PrimaryIntent,
			Confidence:         dec.Intent.Confidence,
			NeedsClarification: dec.Intent.NeedsClarification,
			Reasoning:          dec.Intent.Reasoning,
			Job:                dec.Job,
		}
		if dec.Selection != nil {
			resp.Strategy = string(dec.Selection.Strategy)
			resp.Tool = dec.Selection.PrimaryTool
		}
		if dec.Match != nil {
			resp.PatternID = dec.Match.Pattern.ID
		}

		status := http.StatusAccepted
		if dec.Job == nil {
			status = http.StatusOK
		}
		writeJSON(w, status, resp)
	}
}

func handleJobStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		status, err := deps.Orch.JobStatus(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusNotFound, "job not found")
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func handleCancel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		cancelled, err := deps.Orch.Cancel(r.Context(), id)
		if err != nil {
			zap.L().Error("cancel failed", zap.String("job_id", id), zap.Error(err))
			httpError(w, http.StatusInternalServerError, "cancel failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
	}
}

// handleStream replays a job's event history and then streams live events as
// SSE until the job reaches a terminal event or the client disconnects.
func handleStream(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		events, unsubscribe := deps.Bus.Subscribe(id)
		defer unsubscribe()

		history, err := deps.Bus.History(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusNotFound, "job not found")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		send := func(ev model.ProgressEvent) bool {
			payload, err := json.Marshal(ev)
			if err != nil {
				return false
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			return ev.Type != model.EventCompleted && ev.Type != model.EventFailed
		}

		for _, ev := range history {
			if !send(ev) {
				return
			}
		}
		for {
			select {
			case <-r.Context().Done():
				return
			case ev, open := <-events:
				if !open {
					return
				}
				if !send(ev) {
					return
				}
			}
		}
	}
}

func handleListPatterns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patterns, err := deps.Orch.ListPatterns(r.Context(), r.URL.Query().Get("tag"))
		if err != nil {
			zap.L().Error("list patterns failed", zap.Error(err))
			httpError(w, http.StatusInternalServerError, "list patterns failed")
			return
		}
		writeJSON(w, http.StatusOK, patterns)
	}
}

func handleListTools(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, deps.Registry.Describe())
	}
}

func handleGetAnalysis(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		analysis, err := deps.Store.GetAnalysis(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusNotFound, "analysis not found")
			return
		}
		writeJSON(w, http.StatusOK, analysis)
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := 7
		if v := r.URL.Query().Get("days"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "days must be a positive integer")
				return
			}
			days = n
		}
		since := time.Now().UTC().AddDate(0, 0, -days)

		sessions, err := deps.Store.SessionDailyStats(r.Context(), since)
		if err != nil {
			zap.L().Error("session stats failed", zap.Error(err))
			httpError(w, http.StatusInternalServerError, "stats failed")
			return
		}
		toolStats, err := deps.Store.ToolDailyStats(r.Context(), since)
		if err != nil {
			zap.L().Error("tool stats failed", zap.Error(err))
			httpError(w, http.StatusInternalServerError, "stats failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"sessions": sessions,
			"tools":    toolStats,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
