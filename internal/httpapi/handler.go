package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"capture_scheduler/core-go/internal/agents"
	"capture_scheduler/core-go/internal/metrics"
	"capture_scheduler/core-go/internal/recording"
	"capture_scheduler/core-go/internal/schedule"
)

// Options configures the optional collaborators of the handler.
type Options struct {
	// Ready reports whether the backing store can serve requests. A nil
	// Ready means the store is in-process and always ready.
	Ready   func(ctx context.Context) error
	Metrics *metrics.Metrics
	// StaleAfter is the silence after which an agent is reported as stale.
	// Zero leaves the stale flag out of agent responses.
	StaleAfter time.Duration
	NewID      func() string
}

type Handler struct {
	log        zerolog.Logger
	facade     *schedule.Facade
	ready      func(ctx context.Context) error
	metrics    *metrics.Metrics
	staleAfter time.Duration
	newID      func() string
}

func NewHandler(log zerolog.Logger, facade *schedule.Facade, opts Options) *Handler {
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Handler{
		log:        log,
		facade:     facade,
		ready:      opts.Ready,
		metrics:    opts.Metrics,
		staleAfter: opts.StaleAfter,
		newID:      newID,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(echoRequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Use(h.accessLog)

	// Health
	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyZ)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	// API
	r.Route("/api", func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			r.Route("/events", func(r chi.Router) {
				r.Get("/", h.handleListEvents)
				r.Post("/", h.handleScheduleEvent)
				r.Get("/lastmodified", h.handleLastModified)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.handleGetEvent)
					r.Put("/", h.handleRescheduleEvent)
					r.Delete("/", h.handleDeleteEvent)
					r.Put("/agent-properties", h.handleAttachProperties)
					r.Get("/recording", h.handleGetRecording)
					r.Put("/recording", h.handleTransitionRecording)
				})
			})

			r.Post("/conflicts", h.handleFindConflicts)

			r.Route("/agents", func(r chi.Router) {
				r.Get("/", h.handleListAgents)
				r.Route("/{name}", func(r chi.Router) {
					r.Get("/", h.handleGetAgent)
					r.Put("/", h.handleUpdateAgent)
					r.Post("/heartbeat", h.handleHeartbeat)
				})
			})
		})
	})

	return r
}

// echoRequestID returns the request id assigned by middleware.RequestID so
// callers can correlate responses with server logs.
func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(middleware.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		// Label by route pattern so ids do not explode metric cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		h.metrics.ObserveHTTPRequest(r.Method, path, status, elapsed)

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

// writeDomainError maps the sentinel errors of the domain packages to HTTP.
// Anything unrecognized is a backend failure and is logged.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error, op string, details map[string]any) {
	switch {
	case errors.Is(err, schedule.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "event not found", details)
	case errors.Is(err, agents.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "agent not found", details)
	case errors.Is(err, schedule.ErrInvalidWindow):
		h.writeError(w, http.StatusBadRequest, "invalid_window", err.Error(), details)
	case errors.Is(err, schedule.ErrInvalidEvent):
		h.writeError(w, http.StatusBadRequest, "invalid_event", err.Error(), details)
	case errors.Is(err, agents.ErrInvalidHeartbeat):
		h.writeError(w, http.StatusBadRequest, "invalid_heartbeat", err.Error(), details)
	case errors.Is(err, recording.ErrUnknownState):
		h.writeError(w, http.StatusBadRequest, "unknown_state", err.Error(), details)
	case errors.Is(err, recording.ErrIllegalTransition):
		h.writeError(w, http.StatusConflict, "illegal_transition", err.Error(), details)
	default:
		h.log.Error().Err(err).Str("op", op).Msg("request failed")
		h.writeError(w, http.StatusInternalServerError, "store_error", "failed to "+op, nil)
	}
}

func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

func (h *Handler) invalidBody(w http.ResponseWriter, err error) {
	h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.facade == nil {
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "scheduler not configured", nil)
		return
	}

	if h.ready != nil {
		if err := h.ready(ctx); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "store not ready", map[string]any{"error": err.Error()})
			return
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}
