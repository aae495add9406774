package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/nidhogg/tempus/internal/travel"
)

// FeedReader reads relocations back from the feed.
type FeedReader interface {
	History(ctx context.Context, agentID string, count int64) ([]*travel.Event, error)
	Subscribe(ctx context.Context, agentID string) <-chan *travel.Event
}

// streamPing is how often an idle feed stream sends a keep-alive comment.
var streamPing = 15 * time.Second

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine   *travel.Engine
	feed     FeedReader
	metrics  http.Handler
	validate *validator.Validate
	logger   *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(engine *travel.Engine, logger *zap.Logger) *Handler {
	return &Handler{
		engine:   engine,
		validate: newValidator(),
		logger:   logger,
	}
}

// SetFeed enables the feed history route.
func (h *Handler) SetFeed(f FeedReader) { h.feed = f }

// SetMetrics mounts a metrics handler at /metrics.
func (h *Handler) SetMetrics(m http.Handler) { h.metrics = m }

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Post("/agents", h.createAgent)

		r.Route("/agents/{id}", func(r chi.Router) {
			r.Get("/", h.getAgent)
			r.Post("/travel", h.travel)
			r.Post("/return", h.returnToPresent)
			r.Put("/return", h.returnToPresent)
			r.Patch("/forward", h.forward)
			r.Get("/forward", h.forward)
			r.Patch("/back", h.back)
			r.Put("/back", h.back)
			r.Get("/location", h.location)
			r.Get("/events", h.listEvents)
			r.Post("/index/rebuild", h.rebuildIndex)
			r.Get("/feed", h.feedHistory)
			r.Get("/feed/stream", h.feedStream)
		})
	})

	return otelhttp.NewHandler(r, "tempus.api")
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "tempus"})
}

type createAgentRequest struct {
	Name string `json:"name" validate:"required,max=255"`
}

func (h *Handler) createAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.engine.CreateAgent(r.Context(), req.Name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.State(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type travelRequest struct {
	Location string `json:"location" validate:"required,max=255"`
	TravelTo string `json:"travelTo" validate:"required"`
}

func (h *Handler) travel(w http.ResponseWriter, r *http.Request) {
	var req travelRequest
	if !h.decode(w, r, &req) {
		return
	}
	target, ok := parseTimestamp(req.TravelTo, travelLayouts)
	if !ok {
		h.writeError(w, travel.Validation("travelTo", "travelTo must be a date in the format Y-m-d H:i:s"))
		return
	}
	st, err := h.engine.Travel(r.Context(), chi.URLParam(r, "id"), req.Location, target)
	h.respondState(w, st, err)
}

func (h *Handler) returnToPresent(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Return(r.Context(), chi.URLParam(r, "id"))
	h.respondState(w, st, err)
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Forward(r.Context(), chi.URLParam(r, "id"))
	h.respondState(w, st, err)
}

func (h *Handler) back(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Back(r.Context(), chi.URLParam(r, "id"))
	h.respondState(w, st, err)
}

func (h *Handler) respondState(w http.ResponseWriter, st *travel.State, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) location(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	raw := r.URL.Query().Get("at")

	var (
		res *travel.LocationQueryResult
		err error
	)
	if raw == "" {
		res, err = h.engine.QueryCurrent(r.Context(), id)
	} else {
		at, ok := parseTimestamp(raw, queryLayouts)
		if !ok {
			h.writeError(w, travel.Validation("at", "the timestamp must be a valid date"))
			return
		}
		res, err = h.engine.QueryAt(r.Context(), id, at)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := h.engine.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if evs == nil {
		evs = []*travel.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (h *Handler) rebuildIndex(w http.ResponseWriter, r *http.Request) {
	ev, err := h.engine.RebuildIndex(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	var latest *int64
	if ev != nil {
		latest = &ev.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"latest_event_id": latest})
}

func (h *Handler) feedHistory(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "relocation feed not enabled"})
		return
	}
	count := int64(50)
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 || n > 1000 {
			h.writeError(w, travel.Validation("count", "count must be between 1 and 1000"))
			return
		}
		count = n
	}
	id := chi.URLParam(r, "id")
	if _, err := h.engine.State(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	evs, err := h.feed.History(r.Context(), id, count)
	if err != nil {
		h.logger.Warn("feed history failed", zap.String("agent", id), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "relocation feed unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// feedStream relays the agent's new relocations as server-sent events until
// the client disconnects.
func (h *Handler) feedStream(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "relocation feed not enabled"})
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := h.engine.State(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	ctx := r.Context()
	events := h.feed.Subscribe(ctx, id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ping := time.NewTicker(streamPing)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Warn("encode feed event", zap.Int64("event_id", ev.ID), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
