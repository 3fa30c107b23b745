// Package httpapi exposes the gateway over HTTP: the chat stream relay,
// the quota countdown subscription, one-shot quota reads, and health.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/blueberrycongee/streamgate/internal/broadcast"
	"github.com/blueberrycongee/streamgate/internal/guard"
	"github.com/blueberrycongee/streamgate/internal/quota"
	"github.com/blueberrycongee/streamgate/internal/relay"
	gwerrors "github.com/blueberrycongee/streamgate/pkg/errors"
)

// ErrorResponse is the error envelope written to clients.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes the error payload.
type ErrorDetail struct {
	Message           string `json:"message"`
	Type              string `json:"type"`
	Model             string `json:"model,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// Handler serves the gateway API.
type Handler struct {
	relay       *relay.Relay
	broadcaster *broadcast.Broadcaster
	store       *quota.Store
	logger      *slog.Logger
}

// HandlerConfig contains dependencies for a Handler.
type HandlerConfig struct {
	Relay       *relay.Relay
	Broadcaster *broadcast.Broadcaster
	Store       *quota.Store
	Logger      *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		relay:       cfg.Relay,
		broadcaster: cfg.Broadcaster,
		store:       cfg.Store,
		logger:      cfg.Logger,
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat/stream", h.ChatStream)
	mux.HandleFunc("GET /v1/quota/stream", h.QuotaStream)
	mux.HandleFunc("GET /v1/quota", h.Quota)
	mux.HandleFunc("GET /healthz", h.Health)
}

// chatStreamRequest is the body of POST /v1/chat/stream.
type chatStreamRequest struct {
	ConversationID string `json:"conversation_id"`
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	Mode           string `json:"mode"`
}

// ChatStream relays one generation as a server-sent event stream. Quota
// denial is reported as a plain 429 JSON response before any stream
// bytes go out.
func (h *Handler) ChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.NewInvalidRequestError("", "invalid JSON body"))
		return
	}
	if req.Model == "" {
		writeError(w, gwerrors.NewInvalidRequestError("", "model is required"))
		return
	}
	if req.Prompt == "" {
		writeError(w, gwerrors.NewInvalidRequestError(req.Model, "prompt is required"))
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	sw, err := newSSEWriter(w)
	if err != nil {
		writeError(w, gwerrors.NewInternalError(req.Model, "streaming unsupported"))
		return
	}

	result, err := h.relay.Run(r.Context(), relay.Request{
		ConversationID: req.ConversationID,
		Model:          req.Model,
		Prompt:         req.Prompt,
		Mode:           guard.ParseMode(req.Mode),
	}, sw)
	if err != nil {
		// The relay fails before the first frame or not at all.
		if !sw.Started() {
			writeError(w, err)
		}
		return
	}

	h.logger.Debug("stream finished",
		"session_id", result.SessionID,
		"conversation_id", req.ConversationID,
		"outcome", result.Outcome,
	)
	sw.writeDone()
}

// QuotaStream subscribes the connection to delta-suppressed quota
// countdown snapshots. The optional model query parameter narrows the
// subscription to one model. The first snapshot is sent unconditionally;
// the connection then stays open until the client goes away.
func (h *Handler) QuotaStream(w http.ResponseWriter, r *http.Request) {
	sw, err := newSSEWriter(w)
	if err != nil {
		writeError(w, gwerrors.NewInternalError("", "streaming unsupported"))
		return
	}
	sw.start()

	id := uuid.NewString()
	filter := r.URL.Query().Get("model")
	if _, err := h.broadcaster.Subscribe(id, filter, sw); err != nil {
		h.logger.Warn("observer subscription failed", "observer_id", id, "error", err)
		return
	}
	h.logger.Info("observer subscribed", "observer_id", id, "filter", filter)

	<-r.Context().Done()
	h.broadcaster.Unsubscribe(id)
	h.logger.Info("observer disconnected", "observer_id", id)
}

// Quota returns a one-shot JSON snapshot of quota state, for all models
// or for the one named by the model query parameter.
func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	var payload any
	if model := r.URL.Query().Get("model"); model != "" {
		payload = h.store.SnapshotFor(model)
	} else {
		payload = struct {
			Models []quota.Snapshot `json:"models"`
		}{Models: h.store.SnapshotAll()}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("quota response write failed", "error", err)
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// writeError maps an error onto the standard envelope. Unknown errors
// are reported as opaque internal failures.
func writeError(w http.ResponseWriter, err error) {
	var ge *gwerrors.GatewayError
	if !errors.As(err, &ge) {
		ge = gwerrors.NewInternalError("", "internal error")
	}

	detail := ErrorDetail{
		Message: ge.Message,
		Type:    ge.Type,
		Model:   ge.Model,
	}
	if ge.RetryAfter > 0 {
		secs := int(ge.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		detail.RetryAfterSeconds = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ge.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: detail})
}
