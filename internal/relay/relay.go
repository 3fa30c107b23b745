// Package relay implements the per-generation state machine: it consumes a
// provider stream, applies the content guard incrementally, forwards
// sanitized chunks to one client, and persists exactly one terminal message
// per generation no matter how the stream ends.
package relay

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/streamgate/internal/guard"
	"github.com/blueberrycongee/streamgate/internal/limiter"
	"github.com/blueberrycongee/streamgate/internal/metrics"
	"github.com/blueberrycongee/streamgate/internal/quota"
	gwerrors "github.com/blueberrycongee/streamgate/pkg/errors"
	"github.com/blueberrycongee/streamgate/pkg/provider"
)

// RoleAssistant is the role persisted for generated messages.
const RoleAssistant = "assistant"

// interruptedNotice is persisted when a stream ends with no usable content.
const interruptedNotice = "The response was interrupted before any content arrived."

// Outcome is the terminal state of a relayed generation.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeBlocked       Outcome = "blocked"
	OutcomeProviderError Outcome = "provider_error"
	OutcomeClientGone    Outcome = "client_gone"
)

// EventType discriminates payloads written to the client.
type EventType string

const (
	// EventContent carries one forwarded text chunk.
	EventContent EventType = "content"
	// EventProgress carries the out-of-band throughput estimate.
	EventProgress EventType = "progress"
	// EventNotice carries the content policy replacement message.
	EventNotice EventType = "notice"
	// EventError carries a terminal error in the gateway taxonomy.
	EventError EventType = "error"
	// EventDone marks normal completion.
	EventDone EventType = "done"
)

// Event is one unit written to the client stream.
type Event struct {
	Type EventType `json:"type"`
	Text string    `json:"text,omitempty"`

	// Progress fields
	TokensSoFar      int     `json:"tokens_so_far,omitempty"`
	TokensPerSecond  float64 `json:"tokens_per_second,omitempty"`
	RemainingSeconds float64 `json:"remaining_seconds,omitempty"`

	// Error fields
	ErrorType         string `json:"error_type,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// ClientWriter delivers events to one client connection. A write error
// means the client is gone; the relay stops promptly and never retries.
type ClientWriter interface {
	WriteEvent(ev Event) error
}

// ConversationStore is the external message persistence collaborator.
type ConversationStore interface {
	PersistMessage(ctx context.Context, conversationID, role, content string) (string, error)
}

// Result describes a finished generation.
type Result struct {
	SessionID string
	Outcome   Outcome
	MessageID string
	// Text is the persisted content (sanitized when blocked).
	Text string
}

// Request describes one generation to relay.
type Request struct {
	ConversationID string
	Model          string
	Prompt         string
	Mode           guard.Mode
}

// Config contains dependencies and cadence settings for a Relay.
type Config struct {
	Limiter       *limiter.Limiter
	Guard         *guard.Guard
	Opener        provider.Opener
	Quotas        *quota.Store
	Conversations ConversationStore
	// ScanEveryChunks is the incremental content scan cadence.
	ScanEveryChunks int
	// ProgressEveryChunks is the progress signal cadence.
	ProgressEveryChunks int
	// ExpectedTokens sizes the estimated-remaining-time signal.
	ExpectedTokens int
	Logger         *slog.Logger
	Now            func() time.Time
}

// Relay drives generations through admission, streaming, and persistence.
// One Relay serves many concurrent sessions.
type Relay struct {
	limiter       *limiter.Limiter
	guard         *guard.Guard
	opener        provider.Opener
	quotas        *quota.Store
	conversations ConversationStore

	scanEvery      int
	progressEvery  int
	expectedTokens int

	logger *slog.Logger
	now    func() time.Time
}

// New creates a Relay.
func New(cfg Config) *Relay {
	if cfg.ScanEveryChunks <= 0 {
		cfg.ScanEveryChunks = 5
	}
	if cfg.ProgressEveryChunks <= 0 {
		cfg.ProgressEveryChunks = 20
	}
	if cfg.ExpectedTokens <= 0 {
		cfg.ExpectedTokens = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Relay{
		limiter:        cfg.Limiter,
		guard:          cfg.Guard,
		opener:         cfg.Opener,
		quotas:         cfg.Quotas,
		conversations:  cfg.Conversations,
		scanEvery:      cfg.ScanEveryChunks,
		progressEvery:  cfg.ProgressEveryChunks,
		expectedTokens: cfg.ExpectedTokens,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}
}

// session is the exclusive per-generation state. Never shared.
type session struct {
	id          string
	req         Request
	startedAt   time.Time
	accumulated strings.Builder
	chunkCount  int
}

// Run relays one generation. Admission denials are returned before any
// event is written so the transport can answer with a non-stream response.
// After admission every terminal state writes its own events and persists
// exactly one assistant message.
func (r *Relay) Run(ctx context.Context, req Request, client ClientWriter) (Result, error) {
	decision := r.limiter.Admit(req.Model)
	if !decision.Allowed {
		return Result{}, decision.Err(req.Model)
	}

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	s := &session{
		id:        uuid.NewString(),
		req:       req,
		startedAt: r.now(),
	}
	defer func() {
		metrics.StreamDurationSeconds.WithLabelValues(req.Model).
			Observe(r.now().Sub(s.startedAt).Seconds())
	}()

	// The stream context outlives nothing: cancelling it tears down the
	// provider connection on every exit path.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := r.opener.OpenStream(streamCtx, provider.Request{
		Model:  req.Model,
		Prompt: req.Prompt,
	})
	if err != nil {
		return r.finishProviderError(ctx, s, client, err), nil
	}
	defer stream.Close()

	return r.stream(ctx, s, stream, cancel, client)
}

func (r *Relay) stream(
	ctx context.Context,
	s *session,
	stream provider.Stream,
	cancel context.CancelFunc,
	client ClientWriter,
) (Result, error) {
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			return r.finishCompleted(ctx, s, client), nil
		}
		if err != nil {
			return r.finishProviderError(ctx, s, client, err), nil
		}

		s.chunkCount++
		s.accumulated.WriteString(chunk.Text)

		if werr := client.WriteEvent(Event{Type: EventContent, Text: chunk.Text}); werr != nil {
			// Client is gone: stop consuming provider output promptly.
			// The admitted request stays counted; no refund.
			cancel()
			_ = stream.Close()
			return r.finishClientGone(ctx, s), nil
		}
		metrics.ChunksForwardedTotal.WithLabelValues(s.req.Model).Inc()

		if s.chunkCount%r.scanEvery == 0 {
			// Always scan the full accumulated buffer so a trigger
			// straddling chunk boundaries cannot slip through.
			if v := r.guard.Scan(s.accumulated.String(), s.req.Mode); v.Blocked {
				cancel()
				_ = stream.Close()
				return r.finishBlocked(ctx, s, client, v), nil
			}
		}

		if s.chunkCount%r.progressEvery == 0 {
			if werr := client.WriteEvent(r.progressEvent(s)); werr != nil {
				cancel()
				_ = stream.Close()
				return r.finishClientGone(ctx, s), nil
			}
		}
	}
}

// progressEvent derives the UX throughput estimate from tokens generated so
// far and elapsed time. It informs no control decision.
func (r *Relay) progressEvent(s *session) Event {
	elapsed := r.now().Sub(s.startedAt).Seconds()
	if elapsed <= 0 {
		elapsed = 0.001
	}
	tokens := estimateTokens(s.accumulated.Len())
	rate := float64(tokens) / elapsed

	var remaining float64
	if rate > 0 && tokens < r.expectedTokens {
		remaining = float64(r.expectedTokens-tokens) / rate
	}

	return Event{
		Type:             EventProgress,
		TokensSoFar:      tokens,
		TokensPerSecond:  rate,
		RemainingSeconds: remaining,
	}
}

// estimateTokens approximates token count from byte length.
func estimateTokens(byteLen int) int {
	return byteLen / 4
}

func (r *Relay) finishCompleted(ctx context.Context, s *session, client ClientWriter) Result {
	text := s.accumulated.String()

	// Final full-buffer scan: content may have completed its trigger in the
	// last chunks after the previous cadence check. Chunks already sent are
	// a known residual exposure; the persisted message is still sanitized.
	if v := r.guard.Scan(text, s.req.Mode); v.Blocked {
		return r.finishBlocked(ctx, s, client, v)
	}

	r.quotas.ClearBackoff(s.req.Model)
	_ = client.WriteEvent(Event{Type: EventDone})

	metrics.StreamOutcomesTotal.WithLabelValues(s.req.Model, string(OutcomeCompleted)).Inc()
	return r.persistAndResult(ctx, s, OutcomeCompleted, text)
}

func (r *Relay) finishBlocked(ctx context.Context, s *session, client ClientWriter, v guard.Verdict) Result {
	// A single replacement notice, then nothing further from the provider.
	_ = client.WriteEvent(Event{Type: EventNotice, Text: v.Replacement})

	metrics.BlockedGenerationsTotal.WithLabelValues(s.req.Model, string(s.req.Mode)).Inc()
	metrics.StreamOutcomesTotal.WithLabelValues(s.req.Model, string(OutcomeBlocked)).Inc()
	r.logger.Info("generation blocked by content policy",
		"session_id", s.id,
		"model", s.req.Model,
		"mode", s.req.Mode,
	)
	// Persist the sanitized replacement, never the raw blocked content.
	return r.persistAndResult(ctx, s, OutcomeBlocked, v.Replacement)
}

func (r *Relay) finishProviderError(ctx context.Context, s *session, client ClientWriter, err error) Result {
	if gwerrors.IsThrottle(err) {
		r.quotas.RecordProviderThrottle(s.req.Model)
	}

	// The client sees only a generic retryable notice, never the raw error.
	_ = client.WriteEvent(Event{
		Type:      EventError,
		ErrorType: gwerrors.TypeProviderTransport,
		Text:      "The provider connection failed. Please try again.",
	})

	metrics.StreamOutcomesTotal.WithLabelValues(s.req.Model, string(OutcomeProviderError)).Inc()
	r.logger.Warn("provider stream failed",
		"session_id", s.id,
		"model", s.req.Model,
		"error", err,
	)

	text := s.accumulated.String()
	if text == "" {
		text = interruptedNotice
	}
	return r.persistAndResult(ctx, s, OutcomeProviderError, text)
}

func (r *Relay) finishClientGone(ctx context.Context, s *session) Result {
	metrics.StreamOutcomesTotal.WithLabelValues(s.req.Model, string(OutcomeClientGone)).Inc()
	r.logger.Info("client disconnected mid-stream",
		"session_id", s.id,
		"model", s.req.Model,
		"chunks", s.chunkCount,
	)

	text := s.accumulated.String()
	if text == "" {
		text = interruptedNotice
	}
	// Persist without writing anything further to the dead connection.
	return r.persistAndResult(ctx, s, OutcomeClientGone, text)
}

// persistAndResult stores the single terminal assistant message. Each
// terminal path calls this exactly once. Persistence failures are logged but
// never abort delivery that already happened.
func (r *Relay) persistAndResult(ctx context.Context, s *session, outcome Outcome, text string) Result {
	var messageID string
	if r.conversations != nil {
		// Persistence must survive client disconnect cancellation.
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		id, err := r.conversations.PersistMessage(persistCtx, s.req.ConversationID, RoleAssistant, text)
		if err != nil {
			r.logger.Error("failed to persist terminal message",
				"session_id", s.id,
				"conversation_id", s.req.ConversationID,
				"error", err,
			)
		} else {
			messageID = id
		}
	}
	return Result{
		SessionID: s.id,
		Outcome:   outcome,
		MessageID: messageID,
		Text:      text,
	}
}
