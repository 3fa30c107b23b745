package provider

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	gwerrors "github.com/blueberrycongee/streamgate/pkg/errors"
)

const (
	// sseDataPrefix is the prefix for SSE data lines.
	sseDataPrefix = "data: "

	// sseDone is the marker for stream completion.
	sseDone = "[DONE]"

	// defaultBufferSize is the initial size for SSE line buffers.
	defaultBufferSize = 4096
)

// Config contains settings for the SSE provider client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// HTTPClient overrides the default client; mainly for tests.
	HTTPClient *http.Client
}

// Client is an HTTP client for token-chunked SSE provider endpoints.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a new SSE provider client.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    httpClient,
	}
}

// OpenStream starts a streamed generation against the provider endpoint.
// Upstream 429 responses are surfaced as provider throttle errors so the
// caller can escalate backoff.
func (c *Client) OpenStream(ctx context.Context, req Request) (Stream, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, gwerrors.NewInternalError(req.Model, "failed to encode provider request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, gwerrors.NewProviderTransportError(req.Model, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, gwerrors.NewProviderTransportError(req.Model, err.Error())
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, gwerrors.NewProviderThrottledError(req.Model, "provider reported rate limiting", 0)
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, gwerrors.NewProviderTransportError(req.Model,
			fmt.Sprintf("provider returned status %d", resp.StatusCode))
	}

	return newSSEStream(resp.Body, req.Model), nil
}

// sseStream reads provider chunks from a text/event-stream body.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	model   string
	closed  bool

	mu sync.Mutex
}

func newSSEStream(body io.ReadCloser, model string) *sseStream {
	scanner := bufio.NewScanner(body)
	// Increase buffer size for large chunks
	scanner.Buffer(make([]byte, defaultBufferSize), defaultBufferSize*4)

	return &sseStream{
		body:    body,
		scanner: scanner,
		model:   model,
	}
}

// chunkEvent is the wire shape of a single data line.
type chunkEvent struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Recv returns the next chunk from the stream.
// Returns io.EOF when the stream is complete.
func (s *sseStream) Recv() (*Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if !bytes.HasPrefix(line, []byte(sseDataPrefix)) {
			// Comments and keep-alive lines
			continue
		}
		data := bytes.TrimPrefix(line, []byte(sseDataPrefix))

		if bytes.Equal(data, []byte(sseDone)) {
			s.close()
			return nil, io.EOF
		}

		var ev chunkEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			// Skip unparseable events rather than aborting the stream
			continue
		}
		if ev.Error != "" {
			s.close()
			return nil, gwerrors.NewProviderTransportError(s.model, ev.Error)
		}
		if ev.Text == "" {
			continue
		}
		return &Chunk{Text: ev.Text}, nil
	}

	if err := s.scanner.Err(); err != nil {
		s.close()
		return nil, gwerrors.NewProviderTransportError(s.model, err.Error())
	}

	// Stream ended without a [DONE] marker
	s.close()
	return nil, io.EOF
}

// Close cancels the stream. Safe to call multiple times.
func (s *sseStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.close()
}

// close releases resources (must be called with lock held).
func (s *sseStream) close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
