// Package provider abstracts the upstream LLM transport as a cancellable,
// chunk-oriented stream. The gateway core never depends on a concrete wire
// format beyond this interface.
package provider

import "context"

// Chunk is a single unit of streamed provider output.
type Chunk struct {
	Text string `json:"text"`
}

// Stream is an async sequence of chunks from an upstream provider.
// Recv returns io.EOF when the stream ends normally.
type Stream interface {
	// Recv returns the next chunk from the stream.
	// Returns io.EOF when the stream is complete.
	Recv() (*Chunk, error)

	// Close cancels the stream and releases resources.
	// Safe to call multiple times and concurrently with Recv.
	Close() error
}

// Request describes one generation request to the upstream provider.
type Request struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// Opener opens a provider stream for a request.
// Implementations must honor ctx cancellation for the whole stream lifetime.
type Opener interface {
	OpenStream(ctx context.Context, req Request) (Stream, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, req Request) (Stream, error)

// OpenStream implements Opener.
func (f OpenerFunc) OpenStream(ctx context.Context, req Request) (Stream, error) {
	return f(ctx, req)
}
