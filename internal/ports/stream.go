package ports

import (
	"context"
	"io"
)

// StreamSubscription parameterises a streaming worker.
type StreamSubscription struct {
	Epic      string
	CST       string
	XST       string
	AccountID string
	Endpoint  string
}

// StreamWorker is a running price stream, normally a child process.
type StreamWorker interface {
	// Output yields newline-delimited JSON messages.
	Output() io.Reader
	// Diagnostics yields free-form diagnostic lines.
	Diagnostics() io.Reader
	// Stop terminates the worker, closes both readers and waits for it to exit.
	// Safe to call more than once.
	Stop() error
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
	// Pid identifies the worker in logs.
	Pid() int
}

// StreamWorkerFactory starts stream workers.
type StreamWorkerFactory interface {
	Spawn(ctx context.Context, sub StreamSubscription) (StreamWorker, error)
}
