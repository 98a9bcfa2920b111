package jobs

import "context"

// Inline executes jobs synchronously on the enqueuing goroutine. It is the
// backend for tests and one-shot CLI commands, where "async" would only
// hide errors.
type Inline struct {
	runner *Runner
}

// NewInline wires the inline backend.
func NewInline(runner *Runner) *Inline {
	return &Inline{runner: runner}
}

// Enqueue runs the job immediately.
func (b *Inline) Enqueue(ctx context.Context, job Job) error {
	return b.runner.Run(ctx, job)
}

// Start is a no-op; there is nothing to deliver.
func (b *Inline) Start(context.Context) error { return nil }

// Close is a no-op.
func (b *Inline) Close() error { return nil }
