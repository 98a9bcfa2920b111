// Package jobs runs asynchronous enrichment: embedding and tag extraction
// happen off the write path, so Remember stays fast and a slow model never
// blocks a caller.
//
// Four interchangeable backends implement Backend:
//
//   - Inline executes on the caller's goroutine (tests, CLI one-shots)
//   - Pool fans work out to in-process workers
//   - Redis brokers jobs through a list (LPUSH/BRPOP), surviving restarts
//     and sharing load between service instances
//   - Postgres queues jobs in a table with SKIP LOCKED claims and NOTIFY
//     wake-ups, reusing the primary database as the broker
//
// Job execution is idempotent: handlers re-read the node and no-op when it
// vanished or was soft-deleted, so duplicate delivery is harmless.
package jobs

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/orneryd/muninn/pkg/config"
	"github.com/orneryd/muninn/pkg/memerr"
)

// Kind names an enrichment job type.
type Kind string

const (
	// KindEmbed computes and stores a node's embedding.
	KindEmbed Kind = "embed"
	// KindTag extracts and attaches a node's tags.
	KindTag Kind = "tag"
)

// Job is one unit of enrichment work.
type Job struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	NodeID   int64  `json:"node_id"`
	Attempts int    `json:"attempts"`
}

// NewJob mints a job with a fresh id.
func NewJob(kind Kind, nodeID int64) Job {
	return Job{ID: uuid.NewString(), Kind: kind, NodeID: nodeID}
}

// Encode serializes the wire envelope.
func (j Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// Decode parses a wire envelope.
func Decode(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, memerr.E(memerr.Internal, "decode job envelope", err)
	}
	return j, nil
}

// Backend accepts and delivers jobs.
type Backend interface {
	// Enqueue submits a job for execution.
	Enqueue(ctx context.Context, job Job) error
	// Start begins delivering jobs to the runner. It returns once delivery
	// is running; delivery stops when ctx is canceled.
	Start(ctx context.Context) error
	// Close flushes and stops the backend.
	Close() error
}

// BackendName resolves the configured backend. "auto" applies, in order:
// inline under `go test` (synchronous, no background goroutines to leak
// into other tests), then the Postgres queue, then redis when a broker URL
// is configured, then the in-process pool. The Postgres queue rides the
// primary database, which every deployment already has, so outside tests
// the chain resolves there; redis and pool remain available by explicit
// selection.
func BackendName(cfg config.JobsConfig) string {
	if cfg.Backend != "auto" && cfg.Backend != "" {
		return cfg.Backend
	}
	if testing.Testing() {
		return "inline"
	}
	return "postgres"
}
