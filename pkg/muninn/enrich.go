package muninn

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/breaker"
	"github.com/orneryd/muninn/pkg/embed"
	"github.com/orneryd/muninn/pkg/jobs"
	"github.com/orneryd/muninn/pkg/memerr"
	"github.com/orneryd/muninn/pkg/metrics"
	"github.com/orneryd/muninn/pkg/tags"
)

// enrichment holds the async job handlers. Both are idempotent: they
// re-read the node at execution time and quietly no-op when it has been
// deleted since enqueue, so redelivery and races with Forget are harmless.
type enrichment struct {
	storage  Storage
	embedSvc *embed.Service
	tagSvc   *tags.Service
	breakers map[string]*breaker.Breaker
	metrics  *metrics.Metrics
	logger   *zap.Logger
	provider string
}

// embed computes and stores the node's embedding.
func (e *enrichment) embed(ctx context.Context, job jobs.Job) error {
	node, err := e.storage.GetNode(ctx, job.NodeID, false)
	if err != nil {
		if memerr.KindOf(err) == memerr.NotFound {
			return nil
		}
		return err
	}

	var vec []float32
	var dim int
	started := time.Now()
	err = e.breakers["embedding"].Execute(func() error {
		var inner error
		vec, dim, inner = e.embedSvc.EmbedText(ctx, node.Content)
		return inner
	})
	e.observeEmbed(started, err)
	if err != nil {
		return err
	}

	return e.storage.UpdateEmbedding(ctx, node.ID, vec, dim)
}

// tag extracts and attaches the node's tags, biased by the current
// vocabulary snapshot.
func (e *enrichment) tag(ctx context.Context, job jobs.Job) error {
	node, err := e.storage.GetNode(ctx, job.NodeID, false)
	if err != nil {
		if memerr.KindOf(err) == memerr.NotFound {
			return nil
		}
		return err
	}

	ontology, err := e.storage.ListRecentTags(ctx, tags.OntologySnapshotSize)
	if err != nil {
		return err
	}

	var names []string
	started := time.Now()
	err = e.breakers["tagging"].Execute(func() error {
		var inner error
		names, inner = e.tagSvc.Extract(ctx, node.Content, ontology)
		return inner
	})
	if e.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		e.metrics.ObserveTagLatency(e.provider, status, time.Since(started))
	}
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	if err := e.storage.AttachTags(ctx, node.ID, names); err != nil {
		return err
	}
	e.logger.Debug("node tagged",
		zap.Int64("node_id", node.ID), zap.Strings("tags", names))
	return nil
}

func (e *enrichment) observeEmbed(started time.Time, err error) {
	if e.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.metrics.ObserveEmbeddingLatency(e.provider, status, time.Since(started))
}
