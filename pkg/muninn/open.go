package muninn

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/breaker"
	"github.com/orneryd/muninn/pkg/config"
	"github.com/orneryd/muninn/pkg/embed"
	"github.com/orneryd/muninn/pkg/group"
	"github.com/orneryd/muninn/pkg/jobs"
	"github.com/orneryd/muninn/pkg/memerr"
	"github.com/orneryd/muninn/pkg/metrics"
	"github.com/orneryd/muninn/pkg/search"
	"github.com/orneryd/muninn/pkg/store"
	"github.com/orneryd/muninn/pkg/tags"
	"github.com/orneryd/muninn/pkg/token"
)

// Open performs the full production wiring: database, schema, providers,
// breakers, job backend, retrieval engine, and (when configured) the robot
// group. The returned Memory owns every started component; Close releases
// them.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Memory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := metrics.New()

	st, err := store.Open(ctx, cfg.Database, cfg.Embedding.Dimensions, logger)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}

	onState := func(service string, s breaker.State) {
		m.SetBreakerState(service, float64(s))
	}
	breakers := map[string]*breaker.Breaker{
		"embedding": breaker.New("embedding", logger, onState),
		"tagging":   breaker.New("tagging", logger, onState),
	}

	embedClient := embed.NewClient(&embed.Config{
		APIURL:     cfg.Embedding.APIURL,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Embedding.Timeout,
	})
	embedSvc := embed.NewService(embedClient, cfg.Embedding.Dimensions,
		cfg.Embedding.ChunkSize, cfg.Embedding.ChunkOverlap)

	tagSvc := tags.NewService(tags.NewLLMExtractor(&tags.LLMConfig{
		APIURL:  cfg.Tagging.APIURL,
		APIKey:  cfg.Tagging.APIKey,
		Model:   cfg.Tagging.Model,
		Timeout: cfg.Tagging.Timeout,
	}), logger)

	counter := token.NewCounter(cfg.Memory.TokenEncoding)

	runner := jobs.NewRunner(m, logger)
	backend, err := buildBackend(cfg, st, runner, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	if jobs.BackendName(cfg.Jobs) != "inline" {
		// Circuit-open jobs come back through the queue once the breaker
		// has a chance to close; inline callers see the rejection directly.
		runner.SetRequeue(backend.Enqueue)
	}

	parser := search.NewTimeframeParser(cfg.Location(), cfg.WeekStartDay())
	// Query-time tag extraction is read-only and on the search latency
	// path, so it goes through the sanitizing service over the
	// deterministic keyword matcher rather than the LLM extractor.
	queryTagger := tags.NewService(tags.KeywordExtractor{}, logger)
	engine := search.NewEngine(st, &guardedEmbedder{svc: embedSvc, breaker: breakers["embedding"], metrics: m, provider: cfg.Embedding.Model},
		parser, cfg.Search.TagBoostAlpha, queryTagger, m, logger)

	var grp *group.Group
	if cfg.Memory.GroupName != "" {
		channel, err := group.Listen(cfg.Database.URL, st.Pool(), cfg.Memory.GroupName, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		grp = group.New(cfg.Memory.GroupName, st, channel, cfg.Memory.MaxTokens,
			cfg.Memory.ReconcileInterval, m, logger)
		grp.Start(ctx)
	}

	mem, err := New(ctx, Options{
		Config:   cfg,
		Storage:  st,
		Searcher: engine,
		Jobs:     backend,
		Counter:  counter,
		Metrics:  m,
		Logger:   logger,
		Group:    grp,
		Breakers: breakers,
	})
	if err != nil {
		if grp != nil {
			_ = grp.Shutdown()
		}
		st.Close()
		return nil, err
	}
	mem.db = st

	handlers := &enrichment{
		storage:  st,
		embedSvc: embedSvc,
		tagSvc:   tagSvc,
		breakers: breakers,
		metrics:  m,
		logger:   logger,
		provider: cfg.Embedding.Model,
	}
	runner.Handle(jobs.KindEmbed, handlers.embed)
	runner.Handle(jobs.KindTag, handlers.tag)
	if err := backend.Start(ctx); err != nil {
		_ = mem.Close()
		return nil, err
	}

	mem.closers = append(mem.closers,
		func() error { st.Close(); return nil },
		backend.Close,
	)
	if grp != nil {
		mem.closers = append(mem.closers, grp.Shutdown)
	}

	logger.Info("muninn open",
		zap.String("robot", mem.robot.Name),
		zap.String("group", cfg.Memory.GroupName),
		zap.String("job_backend", jobs.BackendName(cfg.Jobs)))
	return mem, nil
}

// buildBackend selects the configured job backend.
func buildBackend(cfg config.Config, st *store.Store, runner *jobs.Runner, logger *zap.Logger) (jobs.Backend, error) {
	switch jobs.BackendName(cfg.Jobs) {
	case "inline":
		return jobs.NewInline(runner), nil
	case "pool":
		return jobs.NewPool(runner, cfg.Jobs.PoolWorkers, logger), nil
	case "redis":
		return jobs.NewRedis(cfg.Jobs.RedisURL, runner, cfg.Jobs.PoolWorkers, logger)
	case "postgres":
		return jobs.NewPostgres(st.Pool(), runner, cfg.Jobs.PoolWorkers, logger), nil
	default:
		return nil, memerr.Ef(memerr.Config, "unknown job backend %q", cfg.Jobs.Backend)
	}
}

// guardedEmbedder runs query embedding through the provider breaker and
// records latency.
type guardedEmbedder struct {
	svc      *embed.Service
	breaker  *breaker.Breaker
	metrics  *metrics.Metrics
	provider string
}

func (g *guardedEmbedder) EmbedText(ctx context.Context, text string) ([]float32, int, error) {
	var vec []float32
	var dim int
	err := g.breaker.Execute(func() error {
		var inner error
		vec, dim, inner = g.svc.EmbedText(ctx, text)
		return inner
	})
	return vec, dim, err
}

func defaultRobotName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "muninn"
}
