package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"

	"golang.org/x/time/rate"

	"github.com/kirillkom/document-pipeline/internal/config"
	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/core/ports"
	"github.com/kirillkom/document-pipeline/internal/core/usecase"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/artifact"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/artifact/markdown"
	sqlitecache "github.com/kirillkom/document-pipeline/internal/infrastructure/cache/sqlite"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/chunking"
	cecodec "github.com/kirillkom/document-pipeline/internal/infrastructure/codec/cloudevents"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/extractor"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/graph/neo4j"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/llm/ollama"
	natsbroker "github.com/kirillkom/document-pipeline/internal/infrastructure/queue/nats"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/resilience"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/vector/pgvector"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/document-pipeline/internal/observability/metrics"
)

type App struct {
	Config config.Config

	Store         *postgres.Store
	Broker        *natsbroker.Broker
	WorkerMetrics *metrics.WorkerMetrics

	Lifecycle      *usecase.Lifecycle
	StageLog       *usecase.StageLog
	Ingest         *usecase.Ingest
	Completion     *usecase.CompletionConsumer
	Stats          *usecase.StatsConsumer
	StatsPublisher *usecase.StatsPublisher
	Similarity     *usecase.SimilarityIndexer
	Relay          *usecase.OutboxRelay
	Sweeper        *usecase.StaleSweeper

	// SimilarityEnabled is false when VECTOR_BACKEND=none.
	SimilarityEnabled bool

	closers []func()
}

// New opens every backing service used by the api, worker and docctl
// binaries. Resources opened before a failure are released.
func New(ctx context.Context, cfg config.Config, service string) (*App, error) {
	app := &App{Config: cfg}
	if err := app.init(ctx, cfg, service); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) init(ctx context.Context, cfg config.Config, service string) error {
	db, err := postgres.OpenDB(cfg.PostgresDSN, postgres.PoolConfig{
		MaxOpenConns:    cfg.PostgresMaxOpenConns,
		MaxIdleConns:    cfg.PostgresMaxIdleConns,
		ConnMaxLifetime: cfg.PostgresConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	a.onClose(func() { _ = db.Close() })
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	a.Store = postgres.NewStore(db)

	a.WorkerMetrics = metrics.NewWorkerMetrics(service)
	executor := resilience.NewExecutor(resilienceConfig(cfg)).WithStateListener(a.WorkerMetrics.BreakerStateChange)
	slog.Info("resilience_policy", "policy", executor.Describe())

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("init object storage: %w", err)
	}

	broker, err := natsbroker.Connect(cfg.NATSURL, natsbroker.Options{
		Name:               "docpipe-" + service,
		Stream:             cfg.NATSStream,
		SubjectPrefix:      cfg.NATSSubjectPrefix,
		DuplicateWindow:    cfg.NATSDuplicateWindow,
		ResilienceExecutor: executor,
		Codec:              cecodec.NewCodec("urn:docpipe:" + service),
	})
	if err != nil {
		return fmt.Errorf("init message broker: %w", err)
	}
	a.onClose(broker.Close)
	if err := broker.EnsureStream(ctx); err != nil {
		return fmt.Errorf("ensure stream: %w", err)
	}
	broker.SetObserver(a.WorkerMetrics)
	a.Broker = broker

	fetcher, err := newArtifactRouter(ctx, cfg, executor, storage, a)
	if err != nil {
		return err
	}

	a.Lifecycle = usecase.NewLifecycle(a.Store, storage, usecase.NewRequestProducer(), usecase.LifecycleConfig{
		Stage: domain.StageSummarize,
		Directives: domain.Directives{
			Prompt:   cfg.StageDirectivePrompt,
			Language: cfg.StageDirectiveLanguage,
		},
	})
	a.StageLog = usecase.NewStageLog(a.Store, a.Store.StageLog())
	a.Ingest = usecase.NewIngest(
		a.Store,
		storage,
		extractor.NewInspector(chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)),
		a.Lifecycle,
		cfg.MaxUploadBytes,
	)
	a.Completion = usecase.NewCompletionConsumer(
		a.Store,
		a.Store.Documents(),
		fetcher,
		markdown.NewParser(),
		a.Lifecycle,
		cfg.ArtifactFetchTimeout,
	)

	var statsLimiter *rate.Limiter
	if cfg.StatsRateLimit > 0 {
		statsLimiter = rate.NewLimiter(rate.Limit(cfg.StatsRateLimit), int(cfg.StatsRateLimit)+1)
	}
	a.Stats = usecase.NewStatsConsumer(a.Store.Stats(), statsLimiter)
	a.StatsPublisher = usecase.NewStatsPublisher(broker)

	a.Relay = usecase.NewOutboxRelay(a.Store, broker, cfg.OutboxBatch, a.WorkerMetrics).WithMaxAttempts(cfg.OutboxMaxAttempts)
	a.Sweeper = usecase.NewStaleSweeper(a.Store, a.Store.StageLog(), a.Lifecycle, usecase.SweeperConfig{
		StaleAfter:     cfg.SweeperStaleAfter,
		MaxAutoRetries: cfg.SweeperMaxAutoRetries,
		BatchSize:      cfg.SweeperBatch,
	})

	return a.initSimilarity(ctx, cfg, db, executor)
}

// DocumentCounters serves view/like counters to the HTTP read model.
func (a *App) DocumentCounters() *postgres.StatsRepository {
	return a.Store.Stats()
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *App) initSimilarity(ctx context.Context, cfg config.Config, db *sql.DB, executor *resilience.Executor) error {
	var vectors ports.VectorStore
	switch cfg.VectorBackend {
	case "qdrant":
		vectors = qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, cfg.EmbedTimeout)
	case "pgvector":
		store := pgvector.New(db)
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure pgvector schema: %w", err)
		}
		vectors = store
	default:
		a.Similarity = usecase.NewSimilarityIndexer(nil, cfg.EmbedModel, disabledVectors{}, nil)
		return nil
	}

	var embedder ports.Embedder = ollama.NewEmbedder(ollama.New(cfg.OllamaURL, cfg.EmbedTimeout, executor))
	if cfg.EmbeddingCachePath != "" {
		cache, err := sqlitecache.Open(cfg.EmbeddingCachePath)
		if err != nil {
			return fmt.Errorf("open embedding cache: %w", err)
		}
		a.onClose(func() { _ = cache.Close() })
		embedder = usecase.NewCachedEmbedder(embedder, cache)
	}

	var graph ports.TagGraph
	if cfg.Neo4jURI != "" {
		projector, err := neo4j.Connect(ctx, neo4j.Config{
			URI:      cfg.Neo4jURI,
			Username: cfg.Neo4jUser,
			Password: cfg.Neo4jPassword,
			Database: cfg.Neo4jDatabase,
		})
		if err != nil {
			return fmt.Errorf("connect neo4j: %w", err)
		}
		a.onClose(func() { _ = projector.Close(context.Background()) })
		if err := projector.EnsureConstraints(ctx); err != nil {
			return fmt.Errorf("ensure neo4j constraints: %w", err)
		}
		graph = projector
	}

	a.Similarity = usecase.NewSimilarityIndexer(embedder, cfg.EmbedModel, vectors, graph)
	a.SimilarityEnabled = true
	return nil
}

func newArtifactRouter(
	ctx context.Context,
	cfg config.Config,
	executor *resilience.Executor,
	storage *localfs.Storage,
	app *App,
) (*artifact.Router, error) {
	httpReader := artifact.NewHTTPReader(cfg.ArtifactFetchTimeout, cfg.ArtifactMaxBytes)
	router := artifact.NewRouter(executor).
		Register("file", artifact.ReaderFunc(func(_ context.Context, locator *url.URL) ([]byte, error) {
			return storage.ReadLocal(locator.String())
		})).
		Register("http", httpReader).
		Register("https", httpReader)

	if cfg.S3Enabled {
		s3Reader, err := artifact.NewS3Reader(ctx, artifact.S3Config{
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		}, cfg.ArtifactMaxBytes)
		if err != nil {
			return nil, fmt.Errorf("init s3 reader: %w", err)
		}
		router.Register("s3", s3Reader)
	}
	if cfg.GCSEnabled {
		gcsReader, err := artifact.NewGCSReader(ctx, cfg.ArtifactMaxBytes)
		if err != nil {
			return nil, fmt.Errorf("init gcs reader: %w", err)
		}
		app.onClose(func() { _ = gcsReader.Close() })
		router.Register("gs", gcsReader)
	}
	slog.Info("artifact_schemes", "schemes", router.Schemes())
	return router, nil
}

func resilienceConfig(cfg config.Config) resilience.Config {
	out := resilience.DefaultConfig()
	if cfg.RetryMaxAttempts > 0 {
		out.Retry.MaxAttempts = cfg.RetryMaxAttempts
	}
	out.Breaker.Enabled = cfg.BreakerEnabled
	if cfg.BreakerOpenTimeout > 0 {
		out.Breaker.OpenTimeout = cfg.BreakerOpenTimeout
	}
	return out
}

// disabledVectors backs FindSimilar when no vector backend is configured;
// every lookup reports that the document has no vector.
type disabledVectors struct{}

func (disabledVectors) Upsert(context.Context, domain.DocumentVector) error { return nil }

func (disabledVectors) Get(context.Context, int64) (*domain.DocumentVector, error) { return nil, nil }

func (disabledVectors) Search(context.Context, []float32, int, int64) ([]domain.SimilarDocument, error) {
	return nil, nil
}
