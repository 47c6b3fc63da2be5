// Package webgraph is the service facade over the graph store.
//
// A DB wires the pieces together: the in-memory storage.Graph, a Persister
// writing snapshots to the configured backend, the PageRank engine and its
// background scheduler, and the neighborhood extractor. Every mutation is
// applied in memory and then saved synchronously; if the save fails the
// in-memory change stays and the save error is returned.
//
// Example Usage:
//
//	cfg := config.DefaultConfig()
//	cfg.Storage.Path = "./data/webgraph.snapshot"
//
//	db, err := webgraph.Open(cfg, webgraph.WithLogger(logger))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	err = db.AddNodeWithOutlinks(ctx, "https://example.com/",
//		[]storage.NodeID{"https://example.com/about"},
//		storage.Metadata{"title": storage.String("Home")})
//
//	edges, err := db.Subgraph("https://example.com/", 2)
package webgraph

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/orneryd/webgraph/pkg/config"
	"github.com/orneryd/webgraph/pkg/metrics"
	"github.com/orneryd/webgraph/pkg/neighborhood"
	"github.com/orneryd/webgraph/pkg/pagerank"
	"github.com/orneryd/webgraph/pkg/storage"
)

// Mutation operation names, used as the metrics "op" label.
const (
	OpAddNode             = "add_node"
	OpAddEdge             = "add_edge"
	OpRemoveNode          = "remove_node"
	OpRemoveEdge          = "remove_edge"
	OpUpdateNodeMetadata  = "update_node_metadata"
	OpAddNodeWithOutlinks = "add_node_with_outlinks"
)

// DB is a persisted, concurrently accessible web graph.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Close waits for in-flight
//	operations to finish.
type DB struct {
	cfg *config.Config

	mu     sync.RWMutex
	closed bool

	graph     *storage.Graph
	persister *storage.Persister
	engine    *pagerank.Engine
	scheduler *pagerank.Scheduler
	extractor *neighborhood.Extractor

	logger   *zap.Logger
	metrics  *metrics.Collector
	registry *prometheus.Registry

	bgWg sync.WaitGroup

	// persisted holds the ranks loaded from the snapshot until the engine
	// has a table of its own, so saves do not drop them.
	persisted map[storage.NodeID]float64
}

// Option configures Open.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	registry *prometheus.Registry
	tracer   trace.TracerProvider
	onFatal  func(error)
	store    storage.SnapshotStore
}

// WithLogger sets the logger for the DB and its components.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry registers metrics with reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithTracerProvider enables tracing of saves and PageRank runs.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithFatalHandler is called once when storage fails unrecoverably.
// It must not block or call back into the DB.
func WithFatalHandler(fn func(error)) Option {
	return func(o *options) { o.onFatal = fn }
}

// WithStore overrides the snapshot backend selected by the config.
func WithStore(s storage.SnapshotStore) Option {
	return func(o *options) { o.store = s }
}

// Open builds a DB from cfg: it opens the snapshot backend, loads the last
// snapshot (an absent snapshot yields an empty graph), optionally restores
// the persisted rank table and starts the PageRank scheduler when enabled.
//
// A nil cfg means config.DefaultConfig().
func Open(cfg *config.Config, opts ...Option) (*DB, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := options{
		logger: zap.NewNop(),
		tracer: noop.NewTracerProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	db := &DB{
		cfg:    cfg,
		graph:  storage.NewGraph(),
		logger: o.logger,
	}

	if cfg.Metrics.Enabled {
		db.registry = o.registry
		if db.registry == nil {
			db.registry = prometheus.NewRegistry()
		}
		db.metrics = metrics.New(cfg.Metrics.Namespace, db.registry)
	}

	store := o.store
	if store == nil {
		var err error
		if store, err = openStore(cfg.Storage, o.logger); err != nil {
			return nil, err
		}
	}

	engineOpts := []pagerank.Option{
		pagerank.WithLogger(o.logger.Named("pagerank")),
		pagerank.WithTracer(o.tracer.Tracer("github.com/orneryd/webgraph/pkg/pagerank")),
	}
	if db.metrics != nil {
		engineOpts = append(engineOpts, pagerank.WithRunObserver(db.metrics))
	}
	db.engine = pagerank.NewEngine(db.graph, pagerank.Options{
		Damping:       cfg.PageRank.Damping,
		Tolerance:     cfg.PageRank.Tolerance,
		MaxIterations: cfg.PageRank.MaxIterations,
	}, engineOpts...)

	persistOpts := []storage.PersisterOption{
		storage.WithRetry(cfg.Storage.MaxRetries, cfg.Storage.RetryBackoff),
		storage.WithRankSource(db.latestRanks),
		storage.WithLogger(o.logger.Named("storage")),
		storage.WithTracer(o.tracer.Tracer("github.com/orneryd/webgraph/pkg/storage")),
		storage.WithFatalHandler(db.fatalHandler(o.onFatal)),
	}
	if db.metrics != nil {
		persistOpts = append(persistOpts, storage.WithSaveObserver(db.metrics))
	}
	db.persister = storage.NewPersister(db.graph, store, persistOpts...)

	ranks, err := db.persister.Load(context.Background())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	db.persisted = ranks
	if cfg.PageRank.RestoreScores && ranks != nil {
		db.engine.Restore(ranks)
		db.logger.Info("restored persisted pagerank table", zap.Int("nodes", len(ranks)))
	}
	if db.metrics != nil {
		db.metrics.ObserveStats(db.graph.Describe())
	}

	db.extractor = neighborhood.New(db.graph, db.engine,
		neighborhood.WithCache(cfg.Neighborhood.CacheSize, cfg.Neighborhood.CacheTTL))

	if cfg.PageRank.SchedulerEnabled {
		db.scheduler = pagerank.NewScheduler(db.engine, cfg.PageRank.Interval, o.logger.Named("scheduler"))
		db.scheduler.Start(context.Background())
	}

	db.logger.Info("webgraph opened",
		zap.String("store", store.Name()),
		zap.Stringer("graph", db.graph.Describe()),
		zap.Bool("scheduler", cfg.PageRank.SchedulerEnabled),
	)
	return db, nil
}

func openStore(cfg config.StorageConfig, logger *zap.Logger) (storage.SnapshotStore, error) {
	switch cfg.Backend {
	case config.BackendFile:
		return storage.NewFileStore(cfg.Path, cfg.SyncWrites), nil
	case config.BackendBadger:
		s, err := storage.NewBadgerStore(storage.BadgerOptions{
			DataDir:    cfg.Path,
			SyncWrites: cfg.SyncWrites,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("opening badger store: %w", err)
		}
		return s, nil
	case config.BackendMemory:
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Backend)
	}
}

func (db *DB) latestRanks() map[storage.NodeID]float64 {
	if s := db.engine.Latest(); s != nil {
		return s
	}
	return db.persisted
}

func (db *DB) fatalHandler(user func(error)) func(error) {
	return func(err error) {
		db.logger.Error("storage is no longer writable", zap.Error(err))
		if user != nil {
			user(err)
		}
	}
}

// AddNode creates id, or merges md into its metadata if it already exists.
func (db *DB) AddNode(ctx context.Context, id storage.NodeID, md storage.Metadata) error {
	if err := checkMetadata(OpAddNode, md); err != nil {
		return err
	}
	return db.mutate(ctx, OpAddNode, func() { db.graph.AddNode(id, md) })
}

// AddEdge adds src->dst, creating missing endpoints with empty metadata.
func (db *DB) AddEdge(ctx context.Context, src, dst storage.NodeID) error {
	return db.mutate(ctx, OpAddEdge, func() { db.graph.AddEdge(src, dst) })
}

// RemoveNode removes id and its incident edges. Absent ids are ignored,
// but the snapshot is still rewritten.
func (db *DB) RemoveNode(ctx context.Context, id storage.NodeID) error {
	return db.mutate(ctx, OpRemoveNode, func() { db.graph.RemoveNode(id) })
}

// RemoveEdge removes src->dst. Absent edges are ignored.
func (db *DB) RemoveEdge(ctx context.Context, src, dst storage.NodeID) error {
	return db.mutate(ctx, OpRemoveEdge, func() { db.graph.RemoveEdge(src, dst) })
}

// UpdateNodeMetadata merges md into the metadata of id. An absent id is
// silently ignored and is not created.
func (db *DB) UpdateNodeMetadata(ctx context.Context, id storage.NodeID, md storage.Metadata) error {
	if err := checkMetadata(OpUpdateNodeMetadata, md); err != nil {
		return err
	}
	return db.mutate(ctx, OpUpdateNodeMetadata, func() { db.graph.UpdateNodeMetadata(id, md) })
}

// AddNodeWithOutlinks creates or merges id and links it to every outlink.
func (db *DB) AddNodeWithOutlinks(ctx context.Context, id storage.NodeID, outlinks []storage.NodeID, md storage.Metadata) error {
	if err := checkMetadata(OpAddNodeWithOutlinks, md); err != nil {
		return err
	}
	return db.mutate(ctx, OpAddNodeWithOutlinks, func() { db.graph.AddNodeWithOutlinks(id, outlinks, md) })
}

// checkMetadata rejects metadata the snapshot encoder cannot write, before
// anything reaches the graph.
func checkMetadata(op string, md storage.Metadata) error {
	if err := md.Validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// mutate applies fn under the structural lock (taken inside the Graph),
// then saves. The structural lock is always released before Save takes the
// I/O lock.
func (db *DB) mutate(ctx context.Context, op string, fn func()) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return storage.ErrClosed
	}

	fn()
	if db.metrics != nil {
		db.metrics.ObserveMutation(op, db.graph.Describe())
	}
	if err := db.persister.Save(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// NodeMetadata returns a copy of the metadata of id, or storage.ErrNotFound.
func (db *DB) NodeMetadata(id storage.NodeID) (storage.Metadata, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	return db.graph.NodeMetadata(id)
}

// Outlinks returns the sorted targets of the edges leaving id.
func (db *DB) Outlinks(id storage.NodeID) ([]storage.NodeID, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	return db.graph.Successors(id)
}

// Backlinks returns the sorted sources of the edges entering id.
func (db *DB) Backlinks(id storage.NodeID) ([]storage.NodeID, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	return db.graph.Predecessors(id)
}

// Subgraph returns the induced edges within k outgoing hops of id.
func (db *DB) Subgraph(id storage.NodeID, k int) ([]neighborhood.Triple, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	return db.extractor.Subgraph(id, k)
}

// Ego returns the k-hop neighborhood of id with depths and latest scores.
func (db *DB) Ego(id storage.NodeID, k int, opts ...neighborhood.EgoOption) (*neighborhood.Ego, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	return db.extractor.Ego(id, k, opts...)
}

// PageRank returns the latest score of id. It fails with
// storage.ErrNotFound before the first run or for ids absent from it.
func (db *DB) PageRank(id storage.NodeID) (float64, error) {
	if err := db.checkOpen(); err != nil {
		return 0, err
	}
	return db.engine.Score(id)
}

// PageRanks returns the whole latest rank table.
func (db *DB) PageRanks() (map[storage.NodeID]float64, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	return db.engine.Scores()
}

// PageRankTable returns the latest table with its run metadata.
func (db *DB) PageRankTable() (*pagerank.Table, bool) {
	return db.engine.Table()
}

// CalculatePageRank recomputes the rank table now and waits for it.
func (db *DB) CalculatePageRank(ctx context.Context) (*pagerank.Table, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	return db.engine.Calculate(ctx)
}

// TriggerPageRank requests a recomputation without waiting for it. With the
// scheduler disabled the run happens on a background goroutine that Close
// waits for.
func (db *DB) TriggerPageRank() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return storage.ErrClosed
	}
	if db.scheduler != nil {
		db.scheduler.Trigger()
		return nil
	}
	db.bgWg.Add(1)
	go func() {
		defer db.bgWg.Done()
		if _, err := db.engine.Calculate(context.Background()); err != nil {
			db.logger.Error("triggered pagerank run failed", zap.Error(err))
		}
	}()
	return nil
}

// Describe returns node and edge counts.
func (db *DB) Describe() storage.Stats {
	return db.graph.Describe()
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (db *DB) Registry() *prometheus.Registry {
	return db.registry
}

// Err returns the latched storage failure, if any.
func (db *DB) Err() error {
	return db.persister.Err()
}

// Save writes a snapshot now. Mutations already save; this is for flushing
// a fresh rank table.
func (db *DB) Save(ctx context.Context) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return storage.ErrClosed
	}
	return db.persister.Save(ctx)
}

// Close stops the scheduler, writes a final snapshot and closes the store.
// Closing twice is a no-op.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	if db.scheduler != nil {
		db.scheduler.Stop()
	}
	db.bgWg.Wait()

	var errs []error
	if db.persister.Err() == nil {
		if err := db.persister.Save(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("final save: %w", err))
		}
	}
	if err := db.persister.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	db.logger.Info("webgraph closed", zap.Stringer("graph", db.graph.Describe()))
	return errors.Join(errs...)
}

func (db *DB) checkOpen() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return storage.ErrClosed
	}
	return nil
}
