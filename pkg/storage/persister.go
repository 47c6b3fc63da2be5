package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// SnapshotStore is the backend that holds the single current snapshot blob.
//
// Write replaces the previous blob wholesale; a reader never observes a
// partially written blob. Read returns ErrNoSnapshot when nothing has been
// written yet.
type SnapshotStore interface {
	Write(ctx context.Context, data []byte) error
	Read(ctx context.Context) ([]byte, error)
	Name() string
	Close() error
}

// SaveObserver receives the outcome of every persistence attempt.
// The metrics package implements it.
type SaveObserver interface {
	ObserveSave(outcome string, elapsed time.Duration, size int)
}

// Save outcomes reported to a SaveObserver.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
	OutcomeFatal = "fatal"
)

// RankSource returns the latest rank scores to embed in a snapshot, or nil
// when no table exists.
type RankSource func() map[NodeID]float64

// Persister writes full snapshots of a Graph to a SnapshotStore.
//
// Save serializes on the I/O lock and takes its copy of the graph only after
// acquiring it, so the last completed Save always reflects every mutation
// that finished before it started. The I/O lock is never requested while
// holding the graph's structural lock.
//
// Transient store failures are retried with linear backoff. Unrecoverable
// failures latch the persister: every later Save fails fast with
// ErrStorageFatal and the fatal handler runs exactly once.
type Persister struct {
	mu    sync.Mutex
	graph *Graph
	store SnapshotStore

	maxRetries int
	backoff    time.Duration
	ranks      RankSource
	observer   SaveObserver
	onFatal    func(error)
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time

	fatal     error
	fatalOnce sync.Once
}

// PersisterOption configures a Persister.
type PersisterOption func(*Persister)

// WithRetry sets how many times a failed store operation is retried and the
// base delay between attempts. Attempt n waits n*backoff.
func WithRetry(maxRetries int, backoff time.Duration) PersisterOption {
	return func(p *Persister) {
		p.maxRetries = maxRetries
		p.backoff = backoff
	}
}

// WithRankSource embeds the scores returned by src in every snapshot.
func WithRankSource(src RankSource) PersisterOption {
	return func(p *Persister) { p.ranks = src }
}

// WithSaveObserver reports every save outcome to obs.
func WithSaveObserver(obs SaveObserver) PersisterOption {
	return func(p *Persister) { p.observer = obs }
}

// WithFatalHandler registers fn to be called once when the persister latches
// into the failed state. fn must not block or call back into the persister.
func WithFatalHandler(fn func(error)) PersisterOption {
	return func(p *Persister) { p.onFatal = fn }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) PersisterOption {
	return func(p *Persister) { p.logger = l }
}

// WithTracer sets the tracer used for save and load spans.
func WithTracer(t trace.Tracer) PersisterOption {
	return func(p *Persister) { p.tracer = t }
}

// NewPersister creates a Persister that saves g to store.
func NewPersister(g *Graph, store SnapshotStore, opts ...PersisterOption) *Persister {
	p := &Persister{
		graph:      g,
		store:      store,
		maxRetries: 3,
		backoff:    50 * time.Millisecond,
		logger:     zap.NewNop(),
		tracer:     noop.NewTracerProvider().Tracer("webgraph/storage"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Save writes a snapshot of the current graph state, replacing the previous one.
func (p *Persister) Save(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fatal != nil {
		return p.fatal
	}

	ctx, span := p.tracer.Start(ctx, "storage.Save", trace.WithAttributes(
		attribute.String("store", p.store.Name()),
	))
	defer span.End()

	start := time.Now()
	nodes, edges := p.graph.Export()
	payload := &SnapshotPayload{Nodes: nodes, Edges: edges}
	if p.ranks != nil {
		payload.Ranks = p.ranks()
	}
	span.SetAttributes(attribute.Int("nodes", len(nodes)), attribute.Int("edges", len(edges)))

	data, err := EncodeSnapshot(payload, p.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode")
		p.observe(OutcomeError, time.Since(start), 0)
		return err
	}

	err = p.retry(ctx, "write", func() error { return p.store.Write(ctx, data) })
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write")
		if errors.Is(err, ErrStorageFatal) {
			p.observe(OutcomeFatal, elapsed, len(data))
		} else {
			p.observe(OutcomeError, elapsed, len(data))
		}
		return err
	}

	p.observe(OutcomeOK, elapsed, len(data))
	p.logger.Debug("snapshot saved",
		zap.String("store", p.store.Name()),
		zap.Int("nodes", len(nodes)),
		zap.Int("edges", len(edges)),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

// Load replaces the graph contents with the stored snapshot and returns the
// rank scores it carried, if any. When the store holds no snapshot the graph
// is left untouched and Load returns (nil, nil).
func (p *Persister) Load(ctx context.Context) (map[NodeID]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fatal != nil {
		return nil, p.fatal
	}

	ctx, span := p.tracer.Start(ctx, "storage.Load", trace.WithAttributes(
		attribute.String("store", p.store.Name()),
	))
	defer span.End()

	var data []byte
	err := p.retry(ctx, "read", func() error {
		var rerr error
		data, rerr = p.store.Read(ctx)
		if errors.Is(rerr, ErrNoSnapshot) {
			return nil
		}
		return rerr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read")
		return nil, err
	}
	if data == nil {
		p.logger.Info("no snapshot found, starting empty", zap.String("store", p.store.Name()))
		return nil, nil
	}

	snap, payload, err := DecodeSnapshot(data)
	if err != nil {
		err = p.latch(fmt.Errorf("%w: %w: reading %s: %w", ErrStorageFatal, ErrIO, p.store.Name(), err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode")
		return nil, err
	}

	p.graph.Replace(payload.Nodes, payload.Edges)
	stats := p.graph.Describe()
	span.SetAttributes(attribute.Int("nodes", stats.Nodes), attribute.Int("edges", stats.Edges))
	p.logger.Info("snapshot loaded",
		zap.String("store", p.store.Name()),
		zap.Time("saved_at", snap.SavedAt),
		zap.Int("nodes", stats.Nodes),
		zap.Int("edges", stats.Edges),
		zap.Bool("has_ranks", payload.Ranks != nil),
	)
	return payload.Ranks, nil
}

// Err returns the latched fatal error, or nil while the persister is healthy.
func (p *Persister) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatal
}

// Close closes the underlying store.
func (p *Persister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.Close()
}

// retry runs op up to 1+maxRetries times. Every failure is wrapped in ErrIO;
// unrecoverable ones are also wrapped in ErrStorageFatal and latch p.
// Caller must hold p.mu.
func (p *Persister) retry(ctx context.Context, what string, op func() error) error {
	var err error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * p.backoff
			p.logger.Warn("retrying snapshot "+what,
				zap.String("store", p.store.Name()),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %s %s: %w", ErrIO, what, p.store.Name(), ctx.Err())
			case <-time.After(wait):
			}
		}

		err = op()
		if err == nil {
			return nil
		}
		if IsFatal(err) {
			return p.latch(fmt.Errorf("%w: %w: %s %s: %w", ErrStorageFatal, ErrIO, what, p.store.Name(), err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	p.logger.Error("snapshot "+what+" failed",
		zap.String("store", p.store.Name()),
		zap.Int("attempts", p.maxRetries+1),
		zap.Error(err),
	)
	return fmt.Errorf("%w: %s %s: %w", ErrIO, what, p.store.Name(), err)
}

// latch records err as the permanent failure and fires the fatal handler once.
// Caller must hold p.mu.
func (p *Persister) latch(err error) error {
	if p.fatal == nil {
		p.fatal = err
	}
	p.fatalOnce.Do(func() {
		p.logger.Error("storage failed permanently, refusing further writes", zap.Error(err))
		if p.onFatal != nil {
			p.onFatal(err)
		}
	})
	return p.fatal
}

func (p *Persister) observe(outcome string, elapsed time.Duration, size int) {
	if p.observer != nil {
		p.observer.ObserveSave(outcome, elapsed, size)
	}
}

// IsFatal reports whether err is a storage failure that retrying cannot fix:
// permission denied, a read-only or full filesystem, or a corrupt snapshot.
func IsFatal(err error) bool {
	switch {
	case errors.Is(err, ErrStorageFatal),
		errors.Is(err, ErrCorruptSnapshot),
		errors.Is(err, fs.ErrPermission),
		errors.Is(err, syscall.EROFS),
		errors.Is(err, syscall.ENOSPC):
		return true
	default:
		return false
	}
}
