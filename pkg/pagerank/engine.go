// Package pagerank computes global importance scores over a storage.Graph.
//
// The Engine runs power-iteration PageRank with uniform redistribution of
// dangling mass. A run copies the graph topology under the structural read
// lock, releases it, iterates lock-free and finally publishes an immutable
// Table with an atomic pointer swap. Readers never block behind a run, and
// mutations made during a run are simply not reflected until the next one.
//
// A Table goes stale as soon as the graph changes; nothing invalidates it.
// Before the first run there is no table at all, which is different from the
// empty table produced for an empty graph.
//
// Example:
//
//	engine := pagerank.NewEngine(g, pagerank.DefaultOptions())
//	if _, err := engine.Calculate(ctx); err != nil {
//		return err
//	}
//	score, err := engine.Score("https://example.com/")
package pagerank

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/orneryd/webgraph/pkg/storage"
)

// Options controls the iteration.
type Options struct {
	// Damping is the probability of following a link rather than jumping.
	Damping float64

	// Tolerance stops iteration once the L1 change between two successive
	// score vectors drops below it.
	Tolerance float64

	// MaxIterations caps the number of iterations.
	MaxIterations int
}

// Errors returned by Compute and Calculate. Neither publishes a table.
var (
	ErrInvalidOptions = errors.New("invalid pagerank options")
	ErrNonFinite      = errors.New("pagerank produced non-finite scores")
)

// Validate checks that damping lies in (0,1), tolerance is positive and
// MaxIterations is at least one. NaN fails every check.
func (o Options) Validate() error {
	var errs []error
	if !(o.Damping > 0 && o.Damping < 1) {
		errs = append(errs, fmt.Errorf("%w: damping %g", ErrInvalidOptions, o.Damping))
	}
	if !(o.Tolerance > 0) {
		errs = append(errs, fmt.Errorf("%w: tolerance %g", ErrInvalidOptions, o.Tolerance))
	}
	if o.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("%w: max iterations %d", ErrInvalidOptions, o.MaxIterations))
	}
	return errors.Join(errs...)
}

// DefaultOptions returns damping 0.85, tolerance 1e-6 and 100 iterations.
func DefaultOptions() Options {
	return Options{
		Damping:       0.85,
		Tolerance:     1e-6,
		MaxIterations: 100,
	}
}

// Table is an immutable rank table produced by one run.
type Table struct {
	ID         uuid.UUID
	ComputedAt time.Time
	Iterations int
	Converged  bool

	// Restored is set when the table was loaded from a snapshot instead of computed.
	Restored bool

	scores map[storage.NodeID]float64
}

// Len returns the number of nodes covered by the table.
func (t *Table) Len() int { return len(t.scores) }

// Score returns the score of id and whether the table covers it.
func (t *Table) Score(id storage.NodeID) (float64, bool) {
	s, ok := t.scores[id]
	return s, ok
}

// Scores returns a copy of every score in the table.
func (t *Table) Scores() map[storage.NodeID]float64 {
	out := make(map[storage.NodeID]float64, len(t.scores))
	for id, s := range t.scores {
		out[id] = s
	}
	return out
}

// Run outcomes reported to a RunObserver.
const (
	OutcomeOK           = "ok"
	OutcomeNotConverged = "not_converged"
	OutcomeCancelled    = "cancelled"
	OutcomeError        = "error"
	OutcomePanic        = "panic"
)

// RunObserver receives the outcome of every run. The metrics package implements it.
type RunObserver interface {
	ObserveRun(outcome string, elapsed time.Duration, iterations int)
}

// Engine computes and serves PageRank tables for one graph.
type Engine struct {
	graph *storage.Graph
	opts  Options

	runMu sync.Mutex
	table atomic.Pointer[Table]

	logger   *zap.Logger
	tracer   trace.Tracer
	observer RunObserver
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTracer sets the tracer used for run spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithRunObserver reports every run to obs.
func WithRunObserver(obs RunObserver) Option {
	return func(e *Engine) { e.observer = obs }
}

// NewEngine creates an Engine over g. Zero fields in opts fall back to DefaultOptions.
func NewEngine(g *storage.Graph, opts Options, options ...Option) *Engine {
	def := DefaultOptions()
	if opts.Damping == 0 {
		opts.Damping = def.Damping
	}
	if opts.Tolerance == 0 {
		opts.Tolerance = def.Tolerance
	}
	if opts.MaxIterations == 0 {
		opts.MaxIterations = def.MaxIterations
	}
	e := &Engine{
		graph:  g,
		opts:   opts,
		logger: zap.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("webgraph/pagerank"),
		now:    time.Now,
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// Calculate runs PageRank over the current graph and publishes the result.
//
// Concurrent calls are serialized. If ctx is cancelled between iterations
// the run is abandoned, ctx.Err() is returned and the previous table stays
// in place. Invalid options or a non-finite result also keep the previous
// table. Reaching MaxIterations without converging is not an error: the
// table is published with Converged=false and a warning is logged.
func (e *Engine) Calculate(ctx context.Context) (*Table, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	ctx, span := e.tracer.Start(ctx, "pagerank.Calculate")
	defer span.End()

	start := time.Now()
	topo := e.graph.Topology()
	span.SetAttributes(
		attribute.Int("nodes", len(topo.IDs)),
		attribute.Int("edges", topo.Edges()),
	)

	ranks, iterations, converged, err := Compute(ctx, topo, e.opts)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "cancelled")
			e.observe(OutcomeCancelled, elapsed, iterations)
			e.logger.Info("pagerank run abandoned",
				zap.Int("iterations", iterations),
				zap.Error(err),
			)
			return nil, err
		}
		span.SetStatus(codes.Error, err.Error())
		e.observe(OutcomeError, elapsed, iterations)
		e.logger.Error("pagerank run failed",
			zap.Int("iterations", iterations),
			zap.Error(err),
		)
		return nil, err
	}

	scores := make(map[storage.NodeID]float64, len(topo.IDs))
	for i, id := range topo.IDs {
		scores[id] = ranks[i]
	}
	table := &Table{
		ID:         uuid.New(),
		ComputedAt: e.now(),
		Iterations: iterations,
		Converged:  converged,
		scores:     scores,
	}
	e.table.Store(table)

	span.SetAttributes(
		attribute.Int("iterations", iterations),
		attribute.Bool("converged", converged),
		attribute.String("table_id", table.ID.String()),
	)
	if converged {
		e.observe(OutcomeOK, elapsed, iterations)
		e.logger.Debug("pagerank computed",
			zap.Stringer("table_id", table.ID),
			zap.Int("nodes", len(topo.IDs)),
			zap.Int("iterations", iterations),
			zap.Duration("elapsed", elapsed),
		)
	} else {
		e.observe(OutcomeNotConverged, elapsed, iterations)
		e.logger.Warn("pagerank did not converge",
			zap.Stringer("table_id", table.ID),
			zap.Int("nodes", len(topo.IDs)),
			zap.Int("max_iterations", e.opts.MaxIterations),
			zap.Float64("tolerance", e.opts.Tolerance),
		)
	}
	return table, nil
}

// Table returns the latest table and whether one exists.
func (e *Engine) Table() (*Table, bool) {
	t := e.table.Load()
	return t, t != nil
}

// Scores returns a copy of the latest table, or storage.ErrNotFound if no
// run has completed yet.
func (e *Engine) Scores() (map[storage.NodeID]float64, error) {
	t := e.table.Load()
	if t == nil {
		return nil, fmt.Errorf("pagerank table: %w", storage.ErrNotFound)
	}
	return t.Scores(), nil
}

// Score returns the score of id from the latest table. It fails with
// storage.ErrNotFound when no run has completed yet or when id was not
// present at the time of the last run.
func (e *Engine) Score(id storage.NodeID) (float64, error) {
	t := e.table.Load()
	if t == nil {
		return 0, fmt.Errorf("pagerank table: %w", storage.ErrNotFound)
	}
	s, ok := t.scores[id]
	if !ok {
		return 0, fmt.Errorf("pagerank of %q: %w", id, storage.ErrNotFound)
	}
	return s, nil
}

// Restore installs a previously persisted score map as the current table.
// A nil map is ignored. The restored table is marked Restored and Converged.
func (e *Engine) Restore(scores map[storage.NodeID]float64) {
	if scores == nil {
		return
	}
	cp := make(map[storage.NodeID]float64, len(scores))
	for id, s := range scores {
		cp[id] = s
	}
	e.table.Store(&Table{
		ID:         uuid.New(),
		ComputedAt: e.now(),
		Converged:  true,
		Restored:   true,
		scores:     cp,
	})
}

// Latest returns the scores of the latest table, or nil when there is none.
// It is shaped to serve as a storage.RankSource.
func (e *Engine) Latest() map[storage.NodeID]float64 {
	t := e.table.Load()
	if t == nil {
		return nil
	}
	return t.Scores()
}

func (e *Engine) observe(outcome string, elapsed time.Duration, iterations int) {
	if e.observer != nil {
		e.observer.ObserveRun(outcome, elapsed, iterations)
	}
}

// Compute runs the power iteration over topo and returns one score per
// topo.IDs entry, the number of iterations performed and whether the L1
// change fell below opts.Tolerance.
//
// Every iteration gives each node (1-d)/N, plus d times the share of each
// predecessor's score split over its out-degree, plus d times the total
// dangling score spread over all N nodes. Scores therefore always sum to 1.
//
// Invalid opts fail with ErrInvalidOptions before any iteration, and a
// result holding NaN or an infinity fails with ErrNonFinite.
func Compute(ctx context.Context, topo *storage.Topology, opts Options) ([]float64, int, bool, error) {
	if err := opts.Validate(); err != nil {
		return nil, 0, false, err
	}
	n := len(topo.IDs)
	if n == 0 {
		return []float64{}, 0, true, nil
	}

	d := opts.Damping
	nf := float64(n)
	rank := make([]float64, n)
	next := make([]float64, n)
	for i := range rank {
		rank[i] = 1 / nf
	}

	for iter := 1; iter <= opts.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, iter - 1, false, err
		}

		dangling := 0.0
		for i, out := range topo.Out {
			if len(out) == 0 {
				dangling += rank[i]
			}
		}
		base := (1-d)/nf + d*dangling/nf
		for i := range next {
			next[i] = base
		}
		for i, out := range topo.Out {
			if len(out) == 0 {
				continue
			}
			share := d * rank[i] / float64(len(out))
			for _, j := range out {
				next[j] += share
			}
		}

		delta := 0.0
		for i := range rank {
			delta += math.Abs(next[i] - rank[i])
		}
		rank, next = next, rank
		if delta < opts.Tolerance {
			return finite(rank, iter, true)
		}
	}
	return finite(rank, opts.MaxIterations, false)
}

func finite(rank []float64, iterations int, converged bool) ([]float64, int, bool, error) {
	for _, r := range rank {
		if math.IsNaN(r) || math.IsInf(r, 0) {
			return nil, iterations, false, ErrNonFinite
		}
	}
	return rank, iterations, converged, nil
}
