package pagerank

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/orneryd/webgraph/pkg/storage"
)

func sum(scores map[storage.NodeID]float64) float64 {
	total := 0.0
	for _, s := range scores {
		total += s
	}
	return total
}

func klmGraph() *storage.Graph {
	g := storage.NewGraph()
	g.AddNodeWithOutlinks("NodeK", []storage.NodeID{"NodeL", "NodeM"}, nil)
	g.AddNodeWithOutlinks("NodeL", []storage.NodeID{"NodeM"}, nil)
	g.AddNode("NodeM", nil)
	return g
}

type runRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *runRecorder) ObserveRun(outcome string, _ time.Duration, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *runRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.outcomes...)
}

func TestEngine_Calculate(t *testing.T) {
	t.Run("chain_with_dangling_sink", func(t *testing.T) {
		e := NewEngine(klmGraph(), DefaultOptions())
		table, err := e.Calculate(context.Background())
		require.NoError(t, err)
		assert.True(t, table.Converged)
		assert.Equal(t, 3, table.Len())

		scores, err := e.Scores()
		require.NoError(t, err)
		for id, s := range scores {
			assert.GreaterOrEqual(t, s, 0.0, id)
			assert.LessOrEqual(t, s, 1.0, id)
		}
		assert.InDelta(t, 1.0, sum(scores), 1e-5)
		assert.Greater(t, scores["NodeM"], scores["NodeK"])
		assert.Greater(t, scores["NodeM"], scores["NodeL"])
	})

	t.Run("matches_closed_form_for_two_cycle", func(t *testing.T) {
		g := storage.NewGraph()
		g.AddEdge("a", "b")
		g.AddEdge("b", "a")

		e := NewEngine(g, DefaultOptions())
		_, err := e.Calculate(context.Background())
		require.NoError(t, err)

		a, err := e.Score("a")
		require.NoError(t, err)
		b, err := e.Score("b")
		require.NoError(t, err)
		assert.InDelta(t, 0.5, a, 1e-9)
		assert.InDelta(t, 0.5, b, 1e-9)
	})

	t.Run("isolated_nodes_share_equally", func(t *testing.T) {
		g := storage.NewGraph()
		for i := 0; i < 4; i++ {
			g.AddNode(storage.NodeID(fmt.Sprintf("n%d", i)), nil)
		}
		e := NewEngine(g, DefaultOptions())
		table, err := e.Calculate(context.Background())
		require.NoError(t, err)
		for _, s := range table.Scores() {
			assert.InDelta(t, 0.25, s, 1e-12)
		}
	})

	t.Run("single_node_scores_one", func(t *testing.T) {
		g := storage.NewGraph()
		g.AddNode("A", nil)
		e := NewEngine(g, DefaultOptions())
		_, err := e.Calculate(context.Background())
		require.NoError(t, err)

		s, err := e.Score("A")
		require.NoError(t, err)
		assert.InDelta(t, 1.0, s, 1e-12)
	})

	t.Run("empty_graph_yields_empty_table", func(t *testing.T) {
		e := NewEngine(storage.NewGraph(), DefaultOptions())
		table, err := e.Calculate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, table.Len())

		scores, err := e.Scores()
		require.NoError(t, err, "an empty table is still a table")
		assert.Empty(t, scores)
	})

	t.Run("non_convergence_is_not_an_error", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		rec := &runRecorder{}
		e := NewEngine(klmGraph(), Options{Damping: 0.85, Tolerance: 1e-12, MaxIterations: 2},
			WithLogger(zap.New(core)), WithRunObserver(rec))

		table, err := e.Calculate(context.Background())
		require.NoError(t, err)
		assert.False(t, table.Converged)
		assert.Equal(t, 2, table.Iterations)
		assert.InDelta(t, 1.0, sum(table.Scores()), 1e-9)
		assert.Equal(t, 1, logs.FilterMessage("pagerank did not converge").Len())
		assert.Equal(t, []string{OutcomeNotConverged}, rec.list())
	})
}

func TestEngine_Lookups(t *testing.T) {
	t.Run("before_first_run_is_not_found", func(t *testing.T) {
		e := NewEngine(klmGraph(), DefaultOptions())

		_, err := e.Score("AnyNode")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = e.Scores()
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, ok := e.Table()
		assert.False(t, ok)
		assert.Nil(t, e.Latest())
	})

	t.Run("unknown_node_is_not_found", func(t *testing.T) {
		g := storage.NewGraph()
		g.AddNode("A", nil)
		e := NewEngine(g, DefaultOptions())
		_, err := e.Calculate(context.Background())
		require.NoError(t, err)

		_, err = e.Score("NoSuchNode")
		require.ErrorIs(t, err, storage.ErrNotFound)
		assert.Contains(t, err.Error(), "NoSuchNode")
	})

	t.Run("table_goes_stale_not_invalid", func(t *testing.T) {
		g := klmGraph()
		e := NewEngine(g, DefaultOptions())
		_, err := e.Calculate(context.Background())
		require.NoError(t, err)

		g.AddNode("NodeN", nil)
		g.RemoveNode("NodeK")

		_, err = e.Score("NodeN")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = e.Score("NodeK")
		assert.NoError(t, err, "removed nodes keep their stale score until the next run")
	})

	t.Run("scores_are_a_copy", func(t *testing.T) {
		e := NewEngine(klmGraph(), DefaultOptions())
		_, err := e.Calculate(context.Background())
		require.NoError(t, err)

		scores, err := e.Scores()
		require.NoError(t, err)
		scores["NodeK"] = 42

		s, err := e.Score("NodeK")
		require.NoError(t, err)
		assert.NotEqual(t, 42.0, s)
	})
}

func TestEngine_Cancellation(t *testing.T) {
	g := klmGraph()
	rec := &runRecorder{}
	e := NewEngine(g, DefaultOptions(), WithRunObserver(rec))
	first, err := e.Calculate(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Calculate(ctx)
	require.ErrorIs(t, err, context.Canceled)

	current, ok := e.Table()
	require.True(t, ok)
	assert.Equal(t, first.ID, current.ID, "a cancelled run keeps the previous table")
	assert.Equal(t, []string{OutcomeOK, OutcomeCancelled}, rec.list())
}

func TestEngine_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"nan_damping", Options{Damping: math.NaN()}},
		{"damping_above_one", Options{Damping: 1.5}},
		{"inf_damping", Options{Damping: math.Inf(1)}},
		{"nan_tolerance", Options{Tolerance: math.NaN()}},
		{"negative_tolerance", Options{Tolerance: -1}},
		{"negative_iterations", Options{MaxIterations: -3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &runRecorder{}
			e := NewEngine(klmGraph(), tt.opts, WithRunObserver(rec))
			_, err := e.Calculate(context.Background())
			require.ErrorIs(t, err, ErrInvalidOptions)

			_, ok := e.Table()
			assert.False(t, ok, "no table is published")
			assert.Nil(t, e.Latest())
			assert.Equal(t, []string{OutcomeError}, rec.list())
		})
	}

	t.Run("previous_table_survives", func(t *testing.T) {
		e := NewEngine(klmGraph(), DefaultOptions())
		e.Restore(map[storage.NodeID]float64{"NodeK": 1})
		e.opts.Damping = math.NaN()
		_, err := e.Calculate(context.Background())
		require.ErrorIs(t, err, ErrInvalidOptions)
		s, err := e.Score("NodeK")
		require.NoError(t, err)
		assert.Equal(t, 1.0, s)
	})

	t.Run("zero_fields_use_defaults", func(t *testing.T) {
		e := NewEngine(klmGraph(), Options{})
		assert.Equal(t, DefaultOptions(), e.opts)
		table, err := e.Calculate(context.Background())
		require.NoError(t, err)
		for id, s := range table.Scores() {
			assert.False(t, math.IsNaN(s) || math.IsInf(s, 0), id)
		}
	})
}

func TestFinite(t *testing.T) {
	_, _, _, err := finite([]float64{0.5, math.NaN()}, 3, true)
	assert.ErrorIs(t, err, ErrNonFinite)
	_, _, _, err = finite([]float64{math.Inf(1)}, 1, false)
	assert.ErrorIs(t, err, ErrNonFinite)

	rank, iters, converged, err := finite([]float64{0.25, 0.75}, 7, true)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25, 0.75}, rank)
	assert.Equal(t, 7, iters)
	assert.True(t, converged)
}

func TestEngine_Restore(t *testing.T) {
	e := NewEngine(klmGraph(), DefaultOptions())
	e.Restore(nil)
	_, ok := e.Table()
	assert.False(t, ok)

	e.Restore(map[storage.NodeID]float64{"NodeK": 0.3})
	table, ok := e.Table()
	require.True(t, ok)
	assert.True(t, table.Restored)
	s, err := e.Score("NodeK")
	require.NoError(t, err)
	assert.Equal(t, 0.3, s)
}

func TestEngine_Tracing(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	e := NewEngine(klmGraph(), DefaultOptions(), WithTracer(tp.Tracer("test")))

	_, err := e.Calculate(context.Background())
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "pagerank.Calculate", spans[0].Name())

	attrs := map[string]any{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, int64(3), attrs["nodes"])
	assert.Equal(t, int64(3), attrs["edges"])
	assert.Equal(t, true, attrs["converged"])
}

func TestEngine_ConcurrentReadsAndMutations(t *testing.T) {
	g := storage.NewGraph()
	for i := 0; i < 50; i++ {
		g.AddEdge(storage.NodeID(fmt.Sprintf("p%d", i)), storage.NodeID(fmt.Sprintf("p%d", (i+1)%50)))
	}
	e := NewEngine(g, DefaultOptions())

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := e.Calculate(context.Background())
				assert.NoError(t, err)
			}
		}()
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				g.AddEdge(storage.NodeID(fmt.Sprintf("w%d", w)), storage.NodeID(fmt.Sprintf("p%d", i)))
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, _ = e.Scores()
			}
		}()
	}
	wg.Wait()

	table, err := e.Calculate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 54, table.Len())
	assert.InDelta(t, 1.0, sum(table.Scores()), 1e-6)
}
