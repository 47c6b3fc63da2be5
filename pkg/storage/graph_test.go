package storage

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraph_AddNode(t *testing.T) {
	t.Run("creates_node_with_metadata", func(t *testing.T) {
		g := NewGraph()
		g.AddNode("NodeA", Metadata{"category": String("test")})

		md, err := g.NodeMetadata("NodeA")
		require.NoError(t, err)
		assert.Equal(t, "test", md["category"].Any())
	})

	t.Run("merges_into_existing_node", func(t *testing.T) {
		g := NewGraph()
		g.AddNode("a", Metadata{"x": Number(1), "y": Number(2)})
		g.AddNode("a", Metadata{"y": Number(3)})

		md, err := g.NodeMetadata("a")
		require.NoError(t, err)
		assert.Equal(t, 1.0, md["x"].Any())
		assert.Equal(t, 3.0, md["y"].Any())
		assert.Equal(t, 1, g.Describe().Nodes)
	})

	t.Run("accepts_empty_id", func(t *testing.T) {
		g := NewGraph()
		g.AddNode("", nil)
		assert.True(t, g.HasNode(""))
	})

	t.Run("copies_caller_metadata", func(t *testing.T) {
		g := NewGraph()
		md := Metadata{"k": String("v")}
		g.AddNode("a", md)
		md["k"] = String("changed")

		got, err := g.NodeMetadata("a")
		require.NoError(t, err)
		assert.Equal(t, "v", got["k"].Any())
	})
}

func TestGraph_AddEdge(t *testing.T) {
	t.Run("creates_missing_endpoints", func(t *testing.T) {
		g := NewGraph()
		g.AddEdge("x", "y")

		assert.True(t, g.HasNode("x"))
		assert.True(t, g.HasNode("y"))
		assert.True(t, g.HasEdge("x", "y"))
		assert.False(t, g.HasEdge("y", "x"))

		md, err := g.NodeMetadata("y")
		require.NoError(t, err)
		assert.Empty(t, md)
	})

	t.Run("is_idempotent", func(t *testing.T) {
		g := NewGraph()
		g.AddEdge("a", "b")
		g.AddEdge("a", "b")
		assert.Equal(t, Stats{Nodes: 2, Edges: 1}, g.Describe())
	})

	t.Run("allows_self_loops", func(t *testing.T) {
		g := NewGraph()
		g.AddEdge("a", "a")
		assert.True(t, g.HasEdge("a", "a"))
		assert.Equal(t, Stats{Nodes: 1, Edges: 1}, g.Describe())

		g.RemoveNode("a")
		assert.Equal(t, Stats{}, g.Describe())
	})

	t.Run("keeps_existing_endpoint_metadata", func(t *testing.T) {
		g := NewGraph()
		g.AddNode("a", Metadata{"k": String("v")})
		g.AddEdge("a", "b")

		md, err := g.NodeMetadata("a")
		require.NoError(t, err)
		assert.Equal(t, "v", md["k"].Any())
	})
}

func TestGraph_RemoveNode(t *testing.T) {
	t.Run("removes_incident_edges", func(t *testing.T) {
		g := NewGraph()
		g.AddEdge("a", "b")
		g.AddEdge("b", "c")
		g.AddEdge("c", "b")
		g.AddEdge("a", "c")

		g.RemoveNode("b")

		assert.False(t, g.HasNode("b"))
		assert.Equal(t, []Edge{{Source: "a", Target: "c", Attributes: Metadata{}}}, g.Edges())
		succ, err := g.Successors("a")
		require.NoError(t, err)
		assert.Equal(t, []NodeID{"c"}, succ)
		pred, err := g.Predecessors("c")
		require.NoError(t, err)
		assert.Equal(t, []NodeID{"a"}, pred)
	})

	t.Run("absent_node_is_noop", func(t *testing.T) {
		g := NewGraph()
		g.AddNode("a", nil)
		g.RemoveNode("NoSuchNode")
		assert.Equal(t, 1, g.Describe().Nodes)
	})

	t.Run("metadata_lookup_fails_after_removal", func(t *testing.T) {
		g := NewGraph()
		g.AddNode("NodeD", nil)
		g.RemoveNode("NodeD")

		_, err := g.NodeMetadata("NodeD")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGraph_RemoveEdge(t *testing.T) {
	t.Run("keeps_endpoints", func(t *testing.T) {
		g := NewGraph()
		g.AddEdge("NodeE", "NodeF")
		g.RemoveEdge("NodeE", "NodeF")

		assert.False(t, g.HasEdge("NodeE", "NodeF"))
		assert.Equal(t, Stats{Nodes: 2, Edges: 0}, g.Describe())
	})

	t.Run("absent_edge_is_noop", func(t *testing.T) {
		g := NewGraph()
		g.AddNode("X", nil)
		g.AddNode("Y", nil)
		g.RemoveEdge("X", "Y")
		g.RemoveEdge("nope", "Y")
		assert.Equal(t, Stats{Nodes: 2, Edges: 0}, g.Describe())
	})
}

func TestGraph_UpdateNodeMetadata(t *testing.T) {
	t.Run("merges_keys", func(t *testing.T) {
		g := NewGraph()
		g.AddNode("NodeG", Metadata{"color": String("blue")})
		g.UpdateNodeMetadata("NodeG", Metadata{"color": String("red"), "visited": Bool(true)})

		md, err := g.NodeMetadata("NodeG")
		require.NoError(t, err)
		assert.Equal(t, "red", md["color"].Any())
		assert.Equal(t, true, md["visited"].Any())
	})

	t.Run("absent_node_is_ignored", func(t *testing.T) {
		g := NewGraph()
		g.UpdateNodeMetadata("ghost", Metadata{"k": String("v")})

		assert.False(t, g.HasNode("ghost"))
		_, err := g.NodeMetadata("ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGraph_NodeMetadata(t *testing.T) {
	t.Run("unknown_node_is_not_found", func(t *testing.T) {
		g := NewGraph()
		_, err := g.NodeMetadata("NonExistentNode")
		require.ErrorIs(t, err, ErrNotFound)
		assert.Contains(t, err.Error(), "NonExistentNode")
	})

	t.Run("returns_a_copy", func(t *testing.T) {
		g := NewGraph()
		g.AddNode("a", Metadata{"k": String("v")})

		md, err := g.NodeMetadata("a")
		require.NoError(t, err)
		md["k"] = String("mutated")

		md, err = g.NodeMetadata("a")
		require.NoError(t, err)
		assert.Equal(t, "v", md["k"].Any())
	})
}

func TestGraph_AddNodeWithOutlinks(t *testing.T) {
	t.Run("creates_hub_and_targets", func(t *testing.T) {
		g := NewGraph()
		g.AddNodeWithOutlinks("NodeH", []NodeID{"NodeI", "NodeJ"}, Metadata{"type": String("hub")})

		md, err := g.NodeMetadata("NodeH")
		require.NoError(t, err)
		assert.Equal(t, "hub", md["type"].Any())
		assert.True(t, g.HasEdge("NodeH", "NodeI"))
		assert.True(t, g.HasEdge("NodeH", "NodeJ"))
		assert.Equal(t, Stats{Nodes: 3, Edges: 2}, g.Describe())
	})

	t.Run("collapses_duplicate_targets", func(t *testing.T) {
		g := NewGraph()
		g.AddNodeWithOutlinks("a", []NodeID{"b", "b", "c", "b"}, nil)
		assert.Equal(t, Stats{Nodes: 3, Edges: 2}, g.Describe())
	})

	t.Run("empty_outlinks_creates_node_only", func(t *testing.T) {
		g := NewGraph()
		g.AddNodeWithOutlinks("solo", nil, Metadata{"k": Number(1)})
		assert.Equal(t, Stats{Nodes: 1, Edges: 0}, g.Describe())
	})
}

func TestGraph_ExportReplace(t *testing.T) {
	g := NewGraph()
	g.AddNode("b", Metadata{"k": String("v")})
	g.AddEdge("c", "a")
	g.AddEdge("a", "b")

	nodes, edges := g.Export()
	require.Len(t, nodes, 3)
	assert.Equal(t, []NodeID{"a", "b", "c"}, []NodeID{nodes[0].ID, nodes[1].ID, nodes[2].ID})
	require.Len(t, edges, 2)
	assert.Equal(t, NodeID("a"), edges[0].Source)
	assert.Equal(t, NodeID("c"), edges[1].Source)

	other := NewGraph()
	other.AddNode("stale", nil)
	other.Replace(nodes, edges)

	assert.False(t, other.HasNode("stale"))
	assert.Equal(t, g.Describe(), other.Describe())
	assert.Equal(t, g.Edges(), other.Edges())
	md, err := other.NodeMetadata("b")
	require.NoError(t, err)
	assert.Equal(t, "v", md["k"].Any())
}

func TestGraph_Topology(t *testing.T) {
	g := NewGraph()
	g.AddNodeWithOutlinks("k", []NodeID{"l", "m"}, nil)
	g.AddEdge("l", "m")

	topo := g.Topology()
	assert.Equal(t, []NodeID{"k", "l", "m"}, topo.IDs)
	assert.Equal(t, [][]int{{1, 2}, {2}, nil}, topo.Out)
	assert.Equal(t, 3, topo.Edges())
}

func TestGraph_View(t *testing.T) {
	g := NewGraph()
	g.AddEdge("a", "b")
	g.AddEdge("c", "b")

	err := g.View(func(v View) error {
		assert.True(t, v.HasNode("a"))
		assert.True(t, v.HasEdge("a", "b"))
		assert.Equal(t, []NodeID{"b"}, v.Successors("a"))
		assert.Equal(t, []NodeID{"a", "c"}, v.Predecessors("b"))
		assert.Empty(t, v.Successors("missing"))
		return nil
	})
	require.NoError(t, err)
}

func TestGraph_Version(t *testing.T) {
	g := NewGraph()
	v0 := g.Version()

	g.AddEdge("a", "b")
	v1 := g.Version()
	assert.Greater(t, v1, v0)

	_, _ = g.NodeMetadata("a")
	_ = g.Edges()
	assert.Equal(t, v1, g.Version(), "reads do not bump the version")

	t.Run("no_op_mutations_keep_version", func(t *testing.T) {
		g.RemoveEdge("x", "y")
		g.RemoveEdge("b", "a")
		g.RemoveNode("missing")
		g.UpdateNodeMetadata("missing", Metadata{"k": String("v")})
		g.UpdateNodeMetadata("a", nil)
		g.AddEdge("a", "b")
		g.AddNode("a", nil)
		g.AddNodeWithOutlinks("a", []NodeID{"b"}, nil)
		assert.Equal(t, v1, g.Version())
	})

	t.Run("real_mutations_bump_version", func(t *testing.T) {
		steps := []struct {
			name string
			fn   func()
		}{
			{"add_node", func() { g.AddNode("c", nil) }},
			{"merge_metadata", func() { g.AddNode("c", Metadata{"k": String("v")}) }},
			{"update_metadata", func() { g.UpdateNodeMetadata("a", Metadata{"k": Number(1)}) }},
			{"add_outlink", func() { g.AddNodeWithOutlinks("a", []NodeID{"c"}, nil) }},
			{"remove_edge", func() { g.RemoveEdge("a", "c") }},
			{"remove_node", func() { g.RemoveNode("c") }},
		}
		for _, step := range steps {
			before := g.Version()
			step.fn()
			assert.Greater(t, g.Version(), before, step.name)
		}
	})

	require.NoError(t, g.View(func(v View) error {
		assert.Equal(t, g.version, v.Version())
		return nil
	}))
}

func TestGraph_Concurrency(t *testing.T) {
	g := NewGraph()
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				src := NodeID(fmt.Sprintf("w%d-%d", w, i))
				g.AddNodeWithOutlinks(src, []NodeID{"hub"}, Metadata{"i": Number(float64(i))})
				_, _ = g.NodeMetadata(src)
				_ = g.Topology()
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, Stats{Nodes: 801, Edges: 800}, g.Describe())
	pred, err := g.Predecessors("hub")
	require.NoError(t, err)
	assert.Len(t, pred, 800)
}
