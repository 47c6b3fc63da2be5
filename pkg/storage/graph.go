package storage

import (
	"sort"
	"sync"
)

// Graph is the thread-safe in-memory directed graph.
//
// Nodes carry Metadata; edges are unique per ordered (source, target) pair and
// self-loops are allowed. Adjacency is indexed in both directions so that
// successor and predecessor scans are O(degree).
//
// Thread Safety:
//
//	Mutations take the structural lock exclusively, reads take it shared.
//	Every value handed out is a deep copy, so callers may keep or modify it
//	without holding any lock.
//
// Example:
//
//	g := storage.NewGraph()
//	g.AddNodeWithOutlinks("a", []storage.NodeID{"b", "c"}, nil)
//	g.RemoveNode("b") // removes a->b as well
//	fmt.Println(g.Describe()) // DiGraph with 2 nodes and 1 edges
type Graph struct {
	mu    sync.RWMutex
	nodes map[NodeID]Metadata

	// Adjacency indexes. outgoing holds the edge attribute bag.
	outgoing map[NodeID]map[NodeID]Metadata
	incoming map[NodeID]map[NodeID]struct{}

	edgeCount int
	// version increases with every mutation that changes state.
	version uint64
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:    make(map[NodeID]Metadata),
		outgoing: make(map[NodeID]map[NodeID]Metadata),
		incoming: make(map[NodeID]map[NodeID]struct{}),
	}
}

// AddNode creates id with a copy of md, or merges md into the existing
// metadata when id is already present. It never fails and does not validate
// md; see Metadata.Validate.
func (g *Graph) AddNode(id NodeID, md Metadata) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.upsertNodeUnlocked(id, md) {
		g.version++
	}
}

// AddEdge adds the directed edge src->dst, creating either endpoint with
// empty metadata if it does not exist yet. Adding an existing edge is a no-op.
func (g *Graph) AddEdge(src, dst NodeID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.addEdgeUnlocked(src, dst) {
		g.version++
	}
}

// AddNodeWithOutlinks creates or merges id and adds an edge from id to every
// target in outlinks. Missing targets are created with empty metadata and
// duplicate targets collapse into one edge. The whole operation is applied
// under a single lock acquisition.
func (g *Graph) AddNodeWithOutlinks(id NodeID, outlinks []NodeID, md Metadata) {
	g.mu.Lock()
	defer g.mu.Unlock()
	changed := g.upsertNodeUnlocked(id, md)
	for _, dst := range outlinks {
		if g.addEdgeUnlocked(id, dst) {
			changed = true
		}
	}
	if changed {
		g.version++
	}
}

// RemoveNode deletes id and every edge incident to it. Removing an absent
// node does nothing.
func (g *Graph) RemoveNode(id NodeID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.removeNodeUnlocked(id) {
		g.version++
	}
}

// RemoveEdge deletes the edge src->dst. An absent edge or endpoint is a no-op.
func (g *Graph) RemoveEdge(src, dst NodeID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.removeEdgeUnlocked(src, dst) {
		g.version++
	}
}

// UpdateNodeMetadata merges md into the metadata of id. Updating an absent
// node is silently ignored; it does not create the node.
func (g *Graph) UpdateNodeMetadata(id NodeID, md Metadata) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, ok := g.nodes[id]
	if !ok || len(md) == 0 {
		return
	}
	cur.Merge(md)
	g.version++
}

// NodeMetadata returns a deep copy of the metadata of id, or ErrNotFound.
func (g *Graph) NodeMetadata(id NodeID) (Metadata, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	md, ok := g.nodes[id]
	if !ok {
		return nil, notFound(id)
	}
	return md.Clone(), nil
}

// HasNode reports whether id is present.
func (g *Graph) HasNode(id NodeID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// HasEdge reports whether the edge src->dst is present.
func (g *Graph) HasEdge(src, dst NodeID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.outgoing[src][dst]
	return ok
}

// Successors returns the sorted targets of the outgoing edges of id, or
// ErrNotFound if id is absent.
func (g *Graph) Successors(id NodeID) ([]NodeID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.nodes[id]; !ok {
		return nil, notFound(id)
	}
	return sortedKeys(g.outgoing[id]), nil
}

// Predecessors returns the sorted sources of the incoming edges of id, or
// ErrNotFound if id is absent.
func (g *Graph) Predecessors(id NodeID) ([]NodeID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.nodes[id]; !ok {
		return nil, notFound(id)
	}
	return sortedKeys(g.incoming[id]), nil
}

// Nodes returns every node id in sorted order.
func (g *Graph) Nodes() []NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.nodes)
}

// Edges returns every edge sorted by (source, target).
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edgesUnlocked()
}

// Version returns a counter that changes whenever the graph is mutated.
func (g *Graph) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// Describe returns node and edge counts.
func (g *Graph) Describe() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Stats{Nodes: len(g.nodes), Edges: g.edgeCount}
}

// Export returns a deep copy of the whole graph: nodes sorted by id and edges
// sorted by (source, target). The copy is consistent, taken under one read lock.
func (g *Graph) Export() ([]Node, []Edge) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := sortedKeys(g.nodes)
	nodes := make([]Node, len(ids))
	for i, id := range ids {
		nodes[i] = Node{ID: id, Metadata: g.nodes[id].Clone()}
	}
	return nodes, g.edgesUnlocked()
}

// Replace discards the current contents and installs nodes and edges.
// Edge endpoints missing from nodes are created with empty metadata, and a
// node listed twice has its metadata merged.
func (g *Graph) Replace(nodes []Node, edges []Edge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.version++
	g.nodes = make(map[NodeID]Metadata, len(nodes))
	g.outgoing = make(map[NodeID]map[NodeID]Metadata)
	g.incoming = make(map[NodeID]map[NodeID]struct{})
	g.edgeCount = 0
	for _, n := range nodes {
		g.upsertNodeUnlocked(n.ID, n.Metadata)
	}
	for _, e := range edges {
		g.addEdgeUnlocked(e.Source, e.Target)
		if len(e.Attributes) > 0 {
			g.outgoing[e.Source][e.Target].Merge(e.Attributes)
		}
	}
}

// Topology is an index-based copy of the graph adjacency. IDs is sorted and
// Out[i] lists the indexes of the successors of IDs[i] in ascending order.
type Topology struct {
	IDs []NodeID
	Out [][]int
}

// Edges returns the number of edges in t.
func (t *Topology) Edges() int {
	n := 0
	for _, out := range t.Out {
		n += len(out)
	}
	return n
}

// Topology copies the adjacency under the read lock so that long-running
// computations can proceed without holding it.
func (g *Graph) Topology() *Topology {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := sortedKeys(g.nodes)
	index := make(map[NodeID]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}
	out := make([][]int, len(ids))
	for i, id := range ids {
		succ := g.outgoing[id]
		if len(succ) == 0 {
			continue
		}
		row := make([]int, 0, len(succ))
		for dst := range succ {
			row = append(row, index[dst])
		}
		sort.Ints(row)
		out[i] = row
	}
	return &Topology{IDs: ids, Out: out}
}

// View runs fn with a read-only view of the graph while holding the shared
// lock. The view must not escape fn.
func (g *Graph) View(fn func(v View) error) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return fn(View{g: g})
}

// View is a lock-free accessor valid only inside Graph.View.
type View struct {
	g *Graph
}

// Version is Graph.Version as of this view.
func (v View) Version() uint64 { return v.g.version }

// HasNode reports whether id is present.
func (v View) HasNode(id NodeID) bool {
	_, ok := v.g.nodes[id]
	return ok
}

// HasEdge reports whether src->dst is present.
func (v View) HasEdge(src, dst NodeID) bool {
	_, ok := v.g.outgoing[src][dst]
	return ok
}

// Successors returns the sorted targets of the outgoing edges of id.
func (v View) Successors(id NodeID) []NodeID { return sortedKeys(v.g.outgoing[id]) }

// EdgeAttributes returns a copy of the attribute bag of src->dst, or nil
// when the edge is absent.
func (v View) EdgeAttributes(src, dst NodeID) Metadata {
	attrs, ok := v.g.outgoing[src][dst]
	if !ok {
		return nil
	}
	return attrs.Clone()
}

// Predecessors returns the sorted sources of the incoming edges of id.
func (v View) Predecessors(id NodeID) []NodeID { return sortedKeys(v.g.incoming[id]) }

// The *Unlocked helpers report whether they changed anything.

func (g *Graph) upsertNodeUnlocked(id NodeID, md Metadata) bool {
	if cur, ok := g.nodes[id]; ok {
		cur.Merge(md)
		return len(md) > 0
	}
	g.nodes[id] = md.Clone()
	return true
}

func (g *Graph) addEdgeUnlocked(src, dst NodeID) bool {
	changed := false
	if _, ok := g.nodes[src]; !ok {
		g.nodes[src] = Metadata{}
		changed = true
	}
	if _, ok := g.nodes[dst]; !ok {
		g.nodes[dst] = Metadata{}
		changed = true
	}
	out := g.outgoing[src]
	if out == nil {
		out = make(map[NodeID]Metadata)
		g.outgoing[src] = out
	}
	if _, exists := out[dst]; exists {
		return changed
	}
	out[dst] = Metadata{}
	in := g.incoming[dst]
	if in == nil {
		in = make(map[NodeID]struct{})
		g.incoming[dst] = in
	}
	in[src] = struct{}{}
	g.edgeCount++
	return true
}

func (g *Graph) removeEdgeUnlocked(src, dst NodeID) bool {
	out := g.outgoing[src]
	if _, ok := out[dst]; !ok {
		return false
	}
	delete(out, dst)
	if len(out) == 0 {
		delete(g.outgoing, src)
	}
	if in := g.incoming[dst]; in != nil {
		delete(in, src)
		if len(in) == 0 {
			delete(g.incoming, dst)
		}
	}
	g.edgeCount--
	return true
}

func (g *Graph) removeNodeUnlocked(id NodeID) bool {
	if _, ok := g.nodes[id]; !ok {
		return false
	}
	for dst := range g.outgoing[id] {
		g.removeEdgeUnlocked(id, dst)
	}
	for src := range g.incoming[id] {
		g.removeEdgeUnlocked(src, id)
	}
	delete(g.nodes, id)
	return true
}

func (g *Graph) edgesUnlocked() []Edge {
	edges := make([]Edge, 0, g.edgeCount)
	for _, src := range sortedKeys(g.outgoing) {
		out := g.outgoing[src]
		for _, dst := range sortedKeys(out) {
			edges = append(edges, Edge{Source: src, Target: dst, Attributes: out[dst].Clone()})
		}
	}
	return edges
}

func sortedKeys[V any](m map[NodeID]V) []NodeID {
	keys := make([]NodeID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
