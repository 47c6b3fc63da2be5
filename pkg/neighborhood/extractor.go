// Package neighborhood extracts k-hop induced subgraphs around a node.
//
// The node set is every node reachable from the root within k traversal
// steps; the result is every edge of the graph whose two endpoints are both
// in that set. Traversal follows outgoing edges unless a direction option
// says otherwise, and runs under a single shared read lock so the result is
// a consistent cut of the graph.
package neighborhood

import (
	"fmt"
	"sort"
	"time"

	"github.com/orneryd/webgraph/pkg/cache"
	"github.com/orneryd/webgraph/pkg/storage"
)

// Triple is one edge of an extracted subgraph.
type Triple struct {
	Source     storage.NodeID   `json:"source"`
	Target     storage.NodeID   `json:"target"`
	Attributes storage.Metadata `json:"attributes"`
}

// Direction selects which edges the traversal follows.
type Direction int

const (
	// Outgoing follows edges from source to target (forward links).
	Outgoing Direction = iota
	// Incoming follows edges from target to source (backlinks).
	Incoming
	// Both follows edges either way.
	Both
)

func (d Direction) String() string {
	switch d {
	case Incoming:
		return "incoming"
	case Both:
		return "both"
	default:
		return "outgoing"
	}
}

// MarshalText renders the direction by name.
func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// ParseDirection parses "outgoing", "incoming" or "both". The empty string
// means Outgoing.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "", "outgoing", "out":
		return Outgoing, nil
	case "incoming", "in":
		return Incoming, nil
	case "both":
		return Both, nil
	default:
		return Outgoing, fmt.Errorf("unknown direction %q", s)
	}
}

// Scorer supplies the latest PageRank score of a node. *pagerank.Engine
// satisfies it.
type Scorer interface {
	Score(id storage.NodeID) (float64, error)
}

// Member is a node of an Ego view with its hop distance from the root.
// Score is nil when no scorer is attached or the node has no score yet.
type Member struct {
	ID    storage.NodeID `json:"id"`
	Depth int            `json:"depth"`
	Score *float64       `json:"score,omitempty"`
}

// Ego is the neighborhood of Root: its members ordered by (depth, id) and
// the induced edges ordered by (source, target).
type Ego struct {
	Root      storage.NodeID `json:"root"`
	Radius    int            `json:"radius"`
	Direction Direction      `json:"direction"`
	Members   []Member       `json:"members"`
	Edges     []Triple       `json:"edges"`
}

// Extractor answers neighborhood queries over a graph.
type Extractor struct {
	graph  *storage.Graph
	scorer Scorer
	cache  *cache.Cache[traversalKey, *traversal]
}

type traversalKey struct {
	root storage.NodeID
	k    int
	dir  Direction
}

// traversal is a shared, read-only traversal result.
type traversal struct {
	members []Member
	edges   []Triple
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithCache keeps up to size traversal results, reused until the graph
// changes or ttl passes. A non-positive size disables caching.
func WithCache(size int, ttl time.Duration) Option {
	return func(x *Extractor) {
		if size > 0 {
			x.cache = cache.New[traversalKey, *traversal](size, ttl)
		}
	}
}

// New creates an Extractor over g. scorer may be nil.
func New(g *storage.Graph, scorer Scorer, opts ...Option) *Extractor {
	x := &Extractor{graph: g, scorer: scorer}
	for _, o := range opts {
		o(x)
	}
	return x
}

// CacheStats reports traversal cache statistics. ok is false when caching
// is disabled.
func (x *Extractor) CacheStats() (stats cache.Stats, ok bool) {
	if x.cache == nil {
		return cache.Stats{}, false
	}
	return x.cache.Stats(), true
}

// EgoOption configures an Ego query.
type EgoOption func(*egoQuery)

type egoQuery struct {
	direction Direction
}

// WithDirection sets the traversal direction. The default is Outgoing.
func WithDirection(d Direction) EgoOption {
	return func(q *egoQuery) { q.direction = d }
}

// Subgraph returns the edges induced by the nodes reachable from id within
// k hops along outgoing edges, sorted by (source, target) with no
// duplicates. k <= 0 yields an empty list. An absent id fails with
// storage.ErrNotFound.
func (x *Extractor) Subgraph(id storage.NodeID, k int) ([]Triple, error) {
	t, err := x.traverse(id, max(k, 0), Outgoing)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Triple{}, nil
	}
	return copyTriples(t.edges), nil
}

// Ego returns the members and induced edges of the k-hop neighborhood of id.
// Unlike Subgraph, k = 0 yields the root alone.
func (x *Extractor) Ego(id storage.NodeID, k int, opts ...EgoOption) (*Ego, error) {
	q := egoQuery{direction: Outgoing}
	for _, o := range opts {
		o(&q)
	}
	k = max(k, 0)

	t, err := x.traverse(id, k, q.direction)
	if err != nil {
		return nil, err
	}

	ego := &Ego{
		Root:      id,
		Radius:    k,
		Direction: q.direction,
		Members:   append([]Member(nil), t.members...),
		Edges:     copyTriples(t.edges),
	}
	if x.scorer != nil {
		for i := range ego.Members {
			if s, err := x.scorer.Score(ego.Members[i].ID); err == nil {
				ego.Members[i].Score = &s
			}
		}
	}
	return ego, nil
}

// traverse computes, or fetches from the cache, the members and induced
// edges around id. The result must not be modified.
func (x *Extractor) traverse(id storage.NodeID, k int, dir Direction) (*traversal, error) {
	key := traversalKey{root: id, k: k, dir: dir}
	var t *traversal
	err := x.graph.View(func(v storage.View) error {
		if x.cache != nil {
			if cached, ok := x.cache.Get(key, v.Version()); ok {
				t = cached
				return nil
			}
		}
		if !v.HasNode(id) {
			return fmt.Errorf("node %q: %w", id, storage.ErrNotFound)
		}

		depths := reach(v, id, k, dir)
		t = &traversal{edges: induced(v, depths), members: make([]Member, 0, len(depths))}
		for n, d := range depths {
			t.members = append(t.members, Member{ID: n, Depth: d})
		}
		sort.Slice(t.members, func(i, j int) bool {
			a, b := t.members[i], t.members[j]
			if a.Depth != b.Depth {
				return a.Depth < b.Depth
			}
			return a.ID < b.ID
		})

		if x.cache != nil {
			x.cache.Put(key, v.Version(), t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func copyTriples(in []Triple) []Triple {
	out := make([]Triple, len(in))
	for i, tr := range in {
		out[i] = tr
		if tr.Attributes != nil {
			out[i].Attributes = tr.Attributes.Clone()
		}
	}
	return out
}

// reach runs a level-by-level BFS from root and returns the hop distance of
// every node within k steps.
func reach(v storage.View, root storage.NodeID, k int, dir Direction) map[storage.NodeID]int {
	depths := map[storage.NodeID]int{root: 0}
	frontier := []storage.NodeID{root}
	for hop := 1; hop <= k && len(frontier) > 0; hop++ {
		var next []storage.NodeID
		for _, n := range frontier {
			for _, m := range neighbors(v, n, dir) {
				if _, seen := depths[m]; seen {
					continue
				}
				depths[m] = hop
				next = append(next, m)
			}
		}
		frontier = next
	}
	return depths
}

func neighbors(v storage.View, n storage.NodeID, dir Direction) []storage.NodeID {
	switch dir {
	case Incoming:
		return v.Predecessors(n)
	case Both:
		return append(v.Successors(n), v.Predecessors(n)...)
	default:
		return v.Successors(n)
	}
}

// induced lists every edge between two members of set, each exactly once.
func induced(v storage.View, set map[storage.NodeID]int) []Triple {
	ids := make([]storage.NodeID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	edges := []Triple{}
	for _, src := range ids {
		for _, dst := range v.Successors(src) {
			if _, ok := set[dst]; ok {
				edges = append(edges, Triple{Source: src, Target: dst, Attributes: v.EdgeAttributes(src, dst)})
			}
		}
	}
	return edges
}
