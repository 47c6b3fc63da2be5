// Package storage provides the in-memory graph store and its snapshot persistence.
//
// The storage layer owns the whole graph aggregate: nodes keyed by an opaque
// string id, each carrying an open metadata bag, and directed edges with at
// most one edge per ordered (source, target) pair. Everything else in webgraph
// (PageRank, neighborhood extraction, the service facade) reads through a
// *Graph and never touches its maps directly.
//
// Design Principles:
//   - Strict reads, permissive mutations: lookups of absent nodes fail with
//     ErrNotFound, while removing or updating an absent node is a silent no-op
//   - Metadata is a tagged value map so it round-trips exactly through snapshots
//   - Thread-safe: one structural RWMutex per Graph, one I/O mutex per Persister
//
// Example Usage:
//
//	g := storage.NewGraph()
//	g.AddNode("home", storage.Metadata{"url": storage.String("https://example.com")})
//	g.AddEdge("home", "about") // "about" is created with empty metadata
//
//	md, err := g.NodeMetadata("home")
//	if errors.Is(err, storage.ErrNotFound) {
//		// ...
//	}
//
//	fmt.Println(g.Describe()) // DiGraph with 2 nodes and 1 edges
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Common errors
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidValue    = errors.New("invalid metadata value")
	ErrIO              = errors.New("storage i/o failure")
	ErrStorageFatal    = errors.New("unrecoverable storage failure")
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
	ErrNoSnapshot      = errors.New("no snapshot")
	ErrClosed          = errors.New("storage closed")
)

// NodeID is the opaque identifier of a graph node.
//
// Ids are compared byte-for-byte; the store attaches no meaning to them. In
// the web-graph use case they are usually page URLs.
type NodeID string

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindBool
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// Value is a single metadata value: a string, a number, a boolean or a
// nested Metadata map. The zero Value is invalid and is never stored.
//
// Values are immutable except for the nested map, which Metadata.Clone copies.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	m    Metadata
}

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric Value. All numbers are stored as float64.
// NaN and infinities are representable here but fail Validate.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Map returns a nested-map Value. A nil map is stored as an empty map.
func Map(m Metadata) Value {
	if m == nil {
		m = Metadata{}
	}
	return Value{kind: KindMap, m: m}
}

// Kind reports which variant v holds.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string payload and whether v is a string.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Num returns the numeric payload and whether v is a number.
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// Boolean returns the boolean payload and whether v is a bool.
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// Nested returns the nested map and whether v is a map. The returned map is
// shared with v; callers that mutate it should Clone first.
func (v Value) Nested() (Metadata, bool) { return v.m, v.kind == KindMap }

// Equal reports whether two values hold the same variant and payload,
// comparing nested maps recursively.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindMap:
		return v.m.Equal(o.m)
	default:
		return true
	}
}

// Validate reports ErrInvalidValue when v cannot be written to a snapshot:
// the zero Value, a non-finite number, or a map holding either.
func (v Value) Validate() error {
	switch v.kind {
	case KindString, KindBool:
		return nil
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return fmt.Errorf("%w: non-finite number %v", ErrInvalidValue, v.num)
		}
		return nil
	case KindMap:
		return v.m.Validate()
	default:
		return fmt.Errorf("%w: no kind set", ErrInvalidValue)
	}
}

// Any converts v to a plain Go value (string, float64, bool or map[string]any).
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindMap:
		return v.m.ToAny()
	default:
		return nil
	}
}

// FromAny converts a decoded JSON or YAML value into a Value.
//
// Accepted inputs are strings, bools, every Go integer and float width,
// json.Number, Value itself, Metadata, map[string]any and map[string]string.
// Anything else (nil, slices, structs) fails with ErrInvalidValue, as does
// a NaN or infinite float.
func FromAny(x any) (Value, error) {
	v, err := fromAny(x)
	if err != nil {
		return Value{}, err
	}
	if err := v.Validate(); err != nil {
		return Value{}, err
	}
	return v, nil
}

func fromAny(x any) (Value, error) {
	switch t := x.(type) {
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int8:
		return Number(float64(t)), nil
	case int16:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint:
		return Number(float64(t)), nil
	case uint8:
		return Number(float64(t)), nil
	case uint16:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q", ErrInvalidValue, t.String())
		}
		return Number(f), nil
	case Metadata:
		return Map(t.Clone()), nil
	case map[string]any:
		m, err := MetadataFromAny(t)
		if err != nil {
			return Value{}, err
		}
		return Map(m), nil
	case map[string]string:
		m := make(Metadata, len(t))
		for k, s := range t {
			m[k] = String(s)
		}
		return Map(m), nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidValue, x)
	}
}

// MarshalJSON encodes v in its natural JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return strconv.AppendBool(nil, v.b), nil
	case KindMap:
		return json.Marshal(v.m)
	default:
		return nil, ErrInvalidValue
	}
}

// UnmarshalJSON decodes a JSON string, number, boolean or object.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ErrInvalidValue
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '{':
		var m Metadata
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		*v = Map(m)
	case 'n':
		return fmt.Errorf("%w: null", ErrInvalidValue)
	case '[':
		return fmt.Errorf("%w: array", ErrInvalidValue)
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		*v = Number(f)
	}
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return strconv.Quote(v.str)
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindMap:
		return v.m.String()
	default:
		return "<invalid>"
	}
}

// Metadata is the open attribute bag attached to a node (and, unused today,
// to an edge). Keys are free-form; the shape is not fixed by any schema.
//
// Metadata is not thread-safe. The Graph hands out deep copies.
type Metadata map[string]Value

// MetadataFromAny converts a decoded JSON/YAML object into Metadata.
func MetadataFromAny(m map[string]any) (Metadata, error) {
	out := make(Metadata, len(m))
	for k, x := range m {
		v, err := FromAny(x)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Validate checks every value of m, nested maps included, and reports the
// first offending key.
func (m Metadata) Validate() error {
	for _, k := range m.Keys() {
		if err := m[k].Validate(); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	return nil
}

// Merge copies every key of other into m, overwriting existing keys.
// Nested maps are replaced, not merged.
func (m Metadata) Merge(other Metadata) {
	for k, v := range other {
		m[k] = v.clone()
	}
}

// Clone returns a deep copy of m. Cloning a nil map returns an empty map.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v.clone()
	}
	return out
}

// Equal reports whether m and o hold the same keys with Equal values.
// A nil map equals an empty one.
func (m Metadata) Equal(o Metadata) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// ToAny converts m to a map of plain Go values.
func (m Metadata) ToAny() map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.Any()
	}
	return out
}

// Keys returns the keys of m in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m Metadata) String() string {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.Keys() {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(strconv.Quote(k))
		buf.WriteString(": ")
		buf.WriteString(m[k].String())
	}
	buf.WriteByte('}')
	return buf.String()
}

func (v Value) clone() Value {
	if v.kind == KindMap {
		return Value{kind: KindMap, m: v.m.Clone()}
	}
	return v
}

// Edge is a directed link between two nodes. There is at most one Edge per
// ordered (Source, Target) pair; self-loops are allowed.
//
// Attributes is an extensibility bag; nothing in webgraph populates it yet.
type Edge struct {
	Source     NodeID   `json:"source"`
	Target     NodeID   `json:"target"`
	Attributes Metadata `json:"attributes"`
}

// Node pairs a node id with its metadata. It is the unit of Graph.Export.
type Node struct {
	ID       NodeID   `json:"id"`
	Metadata Metadata `json:"metadata"`
}

// Stats holds coarse graph statistics for diagnostics.
type Stats struct {
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`
}

func (s Stats) String() string {
	return fmt.Sprintf("DiGraph with %d nodes and %d edges", s.Nodes, s.Edges)
}

func notFound(id NodeID) error {
	return fmt.Errorf("node %q: %w", id, ErrNotFound)
}
