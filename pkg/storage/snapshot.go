package storage

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Snapshot format identifiers. A reader rejects any other pair.
const (
	SnapshotFormat  = "webgraph/snapshot"
	SnapshotVersion = 1
)

// Snapshot is the on-disk envelope of a full graph image.
//
// Checksum is the hex BLAKE2b-256 digest of the compact JSON encoding of
// Payload. Writers always produce compact payloads; readers compact before
// hashing, so a snapshot that was re-indented by hand still verifies.
type Snapshot struct {
	Format   string          `json:"format"`
	Version  int             `json:"version"`
	SavedAt  time.Time       `json:"savedAt"`
	Checksum string          `json:"checksum"`
	Payload  json.RawMessage `json:"payload"`
}

// SnapshotPayload is the graph image carried by a Snapshot.
//
// Nodes are sorted by id and edges by (source, target) so that saving the
// same graph twice produces identical payload bytes. Ranks is present only
// when a rank table existed at save time.
type SnapshotPayload struct {
	Nodes []Node             `json:"nodes"`
	Edges []Edge             `json:"edges"`
	Ranks map[NodeID]float64 `json:"ranks,omitempty"`
}

// EncodeSnapshot serializes payload into an indented envelope stamped with savedAt.
func EncodeSnapshot(payload *SnapshotPayload, savedAt time.Time) ([]byte, error) {
	if payload.Nodes == nil {
		payload.Nodes = []Node{}
	}
	if payload.Edges == nil {
		payload.Edges = []Edge{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("snapshot: failed to encode payload: %w", err)
	}
	snap := Snapshot{
		Format:   SnapshotFormat,
		Version:  SnapshotVersion,
		SavedAt:  savedAt.UTC(),
		Checksum: checksum(raw),
		Payload:  raw,
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&snap); err != nil {
		return nil, fmt.Errorf("snapshot: failed to encode envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot parses and verifies an envelope produced by EncodeSnapshot.
// Every structural problem is reported as ErrCorruptSnapshot.
func DecodeSnapshot(data []byte) (*Snapshot, *SnapshotPayload, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if snap.Format != SnapshotFormat {
		return nil, nil, fmt.Errorf("%w: unknown format %q", ErrCorruptSnapshot, snap.Format)
	}
	if snap.Version != SnapshotVersion {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, snap.Version)
	}
	if len(snap.Payload) == 0 {
		return nil, nil, fmt.Errorf("%w: missing payload", ErrCorruptSnapshot)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, snap.Payload); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if got := checksum(compact.Bytes()); got != snap.Checksum {
		return nil, nil, fmt.Errorf("%w: checksum mismatch (want %s, got %s)", ErrCorruptSnapshot, snap.Checksum, got)
	}

	var payload SnapshotPayload
	if err := json.Unmarshal(compact.Bytes(), &payload); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return &snap, &payload, nil
}

func checksum(b []byte) string {
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:])
}
