package graph

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sanonone/linksage/pkg/curate"
	"github.com/sanonone/linksage/pkg/metrics"
)

// Store publishes graph snapshots. A rebuild constructs the new snapshot off
// to the side and swaps it in only when complete; readers keep whichever
// snapshot they acquired.
type Store struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
	// rebuildMu serializes rebuilds; reads never take it.
	rebuildMu sync.Mutex
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Current returns the published snapshot, or nil before the first rebuild.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Rebuild builds a snapshot from edges and publishes it.
func (s *Store) Rebuild(edges *curate.EdgeSet, opts BuildOptions) (*Snapshot, error) {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	snap, err := Build(edges, opts)
	if err != nil {
		return nil, fmt.Errorf("graph rebuild failed: %w", err)
	}
	s.publish(snap)
	return snap, nil
}

// Publish installs an externally built snapshot.
func (s *Store) Publish(snap *Snapshot) {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()
	s.publish(snap)
}

func (s *Store) publish(snap *Snapshot) {
	snap.version = s.version.Add(1)
	s.current.Store(snap)

	metrics.GraphSize.WithLabelValues("nodes").Set(float64(snap.NumNodes()))
	metrics.GraphSize.WithLabelValues("edges").Set(float64(snap.NumEdges()))
	metrics.GraphVersion.Set(float64(snap.version))
	slog.Info("[GRAPH] Snapshot published", "version", snap.version, "nodes", snap.NumNodes(), "edges", snap.NumEdges())
}
