// Package ingest delivers raw relationship records in batches.
//
// Ingestors are pull-based: the caller asks for the next batch, processes it,
// then commits it. A committed batch is never delivered again; a batch that
// was delivered but not committed (for example because the process stopped)
// is delivered again on the next run.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sanonone/linksage/pkg/core/types"
)

var (
	// ErrEndOfBatches is returned by NextBatch when no uncommitted batch is available.
	ErrEndOfBatches = errors.New("no more batches")
	// ErrUnknownBatch is returned by Commit for a batch this ingestor did not deliver
	// or has already committed.
	ErrUnknownBatch = errors.New("unknown or already committed batch")
)

// Batch is a group of raw records delivered together.
type Batch struct {
	ID      string
	Source  string
	ReadAt  time.Time
	Records []types.RawEdge
	// Malformed holds records that could not be decoded at all.
	Malformed []*types.MalformedRecordError
}

// Ingestor is the source side of the pipeline.
type Ingestor interface {
	NextBatch(ctx context.Context) (*Batch, error)
	Commit(b *Batch) error
}

// Drain delivers every available batch to fn and commits it once fn
// succeeds. It returns the number of committed batches. A failing fn leaves
// its batch uncommitted.
func Drain(ctx context.Context, ing Ingestor, fn func(*Batch) error) (int, error) {
	n := 0
	for {
		b, err := ing.NextBatch(ctx)
		if errors.Is(err, ErrEndOfBatches) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := fn(b); err != nil {
			return n, fmt.Errorf("batch %s from %s: %w", b.ID, b.Source, err)
		}
		if err := ing.Commit(b); err != nil {
			return n, err
		}
		n++
	}
}

// MemoryIngestor serves batches held in memory. It is used by tests and by
// callers that already have records at hand.
type MemoryIngestor struct {
	mu        sync.Mutex
	queue     []*Batch
	delivered map[string]*Batch
	committed []*Batch
}

// NewMemoryIngestor queues one batch per argument.
func NewMemoryIngestor(batches ...[]types.RawEdge) *MemoryIngestor {
	m := &MemoryIngestor{delivered: make(map[string]*Batch)}
	for _, recs := range batches {
		m.Push(recs)
	}
	return m
}

// Push queues another batch.
func (m *MemoryIngestor) Push(records []types.RawEdge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, &Batch{ID: uuid.NewString(), Source: "memory", Records: records})
}

// NextBatch returns the oldest queued batch.
func (m *MemoryIngestor) NextBatch(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, ErrEndOfBatches
	}
	b := m.queue[0]
	m.queue = m.queue[1:]
	b.ReadAt = time.Now()
	m.delivered[b.ID] = b
	return b, nil
}

// Commit marks a delivered batch as consumed.
func (m *MemoryIngestor) Commit(b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.delivered[b.ID]; !ok {
		return ErrUnknownBatch
	}
	delete(m.delivered, b.ID)
	m.committed = append(m.committed, b)
	return nil
}

// Committed returns all committed records in commit order.
func (m *MemoryIngestor) Committed() []types.RawEdge {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.RawEdge
	for _, b := range m.committed {
		out = append(out, b.Records...)
	}
	return out
}
