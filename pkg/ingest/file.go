package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sanonone/linksage/pkg/core/types"
	"github.com/sanonone/linksage/pkg/metrics"
	"github.com/sanonone/linksage/pkg/persistence"
)

// landingExts are the file extensions picked up from the landing directory.
var landingExts = map[string]bool{".json": true, ".jsonl": true, ".ndjson": true}

// IsLandingFile reports whether name would be read by a FileIngestor.
func IsLandingFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return landingExts[strings.ToLower(filepath.Ext(base))]
}

// bronzeRecord is the persisted form of a RawEdge. Probability is a pointer
// because a missing value (NaN) has no JSON encoding.
type bronzeRecord struct {
	SourceID     string    `json:"source_id"`
	TargetID     string    `json:"target_id"`
	SourceType   string    `json:"source_type,omitempty"`
	TargetType   string    `json:"target_type,omitempty"`
	RelationType string    `json:"relation_type,omitempty"`
	Probability  *float64  `json:"probability"`
	Timestamp    time.Time `json:"timestamp"`
}

// bronzeBatch is one OpBatch frame of the bronze log.
type bronzeBatch struct {
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	Size        int64          `json:"size"`
	ModTime     time.Time      `json:"mod_time"`
	CommittedAt time.Time      `json:"committed_at"`
	Malformed   int            `json:"malformed"`
	Records     []bronzeRecord `json:"records"`
}

func toBronze(r types.RawEdge) bronzeRecord {
	b := bronzeRecord{
		SourceID: r.SourceID, TargetID: r.TargetID,
		SourceType: r.SourceType, TargetType: r.TargetType,
		RelationType: r.RelationType, Timestamp: r.Timestamp,
	}
	if !math.IsNaN(r.Probability) && !math.IsInf(r.Probability, 0) {
		p := r.Probability
		b.Probability = &p
	}
	return b
}

func (b bronzeRecord) raw() types.RawEdge {
	r := types.RawEdge{
		SourceID: b.SourceID, TargetID: b.TargetID,
		SourceType: b.SourceType, TargetType: b.TargetType,
		RelationType: b.RelationType, Timestamp: b.Timestamp,
		Probability: math.NaN(),
	}
	if b.Probability != nil {
		r.Probability = *b.Probability
	}
	return r
}

// FileIngestor reads landing-zone files (JSON arrays or JSON lines), one
// batch per file in name order. Committed batches are appended to the bronze
// log, which is also the record of which files were consumed.
type FileIngestor struct {
	dir    string
	bronze *persistence.Log

	mu        sync.Mutex
	committed map[string]bool
	inflight  map[string]*pending
}

type pending struct {
	name    string
	size    int64
	modTime time.Time
}

// NewFileIngestor watches dir and persists committed batches to bronzePath.
func NewFileIngestor(dir, bronzePath string) (*FileIngestor, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create landing dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(bronzePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bronze dir: %w", err)
	}
	log, err := persistence.OpenLog(bronzePath)
	if err != nil {
		return nil, err
	}
	f := &FileIngestor{
		dir:       dir,
		bronze:    log,
		committed: make(map[string]bool),
		inflight:  make(map[string]*pending),
	}
	err = log.Replay(func(fr persistence.Frame) error {
		if fr.Op != persistence.OpBatch {
			return nil
		}
		var bb bronzeBatch
		if err := json.Unmarshal(fr.Payload, &bb); err != nil {
			return fmt.Errorf("corrupt bronze batch: %w", err)
		}
		f.committed[bb.Source] = true
		return nil
	})
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	slog.Info("[INGEST] Bronze log opened", "path", bronzePath, "committed_files", len(f.committed))
	return f, nil
}

// NextBatch reads the first landing file that is neither committed nor
// currently delivered.
func (f *FileIngestor) NextBatch(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list landing dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && IsLandingFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, name := range names {
		if f.committed[name] || f.delivered(name) {
			continue
		}
		return f.read(name)
	}
	return nil, ErrEndOfBatches
}

func (f *FileIngestor) delivered(name string) bool {
	for _, p := range f.inflight {
		if p.name == name {
			return true
		}
	}
	return false
}

func (f *FileIngestor) read(name string) (*Batch, error) {
	path := filepath.Join(f.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	records, malformed := Decode(data)
	b := &Batch{
		ID:        uuid.NewString(),
		Source:    name,
		ReadAt:    time.Now(),
		Records:   records,
		Malformed: malformed,
	}
	f.inflight[b.ID] = &pending{name: name, size: info.Size(), modTime: info.ModTime()}
	if len(malformed) > 0 {
		slog.Warn("[INGEST] Undecodable records skipped", "file", name, "count", len(malformed))
	}
	slog.Debug("[INGEST] Batch read", "file", name, "records", len(records), "batch_id", b.ID)
	return b, nil
}

// Commit appends the batch to the bronze log and marks its file consumed.
func (f *FileIngestor) Commit(b *Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.inflight[b.ID]
	if !ok {
		return ErrUnknownBatch
	}
	bb := bronzeBatch{
		ID:          b.ID,
		Source:      p.name,
		Size:        p.size,
		ModTime:     p.modTime,
		CommittedAt: time.Now().UTC(),
		Malformed:   len(b.Malformed),
		Records:     make([]bronzeRecord, len(b.Records)),
	}
	for i, r := range b.Records {
		bb.Records[i] = toBronze(r)
	}
	payload, err := json.Marshal(bb)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}
	if err := f.bronze.Append(persistence.OpBatch, payload); err != nil {
		return fmt.Errorf("failed to append to bronze log: %w", err)
	}
	delete(f.inflight, b.ID)
	f.committed[p.name] = true
	metrics.RecordsIngested.Add(float64(len(b.Records)))
	slog.Info("[INGEST] Batch committed", "file", p.name, "records", len(b.Records), "batch_id", b.ID)
	return nil
}

// Records replays every committed record from the bronze log, in commit order.
func (f *FileIngestor) Records() ([]types.RawEdge, error) {
	var out []types.RawEdge
	err := f.bronze.Replay(func(fr persistence.Frame) error {
		if fr.Op != persistence.OpBatch {
			return nil
		}
		var bb bronzeBatch
		if err := json.Unmarshal(fr.Payload, &bb); err != nil {
			return fmt.Errorf("corrupt bronze batch: %w", err)
		}
		for _, r := range bb.Records {
			out = append(out, r.raw())
		}
		return nil
	})
	return out, err
}

// Dir returns the landing directory.
func (f *FileIngestor) Dir() string { return f.dir }

// Close closes the bronze log.
func (f *FileIngestor) Close() error {
	return f.bronze.Close()
}
