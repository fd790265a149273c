package ingest

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/linksage/pkg/core/types"
)

func TestDecodeJSONLines(t *testing.T) {
	data := []byte(`{"source_id":"Alice","target_id":"Acme Clinic LLC","probability":0.9,"timestamp":"2024-05-01T10:00:00Z","extra":true}
{"Purchaser":"Bob","Seller":"Care Co","probability":"0.7"}

{"source_id":"Carol","target_id":"X"}
not json
{"source_id":"Dan","target_id":"Y","probability":0.6,"timestamp":1714557600}
`)
	recs, errs := Decode(data)
	require.Len(t, recs, 4)
	require.Len(t, errs, 1)
	assert.Equal(t, 3, errs[0].Index)

	assert.Equal(t, "Alice", recs[0].SourceID)
	assert.Equal(t, "Acme Clinic LLC", recs[0].TargetID)
	assert.Equal(t, 0.9, recs[0].Probability)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), recs[0].Timestamp)

	assert.Equal(t, "Bob", recs[1].SourceID)
	assert.Equal(t, "Care Co", recs[1].TargetID)
	assert.Equal(t, 0.7, recs[1].Probability)

	assert.True(t, math.IsNaN(recs[2].Probability), "missing probability decodes to NaN")
	assert.Equal(t, time.Unix(1714557600, 0).UTC(), recs[3].Timestamp)
}

func TestDecodeArray(t *testing.T) {
	data := []byte(` [
		{"source":"p1","target":"d1","confidence":0.8,"relation_type":"referral","source_type":"patient","target_type":"provider"},
		42,
		{"source_id":"p2","target_id":"d2","probability":0.5,"timestamp":"yesterday"}
	]`)
	recs, errs := Decode(data)
	require.Len(t, recs, 1)
	require.Len(t, errs, 2)
	assert.Equal(t, "referral", recs[0].RelationType)
	assert.Equal(t, "patient", recs[0].SourceType)
	assert.Equal(t, "timestamp", errs[1].Field)

	_, errs = Decode([]byte(`[{"source_id":`))
	assert.Len(t, errs, 1)

	recs, errs = Decode([]byte("  \n"))
	assert.Empty(t, recs)
	assert.Empty(t, errs)
}

func TestDrainMemoryIngestor(t *testing.T) {
	ing := NewMemoryIngestor(
		[]types.RawEdge{{SourceID: "a", TargetID: "b", Probability: 1}},
		[]types.RawEdge{{SourceID: "c", TargetID: "d", Probability: 1}},
	)
	fail := errors.New("boom")
	calls := 0
	n, err := Drain(context.Background(), ing, func(b *Batch) error {
		calls++
		if calls == 2 {
			return fail
		}
		return nil
	})
	assert.ErrorIs(t, err, fail)
	assert.Equal(t, 1, n)
	assert.Len(t, ing.Committed(), 1)

	_, err = ing.NextBatch(context.Background())
	assert.ErrorIs(t, err, ErrEndOfBatches)
	assert.ErrorIs(t, ing.Commit(&Batch{ID: "nope"}), ErrUnknownBatch)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestFileIngestorExactlyOnce(t *testing.T) {
	landing := t.TempDir()
	bronze := filepath.Join(t.TempDir(), "bronze", "bronze.log")
	writeFile(t, landing, "001.jsonl", `{"source_id":"p1","target_id":"d1","probability":0.9}`+"\n"+`{"source_id":"p2","target_id":"d1"}`)
	writeFile(t, landing, "002.json", `[{"source_id":"p3","target_id":"d2","probability":0.7}]`)
	writeFile(t, landing, "notes.txt", "ignored")

	ctx := context.Background()
	ing, err := NewFileIngestor(landing, bronze)
	require.NoError(t, err)

	b1, err := ing.NextBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "001.jsonl", b1.Source)
	assert.Len(t, b1.Records, 2)

	// The delivered but uncommitted file is not handed out twice.
	b2, err := ing.NextBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "002.json", b2.Source)
	_, err = ing.NextBatch(ctx)
	assert.ErrorIs(t, err, ErrEndOfBatches)

	require.NoError(t, ing.Commit(b1))
	assert.ErrorIs(t, ing.Commit(b1), ErrUnknownBatch)
	require.NoError(t, ing.Close())

	// After a restart only the uncommitted file comes back.
	ing, err = NewFileIngestor(landing, bronze)
	require.NoError(t, err)
	defer ing.Close()

	b, err := ing.NextBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "002.json", b.Source)
	require.NoError(t, ing.Commit(b))
	_, err = ing.NextBatch(ctx)
	assert.ErrorIs(t, err, ErrEndOfBatches)

	recs, err := ing.Records()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "p1", recs[0].SourceID)
	assert.True(t, math.IsNaN(recs[1].Probability), "NaN survives the bronze round trip")
	assert.Equal(t, "p3", recs[2].SourceID)
}

func TestFileIngestorCancelled(t *testing.T) {
	ing, err := NewFileIngestor(t.TempDir(), filepath.Join(t.TempDir(), "bronze.log"))
	require.NoError(t, err)
	defer ing.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ing.NextBatch(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsLandingFile(t *testing.T) {
	assert.True(t, IsLandingFile("/x/a.json"))
	assert.True(t, IsLandingFile("b.JSONL"))
	assert.True(t, IsLandingFile("c.ndjson"))
	assert.False(t, IsLandingFile(".hidden.json"))
	assert.False(t, IsLandingFile("d.csv"))
}

func TestWatcherDebounces(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	fired := make(chan struct{}, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(context.Context) error {
			fired <- struct{}{}
			return nil
		})
	}()

	// Give the watch loop a moment to start selecting.
	time.Sleep(20 * time.Millisecond)
	writeFile(t, dir, "ignored.txt", "x")
	for i := 0; i < 3; i++ {
		writeFile(t, dir, "batch.jsonl", `{"source_id":"a","target_id":"b","probability":1}`)
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not fire")
	}

	cancel()
	require.NoError(t, <-done)
}
