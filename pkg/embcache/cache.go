// Package embcache stores computed node embeddings in badger so that serving
// does not recompute them for every query.
//
// Entries live under a namespace derived from the model run and the graph
// snapshot version; a new model or a new snapshot simply uses a new namespace
// and old namespaces are dropped.
package embcache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/sanonone/linksage/pkg/core/types"
	"github.com/sanonone/linksage/pkg/core/vecmath"
	"github.com/sanonone/linksage/pkg/metrics"
)

const keyPrefix = "emb/"

// precision tags stored as the first value byte.
const (
	tagFloat32 byte = 0
	tagFloat16 byte = 1
)

// Config controls the cache.
type Config struct {
	Path      string            `yaml:"path"`
	InMemory  bool              `yaml:"in_memory"`
	Precision vecmath.Precision `yaml:"precision" validate:"omitempty,oneof=float32 float16"`
	// TTL expires entries; zero keeps them until their namespace is dropped.
	TTL time.Duration `yaml:"ttl"`
}

// Cache is a namespaced embedding store.
type Cache struct {
	db        *badger.DB
	precision vecmath.Precision
	ttl       time.Duration
}

// badgerLogger routes badger's internal logging through slog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	slog.Error("[EMBCACHE] " + fmt.Sprintf(format, args...))
}
func (badgerLogger) Warningf(format string, args ...any) {
	slog.Warn("[EMBCACHE] " + fmt.Sprintf(format, args...))
}
func (badgerLogger) Infof(format string, args ...any) {
	slog.Debug("[EMBCACHE] " + fmt.Sprintf(format, args...))
}
func (badgerLogger) Debugf(format string, args ...any) {}

// Open opens or creates the cache.
func Open(cfg Config) (*Cache, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("embedding cache path is required unless in_memory is set")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}
	p := cfg.Precision
	if p == "" {
		p = vecmath.Float32
	}
	return &Cache{db: db, precision: p, ttl: cfg.TTL}, nil
}

// Namespace names the cache partition for one model run on one snapshot
// content fingerprint. Store versions restart in every process and must not
// be used here.
func Namespace(runID string, fingerprint uint64) string {
	return fmt.Sprintf("%s@%016x", runID, fingerprint)
}

func key(ns string, id types.NodeID) []byte {
	return []byte(keyPrefix + ns + "/" + string(id))
}

func (c *Cache) encode(v []float32) []byte {
	tag := tagFloat32
	if c.precision == vecmath.Float16 {
		tag = tagFloat16
	}
	return append([]byte{tag}, vecmath.Encode(v, c.precision)...)
}

func decode(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, errors.New("empty cache value")
	}
	switch b[0] {
	case tagFloat32:
		return vecmath.Decode(b[1:], vecmath.Float32)
	case tagFloat16:
		return vecmath.Decode(b[1:], vecmath.Float16)
	default:
		return nil, fmt.Errorf("unknown precision tag %d", b[0])
	}
}

// Get returns the cached embedding of id in ns.
func (c *Cache) Get(ns string, id types.NodeID) ([]float32, bool, error) {
	var out []float32
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(ns, id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v, err := decode(val)
			out = v
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		metrics.EmbeddingCacheLookups.WithLabelValues("miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	metrics.EmbeddingCacheLookups.WithLabelValues("hit").Inc()
	return out, true, nil
}

// GetMany returns the cached subset of ids and the ids that were missing.
func (c *Cache) GetMany(ns string, ids []types.NodeID) (map[types.NodeID][]float32, []types.NodeID, error) {
	found := make(map[types.NodeID][]float32, len(ids))
	var missing []types.NodeID
	err := c.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			item, err := txn.Get(key(ns, id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				missing = append(missing, id)
				continue
			}
			if err != nil {
				return err
			}
			err = item.Value(func(val []byte) error {
				v, err := decode(val)
				if err == nil {
					found[id] = v
				}
				return err
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	metrics.EmbeddingCacheLookups.WithLabelValues("hit").Add(float64(len(found)))
	metrics.EmbeddingCacheLookups.WithLabelValues("miss").Add(float64(len(missing)))
	return found, missing, nil
}

// PutMany stores embeddings in one write batch.
func (c *Cache) PutMany(ns string, embs map[types.NodeID][]float32) error {
	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for id, v := range embs {
		e := badger.NewEntry(key(ns, id), c.encode(v))
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		if err := wb.SetEntry(e); err != nil {
			return fmt.Errorf("cache write: %w", err)
		}
	}
	return wb.Flush()
}

// Namespaces lists the namespaces currently holding entries.
func (c *Cache) Namespaces() ([]string, error) {
	seen := map[string]bool{}
	var out []string
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := string(it.Item().Key()[len(keyPrefix):])
			ns := k
			for i := 0; i < len(k); i++ {
				if k[i] == '/' {
					ns = k[:i]
					break
				}
			}
			if !seen[ns] {
				seen[ns] = true
				out = append(out, ns)
			}
		}
		return nil
	})
	return out, err
}

// Drop deletes every entry in ns.
func (c *Cache) Drop(ns string) error {
	return c.db.DropPrefix([]byte(keyPrefix + ns + "/"))
}

// Retain drops every namespace other than keep.
func (c *Cache) Retain(keep string) error {
	all, err := c.Namespaces()
	if err != nil {
		return err
	}
	for _, ns := range all {
		if ns == keep {
			continue
		}
		if err := c.Drop(ns); err != nil {
			return err
		}
		slog.Debug("[EMBCACHE] Dropped namespace", "namespace", ns)
	}
	return nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}
