// Package features loads the auxiliary per-entity tables (scores, location
// factors, ...) that provide node input features.
//
// A table is a CSV file with a header row. The "id" column is required, a
// "type" column is optional (otherwise the loader's default type is used) and
// every other column is treated as a numeric feature. Several tables are
// concatenated column-wise; ids missing from a table get zeros for its columns.
package features

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/sanonone/linksage/pkg/core/types"
)

// Namer canonicalizes entity names. *curate.Canonicalizer satisfies it.
type Namer interface {
	Canonical(name string) string
}

// Table maps node ids to fixed-length feature vectors.
type Table struct {
	Columns []string
	rows    map[types.NodeID][]float32
}

// NewTable returns an empty table with the given columns.
func NewTable(columns ...string) *Table {
	return &Table{Columns: columns, rows: make(map[types.NodeID][]float32)}
}

// Dim returns the feature vector length.
func (t *Table) Dim() int {
	if t == nil {
		return 0
	}
	return len(t.Columns)
}

// Set stores the vector for id. Its length must equal Dim.
func (t *Table) Set(id types.NodeID, v []float32) error {
	if len(v) != t.Dim() {
		return &types.DimensionMismatchError{What: "feature row " + string(id), Expected: t.Dim(), Got: len(v)}
	}
	t.rows[id] = v
	return nil
}

// Lookup returns the vector for id, or a zero vector when id is absent.
func (t *Table) Lookup(id types.NodeID) []float32 {
	if t == nil {
		return nil
	}
	if v, ok := t.rows[id]; ok {
		return slices.Clone(v)
	}
	return make([]float32, t.Dim())
}

// Has reports whether id has a row.
func (t *Table) Has(id types.NodeID) bool {
	if t == nil {
		return false
	}
	_, ok := t.rows[id]
	return ok
}

// IDs returns the ids with a row, sorted.
func (t *Table) IDs() []types.NodeID {
	if t == nil {
		return nil
	}
	out := make([]types.NodeID, 0, len(t.rows))
	for id := range t.rows {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rows)
}

// LoadOptions controls how a CSV table is read.
type LoadOptions struct {
	DefaultType types.NodeType
	Namer       Namer
	// Prefix is prepended to every feature column name.
	Prefix string
}

// LoadCSV reads one auxiliary table from path.
func LoadCSV(path string, opts LoadOptions) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open feature table: %w", err)
	}
	defer f.Close()

	t, err := ReadCSV(f, opts)
	if err != nil {
		return nil, fmt.Errorf("feature table %s: %w", path, err)
	}
	slog.Info("[FEATURES] Loaded table", "path", path, "rows", t.Len(), "columns", t.Dim())
	return t, nil
}

// ReadCSV parses a table from r.
func ReadCSV(r io.Reader, opts LoadOptions) (*Table, error) {
	if opts.DefaultType == "" {
		opts.DefaultType = types.Patient
	}
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("missing header row")
		}
		return nil, err
	}

	idCol, typeCol := -1, -1
	var featCols []int
	var names []string
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "id", "entity_id", "node_id":
			idCol = i
		case "type", "entity_type", "node_type":
			typeCol = i
		default:
			featCols = append(featCols, i)
			names = append(names, opts.Prefix+strings.TrimSpace(h))
		}
	}
	if idCol < 0 {
		return nil, errors.New("header has no id column")
	}

	t := NewTable(names...)
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if idCol >= len(rec) || strings.TrimSpace(rec[idCol]) == "" {
			slog.Debug("[FEATURES] Skipping row without id", "line", line)
			continue
		}

		nt := opts.DefaultType
		if typeCol >= 0 && typeCol < len(rec) {
			parsed, ok := types.ParseNodeType(rec[typeCol], opts.DefaultType)
			if !ok {
				slog.Debug("[FEATURES] Skipping row with unknown type", "line", line, "type", rec[typeCol])
				continue
			}
			nt = parsed
		}

		name := rec[idCol]
		if opts.Namer != nil {
			name = opts.Namer.Canonical(name)
		}

		vec := make([]float32, len(featCols))
		for j, c := range featCols {
			if c >= len(rec) {
				continue
			}
			// Non-numeric cells are treated as missing and stay zero.
			if v, err := strconv.ParseFloat(strings.TrimSpace(rec[c]), 32); err == nil {
				vec[j] = float32(v)
			}
		}
		t.rows[types.MakeNodeID(nt, name)] = vec
	}
	return t, nil
}

// Concat joins tables column-wise. Ids missing from a table contribute zeros.
func Concat(tables ...*Table) *Table {
	var cols []string
	for _, t := range tables {
		cols = append(cols, t.Columns...)
	}
	out := NewTable(cols...)

	ids := make(map[types.NodeID]struct{})
	for _, t := range tables {
		for id := range t.rows {
			ids[id] = struct{}{}
		}
	}
	for id := range ids {
		vec := make([]float32, 0, len(cols))
		for _, t := range tables {
			vec = append(vec, t.Lookup(id)...)
		}
		out.rows[id] = vec
	}
	return out
}
