package features

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/linksage/pkg/core/types"
)

type lowerNamer struct{}

func (lowerNamer) Canonical(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func TestReadCSV(t *testing.T) {
	in := `id,type,premium,risk,region
P1,patient,120.5,0.3,north
Acme,provider,0,0.9,
,patient,1,1,1
`
	tbl, err := ReadCSV(strings.NewReader(in), LoadOptions{Namer: lowerNamer{}})
	require.NoError(t, err)

	assert.Equal(t, []string{"premium", "risk", "region"}, tbl.Columns)
	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, []float32{120.5, 0.3, 0}, tbl.Lookup(types.MakeNodeID(types.Patient, "p1")))
	assert.Equal(t, []float32{0, 0.9, 0}, tbl.Lookup(types.MakeNodeID(types.Provider, "acme")))
	assert.Equal(t, []float32{0, 0, 0}, tbl.Lookup(types.MakeNodeID(types.Patient, "missing")))
}

func TestReadCSVRequiresID(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("name,score\nx,1\n"), LoadOptions{})
	assert.Error(t, err)

	_, err = ReadCSV(strings.NewReader(""), LoadOptions{})
	assert.Error(t, err)
}

func TestConcat(t *testing.T) {
	a := NewTable("a1")
	b := NewTable("b1", "b2")
	p := types.MakeNodeID(types.Patient, "p")
	d := types.MakeNodeID(types.Provider, "d")
	require.NoError(t, a.Set(p, []float32{1}))
	require.NoError(t, b.Set(d, []float32{2, 3}))

	var mismatch *types.DimensionMismatchError
	assert.ErrorAs(t, b.Set(p, []float32{1}), &mismatch)

	c := Concat(a, b)
	assert.Equal(t, 3, c.Dim())
	assert.Equal(t, []float32{1, 0, 0}, c.Lookup(p))
	assert.Equal(t, []float32{0, 2, 3}, c.Lookup(d))
	assert.Equal(t, []types.NodeID{p, d}, c.IDs())
}

func TestLoadCSVFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provider_locations.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,lat,lon\nMercy,40.1,-75.2\n"), 0o644))

	tbl, err := LoadCSV(path, LoadOptions{DefaultType: types.Provider, Prefix: "loc_"})
	require.NoError(t, err)
	assert.Equal(t, []string{"loc_lat", "loc_lon"}, tbl.Columns)
	assert.True(t, tbl.Has(types.MakeNodeID(types.Provider, "Mercy")))
}
