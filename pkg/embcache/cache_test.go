package embcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/linksage/pkg/core/types"
	"github.com/sanonone/linksage/pkg/core/vecmath"
)

func openMem(t *testing.T, p vecmath.Precision) *Cache {
	t.Helper()
	c, err := Open(Config{InMemory: true, Precision: p})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPutGet(t *testing.T) {
	c := openMem(t, vecmath.Float32)
	ns := Namespace("run-1", 3)
	assert.Equal(t, "run-1@0000000000000003", ns)

	p1 := types.MakeNodeID(types.Patient, "p1")
	d1 := types.MakeNodeID(types.Provider, "d1")
	require.NoError(t, c.PutMany(ns, map[types.NodeID][]float32{p1: {1, 2, 3}}))

	v, ok, err := c.Get(ns, p1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, v)

	_, ok, err = c.Get(ns, d1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = c.Get(Namespace("run-1", 4), p1)
	require.NoError(t, err)
	assert.False(t, ok, "namespaces are isolated")

	found, missing, err := c.GetMany(ns, []types.NodeID{p1, d1})
	require.NoError(t, err)
	assert.Len(t, found, 1)
	assert.Equal(t, []types.NodeID{d1}, missing)
}

func TestFloat16Precision(t *testing.T) {
	c := openMem(t, vecmath.Float16)
	id := types.MakeNodeID(types.Provider, "acme")
	require.NoError(t, c.PutMany("ns", map[types.NodeID][]float32{id: {0.5, -1.25, 3.1415}}))

	v, ok, err := c.Get("ns", id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float32(0.5), v[0])
	assert.Equal(t, float32(-1.25), v[1])
	assert.InDelta(t, 3.1415, v[2], 2e-3)
}

func TestRetain(t *testing.T) {
	c := openMem(t, vecmath.Float32)
	id := types.MakeNodeID(types.Patient, "p")
	for _, ns := range []string{"a@1", "a@2", "b@1"} {
		require.NoError(t, c.PutMany(ns, map[types.NodeID][]float32{id: {1}}))
	}
	all, err := c.Namespaces()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a@1", "a@2", "b@1"}, all)

	require.NoError(t, c.Retain("a@2"))
	all, err = c.Namespaces()
	require.NoError(t, err)
	assert.Equal(t, []string{"a@2"}, all)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)

	c, err := Open(Config{Path: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, c.Close())
}
