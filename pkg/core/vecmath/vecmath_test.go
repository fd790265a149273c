package vecmath

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withBackend(t *testing.T, b Backend) {
	t.Helper()
	prev := ActiveBackend()
	UseBackend(b)
	t.Cleanup(func() { UseBackend(prev) })
}

func TestKernels(t *testing.T) {
	for _, b := range []Backend{BackendGo, BackendGonum} {
		t.Run(string(b), func(t *testing.T) {
			withBackend(t, b)

			assert.InDelta(t, 32.0, Dot([]float32{1, 2, 3}, []float32{4, 5, 6}), 1e-6)

			y := []float32{1, 1}
			Axpy(2, []float32{1, 2}, y)
			assert.Equal(t, []float32{3, 5}, y)

			// A = [[1 2 3] [4 5 6]]
			a := []float32{1, 2, 3, 4, 5, 6}
			out := make([]float32, 2)
			MulVec(2, 3, a, []float32{1, 0, 1}, out)
			assert.Equal(t, []float32{4, 10}, out)

			MulVecAdd(2, 3, a, []float32{1, 0, 0}, out)
			assert.Equal(t, []float32{5, 14}, out)

			tr := make([]float32, 3)
			MulTransVecAdd(2, 3, a, []float32{1, 1}, tr)
			assert.Equal(t, []float32{5, 7, 9}, tr)

			g := make([]float32, 6)
			AddOuter(2, 3, 1, []float32{1, 2}, []float32{1, 0, -1}, g)
			assert.Equal(t, []float32{1, 0, -1, 2, 0, -2}, g)
		})
	}
}

func TestBackendsAgree(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	m, n := 7, 13
	a := make([]float32, m*n)
	x := make([]float32, n)
	for i := range a {
		a[i] = r.Float32() - 0.5
	}
	for i := range x {
		x[i] = r.Float32() - 0.5
	}

	withBackend(t, BackendGo)
	want := make([]float32, m)
	MulVec(m, n, a, x, want)

	UseBackend(BackendGonum)
	got := make([]float32, m)
	MulVec(m, n, a, x, got)

	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-5)
	}
}

func TestZeroSizedShapes(t *testing.T) {
	y := []float32{7, 7}
	MulVec(2, 0, nil, nil, y)
	assert.Equal(t, []float32{0, 0}, y)
	assert.Equal(t, float32(0), Dot(nil, nil))
}

func TestSigmoidAndSoftplus(t *testing.T) {
	assert.InDelta(t, 0.5, Sigmoid(0), 1e-12)
	assert.InDelta(t, 1.0, Sigmoid(800), 1e-12)
	assert.InDelta(t, 0.0, Sigmoid(-800), 1e-12)
	assert.InDelta(t, math.Log(2), Softplus(0), 1e-12)
	assert.InDelta(t, 100.0, Softplus(100), 1e-9)
	assert.False(t, math.IsInf(Softplus(1000), 0))
}

func TestFinite(t *testing.T) {
	assert.True(t, Finite([]float32{1, -2, 0}))
	assert.False(t, Finite([]float32{1, float32(math.NaN())}))
	assert.False(t, Finite([]float32{float32(math.Inf(1))}))
}

func TestEncodeDecode(t *testing.T) {
	v := []float32{0.5, -1.25, 3, 0}

	b32 := Encode(v, Float32)
	require.Len(t, b32, 16)
	got, err := Decode(b32, Float32)
	require.NoError(t, err)
	assert.Equal(t, v, got)

	b16 := Encode(v, Float16)
	require.Len(t, b16, 8)
	got, err = Decode(b16, Float16)
	require.NoError(t, err)
	// all values above are exactly representable in half precision
	assert.Equal(t, v, got)

	_, err = Decode([]byte{1, 2, 3}, Float16)
	assert.Error(t, err)

	_, err = ParsePrecision("int8")
	assert.Error(t, err)
}
