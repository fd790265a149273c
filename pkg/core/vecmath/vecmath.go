// Package vecmath provides the dense float32 kernels used by the embedding
// engine and the link scorer: dot products, axpy, matrix-vector products and
// rank-1 updates on row-major matrices.
//
// The package dispatches at init time to the fastest implementation available.
// Gonum's BLAS handles SIMD internally and is used when the CPU exposes vector
// extensions; otherwise the pure Go reference kernels are used.
package vecmath

import (
	"log/slog"
	"math"

	"github.com/klauspost/cpuid/v2"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/gonum"
)

// Backend names the kernel family in use.
type Backend string

const (
	BackendGo    Backend = "go"
	BackendGonum Backend = "gonum"
)

type kernels struct {
	dot  func(x, y []float32) float32
	axpy func(alpha float32, x, y []float32)
	gemv func(trans bool, m, n int, a, x, y []float32, beta float32)
	ger  func(m, n int, alpha float32, x, y, a []float32)
}

var (
	active       kernels
	activeName   Backend
	gonumEngine  = gonum.Implementation{}
	goKernels    = kernels{dot: dotGo, axpy: axpyGo, gemv: gemvGo, ger: gerGo}
	gonumKernels = kernels{dot: dotGonum, axpy: axpyGonum, gemv: gemvGonum, ger: gerGonum}
)

func init() {
	if cpuid.CPU.Has(cpuid.AVX2) || cpuid.CPU.Has(cpuid.ASIMD) {
		UseBackend(BackendGonum)
	} else {
		UseBackend(BackendGo)
	}
	slog.Debug("linksage compute kernels selected", "backend", activeName, "cpu", cpuid.CPU.BrandName)
}

// UseBackend switches the kernel family. It is not safe to call while other
// goroutines are running kernels.
func UseBackend(b Backend) {
	switch b {
	case BackendGonum:
		active, activeName = gonumKernels, BackendGonum
	default:
		active, activeName = goKernels, BackendGo
	}
}

// ActiveBackend reports the kernel family in use.
func ActiveBackend() Backend { return activeName }

// Dot returns x.y. Lengths must match.
func Dot(x, y []float32) float32 {
	if len(x) == 0 {
		return 0
	}
	return active.dot(x, y)
}

// Axpy computes y += alpha*x.
func Axpy(alpha float32, x, y []float32) {
	if len(x) == 0 {
		return
	}
	active.axpy(alpha, x, y)
}

// MulVec computes y = A x for a row-major m x n matrix A.
func MulVec(m, n int, a, x, y []float32) {
	if m == 0 || n == 0 {
		clear(y[:m])
		return
	}
	active.gemv(false, m, n, a, x, y, 0)
}

// MulVecAdd computes y += A x.
func MulVecAdd(m, n int, a, x, y []float32) {
	if m == 0 || n == 0 {
		return
	}
	active.gemv(false, m, n, a, x, y, 1)
}

// MulTransVecAdd computes y += A^T x for a row-major m x n matrix A,
// so len(x) == m and len(y) == n.
func MulTransVecAdd(m, n int, a, x, y []float32) {
	if m == 0 || n == 0 {
		return
	}
	active.gemv(true, m, n, a, x, y, 1)
}

// AddOuter computes A += alpha * x y^T with len(x) == m and len(y) == n.
func AddOuter(m, n int, alpha float32, x, y, a []float32) {
	if m == 0 || n == 0 {
		return
	}
	active.ger(m, n, alpha, x, y, a)
}

// Norm returns the Euclidean norm of x.
func Norm(x []float32) float32 {
	return float32(math.Sqrt(float64(Dot(x, x))))
}

// Scale multiplies x in place by alpha.
func Scale(alpha float32, x []float32) {
	for i := range x {
		x[i] *= alpha
	}
}

// Add returns y += x.
func Add(x, y []float32) { Axpy(1, x, y) }

// Sigmoid is the numerically stable logistic function.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Softplus computes log(1+e^x) without overflow.
func Softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	if x < -30 {
		return math.Exp(x)
	}
	return math.Log1p(math.Exp(x))
}

// Finite reports whether every element of x is finite.
func Finite(x []float32) bool {
	for _, v := range x {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// --- Reference implementations (pure Go) ---

func dotGo(x, y []float32) float32 {
	var sum float32
	for i := range x {
		sum += x[i] * y[i]
	}
	return sum
}

func axpyGo(alpha float32, x, y []float32) {
	for i, v := range x {
		y[i] += alpha * v
	}
}

func gemvGo(trans bool, m, n int, a, x, y []float32, beta float32) {
	if !trans {
		for i := 0; i < m; i++ {
			row := a[i*n : (i+1)*n]
			var sum float32
			for j, v := range row {
				sum += v * x[j]
			}
			if beta == 0 {
				y[i] = sum
			} else {
				y[i] = beta*y[i] + sum
			}
		}
		return
	}
	if beta == 0 {
		clear(y[:n])
	}
	for i := 0; i < m; i++ {
		xi := x[i]
		if xi == 0 {
			continue
		}
		row := a[i*n : (i+1)*n]
		for j, v := range row {
			y[j] += v * xi
		}
	}
}

func gerGo(m, n int, alpha float32, x, y, a []float32) {
	for i := 0; i < m; i++ {
		s := alpha * x[i]
		if s == 0 {
			continue
		}
		row := a[i*n : (i+1)*n]
		for j, v := range y[:n] {
			row[j] += s * v
		}
	}
}

// --- Gonum-based implementations ---

func dotGonum(x, y []float32) float32 {
	return gonumEngine.Sdot(len(x), x, 1, y, 1)
}

func axpyGonum(alpha float32, x, y []float32) {
	gonumEngine.Saxpy(len(x), alpha, x, 1, y, 1)
}

func gemvGonum(trans bool, m, n int, a, x, y []float32, beta float32) {
	t := blas.NoTrans
	if trans {
		t = blas.Trans
	}
	gonumEngine.Sgemv(t, m, n, 1, a, n, x, 1, beta, y, 1)
}

func gerGonum(m, n int, alpha float32, x, y, a []float32) {
	gonumEngine.Sger(m, n, alpha, x, 1, y, 1, a, n)
}
