package ad

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReverseHessianSparsity is spec.md §8 scenario S5:
// y = sin(x[0]) * x[1]; rev_sparse_hes(2, [1]) must return the dense 2x2
// pattern because d2y/dx0dx1 = cos(x0) is nonzero.
func TestReverseHessianSparsity(t *testing.T) {
	x := Start([]float64{1, 1})
	y := Mul(Sin(x[0]), x[1])
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)
	_, err = f.Forward(0, []float64{0.7, 2.0}, nil)
	require.NoError(t, err)

	h, err := f.RevSparseHes(2, []bool{true})
	require.NoError(t, err)
	require.Equal(t, 2, h.Rows())
	require.Equal(t, 2, h.Cols())
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			assert.True(t, h.Test(i, j), "expected (%d,%d) set", i, j)
		}
	}
}

// TestSparsitySoundness is property 6: an entry the sparsity routine
// reports as structurally zero is exactly zero numerically, for every
// input that keeps the same control path. Here x[0] only ever feeds the
// first dependent and x[1] only the second, so the Jacobian is diagonal.
func TestSparsitySoundness(t *testing.T) {
	x := Start([]float64{1, 1})
	y0 := Mul(x[0], x[0])
	y1 := Sin(x[1])
	f, err := New(x, []AD[float64]{y0, y1})
	require.NoError(t, err)
	_, err = f.Forward(0, []float64{2, 3}, nil)
	require.NoError(t, err)

	r := NewBitPattern(2, 2)
	r.Set(0, 0)
	r.Set(1, 1)
	jac, err := f.ForSparseJac(2, r)
	require.NoError(t, err)

	assert.False(t, jac.Test(0, 1), "dep 0 should not structurally depend on x[1]")
	assert.False(t, jac.Test(1, 0), "dep 1 should not structurally depend on x[0]")

	for _, pt := range [][2]float64{{2, 3}, {-5, 1.5}, {0.1, -2}} {
		_, err := f.Forward(0, pt[:], nil)
		require.NoError(t, err)
		partial0, err := f.Reverse(1, []float64{1, 0})
		require.NoError(t, err)
		partial1, err := f.Reverse(1, []float64{0, 1})
		require.NoError(t, err)
		assert.Equal(t, 0.0, partial0[1])
		assert.Equal(t, 0.0, partial1[0])
	}
}

// TestForSparseJacDense checks the dense Jacobian sparsity pattern for a
// fully-coupled function.
func TestForSparseJacDense(t *testing.T) {
	x := Start([]float64{1, 1})
	y := Add(Mul(x[0], x[1]), x[0])
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)
	_, err = f.Forward(0, []float64{2, 3}, nil)
	require.NoError(t, err)

	r := NewBitPattern(2, 2)
	r.Set(0, 0)
	r.Set(1, 1)
	jac, err := f.ForSparseJac(2, r)
	require.NoError(t, err)
	assert.True(t, jac.Test(0, 0))
	assert.True(t, jac.Test(0, 1))
}

// TestSparseJacobianWrapper exercises the SparseJacobian convenience
// entry point end to end (SPEC_FULL.md §10).
func TestSparseJacobianWrapper(t *testing.T) {
	x := Start([]float64{1, 1})
	y := Mul(x[0], x[1])
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)

	pattern := NewBitPattern(1, 2)
	pattern.Set(0, 0)
	pattern.Set(0, 1)
	vals, _, err := f.SparseJacobian([]float64{3, 4}, pattern)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, vals[0], 1e-9)
	assert.InDelta(t, 3.0, vals[1], 1e-9)
}
