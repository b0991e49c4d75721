package ad

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIndexedVector is spec.md §8 scenario S3: v = [1,2,3,4], y = v[x[0]],
// forward(0,[2]) -> [3].
func TestIndexedVector(t *testing.T) {
	v := NewVecADFrom([]float64{1, 2, 3, 4})
	x := Start([]float64{2})
	y := v.At(x[0])
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)

	dep, err := f.Forward(0, []float64{2}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{3}, dep)
}

// TestIndexedVectorStoreThenLoad: still in the same recording, an
// assignment v[1] = 10 recorded before the load changes the result.
func TestIndexedVectorStoreThenLoad(t *testing.T) {
	v := NewVecADFrom([]float64{1, 2, 3, 4})
	x := Start([]float64{1})
	v.SetIndexed(NewParameter[float64](1), NewParameter[float64](10))
	y := v.At(x[0])
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)

	dep, err := f.Forward(0, []float64{1}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{10}, dep)
}

// TestIndexedVectorZeroDerivative is property 7.
func TestIndexedVectorZeroDerivative(t *testing.T) {
	v := NewVecADFrom([]float64{10, 20, 30})
	x := Start([]float64{1})
	y := v.At(x[0])
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)

	_, err = f.Forward(0, []float64{1}, nil)
	require.NoError(t, err)
	partial, err := f.Reverse(1, []float64{1})
	require.NoError(t, err)
	assert.Equal(t, 0.0, partial[0])
}

// TestIndexedVectorBoundsAtReplay: an out-of-range index detected during
// Forward is reported as an error, not a panic (spec.md §7).
func TestIndexedVectorBoundsAtReplay(t *testing.T) {
	v := NewVecADFrom([]float64{1, 2, 3})
	x := Start([]float64{1})
	y := v.At(x[0])
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)

	_, err = f.Forward(0, []float64{5}, nil)
	require.Error(t, err)
	var fault *Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, IndexedVectorBounds, fault.Kind)
}

// TestIndexedVectorUnboundAccessPanics: a plain-integer access out of
// range before any recording panics immediately.
func TestIndexedVectorUnboundAccessPanics(t *testing.T) {
	v := NewVecAD[float64](3)
	assert.Panics(t, func() {
		v.Get(5)
	})
}
