package ad

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConditionExpression is spec.md §8 scenario S2:
// y = cexp(Lt, x[0], 1, x[0]*x[0], x[0]).
func TestConditionExpression(t *testing.T) {
	x := Start([]float64{0.5})
	one := NewParameter[float64](1)
	y := ConditionExpression(CmpLt, x[0], one, Mul(x[0], x[0]), x[0])
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)

	dep, err := f.Forward(0, []float64{0.5}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, dep[0], 1e-12)
	partial, err := f.Reverse(1, []float64{1})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, partial[0], 1e-12) // d/dx(x^2) at x=0.5

	dep, err = f.Forward(0, []float64{2.0}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, dep[0], 1e-12)
	partial, err = f.Reverse(1, []float64{1})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, partial[0], 1e-12) // d/dx(x) at x=2.0, other branch taken
}

// TestCompareChangeCounter is spec.md §8 scenario S6.
func TestCompareChangeCounter(t *testing.T) {
	x := Start([]float64{1, 2})
	less := Lt(x[0], x[1])
	var y AD[float64]
	if less {
		y = x[0]
	} else {
		y = x[1]
	}
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)

	_, err = f.Forward(0, []float64{1, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, f.CompareChangeCount())

	_, err = f.Forward(0, []float64{3, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, f.CompareChangeCount())
}

// TestCompareChangeCounterStaysZero is property 9.
func TestCompareChangeCounterStaysZero(t *testing.T) {
	x := Start([]float64{1, 2})
	y := ConditionExpression(CmpLt, x[0], x[1], x[0], x[1])
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)

	for _, pt := range [][2]float64{{1, 2}, {-5, 10}, {0, 100}} {
		_, err := f.Forward(0, pt[:], nil)
		require.NoError(t, err)
		assert.Equal(t, 0, f.CompareChangeCount())
	}
}
