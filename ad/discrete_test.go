package ad

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPrintEmitsOnForwardStream checks that Print records a Pri op
// which only emits text when Forward is given a non-nil stream.
func TestPrintEmitsOnForwardStream(t *testing.T) {
	x := Start([]float64{2})
	Print[float64]("x = ", x[0])
	y := Mul(x[0], x[0])
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)

	var buf bytes.Buffer
	dep, err := f.Forward(0, []float64{3}, &buf)
	require.NoError(t, err)
	assert.Equal(t, []float64{9}, dep)
	assert.Contains(t, buf.String(), "x = 3")

	buf.Reset()
	_, err = f.Forward(0, []float64{3}, nil)
	require.NoError(t, err)
	assert.Empty(t, buf.String())
}

// TestDiscreteStepFunction: a Dis op re-evaluates its callback on every
// replay and its derivative is zero at every order.
func TestDiscreteStepFunction(t *testing.T) {
	step := func(v float64) float64 {
		return math.Floor(v)
	}
	x := Start([]float64{2.7})
	y := Mul(Discrete("floor", step, x[0]), x[0])
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)

	dep, err := f.Forward(0, []float64{2.7}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 2*2.7, dep[0], 1e-12)

	dep, err = f.Forward(0, []float64{5.9}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 5*5.9, dep[0], 1e-12)

	partial, err := f.Reverse(1, []float64{1})
	require.NoError(t, err)
	assert.InDelta(t, 5.0, partial[0], 1e-9) // d/dx(floor(x)*x) treats floor(x) as constant
}
