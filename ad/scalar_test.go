package ad

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScalarProduct is spec.md §8 scenario S1: y = x[0]*x[1].
func TestScalarProduct(t *testing.T) {
	x := Start([]float64{1, 1})
	y := Mul(x[0], x[1])
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)

	dep, err := f.Forward(0, []float64{3, 4}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{12}, dep)

	partial, err := f.Reverse(1, []float64{1})
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 3}, partial)
}

// TestRoundtripOfValues is property 1: forward(0, x) matches direct
// evaluation of the recorded expression at x.
func TestRoundtripOfValues(t *testing.T) {
	eval := func(a, b, c float64) float64 { return a*b + math.Sin(c) }

	x := Start([]float64{0.1, 0.2, 0.3})
	y := Add(Mul(x[0], x[1]), Sin(x[2]))
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)

	for _, pt := range [][3]float64{{1, 2, 3}, {-1, 4, 0.5}, {2.5, -3, 1.1}} {
		dep, err := f.Forward(0, pt[:], nil)
		require.NoError(t, err)
		assert.InDelta(t, eval(pt[0], pt[1], pt[2]), dep[0], 1e-12)
	}
}

// TestLinearityOfReverse is property 2.
func TestLinearityOfReverse(t *testing.T) {
	x := Start([]float64{1, 1})
	y0 := Mul(x[0], x[1])
	y1 := Add(x[0], x[1])
	f, err := New(x, []AD[float64]{y0, y1})
	require.NoError(t, err)

	_, err = f.Forward(0, []float64{2, 3}, nil)
	require.NoError(t, err)

	w1 := []float64{1, 2}
	w2 := []float64{3, -1}
	alpha, beta := 2.0, 5.0

	r1, err := f.Reverse(1, w1)
	require.NoError(t, err)
	r2, err := f.Reverse(1, w2)
	require.NoError(t, err)

	combo := make([]float64, len(w1))
	for i := range combo {
		combo[i] = alpha*w1[i] + beta*w2[i]
	}
	rCombo, err := f.Reverse(1, combo)
	require.NoError(t, err)

	for i := range rCombo {
		assert.InDelta(t, alpha*r1[i]+beta*r2[i], rCombo[i], 1e-9)
	}
}

// TestForwardReverseDuality is property 3: dot(w, forward(1,dx)) ==
// dot(reverse(1,w), dx).
func TestForwardReverseDuality(t *testing.T) {
	x := Start([]float64{1, 1, 1})
	y := Add(Mul(x[0], x[1]), Div(x[2], x[0]))
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)

	pt := []float64{2, 3, 4}
	_, err = f.Forward(0, pt, nil)
	require.NoError(t, err)

	dx := []float64{0.3, -0.2, 1.1}
	dy, err := f.Forward(1, dx, nil)
	require.NoError(t, err)

	w := []float64{1.7}
	partial, err := f.Reverse(1, w)
	require.NoError(t, err)

	lhs := w[0] * dy[0]
	var rhs float64
	for i := range dx {
		rhs += partial[i] * dx[i]
	}
	assert.InDelta(t, lhs, rhs, 1e-9)
}

// TestFiniteDifferenceSanity is property 4.
func TestFiniteDifferenceSanity(t *testing.T) {
	x := Start([]float64{1, 1})
	y := Mul(x[0], x[0])
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)

	pt := []float64{3, 1}
	dx := []float64{1, 0}

	base, err := f.Forward(0, pt, nil)
	require.NoError(t, err)
	dy, err := f.Forward(1, dx, nil)
	require.NoError(t, err)

	eps := 1e-6
	perturbed, err := f.Forward(0, []float64{pt[0] + eps*dx[0], pt[1] + eps*dx[1]}, nil)
	require.NoError(t, err)

	fd := (perturbed[0] - base[0]) / eps
	assert.InDelta(t, dy[0], fd, 1e-3)
}

// TestAbsoluteZeroMultiply is property 8.
func TestAbsoluteZeroMultiply(t *testing.T) {
	x := Start([]float64{0, 5})
	y := Azmul(x[0], x[1])
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)

	dep, err := f.Forward(0, []float64{0, math.NaN()}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, dep[0])

	dep, err = f.Forward(0, []float64{math.Inf(1), 0}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, dep[0])
}

// TestParametersFoldAtRecordTime: when both operands of an arithmetic op
// are parameters, no op is recorded (spec.md §4.1).
func TestParametersFoldAtRecordTime(t *testing.T) {
	x := Start([]float64{1})
	p := NewParameter[float64](2)
	q := NewParameter[float64](3)
	sumPP := Add(p, q)
	assert.True(t, sumPP.IsParameter())
	assert.Equal(t, 5.0, sumPP.Value())

	y := Mul(x[0], sumPP)
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)
	dep, err := f.Forward(0, []float64{4}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{20}, dep)
}

// TestStaleVariablePanics: an active scalar from a prior recording used
// after a new recording has started panics with StaleVariable.
func TestStaleVariablePanics(t *testing.T) {
	x := Start([]float64{1})
	y := Mul(x[0], x[0])
	_, err := New(x, []AD[float64]{y})
	require.NoError(t, err)

	x2 := Start([]float64{2})
	defer Abort[float64]()

	assert.Panics(t, func() {
		Add(x[0], x2[0])
	})
}
