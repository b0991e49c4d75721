package ad

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCumulativeSumFuses is spec.md §8 scenario S4:
// y = ((a+b)-c) + (a-d). After Optimize, the chain becomes one CSum op;
// forward(0, [1,2,3,4]) must agree before and after.
func TestCumulativeSumFuses(t *testing.T) {
	x := Start([]float64{1, 2, 3, 4})
	a, b, c, d := x[0], x[1], x[2], x[3]
	y := Add(Sub(Add(a, b), c), Sub(a, d))
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)

	dep, err := f.Forward(0, []float64{1, 2, 3, 4}, nil)
	require.NoError(t, err)
	assert.InDelta(t, -3.0, dep[0], 1e-12)

	require.NoError(t, f.Optimize(""))

	foundCSum := false
	for i := 0; i < f.SizeOp(); i++ {
		if f.rec.GetOp(i).code == OpCSum {
			foundCSum = true
		}
	}
	assert.True(t, foundCSum, "expected optimize to fuse the add/sub chain into a CSum op")

	dep, err = f.Forward(0, []float64{1, 2, 3, 4}, nil)
	require.NoError(t, err)
	assert.InDelta(t, -3.0, dep[0], 1e-12)
}

// TestOptimizePreservesSemantics is property 5, over several inputs.
func TestOptimizePreservesSemantics(t *testing.T) {
	x := Start([]float64{1, 1, 1})
	y := Add(Mul(x[0], x[1]), Sin(x[2]))
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)

	pts := [][3]float64{{1, 2, 3}, {-1, 4, 0.5}, {2.5, -3, 1.1}}
	var before [][]float64
	for _, pt := range pts {
		dep, err := f.Forward(0, pt[:], nil)
		require.NoError(t, err)
		before = append(before, dep)
	}

	require.NoError(t, f.Optimize(""))

	for i, pt := range pts {
		dep, err := f.Forward(0, pt[:], nil)
		require.NoError(t, err)
		assert.InDelta(t, before[i][0], dep[0], 1e-9)
	}
}

// TestOptimizeConstantFolding: an op whose operands are both parameters
// folds to a constant.
func TestOptimizeConstantFolding(t *testing.T) {
	x := Start([]float64{5})
	p := NewParameter[float64](2)
	q := NewParameter[float64](3)
	// Add(p, q) folds at record time already (both parameters), so the
	// optimizer has nothing left to fold; the test checks that the folded
	// constant still gives the same value after Optimize.
	y := Mul(x[0], Add(p, q))
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)

	dep, err := f.Forward(0, []float64{5}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{25}, dep)

	require.NoError(t, f.Optimize(""))
	dep, err = f.Forward(0, []float64{5}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{25}, dep)
}

// TestOptimizeNoCumulativeSumOp: the no_cumulative_sum_op token disables
// CSum fusion.
func TestOptimizeNoCumulativeSumOp(t *testing.T) {
	x := Start([]float64{1, 2, 3})
	y := Sub(Add(x[0], x[1]), x[2])
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)
	require.NoError(t, f.Optimize("no_cumulative_sum_op"))

	for i := 0; i < f.SizeOp(); i++ {
		assert.NotEqual(t, OpCSum, f.rec.GetOp(i).code)
	}
}

// TestOptimizeValGraph exercises the val_graph option token end to end
// and checks its output matches the default optimizer's (spec.md §4.7:
// "externally observable output is identical").
func TestOptimizeValGraph(t *testing.T) {
	x := Start([]float64{1, 2, 3, 4})
	a, b, c, d := x[0], x[1], x[2], x[3]
	y := Add(Sub(Add(a, b), c), Sub(a, d))
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)
	require.NoError(t, f.Optimize("val_graph"))

	dep, err := f.Forward(0, []float64{1, 2, 3, 4}, nil)
	require.NoError(t, err)
	assert.InDelta(t, -3.0, dep[0], 1e-12)
}

// TestParseOptions checks the option-string tokenizer.
func TestParseOptions(t *testing.T) {
	opt := ParseOptions("no_compare_op collision_limit=5 val_graph no_such_token")
	assert.True(t, opt.NoCompareOp)
	assert.Equal(t, 5, opt.CollisionLimit)
	assert.True(t, opt.ValGraph)
	assert.False(t, opt.NoConditionalSkip)
}
