package ad

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestToGraph exercises the persistable CppAdGraph export (spec.md §6).
func TestToGraph(t *testing.T) {
	x := Start([]float64{2, 3})
	y := Add(Mul(x[0], x[1]), Sin(x[0]))
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)

	g, err := f.ToGraph("example")
	require.NoError(t, err)
	assert.Equal(t, "example", g.FunctionName)
	assert.Equal(t, 0, g.NumDynamicInd)
	assert.Equal(t, 2, g.NumVariableInd)
	assert.Len(t, g.Dependent, 1)
	assert.Contains(t, g.Operators, GraphMul)
	assert.Contains(t, g.Operators, GraphAdd)
	assert.Contains(t, g.Operators, GraphSin)

	var buf bytes.Buffer
	g.Print(&buf)
	assert.Contains(t, buf.String(), "example")
}

// TestToGraphWithDynamic checks dynamic parameters occupy the first node
// range (SPEC_FULL.md §10).
func TestToGraphWithDynamic(t *testing.T) {
	x := Start([]float64{2})
	dyn := NewDynamic([]float64{10})
	y := Mul(x[0], dyn[0])
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)

	g, err := f.ToGraph("withdyn")
	require.NoError(t, err)
	assert.Equal(t, 1, g.NumDynamicInd)
	assert.Equal(t, 1, g.NumVariableInd)
}

// TestToGraphRejectsVecAD: the persistable format does not cover VecAD
// load/store ops (documented scope narrowing in graph.go).
func TestToGraphRejectsVecAD(t *testing.T) {
	v := NewVecADFrom([]float64{1, 2, 3})
	x := Start([]float64{1})
	y := v.At(x[0])
	f, err := New(x, []AD[float64]{y})
	require.NoError(t, err)

	_, err = f.ToGraph("hasvec")
	assert.Error(t, err)
}
