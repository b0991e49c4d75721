package ad

import (
	"fmt"
	"math"
)

// Reverse implements spec.md §4.6's reverse sweep: allocate partial[n_var],
// seed the dependents with w, and walk the op stream from End to Begin,
// adding each op's contribution back into its argument variables — the
// transpose of the matching forward rule.
//
// Only first-order reverse (p==1) is implemented. spec.md §4.4 allows
// reverse(p, w) for any p, propagating adjoints of higher Taylor
// coefficients; that needs the reverse of every forward recurrence,
// including the ones this module does not carry past order one (see
// sweep_forward.go and DESIGN.md). p==1 covers the ordinary
// vector-Jacobian product, which is what every example in spec.md §8
// exercises.
func (f *Function[B]) Reverse(p int, w []B) ([]B, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p != 1 {
		return nil, fault(OrderTooHigh, -1,
			"reverse(%d) not supported; only first-order reverse is implemented", p)
	}
	if f.capOrder < 1 {
		return nil, fmt.Errorf("ad: reverse called before forward(0)")
	}
	if len(w) != len(f.depIsVar) {
		return nil, fmt.Errorf("ad: reverse(1): expected %d dependent weights, got %d", len(f.depIsVar), len(w))
	}

	nVar := int(f.rec.NumVar())
	partial := make([]B, nVar)
	for i, isVar := range f.depIsVar {
		if isVar {
			partial[f.depIdx[i]] += w[i]
		}
	}

	slotPartial := make([]B, len(f.rec.vecElems))

	ops := f.rec.ops

	for i := len(ops) - 1; i >= 1; i-- {
		if f.skipOp[i] {
			continue
		}
		if err := f.reverseStep(i, partial, slotPartial); err != nil {
			return nil, err
		}
	}

	result := make([]B, len(f.indVar))
	for i, v := range f.indVar {
		result[i] = partial[v]
	}
	return result, nil
}

// reverseStep applies op i's reverse rule, adding its contribution into
// partial (indexed by variable) and, for VecAD loads/stores, into
// slotPartial (indexed by vecElems offset). Factored out of Reverse so
// SubgraphReverseAt (subgraph.go) can replay the same per-op rules over
// a reduced op list.
func (f *Function[B]) reverseStep(i int, partial, slotPartial []B) error {
	ops := f.rec.ops
	args := f.rec.args
	op := ops[i]
	pb := partial[op.resIdx]

	switch op.code {
	case Begin, End, Inv, Par,
		OpLt, OpLe, OpEq, OpNe, OpGe, OpGt,
		OpCSkip, OpPri, OpDis, OpNop:
		// constants, independents (already seeded via dep loop above
		// when they are themselves dependents), and zero-derivative
		// bookkeeping ops contribute nothing further upstream.
	case OpAbs, OpSign, OpNeg, OpSqrt, OpExp, OpExpm1, OpLog, OpLog1p,
		OpSin, OpCos, OpTan, OpAsin, OpAcos, OpAtan,
		OpSinh, OpCosh, OpTanh, OpErf, OpAsinh, OpAcosh, OpAtanh:
		if pb == 0 {
			return nil
		}
		xIdx := args[op.argIdx]
		x0 := f.row(xIdx)[0]
		z0 := f.row(op.resIdx)[0]
		var comp0 B
		if isPairOp(op.code) {
			comp0 = f.row(op.resIdx + 1)[0]
		}
		partial[xIdx] += pb * unaryDeriv1[B](op.code, x0, z0, comp0)
	case OpAddpp, OpAddpv, OpAddvp, OpAddvv:
		if pb == 0 {
			return nil
		}
		xIsVar, yIsVar := binaryVariantKinds(op.code)
		if xIsVar {
			partial[args[op.argIdx]] += pb
		}
		if yIsVar {
			partial[args[op.argIdx+1]] += pb
		}
	case OpSubpp, OpSubpv, OpSubvp, OpSubvv:
		if pb == 0 {
			return nil
		}
		xIsVar, yIsVar := binaryVariantKinds(op.code)
		if xIsVar {
			partial[args[op.argIdx]] += pb
		}
		if yIsVar {
			partial[args[op.argIdx+1]] -= pb
		}
	case OpMulpp, OpMulpv, OpMulvp, OpMulvv:
		if pb == 0 {
			return nil
		}
		xIsVar, yIsVar := binaryVariantKinds(op.code)
		x0 := f.argValueK(xIsVar, args[op.argIdx], 0)
		y0 := f.argValueK(yIsVar, args[op.argIdx+1], 0)
		if xIsVar {
			partial[args[op.argIdx]] += pb * y0
		}
		if yIsVar {
			partial[args[op.argIdx+1]] += pb * x0
		}
	case OpDivpp, OpDivpv, OpDivvp, OpDivvv:
		if pb == 0 {
			return nil
		}
		xIsVar, yIsVar := binaryVariantKinds(op.code)
		y0 := f.argValueK(yIsVar, args[op.argIdx+1], 0)
		z0 := f.row(op.resIdx)[0]
		if xIsVar {
			partial[args[op.argIdx]] += pb / y0
		}
		if yIsVar {
			partial[args[op.argIdx+1]] -= pb * z0 / y0
		}
	case OpAzmulpp, OpAzmulpv, OpAzmulvp, OpAzmulvv:
		if pb == 0 {
			return nil
		}
		xIsVar, yIsVar := binaryVariantKinds(op.code)
		x0 := f.argValueK(xIsVar, args[op.argIdx], 0)
		y0 := f.argValueK(yIsVar, args[op.argIdx+1], 0)
		if x0 == 0 || y0 == 0 {
			return nil
		}
		if xIsVar {
			partial[args[op.argIdx]] += pb * y0
		}
		if yIsVar {
			partial[args[op.argIdx+1]] += pb * x0
		}
	case OpPowpp, OpPowpv, OpPowvp, OpPowvv:
		if pb == 0 {
			return nil
		}
		xIsVar, yIsVar := binaryVariantKinds(op.code)
		x0 := f.argValueK(xIsVar, args[op.argIdx], 0)
		y0 := f.argValueK(yIsVar, args[op.argIdx+1], 0)
		z0 := f.row(op.resIdx)[0]
		if xIsVar {
			partial[args[op.argIdx]] += pb * y0 * toB[B](math.Pow(toF(x0), toF(y0)-1))
		}
		if yIsVar {
			partial[args[op.argIdx+1]] += pb * z0 * toB[B](math.Log(toF(x0)))
		}
	case OpCSum:
		if pb == 0 {
			return nil
		}
		nAdd := int(args[op.argIdx])
		nSub := int(args[op.argIdx+1])
		base := op.argIdx + 2
		for j := 0; j < nAdd; j++ {
			partial[args[base+addr(j)]] += pb
		}
		base += addr(nAdd)
		for j := 0; j < nSub; j++ {
			partial[args[base+addr(j)]] -= pb
		}
	case OpCExp:
		if pb == 0 {
			return nil
		}
		mask := args[op.argIdx+1]
		if f.cexpTaken[i] {
			if mask&bitTrue != 0 {
				partial[args[op.argIdx+4]] += pb
			}
		} else {
			if mask&bitFalse != 0 {
				partial[args[op.argIdx+5]] += pb
			}
		}
	case OpLdp, OpLdv:
		if pb == 0 {
			return nil
		}
		off, err := f.vecSlotOffset(i, op, args)
		if err != nil {
			return err
		}
		slotPartial[off] += pb
	case OpStpp, OpStpv, OpStvp, OpStvv:
		off, err := f.vecSlotOffset(i, op, args)
		if err != nil {
			return err
		}
		adj := slotPartial[off]
		slotPartial[off] = 0
		if adj == 0 {
			return nil
		}
		switch op.code {
		case OpStpv, OpStvv:
			partial[args[op.argIdx+2]] += adj
		}
	default:
		// atomic-function markers: no reverse rule in this module.
	}
	return nil
}

// vecSlotOffset recomputes the absolute vecElems offset a Ld/St op
// touched, from the index value already sitting in the OrderTable (the
// table is SSA: row(v)[0] never changes after the op that wrote it, so
// this reproduces exactly the index forward(0) used).
func (f *Function[B]) vecSlotOffset(opIndex int, op opRecord, args []addr) (int, error) {
	entry := f.rec.GetVecInd(args[op.argIdx])
	var idxVal float64
	switch op.code {
	case OpLdp, OpStpp, OpStpv:
		idxVal = toF(f.rec.GetPar(args[op.argIdx+1]))
	default:
		idxVal = toF(f.row(args[op.argIdx+1])[0])
	}
	k0 := int(idxVal)
	if k0 < 0 || k0 >= entry.length {
		return 0, fault(IndexedVectorBounds, opIndex, "VecAD index %d out of range [0,%d)", k0, entry.length)
	}
	return int(entry.offset) + k0, nil
}
