package ad

import (
	"fmt"
	"io"
	"math"
)

// Forward implements spec.md §4.5/§4.4's forward(order, dx, stream). For
// p==0 it seeds the order-zero column of the OrderTable from dx (the
// independents' values) and sweeps Begin..End computing every op's
// value. For p>=1 it requires the previous p orders to already be
// present and fills in the p-th column from dx (the p-th order Taylor
// coefficients of the independents).
func (f *Function[B]) Forward(p int, dx []B, stream io.Writer) ([]B, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(dx) != len(f.indVar) {
		return nil, fmt.Errorf("ad: forward(%d): expected %d independent coefficients, got %d", p, len(f.indVar), len(dx))
	}
	if p == 0 {
		return f.forwardZeroLocked(dx, stream)
	}
	if p > f.capOrder {
		return nil, fault(OrderTooHigh, -1,
			"forward(%d) called with %d prior orders stored, need at least %d", p, f.capOrder, p)
	}
	return f.forwardHigherLocked(p, dx)
}

func (f *Function[B]) forwardZeroLocked(dx []B, stream io.Writer) ([]B, error) {
	f.ensureCapOrder(0)
	for i, v := range f.indVar {
		f.row(v)[0] = dx[i]
	}
	f.vecElems = append([]vecElemEntry(nil), f.rec.vecElems...)
	if f.skipOp == nil || len(f.skipOp) != f.rec.NumOps() {
		f.skipOp = make([]bool, f.rec.NumOps())
		f.cexpTaken = make([]bool, f.rec.NumOps())
	} else {
		for i := range f.skipOp {
			f.skipOp[i] = false
			f.cexpTaken[i] = false
		}
	}
	f.compareChangeCount = 0

	ops := f.rec.ops
	args := f.rec.args

	for i := 1; i < len(ops); i++ {
		if f.skipOp[i] {
			continue
		}
		op := ops[i]
		switch op.code {
		case Begin, End, Inv, OpNop:
			// nothing to do; Inv was seeded above, Nop is a dead hole left by Optimize
		case Par:
			f.row(op.resIdx)[0] = f.rec.GetPar(args[op.argIdx])
		case OpAbs, OpSign, OpNeg, OpSqrt, OpExp, OpExpm1, OpLog, OpLog1p,
			OpSin, OpCos, OpTan, OpAsin, OpAcos, OpAtan,
			OpSinh, OpCosh, OpTanh, OpErf, OpAsinh, OpAcosh, OpAtanh:
			x := f.row(args[op.argIdx])[0]
			value, comp := unaryZero[B](op.code, x)
			f.row(op.resIdx)[0] = value
			if isPairOp(op.code) {
				f.row(op.resIdx+1)[0] = comp
			}
		case OpAddpp, OpAddpv, OpAddvp, OpAddvv,
			OpSubpp, OpSubpv, OpSubvp, OpSubvv,
			OpMulpp, OpMulpv, OpMulvp, OpMulvv,
			OpDivpp, OpDivpv, OpDivvp, OpDivvv,
			OpPowpp, OpPowpv, OpPowvp, OpPowvv,
			OpAzmulpp, OpAzmulpv, OpAzmulvp, OpAzmulvv:
			xIsVar, yIsVar := binaryVariantKinds(op.code)
			x := f.argValueK(xIsVar, args[op.argIdx], 0)
			y := f.argValueK(yIsVar, args[op.argIdx+1], 0)
			f.row(op.resIdx)[0] = binaryZero(op.code, x, y)
		case OpLt, OpLe, OpEq, OpNe, OpGe, OpGt:
			mask := args[op.argIdx]
			l := f.argValueK(mask&bitLeft != 0, args[op.argIdx+1], 0)
			r := f.argValueK(mask&bitRight != 0, args[op.argIdx+2], 0)
			now := compareValues(maskComparator(op.code), l, r)
			recorded := mask&bitRecordedTrue != 0
			if now != recorded {
				f.compareChangeCount++
			}
		case OpCSkip:
			f.evalCSkip(args, op.argIdx)
		case OpCSum:
			nAdd := int(args[op.argIdx])
			nSub := int(args[op.argIdx+1])
			var sum B
			base := op.argIdx + 2
			for j := 0; j < nAdd; j++ {
				sum += f.row(args[base+addr(j)])[0]
			}
			base += addr(nAdd)
			for j := 0; j < nSub; j++ {
				sum -= f.row(args[base+addr(j)])[0]
			}
			f.row(op.resIdx)[0] = sum
		case OpCExp:
			cmp := Comparator(args[op.argIdx])
			mask := args[op.argIdx+1]
			l := f.argValueK(mask&bitLeft != 0, args[op.argIdx+2], 0)
			r := f.argValueK(mask&bitRight != 0, args[op.argIdx+3], 0)
			taken := compareValues(cmp, l, r)
			f.cexpTaken[i] = taken
			var v B
			if taken {
				v = f.argValueK(mask&bitTrue != 0, args[op.argIdx+4], 0)
			} else {
				v = f.argValueK(mask&bitFalse != 0, args[op.argIdx+5], 0)
			}
			f.row(op.resIdx)[0] = v
		case OpPri:
			txtOff := args[op.argIdx]
			mask := args[op.argIdx+1]
			v := f.argValueK(mask&bitLeft != 0, args[op.argIdx+2], 0)
			if stream != nil {
				fmt.Fprintf(stream, "%s%v", f.rec.GetTxt(txtOff), v)
			}
		case OpDis:
			mask := args[op.argIdx]
			x := f.argValueK(mask&bitLeft != 0, args[op.argIdx+1], 0)
			fn := f.discretes[args[op.argIdx+2]].fn
			f.row(op.resIdx)[0] = fn(x)
		case OpLdp, OpLdv:
			v, err := f.evalLoad(i, op, args, 0)
			if err != nil {
				return nil, err
			}
			f.row(op.resIdx)[0] = v
		case OpStpp, OpStpv, OpStvp, OpStvv:
			if err := f.evalStore(i, op, args); err != nil {
				return nil, err
			}
		default:
			// atomic-function markers: no-ops for this module (spec.md §1, out of scope)
		}
	}

	dep := make([]B, len(f.depIsVar))
	for i := range dep {
		if f.depIsVar[i] {
			dep[i] = f.row(f.depIdx[i])[0]
		} else {
			dep[i] = f.rec.GetPar(f.depIdx[i])
		}
		if f.checkForNaN && isNaN(dep[i]) {
			return nil, fault(NaNDetected, -1, "dependent %d is NaN", i)
		}
	}
	return dep, nil
}

// forwardHigherLocked computes Taylor coefficient column p (p>=1) from
// column p-1 and below, which forwardZeroLocked (or a previous call to
// this method) must already have filled in. Linear ops (Add/Sub/Neg/
// CSum) and the Leibniz convolutions for Mul/Div/Azmul are exact at any
// order; everything else is exact only at p==1 (ordinary chain rule) —
// see DESIGN.md for the scoping decision.
func (f *Function[B]) forwardHigherLocked(p int, dx []B) ([]B, error) {
	f.ensureCapOrder(p)
	for i, v := range f.indVar {
		f.row(v)[p] = dx[i]
	}

	ops := f.rec.ops
	args := f.rec.args

	for i := 1; i < len(ops); i++ {
		if f.skipOp[i] {
			continue
		}
		op := ops[i]
		switch op.code {
		case Begin, End, Inv, OpLt, OpLe, OpEq, OpNe, OpGe, OpGt, OpCSkip, OpPri, OpNop:
			// no higher-order contribution
		case Par:
			f.row(op.resIdx)[p] = 0
		case OpAddpp, OpAddpv, OpAddvp, OpAddvv:
			xIsVar, yIsVar := binaryVariantKinds(op.code)
			x := f.argValueK(xIsVar, args[op.argIdx], p)
			y := f.argValueK(yIsVar, args[op.argIdx+1], p)
			f.row(op.resIdx)[p] = x + y
		case OpSubpp, OpSubpv, OpSubvp, OpSubvv:
			xIsVar, yIsVar := binaryVariantKinds(op.code)
			x := f.argValueK(xIsVar, args[op.argIdx], p)
			y := f.argValueK(yIsVar, args[op.argIdx+1], p)
			f.row(op.resIdx)[p] = x - y
		case OpNeg:
			f.row(op.resIdx)[p] = -f.row(args[op.argIdx])[p]
		case OpCSum:
			nAdd := int(args[op.argIdx])
			nSub := int(args[op.argIdx+1])
			var sum B
			base := op.argIdx + 2
			for j := 0; j < nAdd; j++ {
				sum += f.row(args[base+addr(j)])[p]
			}
			base += addr(nAdd)
			for j := 0; j < nSub; j++ {
				sum -= f.row(args[base+addr(j)])[p]
			}
			f.row(op.resIdx)[p] = sum
		case OpMulpp, OpMulpv, OpMulvp, OpMulvv:
			xIsVar, yIsVar := binaryVariantKinds(op.code)
			f.row(op.resIdx)[p] = f.convolveMul(xIsVar, yIsVar, args[op.argIdx], args[op.argIdx+1], p)
		case OpDivpp, OpDivpv, OpDivvp, OpDivvv:
			xIsVar, yIsVar := binaryVariantKinds(op.code)
			f.row(op.resIdx)[p] = f.convolveDiv(xIsVar, yIsVar, args[op.argIdx], args[op.argIdx+1], op.resIdx, p)
		case OpAzmulpp, OpAzmulpv, OpAzmulvp, OpAzmulvv:
			xIsVar, yIsVar := binaryVariantKinds(op.code)
			x0 := f.argValueK(xIsVar, args[op.argIdx], 0)
			y0 := f.argValueK(yIsVar, args[op.argIdx+1], 0)
			if x0 == 0 || y0 == 0 {
				f.row(op.resIdx)[p] = 0
			} else {
				f.row(op.resIdx)[p] = f.convolveMul(xIsVar, yIsVar, args[op.argIdx], args[op.argIdx+1], p)
			}
		case OpPowpp, OpPowpv, OpPowvp, OpPowvv:
			if p >= 2 {
				return nil, fault(OrderTooHigh, i, "order %d forward not supported for %v", p, op.code)
			}
			xIsVar, yIsVar := binaryVariantKinds(op.code)
			x0 := f.argValueK(xIsVar, args[op.argIdx], 0)
			y0 := f.argValueK(yIsVar, args[op.argIdx+1], 0)
			z0 := f.row(op.resIdx)[0]
			var d B
			if xIsVar {
				d += y0 * toB[B](math.Pow(toF(x0), toF(y0)-1)) * f.row(args[op.argIdx])[p]
			}
			if yIsVar {
				d += z0 * toB[B](math.Log(toF(x0))) * f.row(args[op.argIdx+1])[p]
			}
			f.row(op.resIdx)[p] = d
		case OpCExp:
			mask := args[op.argIdx+1]
			if f.cexpTaken[i] {
				f.row(op.resIdx)[p] = f.argValueK(mask&bitTrue != 0, args[op.argIdx+4], p)
			} else {
				f.row(op.resIdx)[p] = f.argValueK(mask&bitFalse != 0, args[op.argIdx+5], p)
			}
		case OpLdp, OpLdv:
			v, err := f.evalLoad(i, op, args, p)
			if err != nil {
				return nil, err
			}
			f.row(op.resIdx)[p] = v
		case OpStpp, OpStpv, OpStvp, OpStvv:
			// the element table holds an index, not a value; a later Ld
			// of this element reads f.row(elem.idx)[p] directly, so there
			// is nothing to propagate here.
		case OpDis:
			f.row(op.resIdx)[p] = 0
		default:
			if p >= 2 {
				return nil, fault(OrderTooHigh, i, "order %d forward not supported for %v", p, op.code)
			}
			x0 := f.row(args[op.argIdx])[0]
			z0 := f.row(op.resIdx)[0]
			var comp0 B
			if isPairOp(op.code) {
				comp0 = f.row(op.resIdx+1)[0]
			}
			d1 := unaryDeriv1[B](op.code, x0, z0, comp0)
			f.row(op.resIdx)[p] = d1 * f.row(args[op.argIdx])[p]
		}
	}

	dep := make([]B, len(f.depIsVar))
	for i := range dep {
		if f.depIsVar[i] {
			dep[i] = f.row(f.depIdx[i])[p]
		}
	}
	return dep, nil
}

// convolveMul evaluates the Leibniz product rule for Taylor coefficient
// p: z_p = sum_{j=0}^{p} x_j * y_{p-j}.
func (f *Function[B]) convolveMul(xIsVar, yIsVar bool, xIdx, yIdx addr, p int) B {
	var sum B
	for j := 0; j <= p; j++ {
		xj := f.argValueK(xIsVar, xIdx, j)
		yj := f.argValueK(yIsVar, yIdx, p-j)
		sum += xj * yj
	}
	return sum
}

// convolveDiv solves the division recurrence for Taylor coefficient p:
// since x = y*z, x_p = sum_{j=0}^{p} y_j * z_{p-j}, so
// z_p = (x_p - sum_{j=1}^{p} y_j * z_{p-j}) / y_0.
func (f *Function[B]) convolveDiv(xIsVar, yIsVar bool, xIdx, yIdx, zIdx addr, p int) B {
	xp := f.argValueK(xIsVar, xIdx, p)
	var sum B
	for j := 1; j <= p; j++ {
		yj := f.argValueK(yIsVar, yIdx, j)
		sum += yj * f.row(zIdx)[p-j]
	}
	y0 := f.argValueK(yIsVar, yIdx, 0)
	return (xp - sum) / y0
}

// evalCSkip re-evaluates the comparison a CSkip guards (its operands
// are always parameters, possibly dynamic ones updated between
// evaluations) and marks the untaken branch's ops in f.skipOp so the
// rest of this sweep leaves them at their previous values.
func (f *Function[B]) evalCSkip(args []addr, argIdx addr) {
	cmp := Comparator(args[argIdx])
	l := f.rec.GetPar(args[argIdx+1])
	r := f.rec.GetPar(args[argIdx+2])
	nTrue := int(args[argIdx+3])
	nFalse := int(args[argIdx+4])
	taken := compareValues(cmp, l, r)
	base := argIdx + 5
	var skip []addr
	if taken {
		skip = args[base : base+addr(nTrue)]
	} else {
		skip = args[base+addr(nTrue) : base+addr(nTrue)+addr(nFalse)]
	}
	for _, idx := range skip {
		f.skipOp[idx] = true
	}
}

func (f *Function[B]) evalLoad(opIndex int, op opRecord, args []addr, k int) (B, error) {
	entry := f.rec.GetVecInd(args[op.argIdx])
	var idxVal float64
	if op.code == OpLdv {
		idxVal = toF(f.row(args[op.argIdx+1])[0])
	} else {
		idxVal = toF(f.rec.GetPar(args[op.argIdx+1]))
	}
	k0 := int(idxVal)
	if k0 < 0 || k0 >= entry.length {
		return 0, fault(IndexedVectorBounds, opIndex, "VecAD index %d out of range [0,%d)", k0, entry.length)
	}
	elem := f.vecElems[int(entry.offset)+k0]
	if elem.isVar {
		return f.row(elem.idx)[k], nil
	}
	if k == 0 {
		return f.rec.GetPar(elem.idx), nil
	}
	return 0, nil
}

func (f *Function[B]) evalStore(opIndex int, op opRecord, args []addr) error {
	entry := f.rec.GetVecInd(args[op.argIdx])
	var idxVal float64
	switch op.code {
	case OpStpp, OpStpv:
		idxVal = toF(f.rec.GetPar(args[op.argIdx+1]))
	default:
		idxVal = toF(f.row(args[op.argIdx+1])[0])
	}
	k0 := int(idxVal)
	if k0 < 0 || k0 >= entry.length {
		return fault(IndexedVectorBounds, opIndex, "VecAD index %d out of range [0,%d)", k0, entry.length)
	}
	var elem vecElemEntry
	switch op.code {
	case OpStpp, OpStvp:
		elem = vecElemEntry{isVar: false, idx: args[op.argIdx+2]}
	default:
		elem = vecElemEntry{isVar: true, idx: args[op.argIdx+2]}
	}
	f.vecElems[int(entry.offset)+k0] = elem
	return nil
}

// argValueK returns operand idx's order-k Taylor coefficient: row k of
// its variable if isVar, its (order-0-only) parameter value if not, and
// 0 for any parameter at order k>=1.
func (f *Function[B]) argValueK(isVar bool, idx addr, k int) B {
	if isVar {
		return f.row(idx)[k]
	}
	if k == 0 {
		return f.rec.GetPar(idx)
	}
	return 0
}

func binaryVariantKinds(code OpCode) (xVar, yVar bool) {
	switch opVariant(code) {
	case variantPP:
		return false, false
	case variantPV:
		return false, true
	case variantVP:
		return true, false
	default:
		return true, true
	}
}

type variant int

const (
	variantPP variant = iota
	variantPV
	variantVP
	variantVV
)

func opVariant(code OpCode) variant {
	switch code {
	case OpAddpp, OpSubpp, OpMulpp, OpDivpp, OpPowpp, OpAzmulpp:
		return variantPP
	case OpAddpv, OpSubpv, OpMulpv, OpDivpv, OpPowpv, OpAzmulpv:
		return variantPV
	case OpAddvp, OpSubvp, OpMulvp, OpDivvp, OpPowvp, OpAzmulvp:
		return variantVP
	default:
		return variantVV
	}
}

func maskComparator(code OpCode) Comparator {
	switch code {
	case OpLt:
		return CmpLt
	case OpLe:
		return CmpLe
	case OpEq:
		return CmpEq
	case OpNe:
		return CmpNe
	case OpGe:
		return CmpGe
	default:
		return CmpGt
	}
}
