package ad

import "math"

// AD is the active scalar of spec.md §4.1: a user-visible number that
// carries a value, a tape-variable index, and a tape-id. Every
// arithmetic, standard-math, and comparison function below routes
// through the recorder returned by recorderFor. Go has no operator
// overloading, so "+"/"-"/"*"/"/" are package-level functions (Add, Sub,
// Mul, Div) rather than infix operators, the same way the teacher
// exposes Arithmetic(op, ...) as a function rather than a method set —
// but here each arithmetic kind gets its own named entry point so the
// call site reads like ordinary Go arithmetic instead of an opcode.
type AD[B Base] struct {
	value    B
	tapeID   uint64
	varIndex addr
}

// NewParameter returns x as a parameter: no tape record exists for it
// until it participates in an operation with a variable.
func NewParameter[B Base](x B) AD[B] {
	return AD[B]{value: x}
}

func (x AD[B]) Value() B        { return x.value }
func (x AD[B]) IsParameter() bool { return x.tapeID == 0 }

// IsVariable reports whether x is a variable of the currently active
// recording. Unlike the internal classify helper, this never panics:
// a stale scalar (recorded on a tape that is not the current one, or
// while no recording is active) simply reports false.
func (x AD[B]) IsVariable() bool {
	if x.tapeID == 0 {
		return false
	}
	r, _ := currentRecorder[B]()
	return r != nil && x.tapeID == r.id
}

// Integer truncates x's value to an int64, for use as a VecAD index.
func (x AD[B]) Integer() int64 {
	return int64(x.value)
}

func (x AD[B]) varOrPhantom() addr {
	return x.varIndex
}

// recorderFor returns the recorder active for the current goroutine, or
// nil if none is recording. It takes no arguments; the variadic
// signature lets call sites write recorderFor(x, y) for readability even
// though only the generic type parameter is used.
func recorderFor[B Base](_ ...AD[B]) *Recorder[B] {
	r, _ := currentRecorder[B]()
	return r
}

// classify reports whether x is a variable of recorder r. x.tapeID==0
// always means "parameter". A nonzero tapeID that does not match r (or
// r==nil) is the StaleVariable fault of spec.md §4.1.
func classify[B Base](r *Recorder[B], x AD[B]) bool {
	if x.tapeID == 0 {
		return false
	}
	if r != nil && x.tapeID == r.id {
		return true
	}
	panicFault(StaleVariable,
		"active scalar from tape %d used while current tape is %v",
		x.tapeID, currentTapeIDString(r))
	return false
}

func currentTapeIDString[B Base](r *Recorder[B]) string {
	if r == nil {
		return "none"
	}
	return itoa(r.id)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Start begins a recording session on the current goroutine and returns
// the independent active scalars, in declaration order (spec.md §6:
// start(independent)). It panics if a recording is already active on
// this goroutine — sessions do not nest.
func Start[B Base](x []B) []AD[B] {
	if r, _ := currentRecorder[B](); r != nil {
		panicFault(StaleVariable, "a recording is already active on this goroutine")
	}
	r := newRecorder[B]()
	setCurrentRecorder(r)
	ax := make([]AD[B], len(x))
	for i, v := range x {
		idx := r.putOpNoArgs(Inv)
		ax[i] = AD[B]{value: v, tapeID: r.id, varIndex: idx}
	}
	r.nInd = len(x)
	return ax
}

// Abort discards the current recording without producing a Function.
func Abort[B Base]() {
	clearCurrentRecorder()
}

// Binary arithmetic

func recordBinary[B Base](pvOp, vpOp, vvOp OpCode, x, y AD[B], value B) AD[B] {
	r := recorderFor(x, y)
	vx := classify(r, x)
	vy := classify(r, y)
	if !vx && !vy {
		return AD[B]{value: value}
	}
	argIdx := r.NextArgIdx()
	var code OpCode
	switch {
	case vx && vy:
		code = vvOp
		r.PutArg(x.varIndex, y.varIndex)
	case !vx:
		code = pvOp
		r.PutArg(r.PutPar(x.value), y.varIndex)
	default:
		code = vpOp
		r.PutArg(x.varIndex, r.PutPar(y.value))
	}
	res := r.PutOp(code, argIdx)
	return AD[B]{value: value, tapeID: r.id, varIndex: res}
}

func Add[B Base](x, y AD[B]) AD[B] {
	return recordBinary(OpAddpv, OpAddvp, OpAddvv, x, y, x.value+y.value)
}

func Sub[B Base](x, y AD[B]) AD[B] {
	return recordBinary(OpSubpv, OpSubvp, OpSubvv, x, y, x.value-y.value)
}

func Mul[B Base](x, y AD[B]) AD[B] {
	return recordBinary(OpMulpv, OpMulvp, OpMulvv, x, y, x.value*y.value)
}

func Div[B Base](x, y AD[B]) AD[B] {
	return recordBinary(OpDivpv, OpDivvp, OpDivvv, x, y, x.value/y.value)
}

func Pow[B Base](x, y AD[B]) AD[B] {
	v := toB[B](math.Pow(toF(x.value), toF(y.value)))
	return recordBinary(OpPowpv, OpPowvp, OpPowvv, x, y, v)
}

// Azmul is absolute-zero multiply: returns zero whenever either operand
// is exactly zero, even if the other is NaN or infinite (spec.md §6,
// tested by property 8 in spec.md §8).
func Azmul[B Base](x, y AD[B]) AD[B] {
	v := azmulValue(x.value, y.value)
	return recordBinary(OpAzmulpv, OpAzmulvp, OpAzmulvv, x, y, v)
}

func azmulValue[B Base](x, y B) B {
	if x == 0 || y == 0 {
		return 0
	}
	return x * y
}

// Unary arithmetic and standard math

func recordUnary[B Base](code OpCode, x AD[B], value B) AD[B] {
	r := recorderFor(x)
	vx := classify(r, x)
	if !vx {
		return AD[B]{value: value}
	}
	argIdx := r.NextArgIdx()
	r.PutArg(x.varIndex)
	res := r.PutOp(code, argIdx)
	return AD[B]{value: value, tapeID: r.id, varIndex: res}
}

func Neg[B Base](x AD[B]) AD[B]  { return recordUnary(OpNeg, x, -x.value) }
func Abs[B Base](x AD[B]) AD[B]  { return recordUnary(OpAbs, x, toB[B](math.Abs(toF(x.value)))) }
func Sqrt[B Base](x AD[B]) AD[B] { return recordUnary(OpSqrt, x, toB[B](math.Sqrt(toF(x.value)))) }
func Exp[B Base](x AD[B]) AD[B]  { return recordUnary(OpExp, x, toB[B](math.Exp(toF(x.value)))) }
func Expm1[B Base](x AD[B]) AD[B] {
	return recordUnary(OpExpm1, x, toB[B](math.Expm1(toF(x.value))))
}
func Log[B Base](x AD[B]) AD[B] { return recordUnary(OpLog, x, toB[B](math.Log(toF(x.value)))) }
func Log1p[B Base](x AD[B]) AD[B] {
	return recordUnary(OpLog1p, x, toB[B](math.Log1p(toF(x.value))))
}
func Log10[B Base](x AD[B]) AD[B] {
	// log10(x) = log(x) / log(10); kept as a composition, like the
	// teacher's elementals, rather than a dedicated op-code, since
	// spec.md's op-code list does not name Log10 separately.
	return Div(Log(x), NewParameter[B](toB[B](math.Log(10))))
}

func Sin[B Base](x AD[B]) AD[B]  { return recordUnary(OpSin, x, toB[B](math.Sin(toF(x.value)))) }
func Cos[B Base](x AD[B]) AD[B]  { return recordUnary(OpCos, x, toB[B](math.Cos(toF(x.value)))) }
func Tan[B Base](x AD[B]) AD[B]  { return recordUnary(OpTan, x, toB[B](math.Tan(toF(x.value)))) }
func Asin[B Base](x AD[B]) AD[B] { return recordUnary(OpAsin, x, toB[B](math.Asin(toF(x.value)))) }
func Acos[B Base](x AD[B]) AD[B] { return recordUnary(OpAcos, x, toB[B](math.Acos(toF(x.value)))) }
func Atan[B Base](x AD[B]) AD[B] { return recordUnary(OpAtan, x, toB[B](math.Atan(toF(x.value)))) }
func Sinh[B Base](x AD[B]) AD[B] { return recordUnary(OpSinh, x, toB[B](math.Sinh(toF(x.value)))) }
func Cosh[B Base](x AD[B]) AD[B] { return recordUnary(OpCosh, x, toB[B](math.Cosh(toF(x.value)))) }
func Tanh[B Base](x AD[B]) AD[B] { return recordUnary(OpTanh, x, toB[B](math.Tanh(toF(x.value)))) }
func Erf[B Base](x AD[B]) AD[B]  { return recordUnary(OpErf, x, toB[B](math.Erf(toF(x.value)))) }
func Erfc[B Base](x AD[B]) AD[B] {
	// erfc(x) = 1 - erf(x); spec.md's op-code table has no separate Erfc
	// op (it names only Erf as C++11 math), so Erfc is a composition.
	return Sub(NewParameter[B](1), Erf(x))
}
func Asinh[B Base](x AD[B]) AD[B] {
	return recordUnary(OpAsinh, x, toB[B](math.Asinh(toF(x.value))))
}
func Acosh[B Base](x AD[B]) AD[B] {
	return recordUnary(OpAcosh, x, toB[B](math.Acosh(toF(x.value))))
}
func Atanh[B Base](x AD[B]) AD[B] {
	return recordUnary(OpAtanh, x, toB[B](math.Atanh(toF(x.value))))
}

// Sign returns -1, 0, or 1. Its derivative is defined as zero
// everywhere, matching the teacher convention that non-smooth
// elementals contribute no gradient.
func Sign[B Base](x AD[B]) AD[B] {
	var v B
	switch {
	case x.value > 0:
		v = 1
	case x.value < 0:
		v = -1
	default:
		v = 0
	}
	return recordUnary(OpSign, x, v)
}

// Comparisons. Each records a comparison op (unless the recorder's
// no_compare_op option is set) so replay can detect a flow-change, and
// returns the plain bool the comparison evaluates to right now.
func recordCompare[B Base](cmp Comparator, x, y AD[B]) bool {
	result := compareValues(cmp, x.value, y.value)
	r := recorderFor(x, y)
	if r == nil || r.noCompareOp {
		return result
	}
	vx := classify(r, x)
	vy := classify(r, y)
	if !vx && !vy {
		return result
	}
	var mask addr
	var a, b addr
	if vx {
		mask |= bitLeft
		a = x.varIndex
	} else {
		a = r.PutPar(x.value)
	}
	if vy {
		mask |= bitRight
		b = y.varIndex
	} else {
		b = r.PutPar(y.value)
	}
	if result {
		mask |= bitRecordedTrue
	}
	argIdx := r.NextArgIdx()
	r.PutArg(mask, a, b)
	r.PutOp(compareOpCode(cmp), argIdx)
	return result
}

func compareOpCode(cmp Comparator) OpCode {
	switch cmp {
	case CmpLt:
		return OpLt
	case CmpLe:
		return OpLe
	case CmpEq:
		return OpEq
	case CmpNe:
		return OpNe
	case CmpGe:
		return OpGe
	default:
		return OpGt
	}
}

func Lt[B Base](x, y AD[B]) bool { return recordCompare(CmpLt, x, y) }
func Le[B Base](x, y AD[B]) bool { return recordCompare(CmpLe, x, y) }
func Eq[B Base](x, y AD[B]) bool { return recordCompare(CmpEq, x, y) }
func Ne[B Base](x, y AD[B]) bool { return recordCompare(CmpNe, x, y) }
func Ge[B Base](x, y AD[B]) bool { return recordCompare(CmpGe, x, y) }
func Gt[B Base](x, y AD[B]) bool { return recordCompare(CmpGt, x, y) }
