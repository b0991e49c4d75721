package ad

// OpCode tags a single elementary operation recorded on the tape.
// A sweep is one big switch over OpCode; see stdmath.go and the
// sweep_*.go files for the per-op rules. Kept as a small enum rather
// than a set of op types so that dispatch stays a jump table, not a
// chain of type assertions.
type OpCode uint8

const (
	Begin OpCode = iota // first op on every tape, result-count 1 (variable 1; variable 0 is the phantom)
	End                 // last op on every tape, sweeps stop here
	Inv                 // independent variable, already seeded by the caller
	Par                 // parameter promoted to a variable (arg: parameter index)

	// Unary math. Ops whose reverse rule needs a companion value are
	// marked "pair" in the comment and have result-count 2; the two
	// results occupy consecutive variable indices.
	OpAbs
	OpSign
	OpNeg
	OpSqrt
	OpExp
	OpExpm1
	OpLog
	OpLog1p
	OpSin  // pair: companion is cos(x)
	OpCos  // pair: companion is sin(x)
	OpTan  // pair: companion is 1+tan(x)^2
	OpAsin // pair: companion is sqrt(1-x^2)
	OpAcos // pair: companion is sqrt(1-x^2)
	OpAtan // pair: companion is 1+x^2
	OpSinh // pair: companion is cosh(x)
	OpCosh // pair: companion is sinh(x)
	OpTanh // pair: companion is 1-tanh(x)^2
	OpErf  // pair: companion is 2/sqrt(pi) * exp(-x^2)
	OpAsinh
	OpAcosh
	OpAtanh

	// Binary arithmetic, four operand-kind variants each: parameter-
	// parameter, parameter-variable, variable-parameter, variable-
	// variable. pp is folded away at recording time by AD[B] (no op is
	// emitted) but kept here so the optimizer and the graph format can
	// represent a constant-folded op uniformly.
	OpAddpp
	OpAddpv
	OpAddvp
	OpAddvv
	OpSubpp
	OpSubpv
	OpSubvp
	OpSubvv
	OpMulpp
	OpMulpv
	OpMulvp
	OpMulvv
	OpDivpp
	OpDivpv
	OpDivvp
	OpDivvv
	OpPowpp
	OpPowpv
	OpPowvp
	OpPowvv
	OpAzmulpp
	OpAzmulpv
	OpAzmulvp
	OpAzmulvv

	// Comparisons. Result-count 0 (the bool doesn't live on the tape);
	// replay checks whether the comparison flips vs. recording time.
	OpLt
	OpLe
	OpEq
	OpNe
	OpGe
	OpGt

	// Bookkeeping
	OpCSkip // variable arity: skip lists for a CExp whose branch is fixed at recording time
	OpCSum  // variable arity: fused add/sub chain, see optimize.go
	OpCExp  // 6 args: cmp, mask, left, right, if-true, if-false
	OpPri   // print: 3 args: text offset, mask, value
	OpDis   // discrete function: arg is a parameter or variable, result is a new variable

	// VecAD. Ld produces a new result variable; St has result-count 0.
	OpLdp // load, index is a parameter
	OpLdv // load, index is a variable
	OpStpp
	OpStpv
	OpStvp
	OpStvv

	// OpNop is a dead op left behind by the optimizer (optimize.go) when
	// it absorbs an op's result into another op (CSum fusion, constant
	// folding) without renumbering every later argument-stream
	// reference. Same purpose as CppAD's own NopOp: a hole that still
	// owns a variable slot but contributes nothing to any sweep.
	OpNop

	// Atomic-function markers (interface only; no atomic functions are
	// implemented by this module, see SPEC_FULL.md §1).
	OpAFunBegin
	OpAFunEnd
	OpArgPar
	OpArgVar
	OpResPar
	OpResVar

	numOpCodes
)

// opInfo fixes, at compile time, the arg-count and result-count of every
// op-code that does not have variable arity. CSum and CSkip compute their
// arg-count from the stream itself; see argCount below.
type opInfo struct {
	args    int
	results int
}

var opTable = [numOpCodes]opInfo{
	Begin: {0, 1},
	End:   {0, 0},
	Inv:   {0, 1},
	Par:   {1, 1},

	OpAbs:  {1, 1},
	OpSign: {1, 1},
	OpNeg:  {1, 1},
	OpSqrt: {1, 1},
	OpExp:  {1, 1},
	OpExpm1: {1, 1},
	OpLog:   {1, 1},
	OpLog1p: {1, 1},
	OpSin:   {1, 2},
	OpCos:   {1, 2},
	OpTan:   {1, 2},
	OpAsin:  {1, 2},
	OpAcos:  {1, 2},
	OpAtan:  {1, 2},
	OpSinh:  {1, 2},
	OpCosh:  {1, 2},
	OpTanh:  {1, 2},
	OpErf:   {1, 2},
	OpAsinh: {1, 1},
	OpAcosh: {1, 1},
	OpAtanh: {1, 1},

	OpAddpp: {2, 1}, OpAddpv: {2, 1}, OpAddvp: {2, 1}, OpAddvv: {2, 1},
	OpSubpp: {2, 1}, OpSubpv: {2, 1}, OpSubvp: {2, 1}, OpSubvv: {2, 1},
	OpMulpp: {2, 1}, OpMulpv: {2, 1}, OpMulvp: {2, 1}, OpMulvv: {2, 1},
	OpDivpp: {2, 1}, OpDivpv: {2, 1}, OpDivvp: {2, 1}, OpDivvv: {2, 1},
	OpPowpp: {2, 1}, OpPowpv: {2, 1}, OpPowvp: {2, 1}, OpPowvv: {2, 1},
	OpAzmulpp: {2, 1}, OpAzmulpv: {2, 1}, OpAzmulvp: {2, 1}, OpAzmulvv: {2, 1},

	// 3 args: mask (bit0: left is variable, bit1: right is variable), left, right
	OpLt: {3, 0}, OpLe: {3, 0}, OpEq: {3, 0}, OpNe: {3, 0}, OpGe: {3, 0}, OpGt: {3, 0},

	OpCSkip: {0, 0}, // variable arity, see argCount
	OpCSum:  {0, 1}, // variable arity, see argCount
	OpCExp:  {6, 1},
	OpPri:   {3, 0},
	OpDis:   {3, 1}, // mask, operand, discrete-function table index

	OpLdp: {2, 1}, OpLdv: {2, 1},
	OpStpp: {3, 0}, OpStpv: {3, 0}, OpStvp: {3, 0}, OpStvv: {3, 0},

	OpNop: {0, 1},

	OpAFunBegin: {1, 0}, OpAFunEnd: {0, 0},
	OpArgPar: {1, 0}, OpArgVar: {1, 0}, OpResPar: {1, 0}, OpResVar: {1, 0},
}

// isPairOp reports whether code produces two consecutive result
// variables, the second being the companion used by the reverse rule.
func isPairOp(code OpCode) bool {
	return opTable[code].results == 2
}

// argCount returns the number of argument-stream slots op code consumes,
// reading args[argIdx:] for the variable-arity ops.
func argCount(code OpCode, args []addr, argIdx addr) int {
	switch code {
	case OpCSum:
		nAdd := int(args[argIdx])
		nSub := int(args[argIdx+1])
		return 2 + nAdd + nSub
	case OpCSkip:
		// layout: cmp, leftParIdx, rightParIdx, nTrue, nFalse, then
		// nTrue skip-target op indices followed by nFalse more.
		nTrue := int(args[argIdx+3])
		nFalse := int(args[argIdx+4])
		return 5 + nTrue + nFalse
	default:
		return opTable[code].args
	}
}

func resultCount(code OpCode) int {
	return opTable[code].results
}

func (c OpCode) String() string {
	if int(c) < len(opNames) {
		return opNames[c]
	}
	return "OpUnknown"
}

var opNames = [numOpCodes]string{
	Begin: "Begin", End: "End", Inv: "Inv", Par: "Par",
	OpAbs: "Abs", OpSign: "Sign", OpNeg: "Neg", OpSqrt: "Sqrt",
	OpExp: "Exp", OpExpm1: "Expm1", OpLog: "Log", OpLog1p: "Log1p",
	OpSin: "Sin", OpCos: "Cos", OpTan: "Tan",
	OpAsin: "Asin", OpAcos: "Acos", OpAtan: "Atan",
	OpSinh: "Sinh", OpCosh: "Cosh", OpTanh: "Tanh", OpErf: "Erf",
	OpAsinh: "Asinh", OpAcosh: "Acosh", OpAtanh: "Atanh",
	OpAddpp: "Addpp", OpAddpv: "Addpv", OpAddvp: "Addvp", OpAddvv: "Addvv",
	OpSubpp: "Subpp", OpSubpv: "Subpv", OpSubvp: "Subvp", OpSubvv: "Subvv",
	OpMulpp: "Mulpp", OpMulpv: "Mulpv", OpMulvp: "Mulvp", OpMulvv: "Mulvv",
	OpDivpp: "Divpp", OpDivpv: "Divpv", OpDivvp: "Divvp", OpDivvv: "Divvv",
	OpPowpp: "Powpp", OpPowpv: "Powpv", OpPowvp: "Powvp", OpPowvv: "Powvv",
	OpAzmulpp: "Azmulpp", OpAzmulpv: "Azmulpv", OpAzmulvp: "Azmulvp", OpAzmulvv: "Azmulvv",
	OpLt: "Lt", OpLe: "Le", OpEq: "Eq", OpNe: "Ne", OpGe: "Ge", OpGt: "Gt",
	OpCSkip: "CSkip", OpCSum: "CSum", OpCExp: "CExp", OpPri: "Pri", OpDis: "Dis",
	OpLdp: "Ldp", OpLdv: "Ldv", OpStpp: "Stpp", OpStpv: "Stpv", OpStvp: "Stvp", OpStvv: "Stvv",
	OpNop: "Nop",
	OpAFunBegin: "AFunBegin", OpAFunEnd: "AFunEnd",
	OpArgPar: "ArgPar", OpArgVar: "ArgVar", OpResPar: "ResPar", OpResVar: "ResVar",
}
