package ad

import (
	"fmt"
	"io"
)

// GraphOp tags one operator node of the persistable graph format (spec.md
// §6, "CppAdGraph"). Unlike OpCode, a GraphOp does not distinguish
// parameter/variable operand kinds: every operand of a graph op is a node
// reference, following spec.md §6's node-indexing convention directly, so
// the four arithmetic variants (pp/pv/vp/vv) of OpCode collapse to one
// GraphOp each here.
type GraphOp uint8

const (
	GraphInvalid GraphOp = iota
	GraphAdd
	GraphSub
	GraphMul
	GraphDiv
	GraphPow
	GraphAzmul
	GraphNeg
	GraphAbs
	GraphSign
	GraphSqrt
	GraphExp
	GraphExpm1
	GraphLog
	GraphLog1p
	GraphSin
	GraphCos
	GraphTan
	GraphAsin
	GraphAcos
	GraphAtan
	GraphSinh
	GraphCosh
	GraphTanh
	GraphErf
	GraphAsinh
	GraphAcosh
	GraphAtanh
	GraphCExp
	GraphPrint
)

var graphOpNames = map[GraphOp]string{
	GraphAdd: "add", GraphSub: "sub", GraphMul: "mul", GraphDiv: "div",
	GraphPow: "pow", GraphAzmul: "azmul", GraphNeg: "neg", GraphAbs: "abs",
	GraphSign: "sign", GraphSqrt: "sqrt", GraphExp: "exp", GraphExpm1: "expm1",
	GraphLog: "log", GraphLog1p: "log1p", GraphSin: "sin", GraphCos: "cos",
	GraphTan: "tan", GraphAsin: "asin", GraphAcos: "acos", GraphAtan: "atan",
	GraphSinh: "sinh", GraphCosh: "cosh", GraphTanh: "tanh", GraphErf: "erf",
	GraphAsinh: "asinh", GraphAcosh: "acosh", GraphAtanh: "atanh",
	GraphCExp: "cexp", GraphPrint: "print",
}

func (g GraphOp) String() string {
	if s, ok := graphOpNames[g]; ok {
		return s
	}
	return "invalid"
}

// graphArgCount is the number of OperatorArg slots a GraphOp consumes,
// following the node-reference-only argument shape: binary ops take two
// node ids, unary ops one, GraphCExp takes a comparator code plus four
// node ids, GraphPrint takes a text index plus one node id.
func graphArgCount(g GraphOp) int {
	switch g {
	case GraphAdd, GraphSub, GraphMul, GraphDiv, GraphPow, GraphAzmul:
		return 2
	case GraphCExp:
		return 5
	case GraphPrint:
		return 2
	default:
		return 1
	}
}

// Graph is the portable, in-memory CppAdGraph representation of spec.md
// §6, used for serialization. Node indices follow the convention spec.md
// names: 1..=NumDynamicInd are dynamic parameters, the next NumVariableInd
// are the ordinary independent variables, the next len(Constants) are
// constants, and every remaining node is produced by an operator in
// recording order.
//
// Scope: only the operators that map onto a single node-referencing graph
// op are exported — arithmetic, the unary standard-math table, CExp, and
// Print. VecAD load/store, CSum, CSkip, Dis and the atomic-function
// markers have no CppAdGraph equivalent in spec.md's description (which
// names the container fields, not an exhaustive operator catalogue):
// ToGraph returns an error if the tape being exported contains one of
// them. Function.Optimize does not remove them (it keeps VecAD ops and
// can itself introduce CSum and CSkip ops). This mirrors CppAD's own graph format, which is
// restricted to the "basic" operators for the same reason.
type Graph[B Base] struct {
	FunctionName   string
	NumDynamicInd  int
	NumVariableInd int
	Constants      []B
	DiscreteNames  []string
	AtomicNames    []string
	PrintTextVec   []string
	Operators      []GraphOp
	OperatorArg    []addr
	Dependent      []addr
}

var graphUnaryOp = map[OpCode]GraphOp{
	OpNeg: GraphNeg, OpAbs: GraphAbs, OpSign: GraphSign, OpSqrt: GraphSqrt,
	OpExp: GraphExp, OpExpm1: GraphExpm1, OpLog: GraphLog, OpLog1p: GraphLog1p,
	OpSin: GraphSin, OpCos: GraphCos, OpTan: GraphTan,
	OpAsin: GraphAsin, OpAcos: GraphAcos, OpAtan: GraphAtan,
	OpSinh: GraphSinh, OpCosh: GraphCosh, OpTanh: GraphTanh, OpErf: GraphErf,
	OpAsinh: GraphAsinh, OpAcosh: GraphAcosh, OpAtanh: GraphAtanh,
}

var graphBinaryOp = map[binFamily]GraphOp{
	familyAdd: GraphAdd, familySub: GraphSub, familyMul: GraphMul,
	familyDiv: GraphDiv, familyPow: GraphPow, familyAzmul: GraphAzmul,
}

// isBinaryArithOp reports whether code is one of the 24 pp/pv/vp/vv
// arithmetic op-codes (opcode.go's contiguous Add..Azmul block).
func isBinaryArithOp(code OpCode) bool {
	return code >= OpAddpp && code <= OpAzmulvv
}

// ToGraph exports f's current tape (whatever Optimize has or hasn't done
// to it) into the portable format. Name is stored as FunctionName, the
// way CppAdGraph's own field is a caller-supplied label rather than
// something the tape knows about itself.
func (f *Function[B]) ToGraph(name string) (*Graph[B], error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dynSet := make(map[addr]bool, len(f.dynParIdx))
	for _, p := range f.dynParIdx {
		dynSet[p] = true
	}

	g := &Graph[B]{FunctionName: name}
	g.NumDynamicInd = len(f.dynVar)
	g.NumVariableInd = len(f.indVar)

	node := make(map[addr]addr, int(f.rec.NumVar())) // old var index -> graph node id
	var next addr = 1
	for _, v := range f.dynVar {
		node[v] = next
		next++
	}
	for _, v := range f.indVar {
		node[v] = next
		next++
	}

	constNode := make(map[addr]addr, len(f.rec.pars))
	for i := range f.rec.pars {
		pi := addr(i)
		if dynSet[pi] {
			continue
		}
		constNode[pi] = next
		g.Constants = append(g.Constants, f.rec.pars[i])
		next++
	}
	parNode := func(pi addr) addr {
		if n, ok := constNode[pi]; ok {
			return n
		}
		// A PutPar dedup window collision landed on a dynamic slot; fall
		// back through the dynamic variable that owns it.
		for i, dp := range f.dynParIdx {
			if dp == pi {
				return node[f.dynVar[i]]
			}
		}
		panic(fault(MemoryExhausted, -1, "graph: parameter %d has no node", pi))
	}

	for i := 1; i < len(f.rec.ops); i++ {
		op := f.rec.ops[i]
		switch op.code {
		case Begin, End, Inv, Par, OpNop:
			continue
		case OpLt, OpLe, OpEq, OpNe, OpGe, OpGt:
			continue // comparisons produce no value; nothing to export
		}
		argc := argCount(op.code, f.rec.args, op.argIdx)
		args := f.rec.args[op.argIdx : op.argIdx+addr(argc)]

		operandNode := func(isVar bool, idx addr) addr {
			if isVar {
				return node[idx]
			}
			return parNode(idx)
		}

		switch {
		case op.code == OpCExp:
			cmp := args[0]
			mask := args[1]
			refs := [4]addr{}
			for k := 0; k < 4; k++ {
				refs[k] = operandNode(mask&(1<<uint(k)) != 0, args[2+k])
			}
			g.Operators = append(g.Operators, GraphCExp)
			g.OperatorArg = append(g.OperatorArg, cmp, refs[0], refs[1], refs[2], refs[3])
			node[op.resIdx] = next
			next++
		case op.code == OpPri:
			txt := args[0]
			mask := args[1]
			val := operandNode(mask&bitLeft != 0, args[2])
			g.PrintTextVec = append(g.PrintTextVec, f.rec.GetTxt(txt))
			g.Operators = append(g.Operators, GraphPrint)
			g.OperatorArg = append(g.OperatorArg, addr(len(g.PrintTextVec)-1), val)
			// Pri has result-count 0; nothing to register in node.
		case isUnaryMathOp(op.code):
			gop := graphUnaryOp[op.code]
			g.Operators = append(g.Operators, gop)
			g.OperatorArg = append(g.OperatorArg, operandNode(true, args[0]))
			node[op.resIdx] = next
			next++
		case isBinaryArithOp(op.code):
			xVar, yVar := binaryVariantKinds(op.code)
			gop := graphBinaryOp[binaryFamily(op.code)]
			g.Operators = append(g.Operators, gop)
			g.OperatorArg = append(g.OperatorArg,
				operandNode(xVar, args[0]), operandNode(yVar, args[1]))
			node[op.resIdx] = next
			next++
		default:
			return nil, fmt.Errorf("ad: ToGraph: op %v has no graph representation", op.code)
		}
	}

	for i, isVar := range f.depIsVar {
		if isVar {
			g.Dependent = append(g.Dependent, node[f.depIdx[i]])
		} else {
			g.Dependent = append(g.Dependent, parNode(f.depIdx[i]))
		}
	}
	for _, d := range f.rec.discretes {
		g.DiscreteNames = append(g.DiscreteNames, d.name)
	}
	return g, nil
}

func isUnaryMathOp(code OpCode) bool {
	_, ok := graphUnaryOp[code]
	return ok
}

// Print emits a human-readable dump of g (spec.md §6: "formatting is
// advisory, not part of the contract").
func (g *Graph[B]) Print(w io.Writer) {
	fmt.Fprintf(w, "graph %s: %d dynamic, %d variable, %d constant\n",
		g.FunctionName, g.NumDynamicInd, g.NumVariableInd, len(g.Constants))
	nextNode := addr(1 + g.NumDynamicInd + g.NumVariableInd + len(g.Constants))
	argIdx := 0
	for _, op := range g.Operators {
		n := graphArgCount(op)
		args := g.OperatorArg[argIdx : argIdx+n]
		argIdx += n
		switch op {
		case GraphPrint:
			fmt.Fprintf(w, "  print %q node(%d)\n", g.PrintTextVec[args[0]], args[1])
		default:
			fmt.Fprintf(w, "  node(%d) = %s %v\n", nextNode, op, args)
			nextNode++
		}
	}
	fmt.Fprintf(w, "dependent: %v\n", g.Dependent)
}
