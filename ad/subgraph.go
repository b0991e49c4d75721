package ad

import "fmt"

// SubgraphReverse marks, for a later SubgraphReverseAt call, which ops
// of the tape can possibly depend on the independents selected by
// selectDomain — a forward reachability pass grounded on spec.md §4.7's
// "subgraph of the tape reachable from a subset of the domain". Unlike
// ForSparseJac (sparsity.go), which tracks a full per-direction bit
// pattern, this only needs a single reachable/not-reachable flag per
// variable, so one reverse(1) restricted to the marked ops is cheaper
// than a full reverse(1) over the whole tape when selectDomain selects
// only a few independents out of many (CppAD's subgraph_reverse use
// case: sparse-input gradients).
//
// VecAD loads and stores are treated conservatively: any load is marked
// reachable regardless of which store last touched its slot, since
// tracking which store dominates which load would need the same
// points-to analysis the optimizer's use-analysis pass does. This can
// only ever over-mark ops into the subgraph, never under-mark, so
// SubgraphReverseAt's result stays correct; it only loses some of the
// pruning on tapes that lean on indexed vectors.
func (f *Function[B]) SubgraphReverse(selectDomain []bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(selectDomain) != len(f.indVar) {
		return fmt.Errorf("ad: subgraph_reverse: selectDomain must have length %d, got %d", len(f.indVar), len(selectDomain))
	}

	nVar := int(f.rec.NumVar())
	reach := make([]bool, nVar)
	for i, v := range f.indVar {
		if selectDomain[i] {
			reach[v] = true
		}
	}

	ops := f.rec.ops
	args := f.rec.args
	active := make([]bool, len(ops))
	for i := 1; i < len(ops); i++ {
		op := ops[i]
		in := false
		switch op.code {
		case OpLdp, OpLdv, OpStpp, OpStpv, OpStvp, OpStvv:
			in = true
		default:
			for _, v := range operandVars(op, args) {
				if reach[v] {
					in = true
					break
				}
			}
		}
		if in {
			active[i] = true
			reach[op.resIdx] = true
			if isPairOp(op.code) {
				reach[op.resIdx+1] = true
			}
		}
	}

	f.subgraphActive = active
	f.subgraphDomain = append([]bool(nil), selectDomain...)
	return nil
}

// ClearSubgraph discards the marking built by SubgraphReverse. Not
// required before recomputing one (SubgraphReverse overwrites it
// outright) but lets a caller free the marking between unrelated uses
// of the same Function.
func (f *Function[B]) ClearSubgraph() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subgraphActive = nil
	f.subgraphDomain = nil
}

// SubgraphReverseAt computes the partial derivatives of dependent ell
// with respect to every independent selected by the most recent
// SubgraphReverse call, replaying reverseStep over only the marked ops.
// It returns the selected independents' positions (in increasing order)
// alongside their matching partials, mirroring CppAD's
// subgraph_reverse(ell) pair-of-vectors result. forward(0) must already
// have been run with the point at which the derivative is wanted.
func (f *Function[B]) SubgraphReverseAt(ell int) ([]int, []B, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subgraphActive == nil {
		return nil, nil, fmt.Errorf("ad: subgraph_reverse_at: no subgraph marked; call SubgraphReverse first")
	}
	if f.capOrder < 1 {
		return nil, nil, fmt.Errorf("ad: subgraph_reverse_at: called before forward(0)")
	}
	if ell < 0 || ell >= len(f.depIsVar) {
		return nil, nil, fmt.Errorf("ad: subgraph_reverse_at: dependent %d out of range [0,%d)", ell, len(f.depIsVar))
	}

	nVar := int(f.rec.NumVar())
	partial := make([]B, nVar)
	if f.depIsVar[ell] {
		partial[f.depIdx[ell]] = 1
	}
	slotPartial := make([]B, len(f.rec.vecElems))

	ops := f.rec.ops
	for i := len(ops) - 1; i >= 1; i-- {
		if !f.subgraphActive[i] {
			continue
		}
		if err := f.reverseStep(i, partial, slotPartial); err != nil {
			return nil, nil, err
		}
	}

	var idx []int
	var vals []B
	for i, v := range f.indVar {
		if f.subgraphDomain[i] {
			idx = append(idx, i)
			vals = append(vals, partial[v])
		}
	}
	return idx, vals, nil
}

// operandVars lists the variable-valued operand slots op reads,
// skipping arguments that are parameters (constants) rather than
// variables. Shared between SubgraphReverse's reachability pass here
// and the optimizer's use-analysis pass (optimize.go), since both need
// to walk "what variables does this op's value depend on" without
// duplicating the op-code dispatch.
func operandVars(op opRecord, args []addr) []addr {
	switch op.code {
	case OpAbs, OpSign, OpNeg, OpSqrt, OpExp, OpExpm1, OpLog, OpLog1p,
		OpSin, OpCos, OpTan, OpAsin, OpAcos, OpAtan,
		OpSinh, OpCosh, OpTanh, OpErf, OpAsinh, OpAcosh, OpAtanh:
		return []addr{args[op.argIdx]}
	case OpAddpp, OpAddpv, OpAddvp, OpAddvv,
		OpSubpp, OpSubpv, OpSubvp, OpSubvv,
		OpMulpp, OpMulpv, OpMulvp, OpMulvv,
		OpDivpp, OpDivpv, OpDivvp, OpDivvv,
		OpPowpp, OpPowpv, OpPowvp, OpPowvv,
		OpAzmulpp, OpAzmulpv, OpAzmulvp, OpAzmulvv:
		xIsVar, yIsVar := binaryVariantKinds(op.code)
		var vs []addr
		if xIsVar {
			vs = append(vs, args[op.argIdx])
		}
		if yIsVar {
			vs = append(vs, args[op.argIdx+1])
		}
		return vs
	case OpCSum:
		nAdd := int(args[op.argIdx])
		nSub := int(args[op.argIdx+1])
		base := op.argIdx + 2
		vs := make([]addr, 0, nAdd+nSub)
		for j := 0; j < nAdd+nSub; j++ {
			vs = append(vs, args[base+addr(j)])
		}
		return vs
	case OpCExp:
		mask := args[op.argIdx+1]
		var vs []addr
		if mask&bitTrue != 0 {
			vs = append(vs, args[op.argIdx+4])
		}
		if mask&bitFalse != 0 {
			vs = append(vs, args[op.argIdx+5])
		}
		return vs
	default:
		return nil
	}
}
