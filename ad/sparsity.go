package ad

import "fmt"

// BitPattern is the dense bit-matrix sparsity representation of
// spec.md §3 ("Sparsity pack"): one row per index, each row a set of
// column bits packed into 64-bit words, supporting row-at-a-time union
// and test the way the spec describes. No teacher analogue (the
// teacher library has no sparsity engine at all); the shape is spec.md
// §3/§4.8 taken directly, packed the way the recorder packs its own
// buffers — parallel growing slices, not a tree or a set-of-structs.
type BitPattern struct {
	rows, cols, words int
	bits              []uint64
}

// NewBitPattern allocates an all-zero rows x cols pattern.
func NewBitPattern(rows, cols int) *BitPattern {
	words := (cols + 63) / 64
	if words == 0 {
		words = 1
	}
	return &BitPattern{rows: rows, cols: cols, words: words, bits: make([]uint64, rows*words)}
}

func (p *BitPattern) Rows() int { return p.rows }
func (p *BitPattern) Cols() int { return p.cols }

func (p *BitPattern) row(i int) []uint64 { return p.bits[i*p.words : (i+1)*p.words] }

// Set marks column j of row i as potentially nonzero.
func (p *BitPattern) Set(i, j int) {
	r := p.row(i)
	r[j/64] |= 1 << uint(j%64)
}

// Test reports whether column j of row i is marked.
func (p *BitPattern) Test(i, j int) bool {
	r := p.row(i)
	return r[j/64]&(1<<uint(j%64)) != 0
}

func (p *BitPattern) unionRow(i int, src []uint64) {
	dst := p.row(i)
	for k := range dst {
		dst[k] |= src[k]
	}
}

// CopyRow overwrites row i of p with src, which must have the same
// word width as p (used to seed p from another pattern's row).
func (p *BitPattern) CopyRow(i int, src []uint64) {
	copy(p.row(i), src)
}

func (p *BitPattern) IsRowEmpty(i int) bool {
	for _, w := range p.row(i) {
		if w != 0 {
			return false
		}
	}
	return true
}

// symmetrize ORs p with its own transpose; used once RevSparseHes has
// finished, since a Hessian sparsity pattern is always symmetric and the
// reverse sweep below only fills in one triangle directly (spec.md §4.8:
// "for the Hessian the cross-partial contribution is added").
func (p *BitPattern) symmetrize() {
	if p.rows != p.cols {
		return
	}
	for i := 0; i < p.rows; i++ {
		for j := i + 1; j < p.cols; j++ {
			if p.Test(i, j) {
				p.Set(j, i)
			} else if p.Test(j, i) {
				p.Set(i, j)
			}
		}
	}
}

// nonlinearBinaryFamily reports whether op's value/reverse rule has a nonzero
// cross second partial between its two variable operands (spec.md
// §4.8: "Mul adds row[x] × row[y] as an outer-product overlay"). Add/
// Sub/Neg/CSum are linear, so they propagate sparsity without adding a
// new Hessian term.
func nonlinearBinaryFamily(fam binFamily) bool {
	switch fam {
	case familyMul, familyDiv, familyPow, familyAzmul:
		return true
	default:
		return false
	}
}

func nonlinearUnary(code OpCode) bool {
	switch code {
	case OpNeg, OpSign:
		return false
	default:
		return true
	}
}

// ForSparseJac computes, for each of q abstract seed directions, the set
// of variables (and hence dependents) that may depend on that
// direction, given the independents' own seed pattern r (n_ind x q).
// Grounded on spec.md §4.8's forward-Jacobian rule: binary arithmetic's
// row[z] = row[x] ∪ row[y]; unary ops propagate their one argument's
// row; VecAD loads/stores go through one summary row per vector, same
// as the "vector sparsity" the spec describes. The computed per-variable
// pattern is cached on f for RevSparseHes to reuse as its Jacobian
// precondition (spec.md §3: "sparsity patterns stored inside a function
// object for reuse are owned by that function object").
func (f *Function[B]) ForSparseJac(q int, r *BitPattern) (*BitPattern, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forSparseJacLocked(q, r)
}

func (f *Function[B]) forSparseJacLocked(q int, r *BitPattern) (*BitPattern, error) {
	if r.rows != len(f.indVar) || r.cols != q {
		return nil, fmt.Errorf("ad: for_sparse_jac: R must be %d x %d, got %d x %d",
			len(f.indVar), q, r.rows, r.cols)
	}
	nVar := int(f.rec.NumVar())
	jac := NewBitPattern(nVar, q)
	for i, v := range f.indVar {
		jac.CopyRow(int(v), r.row(i))
	}

	vecRow := make([][]uint64, len(f.rec.vecInd))
	for i := range vecRow {
		vecRow[i] = make([]uint64, jac.words)
	}

	ops := f.rec.ops
	args := f.rec.args
	for i := 1; i < len(ops); i++ {
		op := ops[i]
		switch op.code {
		case Begin, End, Inv, Par,
			OpLt, OpLe, OpEq, OpNe, OpGe, OpGt,
			OpCSkip, OpPri, OpSign, OpNop:
		case OpDis:
			// discrete functions have zero derivative everywhere (spec.md §3)
		case OpAbs, OpNeg, OpSqrt, OpExp, OpExpm1, OpLog, OpLog1p,
			OpSin, OpCos, OpTan, OpAsin, OpAcos, OpAtan,
			OpSinh, OpCosh, OpTanh, OpErf, OpAsinh, OpAcosh, OpAtanh:
			jac.unionRow(int(op.resIdx), jac.row(int(args[op.argIdx])))
			if isPairOp(op.code) {
				jac.unionRow(int(op.resIdx+1), jac.row(int(args[op.argIdx])))
			}
		case OpAddpp, OpAddpv, OpAddvp, OpAddvv,
			OpSubpp, OpSubpv, OpSubvp, OpSubvv,
			OpMulpp, OpMulpv, OpMulvp, OpMulvv,
			OpDivpp, OpDivpv, OpDivvp, OpDivvv,
			OpPowpp, OpPowpv, OpPowvp, OpPowvv,
			OpAzmulpp, OpAzmulpv, OpAzmulvp, OpAzmulvv:
			xIsVar, yIsVar := binaryVariantKinds(op.code)
			if xIsVar {
				jac.unionRow(int(op.resIdx), jac.row(int(args[op.argIdx])))
			}
			if yIsVar {
				jac.unionRow(int(op.resIdx), jac.row(int(args[op.argIdx+1])))
			}
		case OpCSum:
			nAdd := int(args[op.argIdx])
			nSub := int(args[op.argIdx+1])
			base := op.argIdx + 2
			for j := 0; j < nAdd+nSub; j++ {
				jac.unionRow(int(op.resIdx), jac.row(int(args[base+addr(j)])))
			}
		case OpCExp:
			// conservative: a sparsity pattern must stay valid for every
			// input that does not change the recording's control path
			// (spec.md §8 property 6), so both branches' operands are
			// unioned in regardless of which branch recording took.
			mask := args[op.argIdx+1]
			if mask&bitTrue != 0 {
				jac.unionRow(int(op.resIdx), jac.row(int(args[op.argIdx+4])))
			}
			if mask&bitFalse != 0 {
				jac.unionRow(int(op.resIdx), jac.row(int(args[op.argIdx+5])))
			}
		case OpLdp, OpLdv:
			vecOff := int(args[op.argIdx])
			jac.unionRow(int(op.resIdx), vecRow[vecOff])
		case OpStpv, OpStvv:
			vecOff := int(args[op.argIdx])
			for k := range vecRow[vecOff] {
				vecRow[vecOff][k] |= jac.row(int(args[op.argIdx+2]))[k]
			}
		case OpStpp, OpStvp:
			// storing a parameter does not add any direction's dependence
		}
	}

	out := NewBitPattern(len(f.depIsVar), q)
	for i := range f.depIsVar {
		if f.depIsVar[i] {
			out.CopyRow(i, jac.row(int(f.depIdx[i])))
		}
	}
	if f.sparsityCache == nil {
		f.sparsityCache = map[string]*BitPattern{}
	}
	f.sparsityJacAllVars = jac
	f.sparsityJacQ = q
	return out, nil
}

// RevSparseJac computes, for each of q abstract output directions
// selected by s (q x n_dep), the set of independents each depends on —
// a reverse sweep dual to ForSparseJac, propagating row[arg] |= row[z]
// through every op, with a vector-wide summary row for VecAD stores
// mirroring the forward pass's vecRow table.
func (f *Function[B]) RevSparseJac(q int, s *BitPattern) (*BitPattern, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s.rows != q || s.cols != len(f.depIsVar) {
		return nil, fmt.Errorf("ad: rev_sparse_jac: S must be %d x %d, got %d x %d",
			q, len(f.depIsVar), s.rows, s.cols)
	}
	nVar := int(f.rec.NumVar())
	row := NewBitPattern(nVar, q)
	for i, isVar := range f.depIsVar {
		if !isVar {
			continue
		}
		for l := 0; l < q; l++ {
			if s.Test(l, i) {
				row.Set(int(f.depIdx[i]), l)
			}
		}
	}

	vecRow := make([][]uint64, len(f.rec.vecInd))
	for i := range vecRow {
		vecRow[i] = make([]uint64, row.words)
	}

	ops := f.rec.ops
	args := f.rec.args
	for i := len(ops) - 1; i >= 1; i-- {
		op := ops[i]
		switch op.code {
		case Begin, End, Inv, Par,
			OpLt, OpLe, OpEq, OpNe, OpGe, OpGt,
			OpCSkip, OpPri, OpSign, OpDis, OpNop:
		case OpAbs, OpNeg, OpSqrt, OpExp, OpExpm1, OpLog, OpLog1p,
			OpSin, OpCos, OpTan, OpAsin, OpAcos, OpAtan,
			OpSinh, OpCosh, OpTanh, OpErf, OpAsinh, OpAcosh, OpAtanh:
			if row.IsRowEmpty(int(op.resIdx)) {
				continue
			}
			row.unionRow(int(args[op.argIdx]), row.row(int(op.resIdx)))
		case OpAddpp, OpAddpv, OpAddvp, OpAddvv,
			OpSubpp, OpSubpv, OpSubvp, OpSubvv,
			OpMulpp, OpMulpv, OpMulvp, OpMulvv,
			OpDivpp, OpDivpv, OpDivvp, OpDivvv,
			OpPowpp, OpPowpv, OpPowvp, OpPowvv,
			OpAzmulpp, OpAzmulpv, OpAzmulvp, OpAzmulvv:
			if row.IsRowEmpty(int(op.resIdx)) {
				continue
			}
			xIsVar, yIsVar := binaryVariantKinds(op.code)
			if xIsVar {
				row.unionRow(int(args[op.argIdx]), row.row(int(op.resIdx)))
			}
			if yIsVar {
				row.unionRow(int(args[op.argIdx+1]), row.row(int(op.resIdx)))
			}
		case OpCSum:
			if row.IsRowEmpty(int(op.resIdx)) {
				continue
			}
			nAdd := int(args[op.argIdx])
			nSub := int(args[op.argIdx+1])
			base := op.argIdx + 2
			for j := 0; j < nAdd+nSub; j++ {
				row.unionRow(int(args[base+addr(j)]), row.row(int(op.resIdx)))
			}
		case OpCExp:
			if row.IsRowEmpty(int(op.resIdx)) {
				continue
			}
			mask := args[op.argIdx+1]
			if mask&bitTrue != 0 {
				row.unionRow(int(args[op.argIdx+4]), row.row(int(op.resIdx)))
			}
			if mask&bitFalse != 0 {
				row.unionRow(int(args[op.argIdx+5]), row.row(int(op.resIdx)))
			}
		case OpLdp, OpLdv:
			if row.IsRowEmpty(int(op.resIdx)) {
				continue
			}
			vecOff := int(args[op.argIdx])
			for k := range vecRow[vecOff] {
				vecRow[vecOff][k] |= row.row(int(op.resIdx))[k]
			}
		case OpStpv, OpStvv:
			vecOff := int(args[op.argIdx])
			if isZeroWords(vecRow[vecOff]) {
				continue
			}
			row.unionRow(int(args[op.argIdx+2]), vecRow[vecOff])
		case OpStpp, OpStvp:
		}
	}

	out := NewBitPattern(q, len(f.indVar))
	for i, v := range f.indVar {
		for l := 0; l < q; l++ {
			if row.Test(int(v), l) {
				out.Set(l, i)
			}
		}
	}
	return out, nil
}

func isZeroWords(ws []uint64) bool {
	for _, w := range ws {
		if w != 0 {
			return false
		}
	}
	return true
}

// RevSparseHes computes the Hessian sparsity pattern of the weighted
// sum of the dependents selected by s, with q required to equal the
// independent count (the precondition CppAD states as "q == n" when no
// prior ForSparseJac(q, R) call supplied a different seed). If no
// compatible cached Jacobian pattern exists (from a prior ForSparseJac
// call with the same q), one is computed internally seeded with the
// identity pattern, matching the usual "for_sparse_jac then
// rev_sparse_hes" CppAD idiom collapsed into one call for the common
// case S5 in spec.md §8 exercises directly.
func (f *Function[B]) RevSparseHes(q int, s []bool) (*BitPattern, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(s) != len(f.depIsVar) {
		return nil, fmt.Errorf("ad: rev_sparse_hes: s must have length %d, got %d", len(f.depIsVar), len(s))
	}

	jac := f.sparsityJacAllVars
	if jac == nil || f.sparsityJacQ != q {
		ident := NewBitPattern(len(f.indVar), q)
		for i := 0; i < len(f.indVar) && i < q; i++ {
			ident.Set(i, i)
		}
		if _, err := f.forSparseJacLocked(q, ident); err != nil {
			return nil, err
		}
		jac = f.sparsityJacAllVars
	}

	nVar := int(f.rec.NumVar())
	used := make([]bool, nVar)
	hes := NewBitPattern(nVar, q)
	for i, isVar := range f.depIsVar {
		if isVar && s[i] {
			used[f.depIdx[i]] = true
		}
	}

	vecUsed := make([]bool, len(f.rec.vecInd))
	vecHes := make([][]uint64, len(f.rec.vecInd))
	for i := range vecHes {
		vecHes[i] = make([]uint64, hes.words)
	}

	ops := f.rec.ops
	args := f.rec.args
	for i := len(ops) - 1; i >= 1; i-- {
		op := ops[i]
		active := used[op.resIdx] || !hes.IsRowEmpty(int(op.resIdx))
		if !active {
			continue
		}
		switch op.code {
		case Begin, End, Inv, Par,
			OpLt, OpLe, OpEq, OpNe, OpGe, OpGt,
			OpCSkip, OpPri, OpSign, OpDis, OpNop:
		case OpAbs, OpNeg, OpSqrt, OpExp, OpExpm1, OpLog, OpLog1p,
			OpSin, OpCos, OpTan, OpAsin, OpAcos, OpAtan,
			OpSinh, OpCosh, OpTanh, OpErf, OpAsinh, OpAcosh, OpAtanh:
			x := int(args[op.argIdx])
			if used[op.resIdx] {
				used[x] = true
				if nonlinearUnary(op.code) {
					hes.unionRow(x, jac.row(x))
				}
			}
			hes.unionRow(x, hes.row(int(op.resIdx)))
		case OpAddpp, OpAddpv, OpAddvp, OpAddvv,
			OpSubpp, OpSubpv, OpSubvp, OpSubvv,
			OpMulpp, OpMulpv, OpMulvp, OpMulvv,
			OpDivpp, OpDivpv, OpDivvp, OpDivvv,
			OpPowpp, OpPowpv, OpPowvp, OpPowvv,
			OpAzmulpp, OpAzmulpv, OpAzmulvp, OpAzmulvv:
			xIsVar, yIsVar := binaryVariantKinds(op.code)
			xIdx, yIdx := int(args[op.argIdx]), int(args[op.argIdx+1])
			fam := binaryFamily(op.code)
			if used[op.resIdx] {
				if xIsVar {
					used[xIdx] = true
				}
				if yIsVar {
					used[yIdx] = true
				}
				if nonlinearBinaryFamily(fam) {
					if xIsVar && yIsVar {
						hes.unionRow(xIdx, jac.row(xIdx))
						hes.unionRow(xIdx, jac.row(yIdx))
						hes.unionRow(yIdx, jac.row(xIdx))
						hes.unionRow(yIdx, jac.row(yIdx))
					} else if xIsVar {
						hes.unionRow(xIdx, jac.row(xIdx))
					} else if yIsVar {
						hes.unionRow(yIdx, jac.row(yIdx))
					}
				}
			}
			if xIsVar {
				hes.unionRow(xIdx, hes.row(int(op.resIdx)))
			}
			if yIsVar {
				hes.unionRow(yIdx, hes.row(int(op.resIdx)))
			}
		case OpCSum:
			nAdd := int(args[op.argIdx])
			nSub := int(args[op.argIdx+1])
			base := op.argIdx + 2
			for j := 0; j < nAdd+nSub; j++ {
				v := int(args[base+addr(j)])
				used[v] = used[v] || used[int(op.resIdx)]
				hes.unionRow(v, hes.row(int(op.resIdx)))
			}
		case OpCExp:
			mask := args[op.argIdx+1]
			if mask&bitTrue != 0 {
				v := int(args[op.argIdx+4])
				used[v] = used[v] || used[int(op.resIdx)]
				hes.unionRow(v, hes.row(int(op.resIdx)))
			}
			if mask&bitFalse != 0 {
				v := int(args[op.argIdx+5])
				used[v] = used[v] || used[int(op.resIdx)]
				hes.unionRow(v, hes.row(int(op.resIdx)))
			}
		case OpLdp, OpLdv:
			vecOff := int(args[op.argIdx])
			vecUsed[vecOff] = vecUsed[vecOff] || used[op.resIdx]
			for k := range vecHes[vecOff] {
				vecHes[vecOff][k] |= hes.row(int(op.resIdx))[k]
			}
		case OpStpv, OpStvv:
			vecOff := int(args[op.argIdx])
			v := int(args[op.argIdx+2])
			if vecUsed[vecOff] {
				used[v] = true
			}
			hes.unionRow(v, vecHes[vecOff])
		case OpStpp, OpStvp:
		}
	}

	out := NewBitPattern(q, q)
	for i, vi := range f.indVar {
		if i >= q {
			break
		}
		for l := 0; l < q; l++ {
			if hes.Test(int(vi), l) {
				out.Set(i, l)
			}
		}
	}
	out.symmetrize()
	return out, nil
}

// SparseJacobian is the convenience wrapper of spec.md §6: it drives
// for_sparse_jac with an identity seed to recover the sparsity pattern
// if the caller did not already supply one, then evaluates the Jacobian
// with one forward(1) sweep per group of a greedy non-conflicting
// column grouping (not CppAD's full coloring library,
// which is out of scope as a numerical-solver-adjacent concern per
// SPEC_FULL.md §10).
func (f *Function[B]) SparseJacobian(x []B, pattern *BitPattern) ([]B, *BitPattern, error) {
	if _, err := f.Forward(0, x, nil); err != nil {
		return nil, nil, err
	}
	nInd := f.NumInd()
	nDep := f.NumDep()
	if pattern == nil {
		ident := NewBitPattern(nInd, nInd)
		for i := 0; i < nInd; i++ {
			ident.Set(i, i)
		}
		var err error
		pattern, err = f.ForSparseJac(nInd, ident)
		if err != nil {
			return nil, nil, err
		}
	}
	jac := make([]B, nDep*nInd)
	groups := greedyColumnGroups(pattern, nInd)
	for _, g := range groups {
		dx := make([]B, nInd)
		for _, col := range g {
			dx[col] = 1
		}
		// forward(1) with a one-hot-per-group direction recovers every
		// dependent's directional derivative along that group at once;
		// the pattern tells us which column within the group each
		// nonzero entry belongs to.
		fwd, err := f.Forward(1, dx, nil)
		if err != nil {
			return nil, nil, err
		}
		for row := 0; row < nDep; row++ {
			for _, col := range g {
				if pattern.Test(row, col) {
					jac[row*nInd+col] = fwd[row]
				}
			}
		}
	}
	return jac, pattern, nil
}

// SparseHessian mirrors SparseJacobian for the Hessian of Σw·f(x),
// using rev_sparse_hes for the pattern and one reverse(1)-seeded
// forward(1)-then-reverse(1) pair per coloring group to recover the
// numeric entries the pattern marks nonzero.
func (f *Function[B]) SparseHessian(x, w []B, pattern *BitPattern) ([]B, *BitPattern, error) {
	if _, err := f.Forward(0, x, nil); err != nil {
		return nil, nil, err
	}
	nInd := f.NumInd()
	if pattern == nil {
		sAll := make([]bool, f.NumDep())
		for i := range sAll {
			sAll[i] = true
		}
		var err error
		pattern, err = f.RevSparseHes(nInd, sAll)
		if err != nil {
			return nil, nil, err
		}
	}
	hes := make([]B, nInd*nInd)
	groups := greedyColumnGroups(pattern, nInd)
	for _, g := range groups {
		dx := make([]B, nInd)
		for _, col := range g {
			dx[col] = 1
		}
		if _, err := f.Forward(1, dx, nil); err != nil {
			return nil, nil, err
		}
		// d/dx_col of (w . grad f) restricted to this group's columns;
		// reverse(1) gives the gradient directional derivative, which for
		// a quadratic form's mixed partials along a one-hot direction
		// recovers exactly the Hessian-vector product for that column.
		hv, err := f.Reverse(1, w)
		if err != nil {
			return nil, nil, err
		}
		for _, col := range g {
			for row := 0; row < nInd; row++ {
				if pattern.Test(row, col) {
					hes[row*nInd+col] = hv[row]
				}
			}
		}
	}
	return hes, pattern, nil
}

// greedyColumnGroups buckets the nCols columns of pattern into groups
// with no two columns sharing a nonzero row, so that a single combined
// evaluation can recover every column in the group at once — a simple
// greedy coloring, not CppAD's full sparse-coloring library (spec.md
// §10).
func greedyColumnGroups(pattern *BitPattern, nCols int) [][]int {
	nRows := pattern.Rows()
	rowClaimed := make([][]bool, 0)
	var groups [][]int
	for col := 0; col < nCols; col++ {
		placed := false
		for gi := range groups {
			conflict := false
			for row := 0; row < nRows; row++ {
				if pattern.Test(row, col) && rowClaimed[gi][row] {
					conflict = true
					break
				}
			}
			if !conflict {
				groups[gi] = append(groups[gi], col)
				for row := 0; row < nRows; row++ {
					if pattern.Test(row, col) {
						rowClaimed[gi][row] = true
					}
				}
				placed = true
				break
			}
		}
		if !placed {
			claim := make([]bool, nRows)
			for row := 0; row < nRows; row++ {
				if pattern.Test(row, col) {
					claim[row] = true
				}
			}
			rowClaimed = append(rowClaimed, claim)
			groups = append(groups, []int{col})
		}
	}
	return groups
}
