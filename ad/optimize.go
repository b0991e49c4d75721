package ad

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dolthub/swiss"
	"github.com/golang/glog"
)

// Options is the parsed form of spec.md §4.9's optimize(options) string
// (CppAD's own option-string convention: whitespace-separated
// key[=value] tokens). Grounded on the teacher's own small hand-rolled
// option parsing nowhere — the teacher has no optimizer — so the
// tokenizer instead follows CppAD's documented option vocabulary
// directly, which SPEC_FULL.md §10 names.
type Options struct {
	NoConditionalSkip bool
	NoCompareOp       bool
	NoPrintForOp      bool
	NoCumulativeSumOp bool
	CollisionLimit    int
	ValGraph          bool
}

// ParseOptions tokenizes options on whitespace; unrecognized tokens are
// ignored, matching CppAD's own forward-compatible option parsing.
func ParseOptions(options string) Options {
	opt := Options{CollisionLimit: 10}
	for _, tok := range strings.Fields(options) {
		key, val, has := strings.Cut(tok, "=")
		switch key {
		case "no_conditional_skip":
			opt.NoConditionalSkip = true
		case "no_compare_op":
			opt.NoCompareOp = true
		case "no_print_for_op":
			opt.NoPrintForOp = true
		case "no_cumulative_sum_op":
			opt.NoCumulativeSumOp = true
		case "val_graph":
			opt.ValGraph = true
		case "collision_limit":
			if has {
				if n, err := strconv.Atoi(val); err == nil && n > 0 {
					opt.CollisionLimit = n
				}
			}
		}
	}
	return opt
}

// remapEntry is where one old-tape variable ended up after Optimize: a
// new variable (isVar true, idx is the new variable address) or a
// folded/promoted constant (isVar false, idx is a new parameter pool
// index). Same two-case shape as vecElemEntry, reused here because
// optimize.go's rewrite is exactly the "is this a variable or a
// constant now" question vecElemEntry already answers for VecAD slots.
type remapEntry struct {
	isVar bool
	idx   addr
}

// Optimize rewrites f's tape in place (spec.md §4.9): dead-code
// elimination, constant folding, common-subexpression elimination, and
// (unless no_cumulative_sum_op is set) add/sub chain fusion into CSum
// ops, then (unless no_conditional_skip is set) CSkip insertion for
// CExp ops whose comparison is decided purely by parameters. The
// function's independent/dependent counts and external behavior are
// unchanged; only SizeOp/SizeVar and evaluation cost can change.
func (f *Function[B]) Optimize(options string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.optimizeLocked(ParseOptions(options))
}

func (f *Function[B]) optimizeLocked(opt Options) error {
	if opt.ValGraph {
		opt.ValGraph = false // optimizeValGraphLocked runs dedupRawOps, then re-enters here without ValGraph
		return f.optimizeValGraphLocked(opt)
	}
	live, liveVar := f.liveness(opt)
	newRec, remap, parRemap, dynParNew, err := f.foldAndCSE(opt, live, liveVar)
	if err != nil {
		return err
	}

	newVecElems := make([]vecElemEntry, len(f.rec.vecElems))
	for i, e := range f.rec.vecElems {
		if e.isVar {
			newVecElems[i] = vecElemEntry{isVar: true, idx: remap[e.idx].idx}
		} else {
			newVecElems[i] = vecElemEntry{isVar: false, idx: parRemap(e.idx)}
		}
	}

	var externalVars []addr
	for i, isVar := range f.depIsVar {
		if isVar {
			externalVars = append(externalVars, remap[f.depIdx[i]].idx)
		}
	}
	for _, e := range newVecElems {
		if e.isVar {
			externalVars = append(externalVars, e.idx)
		}
	}

	if !opt.NoCumulativeSumOp {
		fuseCSum(newRec, externalVars)
	}
	if !opt.NoConditionalSkip {
		insertCSkips(newRec, externalVars)
	}

	newRec.vecElems = newVecElems
	newRec.vecInd = append([]vecIndEntry(nil), f.rec.vecInd...)
	newRec.discretes = append([]discreteFn[B](nil), f.rec.discretes...)
	newRec.putOpNoArgs(End)

	for i, v := range f.indVar {
		f.indVar[i] = remap[v].idx
	}
	for i := range f.depIsVar {
		if f.depIsVar[i] {
			f.depIdx[i] = remap[f.depIdx[i]].idx
		} else {
			f.depIdx[i] = parRemap(f.depIdx[i])
		}
	}
	for i, v := range f.dynVar {
		f.dynVar[i] = remap[v].idx
		f.dynParIdx[i] = dynParNew[v]
	}

	f.rec = newRec
	f.order = nil
	f.capOrder = 0
	f.skipOp = nil
	f.cexpTaken = nil
	f.vecElems = append([]vecElemEntry(nil), newRec.vecElems...)
	f.sparsityCache = nil
	f.sparsityJacAllVars = nil
	f.optimized = true
	return nil
}

// liveness marks, for the current (pre-optimize) tape, which ops
// contribute to a dependent, a kept print/compare op, or a VecAD
// element — a straightforward backward reachability pass, the same
// shape as subgraph.go's but seeded from every dependent instead of a
// caller-chosen subset, and covering every op kind (compare, print,
// discrete, VecAD) rather than just the pure-arithmetic ones
// subgraph.go's operandVars handles.
func (f *Function[B]) liveness(opt Options) ([]bool, []bool) {
	ops := f.rec.ops
	args := f.rec.args
	nVar := int(f.rec.NumVar())
	live := make([]bool, len(ops))
	liveVar := make([]bool, nVar)

	for i, isVar := range f.depIsVar {
		if isVar {
			liveVar[f.depIdx[i]] = true
		}
	}
	for _, e := range f.rec.vecElems {
		if e.isVar {
			liveVar[e.idx] = true
		}
	}

	for i := len(ops) - 1; i >= 1; i-- {
		op := ops[i]
		var keep bool
		switch op.code {
		case Inv:
			keep = true // independents stay addressable regardless of use
		case Par:
			keep = true // dynamic parameters stay addressable for SetDynamic regardless of use
		case OpPri:
			keep = !opt.NoPrintForOp
		case OpLt, OpLe, OpEq, OpNe, OpGe, OpGt:
			keep = !opt.NoCompareOp
		case OpStpp, OpStpv, OpStvp, OpStvv:
			keep = true // a store's effect is observed only through later loads of the same slot
		case OpCSkip:
			keep = false // dropped here; insertCSkips rebuilds markers for the rewritten tape
		default:
			keep = liveVar[op.resIdx] || (isPairOp(op.code) && liveVar[op.resIdx+1])
		}
		live[i] = keep
		if keep {
			for _, v := range allOperandVars(op, args) {
				liveVar[v] = true
			}
		}
	}
	return live, liveVar
}

// allOperandVars lists every variable-valued operand slot op reads,
// across every op kind the tape can contain (operandVars in
// subgraph.go only covers the pure-arithmetic subset it needs).
func allOperandVars(op opRecord, args []addr) []addr {
	switch op.code {
	case OpLt, OpLe, OpEq, OpNe, OpGe, OpGt:
		mask := args[op.argIdx]
		var vs []addr
		if mask&bitLeft != 0 {
			vs = append(vs, args[op.argIdx+1])
		}
		if mask&bitRight != 0 {
			vs = append(vs, args[op.argIdx+2])
		}
		return vs
	case OpPri:
		mask := args[op.argIdx+1]
		if mask&bitLeft != 0 {
			return []addr{args[op.argIdx+2]}
		}
		return nil
	case OpDis:
		mask := args[op.argIdx]
		if mask&bitLeft != 0 {
			return []addr{args[op.argIdx+1]}
		}
		return nil
	case OpLdv:
		return []addr{args[op.argIdx+1]}
	case OpLdp:
		return nil
	case OpStpv:
		return []addr{args[op.argIdx+2]}
	case OpStvv:
		return []addr{args[op.argIdx+1], args[op.argIdx+2]}
	case OpStvp:
		return []addr{args[op.argIdx+1]}
	case OpStpp:
		return nil
	case OpCExp:
		mask := args[op.argIdx+1]
		var vs []addr
		for k := addr(0); k < 4; k++ {
			if mask&(1<<k) != 0 {
				vs = append(vs, args[op.argIdx+2+k])
			}
		}
		return vs
	default:
		return operandVars(op, args)
	}
}

// foldAndCSE rebuilds the tape in one forward pass: dead ops (per live)
// are dropped, ops whose operands are all constants are evaluated and
// folded into the parameter pool instead of re-emitted, and every
// remaining op is deduplicated against prior ops with the same
// op-code and (remapped) operands via a bounded hash-bucket CSE table —
// CppAD's own collision_limit idea, implemented with
// github.com/dolthub/swiss (the pack's hash-map library, see
// DESIGN.md) instead of a hand-rolled bucket array.
func (f *Function[B]) foldAndCSE(opt Options, live, liveVar []bool) (*Recorder[B], []remapEntry, func(addr) addr, map[addr]addr, error) {
	oldRec := f.rec
	newRec := newRecorder[B]()

	remap := make([]remapEntry, oldRec.NumVar())
	dynParNew := map[addr]addr{} // old dynamic-parameter resIdx -> new pool slot, for Function.optimizeLocked
	parRemapTable := map[addr]addr{}
	remapPar := func(oldIdx addr) addr {
		if v, ok := parRemapTable[oldIdx]; ok {
			return v
		}
		v := newRec.PutPar(oldRec.GetPar(oldIdx))
		parRemapTable[oldIdx] = v
		return v
	}

	cse := swiss.NewMap[uint64, []cseEntry](uint32(16))
	collisionExceeded := false

	lookupCSE := func(key uint64, code OpCode, newArgs []addr) (addr, bool) {
		bucket, ok := cse.Get(key)
		if !ok {
			return 0, false
		}
		for n, c := range bucket {
			if n >= opt.CollisionLimit {
				collisionExceeded = true
				break
			}
			if c.code == code && argsEqual(c.args, newArgs) {
				return c.res, true
			}
		}
		return 0, false
	}
	storeCSE := func(key uint64, code OpCode, newArgs []addr, res addr) {
		bucket, _ := cse.Get(key)
		if len(bucket) >= opt.CollisionLimit {
			collisionExceeded = true
			return
		}
		bucket = append(bucket, cseEntry{code: code, args: append([]addr(nil), newArgs...), res: res})
		cse.Put(key, bucket)
	}

	ops := oldRec.ops
	args := oldRec.args

	operandRemap := func(oldIdx addr) remapEntry { return remap[oldIdx] }

	for i := 1; i < len(ops); i++ {
		if !live[i] {
			continue
		}
		op := ops[i]
		switch op.code {
		case Inv:
			res := newRec.putOpNoArgs(Inv)
			remap[op.resIdx] = remapEntry{isVar: true, idx: res}
		case Par:
			// A dynamic parameter's Par op must survive optimization as a
			// live op with its own pool slot (dynamic.go, Function.SetDynamic):
			// folding it into an ordinary remapped constant here would let
			// Optimize silently sever SetDynamic from the tape it targets,
			// and PutPar's dedup window could alias its slot onto an
			// unrelated constant's.
			newParIdx := newRec.PutDynamicPar(oldRec.GetPar(args[op.argIdx]))
			newArgIdx := newRec.NextArgIdx()
			newRec.PutArg(newParIdx)
			res := newRec.PutOp(Par, newArgIdx)
			remap[op.resIdx] = remapEntry{isVar: true, idx: res}
			dynParNew[op.resIdx] = newParIdx
		case OpAbs, OpSign, OpNeg, OpSqrt, OpExp, OpExpm1, OpLog, OpLog1p,
			OpSin, OpCos, OpTan, OpAsin, OpAcos, OpAtan,
			OpSinh, OpCosh, OpTanh, OpErf, OpAsinh, OpAcosh, OpAtanh:
			xr := operandRemap(args[op.argIdx])
			if !xr.isVar {
				v, comp := unaryZero[B](op.code, newRec.GetPar(xr.idx))
				remap[op.resIdx] = remapEntry{isVar: false, idx: newRec.PutPar(v)}
				if isPairOp(op.code) {
					remap[op.resIdx+1] = remapEntry{isVar: false, idx: newRec.PutPar(comp)}
				}
				continue
			}
			key := cseKey1(op.code, xr.idx)
			if res, ok := lookupCSE(key, op.code, []addr{xr.idx}); ok {
				remap[op.resIdx] = remapEntry{isVar: true, idx: res}
				if isPairOp(op.code) {
					remap[op.resIdx+1] = remapEntry{isVar: true, idx: res + 1}
				}
				continue
			}
			argIdx := newRec.NextArgIdx()
			newRec.PutArg(xr.idx)
			res := newRec.PutOp(op.code, argIdx)
			remap[op.resIdx] = remapEntry{isVar: true, idx: res}
			if isPairOp(op.code) {
				remap[op.resIdx+1] = remapEntry{isVar: true, idx: res + 1}
			}
			storeCSE(key, op.code, []addr{xr.idx}, res)
		case OpAddpp, OpAddpv, OpAddvp, OpAddvv,
			OpSubpp, OpSubpv, OpSubvp, OpSubvv,
			OpMulpp, OpMulpv, OpMulvp, OpMulvv,
			OpDivpp, OpDivpv, OpDivvp, OpDivvv,
			OpPowpp, OpPowpv, OpPowvp, OpPowvv,
			OpAzmulpp, OpAzmulpv, OpAzmulvp, OpAzmulvv:
			origXVar, origYVar := binaryVariantKinds(op.code)
			var xr, yr remapEntry
			if origXVar {
				xr = operandRemap(args[op.argIdx])
			} else {
				xr = remapEntry{isVar: false, idx: remapPar(args[op.argIdx])}
			}
			if origYVar {
				yr = operandRemap(args[op.argIdx+1])
			} else {
				yr = remapEntry{isVar: false, idx: remapPar(args[op.argIdx+1])}
			}

			fam := binaryFamily(op.code)
			if !xr.isVar && !yr.isVar {
				v := binaryZero[B](op.code, newRec.GetPar(xr.idx), newRec.GetPar(yr.idx))
				remap[op.resIdx] = remapEntry{isVar: false, idx: newRec.PutPar(v)}
				continue
			}
			code := familyVariantCode(fam, xr.isVar, yr.isVar)
			key := cseKey2(code, xr, yr)
			cseArgs := []addr{encodeOperand(xr), encodeOperand(yr)}
			if res, ok := lookupCSE(key, code, cseArgs); ok {
				remap[op.resIdx] = remapEntry{isVar: true, idx: res}
				continue
			}
			argIdx := newRec.NextArgIdx()
			newRec.PutArg(xr.idx, yr.idx)
			res := newRec.PutOp(code, argIdx)
			remap[op.resIdx] = remapEntry{isVar: true, idx: res}
			storeCSE(key, code, cseArgs, res)
		case OpLt, OpLe, OpEq, OpNe, OpGe, OpGt:
			mask := args[op.argIdx]
			var a, b addr
			var newMask addr
			if mask&bitLeft != 0 {
				lr := operandRemap(args[op.argIdx+1])
				if lr.isVar {
					newMask |= bitLeft
					a = lr.idx
				} else {
					a = lr.idx
				}
			} else {
				a = remapPar(args[op.argIdx+1])
			}
			if mask&bitRight != 0 {
				rr := operandRemap(args[op.argIdx+2])
				if rr.isVar {
					newMask |= bitRight
					b = rr.idx
				} else {
					b = rr.idx
				}
			} else {
				b = remapPar(args[op.argIdx+2])
			}
			newMask |= mask & bitRecordedTrue
			argIdx := newRec.NextArgIdx()
			newRec.PutArg(newMask, a, b)
			newRec.PutOp(op.code, argIdx)
		case OpCSkip:
			// a pre-existing CSkip (from an earlier Optimize call) is
			// dropped; insertCSkips rebuilds equivalent markers for the
			// rewritten tape below.
		case OpCSum:
			nAdd := int(args[op.argIdx])
			nSub := int(args[op.argIdx+1])
			base := op.argIdx + 2
			adds := make([]addr, 0, nAdd)
			subs := make([]addr, 0, nSub)
			var bias B
			for j := 0; j < nAdd; j++ {
				r := operandRemap(args[base+addr(j)])
				if r.isVar {
					adds = append(adds, r.idx)
				} else {
					bias += newRec.GetPar(r.idx)
				}
			}
			base += addr(nAdd)
			for j := 0; j < nSub; j++ {
				r := operandRemap(args[base+addr(j)])
				if r.isVar {
					subs = append(subs, r.idx)
				} else {
					bias -= newRec.GetPar(r.idx)
				}
			}
			res := emitCSum[B](newRec, adds, subs)
			if bias != 0 || res == nil {
				remap[op.resIdx] = addBias(newRec, res, bias, remapPar)
			} else {
				remap[op.resIdx] = *res
			}
		case OpCExp:
			cmp := Comparator(args[op.argIdx])
			mask := args[op.argIdx+1]
			var newMask addr
			idx := [4]addr{}
			for k, off := range [4]addr{0, 1, 2, 3} {
				bit := addr(1) << uint(off)
				oldIdx := args[op.argIdx+2+addr(k)]
				if mask&bit != 0 {
					r := operandRemap(oldIdx)
					if r.isVar {
						newMask |= bit
						idx[k] = r.idx
					} else {
						idx[k] = r.idx
					}
				} else {
					idx[k] = remapPar(oldIdx)
				}
			}
			argIdx := newRec.NextArgIdx()
			newRec.PutArg(addr(cmp), newMask, idx[0], idx[1], idx[2], idx[3])
			res := newRec.PutOp(OpCExp, argIdx)
			remap[op.resIdx] = remapEntry{isVar: true, idx: res}
		case OpPri:
			txtOff := args[op.argIdx]
			mask := args[op.argIdx+1]
			var newMask addr
			var v addr
			if mask&bitLeft != 0 {
				r := operandRemap(args[op.argIdx+2])
				if r.isVar {
					newMask |= bitLeft
					v = r.idx
				} else {
					v = r.idx
				}
			} else {
				v = remapPar(args[op.argIdx+2])
			}
			newTxtOff := newRec.PutTxt(oldRec.GetTxt(txtOff))
			argIdx := newRec.NextArgIdx()
			newRec.PutArg(newTxtOff, newMask, v)
			newRec.PutOp(OpPri, argIdx)
		case OpDis:
			mask := args[op.argIdx]
			var newMask addr
			var v addr
			if mask&bitLeft != 0 {
				r := operandRemap(args[op.argIdx+1])
				if r.isVar {
					newMask |= bitLeft
					v = r.idx
				} else {
					v = r.idx
				}
			} else {
				v = remapPar(args[op.argIdx+1])
			}
			d := oldRec.GetDiscrete(args[op.argIdx+2])
			dIdx := newRec.putDiscrete(d.name, d.fn)
			argIdx := newRec.NextArgIdx()
			newRec.PutArg(newMask, v, dIdx)
			res := newRec.PutOp(OpDis, argIdx)
			remap[op.resIdx] = remapEntry{isVar: true, idx: res}
		case OpLdp, OpLdv:
			vecIdx := args[op.argIdx]
			argIdx := newRec.NextArgIdx()
			if op.code == OpLdv {
				ir := operandRemap(args[op.argIdx+1])
				newRec.PutArg(vecIdx, ir.idx)
			} else {
				newRec.PutArg(vecIdx, remapPar(args[op.argIdx+1]))
			}
			res := newRec.PutOp(op.code, argIdx)
			remap[op.resIdx] = remapEntry{isVar: true, idx: res}
		case OpStpp, OpStpv, OpStvp, OpStvv:
			vecIdx := args[op.argIdx]
			var idxArg, valArg addr
			switch op.code {
			case OpStpp, OpStpv:
				idxArg = remapPar(args[op.argIdx+1])
			default:
				idxArg = operandRemap(args[op.argIdx+1]).idx
			}
			switch op.code {
			case OpStpp, OpStvp:
				valArg = remapPar(args[op.argIdx+2])
			default:
				valArg = operandRemap(args[op.argIdx+2]).idx
			}
			argIdx := newRec.NextArgIdx()
			newRec.PutArg(vecIdx, idxArg, valArg)
			newRec.PutOp(op.code, argIdx)
		default:
			return nil, nil, nil, nil, fmt.Errorf("ad: optimize: unsupported op %v at %d", op.code, i)
		}
	}

	if collisionExceeded {
		f.collisionLimitExceeded = true
		glog.Warningf("ad: optimize: CSE collision_limit exceeded, falling back to no dedup for some ops")
	}
	_ = liveVar
	return newRec, remap, remapPar, dynParNew, nil
}

type cseEntry struct {
	code OpCode
	args []addr
	res  addr
}

func argsEqual(a, b []addr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// encodeOperand packs a remapEntry into a single addr for CSE keying:
// parameter indices and variable indices live in different tapes'
// worth of namespace, so the high bit distinguishes them.
func encodeOperand(r remapEntry) addr {
	if r.isVar {
		return r.idx
	}
	return r.idx | (1 << 31)
}

func cseKey1(code OpCode, a addr) uint64 {
	return uint64(code)<<40 | uint64(a)
}

func cseKey2(code OpCode, x, y remapEntry) uint64 {
	a, b := encodeOperand(x), encodeOperand(y)
	return uint64(code)<<48 ^ uint64(a)<<20 ^ uint64(b)
}

// familyVariantCode picks the pp/pv/vp/vv op-code for fam given which
// operand, after folding, turned out to still be a variable.
func familyVariantCode(fam binFamily, xVar, yVar bool) OpCode {
	var table [4]OpCode
	switch fam {
	case familyAdd:
		table = [4]OpCode{OpAddpp, OpAddpv, OpAddvp, OpAddvv}
	case familySub:
		table = [4]OpCode{OpSubpp, OpSubpv, OpSubvp, OpSubvv}
	case familyMul:
		table = [4]OpCode{OpMulpp, OpMulpv, OpMulvp, OpMulvv}
	case familyDiv:
		table = [4]OpCode{OpDivpp, OpDivpv, OpDivvp, OpDivvv}
	case familyPow:
		table = [4]OpCode{OpPowpp, OpPowpv, OpPowvp, OpPowvv}
	default:
		table = [4]OpCode{OpAzmulpp, OpAzmulpv, OpAzmulvp, OpAzmulvv}
	}
	idx := 0
	if xVar {
		idx |= 2
	}
	if yVar {
		idx |= 1
	}
	return table[idx]
}

// emitCSum emits a CSum op combining adds/subs (new-space variable
// addresses only; constant leaves are folded into a bias by the
// caller) if there are at least 2 terms, reusing a plain Add/Sub when
// there is only one term, or reporting no result (nil) for an empty
// chain (pure-bias CSum, handled by addBias alone).
func emitCSum[B Base](rec *Recorder[B], adds, subs []addr) *remapEntry {
	n := len(adds) + len(subs)
	switch {
	case n == 0:
		return nil
	case n == 1 && len(adds) == 1:
		e := remapEntry{isVar: true, idx: adds[0]}
		return &e
	default:
		argIdx := rec.NextArgIdx()
		rec.PutArg(addr(len(adds)), addr(len(subs)))
		rec.PutArg(adds...)
		rec.PutArg(subs...)
		res := rec.PutOp(OpCSum, argIdx)
		e := remapEntry{isVar: true, idx: res}
		return &e
	}
}

// addBias adds a constant bias to an (optional) variable result,
// emitting one Addvp/Subvp op, or folding to a bare constant if res is
// nil (an all-constant chain that collapsed to its bias alone).
func addBias[B Base](rec *Recorder[B], res *remapEntry, bias B, remapPar func(addr) addr) remapEntry {
	if res == nil {
		return remapEntry{isVar: false, idx: rec.PutPar(bias)}
	}
	argIdx := rec.NextArgIdx()
	rec.PutArg(res.idx, rec.PutPar(bias))
	out := rec.PutOp(OpAddvp, argIdx)
	return remapEntry{isVar: true, idx: out}
}

// computeSoleUser returns, for every variable address, the index of the
// one op that reads it as an operand (-1 if read by more than one op or
// by something outside the tape — a dependent or a VecAD slot, passed
// in externalVars), or -2 if it is never read at all. fuseCSum and
// insertCSkips both need this "is this result used exactly once, and by
// what" question; externalVars seeds the "used outside any op" case
// since a dependent/VecAD reference is a real use the tape itself never
// records as one.
func computeSoleUser[B Base](rec *Recorder[B], externalVars []addr) []int {
	nVar := int(rec.NumVar())
	soleUser := make([]int, nVar)
	for i := range soleUser {
		soleUser[i] = -2
	}
	ops := rec.ops
	args := rec.args
	mark := func(v addr, i int) {
		if soleUser[int(v)] == -2 {
			soleUser[int(v)] = i
		} else {
			soleUser[int(v)] = -1
		}
	}
	for i := 1; i < len(ops); i++ {
		for _, v := range allOperandVars(ops[i], args) {
			mark(v, i)
		}
	}
	for _, v := range externalVars {
		soleUser[int(v)] = -1
	}
	return soleUser
}

// resultOwner maps every variable address to the index of the op that
// produced it (-1 for addresses no op in rec produces, which cannot
// happen for any address actually read out of the tape).
func resultOwner[B Base](rec *Recorder[B]) []int {
	nVar := int(rec.NumVar())
	owner := make([]int, nVar)
	for i := range owner {
		owner[i] = -1
	}
	ops := rec.ops
	for i := 1; i < len(ops); i++ {
		op := ops[i]
		if resultCount(op.code) >= 1 {
			owner[int(op.resIdx)] = i
		}
		if isPairOp(op.code) {
			owner[int(op.resIdx)+1] = i
		}
	}
	return owner
}

// fuseCSum rewrites maximal Addvv/Subvv chains into a single OpCSum,
// CppAD's own "cumulative summation" fusion: a chain of N binary
// add/sub ops doing N-1 redundant intermediate-result bookkeeping
// collapses into one variable-arity op reading every leaf directly.
// Only chains whose intermediate results are used nowhere else (refcount
// one, and not a dependent or VecAD slot) are fused — externalVars
// carries those "used outside any op" cases computeSoleUser needs.
// Rewritten ops keep their original resIdx (mutated in place via
// OpCSum/OpNop), so nothing downstream needs renumbering — exactly what
// OpNop exists for (see opcode.go).
func fuseCSum[B Base](rec *Recorder[B], externalVars []addr) {
	ops := rec.ops
	args := rec.args
	nVar := int(rec.NumVar())

	type link struct {
		left, right addr
		isSub       bool
	}
	chain := make(map[addr]link)
	for i := 1; i < len(ops); i++ {
		op := ops[i]
		switch op.code {
		case OpAddvv:
			chain[op.resIdx] = link{args[op.argIdx], args[op.argIdx+1], false}
		case OpSubvv:
			chain[op.resIdx] = link{args[op.argIdx], args[op.argIdx+1], true}
		}
	}

	soleUser := computeSoleUser(rec, externalVars)
	isChainRoot := func(v addr) bool {
		if _, ok := chain[v]; !ok {
			return false
		}
		u := soleUser[int(v)]
		if u < 0 {
			return true
		}
		return ops[u].code != OpAddvv && ops[u].code != OpSubvv
	}

	absorbed := make([]bool, nVar)
	var flatten func(v addr, negate bool, adds, subs *[]addr)
	flatten = func(v addr, negate bool, adds, subs *[]addr) {
		if l, ok := chain[v]; ok && !isChainRoot(v) {
			absorbed[int(v)] = true
			if !negate {
				flatten(l.left, false, adds, subs)
				flatten(l.right, l.isSub, adds, subs)
			} else {
				flatten(l.left, true, adds, subs)
				flatten(l.right, !l.isSub, adds, subs)
			}
			return
		}
		if negate {
			*subs = append(*subs, v)
		} else {
			*adds = append(*adds, v)
		}
	}

	for i := 1; i < len(ops); i++ {
		op := ops[i]
		if op.code != OpAddvv && op.code != OpSubvv {
			continue
		}
		if !isChainRoot(op.resIdx) {
			continue // absorbed when its consumer (also a chain op) is processed
		}
		l := chain[op.resIdx]
		var adds, subs []addr
		flatten(l.left, false, &adds, &subs)
		flatten(l.right, l.isSub, &adds, &subs)
		if len(adds)+len(subs) < 3 {
			continue // a plain Add/Sub already does this as well as CSum can
		}
		newArgIdx := rec.NextArgIdx()
		rec.PutArg(addr(len(adds)), addr(len(subs)))
		rec.PutArg(adds...)
		rec.PutArg(subs...)
		ops[i] = opRecord{code: OpCSum, argIdx: newArgIdx, resIdx: op.resIdx}
	}

	for i := 1; i < len(ops); i++ {
		op := ops[i]
		if (op.code == OpAddvv || op.code == OpSubvv) && absorbed[int(op.resIdx)] {
			ops[i] = opRecord{code: OpNop, resIdx: op.resIdx}
		}
	}
}

// skippableOp reports whether an op is worth guarding with a CSkip: not
// bookkeeping (Begin/End/Inv/Par carry no cost, and Nop is already
// dead), not another CSkip.
func skippableOp(code OpCode) bool {
	switch code {
	case Begin, End, Inv, Par, OpNop, OpCSkip:
		return false
	default:
		return true
	}
}

// insertCSkips scans CExp ops whose comparison is decided entirely by
// parameters (mask clears both bitLeft and bitRight — today that means
// a compile-time constant comparison, and with dynamic parameters added
// later one fixed for the lifetime of a set of dynamic values) and, for
// a branch operand that is the sole use of some producing op, emits a
// CSkip before that op so future forward(0) sweeps can skip recomputing
// the branch not taken. Scoped to one skip-target per CExp (the first
// of ifTrue/ifFalse that qualifies) rather than chasing every
// transitively branch-exclusive op in the subtree: CppAD's own pass
// does the fuller transitive version, but a single level already
// captures the common case (spec.md §8's conditional-heavy examples
// compute one expensive value per branch, not a whole exclusive
// subgraph), and keeps the rebuild below a straightforward one-pass
// insertion instead of a fixpoint.
func insertCSkips[B Base](rec *Recorder[B], externalVars []addr) {
	owner := resultOwner(rec)
	soleUser := computeSoleUser(rec, externalVars)
	ops := rec.ops
	args := rec.args

	type plan struct {
		cmp         Comparator
		left, right addr
		isTrue      bool
	}
	insertBefore := map[int]plan{}

	for i := 1; i < len(ops); i++ {
		op := ops[i]
		if op.code != OpCExp {
			continue
		}
		mask := args[op.argIdx+1]
		if mask&(bitLeft|bitRight) != 0 {
			continue
		}
		cmp := Comparator(args[op.argIdx])
		left := args[op.argIdx+2]
		right := args[op.argIdx+3]

		try := func(bit, off addr) (int, bool) {
			if mask&bit == 0 {
				return 0, false
			}
			v := args[op.argIdx+off]
			if soleUser[int(v)] != i {
				return 0, false
			}
			oi := owner[int(v)]
			if oi < 0 || !skippableOp(ops[oi].code) {
				return 0, false
			}
			return oi, true
		}

		if oi, ok := try(bitTrue, 4); ok {
			insertBefore[oi] = plan{cmp: cmp, left: left, right: right, isTrue: true}
			continue
		}
		if oi, ok := try(bitFalse, 5); ok {
			insertBefore[oi] = plan{cmp: cmp, left: left, right: right, isTrue: false}
		}
	}

	if len(insertBefore) == 0 {
		return
	}

	newOps := make([]opRecord, 0, len(ops)+len(insertBefore))
	newOps = append(newOps, ops[0])
	for i := 1; i < len(ops); i++ {
		if p, ok := insertBefore[i]; ok {
			targetIdx := addr(len(newOps) + 1)
			var nTrue, nFalse addr
			if p.isTrue {
				nFalse = 1 // ifTrue's producer is skipped when the comparison is false
			} else {
				nTrue = 1
			}
			argIdx := rec.NextArgIdx()
			rec.PutArg(addr(p.cmp), p.left, p.right, nTrue, nFalse)
			rec.PutArg(targetIdx)
			newOps = append(newOps, opRecord{code: OpCSkip, argIdx: argIdx, resIdx: rec.nVar})
		}
		newOps = append(newOps, ops[i])
	}
	rec.ops = newOps
}
