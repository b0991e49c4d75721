package ad

// Recorder is the append-only tape recorder of spec.md §4.3. It owns the
// parallel growing buffers — op stream, argument stream, parameter
// pool, text pool, indexed-vector pool — and assigns a unique
// result-variable index to each recorded operator. Grounded on the
// teacher's oneGlobalTape (ad/tape.go): the same "parallel slices plus a
// counters stack" shape, generalized from the teacher's fixed
// (value, adjoint) pair per place to the op-code/argument-stream model
// the spec requires so that forward sweeps of arbitrary order and
// sparsity sweeps can all replay the same recording.
type Recorder[B Base] struct {
	id uint64

	ops  []opRecord
	args []addr
	pars []B
	text []byte

	vecInd   []vecIndEntry
	vecElems []vecElemEntry

	discretes []discreteFn[B]

	nVar addr // next free variable index; starts at 1 (0 is the phantom)
	nInd int  // number of independents registered by Start

	noCompareOp bool // read by recordCompare: when true, comparisons record no op; nothing in this package sets it

	aborted bool
}

// opRecord is one entry in the op stream: the op-code, the offset of
// its first argument in the argument stream, and the index of its
// first result variable.
type opRecord struct {
	code   OpCode
	argIdx addr
	resIdx addr
}

// vecIndEntry describes one VecAD vector: its length and the offset of
// its first element in the shared vecElems table.
type vecIndEntry struct {
	length int
	offset addr
}

// vecElemEntry is one element of the shared VecAD element table: either
// a parameter (isVar false, idx is a parameter index) or a variable
// (isVar true, idx is a variable index).
type vecElemEntry struct {
	isVar bool
	idx   addr
}

// newRecorder allocates an empty recorder with the Begin op already
// appended (spec.md §3 invariant: "the first op is always Begin").
func newRecorder[B Base]() *Recorder[B] {
	r := &Recorder[B]{id: nextTapeID()}
	r.ops = make([]opRecord, 0, 64)
	r.args = make([]addr, 0, 256)
	r.pars = make([]B, 0, 64)
	r.text = make([]byte, 0, 64)
	r.nVar = 1 // variable 0 is the reserved phantom, never a result
	r.putOpNoArgs(Begin)
	return r
}

// ID returns the recorder's tape-id, used by AD[B] to detect staleness.
func (r *Recorder[B]) ID() uint64 { return r.id }

// putOpNoArgs appends an op-code with no arguments and returns the index of
// its first result variable. Used for Begin/End/Inv.
func (r *Recorder[B]) putOpNoArgs(code OpCode) addr {
	res := r.nVar
	r.ops = append(r.ops, opRecord{code: code, argIdx: addr(len(r.args)), resIdx: res})
	r.nVar += addr(resultCount(code))
	return res
}

// PutOp appends an op whose arguments have already been pushed with
// PutArg, and returns the index of its first result variable.
func (r *Recorder[B]) PutOp(code OpCode, argIdx addr) addr {
	res := r.nVar
	r.ops = append(r.ops, opRecord{code: code, argIdx: argIdx, resIdx: res})
	r.nVar += addr(resultCount(code))
	return res
}

// NextArgIdx returns the argument-stream offset the next PutArg call
// will write to; callers record it before pushing an op's arguments so
// they can pass it to PutOp.
func (r *Recorder[B]) NextArgIdx() addr { return addr(len(r.args)) }

// PutArg appends one or more argument-stream slots, in order.
func (r *Recorder[B]) PutArg(values ...addr) {
	r.args = append(r.args, values...)
}

// PutPar adds a constant to the parameter pool, reusing one of the last
// three entries on bitwise equality (spec.md §3: "a dedup window, not a
// hash table").
func (r *Recorder[B]) PutPar(v B) addr {
	n := len(r.pars)
	for i := n - 1; i >= 0 && i >= n-3; i-- {
		if r.pars[i] == v {
			return addr(i)
		}
	}
	r.pars = append(r.pars, v)
	return addr(len(r.pars) - 1)
}

// PutDynamicPar adds a dynamic parameter (dynamic.go) to the pool
// without the dedup window PutPar applies: a dynamic parameter must
// keep its own stable pool slot so Function.SetDynamic can find and
// overwrite it later, even if some other constant happens to share its
// current value.
func (r *Recorder[B]) PutDynamicPar(v B) addr {
	r.pars = append(r.pars, v)
	return addr(len(r.pars) - 1)
}

// SetPar overwrites a pool entry in place; used by Function.SetDynamic
// to change a dynamic parameter's value between forward(0) calls
// without touching any op that reads it.
func (r *Recorder[B]) SetPar(i addr, v B) {
	r.pars[i] = v
}

// PutTxt appends a null-terminated string to the text pool and returns
// its offset.
func (r *Recorder[B]) PutTxt(s string) addr {
	off := addr(len(r.text))
	r.text = append(r.text, s...)
	r.text = append(r.text, 0)
	return off
}

// PutVecInd seals a VecAD snapshot into the indexed-vector pool and
// returns the vector's offset (its index into the pool, not into
// vecElems).
func (r *Recorder[B]) PutVecInd(elems []vecElemEntry) addr {
	off := addr(len(r.vecElems))
	r.vecElems = append(r.vecElems, elems...)
	idx := addr(len(r.vecInd))
	r.vecInd = append(r.vecInd, vecIndEntry{length: len(elems), offset: off})
	return idx
}

func (r *Recorder[B]) GetOp(i int) opRecord         { return r.ops[i] }
func (r *Recorder[B]) NumOps() int                  { return len(r.ops) }
func (r *Recorder[B]) GetArg(i addr) addr           { return r.args[i] }
func (r *Recorder[B]) GetPar(i addr) B              { return r.pars[i] }
func (r *Recorder[B]) GetTxt(i addr) string {
	j := i
	for j < addr(len(r.text)) && r.text[j] != 0 {
		j++
	}
	return string(r.text[i:j])
}
func (r *Recorder[B]) GetVecInd(i addr) vecIndEntry { return r.vecInd[i] }
func (r *Recorder[B]) GetVecElem(off addr) vecElemEntry {
	return r.vecElems[off]
}
func (r *Recorder[B]) SetVecElem(off addr, e vecElemEntry) {
	r.vecElems[off] = e
}

// ReplaceArg patches a single argument-stream slot; used by the
// optimizer to back-patch a CSkip's target once the new tape has been
// fully renumbered.
func (r *Recorder[B]) ReplaceArg(i addr, value addr) {
	r.args[i] = value
}

func (r *Recorder[B]) NumVar() addr { return r.nVar }

// discreteFn is one entry of the discrete-function table: a name (used
// by the graph format and diagnostics) and the Go closure that computes
// it. Discrete functions are a step function of their argument, not an
// elementary op with a derivative rule, so they carry no companion
// value the way the pair ops do (spec.md §3, Dis).
type discreteFn[B Base] struct {
	name string
	fn   func(B) B
}

// putDiscrete registers fn under name, reusing an existing entry if the
// same name was already registered on this tape.
func (r *Recorder[B]) putDiscrete(name string, fn func(B) B) addr {
	for i, d := range r.discretes {
		if d.name == name {
			return addr(i)
		}
	}
	r.discretes = append(r.discretes, discreteFn[B]{name: name, fn: fn})
	return addr(len(r.discretes) - 1)
}

func (r *Recorder[B]) GetDiscrete(i addr) discreteFn[B] { return r.discretes[i] }
