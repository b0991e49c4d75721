package ad

import (
	"fmt"
	"sync"
)

// Function owns a sealed recording and supports repeated evaluation
// (spec.md §4.4). Unlike the recorder it wraps, a Function's tape
// buffers (op stream, argument stream, pools) are never appended to
// after New seals them: optimize() replaces them wholesale and
// SetDynamic overwrites dynamic-parameter pool entries, both under the
// lock below.
//
// spec.md §5 describes the OrderTable as owned per evaluation call so
// that a shared, immutable Function can be evaluated concurrently from
// many goroutines. This implementation instead keeps one OrderTable per
// Function and serializes access to it with mu, the way the teacher
// keeps its adjoint/value buffers on the single shared tape and relies
// on MTSafeOn's per-goroutine tapes for concurrency rather than per-call
// tables (ad/gls.go). A higher-order forward(p) call must see the
// columns written by forward(p-1), which only works if they live
// somewhere that outlives the call — per-call tables would need the
// caller to thread the previous table back in, and spec.md's Function
// API (§6) has no parameter for that. The mutex gives the same
// never-torn guarantee the idealized design wants; it costs concurrent
// evaluations of the *same* Function serialized execution instead of
// true parallelism, which is the documented trade-off (see DESIGN.md).
type Function[B Base] struct {
	mu sync.Mutex

	rec *Recorder[B]

	indVar   []addr // variable index of each independent
	depIsVar []bool
	depIdx   []addr // variable index (if depIsVar) or parameter index
	depVal0  []B    // recording-time values, for reference

	order    []B // flat [nVar * capOrder], row-major by variable
	capOrder int
	nDir     int // not set or read: ForwardDir does not record its direction count here

	vecElems  []vecElemEntry // mutable working copy of the VecAD pool
	skipOp    []bool         // set by the most recent forward(0), consulted by reverse and higher orders
	cexpTaken []bool         // branch taken by the most recent forward(0)'s CExp ops
	discretes []discreteFn[B]

	compareChangeCount int
	checkForNaN        bool

	optimized              bool
	collisionLimitExceeded bool

	sparsityCache      map[string]*BitPattern
	sparsityJacAllVars *BitPattern // per-variable Jacobian pattern from the last ForSparseJac, reused by RevSparseHes
	sparsityJacQ       int         // the q that sparsityJacAllVars was built with

	subgraphActive []bool // ops reachable from the last SubgraphReverse's selectDomain
	subgraphDomain []bool // the selectDomain that produced subgraphActive

	dynVar    []addr // variable address of each dynamic parameter's Par op, in NewDynamic order
	dynParIdx []addr // its parameter-pool slot, for SetDynamic
}

// New consumes the recorder active on the current goroutine, recording
// which variables are independents (already known: the InvOp results,
// in declaration order) and which are dependents. dep entries that are
// parameters of the current recording (constant outputs) are allowed;
// dep entries from a different tape are not (spec.md §4.4).
func New[B Base](ind []AD[B], dep []AD[B]) (*Function[B], error) {
	r, tapeID := currentRecorder[B]()
	if r == nil {
		return nil, fmt.Errorf("ad: New called with no active recording")
	}
	for i, x := range ind {
		if x.tapeID != tapeID || int(x.varIndex) != i+2 {
			return nil, fault(IndependentNotVariable, -1,
				"independent %d is not the %d-th Inv result of the current recording", i, i)
		}
	}

	r.putOpNoArgs(End)

	f := &Function[B]{rec: r, checkForNaN: true}
	f.indVar = make([]addr, len(ind))
	for i := range ind {
		f.indVar[i] = addr(i + 2)
	}
	f.depIsVar = make([]bool, len(dep))
	f.depIdx = make([]addr, len(dep))
	f.depVal0 = make([]B, len(dep))
	for i, d := range dep {
		f.depVal0[i] = d.value
		switch {
		case d.tapeID == tapeID:
			f.depIsVar[i] = true
			f.depIdx[i] = d.varIndex
		case d.tapeID == 0:
			f.depIsVar[i] = false
			f.depIdx[i] = r.PutPar(d.value)
		default:
			return nil, fault(DependentNotVariable, -1, "dependent %d is from a different recording", i)
		}
	}

	f.vecElems = append([]vecElemEntry(nil), r.vecElems...)
	f.discretes = append([]discreteFn[B](nil), r.discretes...)

	for i := 1; i < len(r.ops); i++ {
		op := r.ops[i]
		if op.code == Par {
			f.dynVar = append(f.dynVar, op.resIdx)
			f.dynParIdx = append(f.dynParIdx, r.args[op.argIdx])
		}
	}

	clearCurrentRecorder()
	return f, nil
}

func (f *Function[B]) NumInd() int { return len(f.indVar) }
func (f *Function[B]) NumDep() int { return len(f.depIsVar) }

// NumDynamicInd returns the number of dynamic parameters started via
// ad.NewDynamic before this function's recording was stopped.
func (f *Function[B]) NumDynamicInd() int { return len(f.dynVar) }

// SetDynamic overwrites the backing pool values of the dynamic
// parameters started via ad.NewDynamic, in that order, without
// re-recording any op that reads them (dynamic.go). The next
// Forward(0) call picks up the new values.
func (f *Function[B]) SetDynamic(vals []B) error {
	if len(vals) != len(f.dynParIdx) {
		return fmt.Errorf("ad: SetDynamic: expected %d dynamic parameters, got %d", len(f.dynParIdx), len(vals))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, v := range vals {
		f.rec.SetPar(f.dynParIdx[i], v)
	}
	return nil
}

// Introspection (spec.md §4.4)
func (f *Function[B]) SizeVar() int    { return int(f.rec.NumVar()) }
func (f *Function[B]) SizeOp() int     { return f.rec.NumOps() }
func (f *Function[B]) SizePar() int    { return len(f.rec.pars) }
func (f *Function[B]) SizeText() int   { return len(f.rec.text) }
func (f *Function[B]) SizeOrder() int  { return f.capOrder }
func (f *Function[B]) SizeVecAD() int  { return len(f.rec.vecInd) }
func (f *Function[B]) CompareChangeCount() int { return f.compareChangeCount }
func (f *Function[B]) ExceedCollisionLimit() bool { return f.collisionLimitExceeded }

// CheckForNaN toggles the NaNDetected check forward(0) performs on the
// dependents (on by default, spec.md §7).
func (f *Function[B]) CheckForNaN(on bool) { f.checkForNaN = on }

func (f *Function[B]) row(v addr) []B {
	return f.order[int(v)*f.capOrder : int(v)*f.capOrder+f.capOrder]
}

func (f *Function[B]) ensureCapOrder(p int) {
	need := p + 1
	if need <= f.capOrder {
		return
	}
	nVar := int(f.rec.NumVar())
	newOrder := make([]B, nVar*need)
	if f.capOrder > 0 {
		for v := 0; v < nVar; v++ {
			copy(newOrder[v*need:v*need+f.capOrder], f.order[v*f.capOrder:v*f.capOrder+f.capOrder])
		}
	}
	f.order = newOrder
	f.capOrder = need
}
