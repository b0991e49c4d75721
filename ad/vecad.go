package ad

// VecAD is the indexed vector of spec.md §4.2: a fixed-length vector of
// B whose element access by an active-scalar index is itself recorded
// as a load or store op, while access by a plain Go int is an ordinary,
// unrecorded read/write used to seed initial values before recording
// starts. There is no analogue in the teacher library (its tape has no
// container type); the record layout follows spec.md §3/§4.2 directly,
// and the "proxy, not a cross-reference" shape follows the re-
// architecture spec.md §9 calls for: VecAD owns its data, and an
// indexed access is a (vector, index-at-access-time) value, not a
// pointer back into the vector.
type VecAD[B Base] struct {
	data      []B
	bound     bool
	recTapeID uint64
	vecOffset addr
}

// NewVecAD allocates a length-n VecAD with all elements zero.
func NewVecAD[B Base](n int) *VecAD[B] {
	return &VecAD[B]{data: make([]B, n)}
}

// NewVecADFrom allocates a VecAD with the given initial elements.
func NewVecADFrom[B Base](vals []B) *VecAD[B] {
	data := make([]B, len(vals))
	copy(data, vals)
	return &VecAD[B]{data: data}
}

func (v *VecAD[B]) Len() int { return len(v.data) }

// Get reads element i directly. Only valid before the vector has been
// bound to a recording (spec.md §4.2: "allowed only when no recording
// is active").
func (v *VecAD[B]) Get(i int) B {
	if v.bound {
		panic("ad: VecAD.Get used on a vector already bound to a recording; use At")
	}
	v.checkBounds(i)
	return v.data[i]
}

// Set writes element i directly, with the same restriction as Get.
func (v *VecAD[B]) Set(i int, val B) {
	if v.bound {
		panic("ad: VecAD.Set used on a vector already bound to a recording; use SetIndexed")
	}
	v.checkBounds(i)
	v.data[i] = val
}

func (v *VecAD[B]) checkBounds(i int) {
	if i < 0 || i >= len(v.data) {
		panic(fault(IndexedVectorBounds, -1, "VecAD index %d out of range [0,%d)", i, len(v.data)))
	}
}

// seal snapshots the vector's current element values into recorder r's
// indexed-vector pool, the first time this vector is touched by an
// AD-indexed access in this recording (spec.md §4.2).
func (v *VecAD[B]) seal(r *Recorder[B]) {
	elems := make([]vecElemEntry, len(v.data))
	for i, val := range v.data {
		elems[i] = vecElemEntry{isVar: false, idx: r.PutPar(val)}
	}
	v.vecOffset = r.PutVecInd(elems)
	v.bound = true
	v.recTapeID = r.id
}

func (v *VecAD[B]) ensureSealed(r *Recorder[B]) {
	if !v.bound || v.recTapeID != r.id {
		v.seal(r)
	}
}

// At loads v[ax]. If ax indexes out of range for ax's current value the
// call panics immediately (the index is known at record time); a
// different index computed during a later replay is instead reported
// through Function.Forward's error return (spec.md §7: sweeps never
// panic on data-dependent faults).
//
// The derivative of v[ax] with respect to ax is defined as zero: the
// index is a discrete lookup, not a differentiable quantity (spec.md
// §8 property 7).
func (v *VecAD[B]) At(ax AD[B]) AD[B] {
	k := ax.Integer()
	if k < 0 || int(k) >= len(v.data) {
		panic(fault(IndexedVectorBounds, -1, "VecAD index %d out of range [0,%d)", k, len(v.data)))
	}
	val := v.data[k]

	r := recorderFor(ax)
	if r == nil {
		return NewParameter[B](val)
	}
	v.ensureSealed(r)

	vx := classify(r, ax)
	var code OpCode
	var idxArg addr
	if vx {
		code, idxArg = OpLdv, ax.varIndex
	} else {
		code, idxArg = OpLdp, r.PutPar(ax.value)
	}
	argIdx := r.NextArgIdx()
	r.PutArg(v.vecOffset, idxArg)
	res := r.PutOp(code, argIdx)
	return AD[B]{value: val, tapeID: r.id, varIndex: res}
}

// SetIndexed stores rhs into v[ax], recording one of four store ops
// according to whether ax and rhs are variables or parameters.
func (v *VecAD[B]) SetIndexed(ax, rhs AD[B]) {
	k := ax.Integer()
	if k < 0 || int(k) >= len(v.data) {
		panic(fault(IndexedVectorBounds, -1, "VecAD index %d out of range [0,%d)", k, len(v.data)))
	}
	r := recorderFor(ax, rhs)
	if r == nil {
		v.data[k] = rhs.value
		return
	}
	v.ensureSealed(r)
	v.data[k] = rhs.value

	vx := classify(r, ax)
	vy := classify(r, rhs)
	var code OpCode
	var idxArg, valArg addr
	switch {
	case !vx && !vy:
		code, idxArg, valArg = OpStpp, r.PutPar(ax.value), r.PutPar(rhs.value)
	case !vx && vy:
		code, idxArg, valArg = OpStpv, r.PutPar(ax.value), rhs.varIndex
	case vx && !vy:
		code, idxArg, valArg = OpStvp, ax.varIndex, r.PutPar(rhs.value)
	default:
		code, idxArg, valArg = OpStvv, ax.varIndex, rhs.varIndex
	}
	argIdx := r.NextArgIdx()
	r.PutArg(v.vecOffset, idxArg, valArg)
	r.PutOp(code, argIdx)
}
