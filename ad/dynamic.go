package ad

// NewDynamic starts a set of dynamic parameters on the active recording
// (spec.md §6's persistable CppAdGraph names n_dynamic_ind; SPEC_FULL.md
// §10 supplements the recording-time half the distillation left
// implicit). Each value gets its own Par op (opcode.go): a parameter
// pool entry wrapped in a result variable, so later code can address it
// by variable index the same way an Inv result is addressed, even
// though every sweep treats Par as a zero-derivative bookkeeping op (see
// the "no contribution" case groups in sweep_forward.go/sweep_reverse.go/
// sparsity.go). Function.SetDynamic can later overwrite the pool entry
// in place — Par re-reads the pool on every forward(0) — without
// re-recording any op that uses it.
//
// A dynamic parameter's Par op gives it a real tapeID/varIndex, so
// classify sees it as a variable of the recording no matter what it is
// later combined with — even two dynamic parameters added together
// record a real Addvv op, not a record-time fold. Every sweep still
// treats the Par op itself as contributing zero derivative (see the "no
// contribution" case groups this module's sweeps share with Inv/Begin/
// End), so a dynamic parameter carries a live, re-readable value without
// ever perturbing a Jacobian or Hessian. Call NewDynamic like Start,
// before building the expressions that use its results.
func NewDynamic[B Base](vals []B) []AD[B] {
	r, _ := currentRecorder[B]()
	if r == nil {
		panicFault(StaleVariable, "ad.NewDynamic called with no active recording")
	}
	out := make([]AD[B], len(vals))
	for i, v := range vals {
		parIdx := r.PutDynamicPar(v)
		argIdx := r.NextArgIdx()
		r.PutArg(parIdx)
		res := r.PutOp(Par, argIdx)
		out[i] = AD[B]{value: v, tapeID: r.id, varIndex: res}
	}
	return out
}
