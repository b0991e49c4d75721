package ad

// Print records a Pri op (spec.md §3/§6): "if printing enabled, emit
// text followed by the value". Printing itself happens later, during a
// Forward call that was given a non-nil stream; Print only places the
// text and operand on the tape. Outside an active recording it is a
// no-op — there is nothing to replay.
func Print[B Base](text string, x AD[B]) {
	r := recorderFor(x)
	if r == nil {
		return
	}
	vx := classify(r, x)
	txtOff := r.PutTxt(text)
	var mask, val addr
	if vx {
		mask |= bitLeft
		val = x.varIndex
	} else {
		val = r.PutPar(x.value)
	}
	argIdx := r.NextArgIdx()
	r.PutArg(txtOff, mask, val)
	r.PutOp(OpPri, argIdx)
}

// Discrete records a Dis op: a named step function of x whose
// derivative is defined as zero at every order (spec.md §3's
// "discrete function"). fn is evaluated immediately to produce x's
// value and again on every later replay, the way CppAD's discrete
// functions are re-evaluated from the same registered callback rather
// than interpolated from the recording-time value.
func Discrete[B Base](name string, fn func(B) B, x AD[B]) AD[B] {
	v := fn(x.value)
	r := recorderFor(x)
	if r == nil {
		return NewParameter[B](v)
	}
	vx := classify(r, x)
	fnIdx := r.putDiscrete(name, fn)
	var mask, operand addr
	if vx {
		mask |= bitLeft
		operand = x.varIndex
	} else {
		operand = r.PutPar(x.value)
	}
	argIdx := r.NextArgIdx()
	r.PutArg(mask, operand, fnIdx)
	res := r.PutOp(OpDis, argIdx)
	return AD[B]{value: v, tapeID: r.id, varIndex: res}
}
