package ad

import "fmt"

// Comparator is the comparison code shared by the six comparison
// operators and CExp's embedded comparator (spec.md §3).
type Comparator uint8

const (
	CmpLt Comparator = iota
	CmpLe
	CmpEq
	CmpNe
	CmpGe
	CmpGt
)

func (c Comparator) String() string {
	switch c {
	case CmpLt:
		return "<"
	case CmpLe:
		return "<="
	case CmpEq:
		return "=="
	case CmpNe:
		return "!="
	case CmpGe:
		return ">="
	case CmpGt:
		return ">"
	default:
		return "?"
	}
}

func compareValues[B Base](cmp Comparator, a, b B) bool {
	switch cmp {
	case CmpLt:
		return a < b
	case CmpLe:
		return a <= b
	case CmpEq:
		return a == b
	case CmpNe:
		return a != b
	case CmpGe:
		return a >= b
	case CmpGt:
		return a > b
	default:
		panic(fmt.Sprintf("bad comparator %v", cmp))
	}
}

// cexp-operand bit positions in the CExp mask, and in the 3-slot
// comparison-op mask (which uses bitLeft/bitRight plus bitRecordedTrue
// to remember the recording-time truth value for compare-change
// detection, spec.md §7).
const (
	bitLeft = 1 << iota
	bitRight
	bitTrue
	bitFalse
	bitRecordedTrue
)

// ConditionExpression records a conditional expression: the chosen
// branch's value is computed immediately (so the result looks like any
// other AD[B] at recording time), but all four operands remain on the
// tape so that replay at a different input can take the other branch.
// Grounded on spec.md §4.1's condition_expression contract; there is no
// equivalent in the teacher library, whose tape has no control-flow
// construct, so the record layout follows spec.md §3's CExp description
// directly: a 6-slot argument group (cmp, mask, left, right, ifTrue,
// ifFalse).
func ConditionExpression[B Base](cmp Comparator, left, right, ifTrue, ifFalse AD[B]) AD[B] {
	r := recorderFor[B](left, right, ifTrue, ifFalse)
	vl := classify(r, left)
	vr := classify(r, right)
	vt := classify(r, ifTrue)
	vf := classify(r, ifFalse)

	taken := compareValues(cmp, left.value, right.value)
	var value B
	if taken {
		value = ifTrue.value
	} else {
		value = ifFalse.value
	}

	if r == nil || (!vl && !vr && !vt && !vf) {
		return AD[B]{value: value}
	}

	var mask addr
	idx := [4]addr{}
	vals := [4]AD[B]{left, right, ifTrue, ifFalse}
	vs := [4]bool{vl, vr, vt, vf}
	for i, v := range vals {
		if vs[i] {
			mask |= addr(1 << i)
			idx[i] = v.varIndex
		} else {
			idx[i] = r.PutPar(v.value)
		}
	}

	argIdx := r.NextArgIdx()
	r.PutArg(addr(cmp), mask, idx[0], idx[1], idx[2], idx[3])
	res := r.PutOp(OpCExp, argIdx)
	return AD[B]{value: value, tapeID: r.id, varIndex: res}
}
