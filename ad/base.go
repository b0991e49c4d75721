package ad

import (
	"math"

	"golang.org/x/exp/constraints"
)

// addr is the argument-stream integer: wide enough to index variables,
// parameters, text characters and VecAD elements. Spec calls this
// "a platform-sized unsigned integer"; uint32 caps a tape at four
// billion entries per pool, which is ample and keeps the argument
// stream compact.
type addr = uint32

// Base is the scalar trait the tape engine is generic over (spec.md §9,
// "template-per-Base-type"). Only float32 and float64 carry the standard-
// math intrinsics the op-code table names, so the constraint is
// constraints.Float rather than a hand-rolled BaseTrait interface;
// requiring an interface here would force every AD[B] user to implement
// the intrinsics rather than borrowing math.Sin et al. through the
// stdmath.go wrapper.
type Base interface {
	constraints.Float
}

// isNaN reports whether v is NaN, for any Base instantiation.
func isNaN[B Base](v B) bool {
	return math.IsNaN(float64(v))
}

// isIdenticalZero and isIdenticalOne are the classifiers the optimizer's
// constant-folding and CSum-fusion passes use to recognize additive and
// multiplicative identities without touching floating-point comparison
// semantics elsewhere in the sweep.
func isIdenticalZero[B Base](v B) bool {
	return v == 0
}

func isIdenticalOne[B Base](v B) bool {
	return v == 1
}

func toB[B Base](f float64) B {
	return B(f)
}

func toF[B Base](v B) float64 {
	return float64(v)
}
