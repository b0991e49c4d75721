package ad

import (
	"fmt"
	"math"
)

// Forward/reverse rules for the standard-math unary intrinsics. spec.md
// §1 treats this family as an external collaborator ("whose
// forward/reverse rules are pure formulas"); the teacher has no
// equivalent (its elementals are registered by the caller, see
// ad/elementals.go), so this module ships the fixed rule table itself,
// organized the way the teacher organizes elemental gradients — one
// small function per rule, looked up by op-code instead of by function
// pointer, since the op-code is already known at sweep time.

// unaryZero computes the order-0 value (and, for pair ops, the
// companion's order-0 value) of a unary op from its argument's order-0
// value.
func unaryZero[B Base](code OpCode, x B) (value, companion B) {
	xf := toF(x)
	switch code {
	case OpAbs:
		return toB[B](math.Abs(xf)), 0
	case OpSign:
		switch {
		case x > 0:
			return 1, 0
		case x < 0:
			return -1, 0
		default:
			return 0, 0
		}
	case OpNeg:
		return -x, 0
	case OpSqrt:
		return toB[B](math.Sqrt(xf)), 0
	case OpExp:
		return toB[B](math.Exp(xf)), 0
	case OpExpm1:
		return toB[B](math.Expm1(xf)), 0
	case OpLog:
		return toB[B](math.Log(xf)), 0
	case OpLog1p:
		return toB[B](math.Log1p(xf)), 0
	case OpSin:
		return toB[B](math.Sin(xf)), toB[B](math.Cos(xf))
	case OpCos:
		return toB[B](math.Cos(xf)), toB[B](math.Sin(xf))
	case OpTan:
		z := toB[B](math.Tan(xf))
		return z, 1 + z*z
	case OpAsin:
		return toB[B](math.Asin(xf)), toB[B](math.Sqrt(1 - xf*xf))
	case OpAcos:
		return toB[B](math.Acos(xf)), toB[B](math.Sqrt(1 - xf*xf))
	case OpAtan:
		return toB[B](math.Atan(xf)), 1 + x*x
	case OpSinh:
		return toB[B](math.Sinh(xf)), toB[B](math.Cosh(xf))
	case OpCosh:
		return toB[B](math.Cosh(xf)), toB[B](math.Sinh(xf))
	case OpTanh:
		z := toB[B](math.Tanh(xf))
		return z, 1 - z*z
	case OpErf:
		return toB[B](math.Erf(xf)), toB[B](2 / math.Sqrt(math.Pi) * math.Exp(-xf*xf))
	case OpAsinh:
		return toB[B](math.Asinh(xf)), 0
	case OpAcosh:
		return toB[B](math.Acosh(xf)), 0
	case OpAtanh:
		return toB[B](math.Atanh(xf)), 0
	default:
		panic(fmt.Sprintf("ad: unaryZero: bad op %v", code))
	}
}

// unaryDeriv1 returns dz/dx evaluated at the recorded order-0 values,
// i.e. the usual scalar derivative. comp is the pair op's order-0
// companion value (unaryZero's second result); it is 0 and unused for
// non-pair ops.
func unaryDeriv1[B Base](code OpCode, x, z, comp B) B {
	switch code {
	case OpAbs:
		return toB[B](sign1(toF(x)))
	case OpSign:
		return 0
	case OpNeg:
		return -1
	case OpSqrt:
		return toB[B](0.5) / z
	case OpExp:
		return z
	case OpExpm1:
		return z + 1
	case OpLog:
		return 1 / x
	case OpLog1p:
		return 1 / (1 + x)
	case OpSin:
		return comp
	case OpCos:
		return -comp
	case OpTan:
		return comp
	case OpAsin:
		return 1 / comp
	case OpAcos:
		return -1 / comp
	case OpAtan:
		return 1 / comp
	case OpSinh:
		return comp
	case OpCosh:
		return comp
	case OpTanh:
		return comp
	case OpErf:
		return comp
	case OpAsinh:
		return 1 / toB[B](math.Sqrt(toF(x)*toF(x)+1))
	case OpAcosh:
		return 1 / toB[B](math.Sqrt(toF(x)*toF(x)-1))
	case OpAtanh:
		return 1 / (1 - x*x)
	default:
		panic(fmt.Sprintf("ad: unaryDeriv1: bad op %v", code))
	}
}

func sign1(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

// binaryZero computes the order-0 value of a binary arithmetic op from
// its two operands' order-0 values.
func binaryZero[B Base](code OpCode, x, y B) B {
	switch binaryFamily(code) {
	case familyAdd:
		return x + y
	case familySub:
		return x - y
	case familyMul:
		return x * y
	case familyDiv:
		return x / y
	case familyPow:
		return toB[B](math.Pow(toF(x), toF(y)))
	default: // familyAzmul
		return azmulValue(x, y)
	}
}

type binFamily int

const (
	familyAdd binFamily = iota
	familySub
	familyMul
	familyDiv
	familyPow
	familyAzmul
)

func binaryFamily(code OpCode) binFamily {
	switch code {
	case OpAddpp, OpAddpv, OpAddvp, OpAddvv:
		return familyAdd
	case OpSubpp, OpSubpv, OpSubvp, OpSubvv:
		return familySub
	case OpMulpp, OpMulpv, OpMulvp, OpMulvv:
		return familyMul
	case OpDivpp, OpDivpv, OpDivvp, OpDivvv:
		return familyDiv
	case OpPowpp, OpPowpv, OpPowvp, OpPowvv:
		return familyPow
	default:
		return familyAzmul
	}
}
