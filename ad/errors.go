package ad

import "fmt"

// Kind distinguishes the error conditions of spec.md §7. CompareChanged
// is listed there too, but it is a counter, not an error, so it has no
// Kind and is surfaced as Function.CompareChangeCount instead.
type Kind int

const (
	_ Kind = iota
	StaleVariable
	IndexedVectorBounds
	DependentNotVariable
	IndependentNotVariable
	OrderTooHigh
	NaNDetected
	CollisionLimitExceeded
	MemoryExhausted
)

func (k Kind) String() string {
	switch k {
	case StaleVariable:
		return "StaleVariable"
	case IndexedVectorBounds:
		return "IndexedVectorBounds"
	case DependentNotVariable:
		return "DependentNotVariable"
	case IndependentNotVariable:
		return "IndependentNotVariable"
	case OrderTooHigh:
		return "OrderTooHigh"
	case NaNDetected:
		return "NaNDetected"
	case CollisionLimitExceeded:
		return "CollisionLimitExceeded"
	case MemoryExhausted:
		return "MemoryExhausted"
	default:
		return "Unknown"
	}
}

// Fault is the single error type the package returns or panics with.
// Programmer errors that indicate a broken recording (StaleVariable and
// friends, detected deep inside an operator) panic with a *Fault;
// data-dependent failures a caller is expected to check (OrderTooHigh,
// IndexedVectorBounds at replay, DependentNotVariable, MemoryExhausted)
// are returned as error wrapping a *Fault. See SPEC_FULL.md §2.1.
type Fault struct {
	Kind    Kind
	Op      int // op index at which the fault occurred, -1 if not applicable
	Message string
}

func (f *Fault) Error() string {
	if f.Op >= 0 {
		return fmt.Sprintf("%s at op %d: %s", f.Kind, f.Op, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func fault(kind Kind, op int, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func panicFault(kind Kind, format string, args ...interface{}) {
	panic(fault(kind, -1, format, args...))
}
