package ad

import "fmt"

// ForwardDir implements spec.md §4.5's multi-direction forward sweep:
// given nDir independent sets of first-order Taylor coefficients (one
// direction per row of dx), it returns the matching first-order
// coefficients of the dependents for each direction, without having to
// call Forward(1, ...) nDir separate times and without the later
// directions disturbing the single canonical order-1 column Reverse
// reads back (sweep_reverse.go).
//
// Only p==1 is supported, matching sweep_forward.go's own order-1
// scoping of the higher-order forward recurrences for transcendental
// and Pow ops: a genuine multi-direction higher-order sweep needs the
// same Taylor convolutions at every order for every op, which this
// module does not carry past p==1 (see DESIGN.md).
func (f *Function[B]) ForwardDir(dx [][]B) ([][]B, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.capOrder < 1 {
		return nil, fmt.Errorf("ad: forward_dir: called before forward(0)")
	}
	nInd := len(f.indVar)
	for d, row := range dx {
		if len(row) != nInd {
			return nil, fmt.Errorf("ad: forward_dir: direction %d has %d coefficients, want %d", d, len(row), nInd)
		}
	}

	savedOrder := f.order
	savedCap := f.capOrder
	base := append([]B(nil), savedOrder...)

	results := make([][]B, len(dx))
	for d, dir := range dx {
		f.order = append([]B(nil), base...)
		f.capOrder = savedCap
		dep, err := f.forwardHigherLocked(1, dir)
		if err != nil {
			f.order = savedOrder
			f.capOrder = savedCap
			return nil, err
		}
		results[d] = dep
	}

	f.order = savedOrder
	f.capOrder = savedCap
	return results, nil
}
