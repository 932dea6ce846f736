// Package uvalue computes the charge-transition correlation energy U of a
// defect configuration: U = E(q) + E(q+2) − 2·E(q+1) over three consecutive
// charge states. A negative U marks a center whose intermediate charge state
// is never thermodynamically stable.
package uvalue

import (
	"fmt"

	"github.com/talgya/defect-levels/internal/defect"
)

// SequenceError reports a charge triple that is not three consecutive
// increasing integers.
type SequenceError struct {
	Charges []int
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("uvalue: charges %v are not three consecutive states", e.Charges)
}

// ChargeNotFoundError reports a requested record absent from the dataset.
// Annotation is set when an explicitly requested annotation was the part
// that did not match.
type ChargeNotFoundError struct {
	Name       string
	Charge     int
	Annotation string
}

func (e *ChargeNotFoundError) Error() string {
	if e.Annotation != "" {
		return fmt.Sprintf("uvalue: no record for %s charge %+d annotation %q", e.Name, e.Charge, e.Annotation)
	}
	return fmt.Sprintf("uvalue: no record for %s charge %+d", e.Name, e.Charge)
}

// Result is one computed correlation energy, carrying the exact records it
// was derived from.
type Result struct {
	Name        string     `json:"name"`
	Charges     [3]int     `json:"charges"`
	Annotations [3]string  `json:"annotations"`
	Energies    [3]float64 `json:"energies"`
	U           float64    `json:"u"`
}

// NegativeU reports whether the configuration is a negative-U center.
func (r Result) NegativeU() bool {
	return r.U < 0
}

// Compute evaluates U for name over charges, which must be three consecutive
// increasing integers. The computation reads the raw dataset, not a filtered
// view: U is a property of the records themselves. annotations, when
// non-nil, selects one annotation per charge; otherwise each charge uses its
// lowest-energy annotation.
func Compute(ds *defect.Dataset, name string, charges []int, annotations []string) (*Result, error) {
	if len(charges) != 3 {
		return nil, &SequenceError{Charges: charges}
	}
	if charges[1] != charges[0]+1 || charges[2] != charges[1]+1 {
		return nil, &SequenceError{Charges: charges}
	}
	if annotations != nil && len(annotations) != 3 {
		return nil, fmt.Errorf("uvalue: %d annotations for 3 charges", len(annotations))
	}

	r := &Result{Name: name}
	copy(r.Charges[:], charges)

	for i, q := range charges {
		var (
			annotation string
			rec        defect.EnergyRecord
			ok         bool
		)
		if annotations != nil {
			annotation = annotations[i]
			rec, ok = ds.Record(name, q, annotation)
			if !ok {
				return nil, &ChargeNotFoundError{Name: name, Charge: q, Annotation: annotation}
			}
		} else {
			annotation, rec, ok = ds.MinEnergy(name, q)
			if !ok {
				return nil, &ChargeNotFoundError{Name: name, Charge: q}
			}
		}
		r.Annotations[i] = annotation
		r.Energies[i] = rec.Energy
	}

	r.U = r.Energies[0] + r.Energies[2] - 2*r.Energies[1]
	return r, nil
}
