// Package envelope computes the lower envelope of a family of formation
// energy lines. Each charge state q of a defect configuration defines an
// affine line F_q(x) = E_q + q·x of formation energy versus Fermi level x;
// the stable charge at x is the one whose line lies lowest, and the
// envelope's kinks are the thermodynamic transition levels.
package envelope

import (
	"errors"
	"fmt"
	"sort"
)

// DefaultTolerance is the numerical tolerance ε used when accepting a
// candidate crossing onto the envelope. There is one process-wide value,
// configurable through the analysis configuration; call sites must not
// invent their own.
const DefaultTolerance = 1e-5

var (
	// ErrNoLines indicates the solver was given zero charge lines.
	ErrNoLines = errors.New("envelope: no charge lines")

	// ErrDuplicateCharge indicates two lines share a charge. Coincident
	// slopes have no intersection point; filtered input cannot produce
	// them, so this is malformed input, never skipped silently.
	ErrDuplicateCharge = errors.New("envelope: coincident charge slopes")
)

// Line is one charge state's formation energy line: F(x) = Energy + Charge·x.
type Line struct {
	Charge int     `json:"charge"`
	Energy float64 `json:"energy"`
}

// Crossing is an intersection of two lines that lies on the lower envelope:
// the Fermi level X and energy Y where the stable charge switches from Upper
// (the higher charge, stable left of X) to Lower (stable right of X).
type Crossing struct {
	X     float64 `json:"fermi_level"`
	Y     float64 `json:"energy"`
	Upper int     `json:"upper_charge"`
	Lower int     `json:"lower_charge"`
}

// Solver answers pointwise envelope queries for one configuration.
type Solver struct {
	lines []Line // sorted by tie-break preference: smaller |q|, then smaller q
	eps   float64
}

// New builds a solver over the given lines. eps ≤ 0 selects
// DefaultTolerance. Charges must be unique.
func New(lines []Line, eps float64) (*Solver, error) {
	if len(lines) == 0 {
		return nil, ErrNoLines
	}
	if eps <= 0 {
		eps = DefaultTolerance
	}

	seen := make(map[int]bool, len(lines))
	for _, l := range lines {
		if seen[l.Charge] {
			return nil, fmt.Errorf("%w: charge %+d appears twice", ErrDuplicateCharge, l.Charge)
		}
		seen[l.Charge] = true
	}

	// Pre-sort by the charge tie-break rule so that a strict "<" scan in
	// EnergyAt/ChargeAt resolves exact energy ties to the preferred charge:
	// smaller |q| first, then smaller q.
	sorted := make([]Line, len(lines))
	copy(sorted, lines)
	sort.Slice(sorted, func(i, j int) bool {
		ai, aj := abs(sorted[i].Charge), abs(sorted[j].Charge)
		if ai != aj {
			return ai < aj
		}
		return sorted[i].Charge < sorted[j].Charge
	})

	return &Solver{lines: sorted, eps: eps}, nil
}

// Tolerance returns the ε in use.
func (s *Solver) Tolerance() float64 {
	return s.eps
}

// Lines returns the charge lines sorted by ascending charge.
func (s *Solver) Lines() []Line {
	out := make([]Line, len(s.lines))
	copy(out, s.lines)
	sort.Slice(out, func(i, j int) bool { return out[i].Charge < out[j].Charge })
	return out
}

// EnergyAt returns the envelope value min_q F_q(x).
func (s *Solver) EnergyAt(x float64) float64 {
	best := s.lines[0].at(x)
	for _, l := range s.lines[1:] {
		if e := l.at(x); e < best {
			best = e
		}
	}
	return best
}

// ChargeAt returns the stable charge at x: the charge whose line is lowest.
// Exact energy ties resolve to the smaller |q|, then the smaller q.
func (s *Solver) ChargeAt(x float64) int {
	charge := s.lines[0].Charge
	best := s.lines[0].at(x)
	for _, l := range s.lines[1:] {
		if e := l.at(x); e < best {
			charge, best = l.Charge, e
		}
	}
	return charge
}

// Crossings enumerates every pairwise line intersection and keeps those on
// the lower envelope: a candidate (x*, y*) survives iff no third line
// undercuts it, y* ≤ EnergyAt(x*) + ε. Results are sorted by ascending x.
//
// The O(n²) pair enumeration is deliberate: configurations carry few charge
// states (typically ≤10), so the sorted-slope O(n log n) construction would
// buy nothing here. A single line yields no crossings.
func (s *Solver) Crossings() []Crossing {
	var out []Crossing
	for i := 0; i < len(s.lines); i++ {
		for j := i + 1; j < len(s.lines); j++ {
			l1, l2 := s.lines[i], s.lines[j]
			q1, e1 := float64(l1.Charge), l1.Energy
			q2, e2 := float64(l2.Charge), l2.Energy

			x := -(e1 - e2) / (q1 - q2)
			y := (q1*e2 - q2*e1) / (q1 - q2)

			if y > s.EnergyAt(x)+s.eps {
				continue
			}
			c := Crossing{X: x, Y: y}
			if l1.Charge > l2.Charge {
				c.Upper, c.Lower = l1.Charge, l2.Charge
			} else {
				c.Upper, c.Lower = l2.Charge, l1.Charge
			}
			out = append(out, c)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		if out[i].Upper != out[j].Upper {
			return out[i].Upper > out[j].Upper
		}
		return out[i].Lower > out[j].Lower
	})
	return out
}

func (l Line) at(x float64) float64 {
	return l.Energy + float64(l.Charge)*x
}

func abs(q int) int {
	if q < 0 {
		return -q
	}
	return q
}
