// Package diagram assembles per-configuration formation energy diagrams
// from the lower envelope: the ordered path from domain edge to domain
// edge, the transition levels between, and the piecewise stable-charge
// segments sufficient to redraw the diagram without re-solving.
package diagram

import (
	"fmt"

	"github.com/talgya/defect-levels/internal/envelope"
)

// Domain is the Fermi-level interval under analysis, in eV relative to the
// valence-band maximum. The default is [0, band gap].
type Domain struct {
	XMin float64 `json:"x_min"`
	XMax float64 `json:"x_max"`
}

// DefaultDomain returns [0, gap].
func DefaultDomain(gap float64) Domain {
	return Domain{XMin: 0, XMax: gap}
}

// Point is one vertex of the diagram path.
type Point struct {
	X float64 `json:"fermi_level"`
	Y float64 `json:"energy"`
}

// Segment is one stretch of the domain over which a single charge state is
// stable.
type Segment struct {
	XStart float64 `json:"x_start"`
	XEnd   float64 `json:"x_end"`
	Charge int     `json:"charge"`
}

// Profile is the computed diagram of one configuration. It is immutable
// once built; rendering backends consume this geometry and nothing else.
type Profile struct {
	Name   string `json:"name"`
	Domain Domain `json:"domain"`

	// Path runs from (XMin, stable energy) over the interior transition
	// levels to (XMax, stable energy).
	Path        []Point             `json:"path"`
	Transitions []envelope.Crossing `json:"transitions"`
	Segments    []Segment           `json:"segments"`

	ChargeAtXMin int `json:"charge_at_x_min"`
	ChargeAtXMax int `json:"charge_at_x_max"`

	// NegativeAtXMin / PositiveAtXMax mark the physically notable boundary
	// conditions: the stable charge never reaches a neutral-adjacent state
	// inside the domain (drawn as open circles in the conventional plot).
	NegativeAtXMin bool `json:"negative_at_x_min"`
	PositiveAtXMax bool `json:"positive_at_x_max"`

	// Monotonic is false when the stable charge failed to be non-increasing
	// along +x. The inconsistency is surfaced, never hidden; it cannot
	// happen on well-formed input.
	Monotonic bool `json:"monotonic"`
}

// Build solves one configuration over the domain. lines are the surviving
// charge states with their representative energies; eps ≤ 0 selects
// envelope.DefaultTolerance.
func Build(name string, lines []envelope.Line, dom Domain, eps float64) (*Profile, error) {
	if dom.XMax < dom.XMin {
		return nil, fmt.Errorf("diagram: inverted domain [%g, %g] for %s", dom.XMin, dom.XMax, name)
	}
	solver, err := envelope.New(lines, eps)
	if err != nil {
		return nil, fmt.Errorf("diagram: %s: %w", name, err)
	}

	// Keep only crossings strictly inside the domain; the edges are
	// represented by the boundary points themselves.
	var transitions []envelope.Crossing
	for _, c := range solver.Crossings() {
		if dom.XMin < c.X && c.X < dom.XMax {
			transitions = append(transitions, c)
		}
	}

	p := &Profile{
		Name:         name,
		Domain:       dom,
		Transitions:  transitions,
		ChargeAtXMin: solver.ChargeAt(dom.XMin),
		ChargeAtXMax: solver.ChargeAt(dom.XMax),
		Monotonic:    true,
	}
	p.NegativeAtXMin = p.ChargeAtXMin < 0
	p.PositiveAtXMax = p.ChargeAtXMax > 0

	p.Path = make([]Point, 0, len(transitions)+2)
	p.Path = append(p.Path, Point{X: dom.XMin, Y: solver.EnergyAt(dom.XMin)})
	for _, c := range transitions {
		p.Path = append(p.Path, Point{X: c.X, Y: c.Y})
	}
	p.Path = append(p.Path, Point{X: dom.XMax, Y: solver.EnergyAt(dom.XMax)})

	// One segment per interval between consecutive path vertices, charged
	// by the envelope at the interval midpoint.
	prev := p.ChargeAtXMin + 1
	for i := 0; i+1 < len(p.Path); i++ {
		x0, x1 := p.Path[i].X, p.Path[i+1].X
		charge := solver.ChargeAt((x0 + x1) / 2)
		p.Segments = append(p.Segments, Segment{XStart: x0, XEnd: x1, Charge: charge})
		if i > 0 && charge > prev {
			p.Monotonic = false
		}
		prev = charge
	}

	return p, nil
}
