package defect

import (
	"fmt"
	"sort"
	"strings"
)

// EnergyRecord is one finished calculation: the formation energy at Fermi
// level 0 (eV, referenced to the valence-band maximum, finite-size
// corrections already applied) plus its quality flags. Records are created
// once per analysis batch and never mutated afterward.
type EnergyRecord struct {
	Energy    float64 `json:"energy"`
	Converged bool    `json:"converged"`
	Shallow   bool    `json:"shallow"`
}

// Dataset aggregates the energy records of one analysis batch together with
// the band-edge references. Energies is keyed name → charge → annotation;
// an empty annotation key means the record carries none.
//
// Multiplicity and Magnetization mirror the same keys but are carried for
// reporting only; they never enter envelope or U computation.
type Dataset struct {
	Energies      map[string]map[int]map[string]EnergyRecord
	Multiplicity  map[string]map[int]map[string]float64
	Magnetization map[string]map[int]map[string]float64

	// Band edges in eV. VBM/CBM bound the default Fermi-level domain;
	// the supercell edges are display references only.
	VBM          float64
	CBM          float64
	SupercellVBM float64
	SupercellCBM float64

	Title string
}

// NewDataset returns an empty dataset with the given band edges.
func NewDataset(vbm, cbm, supercellVBM, supercellCBM float64, title string) *Dataset {
	return &Dataset{
		Energies:      make(map[string]map[int]map[string]EnergyRecord),
		Multiplicity:  make(map[string]map[int]map[string]float64),
		Magnetization: make(map[string]map[int]map[string]float64),
		VBM:           vbm,
		CBM:           cbm,
		SupercellVBM:  supercellVBM,
		SupercellCBM:  supercellCBM,
		Title:         title,
	}
}

// BandGap is CBM − VBM; the default analysis domain is [0, BandGap].
func (d *Dataset) BandGap() float64 {
	return d.CBM - d.VBM
}

// Add stores one energy record under (name, charge, annotation).
func (d *Dataset) Add(n Name, rec EnergyRecord) {
	byCharge, ok := d.Energies[n.Name]
	if !ok {
		byCharge = make(map[int]map[string]EnergyRecord)
		d.Energies[n.Name] = byCharge
	}
	byAnnotation, ok := byCharge[n.Charge]
	if !ok {
		byAnnotation = make(map[string]EnergyRecord)
		byCharge[n.Charge] = byAnnotation
	}
	byAnnotation[n.Annotation] = rec
}

// SetMultiplicity records the spatial multiplicity side-table entry.
func (d *Dataset) SetMultiplicity(n Name, v float64) {
	setSide(d.Multiplicity, n, v)
}

// SetMagnetization records the magnetization side-table entry.
func (d *Dataset) SetMagnetization(n Name, v float64) {
	setSide(d.Magnetization, n, v)
}

func setSide(table map[string]map[int]map[string]float64, n Name, v float64) {
	byCharge, ok := table[n.Name]
	if !ok {
		byCharge = make(map[int]map[string]float64)
		table[n.Name] = byCharge
	}
	byAnnotation, ok := byCharge[n.Charge]
	if !ok {
		byAnnotation = make(map[string]float64)
		byCharge[n.Charge] = byAnnotation
	}
	byAnnotation[n.Annotation] = v
}

// Record looks up one (name, charge, annotation) entry.
func (d *Dataset) Record(name string, charge int, annotation string) (EnergyRecord, bool) {
	byCharge, ok := d.Energies[name]
	if !ok {
		return EnergyRecord{}, false
	}
	byAnnotation, ok := byCharge[charge]
	if !ok {
		return EnergyRecord{}, false
	}
	rec, ok := byAnnotation[annotation]
	return rec, ok
}

// MinEnergy returns the minimum-energy annotation for (name, charge).
// Candidate annotations are scanned in ascending string order and only a
// strictly lower energy replaces the current best, so equal-energy ties
// resolve to the first annotation in sorted order ("" sorts before any
// named annotation). The rule is deterministic across runs.
func (d *Dataset) MinEnergy(name string, charge int) (annotation string, rec EnergyRecord, ok bool) {
	byCharge, found := d.Energies[name]
	if !found {
		return "", EnergyRecord{}, false
	}
	byAnnotation, found := byCharge[charge]
	if !found || len(byAnnotation) == 0 {
		return "", EnergyRecord{}, false
	}

	annotations := make([]string, 0, len(byAnnotation))
	for a := range byAnnotation {
		annotations = append(annotations, a)
	}
	sort.Strings(annotations)

	annotation = annotations[0]
	rec = byAnnotation[annotation]
	for _, a := range annotations[1:] {
		if r := byAnnotation[a]; r.Energy < rec.Energy {
			annotation, rec = a, r
		}
	}
	return annotation, rec, true
}

// Names returns all configuration names in ascending order.
func (d *Dataset) Names() []string {
	names := make([]string, 0, len(d.Energies))
	for name := range d.Energies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Charges returns the charge states recorded for name, ascending.
func (d *Dataset) Charges(name string) []int {
	byCharge, ok := d.Energies[name]
	if !ok {
		return nil
	}
	charges := make([]int, 0, len(byCharge))
	for q := range byCharge {
		charges = append(charges, q)
	}
	sort.Ints(charges)
	return charges
}

// Len counts the energy records in the dataset.
func (d *Dataset) Len() int {
	n := 0
	for _, byCharge := range d.Energies {
		for _, byAnnotation := range byCharge {
			n += len(byAnnotation)
		}
	}
	return n
}

// String renders a per-record report of the dataset, side tables included.
func (d *Dataset) String() string {
	var b strings.Builder
	for _, name := range d.Names() {
		for _, charge := range d.Charges(name) {
			byAnnotation := d.Energies[name][charge]
			annotations := make([]string, 0, len(byAnnotation))
			for a := range byAnnotation {
				annotations = append(annotations, a)
			}
			sort.Strings(annotations)

			for _, a := range annotations {
				rec := byAnnotation[a]
				label := a
				if label == "" {
					label = "-"
				}
				fmt.Fprintf(&b, "name: %s\n", name)
				fmt.Fprintf(&b, "charge: %d\n", charge)
				fmt.Fprintf(&b, "annotation: %s\n", label)
				fmt.Fprintf(&b, "energy @ ef=0 (eV): %.4f\n", rec.Energy)
				fmt.Fprintf(&b, "converged: %t\n", rec.Converged)
				fmt.Fprintf(&b, "shallow: %t\n", rec.Shallow)
				if v, ok := sideValue(d.Multiplicity, name, charge, a); ok {
					fmt.Fprintf(&b, "multiplicity: %g\n", v)
				}
				if v, ok := sideValue(d.Magnetization, name, charge, a); ok {
					fmt.Fprintf(&b, "magnetization: %g\n", v)
				}
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

func sideValue(table map[string]map[int]map[string]float64, name string, charge int, annotation string) (float64, bool) {
	byCharge, ok := table[name]
	if !ok {
		return 0, false
	}
	byAnnotation, ok := byCharge[charge]
	if !ok {
		return 0, false
	}
	v, ok := byAnnotation[annotation]
	return v, ok
}
