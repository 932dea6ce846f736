package defect

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// JSON keys can only be strings, so the wire form stringifies charge keys
// and writes the absent annotation as "null". Loading re-casts both back to
// native int / "". This re-casting is part of the on-disk contract, not an
// implementation detail.
const nullAnnotation = "null"

type datasetWire struct {
	Energies      map[string]map[string]map[string]EnergyRecord `json:"energies"`
	Multiplicity  map[string]map[string]map[string]float64      `json:"multiplicity,omitempty"`
	Magnetization map[string]map[string]map[string]float64      `json:"magnetization,omitempty"`
	VBM           float64                                       `json:"vbm"`
	CBM           float64                                       `json:"cbm"`
	SupercellVBM  float64                                       `json:"supercell_vbm"`
	SupercellCBM  float64                                       `json:"supercell_cbm"`
	Title         string                                        `json:"title,omitempty"`
}

// MarshalJSON writes the dataset in the wire form described above.
func (d *Dataset) MarshalJSON() ([]byte, error) {
	wire := datasetWire{
		Energies:      make(map[string]map[string]map[string]EnergyRecord, len(d.Energies)),
		VBM:           d.VBM,
		CBM:           d.CBM,
		SupercellVBM:  d.SupercellVBM,
		SupercellCBM:  d.SupercellCBM,
		Title:         d.Title,
	}

	for name, byCharge := range d.Energies {
		out := make(map[string]map[string]EnergyRecord, len(byCharge))
		for charge, byAnnotation := range byCharge {
			recs := make(map[string]EnergyRecord, len(byAnnotation))
			for annotation, rec := range byAnnotation {
				recs[wireAnnotation(annotation)] = rec
			}
			out[strconv.Itoa(charge)] = recs
		}
		wire.Energies[name] = out
	}
	if len(d.Multiplicity) > 0 {
		wire.Multiplicity = sideToWire(d.Multiplicity)
	}
	if len(d.Magnetization) > 0 {
		wire.Magnetization = sideToWire(d.Magnetization)
	}

	return json.Marshal(wire)
}

// UnmarshalJSON reads the wire form, re-casting charge keys to int and
// "null" annotations to "".
func (d *Dataset) UnmarshalJSON(data []byte) error {
	var wire datasetWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*d = Dataset{
		Energies:      make(map[string]map[int]map[string]EnergyRecord, len(wire.Energies)),
		Multiplicity:  make(map[string]map[int]map[string]float64),
		Magnetization: make(map[string]map[int]map[string]float64),
		VBM:           wire.VBM,
		CBM:           wire.CBM,
		SupercellVBM:  wire.SupercellVBM,
		SupercellCBM:  wire.SupercellCBM,
		Title:         wire.Title,
	}

	for name, byCharge := range wire.Energies {
		out := make(map[int]map[string]EnergyRecord, len(byCharge))
		for chargeKey, byAnnotation := range byCharge {
			charge, err := strconv.Atoi(chargeKey)
			if err != nil {
				return fmt.Errorf("defect: charge key %q of %q is not an integer: %w", chargeKey, name, err)
			}
			recs := make(map[string]EnergyRecord, len(byAnnotation))
			for annotation, rec := range byAnnotation {
				recs[nativeAnnotation(annotation)] = rec
			}
			out[charge] = recs
		}
		d.Energies[name] = out
	}

	var err error
	if d.Multiplicity, err = sideFromWire(wire.Multiplicity, "multiplicity"); err != nil {
		return err
	}
	if d.Magnetization, err = sideFromWire(wire.Magnetization, "magnetization"); err != nil {
		return err
	}
	return nil
}

// LoadFile reads a dataset from its JSON file.
func LoadFile(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("defect: read dataset: %w", err)
	}
	d := &Dataset{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("defect: parse dataset %s: %w", path, err)
	}
	return d, nil
}

// SaveFile writes the dataset as indented JSON.
func (d *Dataset) SaveFile(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("defect: marshal dataset: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("defect: write dataset: %w", err)
	}
	return nil
}

func wireAnnotation(a string) string {
	if a == "" {
		return nullAnnotation
	}
	return a
}

func nativeAnnotation(a string) string {
	if a == nullAnnotation {
		return ""
	}
	return a
}

func sideToWire(table map[string]map[int]map[string]float64) map[string]map[string]map[string]float64 {
	wire := make(map[string]map[string]map[string]float64, len(table))
	for name, byCharge := range table {
		out := make(map[string]map[string]float64, len(byCharge))
		for charge, byAnnotation := range byCharge {
			vals := make(map[string]float64, len(byAnnotation))
			for annotation, v := range byAnnotation {
				vals[wireAnnotation(annotation)] = v
			}
			out[strconv.Itoa(charge)] = vals
		}
		wire[name] = out
	}
	return wire
}

func sideFromWire(wire map[string]map[string]map[string]float64, what string) (map[string]map[int]map[string]float64, error) {
	table := make(map[string]map[int]map[string]float64, len(wire))
	for name, byCharge := range wire {
		out := make(map[int]map[string]float64, len(byCharge))
		for chargeKey, byAnnotation := range byCharge {
			charge, err := strconv.Atoi(chargeKey)
			if err != nil {
				return nil, fmt.Errorf("defect: %s charge key %q of %q is not an integer: %w", what, chargeKey, name, err)
			}
			vals := make(map[string]float64, len(byAnnotation))
			for annotation, v := range byAnnotation {
				vals[nativeAnnotation(annotation)] = v
			}
			out[charge] = vals
		}
		table[name] = out
	}
	return table, nil
}
