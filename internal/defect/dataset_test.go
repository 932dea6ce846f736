package defect_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/defect-levels/internal/defect"
)

func sampleDataset() *defect.Dataset {
	d := defect.NewDataset(2.5, 7.3, 2.4, 7.5, "MgO")
	d.Add(defect.Name{Name: "Va_O1", Charge: 2}, defect.EnergyRecord{Energy: 0.5, Converged: true})
	d.Add(defect.Name{Name: "Va_O1", Charge: 1}, defect.EnergyRecord{Energy: 1.2, Converged: true})
	d.Add(defect.Name{Name: "Va_O1", Charge: 0}, defect.EnergyRecord{Energy: 2.8, Converged: true})
	d.Add(defect.Name{Name: "Va_O1", Charge: 0, Annotation: "split"}, defect.EnergyRecord{Energy: 2.6, Converged: true})
	d.Add(defect.Name{Name: "Mg_i1", Charge: -1}, defect.EnergyRecord{Energy: 4.1, Converged: false, Shallow: true})
	d.SetMultiplicity(defect.Name{Name: "Va_O1", Charge: 2}, 4)
	d.SetMagnetization(defect.Name{Name: "Va_O1", Charge: 2}, 0)
	return d
}

// TestDataset_BandGap verifies the default domain width.
func TestDataset_BandGap(t *testing.T) {
	d := sampleDataset()
	assert.InDelta(t, 4.8, d.BandGap(), 1e-12)
}

// TestDataset_MinEnergy verifies that the lowest-energy annotation wins and
// that equal energies resolve to the first annotation in sorted order.
func TestDataset_MinEnergy(t *testing.T) {
	d := sampleDataset()

	annotation, rec, ok := d.MinEnergy("Va_O1", 0)
	require.True(t, ok)
	assert.Equal(t, "split", annotation, "lower-energy relaxation outcome wins")
	assert.InDelta(t, 2.6, rec.Energy, 1e-12)

	// Exact tie: "" sorts before "alt", so the unannotated record wins.
	d.Add(defect.Name{Name: "Ti_O1", Charge: 1}, defect.EnergyRecord{Energy: 3.0})
	d.Add(defect.Name{Name: "Ti_O1", Charge: 1, Annotation: "alt"}, defect.EnergyRecord{Energy: 3.0})
	annotation, _, ok = d.MinEnergy("Ti_O1", 1)
	require.True(t, ok)
	assert.Equal(t, "", annotation, "tie resolves to first annotation in sorted order")

	_, _, ok = d.MinEnergy("Va_O1", 99)
	assert.False(t, ok, "missing charge")
	_, _, ok = d.MinEnergy("nope", 0)
	assert.False(t, ok, "missing name")
}

// TestDataset_JSONRoundTrip verifies the wire contract: charge keys are
// stringified, absent annotations become "null", and both re-cast to native
// form on load with energies preserved.
func TestDataset_JSONRoundTrip(t *testing.T) {
	d := sampleDataset()

	data, err := json.Marshal(d)
	require.NoError(t, err)

	// Wire form uses string charge keys and "null" annotations.
	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	energies := wire["energies"].(map[string]any)
	vaO1 := energies["Va_O1"].(map[string]any)
	_, hasStringCharge := vaO1["2"]
	assert.True(t, hasStringCharge, "charge key stringified on the wire")
	neutral := vaO1["0"].(map[string]any)
	_, hasNull := neutral["null"]
	assert.True(t, hasNull, "absent annotation written as \"null\"")

	var back defect.Dataset
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, d.Energies, back.Energies, "energies survive the round trip")
	assert.Equal(t, d.Multiplicity, back.Multiplicity)
	assert.Equal(t, d.Magnetization, back.Magnetization)
	assert.Equal(t, d.VBM, back.VBM)
	assert.Equal(t, d.CBM, back.CBM)
	assert.Equal(t, d.Title, back.Title)

	rec, ok := back.Record("Mg_i1", -1, "")
	require.True(t, ok, "negative charge key re-cast to int")
	assert.InDelta(t, 4.1, rec.Energy, 1e-12)
	assert.True(t, rec.Shallow)
}

// TestDataset_FileRoundTrip exercises SaveFile/LoadFile.
func TestDataset_FileRoundTrip(t *testing.T) {
	d := sampleDataset()
	path := filepath.Join(t.TempDir(), "defect_energies.json")

	require.NoError(t, d.SaveFile(path))
	back, err := defect.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, d.Len(), back.Len())
	assert.Equal(t, d.Energies, back.Energies)
}

// TestDataset_BadChargeKey verifies that a non-integer charge key is a load
// error, not a silent skip.
func TestDataset_BadChargeKey(t *testing.T) {
	raw := `{"energies": {"Va_O1": {"two": {"null": {"energy": 1, "converged": true, "shallow": false}}}}, "vbm": 0, "cbm": 1, "supercell_vbm": 0, "supercell_cbm": 1}`
	var d defect.Dataset
	err := json.Unmarshal([]byte(raw), &d)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "charge key")
}

// TestDataset_String spot-checks the rendered report.
func TestDataset_String(t *testing.T) {
	out := sampleDataset().String()
	assert.Contains(t, out, "name: Va_O1")
	assert.Contains(t, out, "charge: 2")
	assert.Contains(t, out, "annotation: split")
	assert.Contains(t, out, "multiplicity: 4")
}
