package persistence_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/defect-levels/internal/defect"
	"github.com/talgya/defect-levels/internal/diagram"
	"github.com/talgya/defect-levels/internal/envelope"
	"github.com/talgya/defect-levels/internal/persistence"
)

func openArchive(t *testing.T) *persistence.DB {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleBatch(t *testing.T) (*defect.Dataset, map[string]*diagram.Profile) {
	t.Helper()

	ds := defect.NewDataset(0, 3, -0.1, 3.1, "MgO")
	ds.Add(defect.Name{Name: "Va_O1", Charge: 1}, defect.EnergyRecord{Energy: 0.5, Converged: true})
	ds.Add(defect.Name{Name: "Va_O1", Charge: 0}, defect.EnergyRecord{Energy: 1.5, Converged: true})
	ds.Add(defect.Name{Name: "Va_O1", Charge: -1}, defect.EnergyRecord{Energy: 4.0, Converged: true})
	ds.SetMultiplicity(defect.Name{Name: "Va_O1", Charge: 0}, 2)

	p, err := diagram.Build("Va_O1", []envelope.Line{
		{Charge: 1, Energy: 0.5},
		{Charge: 0, Energy: 1.5},
		{Charge: -1, Energy: 4.0},
	}, diagram.Domain{XMin: 0, XMax: 3}, 0)
	require.NoError(t, err)

	return ds, map[string]*diagram.Profile{"Va_O1": p}
}

// TestSaveLoadBatch archives a batch and restores both the records and the
// diagram geometry byte-for-byte.
func TestSaveLoadBatch(t *testing.T) {
	db := openArchive(t)
	ds, profiles := sampleBatch(t)

	id, err := db.SaveBatch(ds, profiles, envelope.DefaultTolerance)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := db.LoadDataset(id)
	require.NoError(t, err)
	assert.Equal(t, ds.Len(), got.Len())
	assert.Equal(t, "MgO", got.Title)
	assert.InDelta(t, 3.0, got.BandGap(), 1e-12)

	rec, ok := got.Record("Va_O1", 1, "")
	require.True(t, ok)
	assert.InDelta(t, 0.5, rec.Energy, 1e-12)
	assert.True(t, rec.Converged)
	assert.InDelta(t, 2.0, got.Multiplicity["Va_O1"][0][""], 1e-12)

	loaded, err := db.LoadProfiles(id)
	require.NoError(t, err)
	require.Contains(t, loaded, "Va_O1")

	want := profiles["Va_O1"]
	p := loaded["Va_O1"]
	assert.Equal(t, want.Transitions, p.Transitions)
	assert.Equal(t, want.Segments, p.Segments)
	assert.Equal(t, want.Path, p.Path)
	assert.Equal(t, want.ChargeAtXMin, p.ChargeAtXMin)
	assert.Equal(t, want.Monotonic, p.Monotonic)
}

// TestBatchNotFound surfaces the sentinel for unknown identifiers.
func TestBatchNotFound(t *testing.T) {
	db := openArchive(t)

	_, err := db.LoadDataset("no-such-batch")
	assert.ErrorIs(t, err, persistence.ErrBatchNotFound)

	_, err = db.LoadProfiles("no-such-batch")
	assert.ErrorIs(t, err, persistence.ErrBatchNotFound)
}

// TestRecentBatches lists archives newest-first with counts.
func TestRecentBatches(t *testing.T) {
	db := openArchive(t)
	ds, profiles := sampleBatch(t)

	first, err := db.SaveBatch(ds, profiles, envelope.DefaultTolerance)
	require.NoError(t, err)
	second, err := db.SaveBatch(ds, profiles, 1e-4)
	require.NoError(t, err)

	batches, err := db.RecentBatches(10)
	require.NoError(t, err)
	require.Len(t, batches, 2)

	ids := []string{batches[0].ID, batches[1].ID}
	assert.Contains(t, ids, first)
	assert.Contains(t, ids, second)
	assert.Equal(t, ds.Len(), batches[0].Records)
	assert.Equal(t, 1, batches[0].Profiles)
}
