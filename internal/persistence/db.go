// Package persistence archives finished analysis batches in SQLite: the raw
// energy records, the computed diagram geometry, and enough metadata to
// reproduce the run. An archived batch is immutable; re-running an analysis
// creates a new batch under a fresh identifier.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/defect-levels/internal/defect"
	"github.com/talgya/defect-levels/internal/diagram"
	"github.com/talgya/defect-levels/internal/envelope"
)

// ErrBatchNotFound indicates the requested batch identifier is not archived.
var ErrBatchNotFound = errors.New("persistence: batch not found")

// DB wraps a SQLite connection for batch archiving.
type DB struct {
	conn *sqlx.DB
}

// BatchSummary is one archive listing entry.
type BatchSummary struct {
	ID        string    `db:"id" json:"id"`
	Title     string    `db:"title" json:"title"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	Tolerance float64   `db:"tolerance" json:"tolerance"`
	Records   int       `db:"record_count" json:"records"`
	Profiles  int       `db:"profile_count" json:"profiles"`
}

// Open opens or creates a SQLite archive at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		vbm REAL NOT NULL,
		cbm REAL NOT NULL,
		supercell_vbm REAL NOT NULL,
		supercell_cbm REAL NOT NULL,
		tolerance REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS records (
		batch_id TEXT NOT NULL REFERENCES batches(id),
		name TEXT NOT NULL,
		charge INTEGER NOT NULL,
		annotation TEXT NOT NULL,
		energy REAL NOT NULL,
		converged INTEGER NOT NULL,
		shallow INTEGER NOT NULL,
		multiplicity REAL,
		magnetization REAL,
		PRIMARY KEY (batch_id, name, charge, annotation)
	);

	CREATE TABLE IF NOT EXISTS profiles (
		batch_id TEXT NOT NULL REFERENCES batches(id),
		name TEXT NOT NULL,
		x_min REAL NOT NULL,
		x_max REAL NOT NULL,
		charge_at_x_min INTEGER NOT NULL,
		charge_at_x_max INTEGER NOT NULL,
		energy_at_x_min REAL NOT NULL,
		energy_at_x_max REAL NOT NULL,
		monotonic INTEGER NOT NULL,
		PRIMARY KEY (batch_id, name)
	);

	CREATE TABLE IF NOT EXISTS transitions (
		batch_id TEXT NOT NULL REFERENCES batches(id),
		name TEXT NOT NULL,
		fermi_level REAL NOT NULL,
		energy REAL NOT NULL,
		upper_charge INTEGER NOT NULL,
		lower_charge INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS segments (
		batch_id TEXT NOT NULL REFERENCES batches(id),
		name TEXT NOT NULL,
		seq INTEGER NOT NULL,
		x_start REAL NOT NULL,
		x_end REAL NOT NULL,
		charge INTEGER NOT NULL,
		PRIMARY KEY (batch_id, name, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_records_batch ON records(batch_id);
	CREATE INDEX IF NOT EXISTS idx_transitions_batch ON transitions(batch_id, name);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// SaveBatch archives one finished analysis and returns its new identifier.
func (db *DB) SaveBatch(ds *defect.Dataset, profiles map[string]*diagram.Profile, tolerance float64) (string, error) {
	id := uuid.NewString()

	tx, err := db.conn.Beginx()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO batches
		(id, title, created_at, vbm, cbm, supercell_vbm, supercell_cbm, tolerance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, ds.Title, time.Now().UTC(), ds.VBM, ds.CBM, ds.SupercellVBM, ds.SupercellCBM, tolerance,
	)
	if err != nil {
		return "", fmt.Errorf("insert batch: %w", err)
	}

	stmt, err := tx.Preparex(`INSERT INTO records
		(batch_id, name, charge, annotation, energy, converged, shallow, multiplicity, magnetization)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer stmt.Close()

	for _, name := range ds.Names() {
		for _, charge := range ds.Charges(name) {
			for annotation, rec := range ds.Energies[name][charge] {
				n := defect.Name{Name: name, Charge: charge, Annotation: annotation}
				_, err := stmt.Exec(
					id, name, charge, annotation,
					rec.Energy, rec.Converged, rec.Shallow,
					sideColumn(ds.Multiplicity, name, charge, annotation),
					sideColumn(ds.Magnetization, name, charge, annotation),
				)
				if err != nil {
					return "", fmt.Errorf("insert record %s: %w", n, err)
				}
			}
		}
	}

	for name, p := range profiles {
		_, err := tx.Exec(`INSERT INTO profiles
			(batch_id, name, x_min, x_max, charge_at_x_min, charge_at_x_max,
			 energy_at_x_min, energy_at_x_max, monotonic)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, name, p.Domain.XMin, p.Domain.XMax,
			p.ChargeAtXMin, p.ChargeAtXMax,
			p.Path[0].Y, p.Path[len(p.Path)-1].Y,
			p.Monotonic,
		)
		if err != nil {
			return "", fmt.Errorf("insert profile %s: %w", name, err)
		}

		for _, c := range p.Transitions {
			_, err := tx.Exec(`INSERT INTO transitions
				(batch_id, name, fermi_level, energy, upper_charge, lower_charge)
				VALUES (?, ?, ?, ?, ?, ?)`,
				id, name, c.X, c.Y, c.Upper, c.Lower,
			)
			if err != nil {
				return "", fmt.Errorf("insert transition of %s: %w", name, err)
			}
		}

		for i, s := range p.Segments {
			_, err := tx.Exec(`INSERT INTO segments
				(batch_id, name, seq, x_start, x_end, charge)
				VALUES (?, ?, ?, ?, ?, ?)`,
				id, name, i, s.XStart, s.XEnd, s.Charge,
			)
			if err != nil {
				return "", fmt.Errorf("insert segment of %s: %w", name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}

	slog.Info("batch archived", "id", id, "title", ds.Title, "records", ds.Len(), "profiles", len(profiles))
	return id, nil
}

// LoadDataset restores the raw records of an archived batch.
func (db *DB) LoadDataset(id string) (*defect.Dataset, error) {
	var meta struct {
		Title        string  `db:"title"`
		VBM          float64 `db:"vbm"`
		CBM          float64 `db:"cbm"`
		SupercellVBM float64 `db:"supercell_vbm"`
		SupercellCBM float64 `db:"supercell_cbm"`
	}
	err := db.conn.Get(&meta,
		"SELECT title, vbm, cbm, supercell_vbm, supercell_cbm FROM batches WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load batch %s: %w", id, err)
	}

	ds := defect.NewDataset(meta.VBM, meta.CBM, meta.SupercellVBM, meta.SupercellCBM, meta.Title)

	rows, err := db.conn.Queryx(`SELECT name, charge, annotation, energy, converged, shallow,
		multiplicity, magnetization FROM records WHERE batch_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("load records of %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var r struct {
			Name          string          `db:"name"`
			Charge        int             `db:"charge"`
			Annotation    string          `db:"annotation"`
			Energy        float64         `db:"energy"`
			Converged     bool            `db:"converged"`
			Shallow       bool            `db:"shallow"`
			Multiplicity  sql.NullFloat64 `db:"multiplicity"`
			Magnetization sql.NullFloat64 `db:"magnetization"`
		}
		if err := rows.StructScan(&r); err != nil {
			return nil, err
		}
		n := defect.Name{Name: r.Name, Charge: r.Charge, Annotation: r.Annotation}
		ds.Add(n, defect.EnergyRecord{Energy: r.Energy, Converged: r.Converged, Shallow: r.Shallow})
		if r.Multiplicity.Valid {
			ds.SetMultiplicity(n, r.Multiplicity.Float64)
		}
		if r.Magnetization.Valid {
			ds.SetMagnetization(n, r.Magnetization.Float64)
		}
	}
	return ds, rows.Err()
}

// LoadProfiles restores the diagram geometry of an archived batch.
func (db *DB) LoadProfiles(id string) (map[string]*diagram.Profile, error) {
	type profileRow struct {
		Name         string  `db:"name"`
		XMin         float64 `db:"x_min"`
		XMax         float64 `db:"x_max"`
		ChargeAtXMin int     `db:"charge_at_x_min"`
		ChargeAtXMax int     `db:"charge_at_x_max"`
		EnergyAtXMin float64 `db:"energy_at_x_min"`
		EnergyAtXMax float64 `db:"energy_at_x_max"`
		Monotonic    bool    `db:"monotonic"`
	}
	var prows []profileRow
	err := db.conn.Select(&prows,
		`SELECT name, x_min, x_max, charge_at_x_min, charge_at_x_max,
		 energy_at_x_min, energy_at_x_max, monotonic FROM profiles WHERE batch_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("load profiles of %s: %w", id, err)
	}
	if len(prows) == 0 {
		var n int
		if err := db.conn.Get(&n, "SELECT COUNT(*) FROM batches WHERE id = ?", id); err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
		}
	}

	profiles := make(map[string]*diagram.Profile, len(prows))
	for _, row := range prows {
		p := &diagram.Profile{
			Name:           row.Name,
			Domain:         diagram.Domain{XMin: row.XMin, XMax: row.XMax},
			ChargeAtXMin:   row.ChargeAtXMin,
			ChargeAtXMax:   row.ChargeAtXMax,
			NegativeAtXMin: row.ChargeAtXMin < 0,
			PositiveAtXMax: row.ChargeAtXMax > 0,
			Monotonic:      row.Monotonic,
		}

		var transitions []envelope.Crossing
		err := db.conn.Select(&transitions, `SELECT fermi_level AS "x", energy AS "y",
			upper_charge AS "upper", lower_charge AS "lower"
			FROM transitions WHERE batch_id = ? AND name = ? ORDER BY fermi_level`, id, row.Name)
		if err != nil {
			return nil, fmt.Errorf("load transitions of %s: %w", row.Name, err)
		}
		p.Transitions = transitions

		var segments []diagram.Segment
		err = db.conn.Select(&segments, `SELECT x_start AS "xstart", x_end AS "xend", charge
			FROM segments WHERE batch_id = ? AND name = ? ORDER BY seq`, id, row.Name)
		if err != nil {
			return nil, fmt.Errorf("load segments of %s: %w", row.Name, err)
		}
		p.Segments = segments

		p.Path = append(p.Path, diagram.Point{X: row.XMin, Y: row.EnergyAtXMin})
		for _, c := range p.Transitions {
			p.Path = append(p.Path, diagram.Point{X: c.X, Y: c.Y})
		}
		p.Path = append(p.Path, diagram.Point{X: row.XMax, Y: row.EnergyAtXMax})

		profiles[row.Name] = p
	}
	return profiles, nil
}

// RecentBatches lists the most recently archived batches.
func (db *DB) RecentBatches(limit int) ([]BatchSummary, error) {
	var out []BatchSummary
	err := db.conn.Select(&out, `SELECT b.id, b.title, b.created_at, b.tolerance,
		(SELECT COUNT(*) FROM records r WHERE r.batch_id = b.id) AS record_count,
		(SELECT COUNT(*) FROM profiles p WHERE p.batch_id = b.id) AS profile_count
		FROM batches b ORDER BY b.created_at DESC LIMIT ?`, limit)
	return out, err
}

func sideColumn(table map[string]map[int]map[string]float64, name string, charge int, annotation string) any {
	byCharge, ok := table[name]
	if !ok {
		return nil
	}
	byAnnotation, ok := byCharge[charge]
	if !ok {
		return nil
	}
	v, ok := byAnnotation[annotation]
	if !ok {
		return nil
	}
	return v
}
