// Package db persists position history and calibration audit records to
// sqlite, and exposes admin/debug routes over the live database.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/position.report/internal/uwb"
)

type DB struct {
	*sql.DB
	path string
}

// NewDB opens (or creates) the sqlite database at path. Run MigrateUp before
// first use.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return &DB{DB: db, path: path}, nil
}

// PositionRecord is one tracker's published state at one tick.
type PositionRecord struct {
	Tag         string          `json:"tag"`
	TSUnixNanos int64           `json:"ts_unix_nanos"`
	X           sql.NullFloat64 `json:"x"`
	Y           sql.NullFloat64 `json:"y"`
	Z           sql.NullFloat64 `json:"z"`
	U           sql.NullFloat64 `json:"u"`
	V           sql.NullFloat64 `json:"v"`
	Status      string          `json:"status"`
}

// RecordSnapshot writes one history row per tracker in a single transaction.
// Implements uwb.SnapshotRecorder.
func (db *DB) RecordSnapshot(snap uwb.Snapshot) error {
	if len(snap.Trackers) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO positions (tag, ts_unix_nanos, x, y, z, u, v, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare position insert: %w", err)
	}
	defer stmt.Close()

	ts := snap.ServerTime.UnixNano()
	for _, tr := range snap.Trackers {
		var x, y, z, u, v interface{}
		if tr.Position3D != nil {
			x, y, z = tr.Position3D.X, tr.Position3D.Y, tr.Position3D.Z
		}
		if tr.Position2D != nil {
			u, v = tr.Position2D.U, tr.Position2D.V
		}
		if _, err := stmt.Exec(tr.TagID, ts, x, y, z, u, v, string(tr.Status)); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert position for %s: %w", tr.TagID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot tx: %w", err)
	}
	return nil
}

// PositionsInRange returns history rows for a time window, newest first.
// tag narrows to one tag when non-empty.
func (db *DB) PositionsInRange(tag string, startNanos, endNanos int64, limit int) ([]PositionRecord, error) {
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT tag, ts_unix_nanos, x, y, z, u, v, status
		FROM positions
		WHERE ts_unix_nanos BETWEEN ? AND ?
	`
	args := []interface{}{startNanos, endNanos}
	if tag != "" {
		query += " AND tag = ?"
		args = append(args, tag)
	}
	query += " ORDER BY ts_unix_nanos DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var records []PositionRecord
	for rows.Next() {
		var r PositionRecord
		if err := rows.Scan(&r.Tag, &r.TSUnixNanos, &r.X, &r.Y, &r.Z, &r.U, &r.V, &r.Status); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	return records, nil
}

// CalibrationRecord is one successful screen fit.
type CalibrationRecord struct {
	ID            int64
	TSUnixNanos   int64
	Calibration   uwb.ScreenCalibration
	MaxResidualCm float64
}

// RecordCalibration appends a calibration audit row.
func (db *DB) RecordCalibration(cal uwb.ScreenCalibration, maxResidualCm float64) error {
	_, err := db.Exec(`
		INSERT INTO calibrations (
			ts_unix_nanos,
			origin_x, origin_y, origin_z,
			basis_u_x, basis_u_y, basis_u_z,
			basis_v_x, basis_v_y, basis_v_z,
			width_cm, height_cm, max_residual_cm
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		time.Now().UnixNano(),
		cal.Origin.X, cal.Origin.Y, cal.Origin.Z,
		cal.BasisU.X, cal.BasisU.Y, cal.BasisU.Z,
		cal.BasisV.X, cal.BasisV.Y, cal.BasisV.Z,
		cal.WidthCm, cal.HeightCm, maxResidualCm,
	)
	if err != nil {
		return fmt.Errorf("insert calibration: %w", err)
	}
	return nil
}

// Calibrations returns past fits, newest first.
func (db *DB) Calibrations(limit int) ([]CalibrationRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`
		SELECT calibration_id, ts_unix_nanos,
			origin_x, origin_y, origin_z,
			basis_u_x, basis_u_y, basis_u_z,
			basis_v_x, basis_v_y, basis_v_z,
			width_cm, height_cm, max_residual_cm
		FROM calibrations
		ORDER BY ts_unix_nanos DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query calibrations: %w", err)
	}
	defer rows.Close()

	var records []CalibrationRecord
	for rows.Next() {
		var r CalibrationRecord
		if err := rows.Scan(
			&r.ID, &r.TSUnixNanos,
			&r.Calibration.Origin.X, &r.Calibration.Origin.Y, &r.Calibration.Origin.Z,
			&r.Calibration.BasisU.X, &r.Calibration.BasisU.Y, &r.Calibration.BasisU.Z,
			&r.Calibration.BasisV.X, &r.Calibration.BasisV.Y, &r.Calibration.BasisV.Z,
			&r.Calibration.WidthCm, &r.Calibration.HeightCm, &r.MaxResidualCm,
		); err != nil {
			return nil, fmt.Errorf("scan calibration: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calibrations: %w", err)
	}
	return records, nil
}

// AttachAdminRoutes mounts debug endpoints on the given mux: a tailSQL
// browser over the live database and an on-demand gzipped backup download.
// These routes are for localhost/tailnet debugging, not public exposure.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB(fmt.Sprintf("sqlite://%s", db.path), db.DB, &tailsql.DBOptions{
		Label: "Position DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			log.Printf("Failed to stream backup: %v", err)
		}
	}))
}
