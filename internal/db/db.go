// Package db owns the engine's local sqlite database: device settings (the
// calibration blob lives there), the diagnostics log, and the admin/debug
// surface. Measurement results are never stored here; those belong to the
// external persistence collaborator.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/arborsight/treemetric/internal/monitoring"
)

type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the sqlite database at path and applies all
// pending migrations.
func Open(path string) (*DB, error) {
	db, err := OpenWithoutMigrations(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenWithoutMigrations opens the database but leaves the schema alone, for
// callers that need to inspect or repair migration state (MigrateVersion,
// MigrateForce) without triggering an automatic upgrade first.
func OpenWithoutMigrations(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := sqldb.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}
	return &DB{sqldb}, nil
}

// GetSetting returns the stored value for key, or nil if the key is absent.
func (db *DB) GetSetting(key string) ([]byte, error) {
	var value []byte
	err := db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read setting %q: %w", key, err)
	}
	return value, nil
}

// PutSetting upserts the value for key.
func (db *DB) PutSetting(key string, value []byte) error {
	_, err := db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %q: %w", key, err)
	}
	return nil
}

// Diagnostic is one recorded anomaly.
type Diagnostic struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
	Timestamp string `json:"timestamp"`
}

// RecordDiagnostic appends an anomaly row.
func (db *DB) RecordDiagnostic(kind, detail string) error {
	_, err := db.Exec("INSERT INTO diagnostics (kind, detail) VALUES (?, ?)", kind, detail)
	if err != nil {
		return fmt.Errorf("failed to record diagnostic: %w", err)
	}
	return nil
}

// Diagnostics returns the most recent anomalies, newest first.
func (db *DB) Diagnostics(limit int) ([]Diagnostic, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		"SELECT id, kind, detail, timestamp FROM diagnostics ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Diagnostic
	for rows.Next() {
		var d Diagnostic
		if err := rows.Scan(&d.ID, &d.Kind, &d.Detail, &d.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// AttachAdminRoutes mounts the debug surface: tailSQL live queries and an
// on-demand gzipped database backup.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logf("db: failed to create tailsql server: %v", err)
		return
	}
	tsql.SetDB("sqlite://treemetric.db", db.DB, &tailsql.DBOptions{
		Label: "Treemetric DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				monitoring.Logf("db: failed to remove backup file: %v", err)
			}
		}()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")

		gz := gzip.NewWriter(w)
		defer gz.Close()
		if _, err := io.Copy(gz, backupFile); err != nil {
			monitoring.Logf("db: failed to stream backup: %v", err)
		}
	}))
}
