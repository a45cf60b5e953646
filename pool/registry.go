// Registry persists certificate fingerprints the transport layer has seen,
// so repeat enrollments can be recognised across process restarts. This is
// registry integrity bookkeeping, not message history — the spec's
// Non-goals explicitly exclude persisting traffic (§1); fingerprints are the
// one piece of transport-layer state worth surviving a restart.
package pool

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL statements that bring the
// registry schema up to date. Index i corresponds to version i+1; append,
// never edit or reorder.
var migrations = []string{
	// v1 — known certificate fingerprints
	`CREATE TABLE IF NOT EXISTS cert_fingerprints (
		fingerprint TEXT PRIMARY KEY,
		subject     TEXT NOT NULL DEFAULT '',
		first_seen  INTEGER NOT NULL DEFAULT (unixepoch()),
		last_seen   INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Registry wraps a SQLite database tracking the certificate fingerprints
// this instance has ever accepted, for read-only exposure via adminapi.
type Registry struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenRegistry opens (or creates) the registry database at path, applying
// any pending migrations. Use ":memory:" for ephemeral storage in tests.
func OpenRegistry(path string, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("pool: open registry db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Warn("registry: set busy_timeout", "error", err)
	}

	r := &Registry{db: db, log: log}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pool: migrate registry: %w", err)
	}
	return r, nil
}

func (r *Registry) migrate() error {
	_, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := r.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := r.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		r.log.Info("registry: applied migration", "version", v)
	}
	return nil
}

// Close releases the database connection.
func (r *Registry) Close() error { return r.db.Close() }

// Backup writes a consistent snapshot of the registry database to destPath.
func (r *Registry) Backup(destPath string) error {
	_, err := r.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}

// Observe records that fingerprint (subject's presented certificate) was
// seen just now, inserting a new row or bumping last_seen on an existing
// one.
func (r *Registry) Observe(fingerprint, subject string) error {
	_, err := r.db.Exec(
		`INSERT INTO cert_fingerprints(fingerprint, subject, first_seen, last_seen)
		 VALUES(?, ?, unixepoch(), unixepoch())
		 ON CONFLICT(fingerprint) DO UPDATE SET last_seen = unixepoch()`,
		fingerprint, subject,
	)
	return err
}

// FingerprintRecord is one known certificate fingerprint, for read-only
// operator exposure.
type FingerprintRecord struct {
	Fingerprint string
	Subject     string
	FirstSeen   time.Time
	LastSeen    time.Time
}

// Known returns true and the matching record if fingerprint has been
// observed before.
func (r *Registry) Known(fingerprint string) (FingerprintRecord, bool, error) {
	var rec FingerprintRecord
	var first, last int64
	err := r.db.QueryRow(
		`SELECT fingerprint, subject, first_seen, last_seen FROM cert_fingerprints WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&rec.Fingerprint, &rec.Subject, &first, &last)
	if err == sql.ErrNoRows {
		return FingerprintRecord{}, false, nil
	}
	if err != nil {
		return FingerprintRecord{}, false, err
	}
	rec.FirstSeen = time.Unix(first, 0).UTC()
	rec.LastSeen = time.Unix(last, 0).UTC()
	return rec, true, nil
}

// All returns every known fingerprint record, for the adminapi's read-only
// registry dump.
func (r *Registry) All() ([]FingerprintRecord, error) {
	rows, err := r.db.Query(
		`SELECT fingerprint, subject, first_seen, last_seen FROM cert_fingerprints ORDER BY last_seen DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FingerprintRecord
	for rows.Next() {
		var rec FingerprintRecord
		var first, last int64
		if err := rows.Scan(&rec.Fingerprint, &rec.Subject, &first, &last); err != nil {
			return nil, err
		}
		rec.FirstSeen = time.Unix(first, 0).UTC()
		rec.LastSeen = time.Unix(last, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
