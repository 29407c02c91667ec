// Package store keeps the observation log and the object catalog in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/w1xm/platesolve/coord"
	"github.com/w1xm/platesolve/internal/log"
	"github.com/w1xm/platesolve/pointing"
	_ "modernc.org/sqlite"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrTourNotFound   = errors.New("tour not found")
)

// TourPrefix marks a name as a tour rather than a single object.
const TourPrefix = "TOUR "

const schema = `
CREATE TABLE IF NOT EXISTS observations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    ra REAL NOT NULL,
    dec REAL NOT NULL,
    solved INTEGER NOT NULL,
    commanded_ra REAL NOT NULL,
    commanded_dec REAL NOT NULL,
    delta_ra_arcsec REAL NOT NULL DEFAULT 0,
    delta_dec_arcsec REAL NOT NULL DEFAULT 0,
    result TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_observations_timestamp ON observations(timestamp);

CREATE TABLE IF NOT EXISTS objects (
    name TEXT PRIMARY KEY,
    ra REAL NOT NULL,
    dec REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS tours (
    name TEXT NOT NULL,
    seq INTEGER NOT NULL,
    object TEXT NOT NULL,
    PRIMARY KEY (name, seq)
);
`

// Object is a named catalog entry.
type Object struct {
	Name     string
	Position coord.Equatorial
}

type Store struct {
	db *sql.DB
	// recordTimeout bounds a single observation insert.
	recordTimeout time.Duration
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema in %s: %w", path, err)
	}
	log.Debug("database ready", "path", path)
	return &Store{db: db, recordTimeout: 2 * time.Second}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts o. Failures are logged, not returned, so the loop never
// stalls on the observation log.
func (s *Store) Record(o pointing.Observation) {
	ctx, cancel := context.WithTimeout(context.Background(), s.recordTimeout)
	defer cancel()
	if err := s.Insert(ctx, o); err != nil {
		log.Error(err, "recording observation", "result", o.Result)
	}
}

func (s *Store) Insert(ctx context.Context, o pointing.Observation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO observations
		    (timestamp, ra, dec, solved, commanded_ra, commanded_dec, delta_ra_arcsec, delta_dec_arcsec, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.Time.UTC().Format(time.RFC3339Nano), o.Position.RA, o.Position.Dec, o.Solved,
		o.Commanded.RA, o.Commanded.Dec, o.Error.DeltaRAArcsec, o.Error.DeltaDecArcsec, o.Result)
	if err != nil {
		return fmt.Errorf("inserting observation: %w", err)
	}
	return nil
}

// Observations returns up to limit observations, newest first.
func (s *Store) Observations(ctx context.Context, limit int) ([]pointing.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, ra, dec, solved, commanded_ra, commanded_dec, delta_ra_arcsec, delta_dec_arcsec, result
		FROM observations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing observations: %w", err)
	}
	defer rows.Close()

	var out []pointing.Observation
	for rows.Next() {
		var o pointing.Observation
		var ts string
		err := rows.Scan(&ts, &o.Position.RA, &o.Position.Dec, &o.Solved,
			&o.Commanded.RA, &o.Commanded.Dec, &o.Error.DeltaRAArcsec, &o.Error.DeltaDecArcsec, &o.Result)
		if err != nil {
			return nil, fmt.Errorf("scanning observation: %w", err)
		}
		if o.Time, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("observation timestamp %q: %w", ts, err)
		}
		o.Error.MagnitudeArcsec = math.Hypot(o.Error.DeltaRAArcsec, o.Error.DeltaDecArcsec)
		out = append(out, o)
	}
	return out, rows.Err()
}

// AddObject adds obj to the catalog, replacing any entry with the same name.
func (s *Store) AddObject(ctx context.Context, obj Object) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO objects (name, ra, dec) VALUES (?, ?, ?)`,
		obj.Name, obj.Position.RA, obj.Position.Dec)
	if err != nil {
		return fmt.Errorf("adding object %q: %w", obj.Name, err)
	}
	return nil
}

// AddTourStop sets stop seq of tour to the named object.
func (s *Store) AddTourStop(ctx context.Context, tour string, seq int, object string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tours (name, seq, object) VALUES (?, ?, ?)`,
		tour, seq, object)
	if err != nil {
		return fmt.Errorf("adding stop %d to tour %q: %w", seq, tour, err)
	}
	return nil
}

// Resolve looks up name in the catalog. "TOUR <name>" resolves to the first
// stop of that tour.
func (s *Store) Resolve(ctx context.Context, name string) (Object, error) {
	name = strings.TrimSpace(name)
	if tour, ok := strings.CutPrefix(name, TourPrefix); ok {
		tour = strings.TrimSpace(tour)
		err := s.db.QueryRowContext(ctx,
			`SELECT object FROM tours WHERE name = ? ORDER BY seq LIMIT 1`, tour).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return Object{}, fmt.Errorf("%w: %q", ErrTourNotFound, tour)
		}
		if err != nil {
			return Object{}, fmt.Errorf("looking up tour %q: %w", tour, err)
		}
	}
	obj := Object{Name: name}
	err := s.db.QueryRowContext(ctx,
		`SELECT ra, dec FROM objects WHERE name = ?`, name).Scan(&obj.Position.RA, &obj.Position.Dec)
	if errors.Is(err, sql.ErrNoRows) {
		return Object{}, fmt.Errorf("%w: %q", ErrObjectNotFound, name)
	}
	if err != nil {
		return Object{}, fmt.Errorf("looking up object %q: %w", name, err)
	}
	return obj, nil
}
