// Package history archives every incident transition in Postgres.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/safehome/incident"
	logp "github.com/charmbracelet/log"
	_ "github.com/lib/pq"
)

var log = logp.NewWithOptions(os.Stderr, logp.Options{
	ReportTimestamp: true,
	TimeFormat:      time.Kitchen,
	Prefix:          "history",
})

var ErrNotFound = errors.New("incident not found in history")

const schema = `
CREATE TABLE IF NOT EXISTS incidents (
	id         TEXT PRIMARY KEY,
	class      TEXT NOT NULL,
	zone_id    TEXT NOT NULL,
	sensor_id  TEXT NOT NULL,
	status     TEXT NOT NULL,
	tier       INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	data       JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS incident_events (
	id          BIGSERIAL PRIMARY KEY,
	incident_id TEXT NOT NULL REFERENCES incidents(id),
	name        TEXT NOT NULL,
	status      TEXT NOT NULL,
	at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS incident_events_incident_id ON incident_events (incident_id, id);
`

type Store struct {
	db *sql.DB
}

// Open connects to Postgres.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not reach database: %w", err)
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("could not migrate: %w", err)
	}
	return nil
}

// Record stores the incident snapshot and appends the event that produced
// it.
func (s *Store) Record(ctx context.Context, name string, inc incident.Incident, at time.Time) error {
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("could not encode incident: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO incidents (id, class, zone_id, sensor_id, status, tier, created_at, updated_at, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			tier = EXCLUDED.tier,
			updated_at = EXCLUDED.updated_at,
			data = EXCLUDED.data`,
		inc.ID, inc.Class.String(), inc.ZoneID, inc.SensorID, inc.Status.String(), inc.Tier, inc.CreatedAt, at, data,
	); err != nil {
		return fmt.Errorf("could not upsert incident %s: %w", inc.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO incident_events (incident_id, name, status, at) VALUES ($1, $2, $3, $4)`,
		inc.ID, name, inc.Status.String(), at,
	); err != nil {
		return fmt.Errorf("could not append event for %s: %w", inc.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (incident.Incident, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM incidents WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return incident.Incident{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return incident.Incident{}, fmt.Errorf("could not get incident %s: %w", id, err)
	}
	var inc incident.Incident
	if err := json.Unmarshal(data, &inc); err != nil {
		return incident.Incident{}, fmt.Errorf("could not decode incident %s: %w", id, err)
	}
	return inc, nil
}

// Entry is one archived transition.
type Entry struct {
	Name   string    `json:"name"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// Events lists the archived transitions of an incident, oldest first.
func (s *Store) Events(ctx context.Context, id string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, status, at FROM incident_events WHERE incident_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("could not list events of %s: %w", id, err)
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Name, &e.Status, &e.At); err != nil {
			return nil, fmt.Errorf("could not scan event: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
