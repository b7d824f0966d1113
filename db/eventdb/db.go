// Package eventdb implements sqlite3 storage for the hapulse node-event
// journal. Cluster state itself is never persisted; the journal only records
// what happened (role changes, rejected senders) for post-mortem inspection.
package eventdb

import (
	"context"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
)

// DB stores node events in a sqlite3 database.
type DB struct {
	x *sqlx.DB
}

// Open opens a DB from the provided sqlite3 path.
func Open(name string) (*DB, error) {
	// note: WAL keeps journal writes off the heartbeat handlers' backs
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	return &DB{x}, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

// Event is one journal row.
type Event struct {
	ID       int64     `db:"id" json:"id"`
	At       time.Time `db:"at" json:"at"`
	Kind     string    `db:"kind" json:"kind"`
	Hostname string    `db:"hostname" json:"hostname"`
	GroupID  string    `db:"group_id" json:"group_id,omitempty"`
	Addr     string    `db:"addr" json:"addr,omitempty"`
	Detail   string    `db:"detail" json:"detail,omitempty"`
}

// Event kinds.
const (
	KindStateChange  = "state_change"
	KindUnidentified = "unidentified_sender"
)

// Record appends an event to the journal.
func (db *DB) Record(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := db.x.NamedExecContext(ctx, `
		INSERT INTO
		events ( at,  kind,  hostname,  group_id,  addr,  detail)
		VALUES (:at, :kind, :hostname, :group_id, :addr, :detail)
	`, ev)
	return err
}

// Recent returns up to limit events, newest first.
func (db *DB) Recent(ctx context.Context, limit int) ([]Event, error) {
	var evs []Event
	if err := db.x.SelectContext(ctx, &evs, `
		SELECT id, at, kind, hostname, group_id, addr, detail
		FROM events ORDER BY id DESC LIMIT ?
	`, limit); err != nil {
		return nil, err
	}
	return evs, nil
}

// Prune deletes events older than keep.
func (db *DB) Prune(ctx context.Context, keep time.Duration) (int64, error) {
	res, err := db.x.ExecContext(ctx, `DELETE FROM events WHERE at < ?`, time.Now().Add(-keep))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
