package eventdb

import (
	"context"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE events (
				id       INTEGER PRIMARY KEY AUTOINCREMENT,
				at       DATETIME NOT NULL,
				kind     TEXT NOT NULL,
				hostname TEXT NOT NULL,
				group_id TEXT NOT NULL DEFAULT '',
				addr     TEXT NOT NULL DEFAULT '',
				detail   TEXT NOT NULL DEFAULT ''
			)
		`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			CREATE INDEX events_at_idx ON events (at)
		`); err != nil {
			return err
		}
		return nil
	})
}
