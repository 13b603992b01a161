package migrations

import (
	"context"
	"database/sql"
)

func deliveries(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `CREATE TABLE deliveries(activity STRING NOT NULL, inbox STRING NOT NULL, status STRING NOT NULL DEFAULT 'PENDING', attempts INTEGER NOT NULL DEFAULT 0, last_error STRING, inserted INTEGER DEFAULT (UNIXEPOCH()), updated INTEGER DEFAULT (UNIXEPOCH()), PRIMARY KEY(activity, inbox))`); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `CREATE INDEX deliveriesstatus ON deliveries(status)`); err != nil {
		return err
	}

	return nil
}
