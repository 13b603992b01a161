package migrations

import (
	"context"
	"database/sql"
)

func deliverylog(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `CREATE TABLE delivery_log(id INTEGER PRIMARY KEY, sender INTEGER, inbox STRING NOT NULL, type STRING NOT NULL, success INTEGER NOT NULL DEFAULT 0, error STRING, status INTEGER, inserted INTEGER DEFAULT (UNIXEPOCH()))`); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `CREATE INDEX deliverylogsender ON delivery_log(sender)`); err != nil {
		return err
	}

	return nil
}
