package migrations

import (
	"context"
	"database/sql"
)

func activities(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `CREATE TABLE activities(id STRING NOT NULL PRIMARY KEY, sender INTEGER NOT NULL, type STRING NOT NULL, activity STRING NOT NULL, inserted INTEGER DEFAULT (UNIXEPOCH()))`); err != nil {
		return err
	}

	return nil
}
