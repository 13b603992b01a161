package migrations

import (
	"context"
	"database/sql"
)

func jobs(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `CREATE TABLE jobs(id STRING NOT NULL PRIMARY KEY, kind STRING NOT NULL, payload STRING NOT NULL, due INTEGER NOT NULL, attempts INTEGER NOT NULL DEFAULT 0, inserted INTEGER DEFAULT (UNIXEPOCH()))`); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `CREATE INDEX jobsdue ON jobs(due)`); err != nil {
		return err
	}

	return nil
}
