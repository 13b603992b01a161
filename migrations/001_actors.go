package migrations

import (
	"context"
	"database/sql"
)

func actors(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `CREATE TABLE actors(id INTEGER PRIMARY KEY, kind STRING NOT NULL, entity INTEGER NOT NULL DEFAULT 0, uri STRING NOT NULL, actor STRING NOT NULL, privkey STRING NOT NULL, inserted INTEGER DEFAULT (UNIXEPOCH()))`); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `CREATE UNIQUE INDEX actorskindentity ON actors(kind, entity)`); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `CREATE UNIQUE INDEX actorsuri ON actors(uri)`); err != nil {
		return err
	}

	return nil
}
