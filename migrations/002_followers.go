package migrations

import (
	"context"
	"database/sql"
)

func followers(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `CREATE TABLE followers(id INTEGER PRIMARY KEY, actor INTEGER NOT NULL, inbox STRING NOT NULL, shared_inbox STRING, domain STRING NOT NULL, inserted INTEGER DEFAULT (UNIXEPOCH()))`); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `CREATE UNIQUE INDEX followersactorinbox ON followers(actor, inbox)`); err != nil {
		return err
	}

	// followers recorded before the multi-actor model, not tied to any local actor
	if _, err := tx.ExecContext(ctx, `CREATE TABLE legacy_followers(id INTEGER PRIMARY KEY, inbox STRING NOT NULL, shared_inbox STRING, domain STRING NOT NULL, inserted INTEGER DEFAULT (UNIXEPOCH()))`); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `CREATE UNIQUE INDEX legacyfollowersinbox ON legacy_followers(inbox)`); err != nil {
		return err
	}

	return nil
}
