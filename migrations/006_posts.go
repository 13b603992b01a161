package migrations

import (
	"context"
	"database/sql"
)

// posts, users and groups carry only the columns the delivery engine reads:
// eligibility flags and federation-status metadata. The web application owns
// the rest of their shape.
func posts(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `CREATE TABLE users(id INTEGER PRIMARY KEY, name STRING NOT NULL, federate INTEGER NOT NULL DEFAULT 1)`); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `CREATE TABLE groups(id INTEGER PRIMARY KEY, name STRING NOT NULL, federate INTEGER NOT NULL DEFAULT 1, announce INTEGER NOT NULL DEFAULT 1)`); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `CREATE TABLE posts(id INTEGER PRIMARY KEY, author INTEGER NOT NULL, grp INTEGER, title STRING, content STRING NOT NULL, published INTEGER NOT NULL, updated INTEGER, deleted INTEGER NOT NULL DEFAULT 0, federated INTEGER NOT NULL DEFAULT 0, remote_ids STRING)`); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `CREATE INDEX postsauthor ON posts(author)`); err != nil {
		return err
	}

	return nil
}
