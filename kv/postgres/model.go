package postgres

import (
	"context"
	"database/sql"
	"time"
)

const (
	kvTable = "iap_kv"

	schema = `
		CREATE TABLE IF NOT EXISTS ` + kvTable + ` (
			"key"       TEXT PRIMARY KEY,
			"value"     BYTEA NOT NULL,
			"createdAt" TIMESTAMPTZ NOT NULL,
			"updatedAt" TIMESTAMPTZ NOT NULL
		)`
)

// kvModel maps to the iap_kv table
type kvModel struct {
	Key       string    `db:"key"`
	Value     []byte    `db:"value"`
	CreatedAt time.Time `db:"createdAt"`
	UpdatedAt time.Time `db:"updatedAt"`
}

// Migrate creates the key-value table if it does not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}
