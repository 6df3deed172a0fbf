package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	_ "github.com/mattn/go-sqlite3"

	"github.com/code-payments/iap-tracker/kv"
)

const (
	tableName = "iap_kv"

	schema = `
		CREATE TABLE IF NOT EXISTS ` + tableName + ` (
			key       TEXT PRIMARY KEY,
			value     BLOB NOT NULL,
			createdAt TIMESTAMP NOT NULL,
			updatedAt TIMESTAMP NOT NULL
		)`
)

type store struct {
	db *sqlx.DB
}

// Open creates or opens a SQLite database at the given path and makes sure
// the key-value table exists.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//
// SQLite only supports one writer, so the pool is limited to a single
// connection.
func Open(path string) (kv.Store, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "failed to execute %q", pragma)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to apply schema")
	}

	return &store{db: db}, nil
}

func (s *store) reset() {
	_, err := s.db.Exec(`DELETE FROM ` + tableName)
	if err != nil {
		panic(err)
	}
}

func (s *store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.GetContext(ctx, &value, `SELECT value FROM `+tableName+` WHERE key = ?`, key)
	if err == sql.ErrNoRows {
		return nil, kv.ErrNotFound
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to get %s", key)
	}
	return value, nil
}

func (s *store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, upsertQuery, key, nonNil(value), time.Now())
	return errors.Wrapf(err, "failed to put %s", key)
}

func (s *store) PutIfAbsent(ctx context.Context, key string, value []byte) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO `+tableName+` (key, value, createdAt, updatedAt)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO NOTHING
	`, key, nonNil(value), now, now)
	if err != nil {
		return errors.Wrapf(err, "failed to insert %s", key)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to insert %s", key)
	}
	if inserted == 0 {
		return kv.ErrExists
	}
	return nil
}

func (s *store) PutAll(ctx context.Context, entries []kv.Entry) (err error) {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			_ = tx.Rollback()
		} else {
			err = errors.Wrap(tx.Commit(), "failed to commit transaction")
		}
	}()

	now := time.Now()
	for _, e := range entries {
		if _, err = tx.ExecContext(ctx, upsertQuery, e.Key, nonNil(e.Value), now); err != nil {
			return errors.Wrapf(err, "failed to put %s", e.Key)
		}
	}
	return nil
}

func (s *store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+tableName+` WHERE key = ?`, key)
	return errors.Wrapf(err, "failed to delete %s", key)
}

func (s *store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.SelectContext(ctx, &keys, `
		SELECT key FROM `+tableName+`
		WHERE substr(key, 1, length(?)) = ?
	`, prefix, prefix)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list keys with prefix %s", prefix)
	}
	return keys, nil
}

func (s *store) Close() error {
	return s.db.Close()
}

// The timestamp placeholder is reused for createdAt on insert.
var upsertQuery = fmt.Sprintf(`
	INSERT INTO %s (key, value, createdAt, updatedAt)
	VALUES (?1, ?2, ?3, ?3)
	ON CONFLICT (key) DO UPDATE SET value = excluded.value, updatedAt = excluded.updatedAt
`, tableName)

func nonNil(value []byte) []byte {
	if value == nil {
		return []byte{}
	}
	return value
}
