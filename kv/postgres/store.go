package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/code-payments/iap-tracker/kv"
)

type pgStore struct {
	db *sqlx.DB
}

// NewInPostgres returns a kv.Store over a database opened with the pgx stdlib
// driver. Call Migrate first on a fresh database.
func NewInPostgres(db *sql.DB) kv.Store {
	return &pgStore{
		db: sqlx.NewDb(db, "pgx"),
	}
}

func (s *pgStore) reset() {
	_, err := s.db.Exec(`DELETE FROM ` + kvTable)
	if err != nil {
		panic(err)
	}
}

func (s *pgStore) Get(ctx context.Context, key string) ([]byte, error) {
	var m kvModel
	query := `SELECT "key", "value", "createdAt", "updatedAt" FROM ` + kvTable + ` WHERE "key" = $1`
	err := s.db.GetContext(ctx, &m, query, key)
	if err == sql.ErrNoRows {
		return nil, kv.ErrNotFound
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to get %s", key)
	}
	return m.Value, nil
}

func (s *pgStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, upsertQuery, key, nonNil(value), time.Now())
	return errors.Wrapf(err, "failed to put %s", key)
}

func (s *pgStore) PutIfAbsent(ctx context.Context, key string, value []byte) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+kvTable+` ("key", "value", "createdAt", "updatedAt")
		VALUES ($1, $2, $3, $4)
	`, key, nonNil(value), now, now)
	if isUniqueViolation(err) {
		return kv.ErrExists
	}
	return errors.Wrapf(err, "failed to insert %s", key)
}

func (s *pgStore) PutAll(ctx context.Context, entries []kv.Entry) (err error) {
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
			panic(p) // re-throw panic after Rollback
		} else if err != nil {
			_ = tx.Rollback() // err is non-nil; rollback
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

	// The transaction will be committed by the deferred function if err == nil
	return nil
}

func (s *pgStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+kvTable+` WHERE "key" = $1`, key)
	return errors.Wrapf(err, "failed to delete %s", key)
}

func (s *pgStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	query := `SELECT "key" FROM ` + kvTable + ` WHERE left("key", char_length($1::text)) = $1::text`
	err := s.db.SelectContext(ctx, &keys, query, prefix)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list keys with prefix %s", prefix)
	}
	return keys, nil
}

func (s *pgStore) Close() error {
	return s.db.Close()
}

const upsertQuery = `
	INSERT INTO ` + kvTable + ` ("key", "value", "createdAt", "updatedAt")
	VALUES ($1, $2, $3, $3)
	ON CONFLICT ("key") DO UPDATE SET "value" = EXCLUDED."value", "updatedAt" = EXCLUDED."updatedAt"
`

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func nonNil(value []byte) []byte {
	if value == nil {
		return []byte{}
	}
	return value
}
