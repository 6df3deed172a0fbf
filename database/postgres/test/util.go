package test

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/pkg/errors"

	kvpostgres "github.com/code-payments/iap-tracker/kv/postgres"

	_ "github.com/jackc/pgx/v4/stdlib"
)

const (
	containerName     = "postgres"
	containerVersion  = "14.5"
	containerAutoKill = 120 // seconds

	port     = 5432
	username = "localtest"
	password = "localtest"
	dbName   = "iap"
)

// StartPostgresDB starts a Postgres container and returns its connection url.
// The container is purged automatically after containerAutoKill seconds.
func StartPostgresDB(pool *dockertest.Pool) (databaseUrl string, err error) {
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: containerName,
		Tag:        containerVersion,
		Env: []string{
			"POSTGRES_USER=" + username,
			"POSTGRES_PASSWORD=" + password,
			"POSTGRES_DB=" + dbName,
			"listen_addresses = '*'",
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return "", errors.Wrap(err, "could not start postgres container")
	}

	if err := resource.Expire(containerAutoKill); err != nil {
		return "", errors.Wrap(err, "could not set container expiry")
	}

	hostAndPort := resource.GetHostPort(fmt.Sprintf("%d/tcp", port))
	databaseUrl = fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", username, password, hostAndPort, dbName)

	return databaseUrl, nil
}

// WaitForConnection blocks until the database accepts connections. When
// migrate is set, the key-value schema is applied once the database is up.
func WaitForConnection(databaseUrl string, migrate bool) (*sql.DB, func(), error) {
	var db *sql.DB

	deadline := time.Now().Add(2 * time.Minute)
	for {
		var err error
		db, err = sql.Open("pgx", databaseUrl)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
			db.Close()
		}

		if time.Now().After(deadline) {
			return nil, nil, errors.Wrap(err, "timed out waiting for postgres")
		}
		time.Sleep(500 * time.Millisecond)
	}

	if migrate {
		if err := kvpostgres.Migrate(context.Background(), db); err != nil {
			db.Close()
			return nil, nil, errors.Wrap(err, "could not apply schema")
		}
	}

	disconnect := func() {
		if err := db.Close(); err != nil {
			fmt.Printf("Could not close database: %s\n", err)
		}
	}

	return db, disconnect, nil
}
