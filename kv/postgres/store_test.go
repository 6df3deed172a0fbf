//go:build integration

package postgres

import (
	"os"
	"testing"

	"github.com/ory/dockertest/v3"
	"github.com/sirupsen/logrus"

	postgrestest "github.com/code-payments/iap-tracker/database/postgres/test"

	"github.com/code-payments/iap-tracker/kv/tests"

	_ "github.com/jackc/pgx/v4/stdlib"
)

var (
	testPool    *dockertest.Pool
	databaseUrl string
)

func TestMain(m *testing.M) {
	log := logrus.StandardLogger()

	var err error
	testPool, err = dockertest.NewPool("")
	if err != nil {
		log.WithError(err).Error("Error creating docker pool")
		os.Exit(1)
	}

	// Start a postgres container
	databaseUrl, err = postgrestest.StartPostgresDB(testPool)
	if err != nil {
		log.WithError(err).Error("Error starting postgres image")
		os.Exit(1)
	}

	// Wait for the database to be ready and apply the schema
	_, disconnect, err := postgrestest.WaitForConnection(databaseUrl, true)
	if err != nil {
		log.WithError(err).Error("Error waiting for connection")
		os.Exit(1)
	}
	disconnect()

	code := m.Run()
	os.Exit(code)
}

func TestKV_PostgresStore(t *testing.T) {
	db, disconnect, err := postgrestest.WaitForConnection(databaseUrl, false)
	if err != nil {
		t.Fatalf("Error connecting to database: %v", err)
	}
	defer disconnect()

	testStore := NewInPostgres(db)
	teardown := func() {
		testStore.(*pgStore).reset()
	}
	tests.RunStoreTests(t, testStore, teardown)
}
