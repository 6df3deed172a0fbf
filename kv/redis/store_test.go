//go:build integration

package redis

import (
	"os"
	"testing"

	"github.com/ory/dockertest/v3"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	redistest "github.com/code-payments/iap-tracker/database/redis/test"

	"github.com/code-payments/iap-tracker/kv/tests"
)

var redisAddr string

func TestMain(m *testing.M) {
	log := logrus.StandardLogger()

	pool, err := dockertest.NewPool("")
	if err != nil {
		log.WithError(err).Error("Error creating docker pool")
		os.Exit(1)
	}

	var cleanup func()
	redisAddr, cleanup, err = redistest.StartRedis(pool)
	if err != nil {
		log.WithError(err).Error("Error starting redis image")
		os.Exit(1)
	}

	code := m.Run()
	cleanup()
	os.Exit(code)
}

func TestKV_RedisStore(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: redisAddr})

	testStore := NewInRedis(client, "iap-test")
	defer testStore.Close()

	teardown := func() {
		testStore.(*store).reset()
	}
	tests.RunStoreTests(t, testStore, teardown)
}
