package test

import (
	"context"
	"fmt"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	containerName     = "redis"
	containerVersion  = "7-alpine"
	containerAutoKill = 120 // seconds

	port = 6379
)

// StartRedis starts a Redis container and returns its address along with a
// cleanup function that purges the container.
func StartRedis(pool *dockertest.Pool) (addr string, cleanup func(), err error) {
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: containerName,
		Tag:        containerVersion,
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return "", nil, errors.Wrap(err, "could not start redis container")
	}

	if err := resource.Expire(containerAutoKill); err != nil {
		return "", nil, errors.Wrap(err, "could not set container expiry")
	}

	addr = resource.GetHostPort(fmt.Sprintf("%d/tcp", port))

	cleanup = func() {
		if err := pool.Purge(resource); err != nil {
			fmt.Printf("Could not purge resource: %s\n", err)
		}
	}

	err = pool.Retry(func() error {
		client := redis.NewClient(&redis.Options{Addr: addr})
		defer client.Close()
		return client.Ping(context.Background()).Err()
	})
	if err != nil {
		cleanup()
		return "", nil, errors.Wrap(err, "could not connect to redis")
	}

	return addr, cleanup, nil
}
