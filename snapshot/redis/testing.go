package redis

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Skipf(format string, args ...any)
	Cleanup(func())
}

// NewTestAddr returns ES_REDIS_ADDR when set. Otherwise it starts a redis
// container and skips the test when Docker is unavailable or -short is set.
func NewTestAddr(t Testing) string {
	if addr := os.Getenv("ES_REDIS_ADDR"); addr != "" {
		return addr
	}
	if testing.Short() {
		t.Skipf("redis container skipped in short mode")
	}

	ctx := t.Context()
	c, err := testcontainers.Run(
		ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	)
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(c); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	endpoint, err := c.PortEndpoint(ctx, "6379/tcp", "")
	require.NoError(t, err)
	return endpoint
}
