package kurrentdb

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Skipf(format string, args ...any)
	Cleanup(func())
}

// NewTestConnectionString returns ES_KURRENTDB_URL when set. Otherwise it
// starts a single node in-memory KurrentDB container and skips the test
// when Docker is unavailable or -short is set.
func NewTestConnectionString(t Testing) string {
	if v := os.Getenv("ES_KURRENTDB_URL"); v != "" {
		return v
	}
	if testing.Short() {
		t.Skipf("kurrentdb container skipped in short mode")
	}

	ctx := t.Context()
	db, err := testcontainers.Run(
		ctx, "docker.kurrent.io/kurrent-latest/kurrentdb:latest",
		testcontainers.WithEnv(map[string]string{
			"KURRENTDB_INSECURE":        "true",
			"KURRENTDB_MEM_DB":          "true",
			"KURRENTDB_CLUSTER_SIZE":    "1",
			"KURRENTDB_RUN_PROJECTIONS": "None",
		}),
		testcontainers.WithExposedPorts("2113/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/health/live").WithPort("2113/tcp").WithStatusCodeMatcher(func(status int) bool {
				return status == 204 || status == 200
			}),
		),
	)
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(db); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	endpoint, err := db.PortEndpoint(ctx, "2113/tcp", "")
	require.NoError(t, err)
	t.Logf("kurrentdb endpoint: %s", endpoint)
	return fmt.Sprintf("kurrentdb://%s?tls=false", endpoint)
}
