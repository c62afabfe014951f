// Package pgtest starts a throwaway Postgres container for integration tests.
package pgtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	Database = "testdb"
	Username = "testuser"
	Password = "testpass"
)

type Container struct {
	Host string
	Port string
}

// URL returns a connection string for the given role.
func (c *Container) URL(user, password string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, c.Host, c.Port, Database)
}

// AdminURL returns a connection string for the superuser.
func (c *Container) AdminURL() string {
	return c.URL(Username, Password)
}

// Start runs postgres:16-alpine and terminates it when the test ends. It
// skips the test in -short mode.
func Start(t *testing.T) *Container {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase(Database),
		postgres.WithUsername(Username),
		postgres.WithPassword(Password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pgContainer.Terminate(terminateCtx); err != nil {
			t.Logf("failed to cleanup postgres container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return &Container{Host: host, Port: port.Port()}
}
