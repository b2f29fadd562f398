// Package postgrestest starts a disposable migrated PostgreSQL for tests.
package postgrestest

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/k11v/buildmanager/internal/postgresprovision"
)

const (
	user     = "postgres"
	password = "postgres"
	dbname   = "postgres"
)

// Setup starts a PostgreSQL container and applies migrations.
// teardown is non-nil even when err is non-nil.
func Setup(ctx context.Context) (connectionString string, teardown func() error, err error) {
	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "postgres:17-alpine",
			Env: map[string]string{
				"POSTGRES_USER":     user,
				"POSTGRES_PASSWORD": password,
				"POSTGRES_DB":       dbname,
			},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	teardown = func() error {
		return testcontainers.TerminateContainer(c)
	}
	if err != nil {
		return "", teardown, err
	}

	endpoint, err := c.PortEndpoint(ctx, "5432/tcp", "")
	if err != nil {
		return "", teardown, err
	}
	connectionString = fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", user, password, endpoint, dbname)

	if err = postgresprovision.Setup(connectionString); err != nil {
		return "", teardown, fmt.Errorf("provision: %w", err)
	}

	return connectionString, teardown, nil
}
