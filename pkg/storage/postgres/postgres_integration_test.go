//go:build integration

package postgres_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/flowdesk/flowdesk/pkg/storage"
	"github.com/flowdesk/flowdesk/pkg/storage/postgres"
	"github.com/flowdesk/flowdesk/pkg/storage/storagetest"
)

func TestPostgresStorage(t *testing.T) {
	ctx := context.Background()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("flowdesk"),
		postgrescontainer.WithUsername("flowdesk"),
		postgrescontainer.WithPassword("flowdesk"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	var store storage.Storage = postgres.NewStorage(pool)
	require.NoError(t, store.(*postgres.Storage).EnsureSchema(ctx))

	tester := storagetest.StorageTester{}

	tests := tester.GetTests()
	tester.PrepareTestData(store, t)
	for name, testFunc := range tests {
		t.Run(name, testFunc(store, t))
	}
}
