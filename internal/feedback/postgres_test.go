package feedback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgres runs a throwaway postgres container, skipping the test
// when no container runtime is reachable.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container test skipped in -short mode")
	}
	ctx := context.Background()

	var (
		container *postgres.PostgresContainer
		err       error
	)
	func() {
		defer func() {
			// testcontainers panics when no docker provider exists.
			if rec := recover(); rec != nil {
				t.Skipf("no container runtime: %v", rec)
			}
		}()
		container, err = postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("feedback"),
			postgres.WithUsername("feedback"),
			postgres.WithPassword("feedback"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(120*time.Second),
				wait.ForListeningPort("5432/tcp").WithStartupTimeout(120*time.Second),
			),
		)
	}()
	if err != nil {
		t.Skipf("no container runtime: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return url
}

func TestPostgresSinkRoundTrip(t *testing.T) {
	url := startPostgres(t)
	ctx := context.Background()

	s, err := OpenPostgres(ctx, url)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(ctx))

	// Migrating twice is a no-op.
	require.NoError(t, Migrate(ctx, s.pool))

	older := NewReport("I hate waiting", 1, 0.61)
	older.CreatedAt = time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	newer := NewReport("I love this product!", 0, 0.88)
	newer.Comment = "clearly positive"
	newer.RequestID = "req-42"
	newer.CreatedAt = newer.CreatedAt.Truncate(time.Microsecond)
	require.NoError(t, s.Record(ctx, older))
	require.NoError(t, s.Record(ctx, newer))

	var lister Lister = s
	got, err := lister.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer.ID, got[0].ID)
	assert.Equal(t, "clearly positive", got[0].Comment)
	assert.Equal(t, "req-42", got[0].RequestID)
	assert.InDelta(t, 0.88, got[0].Confidence, 1e-9)
	assert.True(t, newer.CreatedAt.Equal(got[0].CreatedAt))
	assert.Equal(t, older.ID, got[1].ID)

	got, err = s.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = s.Recent(ctx, 0)
	assert.Error(t, err)

	dup := newer
	assert.Error(t, s.Record(ctx, dup), "duplicate id")
}
