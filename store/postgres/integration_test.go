//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/roster/config"
	"github.com/warp/roster/roster"
	"github.com/warp/roster/store/postgres"
)

const migrationsDir = "../../migrations/postgres"

type stubClock struct{ now time.Time }

func (c stubClock) Now() time.Time { return c.now }

func TestCompareIntegration(t *testing.T) {
	cfgPath := os.Getenv(config.EnvConfigPath)
	if cfgPath == "" {
		t.Skip("CONFIG_PATH not set")
	}
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	if cfg.Database.Driver != config.DriverPostgres {
		t.Skipf("driver %q is not postgres", cfg.Database.Driver)
	}

	require.NoError(t, resetMigrations(cfg.Database.DSN(), migrationsDir))

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	st := postgres.New(pool)
	svc := roster.NewService(st, roster.Options{Clock: stubClock{now: time.Now().UTC()}})

	feb := roster.Scope{Period: roster.Period{Month: 2, Year: 2025}, Unit: roster.UnitDinas}
	march := roster.Scope{Period: roster.Period{Month: 3, Year: 2025}, Unit: roster.UnitDinas}

	_, err = svc.ReplacePeriod(ctx, feb, []roster.Candidate{
		{Identifier: "A", Name: "Ani", AccountNumber: "111"},
		{Identifier: "B", Name: "Budi", AccountNumber: "222"},
		{Identifier: "C", Name: "Citra", AccountNumber: "333"},
	})
	require.NoError(t, err)
	_, err = svc.ReplacePeriod(ctx, march, []roster.Candidate{
		{Identifier: "A", Name: "Ani", AccountNumber: "111"},
		{Identifier: "B", Name: "Budi", AccountNumber: "999"},
		{Identifier: "D", Name: "Dewi", AccountNumber: "444"},
	})
	require.NoError(t, err)

	res, err := svc.Compare(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.NewCount)
	assert.Equal(t, 1, res.Summary.DepartedCount)
	assert.Equal(t, 1, res.Summary.AccountChangeCount)
	assert.Equal(t, 1, res.Summary.UnchangedCount)

	departed, err := st.FindByIdentifier(ctx, march, "C")
	require.NoError(t, err)
	assert.Equal(t, roster.StatusDeparted, departed.Status)
	assert.Equal(t, roster.OriginDerived, departed.Origin)

	// Second run changes nothing.
	again, err := svc.Compare(ctx, march)
	require.NoError(t, err)
	assert.Zero(t, again.Stats.Updated)
	assert.Zero(t, again.Stats.Created)

	runs, err := st.ListRuns(ctx, roster.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	_, err = st.FindByIdentifier(ctx, feb, "D")
	assert.True(t, errors.Is(err, roster.ErrSnapshotNotFound))
}

func resetMigrations(dsn, dir string) error {
	m, err := migrate.New("file://"+dir, dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Down(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}
