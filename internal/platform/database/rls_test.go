package database_test

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicworks/engage/internal/platform/database"
)

// setupRLSTestDB runs migrations as superuser, then returns a pool for a
// non-superuser role (RLS enforced) plus the superuser connStr for seeding.
func setupRLSTestDB(t *testing.T) (rlsPool *database.Pool, superConnStr string, cleanup func()) {
	t.Helper()
	ctx := context.Background()

	connStr, containerCleanup := setupPostgres(t)

	_, err := database.RunMigrations(connStr, "file://../../../migrations")
	require.NoError(t, err)

	superPool, err := database.Connect(ctx, connStr, 2)
	require.NoError(t, err)
	_, err = superPool.Exec(ctx, `
		CREATE ROLE rls_user LOGIN PASSWORD 'rls_pass';
		GRANT USAGE ON SCHEMA public TO rls_user;
		GRANT SELECT, INSERT, UPDATE, DELETE ON ALL TABLES IN SCHEMA public TO rls_user;
	`)
	require.NoError(t, err)
	superPool.Close()

	u, err := url.Parse(connStr)
	require.NoError(t, err)
	u.User = url.UserPassword("rls_user", "rls_pass")

	pool, err := database.Connect(ctx, u.String(), 5)
	require.NoError(t, err)

	cleanup = func() {
		pool.Close()
		containerCleanup()
	}
	return pool, connStr, cleanup
}

// seedTwoTenants creates one beneficiary and one employment activity per tenant.
func seedTwoTenants(t *testing.T, superConnStr string) (tenantA, tenantB, activityB string) {
	t.Helper()
	ctx := context.Background()

	pool, err := database.Connect(ctx, superConnStr, 2)
	require.NoError(t, err)
	defer pool.Close()

	seed := func(name, slug string) (string, string) {
		var tenantID, beneficiaryID, activityID string
		require.NoError(t, pool.QueryRow(ctx,
			"INSERT INTO tenants (name, slug) VALUES ($1, $2) RETURNING id", name, slug,
		).Scan(&tenantID))
		require.NoError(t, pool.QueryRow(ctx,
			"INSERT INTO beneficiaries (tenant_id, first_name, last_name) VALUES ($1, 'Ada', 'Lovelace') RETURNING id", tenantID,
		).Scan(&beneficiaryID))
		require.NoError(t, pool.QueryRow(ctx,
			`INSERT INTO employment_activities (tenant_id, beneficiary_id, employer_name, hours_worked, activity_date)
			 VALUES ($1, $2, 'Acme', 20, '2025-01-15') RETURNING id`, tenantID, beneficiaryID,
		).Scan(&activityID))
		return tenantID, activityID
	}

	tenantA, _ = seed("Tenant A", "tenant-a")
	tenantB, activityB = seed("Tenant B", "tenant-b")
	return tenantA, tenantB, activityB
}

func TestRLS_TenantIsolation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	rlsPool, superConnStr, cleanup := setupRLSTestDB(t)
	defer cleanup()

	tenantA, tenantB, _ := seedTwoTenants(t, superConnStr)
	ctx := context.Background()

	for _, table := range []string{"beneficiaries", "employment_activities"} {
		for _, tenantID := range []string{tenantA, tenantB} {
			err := database.WithTenantConnection(ctx, rlsPool, tenantID, func(ctx context.Context, q database.Querier) error {
				var count int
				// Table names are constants above, not user input.
				require.NoError(t, q.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count))
				assert.Equal(t, 1, count, "tenant should see exactly 1 row in %s", table)
				return nil
			})
			require.NoError(t, err)
		}
	}
}

func TestRLS_CrossTenantActivityReadDenied(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	rlsPool, superConnStr, cleanup := setupRLSTestDB(t)
	defer cleanup()

	tenantA, _, activityB := seedTwoTenants(t, superConnStr)
	ctx := context.Background()

	err := database.WithTenantConnection(ctx, rlsPool, tenantA, func(ctx context.Context, q database.Querier) error {
		var gotID string
		scanErr := q.QueryRow(ctx, "SELECT id FROM employment_activities WHERE id = $1", activityB).Scan(&gotID)
		assert.ErrorIs(t, scanErr, pgx.ErrNoRows)
		return nil
	})
	require.NoError(t, err)
}

func TestRLS_NoTenantSeesNothing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	rlsPool, superConnStr, cleanup := setupRLSTestDB(t)
	defer cleanup()

	seedTwoTenants(t, superConnStr)

	var count int
	err := rlsPool.QueryRow(context.Background(), "SELECT COUNT(*) FROM employment_activities").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestWithTenantTx_RollsBackOnError(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	rlsPool, superConnStr, cleanup := setupRLSTestDB(t)
	defer cleanup()

	_, tenantB, activityB := seedTwoTenants(t, superConnStr)
	ctx := context.Background()
	errBoom := errors.New("boom")

	err := database.WithTenantTx(ctx, rlsPool, tenantB, func(ctx context.Context, q database.Querier) error {
		_, execErr := q.Exec(ctx, "UPDATE employment_activities SET verification_status = 'verified' WHERE id = $1", activityB)
		require.NoError(t, execErr)
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	err = database.WithTenantConnection(ctx, rlsPool, tenantB, func(ctx context.Context, q database.Querier) error {
		var status string
		require.NoError(t, q.QueryRow(ctx, "SELECT verification_status FROM employment_activities WHERE id = $1", activityB).Scan(&status))
		assert.Equal(t, "pending", status)
		return nil
	})
	require.NoError(t, err)
}
