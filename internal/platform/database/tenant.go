package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoTenant is returned when a tenant-scoped call is made without a tenant.
// An empty app.current_tenant_id would match no rows under RLS, which would
// read as "not found" instead of a programming error.
var ErrNoTenant = errors.New("tenant id is required")

// Querier abstracts pgx query methods so callers can work with both
// pool connections and transactions.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	setSessionTenantSQL = "SELECT set_config('app.current_tenant_id', $1, false)"
	setLocalTenantSQL   = "SELECT set_config('app.current_tenant_id', $1, true)"
)

// WithTenantConnection runs fn on a dedicated pooled connection whose RLS
// tenant is tenantID. The setting is cleared before the connection goes back
// to the pool.
func WithTenantConnection(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(ctx context.Context, q Querier) error) error {
	if strings.TrimSpace(tenantID) == "" {
		return ErrNoTenant
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer func() {
		// ctx may already be canceled here.
		_, _ = conn.Exec(context.Background(), setSessionTenantSQL, "")
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, setSessionTenantSQL, tenantID); err != nil {
		return fmt.Errorf("setting tenant context: %w", err)
	}
	return fn(ctx, conn)
}

// WithTenantTx is WithTenantConnection inside a transaction. The tenant
// setting is transaction-local. fn's error rolls the transaction back.
func WithTenantTx(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(ctx context.Context, q Querier) error) error {
	if strings.TrimSpace(tenantID) == "" {
		return ErrNoTenant
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, setLocalTenantSQL, tenantID); err != nil {
		return fmt.Errorf("setting tenant context: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
