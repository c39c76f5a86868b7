package engagement

import (
	"context"

	"github.com/civicworks/engage/internal/platform/database"
)

// PostgresRepository runs Store statements with the tenant's RLS context set.
type PostgresRepository struct {
	pool  *database.Pool
	store *Store
}

func NewPostgresRepository(pool *database.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool, store: NewStore()}
}

func (r *PostgresRepository) GetActivity(ctx context.Context, tenantID, activityID string) (*EmploymentActivity, error) {
	var a *EmploymentActivity
	err := database.WithTenantConnection(ctx, r.pool, tenantID, func(ctx context.Context, q database.Querier) error {
		var err error
		a, err = r.store.GetActivity(ctx, q, tenantID, activityID)
		return err
	})
	return a, err
}

func (r *PostgresRepository) RecordInvitation(ctx context.Context, tenantID, activityID string, inv Invitation) error {
	return database.WithTenantTx(ctx, r.pool, tenantID, func(ctx context.Context, q database.Querier) error {
		return r.store.RecordInvitation(ctx, q, tenantID, activityID, inv)
	})
}

// LookupWebhookTarget uses the pool directly: the provider is authenticated
// by signature, so there is no tenant to scope by yet.
func (r *PostgresRepository) LookupWebhookTarget(ctx context.Context, activityID string) (*WebhookTarget, error) {
	return r.store.LookupWebhookTarget(ctx, r.pool, activityID)
}

func (r *PostgresRepository) ApplyWebhook(ctx context.Context, tenantID, activityID string, u WebhookUpdate) (*WebhookResult, error) {
	var res *WebhookResult
	err := database.WithTenantTx(ctx, r.pool, tenantID, func(ctx context.Context, q database.Querier) error {
		var err error
		res, err = r.store.ApplyWebhook(ctx, q, tenantID, activityID, u)
		return err
	})
	return res, err
}

func (r *PostgresRepository) CreateActivity(ctx context.Context, tenantID, beneficiaryID string, n NewActivity) (*EmploymentActivity, error) {
	var a *EmploymentActivity
	err := database.WithTenantConnection(ctx, r.pool, tenantID, func(ctx context.Context, q database.Querier) error {
		var err error
		a, err = r.store.CreateActivity(ctx, q, tenantID, beneficiaryID, n)
		return err
	})
	return a, err
}

func (r *PostgresRepository) ListActivities(ctx context.Context, tenantID, beneficiaryID string) ([]EmploymentActivity, error) {
	var list []EmploymentActivity
	err := database.WithTenantConnection(ctx, r.pool, tenantID, func(ctx context.Context, q database.Querier) error {
		var err error
		list, err = r.store.ListActivities(ctx, q, tenantID, beneficiaryID)
		return err
	})
	return list, err
}
