package engagement

import "context"

// Repository persists employment activities. Every method except
// LookupWebhookTarget is scoped to a tenant.
type Repository interface {
	// GetActivity loads an activity and its beneficiary.
	GetActivity(ctx context.Context, tenantID, activityID string) (*EmploymentActivity, error)
	// RecordInvitation stores an issued invitation and resets status to
	// pending. It fails with ErrAlreadyVerified if the row is verified at
	// write time.
	RecordInvitation(ctx context.Context, tenantID, activityID string, inv Invitation) error
	// LookupWebhookTarget resolves an activity by id across tenants.
	LookupWebhookTarget(ctx context.Context, activityID string) (*WebhookTarget, error)
	// ApplyWebhook records event data and moves status only out of pending,
	// in a single statement.
	ApplyWebhook(ctx context.Context, tenantID, activityID string, u WebhookUpdate) (*WebhookResult, error)
	CreateActivity(ctx context.Context, tenantID, beneficiaryID string, a NewActivity) (*EmploymentActivity, error)
	ListActivities(ctx context.Context, tenantID, beneficiaryID string) ([]EmploymentActivity, error)
}
