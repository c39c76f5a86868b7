package engagement

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/civicworks/engage/internal/platform/database"
)

// Store holds the SQL for employment activities. Methods accept
// database.Querier so they can run inside WithTenantConnection or
// WithTenantTx; tenant-scoped statements also filter tenant_id explicitly.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

const activityColumns = `a.id::text, a.tenant_id::text, a.beneficiary_id::text, a.employer_name,
	a.hours_worked::float8, to_char(a.activity_date, 'YYYY-MM-DD'), a.verification_status,
	a.verification_method, a.provider, a.external_verification_id, a.verification_url,
	a.verification_data, a.webhook_received_at, a.created_at, a.updated_at`

func scanActivity(row pgx.Row, extra ...any) (*EmploymentActivity, error) {
	var a EmploymentActivity
	dest := []any{
		&a.ID, &a.TenantID, &a.BeneficiaryID, &a.EmployerName,
		&a.HoursWorked, &a.ActivityDate, &a.VerificationStatus,
		&a.VerificationMethod, &a.Provider, &a.ExternalVerificationID, &a.VerificationURL,
		&a.VerificationData, &a.WebhookReceivedAt, &a.CreatedAt, &a.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &a, nil
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// GetActivity loads an activity with its beneficiary.
func (s *Store) GetActivity(ctx context.Context, q database.Querier, tenantID, activityID string) (*EmploymentActivity, error) {
	if !isUUID(activityID) || !isUUID(tenantID) {
		return nil, ErrActivityNotFound
	}
	var b Beneficiary
	a, err := scanActivity(q.QueryRow(ctx,
		`SELECT `+activityColumns+`, b.id::text, b.first_name, b.last_name, b.date_of_birth
		 FROM employment_activities a
		 JOIN beneficiaries b ON b.id = a.beneficiary_id AND b.tenant_id = a.tenant_id
		 WHERE a.id = $1 AND a.tenant_id = $2`,
		activityID, tenantID,
	), &b.ID, &b.FirstName, &b.LastName, &b.DateOfBirth)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrActivityNotFound
		}
		return nil, fmt.Errorf("getting activity: %w", err)
	}
	a.Beneficiary = &b
	return a, nil
}

// RecordInvitation writes invitation fields unless the row is verified.
func (s *Store) RecordInvitation(ctx context.Context, q database.Querier, tenantID, activityID string, inv Invitation) error {
	if !isUUID(activityID) || !isUUID(tenantID) {
		return ErrActivityNotFound
	}
	tag, err := q.Exec(ctx,
		`UPDATE employment_activities
		 SET verification_status = 'pending',
		     verification_method = $3,
		     provider = $4,
		     external_verification_id = $5,
		     verification_url = $6,
		     updated_at = $7
		 WHERE id = $1 AND tenant_id = $2 AND verification_status <> 'verified'`,
		activityID, tenantID, inv.Method, inv.Provider, inv.ExternalVerificationID, inv.VerificationURL, inv.IssuedAt,
	)
	if err != nil {
		return fmt.Errorf("recording invitation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status Status
	err = q.QueryRow(ctx,
		`SELECT verification_status FROM employment_activities WHERE id = $1 AND tenant_id = $2`,
		activityID, tenantID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrActivityNotFound
	}
	if err != nil {
		return fmt.Errorf("checking activity status: %w", err)
	}
	return ErrAlreadyVerified
}

// LookupWebhookTarget resolves an activity by id without a tenant filter.
// It must run on a connection that is not subject to tenant RLS.
func (s *Store) LookupWebhookTarget(ctx context.Context, q database.Querier, activityID string) (*WebhookTarget, error) {
	if !isUUID(activityID) {
		return nil, ErrActivityNotFound
	}
	var t WebhookTarget
	err := q.QueryRow(ctx,
		`SELECT id::text, tenant_id::text, verification_status, verification_url IS NOT NULL
		 FROM employment_activities WHERE id = $1`,
		activityID,
	).Scan(&t.ActivityID, &t.TenantID, &t.Status, &t.HasInvitation)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrActivityNotFound
		}
		return nil, fmt.Errorf("looking up webhook target: %w", err)
	}
	return &t, nil
}

// ApplyWebhook records event data and moves status out of pending only. The
// row lock taken by the subselect makes concurrent deliveries observe each
// other's result as their previous status.
func (s *Store) ApplyWebhook(ctx context.Context, q database.Querier, tenantID, activityID string, u WebhookUpdate) (*WebhookResult, error) {
	if !isUUID(activityID) || !isUUID(tenantID) {
		return nil, ErrActivityNotFound
	}
	var target *string
	if u.Target != nil {
		t := string(*u.Target)
		target = &t
	}
	var data any
	if len(u.Data) > 0 {
		data = []byte(u.Data)
	}

	var r WebhookResult
	err := q.QueryRow(ctx,
		`UPDATE employment_activities AS a
		 SET verification_status = CASE
		         WHEN prev.verification_status = 'pending' AND $3::text IS NOT NULL THEN $3::text
		         ELSE a.verification_status
		     END,
		     verification_data = $4::jsonb,
		     webhook_received_at = $5,
		     updated_at = $5
		 FROM (
		     SELECT id, verification_status FROM employment_activities
		     WHERE id = $1 AND tenant_id = $2
		     FOR UPDATE
		 ) AS prev
		 WHERE a.id = prev.id
		 RETURNING prev.verification_status, a.verification_status`,
		activityID, tenantID, target, data, u.ReceivedAt,
	).Scan(&r.Previous, &r.Current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrActivityNotFound
		}
		return nil, fmt.Errorf("applying webhook: %w", err)
	}
	return &r, nil
}

// CreateActivity inserts a pending activity for a beneficiary of the tenant.
func (s *Store) CreateActivity(ctx context.Context, q database.Querier, tenantID, beneficiaryID string, n NewActivity) (*EmploymentActivity, error) {
	if !isUUID(beneficiaryID) || !isUUID(tenantID) {
		return nil, ErrBeneficiaryNotFound
	}
	a, err := scanActivity(q.QueryRow(ctx,
		`INSERT INTO employment_activities AS a (tenant_id, beneficiary_id, employer_name, hours_worked, activity_date)
		 SELECT b.tenant_id, b.id, $3, $4, $5::date
		 FROM beneficiaries b WHERE b.id = $1 AND b.tenant_id = $2
		 RETURNING `+activityColumns,
		beneficiaryID, tenantID, n.EmployerName, n.HoursWorked, n.ActivityDate,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBeneficiaryNotFound
		}
		return nil, fmt.Errorf("creating activity: %w", err)
	}
	return a, nil
}

// ListActivities returns a beneficiary's activities, newest activity date first.
func (s *Store) ListActivities(ctx context.Context, q database.Querier, tenantID, beneficiaryID string) ([]EmploymentActivity, error) {
	if !isUUID(beneficiaryID) || !isUUID(tenantID) {
		return nil, ErrBeneficiaryNotFound
	}
	var exists bool
	if err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM beneficiaries WHERE id = $1 AND tenant_id = $2)`,
		beneficiaryID, tenantID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking beneficiary: %w", err)
	}
	if !exists {
		return nil, ErrBeneficiaryNotFound
	}

	rows, err := q.Query(ctx,
		`SELECT `+activityColumns+`
		 FROM employment_activities a
		 WHERE a.tenant_id = $1 AND a.beneficiary_id = $2
		 ORDER BY a.activity_date DESC, a.created_at DESC`,
		tenantID, beneficiaryID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing activities: %w", err)
	}
	defer rows.Close()

	result := []EmploymentActivity{}
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}
