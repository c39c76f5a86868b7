// Package engagement tracks employment activities reported by beneficiaries
// and drives their verification through the payroll provider: issuing
// invitations, reconciling signed provider webhooks and serving status.
package engagement

import (
	"encoding/json"
	"time"
)

// Status is the verification state of an employment activity.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no webhook may move the status any further.
func (s Status) Terminal() bool {
	return s == StatusVerified || s == StatusFailed
}

// VerificationMethodPayroll tags activities verified through the payroll provider.
const VerificationMethodPayroll = "payroll"

// Beneficiary is the person an activity belongs to.
type Beneficiary struct {
	ID          string  `json:"id"`
	FirstName   string  `json:"first_name"`
	LastName    string  `json:"last_name"`
	DateOfBirth *string `json:"date_of_birth,omitempty"`
}

// EmploymentActivity is a reported period of employment awaiting or having
// undergone verification.
type EmploymentActivity struct {
	ID                     string          `json:"id"`
	TenantID               string          `json:"tenant_id"`
	BeneficiaryID          string          `json:"beneficiary_id"`
	EmployerName           string          `json:"employer_name"`
	HoursWorked            float64         `json:"hours_worked"`
	ActivityDate           string          `json:"activity_date"`
	VerificationStatus     Status          `json:"verification_status"`
	VerificationMethod     *string         `json:"verification_method"`
	Provider               *string         `json:"provider"`
	ExternalVerificationID *string         `json:"external_verification_id"`
	VerificationURL        *string         `json:"verification_url"`
	VerificationData       json.RawMessage `json:"verification_data"`
	WebhookReceivedAt      *time.Time      `json:"webhook_received_at"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`

	Beneficiary *Beneficiary `json:"beneficiary,omitempty"`
}

// NewActivity is the input for creating an employment activity.
type NewActivity struct {
	EmployerName string  `json:"employer_name"`
	HoursWorked  float64 `json:"hours_worked"`
	ActivityDate string  `json:"activity_date"`
}

// Invitation is what gets persisted once the provider issues a verification URL.
type Invitation struct {
	Method                 string
	Provider               string
	ExternalVerificationID string
	VerificationURL        string
	IssuedAt               time.Time
}

// InitiatedVerification is returned to the caller that started verification.
type InitiatedVerification struct {
	VerificationURL string `json:"verification_url"`
	ExpiresAt       string `json:"expires_at"`
}

// StatusSnapshot is the read-only view of an activity's verification state.
type StatusSnapshot struct {
	ActivityID         string          `json:"activityId"`
	VerificationStatus Status          `json:"verificationStatus"`
	VerificationMethod *string         `json:"verificationMethod"`
	Provider           *string         `json:"provider"`
	VerificationURL    *string         `json:"verificationUrl"`
	VerificationData   json.RawMessage `json:"verificationData"`
	WebhookReceivedAt  *time.Time      `json:"webhookReceivedAt"`
}

func snapshotOf(a *EmploymentActivity) *StatusSnapshot {
	data := a.VerificationData
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return &StatusSnapshot{
		ActivityID:         a.ID,
		VerificationStatus: a.VerificationStatus,
		VerificationMethod: a.VerificationMethod,
		Provider:           a.Provider,
		VerificationURL:    a.VerificationURL,
		VerificationData:   data,
		WebhookReceivedAt:  a.WebhookReceivedAt,
	}
}

// WebhookTarget is what the webhook path learns about an activity before
// tenant scope is known.
type WebhookTarget struct {
	ActivityID    string
	TenantID      string
	Status        Status
	HasInvitation bool
}

// WebhookUpdate is applied atomically to one activity row. A nil Target
// records the event without touching status.
type WebhookUpdate struct {
	Target     *Status
	Data       json.RawMessage
	ReceivedAt time.Time
}

// WebhookResult reports the status before and after an applied update.
type WebhookResult struct {
	Previous Status
	Current  Status
}

// Changed reports whether the update moved the status.
func (r WebhookResult) Changed() bool {
	return r.Previous != r.Current
}

// WebhookOutcome summarizes how a delivered webhook was handled.
type WebhookOutcome struct {
	EventType  string `json:"event_type"`
	ActivityID string `json:"activity_id,omitempty"`
	Matched    bool   `json:"matched"`
	Changed    bool   `json:"changed"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	Status     Status `json:"status,omitempty"`
}
