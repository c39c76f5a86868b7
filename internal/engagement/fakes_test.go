package engagement_test

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/civicworks/engage/internal/audit"
	"github.com/civicworks/engage/internal/engagement"
	"github.com/civicworks/engage/internal/payroll"
	"github.com/civicworks/engage/internal/signature"
)

const testSecret = "whsec-test-secret"

// memRepo mirrors the SQL semantics of engagement.Store in memory.
type memRepo struct {
	mu            sync.Mutex
	activities    map[string]*engagement.EmploymentActivity
	beneficiaries map[string]*engagement.Beneficiary
	benTenant     map[string]string
	writes        int
}

func newMemRepo() *memRepo {
	return &memRepo{
		activities:    make(map[string]*engagement.EmploymentActivity),
		beneficiaries: make(map[string]*engagement.Beneficiary),
		benTenant:     make(map[string]string),
	}
}

func (r *memRepo) addBeneficiary(tenantID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	dob := "1990-04-12"
	id := uuid.NewString()
	r.beneficiaries[id] = &engagement.Beneficiary{ID: id, FirstName: "Ana", LastName: "Lopez", DateOfBirth: &dob}
	r.benTenant[id] = tenantID
	return id
}

func (r *memRepo) addActivity(tenantID string, status engagement.Status) string {
	benID := r.addBeneficiary(tenantID)
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.NewString()
	r.activities[id] = &engagement.EmploymentActivity{
		ID:                 id,
		TenantID:           tenantID,
		BeneficiaryID:      benID,
		EmployerName:       "Acme Foods",
		HoursWorked:        32,
		ActivityDate:       "2025-01-15",
		VerificationStatus: status,
	}
	return id
}

func (r *memRepo) get(id string) engagement.EmploymentActivity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.activities[id]
}

func (r *memRepo) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

func (r *memRepo) GetActivity(_ context.Context, tenantID, activityID string) (*engagement.EmploymentActivity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.activities[activityID]
	if !ok || a.TenantID != tenantID {
		return nil, engagement.ErrActivityNotFound
	}
	cp := *a
	cp.Beneficiary = r.beneficiaries[a.BeneficiaryID]
	return &cp, nil
}

func (r *memRepo) RecordInvitation(_ context.Context, tenantID, activityID string, inv engagement.Invitation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.activities[activityID]
	if !ok || a.TenantID != tenantID {
		return engagement.ErrActivityNotFound
	}
	if a.VerificationStatus == engagement.StatusVerified {
		return engagement.ErrAlreadyVerified
	}
	a.VerificationStatus = engagement.StatusPending
	a.VerificationMethod = &inv.Method
	a.Provider = &inv.Provider
	a.ExternalVerificationID = &inv.ExternalVerificationID
	a.VerificationURL = &inv.VerificationURL
	a.UpdatedAt = inv.IssuedAt
	r.writes++
	return nil
}

func (r *memRepo) LookupWebhookTarget(_ context.Context, activityID string) (*engagement.WebhookTarget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.activities[activityID]
	if !ok {
		return nil, engagement.ErrActivityNotFound
	}
	return &engagement.WebhookTarget{
		ActivityID:    a.ID,
		TenantID:      a.TenantID,
		Status:        a.VerificationStatus,
		HasInvitation: a.VerificationURL != nil,
	}, nil
}

func (r *memRepo) ApplyWebhook(_ context.Context, tenantID, activityID string, u engagement.WebhookUpdate) (*engagement.WebhookResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.activities[activityID]
	if !ok || a.TenantID != tenantID {
		return nil, engagement.ErrActivityNotFound
	}
	prev := a.VerificationStatus
	if prev == engagement.StatusPending && u.Target != nil {
		a.VerificationStatus = *u.Target
	}
	a.VerificationData = u.Data
	received := u.ReceivedAt
	a.WebhookReceivedAt = &received
	a.UpdatedAt = received
	r.writes++
	return &engagement.WebhookResult{Previous: prev, Current: a.VerificationStatus}, nil
}

func (r *memRepo) CreateActivity(_ context.Context, tenantID, beneficiaryID string, n engagement.NewActivity) (*engagement.EmploymentActivity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.benTenant[beneficiaryID] != tenantID {
		return nil, engagement.ErrBeneficiaryNotFound
	}
	a := &engagement.EmploymentActivity{
		ID:                 uuid.NewString(),
		TenantID:           tenantID,
		BeneficiaryID:      beneficiaryID,
		EmployerName:       n.EmployerName,
		HoursWorked:        n.HoursWorked,
		ActivityDate:       n.ActivityDate,
		VerificationStatus: engagement.StatusPending,
	}
	r.activities[a.ID] = a
	r.writes++
	cp := *a
	return &cp, nil
}

func (r *memRepo) ListActivities(_ context.Context, tenantID, beneficiaryID string) ([]engagement.EmploymentActivity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.benTenant[beneficiaryID] != tenantID {
		return nil, engagement.ErrBeneficiaryNotFound
	}
	out := []engagement.EmploymentActivity{}
	for _, a := range r.activities {
		if a.TenantID == tenantID && a.BeneficiaryID == beneficiaryID {
			out = append(out, *a)
		}
	}
	return out, nil
}

// stubGateway returns a canned invitation or error.
type stubGateway struct {
	mu    sync.Mutex
	inv   *payroll.Invitation
	err   error
	calls []payroll.InvitationRequest
}

func (g *stubGateway) CreateInvitation(_ context.Context, req payroll.InvitationRequest) (*payroll.Invitation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.err != nil {
		return nil, g.err
	}
	return g.inv, nil
}

func (g *stubGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func okGateway() *stubGateway {
	return &stubGateway{inv: &payroll.Invitation{
		TokenizedURL:   "https://ext/flow/abc123",
		ExpirationDate: "2025-01-01T00:00:00Z",
		Language:       "en",
	}}
}

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *recordingAudit) Log(_ context.Context, e audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *recordingAudit) Close() error { return nil }

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Action)
	}
	return out
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []engagement.StatusChange
}

func (p *recordingPublisher) PublishStatusChange(_ context.Context, c engagement.StatusChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, c)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

var fixedNow = time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

func testCodec() *signature.Codec {
	return signature.NewCodec(testSecret, 300*time.Second).WithClock(func() time.Time { return fixedNow })
}

// webhookBody builds a provider payload with fields in a fixed order.
func webhookBody(t *testing.T, eventType, status, caseNumber string) []byte {
	t.Helper()
	body, err := json.Marshal(struct {
		EventType string         `json:"event_type"`
		FlowID    string         `json:"flow_id"`
		Status    string         `json:"status"`
		Metadata  map[string]any `json:"metadata"`
		CreatedAt string         `json:"created_at"`
	}{
		EventType: eventType,
		FlowID:    "flow-1",
		Status:    status,
		Metadata:  map[string]any{"case_number": caseNumber},
		CreatedAt: fixedNow.Format(time.RFC3339),
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func signAt(body []byte, at time.Time) (string, string) {
	return signature.Sign([]byte(testSecret), body), strconv.FormatInt(at.Unix(), 10)
}
