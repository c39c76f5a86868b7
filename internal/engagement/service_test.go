package engagement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicworks/engage/internal/audit"
	"github.com/civicworks/engage/internal/engagement"
	"github.com/civicworks/engage/internal/payroll"
	"github.com/civicworks/engage/internal/platform/dedup"
)

func newTestService(repo engagement.Repository, gw engagement.Gateway, opts ...engagement.Option) *engagement.Service {
	opts = append([]engagement.Option{engagement.WithClock(func() time.Time { return fixedNow })}, opts...)
	return engagement.NewService(repo, gw, testCodec(), opts...)
}

func TestVerificationLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	tenant := uuid.NewString()
	a1 := repo.addActivity(tenant, engagement.StatusPending)
	gw := okGateway()
	svc := newTestService(repo, gw)

	// Invitation issued.
	res, err := svc.InitiateVerification(ctx, a1, tenant)
	require.NoError(t, err)
	assert.Equal(t, "https://ext/flow/abc123", res.VerificationURL)
	assert.Equal(t, "2025-01-01T00:00:00Z", res.ExpiresAt)

	got := repo.get(a1)
	assert.Equal(t, engagement.StatusPending, got.VerificationStatus)
	require.NotNil(t, got.ExternalVerificationID)
	assert.Equal(t, "abc123", *got.ExternalVerificationID)
	require.NotNil(t, got.VerificationURL)
	assert.Equal(t, "https://ext/flow/abc123", *got.VerificationURL)
	assert.Equal(t, engagement.VerificationMethodPayroll, *got.VerificationMethod)
	assert.Equal(t, "iv-cbv-payroll", *got.Provider)

	require.Len(t, gw.calls, 1)
	assert.Equal(t, a1, gw.calls[0].CaseNumber)
	assert.Equal(t, "Ana", gw.calls[0].FirstName)
	assert.Equal(t, "1990-04-12", gw.calls[0].DateOfBirth)
	assert.Equal(t, "Acme Foods", gw.calls[0].EmployerName)
	assert.Equal(t, "2025-01-15", gw.calls[0].ActivityDate)
	assert.Equal(t, "en", gw.calls[0].Language)

	// Completed webhook verifies.
	body := webhookBody(t, engagement.EventVerificationCompleted, "verified", a1)
	sig, ts := signAt(body, fixedNow)
	outcome, err := svc.HandleWebhook(ctx, body, sig, ts)
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
	assert.Equal(t, engagement.StatusVerified, repo.get(a1).VerificationStatus)

	// Same delivery again is a no-op, not an error.
	outcome, err = svc.HandleWebhook(ctx, body, sig, ts)
	require.NoError(t, err)
	assert.False(t, outcome.Changed)
	assert.Equal(t, engagement.StatusVerified, repo.get(a1).VerificationStatus)

	// Re-initiation rejected.
	_, err = svc.InitiateVerification(ctx, a1, tenant)
	assert.ErrorIs(t, err, engagement.ErrAlreadyVerified)

	// Tampered payload signed with the original signature.
	tampered := webhookBody(t, engagement.EventVerificationCompleted, "failed", a1)
	_, err = svc.HandleWebhook(ctx, tampered, sig, ts)
	assert.ErrorIs(t, err, engagement.ErrInvalidSignature)
	assert.Equal(t, engagement.StatusVerified, repo.get(a1).VerificationStatus)

	// Stale timestamp.
	staleSig, staleTS := signAt(body, fixedNow.Add(-600*time.Second))
	_, err = svc.HandleWebhook(ctx, body, staleSig, staleTS)
	assert.ErrorIs(t, err, engagement.ErrInvalidSignature)
}

func TestInitiateVerification_AlreadyVerifiedNeverMutates(t *testing.T) {
	repo := newMemRepo()
	tenant := uuid.NewString()
	id := repo.addActivity(tenant, engagement.StatusVerified)
	gw := okGateway()
	svc := newTestService(repo, gw)

	for i := 0; i < 3; i++ {
		_, err := svc.InitiateVerification(context.Background(), id, tenant)
		require.ErrorIs(t, err, engagement.ErrAlreadyVerified)
	}

	assert.Equal(t, 0, gw.callCount())
	assert.Equal(t, 0, repo.writeCount())
	assert.Nil(t, repo.get(id).VerificationURL)
}

func TestInitiateVerification_GatewayFailureLeavesNoWrites(t *testing.T) {
	repo := newMemRepo()
	tenant := uuid.NewString()
	id := repo.addActivity(tenant, engagement.StatusPending)
	rec := &recordingAudit{}
	gwErr := &payroll.GatewayError{Op: "create invitation", StatusCode: 502, Message: "bad gateway"}
	svc := newTestService(repo, &stubGateway{err: gwErr}, engagement.WithAuditLogger(rec))

	_, err := svc.InitiateVerification(context.Background(), id, tenant)

	require.ErrorIs(t, err, engagement.ErrVerificationInitFailed)
	var asGateway *payroll.GatewayError
	require.True(t, errors.As(err, &asGateway))
	assert.Equal(t, 502, asGateway.StatusCode)
	assert.Equal(t, 0, repo.writeCount())
	assert.Equal(t, []string{audit.ActionVerificationInitFailed}, rec.actions())
}

func TestInitiateVerification_RetryAfterFailed(t *testing.T) {
	repo := newMemRepo()
	tenant := uuid.NewString()
	id := repo.addActivity(tenant, engagement.StatusFailed)
	svc := newTestService(repo, okGateway())

	_, err := svc.InitiateVerification(context.Background(), id, tenant)
	require.NoError(t, err)
	assert.Equal(t, engagement.StatusPending, repo.get(id).VerificationStatus)
}

func TestInitiateVerification_UsesConfiguredLanguageAndProvider(t *testing.T) {
	repo := newMemRepo()
	tenant := uuid.NewString()
	id := repo.addActivity(tenant, engagement.StatusPending)
	gw := okGateway()
	svc := newTestService(repo, gw, engagement.WithLanguage("es"), engagement.WithProvider("acme-payroll"))

	_, err := svc.InitiateVerification(context.Background(), id, tenant)
	require.NoError(t, err)
	assert.Equal(t, "es", gw.calls[0].Language)
	assert.Equal(t, "acme-payroll", *repo.get(id).Provider)
}

func TestTenantIsolation(t *testing.T) {
	repo := newMemRepo()
	tenantA := uuid.NewString()
	tenantB := uuid.NewString()
	idB := repo.addActivity(tenantB, engagement.StatusPending)
	gw := okGateway()
	svc := newTestService(repo, gw)

	_, err := svc.GetVerificationStatus(context.Background(), idB, tenantA)
	assert.ErrorIs(t, err, engagement.ErrActivityNotFound)

	_, err = svc.InitiateVerification(context.Background(), idB, tenantA)
	assert.ErrorIs(t, err, engagement.ErrActivityNotFound)
	assert.Equal(t, 0, gw.callCount())

	snap, err := svc.GetVerificationStatus(context.Background(), idB, tenantB)
	require.NoError(t, err)
	assert.Equal(t, idB, snap.ActivityID)
	assert.Equal(t, engagement.StatusPending, snap.VerificationStatus)
}

func TestHandleWebhook_Transitions(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		status    string
		want      engagement.Status
	}{
		{"completed verified", engagement.EventVerificationCompleted, "verified", engagement.StatusVerified},
		{"completed with failed status", engagement.EventVerificationCompleted, "failed", engagement.StatusFailed},
		{"completed with odd status", engagement.EventVerificationCompleted, "pending", engagement.StatusFailed},
		{"failed", engagement.EventVerificationFailed, "verified", engagement.StatusFailed},
		{"started", engagement.EventVerificationStarted, "pending", engagement.StatusPending},
		{"unknown event", "verification_reminder_sent", "verified", engagement.StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemRepo()
			tenant := uuid.NewString()
			id := repo.addActivity(tenant, engagement.StatusPending)
			svc := newTestService(repo, okGateway())

			body := webhookBody(t, tt.eventType, tt.status, id)
			sig, ts := signAt(body, fixedNow)
			outcome, err := svc.HandleWebhook(context.Background(), body, sig, ts)
			require.NoError(t, err)
			assert.True(t, outcome.Matched)
			assert.Equal(t, tt.eventType, outcome.EventType)

			got := repo.get(id)
			assert.Equal(t, tt.want, got.VerificationStatus)
			// Every event is recorded, transition or not.
			assert.JSONEq(t, `{"case_number":"`+id+`"}`, string(got.VerificationData))
			require.NotNil(t, got.WebhookReceivedAt)
			assert.Equal(t, fixedNow, *got.WebhookReceivedAt)
		})
	}
}

func TestHandleWebhook_ConflictingTerminalEventDoesNotFlip(t *testing.T) {
	repo := newMemRepo()
	tenant := uuid.NewString()
	id := repo.addActivity(tenant, engagement.StatusVerified)
	rec := &recordingAudit{}
	pub := &recordingPublisher{}
	svc := newTestService(repo, okGateway(), engagement.WithAuditLogger(rec), engagement.WithPublisher(pub))

	body := webhookBody(t, engagement.EventVerificationFailed, "failed", id)
	sig, ts := signAt(body, fixedNow)
	outcome, err := svc.HandleWebhook(context.Background(), body, sig, ts)
	require.NoError(t, err)

	assert.False(t, outcome.Changed)
	assert.Equal(t, engagement.StatusVerified, repo.get(id).VerificationStatus)
	assert.Contains(t, rec.actions(), audit.ActionVerificationConflict)
	assert.Empty(t, pub.changes)
}

func TestHandleWebhook_UnknownActivityIsSilentNoop(t *testing.T) {
	repo := newMemRepo()
	repo.addActivity(uuid.NewString(), engagement.StatusPending)
	svc := newTestService(repo, okGateway())

	for _, caseNumber := range []string{uuid.NewString(), "not-a-uuid", ""} {
		body := webhookBody(t, engagement.EventVerificationCompleted, "verified", caseNumber)
		sig, ts := signAt(body, fixedNow)
		outcome, err := svc.HandleWebhook(context.Background(), body, sig, ts)
		require.NoError(t, err, caseNumber)
		assert.False(t, outcome.Matched)
	}
	assert.Equal(t, 0, repo.writeCount())
}

func TestHandleWebhook_InvalidSignatureTouchesNothing(t *testing.T) {
	repo := newMemRepo()
	tenant := uuid.NewString()
	id := repo.addActivity(tenant, engagement.StatusPending)
	svc := newTestService(repo, okGateway())

	body := webhookBody(t, engagement.EventVerificationCompleted, "verified", id)
	_, ts := signAt(body, fixedNow)

	_, err := svc.HandleWebhook(context.Background(), body, "deadbeef", ts)
	assert.ErrorIs(t, err, engagement.ErrInvalidSignature)

	_, err = svc.HandleWebhook(context.Background(), body, "not hex", ts)
	assert.ErrorIs(t, err, engagement.ErrInvalidSignature)

	assert.Equal(t, 0, repo.writeCount())
}

func TestHandleWebhook_PublishesStatusChangeOnce(t *testing.T) {
	repo := newMemRepo()
	tenant := uuid.NewString()
	id := repo.addActivity(tenant, engagement.StatusPending)
	pub := &recordingPublisher{}
	svc := newTestService(repo, okGateway(), engagement.WithPublisher(pub))

	body := webhookBody(t, engagement.EventVerificationCompleted, "verified", id)
	sig, ts := signAt(body, fixedNow)
	for i := 0; i < 2; i++ {
		_, err := svc.HandleWebhook(context.Background(), body, sig, ts)
		require.NoError(t, err)
	}

	require.Len(t, pub.changes, 1)
	c := pub.changes[0]
	assert.Equal(t, id, c.ActivityID)
	assert.Equal(t, tenant, c.TenantID)
	assert.Equal(t, engagement.StatusPending, c.From)
	assert.Equal(t, engagement.StatusVerified, c.To)
	assert.Equal(t, "flow-1", c.FlowID)
}

func TestHandleWebhook_DedupShortCircuitsRedelivery(t *testing.T) {
	repo := newMemRepo()
	tenant := uuid.NewString()
	id := repo.addActivity(tenant, engagement.StatusPending)
	svc := newTestService(repo, okGateway(), engagement.WithDedup(dedup.NewMemoryStore(100)))

	body := webhookBody(t, engagement.EventVerificationStarted, "pending", id)
	sig, ts := signAt(body, fixedNow)

	first, err := svc.HandleWebhook(context.Background(), body, sig, ts)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, 1, repo.writeCount())

	second, err := svc.HandleWebhook(context.Background(), body, sig, ts)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, engagement.EventVerificationStarted, second.EventType)
	assert.Equal(t, 1, repo.writeCount())
}

func TestHandleWebhook_StrictCorrelation(t *testing.T) {
	repo := newMemRepo()
	tenant := uuid.NewString()
	id := repo.addActivity(tenant, engagement.StatusPending)
	svc := newTestService(repo, okGateway(), engagement.WithStrictCorrelation(true))

	body := webhookBody(t, engagement.EventVerificationCompleted, "verified", id)
	sig, ts := signAt(body, fixedNow)

	outcome, err := svc.HandleWebhook(context.Background(), body, sig, ts)
	require.NoError(t, err)
	assert.True(t, outcome.Matched)
	assert.False(t, outcome.Changed)
	assert.Equal(t, 0, repo.writeCount())

	_, err = svc.InitiateVerification(context.Background(), id, tenant)
	require.NoError(t, err)

	outcome, err = svc.HandleWebhook(context.Background(), body, sig, ts)
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
	assert.Equal(t, engagement.StatusVerified, repo.get(id).VerificationStatus)
}

func TestService_NotConfigured(t *testing.T) {
	repo := newMemRepo()
	tenant := uuid.NewString()
	id := repo.addActivity(tenant, engagement.StatusPending)
	svc := engagement.NewService(repo, nil, nil)

	assert.False(t, svc.Configured())

	_, err := svc.InitiateVerification(context.Background(), id, tenant)
	assert.ErrorIs(t, err, engagement.ErrNotConfigured)
	_, err = svc.GetVerificationStatus(context.Background(), id, tenant)
	assert.ErrorIs(t, err, engagement.ErrNotConfigured)
	_, err = svc.HandleWebhook(context.Background(), []byte(`{}`), "a", "1")
	assert.ErrorIs(t, err, engagement.ErrNotConfigured)

	var nilSvc *engagement.Service
	assert.False(t, nilSvc.Configured())
}

func TestCreateActivity_Validation(t *testing.T) {
	repo := newMemRepo()
	tenant := uuid.NewString()
	ben := repo.addBeneficiary(tenant)
	svc := engagement.NewService(repo, nil, nil)

	tests := []struct {
		name string
		in   engagement.NewActivity
	}{
		{"missing employer", engagement.NewActivity{EmployerName: "  ", HoursWorked: 10, ActivityDate: "2025-01-15"}},
		{"negative hours", engagement.NewActivity{EmployerName: "Acme", HoursWorked: -1, ActivityDate: "2025-01-15"}},
		{"too many hours", engagement.NewActivity{EmployerName: "Acme", HoursWorked: 168.5, ActivityDate: "2025-01-15"}},
		{"bad date format", engagement.NewActivity{EmployerName: "Acme", HoursWorked: 10, ActivityDate: "01/15/2025"}},
		{"impossible date", engagement.NewActivity{EmployerName: "Acme", HoursWorked: 10, ActivityDate: "2025-02-30"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateActivity(context.Background(), tenant, ben, tt.in)
			assert.ErrorIs(t, err, engagement.ErrInvalidActivity)
		})
	}
	assert.Equal(t, 0, repo.writeCount())
}

func TestCreateActivity_CreatesPendingAndLists(t *testing.T) {
	repo := newMemRepo()
	tenant := uuid.NewString()
	ben := repo.addBeneficiary(tenant)
	svc := engagement.NewService(repo, nil, nil)

	a, err := svc.CreateActivity(context.Background(), tenant, ben, engagement.NewActivity{
		EmployerName: " Acme Foods ",
		HoursWorked:  168,
		ActivityDate: "2025-01-15",
	})
	require.NoError(t, err)
	assert.Equal(t, engagement.StatusPending, a.VerificationStatus)
	assert.Equal(t, "Acme Foods", a.EmployerName)

	list, err := svc.ListActivities(context.Background(), tenant, ben)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	_, err = svc.CreateActivity(context.Background(), uuid.NewString(), ben, engagement.NewActivity{
		EmployerName: "Acme", HoursWorked: 1, ActivityDate: "2025-01-15",
	})
	assert.ErrorIs(t, err, engagement.ErrBeneficiaryNotFound)
}
