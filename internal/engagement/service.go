package engagement

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/civicworks/engage/internal/audit"
	"github.com/civicworks/engage/internal/payroll"
	"github.com/civicworks/engage/internal/platform/dedup"
	"github.com/civicworks/engage/internal/signature"
)

const (
	defaultProvider = "iv-cbv-payroll"
	maxHoursWorked  = 168
)

// Gateway issues provider invitations. *payroll.Client satisfies it.
type Gateway interface {
	CreateInvitation(ctx context.Context, req payroll.InvitationRequest) (*payroll.Invitation, error)
}

// Option configures a Service.
type Option func(*Service)

func WithAuditLogger(l audit.Logger) Option { return func(s *Service) { s.audit = l } }

func WithPublisher(p Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithDedup(d dedup.Store) Option { return func(s *Service) { s.dedup = d } }

func WithProvider(provider string) Option { return func(s *Service) { s.provider = provider } }

func WithLanguage(lang string) Option { return func(s *Service) { s.language = lang } }

// WithStrictCorrelation makes webhooks for activities that never had an
// invitation issued a no-op.
func WithStrictCorrelation(strict bool) Option { return func(s *Service) { s.strict = strict } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// Service is the verification orchestrator. Activity creation and listing
// work without a gateway; verification operations need both gateway and
// codec and otherwise fail with ErrNotConfigured.
type Service struct {
	repo      Repository
	gateway   Gateway
	codec     *signature.Codec
	audit     audit.Logger
	publisher Publisher
	dedup     dedup.Store
	provider  string
	language  string
	strict    bool
	now       func() time.Time
	logger    *slog.Logger
}

// NewService builds a Service. Pass a nil gateway or codec when the provider
// integration is not configured.
func NewService(repo Repository, gateway Gateway, codec *signature.Codec, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		gateway:   gateway,
		codec:     codec,
		audit:     audit.NopLogger{},
		publisher: NopPublisher{},
		dedup:     dedup.NopStore{},
		provider:  defaultProvider,
		language:  payroll.LanguageEnglish,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Configured reports whether verification operations are available.
func (s *Service) Configured() bool {
	return s != nil && s.gateway != nil && s.codec != nil
}

// InitiateVerification requests a provider invitation for the activity and
// records it. Nothing is written when the provider call fails.
func (s *Service) InitiateVerification(ctx context.Context, activityID, tenantID string) (*InitiatedVerification, error) {
	if !s.Configured() {
		return nil, ErrNotConfigured
	}

	activity, err := s.repo.GetActivity(ctx, tenantID, activityID)
	if err != nil {
		return nil, err
	}
	if activity.VerificationStatus == StatusVerified {
		recordInitiation("already_verified")
		return nil, ErrAlreadyVerified
	}

	req := payroll.InvitationRequest{
		CaseNumber:   activity.ID,
		EmployerName: activity.EmployerName,
		ActivityDate: activity.ActivityDate,
		Language:     s.language,
	}
	if b := activity.Beneficiary; b != nil {
		req.FirstName = b.FirstName
		req.LastName = b.LastName
		if b.DateOfBirth != nil {
			req.DateOfBirth = *b.DateOfBirth
		}
	}

	inv, err := s.gateway.CreateInvitation(ctx, req)
	if err != nil {
		recordInitiation("gateway_error")
		s.logger.Error("verification invitation failed",
			"activity_id", activityID,
			"tenant_id", tenantID,
			"error", err,
		)
		s.logAudit(ctx, tenantID, activityID, audit.ActionVerificationInitFailed, audit.SourceAPI, map[string]any{
			audit.MetadataProvider: s.provider,
			audit.MetadataReason:   err.Error(),
		})
		return nil, fmt.Errorf("%w: %w", ErrVerificationInitFailed, err)
	}

	err = s.repo.RecordInvitation(ctx, tenantID, activityID, Invitation{
		Method:                 VerificationMethodPayroll,
		Provider:               s.provider,
		ExternalVerificationID: inv.Token(),
		VerificationURL:        inv.TokenizedURL,
		IssuedAt:               s.now().UTC(),
	})
	if err != nil {
		recordInitiation("persist_error")
		return nil, err
	}

	recordInitiation("ok")
	s.logger.Info("verification initiated",
		"activity_id", activityID,
		"tenant_id", tenantID,
		"provider", s.provider,
	)
	s.logAudit(ctx, tenantID, activityID, audit.ActionVerificationInitiated, audit.SourceAPI, map[string]any{
		audit.MetadataProvider:     s.provider,
		"external_verification_id": inv.Token(),
	})

	return &InitiatedVerification{
		VerificationURL: inv.TokenizedURL,
		ExpiresAt:       inv.ExpirationDate,
	}, nil
}

// HandleWebhook authenticates a provider delivery over its exact raw bytes
// and reconciles it into the correlated activity. Unknown activities are a
// successful no-op.
func (s *Service) HandleWebhook(ctx context.Context, rawBody []byte, signatureHeader, timestampHeader string) (*WebhookOutcome, error) {
	if !s.Configured() {
		return nil, ErrNotConfigured
	}

	if err := s.codec.Check(rawBody, signatureHeader, timestampHeader); err != nil {
		recordWebhook("", outcomeInvalidSignature)
		s.logger.Warn("webhook signature rejected", "reason", err.Error())
		return nil, ErrInvalidSignature
	}

	event, err := ParseWebhookEvent(rawBody)
	if err != nil {
		recordWebhook("", outcomeError)
		return nil, err
	}
	metricType := event.Type()
	if _, unknown := event.(*UnknownEvent); unknown {
		metricType = "unknown"
	}
	outcome := &WebhookOutcome{EventType: event.Type()}

	deliveryKey := deliveryKey(signatureHeader, timestampHeader)
	if seen, dedupErr := s.dedup.IsProcessed(ctx, deliveryKey); dedupErr != nil {
		s.logger.Warn("webhook dedup lookup failed", "error", dedupErr)
	} else if seen {
		recordWebhook(metricType, outcomeDuplicate)
		s.logger.Info("duplicate webhook delivery acknowledged",
			"event_type", event.Type(),
			"flow_id", event.FlowID(),
		)
		outcome.Duplicate = true
		return outcome, nil
	}

	caseNumber := event.CaseNumber()
	if caseNumber == "" {
		recordWebhook(metricType, outcomeUnknownActivity)
		s.logger.Warn("webhook without case number ignored",
			"event_type", event.Type(),
			"flow_id", event.FlowID(),
		)
		return outcome, nil
	}

	target, err := s.repo.LookupWebhookTarget(ctx, caseNumber)
	if errors.Is(err, ErrActivityNotFound) {
		recordWebhook(metricType, outcomeUnknownActivity)
		s.logger.Warn("webhook for unknown activity ignored",
			"activity_id", caseNumber,
			"event_type", event.Type(),
			"flow_id", event.FlowID(),
		)
		return outcome, nil
	}
	if err != nil {
		recordWebhook(metricType, outcomeError)
		return nil, fmt.Errorf("resolving webhook activity: %w", err)
	}
	outcome.ActivityID = target.ActivityID
	outcome.Matched = true

	if s.strict && !target.HasInvitation {
		recordWebhook(metricType, outcomeUncorrelated)
		s.logger.Warn("webhook for activity without invitation ignored",
			"activity_id", target.ActivityID,
			"tenant_id", target.TenantID,
			"event_type", event.Type(),
		)
		outcome.Status = target.Status
		return outcome, nil
	}

	update := WebhookUpdate{Data: event.RawMetadata(), ReceivedAt: s.now().UTC()}
	if status, ok := event.TargetStatus(); ok {
		update.Target = &status
	}

	result, err := s.repo.ApplyWebhook(ctx, target.TenantID, target.ActivityID, update)
	if err != nil {
		recordWebhook(metricType, outcomeError)
		return nil, fmt.Errorf("applying webhook: %w", err)
	}
	outcome.Status = result.Current
	outcome.Changed = result.Changed()
	recordWebhook(metricType, outcomeApplied)

	s.logAudit(ctx, target.TenantID, target.ActivityID, audit.ActionVerificationWebhookReceived, audit.SourceWebhook, map[string]any{
		audit.MetadataEventType: event.Type(),
		"flow_id":               event.FlowID(),
	})

	switch {
	case result.Changed():
		recordTransition(result.Previous, result.Current)
		s.logger.Info("verification status changed",
			"activity_id", target.ActivityID,
			"tenant_id", target.TenantID,
			"event_type", event.Type(),
			"from", result.Previous,
			"to", result.Current,
		)
		s.logAudit(ctx, target.TenantID, target.ActivityID, audit.ActionVerificationStatusChanged, audit.SourceWebhook, map[string]any{
			audit.MetadataEventType:  event.Type(),
			audit.MetadataFromStatus: string(result.Previous),
			audit.MetadataToStatus:   string(result.Current),
		})
		change := StatusChange{
			ActivityID: target.ActivityID,
			TenantID:   target.TenantID,
			From:       result.Previous,
			To:         result.Current,
			EventType:  event.Type(),
			FlowID:     event.FlowID(),
			Provider:   s.provider,
			OccurredAt: update.ReceivedAt,
		}
		if pubErr := s.publisher.PublishStatusChange(ctx, change); pubErr != nil {
			s.logger.Error("publishing status change failed", "activity_id", target.ActivityID, "error", pubErr)
		}
	case update.Target != nil && result.Previous.Terminal() && *update.Target != result.Previous:
		s.logger.Warn("conflicting terminal webhook ignored",
			"activity_id", target.ActivityID,
			"tenant_id", target.TenantID,
			"event_type", event.Type(),
			"current", result.Previous,
			"requested", *update.Target,
		)
		s.logAudit(ctx, target.TenantID, target.ActivityID, audit.ActionVerificationConflict, audit.SourceWebhook, map[string]any{
			audit.MetadataEventType:  event.Type(),
			audit.MetadataFromStatus: string(result.Previous),
			audit.MetadataToStatus:   string(*update.Target),
		})
	}

	if markErr := s.dedup.MarkProcessed(ctx, deliveryKey, s.codec.MaxAge()); markErr != nil {
		s.logger.Warn("webhook dedup mark failed", "error", markErr)
	}

	return outcome, nil
}

// GetVerificationStatus returns the tenant's view of an activity's verification.
func (s *Service) GetVerificationStatus(ctx context.Context, activityID, tenantID string) (*StatusSnapshot, error) {
	if !s.Configured() {
		return nil, ErrNotConfigured
	}
	activity, err := s.repo.GetActivity(ctx, tenantID, activityID)
	if err != nil {
		return nil, err
	}
	return snapshotOf(activity), nil
}

var activityDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ValidateNewActivity checks the fields of an activity report.
func ValidateNewActivity(n NewActivity) error {
	if strings.TrimSpace(n.EmployerName) == "" {
		return fmt.Errorf("%w: employer_name is required", ErrInvalidActivity)
	}
	if n.HoursWorked < 0 || n.HoursWorked > maxHoursWorked {
		return fmt.Errorf("%w: hours_worked must be between 0 and %d", ErrInvalidActivity, maxHoursWorked)
	}
	if !activityDatePattern.MatchString(n.ActivityDate) {
		return fmt.Errorf("%w: activity_date must be YYYY-MM-DD", ErrInvalidActivity)
	}
	if _, err := time.Parse(time.DateOnly, n.ActivityDate); err != nil {
		return fmt.Errorf("%w: activity_date is not a calendar date", ErrInvalidActivity)
	}
	return nil
}

// CreateActivity records a new pending activity for a beneficiary.
func (s *Service) CreateActivity(ctx context.Context, tenantID, beneficiaryID string, n NewActivity) (*EmploymentActivity, error) {
	n.EmployerName = strings.TrimSpace(n.EmployerName)
	if err := ValidateNewActivity(n); err != nil {
		return nil, err
	}
	a, err := s.repo.CreateActivity(ctx, tenantID, beneficiaryID, n)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, tenantID, a.ID, audit.ActionActivityCreated, audit.SourceAPI, map[string]any{
		"beneficiary_id": beneficiaryID,
	})
	return a, nil
}

// ListActivities returns the beneficiary's activities.
func (s *Service) ListActivities(ctx context.Context, tenantID, beneficiaryID string) ([]EmploymentActivity, error) {
	return s.repo.ListActivities(ctx, tenantID, beneficiaryID)
}

func (s *Service) logAudit(ctx context.Context, tenantID, activityID, action, source string, metadata map[string]any) {
	tid, err := uuid.Parse(tenantID)
	if err != nil {
		return
	}
	evt := audit.Event{
		TenantID:     tid,
		UserID:       audit.ActorIDFromContext(ctx),
		Action:       action,
		ResourceType: audit.ResourceEmploymentActivity,
		Metadata:     metadata,
		Source:       source,
	}
	if aid, err := uuid.Parse(activityID); err == nil {
		evt.ResourceID = &aid
	}
	s.audit.Log(ctx, evt)
}

// deliveryKey identifies one signed delivery. The signature already binds
// the body, so signature and timestamp together name the exact request.
func deliveryKey(signatureHeader, timestampHeader string) string {
	sum := sha512.Sum512([]byte(strings.TrimSpace(signatureHeader) + "|" + strings.TrimSpace(timestampHeader)))
	return hex.EncodeToString(sum[:])
}
