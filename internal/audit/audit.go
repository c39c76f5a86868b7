package audit

import (
	"context"

	"github.com/google/uuid"

	"github.com/civicworks/engage/internal/auth"
)

// Event represents a single auditable action in the system.
type Event struct {
	TenantID     uuid.UUID
	UserID       *uuid.UUID // nil for provider and system events
	Action       string     // e.g. "verification.initiated", "access.denied"
	ResourceType string     // e.g. "employment_activity"
	ResourceID   *uuid.UUID
	Metadata     map[string]any
	Source       string // "api", "webhook", "system"
}

const (
	ActionVerificationInitiated       = "verification.initiated"
	ActionVerificationInitFailed      = "verification.init_failed"
	ActionVerificationWebhookReceived = "verification.webhook_received"
	ActionVerificationStatusChanged   = "verification.status_changed"
	ActionVerificationConflict        = "verification.conflicting_event"
	ActionActivityCreated             = "activity.created"
	ActionAccessDenied                = "access.denied"
)

const (
	ResourceEmploymentActivity = "employment_activity"
)

const (
	SourceAPI     = "api"
	SourceWebhook = "webhook"
)

const (
	MetadataEventType  = "event_type"
	MetadataFromStatus = "from_status"
	MetadataToStatus   = "to_status"
	MetadataProvider   = "provider"
	MetadataReason     = "reason"
)

// Logger is the audit logging interface. Log is fire-and-forget.
type Logger interface {
	Log(ctx context.Context, event Event)
	Close() error
}

// NopLogger is a no-op audit logger for testing and when audit is disabled.
type NopLogger struct{}

func (NopLogger) Log(context.Context, Event) {}
func (NopLogger) Close() error               { return nil }

// ActorIDFromContext extracts the authenticated user's UUID from the
// request context, returning nil if no identity is present or the
// user ID is not a valid UUID.
func ActorIDFromContext(ctx context.Context) *uuid.UUID {
	identity := auth.GetIdentity(ctx)
	if identity == nil {
		return nil
	}
	uid, err := uuid.Parse(identity.UserID)
	if err != nil {
		return nil
	}
	return &uid
}
