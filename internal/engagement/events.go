package engagement

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Provider event types.
const (
	EventVerificationStarted   = "verification_started"
	EventVerificationCompleted = "verification_completed"
	EventVerificationFailed    = "verification_failed"
)

// WebhookEvent is one provider notification. The concrete type is one of
// *VerificationStarted, *VerificationCompleted, *VerificationFailed or
// *UnknownEvent.
type WebhookEvent interface {
	Type() string
	FlowID() string
	CaseNumber() string
	// TargetStatus is the status this event asks for, if any.
	TargetStatus() (Status, bool)
	// RawMetadata is the metadata object exactly as received.
	RawMetadata() json.RawMessage
}

// EventHeader holds the fields every provider event carries.
type EventHeader struct {
	EventType string
	Flow      string
	Case      string
	Metadata  json.RawMessage
	CreatedAt string
}

func (h EventHeader) Type() string                 { return h.EventType }
func (h EventHeader) FlowID() string               { return h.Flow }
func (h EventHeader) CaseNumber() string           { return h.Case }
func (h EventHeader) RawMetadata() json.RawMessage { return h.Metadata }

// Employer is one employer record reported on completion.
type Employer struct {
	Name             string          `json:"name"`
	Income           json.RawMessage `json:"income,omitempty"`
	Period           string          `json:"period,omitempty"`
	VerificationDate string          `json:"verification_date,omitempty"`
}

type VerificationStarted struct {
	EventHeader
}

func (*VerificationStarted) TargetStatus() (Status, bool) { return "", false }

type VerificationCompleted struct {
	EventHeader
	ReportedStatus string
	Employers      []Employer
}

// TargetStatus is verified only when the provider reports "verified".
func (e *VerificationCompleted) TargetStatus() (Status, bool) {
	if e.ReportedStatus == string(StatusVerified) {
		return StatusVerified, true
	}
	return StatusFailed, true
}

type VerificationFailed struct {
	EventHeader
	ErrorMessage string
}

func (*VerificationFailed) TargetStatus() (Status, bool) { return StatusFailed, true }

// UnknownEvent is kept for the audit trail and never changes status.
type UnknownEvent struct {
	EventHeader
	ReportedStatus string
}

func (*UnknownEvent) TargetStatus() (Status, bool) { return "", false }

type wireEvent struct {
	EventType  string          `json:"event_type"`
	FlowID     string          `json:"flow_id"`
	LegacyFlow string          `json:"cbv_flow_id"`
	Status     string          `json:"status"`
	Metadata   json.RawMessage `json:"metadata"`
	CreatedAt  string          `json:"created_at"`
}

type wireMetadata struct {
	CaseNumber   string     `json:"case_number"`
	Employers    []Employer `json:"employers"`
	ErrorMessage string     `json:"error_message"`
}

// ParseWebhookEvent decodes a provider payload. It requires event_type and a
// flow id (flow_id or the legacy cbv_flow_id); metadata, when present, must
// be an object.
func ParseWebhookEvent(raw []byte) (WebhookEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	eventType := strings.TrimSpace(w.EventType)
	if eventType == "" {
		return nil, fmt.Errorf("%w: event_type is required", ErrInvalidPayload)
	}
	flow := strings.TrimSpace(w.FlowID)
	if flow == "" {
		flow = strings.TrimSpace(w.LegacyFlow)
	}
	if flow == "" {
		return nil, fmt.Errorf("%w: flow_id is required", ErrInvalidPayload)
	}

	var meta wireMetadata
	metadata := bytes.TrimSpace(w.Metadata)
	if len(metadata) == 0 || bytes.Equal(metadata, []byte("null")) {
		metadata = nil
	} else if err := json.Unmarshal(metadata, &meta); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidPayload, err)
	}

	header := EventHeader{
		EventType: eventType,
		Flow:      flow,
		Case:      strings.TrimSpace(meta.CaseNumber),
		Metadata:  metadata,
		CreatedAt: w.CreatedAt,
	}

	switch eventType {
	case EventVerificationStarted:
		return &VerificationStarted{EventHeader: header}, nil
	case EventVerificationCompleted:
		return &VerificationCompleted{EventHeader: header, ReportedStatus: w.Status, Employers: meta.Employers}, nil
	case EventVerificationFailed:
		return &VerificationFailed{EventHeader: header, ErrorMessage: meta.ErrorMessage}, nil
	default:
		return &UnknownEvent{EventHeader: header, ReportedStatus: w.Status}, nil
	}
}
