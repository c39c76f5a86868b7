package engagement

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/civicworks/engage/internal/platform/middleware"
)

const (
	headerSignature       = "X-Signature"
	headerTimestamp       = "X-Timestamp"
	headerLegacySignature = "X-IVAAS-SIGNATURE"
	headerLegacyTimestamp = "X-IVAAS-TIMESTAMP"

	maxWebhookBytes  = 1 << 20
	maxActivityBytes = 16 << 10

	codeWebhookError  = "WEBHOOK_ERROR"
	codeInternalError = "INTERNAL_ERROR"
)

// errorMapping binds a domain error to its HTTP surface. detail exposes the
// wrapped error text; it is only set for caller input errors.
type errorMapping struct {
	err     error
	status  int
	code    string
	message string
	detail  bool
}

var errorTable = []errorMapping{
	{ErrNotConfigured, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Employment verification service not configured", false},
	{ErrActivityNotFound, http.StatusNotFound, "ACTIVITY_NOT_FOUND", "Employment activity not found", false},
	{ErrBeneficiaryNotFound, http.StatusNotFound, "BENEFICIARY_NOT_FOUND", "Beneficiary not found", false},
	{ErrAlreadyVerified, http.StatusBadRequest, "ALREADY_VERIFIED", "Employment activity is already verified", false},
	{ErrVerificationInitFailed, http.StatusInternalServerError, "VERIFICATION_INIT_FAILED", "Failed to initiate employment verification", false},
	{ErrInvalidSignature, http.StatusUnauthorized, "INVALID_SIGNATURE", "Invalid webhook signature", false},
	{ErrMissingHeaders, http.StatusBadRequest, "MISSING_HEADERS", "Missing required signature headers", false},
	{ErrInvalidPayload, http.StatusBadRequest, "INVALID_PAYLOAD", "Invalid webhook payload", false},
	{ErrInvalidActivity, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid employment activity", true},
}

// Handler serves the verification HTTP surface.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// HandleWebhook receives provider notifications.
// POST /webhooks/employment-verification
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("webhook handler panic", "panic", fmt.Sprint(rec))
			recordWebhook("", outcomeError)
			writeError(w, http.StatusInternalServerError, codeWebhookError, "Webhook processing failed")
		}
	}()

	if !h.svc.Configured() {
		h.writeDomainError(w, ErrNotConfigured, codeWebhookError)
		return
	}

	sig := firstHeader(r, headerSignature, headerLegacySignature)
	ts := firstHeader(r, headerTimestamp, headerLegacyTimestamp)
	if sig == "" || ts == "" {
		h.writeDomainError(w, ErrMissingHeaders, codeWebhookError)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		h.writeDomainError(w, fmt.Errorf("%w: %v", ErrInvalidPayload, err), codeWebhookError)
		return
	}
	if _, err := ParseWebhookEvent(body); err != nil {
		h.writeDomainError(w, err, codeWebhookError)
		return
	}

	outcome, err := h.svc.HandleWebhook(r.Context(), body, sig, ts)
	if err != nil {
		h.writeDomainError(w, err, codeWebhookError)
		return
	}

	data := map[string]any{
		"message":    "Webhook received",
		"event_type": outcome.EventType,
	}
	if outcome.Duplicate {
		data["duplicate"] = true
	}
	writeData(w, http.StatusOK, data)
}

// HandleWebhookHealth reports whether the integration is configured.
// GET /webhooks/health
func (h *Handler) HandleWebhookHealth(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"status":                  "ok",
		"verification_configured": h.svc.Configured(),
	})
}

// HandleInitiate starts verification for an activity.
// POST /api/v1/engagements/activities/{activityID}/verify
func (h *Handler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	result, err := h.svc.InitiateVerification(r.Context(), r.PathValue("activityID"), tenantID)
	if err != nil {
		h.writeDomainError(w, err, codeInternalError)
		return
	}
	writeData(w, http.StatusOK, result)
}

// HandleStatus returns an activity's verification snapshot.
// GET /api/v1/engagements/activities/{activityID}/verification-status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	snapshot, err := h.svc.GetVerificationStatus(r.Context(), r.PathValue("activityID"), tenantID)
	if err != nil {
		h.writeDomainError(w, err, codeInternalError)
		return
	}
	writeData(w, http.StatusOK, snapshot)
}

// HandleCreateActivity records an employment activity for a beneficiary.
// POST /api/v1/engagements/beneficiaries/{beneficiaryID}/activities
func (h *Handler) HandleCreateActivity(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var req NewActivity
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxActivityBytes)).Decode(&req); err != nil {
		h.writeDomainError(w, fmt.Errorf("%w: invalid request body", ErrInvalidActivity), codeInternalError)
		return
	}

	activity, err := h.svc.CreateActivity(r.Context(), tenantID, r.PathValue("beneficiaryID"), req)
	if err != nil {
		h.writeDomainError(w, err, codeInternalError)
		return
	}
	writeData(w, http.StatusCreated, activity)
}

// HandleListActivities lists a beneficiary's employment activities.
// GET /api/v1/engagements/beneficiaries/{beneficiaryID}/activities
func (h *Handler) HandleListActivities(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	list, err := h.svc.ListActivities(r.Context(), tenantID, r.PathValue("beneficiaryID"))
	if err != nil {
		h.writeDomainError(w, err, codeInternalError)
		return
	}
	writeData(w, http.StatusOK, list)
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error, fallbackCode string) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			msg := m.message
			if m.detail {
				msg = err.Error()
			}
			writeError(w, m.status, m.code, msg)
			return
		}
	}
	h.logger.Error("unhandled engagement error", "error", err)
	writeError(w, http.StatusInternalServerError, fallbackCode, "Internal server error")
}

func requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		writeError(w, http.StatusForbidden, "TENANT_REQUIRED", "tenant context required")
		return "", false
	}
	return tenantID, true
}

func firstHeader(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"data": data, "error": nil})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"data":  nil,
		"error": map[string]string{"code": code, "message": message},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
