package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/civicworks/engage/internal/platform/database"
	"github.com/civicworks/engage/internal/platform/middleware"
)

// Handler serves the per-activity audit trail.
type Handler struct {
	pool  *database.Pool
	store *Store
}

// NewHandler creates an audit query handler. A nil pool serves empty lists.
func NewHandler(pool *database.Pool, store *Store) *Handler {
	return &Handler{pool: pool, store: store}
}

// HandleActivityEvents returns the audit trail of one employment activity.
// GET /api/v1/engagements/activities/{activityID}/events?limit=50&after=<RFC3339>
func (h *Handler) HandleActivityEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(middleware.GetTenantID(r.Context()))
	if err != nil {
		writeAuditError(w, http.StatusBadRequest, "INVALID_TENANT", "tenant context required")
		return
	}
	activityID, err := uuid.Parse(r.PathValue("activityID"))
	if err != nil {
		writeAuditError(w, http.StatusNotFound, "ACTIVITY_NOT_FOUND", "activity not found")
		return
	}

	resourceType := ResourceEmploymentActivity
	params := ListEventsParams{
		TenantID:     tenantID,
		ResourceType: &resourceType,
		ResourceID:   &activityID,
		Limit:        50,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, convErr := strconv.Atoi(raw); convErr == nil && n > 0 && n <= 200 {
			params.Limit = n
		}
	}
	if raw := r.URL.Query().Get("after"); raw != "" {
		if t, parseErr := time.Parse(time.RFC3339, raw); parseErr == nil {
			params.After = &t
		}
	}

	if h.pool == nil {
		writeAuditJSON(w, http.StatusOK, []Record{})
		return
	}

	var records []Record
	err = database.WithTenantConnection(r.Context(), h.pool, tenantID.String(), func(ctx context.Context, q database.Querier) error {
		var listErr error
		records, listErr = h.store.ListEvents(ctx, q, params)
		return listErr
	})
	if err != nil {
		slog.Error("listing audit events", "error", err, "activity_id", activityID)
		writeAuditError(w, http.StatusInternalServerError, "INTERNAL", "query failed")
		return
	}

	writeAuditJSON(w, http.StatusOK, records)
}

func writeAuditJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data, "error": nil})
}

func writeAuditError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":  nil,
		"error": map[string]string{"code": code, "message": message},
	})
}
