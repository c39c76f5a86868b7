package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/civicworks/engage/internal/platform/database"
)

// Store handles audit event persistence.
type Store struct{}

// NewStore creates an audit Store.
func NewStore() *Store {
	return &Store{}
}

// Record is a persisted audit event as returned by ListEvents.
type Record struct {
	ID           uuid.UUID       `json:"id"`
	TenantID     uuid.UUID       `json:"tenant_id"`
	UserID       *uuid.UUID      `json:"user_id"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   *uuid.UUID      `json:"resource_id"`
	Metadata     json.RawMessage `json:"metadata"`
	Source       string          `json:"source"`
	CreatedAt    time.Time       `json:"created_at"`
}

// InsertBatch writes a batch of events to the database.
func (s *Store) InsertBatch(ctx context.Context, db database.Querier, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	sql, args, err := buildBatchInsert(events)
	if err != nil {
		return fmt.Errorf("building batch insert: %w", err)
	}
	_, err = db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("inserting audit events: %w", err)
	}
	return nil
}

// ListEvents returns events matching p, newest first.
func (s *Store) ListEvents(ctx context.Context, db database.Querier, p ListEventsParams) ([]Record, error) {
	sql, args := buildListQuery(p)
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.UserID, &rec.Action, &rec.ResourceType,
			&rec.ResourceID, &rec.Metadata, &rec.Source, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit events: %w", err)
	}
	return records, nil
}

// insertColumns is the number of bound values per audit row.
const insertColumns = 7

// buildBatchInsert renders one multi-row INSERT for the batch.
func buildBatchInsert(events []Event) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO audit_events (tenant_id, user_id, action, resource_type, resource_id, metadata, source) VALUES ")
	args := make([]any, 0, len(events)*insertColumns)

	for i, e := range events {
		var metadata []byte
		if e.Metadata != nil {
			var err error
			if metadata, err = json.Marshal(e.Metadata); err != nil {
				return "", nil, fmt.Errorf("marshaling metadata for %s: %w", e.Action, err)
			}
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for col := 1; col <= insertColumns; col++ {
			if col > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*insertColumns+col)
		}
		sb.WriteByte(')')
		args = append(args, e.TenantID, e.UserID, e.Action, e.ResourceType, e.ResourceID, metadata, e.Source)
	}
	return sb.String(), args, nil
}

// ListEventsParams defines filters for querying audit events.
type ListEventsParams struct {
	TenantID     uuid.UUID
	ResourceType *string
	ResourceID   *uuid.UUID
	Action       *string
	After        *time.Time
	Limit        int
}

// buildListQuery constructs a parameterized SELECT for audit events.
func buildListQuery(p ListEventsParams) (string, []any) {
	var conditions []string
	var args []any
	argN := 1

	add := func(clause string, v any) {
		conditions = append(conditions, fmt.Sprintf(clause, argN))
		args = append(args, v)
		argN++
	}

	add("tenant_id = $%d", p.TenantID)
	if p.ResourceType != nil {
		add("resource_type = $%d", *p.ResourceType)
	}
	if p.ResourceID != nil {
		add("resource_id = $%d", *p.ResourceID)
	}
	if p.Action != nil {
		add("action = $%d", *p.Action)
	}
	if p.After != nil {
		add("created_at > $%d", *p.After)
	}

	sql := fmt.Sprintf(
		`SELECT id, tenant_id, user_id, action, resource_type, resource_id, metadata, source, created_at
		FROM audit_events
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d`,
		strings.Join(conditions, " AND "), argN,
	)
	args = append(args, p.Limit)

	return sql, args
}
