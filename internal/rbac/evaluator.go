package rbac

import (
	"context"
	"fmt"
	"sync"

	"github.com/civicworks/engage/internal/auth"
)

const (
	PermEngagementsRead   = "engagements:read"
	PermEngagementsWrite  = "engagements:write"
	PermEngagementsVerify = "engagements:verify"
)

// Decision represents the result of an authorization check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Evaluator is the in-memory role to permission evaluation engine.
type Evaluator struct {
	roles map[string][]string // roleName -> permissions
	mu    sync.RWMutex
}

func NewEvaluator() *Evaluator {
	return &Evaluator{roles: make(map[string][]string)}
}

// NewDefaultEvaluator returns an evaluator preloaded with the built-in roles.
func NewDefaultEvaluator() *Evaluator {
	e := NewEvaluator()
	e.RegisterRole("org_admin", []string{"*"})
	e.RegisterRole("caseworker", []string{PermEngagementsRead, PermEngagementsWrite, PermEngagementsVerify})
	e.RegisterRole("auditor", []string{PermEngagementsRead})
	return e
}

// RegisterRole adds or replaces a role and its permissions.
func (e *Evaluator) RegisterRole(name string, permissions []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.roles[name] = permissions
}

// Authorize checks if the identity holds a role granting action.
// Unknown roles and a nil identity are denied.
func (e *Evaluator) Authorize(_ context.Context, identity *auth.Identity, action string) (*Decision, error) {
	if identity == nil {
		return &Decision{Allowed: false, Reason: "no identity"}, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, role := range identity.Roles {
		for _, perm := range e.roles[role] {
			if perm == "*" || perm == action {
				return &Decision{Allowed: true}, nil
			}
		}
	}

	return &Decision{
		Allowed: false,
		Reason:  fmt.Sprintf("no permission for %s", action),
	}, nil
}
