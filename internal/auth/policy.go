// internal/auth/policy.go
package auth

import (
	"github.com/google/uuid"

	"github.com/jules-labs/library-backend/internal/apperr"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Principal is the authenticated caller of an operation.
type Principal struct {
	PatronID uuid.UUID `json:"patron_id"`
	Username string    `json:"username"`
	Role     Role      `json:"role"`
}

func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

type Action string

const (
	ActionBookRead  Action = "book:read"
	ActionBookWrite Action = "book:write"

	ActionCheckoutCreate  Action = "checkout:create"
	ActionCheckoutReturn  Action = "checkout:return"
	ActionCheckoutRead    Action = "checkout:read"
	ActionCheckoutList    Action = "checkout:list"
	ActionCheckoutHistory Action = "checkout:history"

	ActionPatronCreate     Action = "patron:create"
	ActionPatronRead       Action = "patron:read"
	ActionPatronUpdate     Action = "patron:update"
	ActionPatronPrivileges Action = "patron:privileges"
	ActionPatronList       Action = "patron:list"
	ActionPatronDelete     Action = "patron:delete"
)

// Scope limits the rows a permitted action may touch.
type Scope string

const (
	ScopeNone Scope = ""
	ScopeSelf Scope = "self"
	ScopeAll  Scope = "all"
)

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed bool
	Scope   Scope
	Reason  string
	code    apperr.Code
}

// Err returns nil for an allowed decision and the matching domain error
// otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.code == apperr.CodeUnauthorized {
		return apperr.ErrUnauthorized
	}
	return apperr.Forbidden("%s", d.Reason)
}

// Restricts reports whether results must be filtered to the caller's rows.
func (d Decision) Restricts() bool {
	return d.Scope == ScopeSelf
}

var memberSelfActions = map[Action]bool{
	ActionCheckoutCreate: true,
	ActionCheckoutReturn: true,
	ActionCheckoutRead:   true,
	ActionCheckoutList:   true,
	ActionPatronRead:     true,
	ActionPatronUpdate:   true,
}

// Authorize decides whether p may perform action on resources owned by
// owner. A nil owner means the caller's own resources or resources whose
// owner is not known yet; such decisions carry ScopeSelf for members and the
// caller must filter or check ownership itself.
func Authorize(p *Principal, action Action, owner uuid.UUID) Decision {
	if p == nil {
		return Decision{Reason: "not authenticated", code: apperr.CodeUnauthorized}
	}

	if p.Role == RoleAdmin {
		return Decision{Allowed: true, Scope: ScopeAll}
	}
	if p.Role != RoleMember {
		return Decision{Reason: "unknown role", code: apperr.CodeForbidden}
	}

	if action == ActionBookRead {
		return Decision{Allowed: true, Scope: ScopeAll}
	}
	if !memberSelfActions[action] {
		return Decision{Reason: "not enough permissions", code: apperr.CodeForbidden}
	}
	if owner != uuid.Nil && owner != p.PatronID {
		return Decision{Reason: "cannot act on behalf of another patron", code: apperr.CodeForbidden}
	}
	return Decision{Allowed: true, Scope: ScopeSelf}
}
