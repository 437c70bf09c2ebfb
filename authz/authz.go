// Package authz implements the portal's role model and access gate.
// Every protected route resolves the caller first (see handlers), then asks
// this package for a decision. Decisions are values, not errors: the gate
// never aborts on its own, callers translate the decision into a redirect
// or a status code.
package authz

// Role is the closed set of portal roles.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleSubadmin Role = "subadmin"
	RoleCustomer Role = "customer"
)

// ParseRole normalizes a role value read from any source (profiles row,
// auth metadata, token claim). Anything outside the closed set coerces to
// customer, the least-privileged role. Case matters: "ADMIN" is not a role
// we ever wrote, so it is not a role we honor.
func ParseRole(raw string) Role {
	switch Role(raw) {
	case RoleAdmin, RoleSubadmin, RoleCustomer:
		return Role(raw)
	default:
		return RoleCustomer
	}
}

// IsValid reports whether r is one of the three portal roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleSubadmin, RoleCustomer:
		return true
	}
	return false
}

// IsStaff reports whether the role may use the admin area at all.
func (r Role) IsStaff() bool {
	return r == RoleAdmin || r == RoleSubadmin
}

// LandingPath is where a caller belongs when denied a resource: staff go to
// the admin dashboard, customers to their policy list. Never the resource
// they were denied.
func (r Role) LandingPath() string {
	if r.IsStaff() {
		return "/admin"
	}
	return "/policies"
}

// StaffRoles is the allowed set for general management operations
// (create user, create/edit policy, list users, revenue).
var StaffRoles = []Role{RoleAdmin, RoleSubadmin}

// AdminOnly is the narrower set for destructive operations
// (delete user, delete policy). Subadmins are excluded here even though
// they pass the general staff check.
var AdminOnly = []Role{RoleAdmin}

// Outcome enumerates the gate's three possible answers.
type Outcome int

const (
	// Allow lets the operation proceed.
	Allow Outcome = iota
	// DenyUnauthenticated means no resolved caller: recover by signing in.
	DenyUnauthenticated
	// DenyForbidden means the caller is known but the role is not in the
	// allowed set: recover by going to the caller's own landing page.
	DenyForbidden
)

// Decision is the result of a gate check. RedirectTo carries the recovery
// path for the two deny outcomes.
type Decision struct {
	Outcome    Outcome
	RedirectTo string
}

// Caller is the minimal view of a resolved profile the gate needs.
type Caller interface {
	CallerID() string
	CallerRole() Role
}

// RequireRole gates an operation on a required-role set. A nil caller is
// "not signed in", which always denies regardless of the allowed set.
func RequireRole(caller Caller, allowed ...Role) Decision {
	if caller == nil || caller.CallerID() == "" {
		return Decision{Outcome: DenyUnauthenticated, RedirectTo: "/login"}
	}
	role := ParseRole(string(caller.CallerRole()))
	for _, a := range allowed {
		if role == a {
			return Decision{Outcome: Allow}
		}
	}
	return Decision{Outcome: DenyForbidden, RedirectTo: role.LandingPath()}
}

// ScopeToCreator reports whether listings for this caller must be
// row-filtered to resources the caller created. Only subadmins are scoped;
// admins have global visibility. The filter is applied after RequireRole
// passes, as a row-level restriction, not a binary allow/deny.
func ScopeToCreator(caller Caller) (creatorID string, scoped bool) {
	if caller == nil {
		return "", false
	}
	if ParseRole(string(caller.CallerRole())) == RoleSubadmin {
		return caller.CallerID(), true
	}
	return "", false
}
