package services

import "errors"

var (
	// ErrNotFound signals a missing record (profile, policy, identity).
	ErrNotFound = errors.New("not found")

	// ErrUpstream marks identity-provider or datastore outages. Callers must
	// keep it distinct from "not authenticated": an outage is a 500-class
	// condition for the operator, never an access denial.
	ErrUpstream = errors.New("upstream service error")

	// ErrTokenInvalid signals a missing, malformed, expired or badly signed
	// session token. Always an access denial, never retried.
	ErrTokenInvalid = errors.New("invalid session token")

	// ErrScopeDenied signals a subadmin touching a resource they did not
	// create. A row-level forbidden, reported after the role gate passed.
	ErrScopeDenied = errors.New("outside caller scope")
)

// IsUpstream reports whether err stems from a provider/datastore outage.
func IsUpstream(err error) bool {
	return errors.Is(err, ErrUpstream)
}
