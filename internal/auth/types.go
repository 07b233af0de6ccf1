package auth

import "errors"

// Role represents an authorisation tier.
type Role string

const (
	// RoleObserver can watch devices and stop them, nothing more.
	RoleObserver Role = "observer"

	// RoleUser runs the experiment: writes values and invokes actions.
	RoleUser Role = "user"
)

// ValidRoles is the set of roles a token may carry.
var ValidRoles = []Role{RoleObserver, RoleUser}

// IsValidRole returns true if r is one of ValidRoles.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Domain errors.
var (
	ErrTokenMissing = errors.New("missing bearer token")
	ErrTokenInvalid = errors.New("invalid token")
	ErrForbidden    = errors.New("insufficient permissions")
	ErrInvalidRole  = errors.New("invalid role")
)
