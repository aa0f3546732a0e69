package auth

import (
	"errors"
	"fmt"
	"regexp"
)

// Domain errors for the auth package.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrTokenInvalid       = errors.New("auth: invalid token")
	ErrInvalidHash        = errors.New("auth: invalid password hash")
	ErrNoOperator         = errors.New("auth: no operator configured")
	ErrWeakPassword       = errors.New("auth: password too weak")
)

// usernamePattern defines the valid format for usernames:
// alphanumeric, dots, hyphens, underscores, 1-64 characters.
var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// IsValidUsername checks if a username meets format requirements.
func IsValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// Role represents an authorisation tier.
type Role string

const (
	// RoleViewer may read state and follow the event stream.
	RoleViewer Role = "viewer"

	// RoleOperator may also actuate, run sequences and optimize.
	RoleOperator Role = "operator"
)

// Operator is the configured login.
type Operator struct {
	Username     string
	PasswordHash string
	Role         Role
}

// Authenticate checks username and password against the operator and
// returns the role to put in the token.
func (o Operator) Authenticate(username, password string) (Role, error) {
	if o.Username == "" || o.PasswordHash == "" {
		return "", ErrNoOperator
	}
	if username != o.Username {
		// Keep timing close to the mismatched-password path.
		_, _ = VerifyPassword(password, o.PasswordHash) //nolint:errcheck // result intentionally discarded
		return "", ErrInvalidCredentials
	}
	ok, err := VerifyPassword(password, o.PasswordHash)
	if err != nil {
		return "", fmt.Errorf("verifying operator password: %w", err)
	}
	if !ok {
		return "", ErrInvalidCredentials
	}
	if o.Role == "" {
		return RoleOperator, nil
	}
	return o.Role, nil
}
