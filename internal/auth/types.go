package auth

import (
	"errors"
	"regexp"
	"slices"
	"time"
)

// usernamePattern allows alphanumerics, dots, hyphens and underscores.
var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// IsValidUsername checks if a username meets format requirements.
func IsValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// Role represents an authorisation tier.
type Role string

const (
	// RoleUser is a household member limited by an entity policy.
	RoleUser Role = "user"

	// RoleAdmin has full control of entities, services and configuration.
	RoleAdmin Role = "admin"

	// RoleOwner can additionally manage other admins and owners.
	RoleOwner Role = "owner"

	// RoleSystem is used by system-generated users such as the legacy
	// API password user.
	RoleSystem Role = "system"
)

// ValidRoles is the set of roles a human account may hold.
var ValidRoles = []Role{RoleUser, RoleAdmin, RoleOwner}

// IsValidUserRole returns true if the role is valid for a user account.
func IsValidUserRole(r Role) bool {
	return slices.Contains(ValidRoles, r)
}

// User represents an account that can authenticate.
type User struct {
	ID              string    `json:"id"`
	Username        string    `json:"username"`
	DisplayName     string    `json:"name"`
	PasswordHash    string    `json:"-"`
	Role            Role      `json:"role"`
	IsActive        bool      `json:"is_active"`
	SystemGenerated bool      `json:"system_generated"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	// Policy is resolved from user_entity_access when the user is loaded
	// through a Manager. It is nil for admins.
	Policy *Policy `json:"-"`
}

// IsAdmin reports whether the user bypasses entity policies.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin || u.Role == RoleOwner || u.Role == RoleSystem
}

// IsOwner reports whether the user holds the owner role.
func (u *User) IsOwner() bool {
	return u.Role == RoleOwner
}

// Permissions returns the entity permission checker for this user.
func (u *User) Permissions() Permissions {
	if u.IsAdmin() {
		return AllPermissions
	}
	return NewPolicyPermissions(u.Policy)
}

// TokenType distinguishes how a refresh token was issued.
type TokenType string

const (
	TokenTypeNormal     TokenType = "normal"
	TokenTypeLongLived  TokenType = "long_lived_access_token"
	TokenTypeSystem     TokenType = "system"
	TokenTypeLegacyPass TokenType = "legacy_api_password"
)

// RefreshToken is a stored session credential.
type RefreshToken struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	TokenHash  string     `json:"-"`
	ClientName string     `json:"client_name,omitempty"`
	Type       TokenType  `json:"type"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Revoked    bool       `json:"revoked"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Expired reports whether the token is past its expiry at now.
func (t *RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// TokenPair is returned from a successful login.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Sentinel errors for auth operations.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserInactive       = errors.New("user account is inactive")
	ErrUsernameExists     = errors.New("username already exists")
	ErrTokenExpired       = errors.New("token has expired")
	ErrTokenRevoked       = errors.New("token has been revoked")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrLegacyDisabled     = errors.New("legacy api password is not configured")
	ErrForbidden          = errors.New("insufficient permissions")
)
