package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Logger is the logging interface used by the auth package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// minSecretLength is the shortest accepted HS256 signing secret.
const minSecretLength = 32

// legacyUsername names the system user behind the legacy API password.
const legacyUsername = "legacy_api_password"

// ManagerConfig holds token lifetimes and secrets.
type ManagerConfig struct {
	Secret          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	// APIPassword enables legacy password authentication when non-empty.
	APIPassword string
}

// Manager ties users, tokens and policies together.
type Manager struct {
	users    UserRepository
	tokens   TokenRepository
	policies PolicyRepository
	cfg      ManagerConfig
	logger   Logger

	legacyMu   sync.Mutex
	legacyUser *User

	// dummyHash keeps failed lookups as slow as failed password checks.
	dummyHash string
}

// NewManager validates cfg and builds a Manager. A nil logger discards
// output.
func NewManager(users UserRepository, tokens TokenRepository, policies PolicyRepository, cfg ManagerConfig, logger Logger) (*Manager, error) {
	if len(cfg.Secret) < minSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d characters", minSecretLength)
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 30 * time.Minute //nolint:mnd // default access token lifetime
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 90 * 24 * time.Hour //nolint:mnd // default refresh token lifetime
	}
	if logger == nil {
		logger = noopLogger{}
	}

	dummy, err := HashPassword("opp-dummy-password")
	if err != nil {
		return nil, err
	}

	return &Manager{
		users:     users,
		tokens:    tokens,
		policies:  policies,
		cfg:       cfg,
		logger:    logger,
		dummyHash: dummy,
	}, nil
}

// Login checks credentials and issues a refresh/access token pair.
func (m *Manager) Login(ctx context.Context, username, password, clientName string) (*TokenPair, error) {
	user, err := m.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			_, _ = VerifyPassword(password, m.dummyHash) //nolint:errcheck // timing equalisation only
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrUserInactive
	}

	raw, rt, err := m.newRefreshToken(ctx, user.ID, clientName, TokenTypeNormal, m.cfg.RefreshTokenTTL)
	if err != nil {
		return nil, err
	}
	access, err := GenerateAccessToken(rt, m.cfg.Secret, m.cfg.AccessTokenTTL)
	if err != nil {
		return nil, err
	}

	m.logger.Info("user logged in", "user_id", user.ID, "client", clientName)
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: raw,
		TokenType:    "Bearer",
		ExpiresIn:    int(m.cfg.AccessTokenTTL.Seconds()),
	}, nil
}

// Refresh mints a new access token from a raw refresh token.
func (m *Manager) Refresh(ctx context.Context, rawRefresh string) (*TokenPair, error) {
	rt, err := m.tokens.GetByTokenHash(ctx, HashToken(rawRefresh))
	if err != nil {
		return nil, err
	}
	if err := m.checkRefreshToken(rt); err != nil {
		return nil, err
	}
	if err := m.tokens.Touch(ctx, rt.ID, time.Now()); err != nil {
		m.logger.Warn("failed to record token use", "token_id", rt.ID, "error", err)
	}

	access, err := GenerateAccessToken(rt, m.cfg.Secret, m.cfg.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int(m.cfg.AccessTokenTTL.Seconds()),
	}, nil
}

// Logout revokes the refresh token with the given raw value.
func (m *Manager) Logout(ctx context.Context, rawRefresh string) error {
	rt, err := m.tokens.GetByTokenHash(ctx, HashToken(rawRefresh))
	if err != nil {
		return err
	}
	return m.tokens.Revoke(ctx, rt.ID)
}

// CreateLongLivedToken issues an access token valid for lifespan, backed
// by a dedicated refresh token so it can be revoked.
func (m *Manager) CreateLongLivedToken(ctx context.Context, userID, clientName string, lifespan time.Duration) (string, error) {
	_, rt, err := m.newRefreshToken(ctx, userID, clientName, TokenTypeLongLived, lifespan)
	if err != nil {
		return "", err
	}
	return GenerateAccessToken(rt, m.cfg.Secret, lifespan)
}

// IssueAccessToken mints an access token for a user directly, creating a
// system refresh token. It is used by internal callers and tests.
func (m *Manager) IssueAccessToken(ctx context.Context, userID string) (string, error) {
	_, rt, err := m.newRefreshToken(ctx, userID, "", TokenTypeSystem, m.cfg.RefreshTokenTTL)
	if err != nil {
		return "", err
	}
	return GenerateAccessToken(rt, m.cfg.Secret, m.cfg.AccessTokenTTL)
}

func (m *Manager) newRefreshToken(ctx context.Context, userID, clientName string, typ TokenType, ttl time.Duration) (string, *RefreshToken, error) {
	raw, err := GenerateRefreshToken()
	if err != nil {
		return "", nil, err
	}
	rt := &RefreshToken{
		UserID:     userID,
		TokenHash:  HashToken(raw),
		ClientName: clientName,
		Type:       typ,
		ExpiresAt:  time.Now().Add(ttl),
	}
	if err := m.tokens.Create(ctx, rt); err != nil {
		return "", nil, err
	}
	return raw, rt, nil
}

func (m *Manager) checkRefreshToken(rt *RefreshToken) error {
	if rt.Revoked {
		return ErrTokenRevoked
	}
	if rt.Expired(time.Now()) {
		return ErrTokenExpired
	}
	return nil
}

// ValidateAccessToken verifies an access token and returns the refresh
// token it was minted from.
func (m *Manager) ValidateAccessToken(ctx context.Context, token string) (*RefreshToken, error) {
	claims, err := ParseToken(token, m.cfg.Secret)
	if err != nil {
		return nil, err
	}
	rt, err := m.tokens.GetByID(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if err := m.checkRefreshToken(rt); err != nil {
		return nil, err
	}
	return rt, nil
}

// Authenticate resolves an access token to an active user.
func (m *Manager) Authenticate(ctx context.Context, token string) (*User, error) {
	rt, err := m.ValidateAccessToken(ctx, token)
	if err != nil {
		return nil, err
	}
	user, err := m.GetUser(ctx, rt.UserID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrUserInactive
	}
	return user, nil
}

// GetUser loads a user and, for non-admins, their entity policy.
func (m *Manager) GetUser(ctx context.Context, id string) (*User, error) {
	user, err := m.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !user.IsAdmin() && m.policies != nil {
		policy, err := m.policies.GetPolicy(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("loading policy for %s: %w", user.ID, err)
		}
		user.Policy = policy
	}
	return user, nil
}

// CreateUser hashes password and stores a new active user. A non-nil
// policy is stored for the user.
func (m *Manager) CreateUser(ctx context.Context, username, displayName, password string, role Role, policy *Policy) (*User, error) {
	if !IsValidUsername(username) {
		return nil, fmt.Errorf("invalid username %q", username)
	}
	if !IsValidUserRole(role) {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &User{
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
	}
	if err := m.users.Create(ctx, user); err != nil {
		return nil, err
	}
	if policy != nil && m.policies != nil {
		if err := m.policies.SetPolicy(ctx, user.ID, policy); err != nil {
			return nil, err
		}
		user.Policy = policy
	}
	return user, nil
}

// LegacyEnabled reports whether an API password is configured.
func (m *Manager) LegacyEnabled() bool {
	return m.cfg.APIPassword != ""
}

// ValidateAPIPassword checks the legacy API password in constant time and
// returns the system user it maps to.
func (m *Manager) ValidateAPIPassword(ctx context.Context, password string) (*User, error) {
	if !m.LegacyEnabled() {
		return nil, ErrLegacyDisabled
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(m.cfg.APIPassword)) != 1 {
		return nil, ErrInvalidCredentials
	}
	return m.legacy(ctx)
}

func (m *Manager) legacy(ctx context.Context) (*User, error) {
	m.legacyMu.Lock()
	defer m.legacyMu.Unlock()

	if m.legacyUser != nil {
		return m.legacyUser, nil
	}

	user, err := m.users.GetByUsername(ctx, legacyUsername)
	if errors.Is(err, ErrUserNotFound) {
		user = &User{
			Username:        legacyUsername,
			DisplayName:     "Legacy API password user",
			Role:            RoleSystem,
			IsActive:        true,
			SystemGenerated: true,
		}
		err = m.users.Create(ctx, user)
	}
	if err != nil {
		return nil, fmt.Errorf("loading legacy user: %w", err)
	}

	m.legacyUser = user
	return user, nil
}
