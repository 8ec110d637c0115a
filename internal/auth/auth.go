// Package auth issues and verifies access tokens for tenant users. Login and
// token introspection return the same api.LoginResponse shape.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"propledger/internal/config"
	"propledger/internal/tenant"
	"propledger/pkg/api"
	"propledger/pkg/domain"
)

var (
	// ErrInvalidCredentials is returned for an unknown email or a wrong
	// password. The two cases are indistinguishable to the caller.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrInvalidToken is returned for a malformed, expired or revoked token.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// UserStore is the directory subset of the persistent store used by auth.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.User) (domain.User, error)
	FindUserByEmail(ctx context.Context, email string) (domain.User, error)
	FindUser(ctx context.Context, tenantID, id string) (domain.User, error)
}

// Authenticator logs users in and verifies their tokens.
type Authenticator struct {
	users  UserStore
	tokens *tokenizer
	cost   int
	now    func() time.Time
	logger *zap.Logger

	dummyOnce sync.Once
	dummyHash string
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock overrides the time source used for issuing and checking tokens.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger sets the zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Authenticator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithHashCost overrides the bcrypt cost for new passwords.
func WithHashCost(cost int) Option {
	return func(a *Authenticator) { a.cost = cost }
}

// NewAuthenticator returns an Authenticator signing with cfg.JWTSecret.
func NewAuthenticator(users UserStore, cfg config.Auth, opts ...Option) (*Authenticator, error) {
	if err := cfg.RequireSecret(); err != nil {
		return nil, err
	}
	if len(cfg.JWTSecret) < config.MinSecretLength {
		return nil, fmt.Errorf("auth: secret must be at least %d bytes", config.MinSecretLength)
	}
	if cfg.TokenTTL <= 0 {
		return nil, errors.New("auth: token ttl must be positive")
	}
	a := &Authenticator{
		users:  users,
		tokens: newTokenizer([]byte(cfg.JWTSecret), cfg.Issuer, cfg.TokenTTL),
		cost:   HashCost,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("auth")
	return a, nil
}

// RegisterRequest describes a new user.
type RegisterRequest struct {
	TenantID string
	Email    string
	Password string
	Role     domain.Role
}

// Registrar creates users. It needs no signing secret, so offline tools such
// as the seeder can use it.
type Registrar struct {
	users UserStore
	cost  int
}

// NewRegistrar returns a Registrar hashing with cost. A zero cost means HashCost.
func NewRegistrar(users UserStore, cost int) *Registrar {
	if cost == 0 {
		cost = HashCost
	}
	return &Registrar{users: users, cost: cost}
}

// Register hashes the password and creates the user.
func (r *Registrar) Register(ctx context.Context, req RegisterRequest) (domain.User, error) {
	hash, err := HashPassword(req.Password, r.cost)
	if err != nil {
		return domain.User{}, err
	}
	u, err := r.users.CreateUser(ctx, domain.User{TenantID: req.TenantID, Email: req.Email, PasswordHash: hash, Role: req.Role})
	if err != nil {
		return domain.User{}, fmt.Errorf("register %s: %w", domain.NormalizeEmail(req.Email), err)
	}
	return u, nil
}

// Register hashes the password and creates the user.
func (a *Authenticator) Register(ctx context.Context, req RegisterRequest) (domain.User, error) {
	return NewRegistrar(a.users, a.cost).Register(ctx, req)
}

// Login checks credentials and issues a token.
func (a *Authenticator) Login(ctx context.Context, email, password string) (api.LoginResponse, error) {
	u, err := a.users.FindUserByEmail(ctx, email)
	if err != nil {
		if !domain.IsNotFound(err) {
			return api.LoginResponse{}, fmt.Errorf("login: %w", err)
		}
		// Spend the same bcrypt time as a wrong password.
		_ = ComparePassword(a.dummy(), password)
		a.logger.Debug("login rejected", zap.String("reason", "unknown email"))
		return api.LoginResponse{}, ErrInvalidCredentials
	}
	if err := ComparePassword(u.PasswordHash, password); err != nil {
		a.logger.Debug("login rejected", zap.String("reason", "password mismatch"), zap.String("user_id", u.ID))
		return api.LoginResponse{}, err
	}
	now := a.now().UTC()
	token, claims, err := a.tokens.issue(u, now)
	if err != nil {
		return api.LoginResponse{}, err
	}
	a.logger.Info("login", zap.String("user_id", u.ID), zap.String("tenant_id", u.TenantID))
	return response(token, claims, u, now), nil
}

// Authenticate verifies a bearer token and returns its principal. The user
// must still exist in the token's tenant.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (tenant.Principal, error) {
	p, _, _, err := a.verify(ctx, token)
	return p, err
}

// Me returns the LoginResponse for a still-valid token.
func (a *Authenticator) Me(ctx context.Context, token string) (api.LoginResponse, error) {
	_, claims, u, err := a.verify(ctx, token)
	if err != nil {
		return api.LoginResponse{}, err
	}
	return response(token, claims, u, a.now().UTC()), nil
}

func (a *Authenticator) verify(ctx context.Context, token string) (tenant.Principal, *Claims, domain.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return tenant.Principal{}, nil, domain.User{}, ErrInvalidToken
	}
	claims, err := a.tokens.parse(token, a.now())
	if err != nil {
		a.logger.Debug("token rejected", zap.Error(err))
		return tenant.Principal{}, nil, domain.User{}, ErrInvalidToken
	}
	u, err := a.users.FindUser(ctx, claims.TenantID, claims.Subject)
	if err != nil {
		if domain.IsNotFound(err) {
			return tenant.Principal{}, nil, domain.User{}, ErrInvalidToken
		}
		return tenant.Principal{}, nil, domain.User{}, fmt.Errorf("load token user: %w", err)
	}
	p := tenant.Principal{UserID: u.ID, TenantID: u.TenantID, Email: u.Email, Role: u.Role}
	return p, claims, u, nil
}

func (a *Authenticator) dummy() string {
	a.dummyOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte("propledger-timing-equaliser"), a.cost)
		if err == nil {
			a.dummyHash = string(h)
		}
	})
	return a.dummyHash
}

func response(token string, claims *Claims, u domain.User, now time.Time) api.LoginResponse {
	expires := claims.ExpiresAt.Time.UTC()
	remaining := int64(expires.Sub(now) / time.Second)
	if remaining < 0 {
		remaining = 0
	}
	return api.LoginResponse{
		AccessToken: token,
		TokenType:   api.TokenTypeBearer,
		ExpiresIn:   remaining,
		ExpiresAt:   expires,
		User: api.UserInfo{
			ID:       u.ID,
			Email:    u.Email,
			TenantID: u.TenantID,
			Role:     u.Role,
		},
	}
}
