package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"propledger/pkg/api"
	"propledger/pkg/client"
)

// DefaultRestoreTimeout bounds a restore when no timeout is configured.
const DefaultRestoreTimeout = 5 * time.Second

var (
	// ErrRestoreTimeout is returned when validation does not finish in time.
	// The persisted session is kept so a later start can retry.
	ErrRestoreTimeout = errors.New("session restore timed out")
	// ErrSessionExpired is returned when the persisted token has expired.
	ErrSessionExpired = errors.New("saved session expired")
	// ErrSessionRejected is returned when the server no longer accepts the token.
	ErrSessionRejected = errors.New("saved session rejected by server")
)

// ValidateFunc checks a token with the server and returns its current session.
type ValidateFunc func(ctx context.Context, token string) (api.LoginResponse, error)

// ClientValidator validates tokens through GET /auth/me.
func ClientValidator(c *client.Client) ValidateFunc {
	return func(ctx context.Context, token string) (api.LoginResponse, error) {
		return c.WithToken(token).Me(ctx)
	}
}

// Recoverer restores a persisted session. Concurrent Restore calls share one
// in-flight restore.
type Recoverer struct {
	storage  Storage
	validate ValidateFunc
	timeout  time.Duration
	now      func() time.Time
	log      *zap.Logger
	flight   singleflight.Group
}

// Option configures a Recoverer.
type Option func(*Recoverer)

// WithTimeout bounds each restore. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(r *Recoverer) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(r *Recoverer) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Recoverer) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRecoverer returns a Recoverer reading from storage and checking tokens with validate.
func NewRecoverer(storage Storage, validate ValidateFunc, opts ...Option) *Recoverer {
	r := &Recoverer{
		storage:  storage,
		validate: validate,
		timeout:  DefaultRestoreTimeout,
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Restore loads the persisted session, drops it if expired or rejected, and
// otherwise returns it refreshed from the server. It returns ErrNoSession
// when nothing is saved. A caller whose ctx ends early stops waiting without
// cancelling the shared restore.
func (r *Recoverer) Restore(ctx context.Context) (Session, error) {
	ch := r.flight.DoChan("restore", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.restore(rctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}

func (r *Recoverer) restore(ctx context.Context) (Session, error) {
	s, err := r.storage.Load(ctx)
	if err != nil {
		return Session{}, err
	}
	if s.Expired(r.now()) {
		r.log.Info("discarding expired session", zap.Time("expired_at", s.ExpiresAt))
		if err := r.storage.Clear(ctx); err != nil {
			return Session{}, err
		}
		return Session{}, ErrSessionExpired
	}

	resp, err := r.validate(ctx, s.AccessToken)
	switch {
	case err == nil:
	case client.IsUnauthorized(err):
		r.log.Info("server rejected saved session", zap.Error(err))
		if cerr := r.storage.Clear(ctx); cerr != nil {
			return Session{}, cerr
		}
		return Session{}, fmt.Errorf("%w: %v", ErrSessionRejected, err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		r.log.Warn("session restore timed out", zap.Duration("timeout", r.timeout))
		return Session{}, ErrRestoreTimeout
	default:
		return Session{}, fmt.Errorf("validate session: %w", err)
	}

	if resp.AccessToken == "" {
		resp.AccessToken = s.AccessToken
	}
	restored := Session{LoginResponse: resp, Server: s.Server, SavedAt: s.SavedAt}
	if err := r.storage.Save(ctx, restored); err != nil {
		return Session{}, err
	}
	return restored, nil
}
