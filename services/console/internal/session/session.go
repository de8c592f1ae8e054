// Package session holds the operator's bearer token and login state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"
	"go.uber.org/zap"

	"github.com/vgold/heatwatch/services/console/internal/upstream"
)

// ErrNotLoggedIn is returned by Validate when there is no token to check.
var ErrNotLoggedIn = errors.New("not logged in")

// State is the persisted part of the session. The password is never part of it.
type State struct {
	LoggedIn bool           `json:"logged_in"`
	User     *upstream.User `json:"user,omitempty"`
	Token    string         `json:"token,omitempty"`
}

// Authenticator is the slice of the remote API the holder needs.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (upstream.LoginResult, error)
	Me(ctx context.Context) (upstream.User, error)
}

// Holder is the single process-wide session.
type Holder struct {
	auth    Authenticator
	persist Persister
	logger  *zap.Logger

	mu       sync.RWMutex
	state    State
	onLogout []func()
}

func NewHolder(auth Authenticator, persist Persister, logger *zap.Logger) *Holder {
	return &Holder{auth: auth, persist: persist, logger: logger}
}

// Token returns the bearer token, or "" when logged out.
func (h *Holder) Token() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.Token
}

// LoggedIn reports the login flag.
func (h *Holder) LoggedIn() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.LoggedIn
}

// User returns a copy of the current user, if any.
func (h *Holder) User() (upstream.User, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.state.User == nil {
		return upstream.User{}, false
	}
	return *h.state.User, true
}

// OnLogout registers fn to run after every logout. Views use it to send the
// operator back to the login surface.
func (h *Holder) OnLogout(fn func()) {
	h.mu.Lock()
	h.onLogout = append(h.onLogout, fn)
	h.mu.Unlock()
}

// Restore loads a persisted session. It does not validate it.
func (h *Holder) Restore(ctx context.Context) error {
	s, err := h.persist.Load(ctx)
	if err != nil {
		return err
	}
	if s.Token == "" {
		s = State{}
	}
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
	return nil
}

// Login authenticates against the remote API and applies the result.
// Failures are returned to the caller for inline display.
func (h *Holder) Login(ctx context.Context, username, password string) error {
	res, err := h.auth.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return h.Apply(ctx, res)
}

// Apply stores a successful login result and persists it.
func (h *Holder) Apply(ctx context.Context, res upstream.LoginResult) error {
	user := res.User
	s := State{LoggedIn: true, User: &user, Token: res.BearerToken()}

	h.mu.Lock()
	h.state = s
	h.mu.Unlock()

	if err := h.persist.Save(ctx, s); err != nil {
		h.logger.Warn("failed to persist session", zap.Error(err))
	}
	h.logger.Info("operator logged in", zap.String("username", user.Username))
	return nil
}

// Logout clears token, user and login flag and notifies listeners.
// Logging out twice is harmless.
func (h *Holder) Logout(ctx context.Context) {
	h.mu.Lock()
	wasLoggedIn := h.state.LoggedIn || h.state.Token != ""
	h.state = State{}
	listeners := append([]func(){}, h.onLogout...)
	h.mu.Unlock()

	if err := h.persist.Clear(ctx); err != nil {
		h.logger.Warn("failed to clear persisted session", zap.Error(err))
	}
	if !wasLoggedIn {
		return
	}
	h.logger.Info("operator logged out")
	for _, fn := range listeners {
		fn()
	}
}

// ForceLogout is the 401 hook for the upstream client.
func (h *Holder) ForceLogout() {
	h.Logout(context.Background())
}

// Validate asks the remote API who the token belongs to. On success the user
// record is refreshed; on any failure the session is logged out.
func (h *Holder) Validate(ctx context.Context) error {
	token := h.Token()
	if token == "" {
		return ErrNotLoggedIn
	}
	if Expired(token, time.Now()) {
		h.Logout(ctx)
		return errors.New("token expired")
	}

	user, err := h.auth.Me(ctx)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err))
		h.Logout(ctx)
		return fmt.Errorf("validate session: %w", err)
	}

	h.mu.Lock()
	h.state.User = &user
	h.state.LoggedIn = true
	s := h.state
	h.mu.Unlock()

	if err := h.persist.Save(ctx, s); err != nil {
		h.logger.Warn("failed to persist session", zap.Error(err))
	}
	return nil
}

// Expired reports whether token is a JWT whose exp claim lies before now.
// Opaque tokens are never considered expired locally.
func Expired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return false
	}
	return now.Unix() >= int64(exp)
}
