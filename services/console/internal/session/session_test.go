package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dgrijalva/jwt-go"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vgold/heatwatch/services/console/internal/apierr"
	"github.com/vgold/heatwatch/services/console/internal/upstream"
)

type fakeAuth struct {
	loginErr error
	meErr    error
	token    string
	meCalls  int
}

func (f *fakeAuth) Login(_ context.Context, username, password string) (upstream.LoginResult, error) {
	if f.loginErr != nil {
		return upstream.LoginResult{}, f.loginErr
	}
	return upstream.LoginResult{Token: f.token, User: upstream.User{ID: 1, Username: username}}, nil
}

func (f *fakeAuth) Me(_ context.Context) (upstream.User, error) {
	f.meCalls++
	if f.meErr != nil {
		return upstream.User{}, f.meErr
	}
	return upstream.User{ID: 1, Username: "admin", Role: "operator"}, nil
}

func setupRedisPersister(t *testing.T) (*miniredis.Miniredis, *RedisPersister) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisPersister(client, "heatwatch:session")
}

func TestHolder_LoginPersistsAndRestoresAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	auth := &fakeAuth{token: "tok-1"}

	first := NewHolder(auth, NewFilePersister(path), zap.NewNop())
	require.NoError(t, first.Login(context.Background(), "admin", "secret"))
	assert.True(t, first.LoggedIn())
	assert.Equal(t, "tok-1", first.Token())

	reloaded := NewHolder(auth, NewFilePersister(path), zap.NewNop())
	require.NoError(t, reloaded.Restore(context.Background()))
	assert.True(t, reloaded.LoggedIn())
	assert.Equal(t, "tok-1", reloaded.Token())

	require.NoError(t, reloaded.Validate(context.Background()))
	user, ok := reloaded.User()
	require.True(t, ok)
	assert.Equal(t, "operator", user.Role)
	assert.Equal(t, 1, auth.meCalls)
}

func TestHolder_LoginFailureLeavesSessionEmpty(t *testing.T) {
	auth := &fakeAuth{loginErr: &apierr.Error{Status: 401, Message: "Invalid credentials"}}
	h := NewHolder(auth, NewFilePersister(filepath.Join(t.TempDir(), "s.json")), zap.NewNop())

	err := h.Login(context.Background(), "admin", "bad")
	require.Error(t, err)
	assert.True(t, apierr.IsUnauthorized(err))
	assert.False(t, h.LoggedIn())
	assert.Empty(t, h.Token())
}

func TestHolder_ValidateFailureLogsOutAndNotifies(t *testing.T) {
	_, persister := setupRedisPersister(t)
	auth := &fakeAuth{token: "tok-2", meErr: errors.New("connection refused")}
	h := NewHolder(auth, persister, zap.NewNop())
	require.NoError(t, h.Login(context.Background(), "admin", "secret"))

	redirects := 0
	h.OnLogout(func() { redirects++ })

	require.Error(t, h.Validate(context.Background()))
	assert.False(t, h.LoggedIn())
	assert.Empty(t, h.Token())
	assert.Equal(t, 1, redirects)

	stored, err := persister.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, State{}, stored)
}

func TestHolder_ValidateWithoutToken(t *testing.T) {
	h := NewHolder(&fakeAuth{}, NewFilePersister(filepath.Join(t.TempDir(), "s.json")), zap.NewNop())
	assert.ErrorIs(t, h.Validate(context.Background()), ErrNotLoggedIn)
}

func TestHolder_LogoutIsIdempotent(t *testing.T) {
	h := NewHolder(&fakeAuth{token: "t"}, NewFilePersister(filepath.Join(t.TempDir(), "s.json")), zap.NewNop())
	require.NoError(t, h.Login(context.Background(), "admin", "secret"))

	calls := 0
	h.OnLogout(func() { calls++ })
	h.ForceLogout()
	h.ForceLogout()
	assert.Equal(t, 1, calls)
}

func TestHolder_ExpiredJWTSkipsRemoteCheck(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	auth := &fakeAuth{token: tok}
	h := NewHolder(auth, NewFilePersister(filepath.Join(t.TempDir(), "s.json")), zap.NewNop())
	require.NoError(t, h.Login(context.Background(), "admin", "secret"))

	require.Error(t, h.Validate(context.Background()))
	assert.False(t, h.LoggedIn())
	assert.Equal(t, 0, auth.meCalls)
}

func TestExpired(t *testing.T) {
	now := time.Now()
	fresh, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": now.Add(time.Hour).Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)

	assert.False(t, Expired(fresh, now))
	assert.False(t, Expired("opaque-token", now))
}

func TestRedisPersister_RoundTrip(t *testing.T) {
	mr, persister := setupRedisPersister(t)
	ctx := context.Background()

	empty, err := persister.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, State{}, empty)

	s := State{LoggedIn: true, Token: "abc", User: &upstream.User{ID: 5, Username: "op"}}
	require.NoError(t, persister.Save(ctx, s))
	assert.True(t, mr.Exists("heatwatch:session"))

	loaded, err := persister.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)

	require.NoError(t, persister.Clear(ctx))
	assert.False(t, mr.Exists("heatwatch:session"))
}
