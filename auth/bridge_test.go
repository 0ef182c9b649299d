package auth

import (
	"context"
	"encoding/json"
	"errors"
	nethttp "net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-bricks-datalayer/errs"
	"github.com/gaborage/go-bricks-datalayer/http"
	"github.com/gaborage/go-bricks-datalayer/logger"
)

func newTestBridge(t *testing.T, provider TokenProvider) *Bridge {
	t.Helper()
	b := New(provider, logger.Nop())
	t.Cleanup(b.Close)
	return b
}

func TestBridgeLifecycle(t *testing.T) {
	b := newTestBridge(t, StaticTokenProvider("tok"))
	var kinds []TransitionKind
	b.Subscribe(func(tr Transition) { kinds = append(kinds, tr.Kind) })

	assert.False(t, b.State().Initialized)

	b.Initialize(&Principal{ID: "u1", Email: "a@example.com"})
	b.Initialize(nil) // ignored
	st := b.State()
	require.True(t, st.Initialized)
	require.True(t, st.SignedIn())
	assert.Equal(t, "u1", st.User.ID)

	b.SignOut()
	assert.False(t, b.State().SignedIn())
	b.SignOut() // already signed out

	b.SignIn(Principal{ID: "u2"})
	assert.Equal(t, "u2", b.State().User.ID)

	assert.Equal(t, []TransitionKind{TransitionInitialized, TransitionSignedOut, TransitionSignedIn}, kinds)
}

func TestBridgeTransitionCarriesStates(t *testing.T) {
	b := newTestBridge(t, nil)
	var got Transition
	dispose := b.Subscribe(func(tr Transition) { got = tr })
	b.SignIn(Principal{ID: "u1"})
	b.SignOut()

	assert.Equal(t, TransitionSignedOut, got.Kind)
	assert.Equal(t, "u1", got.Previous.User.ID)
	assert.Nil(t, got.Current.User)

	dispose()
	b.SignIn(Principal{ID: "u3"})
	assert.Equal(t, TransitionSignedOut, got.Kind)
}

func TestBridgeTokenWithoutSession(t *testing.T) {
	b := newTestBridge(t, StaticTokenProvider("tok"))
	_, err := b.Token(context.Background())
	require.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, errs.KindAuth, errs.KindOf(err))

	b.Initialize(nil)
	_, err = b.Token(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestBridgeTokenCaching(t *testing.T) {
	var calls atomic.Int32
	provider := TokenProviderFunc(func(_ context.Context, p Principal) (Token, error) {
		calls.Add(1)
		return Token{Value: "tok-" + p.ID, ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
	b := newTestBridge(t, provider)
	b.SignIn(Principal{ID: "u1"})

	for i := 0; i < 3; i++ {
		tok, err := b.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "tok-u1", tok)
	}
	assert.Equal(t, int32(1), calls.Load())

	b.SignOut()
	b.SignIn(Principal{ID: "u1"})
	_, err := b.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "sign-out drops cached tokens")
}

func TestBridgeProviderFailure(t *testing.T) {
	b := newTestBridge(t, TokenProviderFunc(func(context.Context, Principal) (Token, error) {
		return Token{}, errors.New("provider down")
	}))
	b.SignIn(Principal{ID: "u1"})

	_, err := b.Token(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.KindAuth, errs.KindOf(err))
}

func TestTokenTTL(t *testing.T) {
	b := newTestBridge(t, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	assert.Equal(t, time.Duration(0), b.tokenTTL(Token{Value: "x"}))
	assert.Equal(t, 10*time.Minute-expirySkew, b.tokenTTL(Token{Value: "x", ExpiresAt: now.Add(10 * time.Minute)}))
	assert.Equal(t, time.Second, b.tokenTTL(Token{Value: "x", ExpiresAt: now.Add(time.Second)}))
}

func TestRefreshTokenProvider(t *testing.T) {
	var gotKey, gotGrant string
	var gotBody map[string]string
	var calls atomic.Int32
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		calls.Add(1)
		gotKey = r.Header.Get("apikey")
		gotGrant = r.URL.Query().Get("grant_type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"access-1","refresh_token":"refresh-2","expires_in":3600}`))
	}))
	defer server.Close()

	p := NewRefreshTokenProvider(http.NewClient(logger.Nop()), server.URL+"/", "anon", "refresh-1")
	tok, err := p.Token(context.Background(), Principal{ID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, "access-1", tok.Value)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.ExpiresAt, 5*time.Second)
	assert.Equal(t, "anon", gotKey)
	assert.Equal(t, "refresh_token", gotGrant)
	assert.Equal(t, "refresh-1", gotBody["refresh_token"])

	_, err = p.Token(context.Background(), Principal{ID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", gotBody["refresh_token"], "rotated refresh token is used")

	empty := NewRefreshTokenProvider(http.NewClient(logger.Nop()), server.URL, "anon", "")
	_, err = empty.Token(context.Background(), Principal{})
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRefreshTokenProviderRejected(t *testing.T) {
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(nethttp.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer server.Close()

	b := newTestBridge(t, NewRefreshTokenProvider(http.NewClient(logger.Nop()), server.URL, "anon", "stale"))
	b.SignIn(Principal{ID: "u1"})
	_, err := b.Token(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.KindAuth, errs.KindOf(err))
}
