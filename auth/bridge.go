// Package auth is a read-only facade over the identity provider: the current
// principal, state transitions, and a bearer token supplier that fails explicitly
// when no session exists.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/gaborage/go-bricks-datalayer/errs"
	"github.com/gaborage/go-bricks-datalayer/logger"
)

const (
	// DefaultTokenTTL caches tokens whose provider reports no expiry.
	DefaultTokenTTL = 5 * time.Minute

	// expirySkew refreshes tokens this long before they expire.
	expirySkew = 30 * time.Second
)

// ErrNoSession is returned by Token when nobody is signed in.
var ErrNoSession = errs.Auth("auth.token", "no active session")

// Principal identifies the signed-in user.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// State is a snapshot of the bridge.
type State struct {
	User        *Principal
	Initialized bool
}

// SignedIn reports whether a user is present.
func (s State) SignedIn() bool {
	return s.User != nil
}

// TransitionKind names a state change.
type TransitionKind string

const (
	TransitionInitialized TransitionKind = "initialized"
	TransitionSignedIn    TransitionKind = "signed_in"
	TransitionSignedOut   TransitionKind = "signed_out"
)

// Transition is delivered to subscribers after every state change.
type Transition struct {
	Kind     TransitionKind
	Previous State
	Current  State
}

// Token is an access token with an optional expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenProvider obtains access tokens for a principal.
type TokenProvider interface {
	Token(ctx context.Context, p Principal) (Token, error)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context, p Principal) (Token, error)

// Token implements TokenProvider.
func (f TokenProviderFunc) Token(ctx context.Context, p Principal) (Token, error) {
	return f(ctx, p)
}

// StaticTokenProvider always returns the same token.
func StaticTokenProvider(token string) TokenProvider {
	return TokenProviderFunc(func(context.Context, Principal) (Token, error) {
		return Token{Value: token}, nil
	})
}

type subscriber struct {
	id uint64
	fn func(Transition)
}

// Bridge exposes the current principal and supplies bearer tokens.
type Bridge struct {
	mu       sync.Mutex
	state    State
	provider TokenProvider
	tokens   *ttlcache.Cache[string, string]
	subs     []subscriber
	nextID   uint64
	now      func() time.Time
	log      logger.Logger
}

// New creates an uninitialized bridge.
func New(provider TokenProvider, log logger.Logger) *Bridge {
	tokens := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](DefaultTokenTTL),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go tokens.Start()
	return &Bridge{
		provider: provider,
		tokens:   tokens,
		now:      time.Now,
		log:      logger.OrNop(log).Component("auth"),
	}
}

// Close stops the token cache's expiry loop.
func (b *Bridge) Close() {
	b.tokens.Stop()
}

// State returns the current snapshot.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Initialize records the session restored at startup; nil means signed out.
// Only the first call has an effect.
func (b *Bridge) Initialize(p *Principal) {
	b.mu.Lock()
	if b.state.Initialized {
		b.mu.Unlock()
		return
	}
	prev := b.state
	b.state = State{User: clonePrincipal(p), Initialized: true}
	next := b.state
	b.mu.Unlock()

	b.log.Info().Bool("signed_in", p != nil).Msg("auth initialized")
	b.emit(Transition{Kind: TransitionInitialized, Previous: prev, Current: next})
}

// SignIn sets the principal. It implies initialization.
func (b *Bridge) SignIn(p Principal) {
	b.mu.Lock()
	prev := b.state
	b.state = State{User: clonePrincipal(&p), Initialized: true}
	next := b.state
	b.mu.Unlock()

	if prev.User != nil && prev.User.ID != p.ID {
		b.tokens.Delete(prev.User.ID)
	}
	b.log.Info().Str("user_id", p.ID).Msg("signed in")
	b.emit(Transition{Kind: TransitionSignedIn, Previous: prev, Current: next})
}

// SignOut clears the principal and its cached token.
func (b *Bridge) SignOut() {
	b.mu.Lock()
	prev := b.state
	if prev.User == nil && prev.Initialized {
		b.mu.Unlock()
		return
	}
	b.state = State{Initialized: true}
	next := b.state
	b.mu.Unlock()

	b.tokens.DeleteAll()
	b.log.Info().Msg("signed out")
	b.emit(Transition{Kind: TransitionSignedOut, Previous: prev, Current: next})
}

// Subscribe registers fn for transitions and returns an idempotent disposer.
func (b *Bridge) Subscribe(fn func(Transition)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Token returns a bearer token for the signed-in principal. It fails with
// ErrNoSession when nobody is signed in; callers must not proceed with a mutation then.
func (b *Bridge) Token(ctx context.Context) (string, error) {
	b.mu.Lock()
	user := b.state.User
	b.mu.Unlock()
	if user == nil {
		return "", ErrNoSession
	}

	if item := b.tokens.Get(user.ID); item != nil {
		return item.Value(), nil
	}
	if b.provider == nil {
		return "", ErrNoSession
	}

	tok, err := b.provider.Token(ctx, *user)
	if err != nil {
		if errs.IsCancelled(err) {
			return "", err
		}
		b.log.Warn().Str("user_id", user.ID).Err(err).Msg("token provider failed")
		if errs.KindOf(err) == errs.KindInternal {
			return "", errs.New(errs.KindAuth, "auth.token", "token provider failed", err)
		}
		return "", err
	}
	if tok.Value == "" {
		return "", ErrNoSession
	}

	// a sign-out while the provider was running invalidates the token
	if b.State().User == nil {
		return "", ErrNoSession
	}
	b.tokens.Set(user.ID, tok.Value, b.tokenTTL(tok))
	return tok.Value, nil
}

func (b *Bridge) tokenTTL(tok Token) time.Duration {
	if tok.ExpiresAt.IsZero() {
		return ttlcache.DefaultTTL
	}
	ttl := tok.ExpiresAt.Sub(b.now()) - expirySkew
	if ttl <= 0 {
		// already near expiry; cache for a moment so bursts share it
		return time.Second
	}
	return ttl
}

func (b *Bridge) emit(t Transition) {
	b.mu.Lock()
	snapshot := append([]subscriber(nil), b.subs...)
	b.mu.Unlock()

	for _, s := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().Interface("panic", r).Msg("auth subscriber failed")
				}
			}()
			s.fn(t)
		}()
	}
}

func clonePrincipal(p *Principal) *Principal {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
