// Package vkey implements virtual key authentication, model authorization,
// and group budget accounting. Keys are validated against the store and
// cached in a W-TinyLFU cache.
package vkey

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/maypok86/otter/v2"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// KeyStore is the persistence surface the authenticator reads from.
type KeyStore interface {
	GetKeyByHash(ctx context.Context, hash string) (*conduit.VirtualKey, error)
	TouchKeyUsed(ctx context.Context, keyID string) error
}

// Authenticator validates virtual keys with the "condt_" prefix.
// Resolved keys are cached for fast lookups.
type Authenticator struct {
	store       KeyStore
	cache       *otter.Cache[string, *conduit.VirtualKey]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
}

// NewAuthenticator returns an Authenticator backed by store.
func NewAuthenticator(store KeyStore) (*Authenticator, error) {
	c, err := otter.New(&otter.Options[string, *conduit.VirtualKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *conduit.VirtualKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create vkey cache: %w", err)
	}
	return &Authenticator{store: store, cache: c}, nil
}

// Authenticate extracts a Bearer token from the Authorization header,
// validates it against the store, and returns the virtual key. Only tokens
// with the "condt_" prefix are handled; all others return
// ErrUnauthenticated without a store round trip.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*conduit.VirtualKey, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return nil, conduit.ErrUnauthenticated
	}
	return a.AuthenticateToken(ctx, raw)
}

// AuthenticateToken validates a raw token. Used by the HTTP middleware and
// by the realtime handshake, which carries the token in a query parameter.
func (a *Authenticator) AuthenticateToken(ctx context.Context, raw string) (*conduit.VirtualKey, error) {
	if !strings.HasPrefix(raw, conduit.VirtualKeyPrefix) {
		return nil, conduit.ErrUnauthenticated
	}

	hash := conduit.HashKey(raw)

	if key, ok := a.cache.GetIfPresent(hash); ok {
		return checkKeyState(key, func() { a.cache.Invalidate(hash) })
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, conduit.ErrNotFound) {
			return nil, conduit.ErrUnauthenticated
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash
	// against the computed hash. The DB lookup already matched, but this
	// guards against hypothetical SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, conduit.ErrUnauthenticated
	}

	if _, err := checkKeyState(key, nil); err != nil {
		return nil, err
	}

	// A key detached from its group is invalid even with a matching token.
	if key.GroupID == "" {
		return nil, conduit.ErrUnauthenticated
	}

	a.cache.Set(hash, key)
	a.keyIDToHash.Store(key.ID, hash)

	// Touch last-used timestamp asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchKeyUsed(ctx, key.ID) //nolint:errcheck
	}()

	return key, nil
}

func checkKeyState(key *conduit.VirtualKey, evict func()) (*conduit.VirtualKey, error) {
	if key.Disabled {
		return nil, conduit.ErrKeyDisabled
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		if evict != nil {
			evict()
		}
		return nil, conduit.ErrKeyExpired
	}
	return key, nil
}

// InvalidateByKeyID removes a cached key by its ID. Used when admin
// operations (disable, update, delete) modify a key.
func (a *Authenticator) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

// Authorized reports whether the key may use the model alias. An empty
// allow-list permits every model; otherwise the alias must match one of
// the glob patterns.
func Authorized(key *conduit.VirtualKey, alias string) bool {
	if len(key.AllowedModels) == 0 {
		return true
	}
	for _, pattern := range key.AllowedModels {
		if ok, err := path.Match(pattern, alias); err == nil && ok {
			return true
		}
	}
	return false
}
