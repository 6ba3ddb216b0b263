package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// KeyAdminStore is the persistence surface for key lifecycle operations.
type KeyAdminStore interface {
	CreateKey(ctx context.Context, key *conduit.VirtualKey) error
	DeleteKey(ctx context.Context, id string) error
}

// KeyManager handles virtual key lifecycle (create, delete).
type KeyManager struct {
	store KeyAdminStore
}

// NewKeyManager returns a KeyManager backed by store.
func NewKeyManager(store KeyAdminStore) *KeyManager {
	return &KeyManager{store: store}
}

// CreateKeyOpts holds all fields for virtual key creation.
type CreateKeyOpts struct {
	GroupID       string
	Name          string
	AllowedModels []string
	RPMLimit      *int64
	RPDLimit      *int64
	ExpiresAt     *time.Time
	Metadata      map[string]string
}

// CreateKey generates a new virtual key with the given options, stores its
// hash, and returns the plaintext (shown once) along with the persisted
// record. A key must belong to a group; group membership is what the
// budget debits against.
func (km *KeyManager) CreateKey(ctx context.Context, opts CreateKeyOpts) (string, *conduit.VirtualKey, error) {
	if opts.GroupID == "" {
		return "", nil, conduit.ErrInvalidRequest
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}

	plaintext := conduit.VirtualKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	hash := conduit.HashKey(plaintext)
	prefix := plaintext
	if len(prefix) > 10 {
		prefix = prefix[:10]
	}

	key := &conduit.VirtualKey{
		ID:            uuid.Must(uuid.NewV7()).String(),
		KeyHash:       hash,
		KeyPrefix:     prefix,
		Name:          opts.Name,
		GroupID:       opts.GroupID,
		AllowedModels: opts.AllowedModels,
		RPMLimit:      opts.RPMLimit,
		RPDLimit:      opts.RPDLimit,
		ExpiresAt:     opts.ExpiresAt,
		Metadata:      opts.Metadata,
		CreatedAt:     time.Now().UTC(),
	}

	if err := km.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}

	return plaintext, key, nil
}

// DeleteKey removes the virtual key with the given ID.
func (km *KeyManager) DeleteKey(ctx context.Context, id string) error {
	return km.store.DeleteKey(ctx, id)
}
