// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"net/http"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// FakeAuth always authenticates successfully, returning Key (or a
// default unrestricted key when Key is nil).
type FakeAuth struct {
	Key *conduit.VirtualKey
}

func (f *FakeAuth) Authenticate(context.Context, *http.Request) (*conduit.VirtualKey, error) {
	if f.Key != nil {
		return f.Key, nil
	}
	return &conduit.VirtualKey{ID: "vk-test", GroupID: "grp-test", Name: "test"}, nil
}

// RejectAuth always rejects authentication.
type RejectAuth struct{}

func (RejectAuth) Authenticate(context.Context, *http.Request) (*conduit.VirtualKey, error) {
	return nil, conduit.ErrUnauthenticated
}
