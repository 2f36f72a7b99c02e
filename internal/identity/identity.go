// Package identity implements per-protocol identity adapters: id and handle
// ownership tests, handle↔id resolution, and object loading with a
// cache→network→fail policy.
package identity

import (
	"context"

	"github.com/crossfed/crossfed/internal/models"
)

// Ownership is a tri-state answer to "does this protocol own this id/handle".
type Ownership int

const (
	No Ownership = iota
	Maybe
	Yes
)

// RemotePolicy controls whether Load may hit the network.
type RemotePolicy int

const (
	// RemoteDefault checks the datastore first, then fetches.
	RemoteDefault RemotePolicy = iota
	// RemoteNever forbids network; only the datastore is consulted.
	RemoteNever
	// RemoteOnly skips the datastore and always fetches.
	RemoteOnly
)

// LoadOpts parameterizes Load.
type LoadOpts struct {
	// DIDDoc loads the DID document object for a DID instead of the
	// profile record. Only meaningful for the atproto adapter.
	DIDDoc bool
	Remote RemotePolicy
}

// Adapter is the per-protocol identity interface.
type Adapter interface {
	Protocol() string

	// OwnsID is a cheap syntactic test, no network.
	OwnsID(id string) Ownership
	// OwnsHandle is likewise syntactic.
	OwnsHandle(handle string) Ownership

	// HandleToID resolves a handle: local indexed lookup first, then the
	// protocol's oracle. Returns "" when unresolvable.
	HandleToID(ctx context.Context, handle string) (string, error)
	// IDToHandle reads the handle from an already-loaded DID doc or
	// profile event. Returns "" when unknown.
	IDToHandle(ctx context.Context, id string) (string, error)

	// Load returns the object for id per the cache→remote→fail policy,
	// persisting freshly fetched objects. Returns nil when not found.
	Load(ctx context.Context, id string, opts LoadOpts) (*models.Object, error)

	// Fetch populates obj's protocol payload from the authoritative
	// source. Returns false when the object can't be fetched.
	Fetch(ctx context.Context, obj *models.Object) (bool, error)
}
