package sso

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrIdentityNotFound is returned by a Directory lookup that matched nothing.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrIdentifierTaken means the remote identifier is already linked to another record.
	ErrIdentifierTaken = errors.New("sso identifier already linked")
	// ErrMissingIdentifier means the user payload carries no remote identifier.
	ErrMissingIdentifier = errors.New("user payload has no identifier")
)

// Authenticatable is a local user record that can carry a remote identifier.
// The identifier is nullable and unique across records.
type Authenticatable interface {
	SSOIdentifier() (string, bool)
	SetSSOIdentifier(id string)
}

// Directory is the local identity store.
type Directory interface {
	FindBySSOIdentifier(ctx context.Context, id string) (Authenticatable, error)
	FindByEmail(ctx context.Context, email string) (Authenticatable, error)
	// Create inserts a record already linked to ssoID, or unlinked when ssoID is
	// empty. It fails with ErrIdentifierTaken if ssoID is linked elsewhere.
	Create(ctx context.Context, ssoID string, user UserPayload) (Authenticatable, error)
	Save(ctx context.Context, rec Authenticatable) error
}

// IdentityBinder links a verified remote user to a local record.
type IdentityBinder struct {
	dir  Directory
	attr string
}

// NewIdentityBinder reads the remote identifier from attr ("id" when empty).
func NewIdentityBinder(dir Directory, attr string) *IdentityBinder {
	if attr == "" {
		attr = "id"
	}
	return &IdentityBinder{dir: dir, attr: attr}
}

// Bind resolves user to a local record. Records are matched by remote identifier,
// then by an unlinked record with the same email, and are created otherwise.
func (b *IdentityBinder) Bind(ctx context.Context, user UserPayload) (Authenticatable, error) {
	id, ok := user.Identifier(b.attr)
	if !ok {
		return nil, ErrMissingIdentifier
	}

	rec, err := b.dir.FindBySSOIdentifier(ctx, id)
	switch {
	case err == nil:
		return rec, nil
	case !errors.Is(err, ErrIdentityNotFound):
		return nil, fmt.Errorf("lookup by identifier: %w", err)
	}

	if email := user.String("email"); email != "" {
		rec, err = b.dir.FindByEmail(ctx, email)
		switch {
		case err == nil:
			if existing, linked := rec.SSOIdentifier(); linked && existing != id {
				return nil, fmt.Errorf("email %s: %w", email, ErrIdentifierTaken)
			}
			return b.link(ctx, rec, id)
		case !errors.Is(err, ErrIdentityNotFound):
			return nil, fmt.Errorf("lookup by email: %w", err)
		}
	}

	rec, err = b.dir.Create(ctx, id, user)
	if errors.Is(err, ErrIdentifierTaken) {
		// A concurrent login for the same identifier created the record first.
		rec, err = b.dir.FindBySSOIdentifier(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}
	return rec, nil
}

func (b *IdentityBinder) link(ctx context.Context, rec Authenticatable, id string) (Authenticatable, error) {
	rec.SetSSOIdentifier(id)
	if err := b.dir.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	return rec, nil
}
