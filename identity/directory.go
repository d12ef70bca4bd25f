package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ssoclient/sso"
)

// User is a local account. SSOID is empty until a verified callback links it.
type User struct {
	ID        string
	Email     string
	Name      string
	SSOID     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SSOIdentifier implements sso.Authenticatable.
func (u *User) SSOIdentifier() (string, bool) {
	return u.SSOID, u.SSOID != ""
}

// SetSSOIdentifier implements sso.Authenticatable.
func (u *User) SetSSOIdentifier(id string) {
	u.SSOID = id
}

// MemoryDirectory keeps local users in memory and enforces the unique SSO id.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
	bySSO map[string]string
	now   func() time.Time
}

// NewMemoryDirectory constructs an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users: make(map[string]User),
		bySSO: make(map[string]string),
		now:   time.Now,
	}
}

// Get returns a copy of the user with the given local ID.
func (d *MemoryDirectory) Get(id string) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	return u, ok
}

// Len reports the number of users.
func (d *MemoryDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

func (d *MemoryDirectory) FindBySSOIdentifier(_ context.Context, ssoID string) (sso.Authenticatable, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.bySSO[ssoID]
	if !ok {
		return nil, sso.ErrIdentityNotFound
	}
	u := d.users[id]
	return &u, nil
}

func (d *MemoryDirectory) FindByEmail(_ context.Context, email string) (sso.Authenticatable, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, u := range d.users {
		if strings.EqualFold(u.Email, email) {
			return &u, nil
		}
	}
	return nil, sso.ErrIdentityNotFound
}

// Create adds a user built from the remote payload, linked to ssoID when set.
func (d *MemoryDirectory) Create(_ context.Context, ssoID string, payload sso.UserPayload) (sso.Authenticatable, error) {
	now := d.now()
	u := User{
		ID:        uuid.NewString(),
		Email:     payload.String("email"),
		Name:      payload.String("name"),
		SSOID:     ssoID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if ssoID != "" {
		if _, taken := d.bySSO[ssoID]; taken {
			return nil, fmt.Errorf("sso id %s: %w", ssoID, sso.ErrIdentifierTaken)
		}
		d.bySSO[ssoID] = u.ID
	}
	d.users[u.ID] = u
	return &u, nil
}

// Save persists rec, rejecting an SSO id that belongs to another user.
func (d *MemoryDirectory) Save(_ context.Context, rec sso.Authenticatable) error {
	u, ok := rec.(*User)
	if !ok {
		return fmt.Errorf("unsupported record type %T", rec)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	prev, exists := d.users[u.ID]
	if !exists {
		return fmt.Errorf("user %s: %w", u.ID, sso.ErrIdentityNotFound)
	}
	if u.SSOID != "" {
		if owner, taken := d.bySSO[u.SSOID]; taken && owner != u.ID {
			return fmt.Errorf("user %s: %w", u.ID, sso.ErrIdentifierTaken)
		}
	}
	if prev.SSOID != "" && prev.SSOID != u.SSOID {
		delete(d.bySSO, prev.SSOID)
	}
	if u.SSOID != "" {
		d.bySSO[u.SSOID] = u.ID
	}
	u.UpdatedAt = d.now()
	d.users[u.ID] = *u
	return nil
}

// LocalID returns the local account ID.
func (u *User) LocalID() string {
	return u.ID
}
