package session

import "context"

// Store is the credential store for a single caller session.
//
// Multi-key operations (GetAll, SetAll, ClearAll) are atomic: a concurrent reader of
// the same session sees either every listed key changed or none of them.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	GetAll(ctx context.Context, keys ...string) (map[string]string, error)
	SetAll(ctx context.Context, values map[string]string) error
	Has(ctx context.Context, key string) (bool, error)
	ClearAll(ctx context.Context, keys ...string) error
	// Consume reads and deletes key in one step.
	Consume(ctx context.Context, key string) (string, bool, error)
}

// Backend persists values for many sessions, addressed by session id.
type Backend interface {
	Get(ctx context.Context, sid, key string) (string, bool, error)
	GetAll(ctx context.Context, sid string, keys ...string) (map[string]string, error)
	SetAll(ctx context.Context, sid string, values map[string]string) error
	Has(ctx context.Context, sid, key string) (bool, error)
	ClearAll(ctx context.Context, sid string, keys ...string) error
	Consume(ctx context.Context, sid, key string) (string, bool, error)
	Destroy(ctx context.Context, sid string) error
}

// Scope binds a backend to one session id.
func Scope(b Backend, sid string) *Scoped {
	return &Scoped{backend: b, sid: sid}
}

// Scoped is a Store view of a single session held by a Backend.
type Scoped struct {
	backend Backend
	sid     string
}

// ID returns the session id this store is bound to.
func (s *Scoped) ID() string { return s.sid }

func (s *Scoped) Get(ctx context.Context, key string) (string, bool, error) {
	return s.backend.Get(ctx, s.sid, key)
}

func (s *Scoped) GetAll(ctx context.Context, keys ...string) (map[string]string, error) {
	return s.backend.GetAll(ctx, s.sid, keys...)
}

func (s *Scoped) SetAll(ctx context.Context, values map[string]string) error {
	return s.backend.SetAll(ctx, s.sid, values)
}

func (s *Scoped) Has(ctx context.Context, key string) (bool, error) {
	return s.backend.Has(ctx, s.sid, key)
}

func (s *Scoped) ClearAll(ctx context.Context, keys ...string) error {
	return s.backend.ClearAll(ctx, s.sid, keys...)
}

func (s *Scoped) Consume(ctx context.Context, key string) (string, bool, error) {
	return s.backend.Consume(ctx, s.sid, key)
}
