package identity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"ssoclient/sso"
)

func TestBindCreatesAndLinksNewUser(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	binder := sso.NewIdentityBinder(dir, "id")

	rec, err := binder.Bind(ctx, sso.UserPayload{"id": float64(42), "email": "ada@example.com", "name": "Ada"})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	u := rec.(*User)
	if u.SSOID != "42" || u.Email != "ada@example.com" || u.Name != "Ada" {
		t.Fatalf("unexpected user %+v", u)
	}
	stored, ok := dir.Get(u.ID)
	if !ok || stored.SSOID != "42" {
		t.Fatalf("link not persisted: %+v", stored)
	}
}

func TestBindReturnsExistingLink(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	binder := sso.NewIdentityBinder(dir, "")
	payload := sso.UserPayload{"id": "u-1", "email": "ada@example.com"}

	first, err := binder.Bind(ctx, payload)
	if err != nil {
		t.Fatalf("first Bind: %v", err)
	}
	second, err := binder.Bind(ctx, payload)
	if err != nil {
		t.Fatalf("second Bind: %v", err)
	}
	if first.(*User).ID != second.(*User).ID {
		t.Fatalf("expected the same local user")
	}
	if dir.Len() != 1 {
		t.Fatalf("expected one user, got %d", dir.Len())
	}
}

func TestBindLinksUnlinkedUserByEmail(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	existing, _ := dir.Create(ctx, "", sso.UserPayload{"email": "Ada@Example.com"})
	binder := sso.NewIdentityBinder(dir, "id")

	rec, err := binder.Bind(ctx, sso.UserPayload{"id": "u-9", "email": "ada@example.com"})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if rec.(*User).ID != existing.(*User).ID {
		t.Fatalf("expected to link the existing account")
	}
	if id, ok := rec.SSOIdentifier(); !ok || id != "u-9" {
		t.Fatalf("identifier = %q, %v", id, ok)
	}
}

func TestBindRefusesEmailLinkedToAnotherIdentifier(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	binder := sso.NewIdentityBinder(dir, "id")
	if _, err := binder.Bind(ctx, sso.UserPayload{"id": "u-1", "email": "ada@example.com"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := binder.Bind(ctx, sso.UserPayload{"id": "u-2", "email": "ada@example.com"})
	if !errors.Is(err, sso.ErrIdentifierTaken) {
		t.Fatalf("expected ErrIdentifierTaken, got %v", err)
	}
}

func TestBindRequiresIdentifier(t *testing.T) {
	binder := sso.NewIdentityBinder(NewMemoryDirectory(), "id")
	_, err := binder.Bind(context.Background(), sso.UserPayload{"email": "ada@example.com"})
	if !errors.Is(err, sso.ErrMissingIdentifier) {
		t.Fatalf("expected ErrMissingIdentifier, got %v", err)
	}
}

func TestSaveEnforcesUniqueIdentifier(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	a, _ := dir.Create(ctx, "", sso.UserPayload{"email": "a@example.com"})
	b, _ := dir.Create(ctx, "", sso.UserPayload{"email": "b@example.com"})

	a.SetSSOIdentifier("same")
	if err := dir.Save(ctx, a); err != nil {
		t.Fatalf("Save a: %v", err)
	}
	b.SetSSOIdentifier("same")
	if err := dir.Save(ctx, b); !errors.Is(err, sso.ErrIdentifierTaken) {
		t.Fatalf("expected ErrIdentifierTaken, got %v", err)
	}
}

func TestCreateRejectsLinkedIdentifier(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	if _, err := dir.Create(ctx, "u-1", sso.UserPayload{"email": "a@example.com"}); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := dir.Create(ctx, "u-1", sso.UserPayload{"email": "b@example.com"}); !errors.Is(err, sso.ErrIdentifierTaken) {
		t.Fatalf("expected ErrIdentifierTaken, got %v", err)
	}
	if dir.Len() != 1 {
		t.Fatalf("rejected create left a record behind, len = %d", dir.Len())
	}
}

func TestConcurrentFirstBindLeavesNoOrphans(t *testing.T) {
	ctx := context.Background()
	for round := 0; round < 50; round++ {
		dir := NewMemoryDirectory()
		binder := sso.NewIdentityBinder(dir, "id")
		payload := sso.UserPayload{"id": "u-1"}

		var wg sync.WaitGroup
		ids := make([]string, 8)
		errs := make([]error, 8)
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rec, err := binder.Bind(ctx, payload)
				errs[i] = err
				if err == nil {
					ids[i] = rec.(*User).ID
				}
			}(i)
		}
		wg.Wait()

		for i, err := range errs {
			if err != nil {
				t.Fatalf("round %d: Bind %d: %v", round, i, err)
			}
			if ids[i] != ids[0] {
				t.Fatalf("round %d: binds resolved to different users", round)
			}
		}
		if dir.Len() != 1 {
			t.Fatalf("round %d: expected one user, got %d", round, dir.Len())
		}
	}
}

func TestSaveUnknownUser(t *testing.T) {
	err := NewMemoryDirectory().Save(context.Background(), &User{ID: "ghost"})
	if !errors.Is(err, sso.ErrIdentityNotFound) {
		t.Fatalf("expected ErrIdentityNotFound, got %v", err)
	}
}
