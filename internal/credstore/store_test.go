package credstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "creds.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"sqlite": sq,
		"memory": NewMemoryStore(),
	}
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.Get(ctx, "user-1")
			if err != nil || got != nil {
				t.Fatalf("Get(missing) = %+v, %v; want nil, nil", got, err)
			}

			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			if err := s.Put(ctx, &Account{OwnerKey: "user-1", Identity: "+1", Token: "tok-a", Backend: "memory", UpdatedAt: now}); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			got, err = s.Get(ctx, "user-1")
			if err != nil || got == nil {
				t.Fatalf("Get = %+v, %v", got, err)
			}
			if got.Token != "tok-a" || got.Identity != "+1" || got.Backend != "memory" || !got.UpdatedAt.Equal(now) {
				t.Errorf("Get = %+v", got)
			}

			if err := s.Put(ctx, &Account{OwnerKey: "user-1", Identity: "+1", Token: "tok-b", UpdatedAt: now}); err != nil {
				t.Fatalf("Put(replace) failed: %v", err)
			}
			got, _ = s.Get(ctx, "user-1")
			if got.Token != "tok-b" {
				t.Errorf("Token after replace = %q, want tok-b", got.Token)
			}

			if err := s.Delete(ctx, "user-1"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if got, _ := s.Get(ctx, "user-1"); got != nil {
				t.Errorf("Get after Delete = %+v", got)
			}
			if err := s.Delete(ctx, "user-1"); err != nil {
				t.Errorf("Delete(missing) failed: %v", err)
			}
		})
	}
}

func TestByIdentityAndList(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, a := range []Account{
				{OwnerKey: "b", Identity: "+2", Token: "t2"},
				{OwnerKey: "a", Identity: "+1", Token: "t1"},
			} {
				if err := s.Put(ctx, &a); err != nil {
					t.Fatalf("Put failed: %v", err)
				}
			}

			got, err := s.ByIdentity(ctx, "+2")
			if err != nil || got == nil || got.OwnerKey != "b" {
				t.Errorf("ByIdentity(+2) = %+v, %v", got, err)
			}
			if got, _ := s.ByIdentity(ctx, "+9"); got != nil {
				t.Errorf("ByIdentity(+9) = %+v, want nil", got)
			}

			all, err := s.List(ctx)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(all) != 2 || all[0].OwnerKey != "a" || all[1].OwnerKey != "b" {
				t.Errorf("List = %+v", all)
			}
		})
	}
}

func TestSQLiteReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds.db")

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := s.Put(ctx, &Account{OwnerKey: "u", Token: "persisted"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	got, err := s.Get(ctx, "u")
	if err != nil || got == nil || got.Token != "persisted" {
		t.Fatalf("Get after reopen = %+v, %v", got, err)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not defaulted on Put")
	}
}
