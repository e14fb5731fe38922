package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/chatdrive/chatdrive/internal/transport"
	"github.com/chatdrive/chatdrive/internal/transport/memory"
)

func TestPendingKey(t *testing.T) {
	if got := PendingKey("+15550001"); got != "pending_+15550001" {
		t.Errorf("PendingKey = %q", got)
	}
}

func TestRegistryGetReturnsSameSession(t *testing.T) {
	r := NewRegistry(memory.New().Dialer(), testOptions())

	a, err := r.Get("user-1", "")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	b, err := r.Get("user-1", "")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a != b {
		t.Error("Get returned two sessions for one owner")
	}
	c, _ := r.Get("user-2", "")
	if c == a {
		t.Error("different owners share a session")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestRegistryConcurrentFirstGet(t *testing.T) {
	svc := memory.New()
	var dials atomic.Int32
	dial := func(owner, token string) (transport.Client, error) {
		dials.Add(1)
		return svc.NewClient(owner, token)
	}
	r := NewRegistry(dial, testOptions())

	const n = 32
	got := make([]*Session, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			s, err := r.Get("owner", "")
			if err != nil {
				t.Errorf("Get failed: %v", err)
				return
			}
			got[i] = s
		}()
	}
	close(start)
	wg.Wait()

	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("caller %d observed a different session", i)
		}
	}
	if d := dials.Load(); d != 1 {
		t.Errorf("dialer called %d times, want 1", d)
	}
}

func TestRegistryGetDoesNotRedialKnownOwner(t *testing.T) {
	svc := memory.New()
	var dials atomic.Int32
	dial := func(owner, token string) (transport.Client, error) {
		dials.Add(1)
		return svc.NewClient(owner, token)
	}
	r := NewRegistry(dial, testOptions())

	for _, owner := range []string{"a", "b", "a", "b", "a"} {
		if _, err := r.Get(owner, ""); err != nil {
			t.Fatalf("Get(%q) failed: %v", owner, err)
		}
	}
	if d := dials.Load(); d != 2 {
		t.Errorf("dialer called %d times, want 2", d)
	}
}

func TestRegistryRemoveCreatesFresh(t *testing.T) {
	svc := memory.New()
	svc.AddAccount("+1", "1", "")
	token, _ := svc.Authorize("+1")
	r := NewRegistry(svc.Dialer(), testOptions())
	ctx := context.Background()

	first, err := r.Get("user-1", token)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !first.IsAuthenticated(ctx) {
		t.Fatal("resumed session not authenticated")
	}

	if err := r.Remove(ctx, "user-1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if first.State() != Disconnected {
		t.Errorf("removed session state = %s, want disconnected", first.State())
	}
	if _, ok := r.Lookup("user-1"); ok {
		t.Error("Lookup found a removed session")
	}

	second, err := r.Get("user-1", "")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if second == first {
		t.Fatal("Get after Remove returned the removed session")
	}
	if second.IsAuthenticated(ctx) {
		t.Error("fresh session without a token is authenticated")
	}

	if err := r.Remove(ctx, "nobody"); err != nil {
		t.Errorf("Remove(unknown) failed: %v", err)
	}
}

func TestRegistryDialError(t *testing.T) {
	boom := errors.New("bad token")
	r := NewRegistry(func(owner, token string) (transport.Client, error) {
		return nil, boom
	}, testOptions())

	if _, err := r.Get("user-1", "x"); !errors.Is(err, boom) {
		t.Fatalf("Get error = %v, want %v", err, boom)
	}
	if r.Len() != 0 {
		t.Errorf("failed Get registered a session")
	}
}

func TestRegistrySnapshotAndClose(t *testing.T) {
	svc := memory.New()
	r := NewRegistry(svc.Dialer(), testOptions())
	ctx := context.Background()

	b, _ := r.Get("b", "")
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := r.Get("a", ""); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot has %d entries, want 2", len(snap))
	}
	if snap[0].Owner != "a" || snap[1].Owner != "b" {
		t.Errorf("Snapshot order = %s, %s; want a, b", snap[0].Owner, snap[1].Owner)
	}
	if snap[1].State != "connected" || snap[1].SessionID != b.ID() {
		t.Errorf("Snapshot[1] = %+v", snap[1])
	}

	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len after Close = %d", r.Len())
	}
	if b.State() != Disconnected {
		t.Errorf("state after Close = %s", b.State())
	}
}
