package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/ycluster/roled/coord"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New(Options{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestGrantAndAcquire(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	lease, err := s.Grant(ctx, time.Minute)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}

	acquired, holder, err := s.TryAcquire(ctx, "/cluster/leader/app", "node-1", lease)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acquired || holder != "" {
		t.Fatalf("expected acquisition: acquired=%v holder=%q", acquired, holder)
	}

	val, ok, err := s.Get(ctx, "/cluster/leader/app")
	if err != nil || !ok || string(val) != "node-1" {
		t.Fatalf("leader key: ok=%v val=%q err=%v", ok, val, err)
	}
}

func TestAcquireHeldKeyReportsHolder(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	first, _ := s.Grant(ctx, time.Minute)
	if ok, _, err := s.TryAcquire(ctx, "/cluster/leader/app", "node-1", first); err != nil || !ok {
		t.Fatalf("initial acquire: ok=%v err=%v", ok, err)
	}

	second, _ := s.Grant(ctx, time.Minute)
	acquired, holder, err := s.TryAcquire(ctx, "/cluster/leader/app", "node-2", second)
	if err != nil {
		t.Fatalf("contending acquire: %v", err)
	}
	if acquired || holder != "node-1" {
		t.Fatalf("expected loss to node-1: acquired=%v holder=%q", acquired, holder)
	}
}

func TestAcquireWithExpiredLease(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	lease, _ := s.Grant(ctx, 100*time.Millisecond)
	mr.FastForward(time.Second)

	_, _, err := s.TryAcquire(ctx, "/cluster/leader/app", "node-1", lease)
	if !errors.Is(err, coord.ErrLeaseExpired) {
		t.Fatalf("expected ErrLeaseExpired, got %v", err)
	}
}

func TestKeepAliveExtendsLeaseAndKey(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	lease, _ := s.Grant(ctx, time.Second)
	if ok, _, err := s.TryAcquire(ctx, "/cluster/leader/app", "node-1", lease); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// Renew past the original TTL: both the lease token and the bound
	// leader key must survive.
	for i := 0; i < 3; i++ {
		mr.FastForward(600 * time.Millisecond)
		if err := s.KeepAlive(ctx, lease); err != nil {
			t.Fatalf("keepalive %d: %v", i, err)
		}
	}
	if _, ok, _ := s.Get(ctx, "/cluster/leader/app"); !ok {
		t.Fatalf("leader key must survive while renewed")
	}
}

func TestKeepAliveAfterExpiry(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	lease, _ := s.Grant(ctx, 100*time.Millisecond)
	mr.FastForward(time.Second)

	if err := s.KeepAlive(ctx, lease); !errors.Is(err, coord.ErrLeaseExpired) {
		t.Fatalf("expected ErrLeaseExpired, got %v", err)
	}
}

func TestExpiryReleasesLeaderKey(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	lease, _ := s.Grant(ctx, 200*time.Millisecond)
	if ok, _, err := s.TryAcquire(ctx, "/cluster/leader/app", "node-1", lease); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	mr.FastForward(time.Second)

	if _, ok, _ := s.Get(ctx, "/cluster/leader/app"); ok {
		t.Fatalf("leader key must expire with its lease")
	}
	next, _ := s.Grant(ctx, time.Minute)
	if ok, _, err := s.TryAcquire(ctx, "/cluster/leader/app", "node-2", next); err != nil || !ok {
		t.Fatalf("takeover after expiry: ok=%v err=%v", ok, err)
	}
}

func TestRevokeReleasesBothKeys(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	lease, _ := s.Grant(ctx, time.Minute)
	if ok, _, err := s.TryAcquire(ctx, "/cluster/leader/app", "node-1", lease); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if err := s.Revoke(ctx, lease); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "/cluster/leader/app"); ok {
		t.Fatalf("leader key must be released on revoke")
	}
	// Revoking twice, or revoking an expired lease, is fine.
	if err := s.Revoke(ctx, lease); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
}

func TestGetMissingKey(t *testing.T) {
	s, _ := newStore(t)
	if _, ok, err := s.Get(context.Background(), "/cluster/nodes/n1/drain"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
}

func TestPing(t *testing.T) {
	s, mr := newStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	mr.Close()
	if err := s.Ping(context.Background()); !errors.Is(err, coord.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after server stop, got %v", err)
	}
}
