package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupRedisGuard(t *testing.T, ttl time.Duration) (*RedisGuard, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	g, err := NewRedisGuard("redis://"+s.Addr(), ttl)
	if err != nil {
		t.Fatalf("NewRedisGuard failed: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	return g, s
}

func TestRedisGuardRejectsSecondHolder(t *testing.T) {
	g, s := setupRedisGuard(t, time.Minute)
	ctx := context.Background()

	release, err := g.Acquire(ctx, "submit:pub_1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !s.Exists("guard:submit:pub_1") {
		t.Fatal("expected guard key in redis")
	}
	if _, err := g.Acquire(ctx, "submit:pub_1"); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	// Other publications are independent.
	otherRelease, err := g.Acquire(ctx, "submit:pub_2")
	if err != nil {
		t.Fatalf("Acquire other failed: %v", err)
	}
	otherRelease()

	release()
	release()
	if s.Exists("guard:submit:pub_1") {
		t.Fatal("expected guard key to be released")
	}
	again, err := g.Acquire(ctx, "submit:pub_1")
	if err != nil {
		t.Fatalf("re-Acquire failed: %v", err)
	}
	again()
}

func TestRedisGuardExpires(t *testing.T) {
	g, s := setupRedisGuard(t, 30*time.Second)
	ctx := context.Background()

	if _, err := g.Acquire(ctx, "submit:pub_1"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	s.FastForward(31 * time.Second)

	release, err := g.Acquire(ctx, "submit:pub_1")
	if err != nil {
		t.Fatalf("expected expired guard to be free, got %v", err)
	}
	release()
}

func TestRedisGuardReleaseKeepsNewHolder(t *testing.T) {
	g, s := setupRedisGuard(t, 30*time.Second)
	ctx := context.Background()

	staleRelease, err := g.Acquire(ctx, "submit:pub_1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	s.FastForward(31 * time.Second)
	if _, err := g.Acquire(ctx, "submit:pub_1"); err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}

	staleRelease()
	if !s.Exists("guard:submit:pub_1") {
		t.Fatal("expected stale release to leave the new holder's key")
	}
}

func TestNewRedisGuardBadURL(t *testing.T) {
	if _, err := NewRedisGuard("not a url", time.Second); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLocalGuard(t *testing.T) {
	g := NewLocalGuard()
	ctx := context.Background()

	release, err := g.Acquire(ctx, "submit:pub_1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := g.Acquire(ctx, "submit:pub_1"); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	release()
	release()
	again, err := g.Acquire(ctx, "submit:pub_1")
	if err != nil {
		t.Fatalf("re-Acquire failed: %v", err)
	}
	again()

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := g.Acquire(cancelled, "submit:pub_2"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
