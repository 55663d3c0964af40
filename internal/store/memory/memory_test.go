package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"qazna.org/authcore/internal/auth"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestKVDeleteReportsSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Put(ctx, "pkce:abc", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Delete(ctx, "pkce:abc")
			if err != nil {
				t.Errorf("Delete: %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one delete to win, got %d", wins.Load())
	}
}

func TestKVExpiry(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	s := NewWithClock(c.Now)

	if err := s.Put(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if v, err := s.Get(ctx, "k"); err != nil || string(v) != "v" {
		t.Fatalf("Get: %q %v", v, err)
	}
	c.Advance(time.Minute)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected expired key to be gone, got %v", err)
	}
	if ok, _ := s.Delete(ctx, "k"); ok {
		t.Fatal("expected delete of expired key to report false")
	}
}

func TestKVCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := New()

	ok, err := s.CompareAndSwap(ctx, "k", nil, []byte("a"), 0)
	if err != nil || !ok {
		t.Fatalf("create via CAS: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.CompareAndSwap(ctx, "k", nil, []byte("b"), 0); ok {
		t.Fatal("expected create-only CAS to fail on existing key")
	}
	if ok, _ := s.CompareAndSwap(ctx, "k", []byte("x"), []byte("b"), 0); ok {
		t.Fatal("expected CAS with wrong expectation to fail")
	}
	if ok, _ := s.CompareAndSwap(ctx, "k", []byte("a"), []byte("b"), 0); !ok {
		t.Fatal("expected CAS to succeed")
	}
	if v, _ := s.Get(ctx, "k"); string(v) != "b" {
		t.Fatalf("unexpected value %q", v)
	}
}

func TestCounterWindow(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	s := NewWithClock(c.Now)

	for i := int64(1); i <= 3; i++ {
		n, err := s.Incr(ctx, "f", 5*time.Minute)
		if err != nil || n != i {
			t.Fatalf("Incr #%d: n=%d err=%v", i, n, err)
		}
	}
	c.Advance(5 * time.Minute)
	if n, _ := s.Count(ctx, "f"); n != 0 {
		t.Fatalf("expected window to lapse, got %d", n)
	}
	if n, _ := s.Incr(ctx, "f", 5*time.Minute); n != 1 {
		t.Fatalf("expected fresh window, got %d", n)
	}
	if err := s.Reset(ctx, "f"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if n, _ := s.Count(ctx, "f"); n != 0 {
		t.Fatalf("expected reset counter, got %d", n)
	}
}

func TestUnassignKeepsLastHolder(t *testing.T) {
	ctx := context.Background()
	s := New()
	role, err := s.CreateRole(ctx, auth.Role{Name: auth.RoleAdmin, System: true})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	a, _ := s.Create(ctx, auth.PrincipalFields{Email: "a@x.com", Handle: "a-user", Active: true})
	b, _ := s.Create(ctx, auth.PrincipalFields{Email: "b@x.com", Handle: "b-user", Active: true})

	for _, id := range []int64{a.ID, b.ID} {
		if created, err := s.AssignRole(ctx, id, role.ID); err != nil || !created {
			t.Fatalf("AssignRole: created=%v err=%v", created, err)
		}
	}
	if created, err := s.AssignRole(ctx, a.ID, role.ID); err != nil || created {
		t.Fatalf("expected idempotent assign, created=%v err=%v", created, err)
	}
	if removed, err := s.UnassignRole(ctx, a.ID, role.ID, true); err != nil || !removed {
		t.Fatalf("UnassignRole: removed=%v err=%v", removed, err)
	}
	if _, err := s.UnassignRole(ctx, b.ID, role.ID, true); !errors.Is(err, auth.ErrLastAdmin) {
		t.Fatalf("expected ErrLastAdmin, got %v", err)
	}
	p, _ := s.FindByID(ctx, b.ID)
	if !p.HasRole(auth.RoleAdmin) {
		t.Fatal("expected last admin to keep the role")
	}
}

func TestCreateRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.Create(ctx, auth.PrincipalFields{Email: "Ada@X.com", Handle: "ada"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(ctx, auth.PrincipalFields{Email: "ada@x.com", Handle: "other"}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected email conflict, got %v", err)
	}
	if _, err := s.Create(ctx, auth.PrincipalFields{Email: "b@x.com", Handle: "ADA"}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected handle conflict, got %v", err)
	}
	if p, err := s.FindByIdentifier(ctx, " ADA "); err != nil || p.Email != "ada@x.com" {
		t.Fatalf("FindByIdentifier by handle: %+v %v", p, err)
	}
}

func TestUnassignIgnoresInactiveHolders(t *testing.T) {
	ctx := context.Background()
	s := New()
	role, err := s.CreateRole(ctx, auth.Role{Name: auth.RoleAdmin, System: true})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	active, _ := s.Create(ctx, auth.PrincipalFields{Email: "a@x.com", Handle: "a-user", Active: true})
	dormant, _ := s.Create(ctx, auth.PrincipalFields{Email: "d@x.com", Handle: "d-user", Active: false})
	for _, id := range []int64{active.ID, dormant.ID} {
		if _, err := s.AssignRole(ctx, id, role.ID); err != nil {
			t.Fatalf("AssignRole: %v", err)
		}
	}

	if _, err := s.UnassignRole(ctx, active.ID, role.ID, true); !errors.Is(err, auth.ErrLastAdmin) {
		t.Fatalf("expected ErrLastAdmin for the only active admin, got %v", err)
	}
	if removed, err := s.UnassignRole(ctx, dormant.ID, role.ID, true); err != nil || !removed {
		t.Fatalf("expected inactive holder to be removable: removed=%v err=%v", removed, err)
	}
}

func TestRotateRefresh(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now().UTC()
	rec := func(fp string) auth.RefreshRecord {
		return auth.RefreshRecord{Fingerprint: fp, PrincipalID: 3, Provider: "local", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	}
	if err := s.CreateRefresh(ctx, rec("old")); err != nil {
		t.Fatalf("CreateRefresh: %v", err)
	}

	if won, err := s.RotateRefresh(ctx, "old", rec("new")); err != nil || !won {
		t.Fatalf("rotate: won=%v err=%v", won, err)
	}
	if old, _ := s.FindRefresh(ctx, "old"); !old.Revoked {
		t.Fatal("expected predecessor to be revoked")
	}
	if next, err := s.FindRefresh(ctx, "new"); err != nil || next.Revoked {
		t.Fatalf("expected live successor: %+v %v", next, err)
	}

	if won, err := s.RotateRefresh(ctx, "old", rec("late")); err != nil || won {
		t.Fatalf("second rotate: won=%v err=%v", won, err)
	}
	if _, err := s.FindRefresh(ctx, "late"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected losing successor to be discarded, got %v", err)
	}
	if won, err := s.RotateRefresh(ctx, "new", rec("old")); !errors.Is(err, auth.ErrConflict) || won {
		t.Fatalf("expected conflict on reused fingerprint: won=%v err=%v", won, err)
	}
	if next, _ := s.FindRefresh(ctx, "new"); next.Revoked {
		t.Fatal("expected a conflicting rotation to leave the record live")
	}
}
