package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/animus-labs/transit-ingest/internal/domain"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	client, err := Open(context.Background(), Config{URL: "redis://" + srv.Addr(), PingTimeout: time.Second})
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestLocker_ExclusiveUntilReleased(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	locker := NewLocker(client, "test")

	first, err := locker.TryAcquire(ctx, RevisionLockName("r1"), time.Minute)
	if err != nil || first == nil {
		t.Fatalf("TryAcquire() lock=%v err=%v", first, err)
	}
	second, err := locker.TryAcquire(ctx, RevisionLockName("r1"), time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire() err=%v", err)
	}
	if second != nil {
		t.Fatalf("expected contention")
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release() err=%v", err)
	}
	third, err := locker.TryAcquire(ctx, RevisionLockName("r1"), time.Minute)
	if err != nil || third == nil {
		t.Fatalf("expected lock after release, err=%v", err)
	}
}

func TestLock_ReleaseAfterExpiryKeepsSuccessor(t *testing.T) {
	client, srv := newTestClient(t)
	ctx := context.Background()
	locker := NewLocker(client, "test")

	stale, _ := locker.TryAcquire(ctx, LeaderLockName("relay"), time.Second)
	srv.FastForward(2 * time.Second)
	fresh, _ := locker.TryAcquire(ctx, LeaderLockName("relay"), time.Minute)
	if fresh == nil {
		t.Fatalf("expected lock after expiry")
	}
	if err := stale.Release(ctx); err != nil {
		t.Fatalf("Release() err=%v", err)
	}
	if !srv.Exists(fresh.Key()) {
		t.Fatalf("stale release removed successor's lock")
	}
}

func TestTaskCache_TerminalIsNoop(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	cache := NewTaskCache(client, "test", time.Hour)

	if err := cache.Seed(ctx, domain.TaskResult{TaskID: "t1", RevisionID: "r1", Status: domain.TaskStarted}); err != nil {
		t.Fatalf("Seed() err=%v", err)
	}
	if ok, err := cache.Apply(ctx, "t1", domain.TaskUpdate{Progress: 40, Stage: "schema"}); err != nil || !ok {
		t.Fatalf("Apply() ok=%v err=%v", ok, err)
	}
	if ok, _ := cache.Apply(ctx, "t1", domain.TaskUpdate{Progress: 10}); ok {
		t.Fatalf("progress must not decrease")
	}
	if ok, _ := cache.Apply(ctx, "t1", domain.TaskUpdate{Status: domain.TaskFailure, ErrorCode: domain.ErrSchema}); !ok {
		t.Fatalf("expected failure to apply")
	}
	if ok, _ := cache.Apply(ctx, "t1", domain.TaskUpdate{Status: domain.TaskSuccess}); ok {
		t.Fatalf("terminal task must not change")
	}

	task, found, err := cache.Get(ctx, "t1")
	if err != nil || !found {
		t.Fatalf("Get() found=%v err=%v", found, err)
	}
	if task.Status != domain.TaskFailure || task.Progress != 40 || task.CompletedAt == nil {
		t.Fatalf("task=%+v", task)
	}
}

func TestTaskCache_MissingTask(t *testing.T) {
	client, _ := newTestClient(t)
	cache := NewTaskCache(client, "test", 0)
	ok, err := cache.Apply(context.Background(), "missing", domain.TaskUpdate{Progress: 10})
	if err != nil || ok {
		t.Fatalf("Apply() ok=%v err=%v", ok, err)
	}
}

func TestFailureCounter(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	counter := NewFailureCounter(client, "test", time.Hour)
	for i := int64(1); i <= 3; i++ {
		n, err := counter.Incr(ctx, "r1")
		if err != nil || n != i {
			t.Fatalf("Incr()=%d err=%v, want %d", n, err, i)
		}
	}
	if err := counter.Reset(ctx, "r1"); err != nil {
		t.Fatalf("Reset() err=%v", err)
	}
	if n, _ := counter.Incr(ctx, "r1"); n != 1 {
		t.Fatalf("Incr() after reset=%d", n)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{URL: "redis://localhost:6379", PingTimeout: 0}).Validate(); err == nil {
		t.Fatalf("Validate() expected error for zero ping timeout")
	}
	if _, err := ConfigFromEnv(); err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
}
