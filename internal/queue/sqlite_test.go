package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"schedflow/internal/domain"
	"schedflow/internal/store"
)

func newTestRepo(t *testing.T) Repository {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	return NewSQLiteRepo(db)
}

func TestLeaseNextEmpty(t *testing.T) {
	repo := newTestRepo(t)
	if _, _, err := repo.LeaseNext(context.Background(), time.Now()); !errors.Is(err, ErrEmpty) {
		t.Fatalf("LeaseNext() error = %v, want ErrEmpty", err)
	}
}

func TestEnqueueIdempotencyKey(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	key := "fire:sch_1:2019-03-22T23:00:00Z"

	first, err := repo.Enqueue(ctx, domain.Task{Type: domain.TaskFireSchedule, Payload: []byte(`{}`), IdempotencyKey: &key})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	second, err := repo.Enqueue(ctx, domain.Task{Type: domain.TaskFireSchedule, Payload: []byte(`{}`), IdempotencyKey: &key})
	if err != nil {
		t.Fatalf("second Enqueue() error = %v", err)
	}
	if first != second {
		t.Errorf("live duplicate got new id %s, want %s", second, first)
	}

	tk, _, err := repo.LeaseNext(ctx, time.Now())
	if err != nil || tk.ID != first || tk.State != domain.TaskRunning {
		t.Fatalf("LeaseNext() = %+v, %v", tk, err)
	}
	if _, _, err := repo.LeaseNext(ctx, time.Now()); !errors.Is(err, ErrEmpty) {
		t.Errorf("running task leased twice: %v", err)
	}
	if err := repo.Succeed(ctx, first); err != nil {
		t.Fatalf("Succeed() error = %v", err)
	}

	// Once finished the key is free again.
	third, err := repo.Enqueue(ctx, domain.Task{Type: domain.TaskFireSchedule, Payload: []byte(`{}`), IdempotencyKey: &key})
	if err != nil || third == first {
		t.Errorf("Enqueue() after finish = %s, %v", third, err)
	}
}

func TestLeaseNextRespectsPriorityAndTime(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	low, _ := repo.Enqueue(ctx, domain.Task{Type: "t", Payload: []byte(`{}`), Priority: 1})
	high, _ := repo.Enqueue(ctx, domain.Task{Type: "t", Payload: []byte(`{}`), Priority: 9})
	_, _ = repo.Enqueue(ctx, domain.Task{Type: "t", Payload: []byte(`{}`), Priority: 9, NextRunAt: now.Add(time.Hour)})

	for _, want := range []string{high, low} {
		tk, _, err := repo.LeaseNext(ctx, now.Add(time.Second))
		if err != nil || tk.ID != want {
			t.Fatalf("LeaseNext() = %s, %v; want %s", tk.ID, err, want)
		}
	}
	if _, _, err := repo.LeaseNext(ctx, now.Add(time.Second)); !errors.Is(err, ErrEmpty) {
		t.Errorf("future task leased early: %v", err)
	}
}

func TestRetryAndRecoverStale(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	id, _ := repo.Enqueue(ctx, domain.Task{Type: "t", Payload: []byte(`{}`), MaxAttempts: 3, VisibilityTimeout: 1})
	if _, _, err := repo.LeaseNext(ctx, time.Now()); err != nil {
		t.Fatalf("LeaseNext() error = %v", err)
	}
	if err := repo.Retry(ctx, id, "relay down", 0); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	tk, _ := repo.Get(ctx, id)
	if tk.State != domain.TaskQueued || tk.Attempts != 1 || tk.LastError != "relay down" {
		t.Errorf("after Retry() = %+v", tk)
	}

	if _, _, err := repo.LeaseNext(ctx, time.Now()); err != nil {
		t.Fatalf("LeaseNext() error = %v", err)
	}
	n, err := repo.RecoverStale(ctx, time.Now().Add(5*time.Second))
	if err != nil || n != 1 {
		t.Fatalf("RecoverStale() = %d, %v; want 1", n, err)
	}
	if tk, _ = repo.Get(ctx, id); tk.State != domain.TaskQueued {
		t.Errorf("state after RecoverStale() = %s", tk.State)
	}
}

func TestPurgeFinished(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	done, _ := repo.Enqueue(ctx, domain.Task{Type: "t", Payload: []byte(`{}`)})
	live, _ := repo.Enqueue(ctx, domain.Task{Type: "t", Payload: []byte(`{}`), NextRunAt: time.Now().Add(time.Hour)})
	if _, _, err := repo.LeaseNext(ctx, time.Now()); err != nil {
		t.Fatalf("LeaseNext() error = %v", err)
	}
	_ = repo.Succeed(ctx, done)

	n, err := repo.PurgeFinished(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("PurgeFinished() = %d, %v; want 1", n, err)
	}
	if _, err := repo.Get(ctx, done); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("finished task still present: %v", err)
	}
	if _, err := repo.Get(ctx, live); err != nil {
		t.Errorf("queued task purged: %v", err)
	}
}
