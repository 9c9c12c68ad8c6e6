package jobstore

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"guild-sync/internal/events"
	"guild-sync/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 0)
}

func testJob(entityID string, eventType events.Type, at time.Time) Job {
	ev := events.Event{ID: entityID, EventType: eventType, Name: "test"}
	return NewJob(ev, models.KindCategory, at)
}

func TestEnqueueImmediateAndDequeue(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	job := testJob("cat-1", events.TypeUpdated, time.Now())

	if err := st.Enqueue(ctx, job, 0, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, ok, err := st.Dequeue(ctx, time.Now())
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if got.ID != job.ID || got.Event.Name != "test" {
		t.Fatalf("dequeued wrong job: %+v", got)
	}

	pending, err := st.PendingJobID(ctx, job.Key())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending != job.ID {
		t.Fatalf("pending record should point at %s, got %s", job.ID, pending)
	}
}

func TestDelayedJobNeedsPromotion(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	job := testJob("cat-2", events.TypeUpdated, time.Now())

	if err := st.Enqueue(ctx, job, time.Minute, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, _ := st.Dequeue(ctx, time.Now()); ok {
		t.Fatalf("delayed job must not be ready")
	}

	if n, err := st.PromoteScheduled(ctx, time.Now(), 10); err != nil || n != 0 {
		t.Fatalf("nothing should be due yet: n=%d err=%v", n, err)
	}
	n, err := st.PromoteScheduled(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 promotion, got n=%d err=%v", n, err)
	}
	if _, ok, _ := st.Dequeue(ctx, time.Now()); !ok {
		t.Fatalf("promoted job should be ready")
	}
}

func TestSupersedeRemovesOldJob(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Now()
	old := testJob("cat-3", events.TypeUpdated, now)
	if err := st.Enqueue(ctx, old, time.Minute, time.Now()); err != nil {
		t.Fatalf("enqueue old: %v", err)
	}

	newer := testJob("cat-3", events.TypeUpdated, now.Add(time.Second))
	removedID, err := st.Supersede(ctx, old.Key(), newer.ID)
	if err != nil {
		t.Fatalf("supersede: %v", err)
	}
	if removedID != old.ID {
		t.Fatalf("expected %s removed, got %q", old.ID, removedID)
	}

	jobs, err := st.Jobs(ctx)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("old job payload should be gone, found %d", len(jobs))
	}

	// Superseding with the current owner is a no-op.
	if err := st.Enqueue(ctx, newer, 0, time.Now()); err != nil {
		t.Fatalf("enqueue newer: %v", err)
	}
	removedID, err = st.Supersede(ctx, newer.Key(), newer.ID)
	if err != nil || removedID != "" {
		t.Fatalf("self-supersede should no-op, got %q err=%v", removedID, err)
	}
}

func TestAckClearsPendingOnlyForOwner(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Now()
	first := testJob("cat-4", events.TypeUpdated, now)
	if err := st.Enqueue(ctx, first, 0, time.Now()); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	second := testJob("cat-4", events.TypeUpdated, now.Add(time.Second))
	if err := st.Enqueue(ctx, second, 0, time.Now()); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	// Acking the stale job must not clear the record now owned by the newer one.
	if err := st.Ack(ctx, first); err != nil {
		t.Fatalf("ack first: %v", err)
	}
	pending, _ := st.PendingJobID(ctx, second.Key())
	if pending != second.ID {
		t.Fatalf("pending record clobbered: got %q want %s", pending, second.ID)
	}

	if err := st.Ack(ctx, second); err != nil {
		t.Fatalf("ack second: %v", err)
	}
	pending, _ = st.PendingJobID(ctx, second.Key())
	if pending != "" {
		t.Fatalf("pending record should be cleared, got %q", pending)
	}
}

func TestReconcileOnStartupKeepsNewest(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	base := time.Now()

	var jobs []Job
	for i := 0; i < 3; i++ {
		job := testJob("cat-5", events.TypeUpdated, base.Add(time.Duration(i)*time.Second))
		job.ID = NewJobID(events.TypeUpdated, "cat-5", base.Add(time.Duration(i)*time.Second))
		jobs = append(jobs, job)
		if err := st.Enqueue(ctx, job, time.Minute, time.Now()); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	// A job for another key must survive untouched.
	other := testJob("cat-6", events.TypeDeleted, base)
	if err := st.Enqueue(ctx, other, time.Minute, time.Now()); err != nil {
		t.Fatalf("enqueue other: %v", err)
	}

	removed, err := st.ReconcileOnStartup(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removals, got %d", removed)
	}

	remaining, err := st.Jobs(ctx)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 surviving jobs, got %d", len(remaining))
	}
	found := false
	for _, j := range remaining {
		if j.ID == jobs[2].ID {
			found = true
		}
		if j.ID == jobs[0].ID || j.ID == jobs[1].ID {
			t.Fatalf("stale job %s survived", j.ID)
		}
	}
	if !found {
		t.Fatalf("newest job should survive")
	}

	pending, _ := st.PendingJobID(ctx, jobs[2].Key())
	if pending != jobs[2].ID {
		t.Fatalf("pending record should point at the survivor, got %q", pending)
	}
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	st := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)

	base := time.Now()
	job := testJob("cat-7", events.TypeUpdated, base)
	if err := st.Enqueue(ctx, job, 0, base); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, err := st.Dequeue(ctx, base); err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}

	// The worker never acks. Before the lease deadline nothing is reclaimable
	// and the job is invisible to other workers.
	ids, err := st.RequeueExpired(ctx, base.Add(30*time.Second), 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("lease still live, got ids=%v err=%v", ids, err)
	}
	if _, ok, _ := st.Dequeue(ctx, base.Add(30*time.Second)); ok {
		t.Fatalf("leased job must not be handed out twice")
	}

	ids, err = st.RequeueExpired(ctx, base.Add(2*time.Minute), 10)
	if err != nil || len(ids) != 1 || ids[0] != job.ID {
		t.Fatalf("expected reclaim of %s, got ids=%v err=%v", job.ID, ids, err)
	}
	got, ok, err := st.Dequeue(ctx, base.Add(2*time.Minute))
	if err != nil || !ok {
		t.Fatalf("redequeue: ok=%v err=%v", ok, err)
	}
	if got.ID != job.ID {
		t.Fatalf("reclaimed wrong job: %+v", got)
	}

	if err := st.Ack(ctx, got); err != nil {
		t.Fatalf("ack: %v", err)
	}
	ids, err = st.RequeueExpired(ctx, base.Add(time.Hour), 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("acked job must not be reclaimed, got ids=%v err=%v", ids, err)
	}
}

func TestAckReleasesLease(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	base := time.Now()
	job := testJob("cat-8", events.TypeCreated, base)
	if err := st.Enqueue(ctx, job, 0, base); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, ok, err := st.Dequeue(ctx, base)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if err := st.Ack(ctx, got); err != nil {
		t.Fatalf("ack: %v", err)
	}

	jobs, err := st.Jobs(ctx)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("acked job payload should be gone, found %d", len(jobs))
	}
	ids, err := st.RequeueExpired(ctx, base.Add(time.Hour), 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("no lease should remain after ack, got ids=%v err=%v", ids, err)
	}
}

func TestReconcileReattachesOrphanedJob(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	base := time.Now()
	job := testJob("cat-9", events.TypeUpdated, base)
	if err := st.Enqueue(ctx, job, 0, base); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// A worker took the lease and died; a later restart dropped the inflight
	// entry, leaving the payload and pending record attached to nothing.
	if _, ok, err := st.Dequeue(ctx, base); err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if err := st.client.ZRem(ctx, st.inflightKey, job.ID).Err(); err != nil {
		t.Fatalf("zrem: %v", err)
	}

	if _, err := st.ReconcileOnStartup(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, ok, err := st.Dequeue(ctx, base)
	if err != nil || !ok {
		t.Fatalf("orphaned job should be dequeueable again: ok=%v err=%v", ok, err)
	}
	if got.ID != job.ID {
		t.Fatalf("wrong job reattached: %+v", got)
	}
	pending, _ := st.PendingJobID(ctx, job.Key())
	if pending != job.ID {
		t.Fatalf("pending record should point at %s, got %q", job.ID, pending)
	}
}

func TestJobEntityResolution(t *testing.T) {
	ev := events.Event{ID: "zone-1", EventType: events.TypeCreated}
	job := NewJob(ev, models.KindZone, time.Now())
	if job.EntityID() != "zone-1" || job.EntityKind() != models.KindZone {
		t.Fatalf("zone job misresolved: %+v", job)
	}
	if job.Key() != "zone-1-created" {
		t.Fatalf("unexpected key %q", job.Key())
	}
}
