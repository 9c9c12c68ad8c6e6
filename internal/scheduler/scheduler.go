package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"guild-sync/internal/bus"
	"guild-sync/internal/config"
	"guild-sync/internal/events"
	"guild-sync/internal/gateway"
	"guild-sync/internal/jobstore"
	"guild-sync/internal/models"
	"guild-sync/internal/quota"
	"guild-sync/internal/telemetry"
)

// MappingSetter records the canonical parent of a remote child resource after
// a confirmed operation establishes or changes it.
type MappingSetter interface {
	SetMapping(ctx context.Context, voiceID, categoryID string) error
}

// pendingRecord caches the job currently owning a key. The job store holds the
// durable copy; this map only avoids round-trips on the hot intent path and is
// reconciled against the store at startup.
type pendingRecord struct {
	jobID       string
	enqueuedAt  time.Time
	delayEndsAt time.Time
}

// Scheduler coalesces bursts of intents into the few remote operations the
// quota allows, defers the rest, and publishes an outcome event for every
// accepted intent.
type Scheduler struct {
	cfg    config.Config
	bus    *bus.Bus
	store  *jobstore.Store
	quota  *quota.Tracker
	exec   gateway.Executor
	mapper MappingSetter

	mu           sync.Mutex
	pending      map[string]pendingRecord
	lastExecuted map[string]time.Time

	now func() time.Time
}

// New wires the scheduler's collaborators. mapper may be nil when no mapping
// maintenance is wanted (tests, category-only deployments).
func New(cfg config.Config, b *bus.Bus, store *jobstore.Store, tracker *quota.Tracker, exec gateway.Executor, mapper MappingSetter) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		bus:          b,
		store:        store,
		quota:        tracker,
		exec:         exec,
		mapper:       mapper,
		pending:      make(map[string]pendingRecord),
		lastExecuted: make(map[string]time.Time),
		now:          time.Now,
	}
}

func (s *Scheduler) limitFor(kind string) config.RateLimit {
	if kind == models.KindZone {
		return s.cfg.ZoneLimit
	}
	return s.cfg.CategoryLimit
}

func channelFor(kind string) string {
	if kind == models.KindZone {
		return events.ChannelZone
	}
	return events.ChannelCategory
}

func kindFor(channel string) string {
	if channel == events.ChannelZone {
		return models.KindZone
	}
	return models.KindCategory
}

// SubscribeIntents starts consuming intent events from the category and zone
// channels. Outcome kinds flowing on the same channels are ignored here.
func (s *Scheduler) SubscribeIntents(ctx context.Context) (*bus.Subscription, error) {
	return s.bus.Subscribe(ctx, func(ctx context.Context, channel string, ev events.Event) {
		switch ev.EventType {
		case events.TypeCreated, events.TypeUpdated, events.TypeDeleted:
			if err := s.HandleIntent(ctx, ev, kindFor(channel)); err != nil {
				log.Printf("scheduler: intent %s for %s failed: %v", ev.EventType, ev.ID, err)
			}
		case events.TypeConfirmation, events.TypeUpdateConfirmed, events.TypeDeleteConfirmed,
			events.TypeError, events.TypeRateLimit, events.TypeQueued,
			events.TypeRequest, events.TypeResponse:
			// Outcomes and the query sub-protocol are not ours to consume.
		default:
			log.Printf("scheduler: unknown event type %q on %s", ev.EventType, channel)
		}
	}, events.ChannelCategory, events.ChannelZone)
}

// HandleIntent accepts an intent event: it supersedes any still-delayed job
// for the same (entity, operation) key, enqueues a fresh job, and publishes an
// informational queued event.
func (s *Scheduler) HandleIntent(ctx context.Context, ev events.Event, kind string) error {
	if ev.ID == "" {
		// No resolvable entity id: fail open and execute immediately rather
		// than blocking the intent forever.
		log.Printf("scheduler: intent %s has no entity id, executing immediately", ev.EventType)
		job := jobstore.NewJob(ev, kind, s.now())
		s.execute(ctx, job, s.limitFor(kind))
		return nil
	}

	now := s.now()
	key := jobstore.Key(ev.ID, ev.EventType)
	job := jobstore.NewJob(ev, kind, now)

	// Only the newest intent should ever run; drop whatever job the durable
	// pending record still points at.
	if removedID, err := s.store.Supersede(ctx, key, job.ID); err != nil {
		log.Printf("scheduler: supersede %s: %v", key, err)
	} else if removedID != "" {
		telemetry.SupersededJobs.Inc()
	}

	if err := s.store.Enqueue(ctx, job, 0, now); err != nil {
		return fmt.Errorf("enqueue intent %s: %w", key, err)
	}

	s.mu.Lock()
	s.pending[key] = pendingRecord{jobID: job.ID, enqueuedAt: now}
	s.mu.Unlock()
	telemetry.IntentCounter.Inc()

	s.publishQueued(ctx, job, kind)
	return nil
}

// publishQueued informs observers that an intent was accepted, with a best
// effort delay estimate. Failures here are logged only.
func (s *Scheduler) publishQueued(ctx context.Context, job jobstore.Job, kind string) {
	limit := s.limitFor(kind)
	estimate, err := s.quota.Peek(ctx, job.EntityID(), limit.Operations, limit.Window, s.now())
	if err != nil {
		estimate = 0
	}

	out := job.Event
	out.EventType = events.TypeQueued
	out.Timestamp = s.now().UTC().Format(time.RFC3339)
	details, err := events.EncodeDetails(events.QueuedDetails{
		JobID:             job.ID,
		EstimatedDelayMs:  estimate.Milliseconds(),
		OriginalEventType: job.EventType,
	})
	if err == nil {
		out.Details = details
	}
	if err := s.bus.Publish(ctx, channelFor(kind), out); err != nil {
		log.Printf("scheduler: queued event for %s failed: %v", job.EntityID(), err)
	}
}

// Run drives the worker loop: promote due jobs, then execute ready ones, until
// the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := s.store.PromoteScheduled(ctx, s.now(), int64(s.cfg.ScheduledBatchSize)); err != nil {
			log.Printf("scheduler: promote scheduled: %v", err)
		}
		if ids, err := s.store.RequeueExpired(ctx, s.now(), int64(s.cfg.ScheduledBatchSize)); err != nil {
			log.Printf("scheduler: requeue expired leases: %v", err)
		} else if len(ids) > 0 {
			log.Printf("scheduler: reclaimed %d expired job leases", len(ids))
		}
		if depth, err := s.store.ReadyDepth(ctx); err == nil {
			telemetry.ReadyDepthGauge.Set(float64(depth))
		}
		s.updatePendingGauge()

		job, ok, err := s.store.Dequeue(ctx, s.now())
		if err != nil {
			log.Printf("scheduler: dequeue: %v", err)
			s.sleep(ctx, s.cfg.WorkerPollInterval)
			continue
		}
		if !ok {
			s.sleep(ctx, s.cfg.WorkerPollInterval)
			continue
		}
		s.process(ctx, job)
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (s *Scheduler) updatePendingGauge() {
	now := s.now()
	s.mu.Lock()
	waiting := 0
	for _, rec := range s.pending {
		if rec.delayEndsAt.After(now) {
			waiting++
		}
	}
	s.mu.Unlock()
	telemetry.PendingJobsGauge.Set(float64(waiting))
}

// process runs one dequeued job: re-validate ownership, consult the quota,
// then execute or defer.
func (s *Scheduler) process(ctx context.Context, job jobstore.Job) {
	key := job.Key()

	// A newer intent may have superseded this job after it was promoted.
	currentID, err := s.store.PendingJobID(ctx, key)
	if err != nil {
		log.Printf("scheduler: pending lookup for %s: %v", key, err)
	} else if currentID != "" && currentID != job.ID {
		log.Printf("scheduler: job %s superseded by %s, skipping", job.ID, currentID)
		telemetry.SupersededJobs.Inc()
		if err := s.store.Remove(ctx, job.ID); err != nil {
			log.Printf("scheduler: remove stale job %s: %v", job.ID, err)
		}
		return
	}

	limit := s.limitFor(job.EntityKind())
	decision, err := s.quota.CheckAndConsume(ctx, job.EntityID(), limit.Operations, limit.Window, s.now())
	if err != nil {
		// Store/transport trouble is neither quota-denied nor fatal: put the
		// job back and try again shortly.
		log.Printf("scheduler: quota check for %s: %v", job.EntityID(), err)
		if err := s.store.Enqueue(ctx, job, limit.BackoffDelay, s.now()); err != nil {
			log.Printf("scheduler: requeue %s after quota error: %v", job.ID, err)
		}
		return
	}

	if !decision.Allowed {
		s.deferJob(ctx, job, decision.Delay)
		return
	}
	s.execute(ctx, job, limit)
}

// deferJob publishes a rateLimit event and reschedules the intent as a fresh
// job eligible when the window reopens.
func (s *Scheduler) deferJob(ctx context.Context, job jobstore.Job, delay time.Duration) {
	now := s.now()
	kind := job.EntityKind()
	key := job.Key()
	delayMinutes := int((delay + time.Minute - 1) / time.Minute)

	out := job.Event
	out.EventType = events.TypeRateLimit
	out.Timestamp = now.UTC().Format(time.RFC3339)
	out.Error = fmt.Sprintf("rate limit reached: change scheduled in %d minute(s)", delayMinutes)
	details, err := events.EncodeDetails(events.RateLimitDetails{
		OriginalEventType: job.EventType,
		DelayMs:           delay.Milliseconds(),
		DelayMinutes:      delayMinutes,
		ScheduledTime:     now.Add(delay).UTC().Format(time.RFC3339),
		EntityName:        job.Event.Name,
	})
	if err == nil {
		out.Details = details
	}
	if err := s.bus.Publish(ctx, channelFor(kind), out); err != nil {
		log.Printf("scheduler: rateLimit event for %s failed: %v", job.EntityID(), err)
	}

	newJob := job
	newJob.ID = jobstore.NewJobID(job.EventType, job.EntityID(), now)
	newJob.Timestamp = now.UTC()

	// Enqueue the replacement before touching the current job: if the store is
	// unavailable the dequeued job keeps its lease and comes back through
	// RequeueExpired instead of the intent being lost.
	if err := s.store.Enqueue(ctx, newJob, delay, now); err != nil {
		log.Printf("scheduler: enqueue delayed job %s: %v", newJob.ID, err)
		return
	}
	if newJob.ID != job.ID {
		if err := s.store.Remove(ctx, job.ID); err != nil {
			log.Printf("scheduler: drop replaced job %s: %v", job.ID, err)
		}
	}

	s.mu.Lock()
	s.pending[key] = pendingRecord{jobID: newJob.ID, enqueuedAt: now, delayEndsAt: now.Add(delay)}
	last := s.lastExecuted[job.EntityID()]
	s.mu.Unlock()
	telemetry.RateLimitDeferrals.Inc()
	if last.IsZero() {
		log.Printf("scheduler: deferred %s by %s (job %s)", key, delay, newJob.ID)
	} else {
		log.Printf("scheduler: deferred %s by %s (job %s, last executed %s ago)",
			key, delay, newJob.ID, now.Sub(last).Round(time.Second))
	}
}

// execute performs the remote mutation and terminates the intent's lifecycle
// with exactly one outcome: confirmation, retry rescheduling, or error.
func (s *Scheduler) execute(ctx context.Context, job jobstore.Job, limit config.RateLimit) {
	op := gateway.Operation{Kind: job.EventType, EntityKind: job.EntityKind(), Event: job.Event}
	res, err := s.exec.Execute(ctx, op)
	if err == nil {
		s.confirm(ctx, job, res)
		return
	}

	if errors.Is(err, gateway.ErrIncompleteEvent) {
		// Validation failure: log and drop, no retry, no remote call happened.
		log.Printf("scheduler: dropping invalid intent %s: %v", job.ID, err)
		s.finish(ctx, job)
		return
	}

	if gateway.IsRetryable(err) && job.Attempt < limit.MaxRetries {
		backoff := limit.BackoffDelay * (1 << job.Attempt)
		retry := job
		retry.Attempt = job.Attempt + 1
		log.Printf("scheduler: retryable failure for %s (attempt %d/%d, next in %s): %v",
			job.ID, retry.Attempt, limit.MaxRetries, backoff, err)
		if err := s.store.Enqueue(ctx, retry, backoff, s.now()); err != nil {
			// Store trouble is not a verdict on the intent: keep the lease and
			// let RequeueExpired bring the job back.
			log.Printf("scheduler: reschedule retry %s: %v", job.ID, err)
			return
		}
		s.mu.Lock()
		s.pending[job.Key()] = pendingRecord{jobID: retry.ID, enqueuedAt: s.now(), delayEndsAt: s.now().Add(backoff)}
		s.mu.Unlock()
		telemetry.RetryCounter.Inc()
		return
	}

	if gateway.IsRetryable(err) {
		log.Printf("scheduler: retry ceiling reached for %s after %d attempts", job.ID, job.Attempt)
	}
	s.fail(ctx, job, err)
}

// confirm publishes the success outcome and updates mapping records when a
// confirmed operation established or changed a zone's parent.
func (s *Scheduler) confirm(ctx context.Context, job jobstore.Job, res gateway.Result) {
	kind := job.EntityKind()
	out := job.Event
	out.Timestamp = s.now().UTC().Format(time.RFC3339)

	switch job.EventType {
	case events.TypeCreated:
		out.EventType = events.TypeConfirmation
		if res.ExternalID != "" {
			if kind == models.KindCategory {
				out.DiscordCategoryID = res.ExternalID
			} else {
				out.DiscordVoiceID = res.ExternalID
			}
		}
	case events.TypeUpdated:
		out.EventType = events.TypeUpdateConfirmed
	case events.TypeDeleted:
		out.EventType = events.TypeDeleteConfirmed
	}

	if err := s.bus.Publish(ctx, channelFor(kind), out); err != nil {
		log.Printf("scheduler: outcome event for %s failed: %v", job.EntityID(), err)
	}

	if s.mapper != nil && kind == models.KindZone && job.EventType != events.TypeDeleted {
		voiceID := out.DiscordVoiceID
		parentID := job.Event.DiscordCategoryID
		if voiceID != "" && parentID != "" {
			if err := s.mapper.SetMapping(ctx, voiceID, parentID); err != nil {
				log.Printf("scheduler: mapping update for %s failed: %v", voiceID, err)
			}
		}
	}

	s.finish(ctx, job)
	telemetry.Confirmations.Inc()
	log.Printf("scheduler: confirmed %s for entity %s", job.EventType, job.EntityID())
}

// fail publishes a fatal error outcome; the intent is abandoned.
func (s *Scheduler) fail(ctx context.Context, job jobstore.Job, cause error) {
	out := job.Event
	out.EventType = events.TypeError
	out.Timestamp = s.now().UTC().Format(time.RFC3339)
	out.Error = cause.Error()
	if err := s.bus.Publish(ctx, channelFor(job.EntityKind()), out); err != nil {
		log.Printf("scheduler: error event for %s failed: %v", job.EntityID(), err)
	}
	s.finish(ctx, job)
	telemetry.ExecutionFailures.Inc()
}

// finish acks the job and clears local bookkeeping for its key.
func (s *Scheduler) finish(ctx context.Context, job jobstore.Job) {
	if err := s.store.Ack(ctx, job); err != nil {
		log.Printf("scheduler: ack %s: %v", job.ID, err)
	}
	now := s.now()
	s.mu.Lock()
	if rec, ok := s.pending[job.Key()]; ok && rec.jobID == job.ID {
		delete(s.pending, job.Key())
	}
	s.lastExecuted[job.EntityID()] = now
	s.mu.Unlock()
}

// Reconcile restores consistency with the job store after a restart: duplicate
// jobs are pruned and the in-memory pending cache is rebuilt from survivors.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	removed, err := s.store.ReconcileOnStartup(ctx)
	if err != nil {
		return fmt.Errorf("reconcile job store: %w", err)
	}
	if removed > 0 {
		log.Printf("scheduler: removed %d stale jobs at startup", removed)
	}
	jobs, err := s.store.Jobs(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, job := range jobs {
		s.pending[job.Key()] = pendingRecord{jobID: job.ID, enqueuedAt: job.Timestamp}
	}
	s.mu.Unlock()
	return nil
}
