package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store coordinates ready, in-flight, scheduled, and per-key pending records
// in Redis. The scheduled set is scored by eligibility time in epoch millis;
// the in-flight set is scored by lease deadline; the pending record under each
// key names the single job allowed to execute for that key.
type Store struct {
	client        *redis.Client
	scheduledKey  string
	readyKey      string
	inflightKey   string
	jobPrefix     string
	pendingPrefix string
	visibilityTTL time.Duration
}

// New builds a store over an existing Redis client. visibility is how long a
// dequeued job stays leased before RequeueExpired may reclaim it; zero picks
// the default of 30 seconds.
func New(client *redis.Client, visibility time.Duration) *Store {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &Store{
		client:        client,
		scheduledKey:  "sync:scheduled",
		readyKey:      "sync:ready",
		inflightKey:   "sync:inflight",
		jobPrefix:     "sync:job:",
		pendingPrefix: "sync:pending:",
		visibilityTTL: visibility,
	}
}

func (s *Store) jobKey(jobID string) string {
	return s.jobPrefix + jobID
}

func (s *Store) pendingKey(key string) string {
	return s.pendingPrefix + key
}

// Enqueue persists the job and schedules it to become eligible at now+delay.
// The pending record for the job's key is pointed at this job.
func (s *Store) Enqueue(ctx context.Context, job Job, delay time.Duration, now time.Time) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.jobKey(job.ID), raw, 0)
	pipe.Set(ctx, s.pendingKey(job.Key()), job.ID, 0)
	// Re-enqueueing a job id a worker still holds releases its lease.
	pipe.ZRem(ctx, s.inflightKey, job.ID)
	if delay > 0 {
		pipe.ZAdd(ctx, s.scheduledKey, redis.Z{
			Score:  float64(now.Add(delay).UnixMilli()),
			Member: job.ID,
		})
	} else {
		pipe.RPush(ctx, s.readyKey, job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// PendingJobID returns the id of the job currently owning the key, or "".
func (s *Store) PendingJobID(ctx context.Context, key string) (string, error) {
	id, err := s.client.Get(ctx, s.pendingKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read pending record %s: %w", key, err)
	}
	return id, nil
}

// Supersede removes any job under key other than newJobID from every queue
// structure. A worker racing on the old job detects the mismatch against the
// pending record and no-ops, so removal here is safe to run concurrently.
func (s *Store) Supersede(ctx context.Context, key, newJobID string) (string, error) {
	oldID, err := s.PendingJobID(ctx, key)
	if err != nil {
		return "", err
	}
	if oldID == "" || oldID == newJobID {
		return "", nil
	}
	if err := s.Remove(ctx, oldID); err != nil {
		return "", err
	}
	return oldID, nil
}

// Remove deletes a job from the scheduled set, the ready list, the in-flight
// set, and its payload.
func (s *Store) Remove(ctx context.Context, jobID string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.scheduledKey, jobID)
	pipe.LRem(ctx, s.readyKey, 0, jobID)
	pipe.ZRem(ctx, s.inflightKey, jobID)
	pipe.Del(ctx, s.jobKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove job %s: %w", jobID, err)
	}
	return nil
}

// Ack releases a completed job's lease, deletes its payload, and clears the
// pending record if it still points at this job.
func (s *Store) Ack(ctx context.Context, job Job) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.inflightKey, job.ID)
	pipe.Del(ctx, s.jobKey(job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	if err := clearPendingScript.Run(ctx, s.client, []string{s.pendingKey(job.Key())}, job.ID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("clear pending record %s: %w", job.Key(), err)
	}
	return nil
}

// PromoteScheduled moves due scheduled jobs into the ready list. It returns how many were promoted.
func (s *Store) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list due jobs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, s.scheduledKey, id)
		pipe.RPush(ctx, s.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("promote scheduled jobs: %w", err)
	}
	return len(ids), nil
}

// Dequeue pops the next ready job and leases it: the id moves into the
// in-flight set with a visibility deadline, so a worker that dies before Ack
// loses the lease and the job comes back through RequeueExpired. ok is false
// when the list is empty or the popped id belongs to a job that was
// superseded after promotion.
func (s *Store) Dequeue(ctx context.Context, now time.Time) (Job, bool, error) {
	res, err := dequeueScript.Run(ctx, s.client, []string{s.readyKey, s.inflightKey},
		now.Add(s.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("pop ready job: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return Job{}, false, fmt.Errorf("unexpected dequeue script result: %T", res)
	}
	job, found, err := s.getJob(ctx, id)
	if err != nil {
		return Job{}, false, err
	}
	if !found {
		// Superseded between promotion and dequeue; nothing to lease.
		if err := s.client.ZRem(ctx, s.inflightKey, id).Err(); err != nil {
			return Job{}, false, fmt.Errorf("drop stale lease %s: %w", id, err)
		}
		return Job{}, false, nil
	}
	return job, true, nil
}

// RequeueExpired reclaims in-flight jobs whose lease deadline has passed,
// pushing them back onto the ready list. It returns the reclaimed ids.
func (s *Store) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, s.inflightKey, id)
		pipe.RPush(ctx, s.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("requeue expired leases: %w", err)
	}
	return ids, nil
}

func (s *Store) getJob(ctx context.Context, jobID string) (Job, bool, error) {
	raw, err := s.client.Get(ctx, s.jobKey(jobID)).Result()
	if err == redis.Nil {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("read job %s: %w", jobID, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, false, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return job, true, nil
}

// Jobs lists every persisted job, in no particular order.
func (s *Store) Jobs(ctx context.Context) ([]Job, error) {
	var out []Job
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.jobPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan jobs: %w", err)
		}
		for _, k := range keys {
			job, found, err := s.getJob(ctx, k[len(s.jobPrefix):])
			if err != nil {
				return nil, err
			}
			if found {
				out = append(out, job)
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// ReconcileOnStartup repairs the store after a crash. For every key with more
// than one job, only the most recently created survives and the pending record
// is repointed at it. A surviving payload that sits in no queue structure at
// all (the previous process died between dequeue and ack, or mid-enqueue) is
// pushed back onto the ready list so its intent still executes. It returns how
// many jobs were removed.
func (s *Store) ReconcileOnStartup(ctx context.Context) (int, error) {
	jobs, err := s.Jobs(ctx)
	if err != nil {
		return 0, err
	}
	byKey := make(map[string][]Job)
	for _, job := range jobs {
		byKey[job.Key()] = append(byKey[job.Key()], job)
	}

	ready, err := s.client.LRange(ctx, s.readyKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list ready jobs: %w", err)
	}
	inReady := make(map[string]bool, len(ready))
	for _, id := range ready {
		inReady[id] = true
	}

	removed := 0
	for key, group := range byKey {
		sort.Slice(group, func(i, j int) bool {
			return group[i].Timestamp.After(group[j].Timestamp)
		})
		for _, stale := range group[1:] {
			if err := s.Remove(ctx, stale.ID); err != nil {
				return removed, err
			}
			removed++
		}
		keeper := group[0]
		if len(group) > 1 {
			if err := s.client.Set(ctx, s.pendingKey(key), keeper.ID, 0).Err(); err != nil {
				return removed, fmt.Errorf("repoint pending record %s: %w", key, err)
			}
		}

		anchored, err := s.anchored(ctx, inReady, keeper.ID)
		if err != nil {
			return removed, err
		}
		if !anchored {
			pipe := s.client.TxPipeline()
			pipe.Set(ctx, s.pendingKey(key), keeper.ID, 0)
			pipe.RPush(ctx, s.readyKey, keeper.ID)
			if _, err := pipe.Exec(ctx); err != nil {
				return removed, fmt.Errorf("reattach orphaned job %s: %w", keeper.ID, err)
			}
		}
	}
	return removed, nil
}

// anchored reports whether the job id is present in the ready list, the
// scheduled set, or the in-flight set.
func (s *Store) anchored(ctx context.Context, inReady map[string]bool, jobID string) (bool, error) {
	if inReady[jobID] {
		return true, nil
	}
	for _, key := range []string{s.scheduledKey, s.inflightKey} {
		_, err := s.client.ZScore(ctx, key, jobID).Result()
		if err == nil {
			return true, nil
		}
		if err != redis.Nil {
			return false, fmt.Errorf("check membership of %s in %s: %w", jobID, key, err)
		}
	}
	return false, nil
}

// ReadyDepth returns the length of the ready list.
func (s *Store) ReadyDepth(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, s.readyKey).Result()
}

// dequeueScript pops a ready id and records its lease in one atomic step, so
// a crash between pop and lease can never lose the job.
var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return false
`)

// clearPendingScript deletes the pending record only while it still points at
// the acked job, so a concurrent newer intent is never clobbered.
var clearPendingScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
