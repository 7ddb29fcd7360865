// Package queue implements the durable FIFO job queue with a global
// single-consumer gate, per-job processing records, dedup keys and a stale
// job sweeper, all on the KV store.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/compusophy/GroupWallet/internal/domain/model"
	"github.com/compusophy/GroupWallet/internal/metrics"
	"github.com/compusophy/GroupWallet/internal/store/kv"
)

const (
	queueKey         = "jobs:queue:main"
	gateKey          = "jobs:lock:main"
	processingPrefix = "jobs:processing:"
	dedupePrefix     = "jobs:dedupe:"

	// sweepProbability is the chance an opportunistic sweep runs on claim.
	sweepProbability = 0.1
)

// Config carries the queue's TTL knobs.
type Config struct {
	LockTTL   time.Duration // gate + processing record TTL
	DedupeTTL time.Duration // default dedup key TTL
	MaxAge    time.Duration // sweeper drop threshold
}

// Queue is the durable job queue. All methods are safe for concurrent use
// across processes; mutual exclusion of consumers comes from the gate key.
type Queue struct {
	store  kv.Store
	cfg    Config
	logger *slog.Logger

	now       func() time.Time
	randFloat func() float64
}

func New(store kv.Store, cfg Config, logger *slog.Logger) *Queue {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 120 * time.Second
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 5 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:     store,
		cfg:       cfg,
		logger:    logger.With("component", "queue"),
		now:       time.Now,
		randFloat: rand.Float64,
	}
}

// EnqueueOptions control dedup suppression for an enqueue.
type EnqueueOptions struct {
	DedupeKey string
	DedupeTTL time.Duration
}

// Enqueue appends a job to the tail of the FIFO. With a dedup key, the job
// is suppressed (nil, nil) while another writer owns the key.
func (q *Queue) Enqueue(ctx context.Context, typ model.JobType, payload any, opts EnqueueOptions) (*model.Job, error) {
	if opts.DedupeKey != "" {
		ttl := opts.DedupeTTL
		if ttl <= 0 {
			ttl = q.cfg.DedupeTTL
		}
		ok, err := q.store.Set(ctx, dedupePrefix+opts.DedupeKey, "1", kv.SetOptions{NX: true, TTL: ttl})
		if err != nil {
			return nil, fmt.Errorf("dedupe %s: %w", opts.DedupeKey, err)
		}
		if !ok {
			metrics.QueueDedupeSuppressed.WithLabelValues(string(typ)).Inc()
			return nil, nil
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	job := &model.Job{
		ID:         uuid.NewString(),
		Type:       typ,
		Payload:    raw,
		Attempts:   0,
		EnqueuedAt: q.now().UnixMilli(),
	}
	encoded, err := kv.EncodeValue(job)
	if err != nil {
		return nil, err
	}
	if err := q.store.RPush(ctx, queueKey, encoded); err != nil {
		return nil, fmt.Errorf("push job: %w", err)
	}
	metrics.QueueJobsEnqueued.WithLabelValues(string(typ)).Inc()
	q.logger.Info("job enqueued", "job_id", job.ID, "type", job.Type)
	return job, nil
}

// ClearDedupe removes a dedup key so a fresh enqueue can proceed.
func (q *Queue) ClearDedupe(ctx context.Context, dedupeKey string) error {
	return q.store.Del(ctx, dedupePrefix+dedupeKey)
}

// gate is the acquired consumer gate.
type gate struct {
	token string
}

func (q *Queue) acquireGate(ctx context.Context) (*gate, error) {
	token := fmt.Sprintf("%d-%06d", q.now().UnixMilli(), rand.Intn(1_000_000))
	ok, err := q.store.Set(ctx, gateKey, token, kv.SetOptions{NX: true, TTL: q.cfg.LockTTL})
	if err != nil {
		return nil, fmt.Errorf("acquire gate: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &gate{token: token}, nil
}

func (q *Queue) releaseGate(ctx context.Context, g *gate) {
	if g == nil {
		return
	}
	current, ok, err := q.store.Get(ctx, gateKey)
	if err != nil {
		q.logger.Warn("gate release read failed", "error", err)
		return
	}
	if !ok || current != g.token {
		// Gate expired or was taken over; leave it to its new owner.
		return
	}
	if err := q.store.Del(ctx, gateKey); err != nil {
		q.logger.Warn("gate release delete failed", "error", err)
	}
}

// Claim is a handle on one in-flight job.
type Claim struct {
	Job *model.Job

	q    *Queue
	gate *gate
}

// Ack deletes the processing record, then releases the gate. A crash after
// ack leaves only the gate to expire by TTL; the job is not lost.
func (c *Claim) Ack(ctx context.Context) error {
	if err := c.q.store.Del(ctx, processingPrefix+c.Job.ID); err != nil {
		return fmt.Errorf("delete processing record: %w", err)
	}
	c.q.releaseGate(ctx, c.gate)
	metrics.QueueJobsCompleted.WithLabelValues(string(c.Job.Type), "ack").Inc()
	return nil
}

// Fail deletes the processing record and, when requeue is set, pushes the
// job back to the head so the next claim retries it promptly.
func (c *Claim) Fail(ctx context.Context, requeue bool) error {
	if err := c.q.store.Del(ctx, processingPrefix+c.Job.ID); err != nil {
		return fmt.Errorf("delete processing record: %w", err)
	}
	if requeue {
		encoded, err := kv.EncodeValue(c.Job)
		if err != nil {
			return err
		}
		if err := c.q.store.LPush(ctx, queueKey, encoded); err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
	}
	c.q.releaseGate(ctx, c.gate)
	outcome := "dropped"
	if requeue {
		outcome = "requeued"
	}
	metrics.QueueJobsCompleted.WithLabelValues(string(c.Job.Type), outcome).Inc()
	return nil
}

// Heartbeat refreshes the processing-record and gate TTLs. Executors call it
// around every suspension point.
func (c *Claim) Heartbeat(ctx context.Context) error {
	if err := c.q.store.Expire(ctx, processingPrefix+c.Job.ID, c.q.cfg.LockTTL); err != nil {
		return err
	}
	return c.q.store.Expire(ctx, gateKey, c.q.cfg.LockTTL)
}

// ClaimNext pops the queue head under the consumer gate. Returns (nil, nil)
// when the gate is busy or the queue is empty.
func (q *Queue) ClaimNext(ctx context.Context) (*Claim, error) {
	g, err := q.acquireGate(ctx)
	if err != nil || g == nil {
		return nil, err
	}

	if q.randFloat() < sweepProbability {
		if err := q.sweep(ctx); err != nil {
			q.logger.Warn("stale job sweep failed", "error", err)
		}
	}

	raw, ok, err := q.store.LPop(ctx, queueKey)
	if err != nil {
		q.releaseGate(ctx, g)
		return nil, fmt.Errorf("pop job: %w", err)
	}
	if !ok {
		q.releaseGate(ctx, g)
		return nil, nil
	}

	job, err := decodeJob(raw)
	if err != nil {
		q.logger.Warn("dropping unparsable job", "error", err)
		q.releaseGate(ctx, g)
		return nil, nil
	}

	return q.claimJob(ctx, g, job)
}

func (q *Queue) claimJob(ctx context.Context, g *gate, job *model.Job) (*Claim, error) {
	job.Attempts++
	job.LastAttemptAt = q.now().UnixMilli()
	encoded, err := kv.EncodeValue(job)
	if err != nil {
		q.releaseGate(ctx, g)
		return nil, err
	}
	if _, err := q.store.Set(ctx, processingPrefix+job.ID, encoded, kv.SetOptions{TTL: q.cfg.LockTTL}); err != nil {
		q.releaseGate(ctx, g)
		return nil, fmt.Errorf("write processing record: %w", err)
	}
	metrics.QueueJobsClaimed.WithLabelValues(string(job.Type)).Inc()
	return &Claim{Job: job, q: q, gate: g}, nil
}

// ClaimByID claims a specific job for synchronous execution, scanning at
// most maxSkip entries. Non-matching jobs are re-appended at the tail in
// their original relative order after the scan.
func (q *Queue) ClaimByID(ctx context.Context, jobID string, maxSkip int) (*Claim, error) {
	g, err := q.acquireGate(ctx)
	if err != nil || g == nil {
		return nil, err
	}

	if err := q.sweep(ctx); err != nil {
		q.logger.Warn("stale job sweep failed", "error", err)
	}

	var skipped []string
	restore := func() {
		if len(skipped) == 0 {
			return
		}
		if err := q.store.RPush(ctx, queueKey, skipped...); err != nil {
			q.logger.Error("failed to restore skipped jobs", "count", len(skipped), "error", err)
		}
	}

	for i := 0; i <= maxSkip; i++ {
		raw, ok, err := q.store.LPop(ctx, queueKey)
		if err != nil {
			restore()
			q.releaseGate(ctx, g)
			return nil, fmt.Errorf("pop job: %w", err)
		}
		if !ok {
			break
		}
		job, err := decodeJob(raw)
		if err != nil {
			q.logger.Warn("dropping unparsable job", "error", err)
			continue
		}
		if job.ID == jobID {
			restore()
			return q.claimJob(ctx, g, job)
		}
		skipped = append(skipped, raw)
	}

	restore()
	q.releaseGate(ctx, g)
	return nil, nil
}

// sweep drops jobs older than MaxAge and unparsable entries, rebuilding the
// queue from the kept entries in order. Callers hold the gate.
func (q *Queue) sweep(ctx context.Context) error {
	entries, err := q.store.LRange(ctx, queueKey, 0, -1)
	if err != nil {
		return fmt.Errorf("range queue: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	cutoff := q.now().Add(-q.cfg.MaxAge).UnixMilli()
	kept := make([]string, 0, len(entries))
	dropped := 0
	for _, raw := range entries {
		job, err := decodeJob(raw)
		if err != nil || job.EnqueuedAt < cutoff {
			dropped++
			continue
		}
		kept = append(kept, raw)
	}
	if dropped == 0 {
		return nil
	}

	err = q.store.Pipeline(ctx, func(p kv.Pipeliner) {
		p.Del(queueKey)
		if len(kept) > 0 {
			p.RPush(queueKey, kept...)
		}
	})
	if err != nil {
		return err
	}
	metrics.QueueJobsSwept.Add(float64(dropped))
	q.logger.Info("swept stale jobs", "dropped", dropped, "kept", len(kept))
	return nil
}

// Size returns the queue depth.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.store.LLen(ctx, queueKey)
}

// Peek returns up to limit jobs from the head without consuming them.
func (q *Queue) Peek(ctx context.Context, limit int64) ([]model.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	entries, err := q.store.LRange(ctx, queueKey, 0, limit-1)
	if err != nil {
		return nil, err
	}
	jobs := make([]model.Job, 0, len(entries))
	for _, raw := range entries {
		job, err := decodeJob(raw)
		if err != nil {
			continue
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// Clear drops every queued job.
func (q *Queue) Clear(ctx context.Context) error {
	return q.store.Del(ctx, queueKey)
}

// IsProcessing reports whether a job of the given type is currently
// in flight, by scanning processing records. An empty type matches any.
func (q *Queue) IsProcessing(ctx context.Context, typ model.JobType) (bool, error) {
	var cursor uint64
	for {
		keys, next, err := q.store.Scan(ctx, cursor, processingPrefix+"*", 50)
		if err != nil {
			return false, err
		}
		for _, key := range keys {
			if typ == "" {
				return true, nil
			}
			raw, ok, err := q.store.Get(ctx, key)
			if err != nil || !ok {
				continue
			}
			job, err := decodeJob(raw)
			if err != nil {
				continue
			}
			if job.Type == typ {
				return true, nil
			}
		}
		if next == 0 {
			return false, nil
		}
		cursor = next
	}
}

// ProcessingJobIDs lists the ids of in-flight jobs. Used at startup to
// reconcile the in-process status counter.
func (q *Queue) ProcessingJobIDs(ctx context.Context) ([]string, error) {
	var ids []string
	var cursor uint64
	for {
		keys, next, err := q.store.Scan(ctx, cursor, processingPrefix+"*", 50)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			ids = append(ids, strings.TrimPrefix(key, processingPrefix))
		}
		if next == 0 {
			return ids, nil
		}
		cursor = next
	}
}

func decodeJob(raw string) (*model.Job, error) {
	var job model.Job
	if err := kv.DecodeValue(raw, &job); err != nil {
		return nil, err
	}
	if job.ID == "" || job.Type == "" {
		return nil, fmt.Errorf("job missing id or type")
	}
	return &job, nil
}
