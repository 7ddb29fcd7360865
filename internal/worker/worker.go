// Package worker runs the single job consumer: it claims queue jobs under
// the global gate, dispatches to the rebalance and settlement executors,
// classifies failures and keeps the in-process status counter that backs
// the status stream.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/compusophy/GroupWallet/internal/alert"
	"github.com/compusophy/GroupWallet/internal/domain/model"
	"github.com/compusophy/GroupWallet/internal/metrics"
	"github.com/compusophy/GroupWallet/internal/queue"
	"github.com/compusophy/GroupWallet/internal/rebalance"
	"github.com/compusophy/GroupWallet/internal/retry"
	"github.com/compusophy/GroupWallet/internal/settlement"
	"github.com/compusophy/GroupWallet/internal/tracing"
)

// RebalanceRunner executes one rebalance job.
type RebalanceRunner interface {
	Run(ctx context.Context, job *model.Job, payload model.RebalancePayload, heartbeat rebalance.Heartbeat) (*model.RebalanceOutcome, error)
}

// SettlementRunner executes one settlement job.
type SettlementRunner interface {
	Run(ctx context.Context, job *model.Job, payload model.SettlementPayload, heartbeat settlement.Heartbeat) (*model.SettlementStatus, error)
}

// Worker is the single logical consumer of the job queue.
type Worker struct {
	queue        *queue.Queue
	rebalancer   RebalanceRunner
	settler      SettlementRunner
	alerter      alert.Alerter
	logger       *slog.Logger
	pollInterval time.Duration

	// processing backs the ≤1s-freshness status pull without hitting the
	// KV store; it is reconciled from the processing records at startup.
	processing atomic.Int64
	// consecutiveFailures drives the recovery alert.
	consecutiveFailures atomic.Int64
}

func New(q *queue.Queue, rebalancer RebalanceRunner, settler SettlementRunner, alerter alert.Alerter, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:        q,
		rebalancer:   rebalancer,
		settler:      settler,
		alerter:      alerter,
		pollInterval: pollInterval,
		logger:       logger.With("component", "worker"),
	}
}

// IsProcessing reports whether a job's execute section is active in this
// process.
func (w *Worker) IsProcessing() bool {
	return w.processing.Load() > 0
}

// Reconcile aligns the in-process counter with the persisted processing
// records. Called once at startup.
func (w *Worker) Reconcile(ctx context.Context) {
	ids, err := w.queue.ProcessingJobIDs(ctx)
	if err != nil {
		w.logger.Warn("processing record reconcile failed", "error", err)
		return
	}
	if len(ids) > 0 {
		w.logger.Info("found in-flight processing records at startup", "count", len(ids))
	}
}

// Run polls the queue until the context ends.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "poll_interval", w.pollInterval)
	w.Reconcile(ctx)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				w.logger.Warn("tick failed", "error", err)
			}
		}
	}
}

// Tick claims and executes at most one job.
func (w *Worker) Tick(ctx context.Context) error {
	if size, err := w.queue.Size(ctx); err == nil {
		metrics.QueueDepth.Set(float64(size))
	}

	claim, err := w.queue.ClaimNext(ctx)
	if err != nil {
		return err
	}
	if claim == nil {
		return nil
	}
	return w.execute(ctx, claim)
}

// ProcessJobByID claims a specific job and executes it synchronously. Used
// by the HTTP claim path; still serialized under the queue gate.
func (w *Worker) ProcessJobByID(ctx context.Context, jobID string, maxSkip int) (bool, error) {
	claim, err := w.queue.ClaimByID(ctx, jobID, maxSkip)
	if err != nil {
		return false, err
	}
	if claim == nil {
		return false, nil
	}
	return true, w.execute(ctx, claim)
}

func (w *Worker) execute(ctx context.Context, claim *queue.Claim) error {
	job := claim.Job
	logger := w.logger.With("job_id", job.ID, "type", job.Type, "attempt", job.Attempts)

	tracer := tracing.Tracer("worker")
	ctx, span := tracer.Start(ctx, "job.execute")
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
		attribute.Int("job.attempts", job.Attempts),
	)
	defer span.End()

	w.processing.Add(1)
	metrics.WorkerProcessing.Set(1)
	started := time.Now()
	defer func() {
		if w.processing.Add(-1) == 0 {
			metrics.WorkerProcessing.Set(0)
		}
		metrics.WorkerJobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(started).Seconds())
	}()

	heartbeat := func(ctx context.Context) error {
		return claim.Heartbeat(ctx)
	}

	var runErr error
	switch job.Type {
	case model.JobTypeRebalance:
		var payload model.RebalancePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			runErr = retry.Terminal(fmt.Errorf("invalid payload: %w", err))
		} else {
			_, runErr = w.rebalancer.Run(ctx, job, payload, heartbeat)
		}
	case model.JobTypeSettlement:
		var payload model.SettlementPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			runErr = retry.Terminal(fmt.Errorf("invalid payload: %w", err))
		} else {
			// Settlement failures are permanent for this job: the status is
			// already persisted and the user retries with a fresh claim.
			if _, err := w.settler.Run(ctx, job, payload, heartbeat); err != nil {
				runErr = retry.Terminal(err)
			}
		}
	default:
		runErr = retry.Terminal(fmt.Errorf("unknown job type %q", job.Type))
	}

	if runErr == nil {
		metrics.WorkerJobsProcessed.WithLabelValues(string(job.Type), "ok").Inc()
		if w.consecutiveFailures.Swap(0) > 0 {
			w.sendAlert(ctx, alert.Alert{
				Type:    alert.AlertTypeRecovery,
				JobType: string(job.Type),
				Title:   "job processing recovered",
				Message: fmt.Sprintf("job %s completed after prior failures", job.ID),
			})
		}
		span.SetStatus(codes.Ok, "")
		return claim.Ack(ctx)
	}

	w.consecutiveFailures.Add(1)
	decision := retry.Classify(runErr)
	span.RecordError(runErr)
	span.SetStatus(codes.Error, decision.Reason)
	logger.Error("job failed",
		"error", runErr,
		"class", decision.Class,
		"reason", decision.Reason,
	)

	if decision.IsTransient() {
		metrics.WorkerJobsProcessed.WithLabelValues(string(job.Type), "transient").Inc()
		return claim.Fail(ctx, true)
	}

	metrics.WorkerJobsProcessed.WithLabelValues(string(job.Type), "terminal").Inc()
	w.sendAlert(ctx, alert.Alert{
		Type:    alertTypeFor(job.Type),
		JobType: string(job.Type),
		Title:   "job failed permanently",
		Message: runErr.Error(),
		Fields:  map[string]string{"job_id": job.ID, "reason": decision.Reason},
	})
	return claim.Fail(ctx, false)
}

func (w *Worker) sendAlert(ctx context.Context, a alert.Alert) {
	if err := w.alerter.Send(ctx, a); err != nil {
		w.logger.Warn("alert send failed", "type", a.Type, "error", err)
	}
}

func alertTypeFor(typ model.JobType) alert.AlertType {
	if typ == model.JobTypeSettlement {
		return alert.AlertTypeSettlementFailed
	}
	return alert.AlertTypeRebalanceFailed
}
