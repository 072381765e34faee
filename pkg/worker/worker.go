// Package worker implements the competing-consumer loop: claim a job from
// the queue store, drive the extraction pipeline, report the outcome back.
// Multiple workers run as independent processes; the only coordination
// between them is the store's atomic claim.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/eakdogan/ocrflow/pkg/jobs"
	"github.com/eakdogan/ocrflow/pkg/logger"
	"github.com/eakdogan/ocrflow/pkg/ocr"
	"github.com/eakdogan/ocrflow/pkg/queue"
	"github.com/eakdogan/ocrflow/pkg/records"
)

// Prometheus metrics for monitoring job processing.
var (
	// jobsProcessed tracks terminal worker decisions by outcome:
	// "success", "no_match", "duplicate", "retry", or "failed".
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocrflow_jobs_processed_total",
		Help: "The total number of processed extraction jobs",
	}, []string{"outcome"})

	// jobDuration tracks end-to-end processing latency per job.
	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ocrflow_job_duration_seconds",
		Help:    "Duration of job processing including extraction",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
	})

	// queueLatency tracks the time a job waited in the queue before a
	// worker picked it up.
	queueLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ocrflow_queue_latency_seconds",
		Help:    "Time spent in queue before processing",
		Buckets: prometheus.DefBuckets,
	})

	// queueDepth tracks the number of jobs in each bucket, updated by the
	// collector goroutine.
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ocrflow_queue_depth",
		Help: "Number of jobs in each queue bucket",
	}, []string{"bucket"})
)

// Config tunes the idle behavior of one worker.
type Config struct {
	// IdleBackoff is the sleep after an empty claim. Note the trade-off: it
	// throttles contention storms but adds up to this much pickup latency
	// under low load. Default 5s.
	IdleBackoff time.Duration
	// MaxIdleBackoff caps the exponential growth of the idle sleep under a
	// sustained empty queue. Zero disables growth.
	MaxIdleBackoff time.Duration
}

// Worker is one competing consumer. Processing within a worker is strictly
// sequential: a job fully completes before the next claim.
type Worker struct {
	id       string
	store    *queue.Store
	pipeline *ocr.Pipeline
	records  records.Store

	cfg      Config
	running  chan struct{}
	stopOnce sync.Once
	log      zerolog.Logger
}

// New builds a worker. recs may be nil when duplicate suppression is not
// wanted (tests, mostly). An empty id gets a generated one.
func New(id string, store *queue.Store, pipeline *ocr.Pipeline, recs records.Store, cfg Config) *Worker {
	if id == "" {
		id = "worker_" + uuid.New().String()[:8]
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = 5 * time.Second
	}
	return &Worker{
		id:       id,
		store:    store,
		pipeline: pipeline,
		records:  recs,
		cfg:      cfg,
		running:  make(chan struct{}),
		log:      logger.With("worker").With().Str("worker_id", id).Logger(),
	}
}

// ID returns the worker identifier stamped onto claimed jobs.
func (w *Worker) ID() string { return w.id }

// Run claims and processes jobs until Stop is called or the context is
// cancelled. A single job's failure never terminates the loop.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info().Msg("Worker started, listening for jobs")
	backoff := w.cfg.IdleBackoff

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping: context cancelled")
			return
		case <-w.running:
			w.log.Info().Msg("Worker stopped")
			return
		default:
		}

		job, err := w.store.Claim(ctx, w.id)
		if err != nil {
			w.log.Error().Err(err).Msg("Claim failed")
			w.sleep(ctx, backoff)
			continue
		}
		if job == nil {
			// Empty or lost the race; either way, try again later.
			w.sleep(ctx, backoff)
			if w.cfg.MaxIdleBackoff > backoff {
				backoff *= 2
				if backoff > w.cfg.MaxIdleBackoff {
					backoff = w.cfg.MaxIdleBackoff
				}
			}
			continue
		}

		backoff = w.cfg.IdleBackoff
		queueLatency.Observe(time.Since(job.CreatedAt).Seconds())
		w.process(ctx, job)
	}
}

// Stop requests a cooperative shutdown: the current claim/process cycle
// finishes before the loop exits. It never interrupts a running extraction.
// Safe to call from multiple goroutines.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.running) })
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-w.running:
	case <-timer.C:
	}
}

// completionPayload is the result body stored on the job record and handed
// back to status queries.
type completionPayload struct {
	OCRResult      *ocr.Result `json:"ocr_result"`
	Duplicate      bool        `json:"duplicate"`
	WorkerID       string      `json:"worker_id"`
	ProcessingTime float64     `json:"processing_time"`
	CompletedAt    time.Time   `json:"completed_at"`
}

func (w *Worker) process(ctx context.Context, job *jobs.Job) {
	start := time.Now()
	defer func() { jobDuration.Observe(time.Since(start).Seconds()) }()

	w.log.Info().
		Str("job_id", job.ID).
		Str("document", job.DocumentPath).
		Str("priority", job.Priority.String()).
		Int("retry_count", job.RetryCount).
		Msg("Processing job")

	// Duplicate suppression: an identical document/name pair already has a
	// persisted result, so complete from cache without running extraction.
	if w.records != nil {
		dup, err := w.records.FindDuplicate(ctx, job.DocumentPath, job.TargetName)
		if err != nil {
			w.log.Warn().Err(err).Msg("Duplicate lookup failed, running extraction anyway")
		} else if dup != nil {
			w.completeFromCache(ctx, job, dup, start)
			return
		}
	}

	res := w.runPipeline(ctx, job)

	switch res.Outcome {
	case ocr.OutcomeError:
		if err := w.store.Fail(ctx, job.ID, res.Error); err != nil {
			w.log.Error().Err(err).Str("job_id", job.ID).Msg("Failure report failed")
			return
		}
		// Mirror the store's retry decision for the metric: the local copy
		// still holds the claim-time retry count.
		if job.RetryCount < job.MaxRetries {
			jobsProcessed.WithLabelValues("retry").Inc()
		} else {
			jobsProcessed.WithLabelValues("failed").Inc()
		}
		w.log.Error().Str("job_id", job.ID).Str("error", res.Error).Msg("Job failed")

	default:
		payload, err := json.Marshal(completionPayload{
			OCRResult:      res,
			WorkerID:       w.id,
			ProcessingTime: time.Since(start).Seconds(),
			CompletedAt:    time.Now().UTC(),
		})
		if err != nil {
			w.log.Error().Err(err).Str("job_id", job.ID).Msg("Result encoding failed")
			w.store.Fail(ctx, job.ID, fmt.Sprintf("encode result: %v", err))
			return
		}
		if err := w.store.Complete(ctx, job.ID, payload); err != nil {
			w.log.Error().Err(err).Str("job_id", job.ID).Msg("Completion report failed")
			return
		}

		w.persist(ctx, job, res, time.Since(start).Seconds())

		if res.Outcome == ocr.OutcomeSuccess {
			jobsProcessed.WithLabelValues("success").Inc()
		} else {
			jobsProcessed.WithLabelValues("no_match").Inc()
		}
		w.log.Info().
			Str("job_id", job.ID).
			Bool("match", res.MatchStatus).
			Float64("seconds", time.Since(start).Seconds()).
			Msg("Job completed")
	}
}

// runPipeline converts pipeline panics into an error outcome so a
// pathological document can never crash the loop.
func (w *Worker) runPipeline(ctx context.Context, job *jobs.Job) (res *ocr.Result) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Str("job_id", job.ID).Interface("panic", r).Msg("Pipeline panicked")
			res = &ocr.Result{
				Outcome:      ocr.OutcomeError,
				ExpectedName: job.TargetName,
				Error:        fmt.Sprintf("pipeline panic: %v", r),
			}
		}
	}()
	return w.pipeline.Process(ctx, job.DocumentPath, job.TargetName)
}

func (w *Worker) completeFromCache(ctx context.Context, job *jobs.Job, dup *records.Record, start time.Time) {
	cached := &ocr.Result{
		Outcome:      ocr.OutcomeSuccess,
		ExpectedName: dup.ExpectedName,
		DetectedName: dup.DetectedName,
		MatchStatus:  dup.MatchStatus,
		Insurer:      dup.InsuranceCompany,
	}
	payload, err := json.Marshal(completionPayload{
		OCRResult:      cached,
		Duplicate:      true,
		WorkerID:       w.id,
		ProcessingTime: time.Since(start).Seconds(),
		CompletedAt:    time.Now().UTC(),
	})
	if err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("Cached result encoding failed")
		return
	}
	if err := w.store.Complete(ctx, job.ID, payload); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("Completion report failed")
		return
	}
	jobsProcessed.WithLabelValues("duplicate").Inc()
	w.log.Info().
		Str("job_id", job.ID).
		Str("original_task", dup.TaskID).
		Msg("Duplicate document, served cached result")
}

func (w *Worker) persist(ctx context.Context, job *jobs.Job, res *ocr.Result, seconds float64) {
	if w.records == nil {
		return
	}
	rec := &records.Record{
		TaskID:                job.ID,
		FilePath:              job.DocumentPath,
		ExpectedName:          job.TargetName,
		DetectedName:          res.DetectedName,
		MatchStatus:           res.MatchStatus,
		InsuranceCompany:      res.Insurer,
		ProcessingTimeSeconds: seconds,
		Status:                "completed",
		CreatedAt:             time.Now().UTC(),
	}
	if err := w.records.Persist(ctx, rec); err != nil {
		// Persistence is best-effort from the worker's point of view; the
		// queue already holds the authoritative result.
		w.log.Warn().Err(err).Str("job_id", job.ID).Msg("Record persistence failed")
	}
}

// CollectQueueMetrics periodically refreshes the queue depth gauges. Run it
// as a goroutine alongside Run.
func CollectQueueMetrics(ctx context.Context, store *queue.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := store.Stats(ctx)
			if err != nil {
				continue
			}
			queueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
			queueDepth.WithLabelValues("processing").Set(float64(stats.Processing))
			queueDepth.WithLabelValues("completed").Set(float64(stats.Completed))
			queueDepth.WithLabelValues("failed").Set(float64(stats.Failed))
		}
	}
}
