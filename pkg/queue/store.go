// Package queue provides the Redis-backed priority queue store for extraction
// jobs. Pending jobs live in a sorted set ordered by a composite
// (priority, insertion sequence) score; processing, completed and failed are
// plain id sets; the canonical job record is flat JSON keyed by id.
//
// All operations are safe under concurrent callers. The claim operation is
// the only genuine cross-worker race and relies on ZPOPMIN being atomic: at
// most one worker ever receives a given job id.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eakdogan/ocrflow/pkg/jobs"
	"github.com/eakdogan/ocrflow/pkg/logger"
)

const (
	pendingKey    = "ocr_jobs:pending"
	processingKey = "ocr_jobs:processing"
	completedKey  = "ocr_jobs:completed"
	failedKey     = "ocr_jobs:failed"
	sequenceKey   = "ocr_jobs:seq"
	jobKeyPrefix  = "ocr_job:"
)

// sequenceSpan separates priority bands in the composite score. Weights stay
// below 2^13 and sequences below 2^40, so -weight*2^40 + seq is exact in a
// float64 and equal-priority jobs keep strict insertion order.
const sequenceSpan = 1 << 40

// ErrJobNotFound is returned when a job id has no stored record, typically
// after the retention purge removed it.
var ErrJobNotFound = errors.New("queue: job not found")

var qlog = logger.With("queue")

// Stats is a point-in-time snapshot of the queue buckets.
type Stats struct {
	Pending    int64 `json:"pending_jobs"`
	Processing int64 `json:"processing_jobs"`
	Completed  int64 `json:"completed_jobs"`
	Failed     int64 `json:"failed_jobs"`
	Total      int64 `json:"total_jobs_in_system"`
}

// Store mediates all queue state. It holds no state of its own beyond the
// Redis connection; construct one per process and pass it explicitly.
type Store struct {
	rdb *redis.Client
}

// NewStore wraps an existing Redis client. The caller owns the client's
// lifecycle.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

// score computes the composite sort key. Lower scores are served first, so
// the priority weight is negated and the insertion sequence breaks ties
// first-in-first-out within a band.
func score(p jobs.Priority, seq int64) float64 {
	return float64(-int64(p)*sequenceSpan + seq)
}

// Enqueue persists the job record and inserts its id into the pending set.
// Never blocks.
func (s *Store) Enqueue(ctx context.Context, job *jobs.Job) error {
	data, err := job.Marshal()
	if err != nil {
		return err
	}

	seq, err := s.rdb.Incr(ctx, sequenceKey).Result()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, 0)
	pipe.ZAdd(ctx, pendingKey, redis.Z{
		Score:  score(job.Priority, seq),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}

	qlog.Debug().
		Str("job_id", job.ID).
		Str("priority", job.Priority.String()).
		Msg("Job enqueued")
	return nil
}

// Claim atomically pops the lowest-scored pending job and hands it to
// workerID. A nil job with nil error means nothing was obtained right now —
// the queue may be empty or another claimant won the race — and the caller
// should back off and try again rather than treat the queue as drained.
func (s *Store) Claim(ctx context.Context, workerID string) (*jobs.Job, error) {
	popped, err := s.rdb.ZPopMin(ctx, pendingKey, 1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("claim pop: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}

	jobID, _ := popped[0].Member.(string)
	job, err := s.load(ctx, jobID)
	if err != nil {
		// The id was popped but its record is gone (purged or corrupt).
		// Nothing to hand out; surface as "try again later".
		qlog.Warn().Str("job_id", jobID).Err(err).Msg("Claimed id has no job record")
		return nil, nil
	}

	if err := job.MarkProcessing(workerID); err != nil {
		return nil, err
	}

	data, err := job.Marshal()
	if err != nil {
		return nil, err
	}

	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, processingKey, jobID)
	pipe.Set(ctx, jobKey(jobID), data, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("claim %s: %w", jobID, err)
	}

	return job, nil
}

// Complete records the result payload and moves the job from processing to
// completed.
func (s *Store) Complete(ctx context.Context, jobID string, result []byte) error {
	job, err := s.load(ctx, jobID)
	if err != nil {
		return err
	}

	if err := job.MarkCompleted(result); err != nil {
		return err
	}

	data, err := job.Marshal()
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, processingKey, jobID)
	pipe.SAdd(ctx, completedKey, jobID)
	pipe.Set(ctx, jobKey(jobID), data, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete %s: %w", jobID, err)
	}

	qlog.Info().Str("job_id", jobID).Msg("Job completed")
	return nil
}

// Fail records a failure. While retries remain the job is re-enqueued at its
// original priority with a fresh sequence number, competing equally with new
// arrivals; once exhausted it is parked in the failed set permanently.
// Reporting failure on a job that is already terminal is a no-op, so a
// duplicate report cannot push the retry count past the cap.
func (s *Store) Fail(ctx context.Context, jobID, errMsg string) error {
	job, err := s.load(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Terminal() {
		qlog.Warn().Str("job_id", jobID).Msg("Failure reported for terminal job, ignoring")
		return nil
	}

	retry, err := job.MarkFailed(errMsg)
	if err != nil {
		return err
	}

	if retry {
		if err := job.MarkPendingRetry(); err != nil {
			return err
		}

		data, err := job.Marshal()
		if err != nil {
			return err
		}
		seq, err := s.rdb.Incr(ctx, sequenceKey).Result()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}

		pipe := s.rdb.TxPipeline()
		pipe.SRem(ctx, processingKey, jobID)
		pipe.ZAdd(ctx, pendingKey, redis.Z{Score: score(job.Priority, seq), Member: jobID})
		pipe.Set(ctx, jobKey(jobID), data, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("requeue %s: %w", jobID, err)
		}

		qlog.Info().
			Str("job_id", jobID).
			Int("retry_count", job.RetryCount).
			Msg("Job re-enqueued for retry")
		return nil
	}

	data, err := job.Marshal()
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, processingKey, jobID)
	pipe.SAdd(ctx, failedKey, jobID)
	pipe.Set(ctx, jobKey(jobID), data, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail %s: %w", jobID, err)
	}

	qlog.Error().
		Str("job_id", jobID).
		Str("error", errMsg).
		Msg("Job failed permanently, retries exhausted")
	return nil
}

// Cancel withdraws a pending job before any worker claims it. Claimed or
// terminal jobs cannot be cancelled.
func (s *Store) Cancel(ctx context.Context, jobID string) error {
	removed, err := s.rdb.ZRem(ctx, pendingKey, jobID).Result()
	if err != nil {
		return fmt.Errorf("cancel %s: %w", jobID, err)
	}
	if removed == 0 {
		return fmt.Errorf("cancel %s: job is not pending", jobID)
	}

	job, err := s.load(ctx, jobID)
	if err != nil {
		return err
	}
	if err := job.MarkCancelled(); err != nil {
		return err
	}

	data, err := job.Marshal()
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, jobKey(jobID), data, 0).Err()
}

// Get returns the current record for a job id.
func (s *Store) Get(ctx context.Context, jobID string) (*jobs.Job, error) {
	return s.load(ctx, jobID)
}

// Stats returns bucket counts plus the total number of tracked job records.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats

	pipe := s.rdb.Pipeline()
	pending := pipe.ZCard(ctx, pendingKey)
	processing := pipe.SCard(ctx, processingKey)
	completed := pipe.SCard(ctx, completedKey)
	failed := pipe.SCard(ctx, failedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}

	st.Pending = pending.Val()
	st.Processing = processing.Val()
	st.Completed = completed.Val()
	st.Failed = failed.Val()

	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, jobKeyPrefix+"*", 200).Result()
		if err != nil {
			return st, fmt.Errorf("stats scan: %w", err)
		}
		st.Total += int64(len(keys))
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return st, nil
}

// PurgeOlderThan removes terminal job records older than age, along with
// their completed/failed set memberships. Pending and processing jobs are
// never touched.
func (s *Store) PurgeOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	purged := 0

	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, jobKeyPrefix+"*", 200).Result()
		if err != nil {
			return purged, fmt.Errorf("purge scan: %w", err)
		}

		for _, key := range keys {
			data, err := s.rdb.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			job, err := jobs.Unmarshal(data)
			if err != nil || !job.Terminal() || !job.CreatedAt.Before(cutoff) {
				continue
			}

			pipe := s.rdb.TxPipeline()
			pipe.Del(ctx, key)
			pipe.SRem(ctx, completedKey, job.ID)
			pipe.SRem(ctx, failedKey, job.ID)
			if _, err := pipe.Exec(ctx); err != nil {
				return purged, fmt.Errorf("purge %s: %w", job.ID, err)
			}
			purged++
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if purged > 0 {
		qlog.Info().Int("purged", purged).Msg("Old terminal jobs purged")
	}
	return purged, nil
}

func (s *Store) load(ctx context.Context, jobID string) (*jobs.Job, error) {
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", jobID, err)
	}
	return jobs.Unmarshal(data)
}
