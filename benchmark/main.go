// Package main provides a benchmark tool for the ocrflow queue to measure
// enqueue and claim throughput without running any extraction. It floods the
// pending set with dummy jobs across all priority levels, then drains it and
// checks that claims come back in priority order.
//
// Usage:
//
//	go run benchmark/main.go -jobs 100000
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eakdogan/ocrflow/pkg/jobs"
	"github.com/eakdogan/ocrflow/pkg/queue"
)

var priorities = []jobs.Priority{
	jobs.PriorityLow, jobs.PriorityNormal, jobs.PriorityHigh, jobs.PriorityUrgent,
}

func main() {
	numJobs := flag.Int("jobs", 100000, "Number of jobs to enqueue")
	numWorkers := flag.Int("workers", 10, "Number of concurrent enqueuers/claimants")
	addr := flag.String("redis", "localhost:6379", "Redis address")
	flag.Parse()

	store := queue.NewStore(redis.NewClient(&redis.Options{
		Addr:     *addr,
		PoolSize: *numWorkers * 2,
	}))
	ctx := context.Background()

	fmt.Printf("ocrflow Queue Benchmark\n")
	fmt.Printf("=======================\n")
	fmt.Printf("Jobs to enqueue: %d\n", *numJobs)
	fmt.Printf("Concurrent workers: %d\n\n", *numWorkers)

	// Enqueue phase
	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	jobsPerWorker := *numJobs / *numWorkers

	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < jobsPerWorker; j++ {
				job := jobs.New(
					fmt.Sprintf("/bench/doc_%d_%d.pdf", workerID, j),
					"Benchmark Target",
					priorities[j%len(priorities)],
				)
				if err := store.Enqueue(ctx, job); err != nil {
					fmt.Printf("Error enqueuing: %v\n", err)
					return
				}
				enqueued.Add(1)
			}
		}(i)
	}

	wg.Wait()
	enqueueTime := time.Since(startEnqueue)

	fmt.Printf("✓ Enqueued %d jobs in %s\n", enqueued.Load(), enqueueTime)
	fmt.Printf("  Throughput: %.2f jobs/sec\n\n", float64(enqueued.Load())/enqueueTime.Seconds())

	// Claim phase: drain the pending set and verify ordering per claimant.
	fmt.Printf("Starting claim phase...\n")
	startClaim := time.Now()

	var claimed atomic.Int64
	var misordered atomic.Int64

	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			last := jobs.PriorityUrgent
			for {
				job, err := store.Claim(ctx, fmt.Sprintf("bench_%d", workerID))
				if err != nil {
					fmt.Printf("Error claiming: %v\n", err)
					return
				}
				if job == nil {
					return
				}
				// Each claimant must observe non-increasing priorities.
				if job.Priority > last {
					misordered.Add(1)
				}
				last = job.Priority
				claimed.Add(1)
			}
		}(i)
	}

	wg.Wait()
	claimTime := time.Since(startClaim)

	fmt.Printf("✓ Claimed %d jobs in %s\n", claimed.Load(), claimTime)
	fmt.Printf("  Throughput: %.2f jobs/sec\n", float64(claimed.Load())/claimTime.Seconds())
	if misordered.Load() > 0 {
		fmt.Printf("  WARNING: %d out-of-order claims observed\n", misordered.Load())
	}

	totalTime := enqueueTime + claimTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f jobs/sec\n", float64(claimed.Load())/totalTime.Seconds())
}
