package ocr

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/eakdogan/ocrflow/pkg/logger"
)

var mlog = logger.With("monitor")

// resourceSummary aggregates the samples collected during one extraction.
type resourceSummary struct {
	Samples   int
	PeakCPU   float64
	AvgCPU    float64
	PeakRSSMB float64
	AvgRSSMB  float64
}

// resourceSampler periodically records this process's CPU and memory usage
// while an extraction runs. It exists purely for reporting; it must never
// influence extraction outcomes, and the pipeline guarantees Stop on every
// exit path.
type resourceSampler struct {
	interval time.Duration

	mu      sync.Mutex
	cpu     []float64
	rss     []float64
	stopped bool

	done chan struct{}
	wg   sync.WaitGroup
}

func newResourceSampler(interval time.Duration) *resourceSampler {
	return &resourceSampler{
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the background sampling loop.
func (rs *resourceSampler) Start() {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		mlog.Debug().Err(err).Msg("Resource sampling unavailable")
		return
	}

	rs.wg.Add(1)
	go func() {
		defer rs.wg.Done()
		ticker := time.NewTicker(rs.interval)
		defer ticker.Stop()

		for {
			select {
			case <-rs.done:
				return
			case <-ticker.C:
				cpu, err := proc.CPUPercent()
				if err != nil {
					continue
				}
				var rssMB float64
				if mem, err := proc.MemoryInfo(); err == nil {
					rssMB = float64(mem.RSS) / 1024 / 1024
				}

				rs.mu.Lock()
				rs.cpu = append(rs.cpu, cpu)
				rs.rss = append(rs.rss, rssMB)
				rs.mu.Unlock()
			}
		}
	}()
}

// Stop drains the sampling goroutine and returns the aggregated summary.
// Safe to call more than once.
func (rs *resourceSampler) Stop() resourceSummary {
	rs.mu.Lock()
	if !rs.stopped {
		rs.stopped = true
		close(rs.done)
	}
	rs.mu.Unlock()
	rs.wg.Wait()

	rs.mu.Lock()
	defer rs.mu.Unlock()

	sum := resourceSummary{Samples: len(rs.cpu)}
	for _, v := range rs.cpu {
		if v > sum.PeakCPU {
			sum.PeakCPU = v
		}
		sum.AvgCPU += v
	}
	for _, v := range rs.rss {
		if v > sum.PeakRSSMB {
			sum.PeakRSSMB = v
		}
		sum.AvgRSSMB += v
	}
	if sum.Samples > 0 {
		sum.AvgCPU /= float64(sum.Samples)
		sum.AvgRSSMB /= float64(sum.Samples)
	}
	return sum
}
