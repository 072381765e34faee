package worker

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/eakdogan/ocrflow/pkg/jobs"
	"github.com/eakdogan/ocrflow/pkg/ocr"
	"github.com/eakdogan/ocrflow/pkg/queue"
	"github.com/eakdogan/ocrflow/pkg/records"
)

type stubRasterizer struct {
	err   error
	panic bool
}

func (s *stubRasterizer) RasterizeFirstPage(_ context.Context, _ string) (image.Image, error) {
	if s.panic {
		panic("rasterizer exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	return image.NewGray(image.Rect(0, 0, 4, 4)), nil
}

type stubRecognizer struct {
	text  string
	calls int
}

func (s *stubRecognizer) Recognize(_ context.Context, _ image.Image, _ ocr.RecognizeOptions) (string, error) {
	s.calls++
	return s.text, nil
}

type stubRecords struct {
	dup       *records.Record
	persisted []*records.Record
}

func (s *stubRecords) FindDuplicate(_ context.Context, _, _ string) (*records.Record, error) {
	return s.dup, nil
}

func (s *stubRecords) Persist(_ context.Context, rec *records.Record) error {
	s.persisted = append(s.persisted, rec)
	return nil
}

func setupStore(t *testing.T) *queue.Store {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	return queue.NewStore(redis.NewClient(&redis.Options{Addr: s.Addr()}))
}

func testPipeline(raster ocr.Rasterizer, recog ocr.Recognizer) *ocr.Pipeline {
	return ocr.NewPipeline(raster, recog, nil, ocr.Config{SampleInterval: time.Hour})
}

func TestProcessSuccess(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	recog := &stubRecognizer{text: "POLICE SAHIBI AHMET YILMAZ"}
	recs := &stubRecords{}
	w := New("worker_test", store, testPipeline(&stubRasterizer{}, recog), recs, Config{})

	job := jobs.New("/docs/policy.pdf", "Ahmet Yılmaz", jobs.PriorityNormal)
	store.Enqueue(ctx, job)
	claimed, _ := store.Claim(ctx, w.ID())

	w.process(ctx, claimed)

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != jobs.StatusCompleted {
		t.Fatalf("Expected completed, got %s", got.Status)
	}

	var payload completionPayload
	if err := json.Unmarshal(got.Result, &payload); err != nil {
		t.Fatalf("Result payload invalid: %v", err)
	}
	if payload.WorkerID != "worker_test" {
		t.Errorf("Expected worker_test, got %s", payload.WorkerID)
	}
	if payload.Duplicate {
		t.Error("Fresh result flagged as duplicate")
	}
	if !payload.OCRResult.MatchStatus {
		t.Error("Expected a matched result")
	}

	if len(recs.persisted) != 1 {
		t.Fatalf("Expected 1 persisted record, got %d", len(recs.persisted))
	}
	if recs.persisted[0].TaskID != job.ID {
		t.Errorf("Persisted wrong task id %s", recs.persisted[0].TaskID)
	}
}

func TestProcessPipelineErrorRetries(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	raster := &stubRasterizer{err: errors.New("document unreadable")}
	w := New("worker_test", store, testPipeline(raster, &stubRecognizer{}), nil, Config{})

	job := jobs.New("/docs/broken.pdf", "Ahmet Yılmaz", jobs.PriorityNormal)
	store.Enqueue(ctx, job)

	// First two failures re-enqueue, the third attempt parks the job.
	for i := 0; i < 2; i++ {
		claimed, _ := store.Claim(ctx, w.ID())
		if claimed == nil {
			t.Fatalf("Claim %d returned nothing", i)
		}
		w.process(ctx, claimed)

		got, _ := store.Get(ctx, job.ID)
		if got.Status != jobs.StatusPending {
			t.Fatalf("Attempt %d: expected pending retry, got %s", i, got.Status)
		}
	}

	claimed, _ := store.Claim(ctx, w.ID())
	w.process(ctx, claimed)

	got, _ := store.Get(ctx, job.ID)
	if got.Status != jobs.StatusFailed {
		t.Fatalf("Expected failed after exhausted retries, got %s", got.Status)
	}
	if got.RetryCount != jobs.DefaultMaxRetries {
		t.Errorf("Expected retry count %d, got %d", jobs.DefaultMaxRetries, got.RetryCount)
	}
	if got.ErrorMessage == "" {
		t.Error("Expected error message on failed job")
	}
}

func TestProcessPanicBecomesFailure(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	w := New("worker_test", store, testPipeline(&stubRasterizer{panic: true}, &stubRecognizer{}), nil, Config{})

	job := jobs.New("/docs/hostile.pdf", "Ahmet Yılmaz", jobs.PriorityNormal)
	store.Enqueue(ctx, job)
	claimed, _ := store.Claim(ctx, w.ID())

	w.process(ctx, claimed)

	got, _ := store.Get(ctx, job.ID)
	if got.Status != jobs.StatusPending {
		t.Fatalf("Expected pending retry after panic, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", got.RetryCount)
	}
}

func TestProcessDuplicateServedFromCache(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	detected := "Ahmet Yılmaz"
	insurer := "Allianz Sigorta"
	recog := &stubRecognizer{text: "should never run"}
	recs := &stubRecords{dup: &records.Record{
		TaskID:           "original-task",
		FilePath:         "/docs/policy.pdf",
		ExpectedName:     "Ahmet Yılmaz",
		DetectedName:     &detected,
		MatchStatus:      true,
		InsuranceCompany: &insurer,
	}}
	w := New("worker_test", store, testPipeline(&stubRasterizer{}, recog), recs, Config{})

	job := jobs.New("/docs/policy.pdf", "Ahmet Yılmaz", jobs.PriorityNormal)
	store.Enqueue(ctx, job)
	claimed, _ := store.Claim(ctx, w.ID())

	w.process(ctx, claimed)

	if recog.calls != 0 {
		t.Errorf("Extraction ran %d times for a known duplicate", recog.calls)
	}

	got, _ := store.Get(ctx, job.ID)
	if got.Status != jobs.StatusCompleted {
		t.Fatalf("Expected completed, got %s", got.Status)
	}

	var payload completionPayload
	if err := json.Unmarshal(got.Result, &payload); err != nil {
		t.Fatalf("Result payload invalid: %v", err)
	}
	if !payload.Duplicate {
		t.Error("Expected duplicate flag")
	}
	if payload.OCRResult.DetectedName == nil || *payload.OCRResult.DetectedName != detected {
		t.Errorf("Expected cached detected name, got %+v", payload.OCRResult.DetectedName)
	}
}

func TestRunStopsCooperatively(t *testing.T) {
	store := setupStore(t)
	w := New("worker_test", store, testPipeline(&stubRasterizer{}, &stubRecognizer{}), nil, Config{
		IdleBackoff: 10 * time.Millisecond,
	})

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)

	// Concurrent Stop calls must not panic on a double close.
	var stoppers sync.WaitGroup
	for i := 0; i < 4; i++ {
		stoppers.Add(1)
		go func() {
			defer stoppers.Done()
			w.Stop()
		}()
	}
	stoppers.Wait()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Worker did not stop")
	}
}

func TestRunHonorsContextCancel(t *testing.T) {
	store := setupStore(t)
	w := New("", store, testPipeline(&stubRasterizer{}, &stubRecognizer{}), nil, Config{
		IdleBackoff: 10 * time.Millisecond,
	})
	if w.ID() == "" {
		t.Fatal("Expected generated worker id")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Worker did not stop on context cancel")
	}
}
