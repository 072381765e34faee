package ocr

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eakdogan/ocrflow/pkg/logger"
	"github.com/eakdogan/ocrflow/pkg/textproc"
)

// Outcome is the terminal state of one pipeline run.
type Outcome int

const (
	// OutcomeSuccess: the target name was found in either stage.
	OutcomeSuccess Outcome = iota
	// OutcomeNoMatch: both stages ran and extracted text, but the name was
	// not found. Partial information (text, insurer) is still returned.
	OutcomeNoMatch
	// OutcomeError: rasterization failed, the recognition provider was
	// unavailable, or every recognition attempt errored.
	OutcomeError
)

// Timing is the per-phase breakdown carried on every result. Advanced
// seconds include the advanced stage's own preprocessing time.
type Timing struct {
	TotalSeconds      float64 `json:"total_time_seconds"`
	RasterSeconds     float64 `json:"pdf_processing_seconds"`
	FastSeconds       float64 `json:"fast_ocr_seconds"`
	AdvancedSeconds   float64 `json:"advanced_ocr_seconds"`
	PreprocessSeconds float64 `json:"preprocessing_seconds"`
	InsurerSeconds    float64 `json:"insurance_search_seconds"`
}

// ProcessingInfo describes how the final verdict was produced.
type ProcessingInfo struct {
	PagesProcessed         int    `json:"pages_processed"`
	TextLength             int    `json:"text_length"`
	LanguageUsed           string `json:"language_used"`
	Strategy               string `json:"ocr_strategy"`
	AdvancedProcessingUsed bool   `json:"advanced_processing_used"`
	WeakMatch              bool   `json:"weak_match,omitempty"`
	Timing                 Timing `json:"timing"`
}

// Result is the pipeline output consumed by the worker and the persistence
// layer.
type Result struct {
	Outcome Outcome `json:"-"`

	ExpectedName   string          `json:"expected_name"`
	DetectedName   *string         `json:"detected_name"`
	MatchStatus    bool            `json:"match_status"`
	Insurer        *string         `json:"insurance_company"`
	Error          string          `json:"error,omitempty"`
	ProcessingInfo *ProcessingInfo `json:"processing_info,omitempty"`
}

// Config tunes one pipeline instance.
type Config struct {
	// Languages is passed to every recognition call, e.g. "tur+eng".
	Languages string
	// StageTimeout bounds each rasterization/recognition call. Zero
	// disables the bound.
	StageTimeout time.Duration
	// MinTextLength is the shortest best-effort text worth keeping before
	// falling back to the unprocessed image. Defaults to 10.
	MinTextLength int
	// SampleInterval is the resource sampler period. Defaults to 500ms.
	SampleInterval time.Duration
}

// Pipeline orchestrates the two extraction stages against injected
// providers. It is safe for sequential reuse; a worker runs one job at a
// time through it.
type Pipeline struct {
	raster   Rasterizer
	recog    Recognizer
	enhancer Enhancer
	cfg      Config
	log      zerolog.Logger
}

// NewPipeline wires the providers. enhancer may be nil, in which case the
// advanced stage uses the built-in light enhancement sequence.
func NewPipeline(raster Rasterizer, recog Recognizer, enhancer Enhancer, cfg Config) *Pipeline {
	if cfg.MinTextLength <= 0 {
		cfg.MinTextLength = 10
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 500 * time.Millisecond
	}
	if cfg.Languages == "" {
		cfg.Languages = "tur+eng"
	}
	return &Pipeline{
		raster:   raster,
		recog:    recog,
		enhancer: enhancer,
		cfg:      cfg,
		log:      logger.With("pipeline"),
	}
}

func (p *Pipeline) stageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.StageTimeout > 0 {
		return context.WithTimeout(ctx, p.cfg.StageTimeout)
	}
	return context.WithCancel(ctx)
}

func (p *Pipeline) langLabel(psm int, phase string) string {
	return fmt.Sprintf("%s (PSM %d - %s)", p.cfg.Languages, psm, phase)
}

// Process runs the full two-stage extraction for one document. Failures are
// encoded in the result's Outcome and Error fields rather than returned, so
// the worker routes every run through the same reporting path.
func (p *Pipeline) Process(ctx context.Context, documentPath, targetName string) *Result {
	start := time.Now()
	timing := Timing{}

	sampler := newResourceSampler(p.cfg.SampleInterval)
	sampler.Start()
	defer func() {
		sum := sampler.Stop()
		if sum.Samples > 0 {
			p.log.Debug().
				Float64("peak_cpu_percent", sum.PeakCPU).
				Float64("avg_cpu_percent", sum.AvgCPU).
				Float64("peak_rss_mb", sum.PeakRSSMB).
				Msg("Resource usage during extraction")
		}
	}()

	// Rasterize first page only.
	rasterStart := time.Now()
	rctx, cancel := p.stageCtx(ctx)
	page, err := p.raster.RasterizeFirstPage(rctx, documentPath)
	cancel()
	timing.RasterSeconds = seconds(rasterStart)
	if err != nil {
		return p.errorResult(targetName, stageErr("rasterize", err).Error(), "Two-Pass OCR - Exception", timing, start)
	}

	upscaled := upscale(page)

	// Stage 1: fast single pass.
	fastStart := time.Now()
	fctx, cancel := p.stageCtx(ctx)
	fastText, fastErr := p.recog.Recognize(fctx, upscaled, RecognizeOptions{Languages: p.cfg.Languages, PSM: 6})
	cancel()
	timing.FastSeconds = seconds(fastStart)

	if fastErr != nil {
		p.log.Warn().Err(stageErr("fast pass", fastErr)).Msg("Fast pass failed, escalating")
	} else if m, ok := textproc.FindMatch(fastText, targetName); ok {
		p.log.Info().Str("target", targetName).Bool("weak", m.Weak).Msg("Fast pass matched")
		return p.matchedResult(m, fastText, p.langLabel(6, "Fast"), "Fast OCR - Single Pass", false, timing, start)
	}

	// Stage 2: enhanced multi-mode sweep, entered only on a fast-pass miss.
	advStart := time.Now()
	processed := p.preprocess(upscaled, &timing)

	var (
		bestText   string
		bestLabel  string
		matchLabel string
		matched    bool
		recogErrs  int
	)

	for _, mode := range advancedModes {
		mctx, cancel := p.stageCtx(ctx)
		text, err := p.recog.Recognize(mctx, processed, RecognizeOptions{Languages: p.cfg.Languages, PSM: mode.psm})
		cancel()
		if err != nil {
			// A failing mode does not abort the sweep.
			recogErrs++
			p.log.Warn().Int("psm", mode.psm).Err(stageErr("advanced pass", err)).Msg("Segmentation mode failed")
			continue
		}

		if len(strings.TrimSpace(text)) > p.cfg.MinTextLength && textproc.Matches(text, targetName) {
			p.log.Info().Int("psm", mode.psm).Str("mode", mode.desc).Msg("Advanced pass matched, stopping sweep")
			bestText = text
			matchLabel = p.langLabel(mode.psm, "Advanced")
			matched = true
			break
		}

		// Stripped lengths, so a whitespace-heavy output cannot outrank a
		// shorter but denser one.
		if len(strings.TrimSpace(text)) > len(strings.TrimSpace(bestText)) {
			bestText = text
			bestLabel = p.langLabel(mode.psm, "Advanced")
		}
	}

	// Last resort: the enhanced image produced nothing usable, try one pass
	// on the unprocessed original.
	if !matched && len(strings.TrimSpace(bestText)) < p.cfg.MinTextLength {
		octx, cancel := p.stageCtx(ctx)
		text, err := p.recog.Recognize(octx, page, RecognizeOptions{Languages: p.cfg.Languages, PSM: 1})
		cancel()
		if err == nil {
			bestText = text
			bestLabel = p.cfg.Languages + " (fallback original)"
		} else {
			recogErrs++
		}
	}

	timing.AdvancedSeconds = seconds(advStart)

	finalText := bestText
	finalLabel := bestLabel
	if matched {
		finalLabel = matchLabel
	}
	if finalText == "" && fastErr == nil {
		// Advanced stage got nothing; the fast text is still the best effort.
		finalText = fastText
		finalLabel = p.langLabel(6, "Fast")
	}

	if finalText == "" {
		return p.errorResult(targetName,
			"all recognition attempts failed",
			"Two-Pass OCR - Complete Failure", timing, start)
	}

	if m, ok := textproc.FindMatch(finalText, targetName); ok {
		return p.matchedResult(m, finalText, finalLabel, "Two-Pass OCR - Advanced Fallback", true, timing, start)
	}

	// Both stages ran, no match. Partial information is still useful.
	insurer := p.tagInsurer(finalText, &timing)
	timing.TotalSeconds = seconds(start)
	return &Result{
		Outcome:      OutcomeNoMatch,
		ExpectedName: targetName,
		MatchStatus:  false,
		Insurer:      insurer,
		ProcessingInfo: &ProcessingInfo{
			PagesProcessed:         1,
			TextLength:             len(finalText),
			LanguageUsed:           finalLabel,
			Strategy:               "Two-Pass OCR - Both Failed",
			AdvancedProcessingUsed: true,
			Timing:                 timing,
		},
	}
}

// preprocess runs the configured enhancement sequence, falling back to the
// light built-in one when the advanced Enhancer is absent or fails.
func (p *Pipeline) preprocess(img image.Image, timing *Timing) image.Image {
	preStart := time.Now()
	defer func() { timing.PreprocessSeconds = seconds(preStart) }()

	enhancer := p.enhancer
	if enhancer == nil {
		enhancer = lightEnhancer{}
	}

	processed, err := enhancer.Enhance(img)
	if err == nil {
		return processed
	}
	p.log.Warn().Err(err).Msg("Enhancement failed, trying light sequence")

	if processed, err = (lightEnhancer{}).Enhance(img); err == nil {
		return processed
	}
	return img
}

// tagInsurer runs insurer detection over whatever text the pipeline ends up
// returning, timed separately.
func (p *Pipeline) tagInsurer(text string, timing *Timing) *string {
	searchStart := time.Now()
	defer func() { timing.InsurerSeconds = seconds(searchStart) }()

	if name, ok := textproc.DetectInsurer(text); ok {
		return &name
	}
	return nil
}

func (p *Pipeline) matchedResult(m textproc.Match, text, language, strategy string, advanced bool, timing Timing, start time.Time) *Result {
	insurer := p.tagInsurer(text, &timing)
	timing.TotalSeconds = seconds(start)
	detected := m.Name
	return &Result{
		Outcome:      OutcomeSuccess,
		ExpectedName: m.Name,
		DetectedName: &detected,
		MatchStatus:  true,
		Insurer:      insurer,
		ProcessingInfo: &ProcessingInfo{
			PagesProcessed:         1,
			TextLength:             len(text),
			LanguageUsed:           language,
			Strategy:               strategy,
			AdvancedProcessingUsed: advanced,
			WeakMatch:              m.Weak,
			Timing:                 timing,
		},
	}
}

func (p *Pipeline) errorResult(targetName, errMsg, strategy string, timing Timing, start time.Time) *Result {
	timing.TotalSeconds = seconds(start)
	p.log.Error().Str("target", targetName).Str("error", errMsg).Msg("Extraction failed")
	return &Result{
		Outcome:      OutcomeError,
		ExpectedName: targetName,
		MatchStatus:  false,
		Error:        errMsg,
		ProcessingInfo: &ProcessingInfo{
			PagesProcessed: 1,
			Strategy:       strategy,
			Timing:         timing,
		},
	}
}

func seconds(since time.Time) float64 {
	return time.Since(since).Seconds()
}
