package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Metrics tracks operational counters across the engine.
var metrics struct {
	PipelineRuns     atomic.Int64
	PipelineJoins    atomic.Int64
	PipelineFailures atomic.Int64
	PipelineTimeouts atomic.Int64
	RenderFallbacks  atomic.Int64
	LLMCalls         atomic.Int64
	LLMErrors        atomic.Int64
	BiliRequests     atomic.Int64
	BiliErrors       atomic.Int64
	ASRJobs          atomic.Int64
	SchedulerTicks   atomic.Int64
	NewUploads       atomic.Int64
	Pushes           atomic.Int64
	PushErrors       atomic.Int64
	PublishOK        atomic.Int64
	PublishFailed    atomic.Int64
	ImageFetches     atomic.Int64
}

// GetMetrics returns a snapshot of all metrics including cache stats.
func GetMetrics() map[string]int64 {
	hits, misses := CacheStats()
	return map[string]int64{
		"pipeline_runs":     metrics.PipelineRuns.Load(),
		"pipeline_joins":    metrics.PipelineJoins.Load(),
		"pipeline_failures": metrics.PipelineFailures.Load(),
		"pipeline_timeouts": metrics.PipelineTimeouts.Load(),
		"render_fallbacks":  metrics.RenderFallbacks.Load(),
		"llm_calls":         metrics.LLMCalls.Load(),
		"llm_errors":        metrics.LLMErrors.Load(),
		"bili_requests":     metrics.BiliRequests.Load(),
		"bili_errors":       metrics.BiliErrors.Load(),
		"asr_jobs":          metrics.ASRJobs.Load(),
		"scheduler_ticks":   metrics.SchedulerTicks.Load(),
		"new_uploads":       metrics.NewUploads.Load(),
		"pushes":            metrics.Pushes.Load(),
		"push_errors":       metrics.PushErrors.Load(),
		"publish_ok":        metrics.PublishOK.Load(),
		"publish_failed":    metrics.PublishFailed.Load(),
		"image_fetches":     metrics.ImageFetches.Load(),
		"cache_hits":        hits,
		"cache_misses":      misses,
	}
}

// FormatMetrics returns metrics as a simple text format for HTTP endpoint.
func FormatMetrics() string {
	m := GetMetrics()
	var sb strings.Builder
	keys := []string{
		"pipeline_runs", "pipeline_joins", "pipeline_failures", "pipeline_timeouts",
		"render_fallbacks",
		"llm_calls", "llm_errors",
		"bili_requests", "bili_errors", "asr_jobs",
		"scheduler_ticks", "new_uploads",
		"pushes", "push_errors",
		"publish_ok", "publish_failed", "image_fetches",
		"cache_hits", "cache_misses",
	}
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s %d\n", k, m[k])
	}
	return sb.String()
}

// Incrementors for the brief pipeline and scheduler.
func IncrPipelineRuns()     { metrics.PipelineRuns.Add(1) }
func IncrPipelineJoins()    { metrics.PipelineJoins.Add(1) }
func IncrPipelineFailures() { metrics.PipelineFailures.Add(1) }
func IncrPipelineTimeouts() { metrics.PipelineTimeouts.Add(1) }
func IncrRenderFallbacks()  { metrics.RenderFallbacks.Add(1) }
func IncrSchedulerTicks()   { metrics.SchedulerTicks.Add(1) }
func IncrNewUploads()       { metrics.NewUploads.Add(1) }

// IncrPush records one delivery attempt and whether it failed.
func IncrPush(failed bool) {
	metrics.Pushes.Add(1)
	if failed {
		metrics.PushErrors.Add(1)
	}
}

// IncrPublish records one document publish outcome.
func IncrPublish(ok bool) {
	if ok {
		metrics.PublishOK.Add(1)
		return
	}
	metrics.PublishFailed.Add(1)
}

// Incrementors for sources/ sub-package.
func IncrBiliRequests() { metrics.BiliRequests.Add(1) }
func IncrBiliErrors()   { metrics.BiliErrors.Add(1) }
func IncrASRJobs()      { metrics.ASRJobs.Add(1) }

// TrackOperation logs a warning if an operation takes longer than threshold.
func TrackOperation(ctx context.Context, name string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	if elapsed > 5*time.Second {
		slog.Warn("slow operation", slog.String("op", name), slog.Duration("elapsed", elapsed))
	}
	return err
}
