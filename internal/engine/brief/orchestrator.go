package brief

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/anatolykoptev/go_brief/internal/engine"
)

// RunOptions are the per-run pipeline switches.
type RunOptions struct {
	Quality           Quality
	EnableLink        bool
	EnableSummary     bool
	MaxNoteLength     int // runes; 0 = unlimited
	OutputImage       bool
	Publish           bool
	PublishSkipReason string // recorded as a skipped publish when Publish is false
	Trigger           Trigger
}

// Result is a finished pipeline run.
type Result struct {
	RunID      string
	Video      VideoMeta
	Transcript Transcript
	Note       NoteDocument
	Artifact   RenderedArtifact
	Publish    *PublishRecord
}

// Deps are the capabilities a run calls out to. Renderer and Publisher may be nil.
type Deps struct {
	Metadata    MetadataFetcher
	Audio       AudioDownloader
	Subtitles   SubtitleFetcher
	Transcriber Transcriber
	LLM         Completer
	Renderer    CardRenderer
	Publisher   DocumentPublisher
}

// OrchestratorConfig bounds concurrency and time.
type OrchestratorConfig struct {
	MaxConcurrent int
	RunTimeout    time.Duration // whole-run ceiling
	CallTimeout   time.Duration // per external call
	LLMTimeout    time.Duration // per LLM call
	StageRetries  int           // extra attempts for audio download and LLM
	RetryWait     time.Duration // first backoff, default 2s
	Debug         bool
}

type runCall struct {
	done chan struct{}
	res  *Result
	err  error
}

// Orchestrator runs the summarization pipeline, at most once per video at a time.
type Orchestrator struct {
	deps     Deps
	cfg      OrchestratorConfig
	sessions *SessionStore   // nil = no auth gating
	records  PublishRecorder // nil = records only logged
	runlog   RunLog          // nil = no archive
	sem      chan struct{}

	mu       sync.Mutex
	inflight map[string]*runCall
}

// NewOrchestrator wires a pipeline. sessions, records and runlog may be nil.
func NewOrchestrator(deps Deps, cfg OrchestratorConfig, sessions *SessionStore, records PublishRecorder, runlog RunLog) *Orchestrator {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 2
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 15 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 3 * time.Minute
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 5 * time.Minute
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 2 * time.Second
	}
	return &Orchestrator{
		deps:     deps,
		cfg:      cfg,
		sessions: sessions,
		records:  records,
		runlog:   runlog,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		inflight: make(map[string]*runCall),
	}
}

// Run summarizes v. A call for a video that is already being processed
// joins that run and receives its result. The run itself does not stop when
// ctx ends: a cancelled caller returns early while joiners keep waiting.
func (o *Orchestrator) Run(ctx context.Context, v VideoRef, style Style, ro RunOptions) (*Result, error) {
	if v.ID == "" {
		return nil, ErrUnresolvedReference
	}

	o.mu.Lock()
	c, joined := o.inflight[v.ID]
	if !joined {
		c = &runCall{done: make(chan struct{})}
		o.inflight[v.ID] = c
		go o.shared(context.WithoutCancel(ctx), c, v, style, ro)
	}
	o.mu.Unlock()
	if joined {
		engine.IncrPipelineJoins()
		slog.Info("pipeline: joining in-flight run", slog.String("video", v.ID))
	}

	select {
	case <-c.done:
		return c.res, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// shared runs c to completion and publishes its outcome to every waiter.
func (o *Orchestrator) shared(ctx context.Context, c *runCall, v VideoRef, style Style, ro RunOptions) {
	defer func() {
		o.mu.Lock()
		delete(o.inflight, v.ID)
		o.mu.Unlock()
		close(c.done)
	}()
	c.res, c.err = o.lead(ctx, v, style, ro)
}

// InFlight reports whether a run for videoID is in progress.
func (o *Orchestrator) InFlight(videoID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[videoID]
	return ok
}

type runOutcome struct {
	res *Result
	err error
}

// lead owns one run: it waits for a worker slot, starts the stage chain on
// its own goroutine and stops waiting at the run ceiling. ctx carries no
// caller cancellation.
func (o *Orchestrator) lead(ctx context.Context, v VideoRef, style Style, ro RunOptions) (*Result, error) {
	if o.sessions != nil {
		if _, err := o.sessions.Require(); err != nil {
			return nil, err
		}
	}

	runID := uuid.NewString()
	started := time.Now()
	engine.IncrPipelineRuns()

	deadline, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()

	select {
	case o.sem <- struct{}{}:
	case <-deadline.Done():
		return nil, o.finishRun(ctx, runID, v, style, ro, started, nil, o.ceilingErr())
	}

	var abandoned atomic.Bool
	out := make(chan runOutcome, 1)
	// An abandoned worker finishes its current call on the per-call timeout.
	go func() {
		defer func() { <-o.sem }()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("pipeline: panic", slog.String("video", v.ID), slog.Any("panic", r))
				out <- runOutcome{err: fmt.Errorf("pipeline panic: %v", r)}
			}
		}()
		res, err := o.execute(ctx, &abandoned, runID, v, style, ro)
		if abandoned.Load() {
			slog.Info("pipeline: discarding late result", slog.String("video", v.ID), slog.String("run", runID))
			return
		}
		out <- runOutcome{res: res, err: err}
	}()

	select {
	case oc := <-out:
		return oc.res, o.finishRun(ctx, runID, v, style, ro, started, oc.res, oc.err)
	case <-deadline.Done():
		abandoned.Store(true)
		return nil, o.finishRun(ctx, runID, v, style, ro, started, nil, o.ceilingErr())
	}
}

func (o *Orchestrator) ceilingErr() error {
	engine.IncrPipelineTimeouts()
	return ErrRunTimeout
}

// finishRun logs and archives the outcome. Returns err unchanged.
func (o *Orchestrator) finishRun(ctx context.Context, runID string, v VideoRef, style Style, ro RunOptions, started time.Time, res *Result, err error) error {
	rec := RunRecord{
		RunID:    runID,
		VideoID:  v.ID,
		Style:    style,
		Trigger:  ro.Trigger,
		Status:   "success",
		Started:  started,
		Duration: time.Since(started),
	}
	if err != nil {
		engine.IncrPipelineFailures()
		rec.Status = "failed"
		rec.Error = err.Error()
		var se *StageError
		if errors.As(err, &se) {
			rec.Stage = string(se.Stage)
		}
		slog.Error("pipeline: run failed", slog.String("video", v.ID), slog.String("run", runID),
			slog.String("stage", rec.Stage), slog.Any("error", err))
	} else {
		slog.Info("pipeline: run done", slog.String("video", v.ID), slog.String("run", runID),
			slog.String("artifact", string(res.Artifact.Kind)), slog.Duration("elapsed", rec.Duration))
	}
	if o.runlog != nil {
		if lerr := o.runlog.Record(ctx, rec); lerr != nil {
			slog.Warn("pipeline: run archive failed", slog.Any("error", lerr))
		}
	}
	return err
}

// execute runs the stages in order. Between stages it stops if the leader gave up.
func (o *Orchestrator) execute(ctx context.Context, abandoned *atomic.Bool, runID string, v VideoRef, style Style, ro RunOptions) (*Result, error) {
	gone := func() bool { return abandoned.Load() }
	retry := engine.RetryConfig{
		MaxRetries:  o.cfg.StageRetries,
		InitialWait: o.cfg.RetryWait,
		MaxWait:     8 * o.cfg.RetryWait,
		Multiplier:  2,
	}

	meta, err := withTimeout(ctx, o.cfg.CallTimeout, func(ctx context.Context) (VideoMeta, error) {
		return o.deps.Metadata.FetchMetadata(ctx, v)
	})
	if err != nil {
		return nil, o.stageFailed(ctx, StageMetadata, err)
	}
	if meta.ID == "" {
		meta.VideoRef = v
	}
	if gone() {
		return nil, ErrRunTimeout
	}

	audio, err := engine.RetryDo(ctx, retry, func() (AudioFile, error) {
		return withTimeout(ctx, o.cfg.CallTimeout, func(ctx context.Context) (AudioFile, error) {
			return o.deps.Audio.DownloadAudio(ctx, meta, ro.Quality)
		})
	})
	if err != nil {
		return nil, o.stageFailed(ctx, StageDownload, err)
	}
	defer removeAudio(audio)
	if gone() {
		return nil, ErrRunTimeout
	}

	transcript, err := o.transcript(ctx, meta, audio)
	if err != nil {
		return nil, o.stageFailed(ctx, StageTranscript, err)
	}
	if gone() {
		return nil, ErrRunTimeout
	}

	prompt := BuildPrompt(meta, transcript, PromptOptions{
		Style:         style,
		EnableLink:    ro.EnableLink,
		EnableSummary: ro.EnableSummary,
		MaxLength:     ro.MaxNoteLength,
	})
	raw, err := engine.RetryDo(ctx, retry, func() (string, error) {
		return withTimeout(ctx, o.cfg.LLMTimeout, func(ctx context.Context) (string, error) {
			return o.deps.LLM.Complete(ctx, prompt)
		})
	})
	if err != nil {
		return nil, o.stageFailed(ctx, StageSummarize, err)
	}

	note := ParseNote(raw, style)
	if note.Empty() {
		return nil, o.stageFailed(ctx, StageNote, ErrEmptyNote)
	}
	note = note.Truncate(ro.MaxNoteLength)
	if gone() {
		return nil, ErrRunTimeout
	}

	res := &Result{
		RunID:      runID,
		Video:      meta,
		Transcript: transcript,
		Note:       note,
		Artifact:   o.render(ctx, note, ro),
	}
	if gone() {
		return nil, ErrRunTimeout
	}

	res.Publish = o.publish(ctx, runID, meta, note, ro)
	return res, nil
}

// transcript prefers subtitles and falls back to ASR of the downloaded audio.
func (o *Orchestrator) transcript(ctx context.Context, meta VideoMeta, audio AudioFile) (Transcript, error) {
	if o.deps.Subtitles != nil {
		t, err := withTimeout(ctx, o.cfg.CallTimeout, func(ctx context.Context) (Transcript, error) {
			return o.deps.Subtitles.FetchSubtitles(ctx, meta)
		})
		switch {
		case err != nil && errors.Is(err, ErrAuthInvalid):
			return Transcript{}, err
		case err != nil:
			slog.Warn("pipeline: subtitles unavailable, using ASR", slog.String("video", meta.ID), slog.Any("error", err))
		case !t.Empty():
			return t, nil
		}
	}
	if o.deps.Transcriber == nil {
		return Transcript{}, ErrNoTranscript
	}
	t, err := withTimeout(ctx, o.cfg.CallTimeout, func(ctx context.Context) (Transcript, error) {
		return o.deps.Transcriber.Transcribe(ctx, audio)
	})
	if err != nil {
		return Transcript{}, err
	}
	if t.Empty() {
		return Transcript{}, ErrNoTranscript
	}
	return t, nil
}

// render returns a card image, or the note text when rendering is off or fails.
func (o *Orchestrator) render(ctx context.Context, note NoteDocument, ro RunOptions) RenderedArtifact {
	text := RenderedArtifact{Kind: ArtifactText, Text: note.Markdown()}
	if !ro.OutputImage || o.deps.Renderer == nil {
		return text
	}
	img, err := withTimeout(ctx, o.cfg.CallTimeout, func(ctx context.Context) ([]byte, error) {
		return o.deps.Renderer.RenderCard(ctx, note)
	})
	if err == nil && len(img) == 0 {
		err = ErrRenderFailure
	}
	if err != nil {
		engine.IncrRenderFallbacks()
		slog.Warn("pipeline: render failed, sending text", slog.Any("error", fmt.Errorf("%w: %w", ErrRenderFailure, err)))
		return text
	}
	return RenderedArtifact{Kind: ArtifactImage, Image: img, Text: text.Text}
}

// publish writes the note to the knowledge base. Failures are recorded, never returned.
func (o *Orchestrator) publish(ctx context.Context, runID string, meta VideoMeta, note NoteDocument, ro RunOptions) *PublishRecord {
	rec := &PublishRecord{RunID: runID, VideoID: meta.ID, Title: note.HeadingText(), At: time.Now()}
	switch {
	case !ro.Publish && ro.PublishSkipReason == "":
		return nil
	case !ro.Publish:
		rec.Status, rec.Reason = PublishSkipped, ro.PublishSkipReason
	case o.deps.Publisher == nil:
		rec.Status, rec.Reason = PublishSkipped, "未配置飞书发布"
	default:
		req := PublishRequest{
			Token:     uuid.NewString(),
			RunID:     runID,
			VideoID:   meta.ID,
			NoteTitle: note.HeadingText(),
			Markdown:  note.Markdown(),
			VideoURL:  meta.URL(),
		}
		retry := engine.RetryConfig{MaxRetries: 2, InitialWait: o.cfg.RetryWait, MaxWait: 8 * o.cfg.RetryWait, Multiplier: 2}
		doc, err := engine.RetryDo(ctx, retry, func() (PublishedDoc, error) {
			return withTimeout(ctx, o.cfg.CallTimeout, func(ctx context.Context) (PublishedDoc, error) {
				return o.deps.Publisher.Publish(ctx, req)
			})
		})
		if err != nil {
			rec.Status = PublishFailed
			rec.Reason = publishReason(err)
			rec.Error = fmt.Errorf("%w: %w", ErrPublishFailure, err).Error()
			slog.Warn("pipeline: publish failed", slog.String("video", meta.ID), slog.Any("error", err))
		} else {
			rec.Status = PublishSuccess
			rec.DocRef, rec.DocURL = doc.DocRef, doc.URL
			rec.ImagesOK, rec.ImagesFailed = doc.ImagesOK, doc.ImagesFailed
		}
		engine.IncrPublish(err == nil)
	}

	if o.records != nil {
		if err := o.records.SavePublishRecord(ctx, *rec); err != nil {
			slog.Error("pipeline: save publish record failed", slog.Any("error", err))
		}
	}
	return rec
}

// publishReason is the chat-facing label of a failed publish.
func publishReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "发布超时"
	case engine.IsTransient(err):
		return "飞书服务暂时不可用"
	default:
		return "飞书接口拒绝请求"
	}
}

// stageFailed wraps err with its stage and drops the session on auth rejection.
func (o *Orchestrator) stageFailed(ctx context.Context, stage Stage, err error) error {
	if errors.Is(err, ErrAuthInvalid) && o.sessions != nil {
		o.sessions.Invalidate(ctx, err)
	}
	return stageErr(stage, err)
}

// withTimeout bounds one external call.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(cctx)
}

func removeAudio(a AudioFile) {
	if a.Path == "" {
		return
	}
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Debug("pipeline: remove audio failed", slog.String("path", a.Path), slog.Any("error", err))
	}
}
