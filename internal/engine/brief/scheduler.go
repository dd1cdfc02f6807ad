package brief

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/anatolykoptev/go_brief/internal/engine"
)

// errCheckBusy reports a creator check skipped because one is already running.
var errCheckBusy = errors.New("creator check already in progress")

// PipelineRunner is the orchestrator as seen by the scheduler.
type PipelineRunner interface {
	Run(ctx context.Context, v VideoRef, style Style, ro RunOptions) (*Result, error)
}

// SchedulerConfig tunes polling.
type SchedulerConfig struct {
	Interval     time.Duration
	StartDelay   time.Duration // wait before the first tick
	CheckTimeout time.Duration // per creator check, default 30s
	RatePerSec   float64       // API calls per second across all checks, default 1
	Burst        int           // default 2
	Style        Style
	Options      func(Trigger) RunOptions
}

// TickReport summarizes one tick.
type TickReport struct {
	Checked    int
	NewUploads int
	Failed     int
	Skipped    int
}

// CheckResult is one creator's outcome of a manual check.
type CheckResult struct {
	Creator CreatorRef
	Video   *VideoRef // nil when nothing new
	Result  *Result
	Err     error
}

// Scheduler polls subscribed creators and triggers runs for new uploads.
type Scheduler struct {
	store   SubscriptionStore
	dir     CreatorDirectory
	runner  PipelineRunner
	fanout  *Fanout
	cfg     SchedulerConfig
	limiter *rate.Limiter

	checking sync.Map // uid → struct{}
	runs     sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewScheduler wires a scheduler. The store is owned by the caller.
func NewScheduler(store SubscriptionStore, dir CreatorDirectory, runner PipelineRunner, fanout *Fanout, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 30 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 2
	}
	if cfg.Style == "" {
		cfg.Style = StyleDetailed
	}
	if cfg.Options == nil {
		cfg.Options = func(t Trigger) RunOptions { return RunOptions{Quality: QualityFast, Trigger: t} }
	}
	return &Scheduler{
		store:   store,
		dir:     dir,
		runner:  runner,
		fanout:  fanout,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		stopCh:  make(chan struct{}),
	}
}

// Start runs the polling loop until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("scheduler: starting", slog.Duration("interval", s.cfg.Interval), slog.Duration("start_delay", s.cfg.StartDelay))

	if s.cfg.StartDelay > 0 {
		select {
		case <-time.After(s.cfg.StartDelay):
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
	s.Tick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			slog.Info("scheduler: stopping (context cancelled)")
			return
		case <-s.stopCh:
			slog.Info("scheduler: stopping (stop signal)")
			return
		}
	}
}

// Stop signals the loop to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Wait blocks until every enqueued pipeline run has finished.
func (s *Scheduler) Wait() {
	s.runs.Wait()
}

// Tick checks every subscribed creator concurrently and enqueues runs for
// new uploads. It returns once the checks are done; runs continue in background.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	engine.IncrSchedulerTicks()
	start := time.Now()

	creators, err := s.store.SubscribedCreators(ctx)
	if err != nil {
		slog.Error("scheduler: list creators failed", slog.Any("error", err))
		return TickReport{Failed: 1}
	}

	var (
		mu  sync.Mutex
		rep TickReport
		wg  sync.WaitGroup
	)
	for _, c := range creators {
		wg.Go(func() {
			v, err := s.checkCreator(ctx, c)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, errCheckBusy):
				rep.Skipped++
				return
			case err != nil:
				rep.Failed++
				slog.Warn("scheduler: creator check failed", slog.String("uid", c.UID), slog.Any("error", err))
				return
			}
			rep.Checked++
			if v != nil {
				rep.NewUploads++
				s.dispatch(ctx, c, *v, nil)
			}
		})
	}
	wg.Wait()

	slog.Info("scheduler: tick complete",
		slog.Int("creators", len(creators)), slog.Int("new", rep.NewUploads),
		slog.Int("failed", rep.Failed), slog.Int("skipped", rep.Skipped),
		slog.Duration("elapsed", time.Since(start).Round(time.Millisecond)))
	return rep
}

// checkCreator fetches c's newest upload and advances its last-known upload.
// It returns the upload only when it is new and should be pushed: the first
// observation of a creator records a baseline without pushing.
func (s *Scheduler) checkCreator(ctx context.Context, c CreatorRef) (*VideoRef, error) {
	if _, busy := s.checking.LoadOrStore(c.UID, struct{}{}); busy {
		return nil, errCheckBusy
	}
	defer s.checking.Delete(c.UID)

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
	defer cancel()
	if err := s.limiter.Wait(cctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	var uploads []VideoRef
	err := engine.TrackOperation(cctx, "latest_uploads:"+c.UID, func(ctx context.Context) error {
		var err error
		uploads, err = s.dir.LatestUploads(ctx, c.UID, 1)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("latest uploads: %w", err)
	}
	if len(uploads) == 0 || uploads[0].ID == "" || uploads[0].ID == c.LastUploadID {
		return nil, nil
	}
	latest := uploads[0]
	if latest.CreatorID == "" {
		latest.CreatorID = c.UID
	}
	if c.LastUploadID != "" && !c.LastUploadAt.IsZero() && latest.UploadedAt.Before(c.LastUploadAt) {
		// The newest visible upload is older than the recorded one, e.g. the
		// recorded video was deleted. Never move backward.
		slog.Debug("scheduler: ignoring older upload", slog.String("uid", c.UID), slog.String("video", latest.ID))
		return nil, nil
	}

	ok, err := s.store.AdvanceLastUpload(ctx, c.UID, c.LastUploadID, latest)
	if err != nil {
		return nil, fmt.Errorf("advance last upload: %w", err)
	}
	if !ok {
		slog.Debug("scheduler: last upload changed concurrently", slog.String("uid", c.UID))
		return nil, nil
	}
	if c.LastUploadID == "" {
		slog.Info("scheduler: baseline recorded", slog.String("uid", c.UID), slog.String("video", latest.ID))
		return nil, nil
	}

	engine.IncrNewUploads()
	slog.Info("scheduler: new upload", slog.String("uid", c.UID), slog.String("video", latest.ID), slog.String("title", latest.Title))
	return &latest, nil
}

// dispatch enqueues one run per subscribed scope, skipping exclude.
// The runs outlive ctx: the last upload has already advanced, so a run
// cut short by the caller would never be retried.
func (s *Scheduler) dispatch(ctx context.Context, c CreatorRef, v VideoRef, exclude *Scope) {
	runCtx := context.WithoutCancel(ctx)
	scopes, err := s.store.SubscribersOf(ctx, c.UID)
	if err != nil {
		slog.Error("scheduler: list subscribers failed", slog.String("uid", c.UID), slog.Any("error", err))
		return
	}
	for _, scope := range scopes {
		if exclude != nil && scope == *exclude {
			continue
		}
		s.runs.Go(func() {
			s.deliver(runCtx, scope, c, v)
		})
	}
}

// deliver runs the pipeline for one scope and fans the artifact out.
func (s *Scheduler) deliver(ctx context.Context, scope Scope, c CreatorRef, v VideoRef) {
	res, err := s.runner.Run(ctx, v, s.cfg.Style, s.cfg.Options(TriggerAuto))
	if err != nil {
		slog.Error("scheduler: auto summary failed", slog.String("scope", scope.String()),
			slog.String("video", v.ID), slog.Any("error", err))
		return
	}
	if s.fanout == nil {
		return
	}
	s.fanout.Deliver(ctx, scope, res.Artifact, NewUploadHeader(c, v))
}

// CheckNow runs the same diff for scope's subscriptions and returns the
// results for scope synchronously. Other scopes subscribed to a creator
// with a new upload get their runs enqueued as on a tick.
func (s *Scheduler) CheckNow(ctx context.Context, scope Scope) ([]CheckResult, error) {
	subs, err := s.store.Subscriptions(ctx, scope)
	if err != nil {
		return nil, err
	}

	results := make([]CheckResult, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Go(func() {
			r := CheckResult{Creator: sub.Creator}
			r.Video, r.Err = s.checkCreator(ctx, sub.Creator)
			if r.Err == nil && r.Video != nil {
				s.dispatch(ctx, sub.Creator, *r.Video, &scope)
				r.Result, r.Err = s.runner.Run(ctx, *r.Video, s.cfg.Style, s.cfg.Options(TriggerManual))
			}
			results[i] = r
		})
	}
	wg.Wait()
	return results, nil
}

// NewUploadHeader is the caption sent with an automatic push.
func NewUploadHeader(c CreatorRef, v VideoRef) string {
	name := c.Name
	if name == "" {
		name = c.UID
	}
	return fmt.Sprintf("🔔 UP主【%s】发布了新视频！\n📺 %s\n🔗 %s", name, v.Title, v.URL())
}
