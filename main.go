// go_brief — Bilibili video summary bot exposed as an MCP server.
//
// Summarizes videos into structured notes, pushes summaries of new uploads
// by subscribed creators to QQ chats through OneBot, and optionally
// publishes every note to a Feishu/Lark wiki.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/anatolykoptev/go-kit/env"
	"github.com/anatolykoptev/go-kit/llm"
	"github.com/anatolykoptev/go-mcpserver"
	"github.com/anatolykoptev/go_brief/internal/briefserver"
	"github.com/anatolykoptev/go_brief/internal/engine"
	"github.com/anatolykoptev/go_brief/internal/engine/brief"
	"github.com/anatolykoptev/go_brief/internal/engine/feishu"
	"github.com/anatolykoptev/go_brief/internal/engine/onebot"
	"github.com/anatolykoptev/go_brief/internal/engine/render"
	"github.com/anatolykoptev/go_brief/internal/engine/sources"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var (
	version = "dev"
	mcpPort = env.Str("MCP_PORT", "8893")
)

func main() {
	initEngine()

	dataDir := env.Str("DATA_DIR", defaultDir())
	opts, err := brief.LoadOptions(env.Str("BRIEF_CONFIG", filepath.Join(defaultDir(), "config.yaml")))
	if err != nil {
		slog.Error("invalid options", slog.Any("error", err))
		os.Exit(1)
	}
	if opts.DebugMode {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := wire(ctx, opts, dataDir)
	if err != nil {
		slog.Error("startup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer app.close()

	slog.Info("starting go_brief",
		slog.String("port", mcpPort),
		slog.String("data_dir", dataDir),
		slog.Bool("auto_push", opts.EnableAutoPush),
		slog.Bool("feishu", opts.EnableFeishuWikiPush),
	)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "go_brief",
		Version: version,
	}, nil)

	briefserver.RegisterTools(server, app.service)
	slog.Info("tools registered", slog.Int("count", 4))

	if opts.EnableAutoPush {
		go app.scheduler.Start(ctx)
	}

	if err := mcpserver.Run(server, mcpserver.Config{
		Name:         "go_brief",
		Version:      version,
		Port:         mcpPort,
		WriteTimeout: 600 * time.Second,
		Metrics:      engine.FormatMetrics,
	}); err != nil {
		slog.Error("server failed", slog.Any("error", err))
	}

	app.scheduler.Stop()
	app.scheduler.Wait()
	app.service.Wait()
}

func defaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".go_brief"
	}
	return filepath.Join(home, ".go_brief")
}

func initEngine() {
	c := engine.Config{
		LLMAPIKey:            env.Str("LLM_API_KEY", ""),
		LLMAPIKeyFallbacks:   env.List("LLM_API_KEY_FALLBACKS", ""),
		LLMAPIBase:           env.Str("LLM_API_BASE", "https://generativelanguage.googleapis.com/v1beta/openai"),
		LLMModel:             env.Str("LLM_MODEL", "gemini-2.5-flash"),
		LLMTemperature:       env.Float("LLM_TEMPERATURE", 0.3),
		LLMMaxTokens:         env.Int("LLM_MAX_TOKENS", 16384),
		FetchTimeout:         env.Duration("FETCH_TIMEOUT", 30*time.Second),
		MaxImageBytes:        int64(env.Int("MAX_IMAGE_BYTES", 10<<20)),
		CacheMaxEntries:      env.Int("CACHE_MAX_ENTRIES", 1000),
		CacheCleanupInterval: env.Duration("CACHE_CLEANUP_INTERVAL", 300*time.Second),
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     60 * time.Second,
			},
		},
	}

	bc, err := engine.NewBrowserClient(20)
	if err != nil {
		slog.Warn("browser client init failed, Bilibili calls use plain HTTP", slog.Any("error", err))
	} else {
		c.BrowserClient = bc
		slog.Info("browser client initialized")
	}

	if c.LLMAPIKey != "" {
		c.LLMClient = llm.NewClient(c.LLMAPIBase, c.LLMAPIKey, c.LLMModel,
			llm.WithFallbackKeys(c.LLMAPIKeyFallbacks),
			llm.WithMaxTokens(c.LLMMaxTokens),
			llm.WithTemperature(c.LLMTemperature),
			llm.WithHTTPClient(&http.Client{Timeout: 5 * time.Minute}),
		)
	} else {
		slog.Warn("LLM_API_KEY not set, summarization disabled")
	}

	engine.Init(c)

	cacheTTL := env.Duration("CACHE_TTL", 30*time.Minute)
	engine.InitCache(env.Str("REDIS_URL", ""), cacheTTL, c.CacheMaxEntries, c.CacheCleanupInterval)
}

type app struct {
	store     *brief.Store
	runlog    *brief.PGRunLog
	scheduler *brief.Scheduler
	service   *briefserver.Service
}

func (a *app) close() {
	if a.runlog != nil {
		a.runlog.Close()
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("store close failed", slog.Any("error", err))
	}
}

// wire builds the pipeline, scheduler and command service.
func wire(ctx context.Context, opts brief.Options, dataDir string) (*app, error) {
	store, err := brief.OpenStore(filepath.Join(dataDir, "brief.db"))
	if err != nil {
		return nil, err
	}
	a := &app{store: store}

	bili := sources.NewBilibili(sources.BilibiliConfig{
		AudioDir:      filepath.Join(dataDir, "audio"),
		MaxAudioBytes: int64(env.Int("MAX_AUDIO_MB", 512)) << 20,
	})
	if err := os.MkdirAll(filepath.Join(dataDir, "audio"), 0o750); err != nil {
		store.Close()
		return nil, err
	}

	sessions, err := brief.NewSessionStore(ctx, bili, store, brief.SessionConfig{})
	if err != nil {
		store.Close()
		return nil, err
	}
	bili.UseCookies(sessions)

	deps := brief.Deps{
		Metadata:    bili,
		Audio:       bili,
		Subtitles:   bili,
		Transcriber: sources.NewBcut(sources.BcutConfig{}),
		LLM:         engine.LLM{},
	}
	if u := env.Str("RENDER_URL", ""); u != "" {
		deps.Renderer = render.NewHTTPRenderer(u, env.Int("RENDER_WIDTH", 960), nil)
		slog.Info("card renderer configured", slog.String("url", u))
	} else if opts.OutputImage {
		slog.Warn("RENDER_URL not set, summaries are sent as text")
	}
	if opts.EnableFeishuWikiPush {
		client := feishu.NewClient(feishu.ClientConfig{
			AppID:     opts.FeishuAppID,
			AppSecret: opts.FeishuAppSecret,
			BaseURL:   feishu.BaseURLFor(opts.FeishuDomain),
		})
		deps.Publisher = feishu.NewPublisher(client, feishu.PublisherConfig{
			SpaceID:     opts.FeishuWikiSpaceID,
			ParentNode:  opts.FeishuParentNodeToken,
			TitlePrefix: opts.FeishuTitlePrefix,
			Domain:      opts.FeishuDomain,
		})
		slog.Info("feishu publisher configured", slog.String("domain", opts.FeishuDomain))
	}

	var runlog brief.RunLog
	var failures briefserver.FailureLog
	if dsn := env.Str("DATABASE_URL", ""); dsn != "" {
		rl, err := brief.ConnectRunLog(ctx, dsn)
		if err != nil {
			slog.Warn("run log init failed", slog.Any("error", err))
		} else {
			a.runlog = rl
			runlog, failures = rl, rl
			slog.Info("run log initialized")
		}
	}

	orch := brief.NewOrchestrator(deps, opts.OrchestratorConfig(), sessions, store, runlog)

	messenger := onebot.New(onebot.Config{
		BaseURL: env.Str("ONEBOT_URL", "http://127.0.0.1:3000"),
		Token:   env.Str("ONEBOT_TOKEN", ""),
	})
	fanout := brief.NewFanout(store, messenger, opts.Access(), opts.ConfigTargets())

	a.scheduler = brief.NewScheduler(store, bili, orch, fanout, brief.SchedulerConfig{
		Interval:   opts.CheckInterval(),
		StartDelay: env.Duration("SCHEDULER_START_DELAY", 30*time.Second),
		Style:      opts.Style(),
		Options:    opts.RunOptions,
	})

	a.service = briefserver.NewService(briefserver.Deps{
		Options:       opts,
		Resolver:      brief.NewResolver(bili, bili),
		Directory:     bili,
		Sessions:      sessions,
		Runner:        orch,
		Checker:       a.scheduler,
		Subscriptions: store,
		Targets:       store,
		Publishes:     store,
		Messenger:     messenger,
		Failures:      failures,
	})
	return a, nil
}
