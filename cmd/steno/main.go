// Command steno is the main entry point for the steno transcription service:
// the webhook server, the queue worker, and the orphan sweeper in one
// process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"golang.org/x/sync/errgroup"

	"github.com/stenobot/steno/internal/bot"
	"github.com/stenobot/steno/internal/config"
	"github.com/stenobot/steno/internal/drive"
	"github.com/stenobot/steno/internal/engine"
	"github.com/stenobot/steno/internal/format"
	"github.com/stenobot/steno/internal/health"
	"github.com/stenobot/steno/internal/media"
	"github.com/stenobot/steno/internal/objstore"
	"github.com/stenobot/steno/internal/observe"
	"github.com/stenobot/steno/internal/queue"
	"github.com/stenobot/steno/internal/resilience"
	"github.com/stenobot/steno/internal/server"
	"github.com/stenobot/steno/internal/store"
	"github.com/stenobot/steno/internal/webauth"
	"github.com/stenobot/steno/internal/worker"
	"github.com/stenobot/steno/pkg/provider/asr"
	"github.com/stenobot/steno/pkg/provider/asr/dashscope"
	"github.com/stenobot/steno/pkg/provider/asr/deepgram"
	"github.com/stenobot/steno/pkg/provider/llm"
	"github.com/stenobot/steno/pkg/provider/llm/anyllm"
	"github.com/stenobot/steno/pkg/provider/llm/openai"
	"github.com/stenobot/steno/pkg/provider/llm/qwen"
	"github.com/stenobot/steno/pkg/telegram"
)

// version is set at build time via -ldflags.
var version = "dev"

const sweepInterval = 10 * time.Minute

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "steno: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "steno: %v\n", err)
		}
		return 1
	}

	observe.InitLogger(cfg.Server.LogLevel.Slog())
	slog.Info("steno starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"version", version,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownObserve, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Server.ComponentID,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "error", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownObserve(sctx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	st, err := store.New(ctx, cfg.Database.DSN)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		return 1
	}
	defer st.Close()

	tg, err := telegram.NewClient(cfg.Telegram.Token)
	if err != nil {
		slog.Error("failed to create chat client", "error", err)
		return 1
	}

	// ── AWS surfaces: job queue and upload bucket ─────────────────────────
	var jobQueue *queue.Queue
	var objects *objstore.Store
	if cfg.Queue.URL != "" || cfg.ObjectStore.Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Queue.Region))
		if err != nil {
			slog.Error("failed to load AWS config", "error", err)
			return 1
		}
		if cfg.Queue.URL != "" {
			jobQueue = queue.New(sqs.NewFromConfig(awsCfg), cfg.Queue.URL)
		}
		if cfg.ObjectStore.Bucket != "" {
			presign := s3.NewPresignClient(s3.NewFromConfig(awsCfg))
			objects = objstore.New(presign, cfg.ObjectStore.Bucket)
		}
	}

	// ── Recognition engine ────────────────────────────────────────────────
	eng, err := buildEngine(cfg)
	if err != nil {
		slog.Error("failed to build recognition engine", "error", err)
		return 1
	}

	// ── Formatters ────────────────────────────────────────────────────────
	formatters, err := buildFormatters(cfg)
	if err != nil {
		slog.Error("failed to build formatters", "error", err)
		return 1
	}

	metrics := observe.DefaultMetrics()

	wrk := worker.New(worker.Deps{
		Store:             st,
		Chat:              tg,
		Media:             media.NewPipeline(),
		Engine:            eng,
		Objects:           objectsOrNil(objects),
		Queue:             queueOrNil(jobQueue),
		Formatter:         formatters.standard,
		DialogueFormatter: formatters.dialogue,
		Backends:          formatters.backends,
		Metrics:           metrics,
	}, worker.Config{
		DiarizationThresholdSec: cfg.Limits.DiarizationThresholdSec,
		Visibility:              time.Duration(cfg.Limits.VisibilitySec) * time.Second,
		OrphanAge:               time.Duration(cfg.Limits.OrphanAgeMin) * time.Minute,
		AdminIDs:                cfg.Telegram.AdminIDs,
	})

	b := bot.New(bot.Deps{
		Store:  st,
		Chat:   tg,
		Runner: wrk,
		Queue:  queueOrNil(jobQueue),
		Drive:  drive.NewResolver(),
	}, bot.Config{
		SyncThresholdSec: cfg.Limits.SyncThresholdSec,
		RatePerSec:       cfg.Limits.RatePerSec,
		TrialMinutes:     cfg.Limits.TrialMinutes,
		AdminIDs:         cfg.Telegram.AdminIDs,
		PaymentToken:     cfg.Telegram.PaymentToken,
		WorkerURL:        cfg.Queue.WorkerURL,
	})

	checks := health.New(health.Checker{Name: "database", Check: st.Ping})
	srv := server.New(server.Deps{
		Bot:     b,
		Runner:  wrk,
		Objects: objectsOrNil(objects),
		Auth:    webauth.NewVerifier(cfg.Telegram.Token),
		Jobs:    st,
		Health:  checks,
		Metrics: metrics,
	}, server.Config{
		ComponentID: cfg.Server.ComponentID,
		Region:      cfg.Server.Region,
		Version:     version,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", cfg.Server.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	if jobQueue != nil {
		g.Go(func() error {
			if err := wrk.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("worker: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		wrk.RunSweeper(gctx, sweepInterval)
		return nil
	})

	slog.Info("steno ready", "addr", cfg.Server.ListenAddr)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("shutting down after error", "error", err)
		return 1
	}
	slog.Info("steno stopped")
	return 0
}

// buildEngine wires the recognition provider and the optional alternate
// diarizers into the engine.
func buildEngine(cfg *config.Config) (*engine.Engine, error) {
	p := cfg.Providers
	if p.ASR.Name != "" && p.ASR.Name != "dashscope" {
		return nil, fmt.Errorf("unknown asr provider %q", p.ASR.Name)
	}

	var dsOpts []dashscope.Option
	if p.ASR.BaseURL != "" {
		dsOpts = append(dsOpts, dashscope.WithBaseURL(p.ASR.BaseURL))
	}
	if p.ASR.Model != "" {
		dsOpts = append(dsOpts, dashscope.WithRecognitionModel(p.ASR.Model))
	}
	ds, err := dashscope.NewClient(p.ASR.APIKey, dsOpts...)
	if err != nil {
		return nil, err
	}

	opts := []engine.Option{
		engine.WithLanguage(p.Language),
		engine.WithModels(p.SpeakerModel, p.TextModel),
	}
	if d := buildDiarizers(p.Diarizers); d != nil {
		opts = append(opts, engine.WithDiarizer(d))
	}
	return engine.New(ds, ds, media.NewPipeline(), opts...), nil
}

// buildDiarizers chains the configured one-call diarizers behind circuit
// breakers; nil when none are configured.
func buildDiarizers(entries []config.ProviderEntry) asr.Diarizer {
	var chain *resilience.DiarizerFallback
	for _, e := range entries {
		d, err := buildDiarizer(e)
		if err != nil {
			slog.Warn("skipping diarizer", "name", e.Name, "error", err)
			continue
		}
		if chain == nil {
			chain = resilience.NewDiarizerFallback(e.Name, d)
		} else {
			chain.Add(e.Name, d)
		}
	}
	if chain == nil {
		return nil
	}
	return chain
}

func buildDiarizer(e config.ProviderEntry) (asr.Diarizer, error) {
	switch e.Name {
	case "deepgram":
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(e.BaseURL))
		}
		return deepgram.New(e.APIKey, opts...)
	default:
		return nil, fmt.Errorf("unknown diarizer provider %q", e.Name)
	}
}

type formatterSet struct {
	standard worker.Formatter
	dialogue worker.Formatter
	backends map[string]worker.Formatter
}

// buildFormatters assembles the formatter stack: the primary LLM with the
// fallback chained after it for regular transcripts, the fallback provider
// first for dialogues (it handles turn structure better), and per-provider
// formatters for the llm_backend user override.
func buildFormatters(cfg *config.Config) (*formatterSet, error) {
	p := cfg.Providers
	if p.LLM.Name == "" {
		slog.Warn("no llm provider configured, transcripts are delivered raw")
		return &formatterSet{}, nil
	}

	primary, err := buildLLM(p.LLM)
	if err != nil {
		return nil, err
	}

	set := &formatterSet{backends: map[string]worker.Formatter{
		p.LLM.Name: format.New(primary),
	}}

	if p.LLMFallback.Name == "" {
		set.standard = format.New(primary)
		set.dialogue = set.standard
		return set, nil
	}

	secondary, err := buildLLM(p.LLMFallback)
	if err != nil {
		return nil, err
	}
	set.backends[p.LLMFallback.Name] = format.New(secondary)

	std := resilience.NewLLMFallback(p.LLM.Name, primary)
	std.Add(p.LLMFallback.Name, secondary)
	set.standard = format.New(std)

	dlg := resilience.NewLLMFallback(p.LLMFallback.Name, secondary)
	dlg.Add(p.LLM.Name, primary)
	set.dialogue = format.New(dlg)

	return set, nil
}

func buildLLM(e config.ProviderEntry) (llm.Provider, error) {
	switch e.Name {
	case "qwen":
		var opts []qwen.Option
		if e.BaseURL != "" {
			opts = append(opts, qwen.WithBaseURL(e.BaseURL))
		}
		return qwen.New(e.APIKey, e.Model, opts...)
	case "openai":
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		return openai.New(e.APIKey, e.Model, opts...)
	default:
		// Everything else goes through the any-llm bridge, with the entry
		// name as the any-llm provider id.
		return anyllm.New(e.Name, e.Model)
	}
}

// objectsOrNil avoids a typed-nil interface when the bucket is not
// configured.
func objectsOrNil(s *objstore.Store) worker.ObjectStore {
	if s == nil {
		return nil
	}
	return s
}

func queueOrNil(q *queue.Queue) interface {
	worker.Jobs
	bot.Publisher
} {
	if q == nil {
		return nil
	}
	return q
}
