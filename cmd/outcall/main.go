// Command outcall is the outbound voice-agent dialler server.
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
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mwhited/outcall/internal/agent"
	"github.com/mwhited/outcall/internal/api"
	"github.com/mwhited/outcall/internal/call"
	"github.com/mwhited/outcall/internal/carrier"
	"github.com/mwhited/outcall/internal/config"
	"github.com/mwhited/outcall/internal/costs"
	"github.com/mwhited/outcall/internal/dialer"
	"github.com/mwhited/outcall/internal/dialogue"
	"github.com/mwhited/outcall/internal/didpool"
	"github.com/mwhited/outcall/internal/llm/openai"
	"github.com/mwhited/outcall/internal/media"
	"github.com/mwhited/outcall/internal/observe"
	"github.com/mwhited/outcall/internal/recorder"
	"github.com/mwhited/outcall/internal/store"
	"github.com/mwhited/outcall/internal/stt/deepgram"
	"github.com/mwhited/outcall/internal/tts/elevenlabs"
	"github.com/mwhited/outcall/internal/webhook"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "outcall: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "outcall: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("outcall starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "outcall"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sdCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sdCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// Persistence.
	st, err := store.New(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		slog.Error("failed to connect to database", "err", err)
		return 1
	}
	defer st.Close()

	// Carrier and DID pool.
	telnyx, err := carrier.New(cfg.Telnyx.APIKey, cfg.Telnyx.ConnectionID)
	if err != nil {
		slog.Error("failed to create carrier client", "err", err)
		return 1
	}
	numbers := cfg.Agent.Numbers
	if len(numbers) == 0 {
		purchased, err := telnyx.ListPurchasedNumbers(ctx)
		if err != nil {
			slog.Error("failed to load purchased numbers", "err", err)
			return 1
		}
		for _, n := range purchased {
			numbers = append(numbers, n.PhoneNumber)
		}
	}
	pool := didpool.New(numbers)
	slog.Info("outbound number pool loaded", "numbers", pool.Size())

	// Providers.
	sttProvider, err := deepgram.New(cfg.STT.APIKey, deepgram.WithModel(cfg.STT.Model))
	if err != nil {
		slog.Error("failed to create stt provider", "err", err)
		return 1
	}
	synth, err := elevenlabs.New(cfg.TTS.APIKey, cfg.TTS.VoiceID,
		elevenlabs.WithModel(cfg.TTS.Model),
		elevenlabs.WithStreamingLatency(cfg.TTS.OptimizeStreamingLatency),
	)
	if err != nil {
		slog.Error("failed to create tts client", "err", err)
		return 1
	}
	llmProvider, err := openai.New(cfg.LLM.APIKey, cfg.LLM.Model, openai.WithTimeout(cfg.LLM.Timeout.Std()))
	if err != nil {
		slog.Error("failed to create llm provider", "err", err)
		return 1
	}

	// Per-call machinery.
	manager := call.NewManager()
	registry := call.NewRegistry()
	ledger := costs.NewLedger(costs.DefaultRates(), costs.WithSink(costSink{st}))
	rec := recorder.New(st, recorder.WithLeadChecker(leadChecker{st}))

	transferNumber := cfg.Agent.TransferNumber
	if cfg.Agent.VerifiedTransferNumber != "" {
		transferNumber = cfg.Agent.VerifiedTransferNumber
	}

	runtime := agent.New(agent.Config{
		Carrier:    telnyx,
		Store:      st,
		STT:        sttProvider,
		Synth:      synth,
		Transcoder: &media.FFmpegTranscoder{},
		Ledger:     ledger,
		Recorder:   rec,
		Metrics:    metrics,
		NewEngine: func(lead dialogue.Lead) *dialogue.Engine {
			return dialogue.New(llmProvider, lead)
		},
		TransferNumber: transferNumber,
		StreamURL:      streamURL(cfg.Server.PublicBaseURL),
	})

	dispatcher := dialer.New(dialer.Config{
		Registry: registry,
		Manager:  manager,
		Pool:     pool,
		Carrier:  telnyx,
		Store:    st,
		Hooks: dialer.Hooks{
			OnCallStart: runtime.OnCallStart,
			OnCallEnd:   runtime.OnCallEnd,
		},
		Metrics:            metrics,
		MaxConcurrentCalls: cfg.Agent.MaxConcurrentCalls,
		DelayBetweenCalls:  cfg.Agent.DelayBetweenCalls.Std(),
		CallTimeout:        cfg.Agent.CallTimeout.Std(),
		MaxAttempts:        cfg.Agent.MaxRetries,
	})

	// HTTP surface: operator API, carrier webhooks, media WebSocket, metrics.
	hooks := webhook.New(runtime, manager, st, webhook.WithMetrics(metrics))
	mediaServer := media.NewServer(runtime,
		media.WithMaxConns(2*cfg.Agent.MaxConcurrentCalls),
		media.WithServerLogger(logger),
	)
	apiServer := api.New(dispatcher, runtime, st, manager, registry, api.Settings{
		MaxConcurrentCalls: cfg.Agent.MaxConcurrentCalls,
		DelayBetweenCalls:  cfg.Agent.DelayBetweenCalls.Std(),
		TransferNumber:     transferNumber,
	}, logger)

	root := chi.NewRouter()
	root.Use(middleware.RequestID)
	root.Mount("/api", apiServer.Routes())
	root.Method(http.MethodPost, "/webhooks/telnyx", hooks)
	root.Get("/stream", mediaServer.HandleStream)
	root.Handle("/metrics", promhttp.Handler())
	root.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Server.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
	case err := <-errCh:
		slog.Error("server error", "err", err)
		return 1
	}

	// Stop dialling, end live calls, then drain the HTTP server.
	dispatcher.Shutdown()
	manager.CancelAll()
	dispatcher.Wait()

	sdCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sdCtx); err != nil {
		slog.Error("server shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// streamURL derives the carrier-facing media WebSocket URL from the public
// base URL.
func streamURL(base string) string {
	ws := strings.Replace(base, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)
	return strings.TrimSuffix(ws, "/") + "/stream"
}

// costSink adapts the store to the ledger's persistence interface.
type costSink struct {
	st *store.Store
}

func (c costSink) PersistCost(ctx context.Context, snap costs.Snapshot) error {
	return c.st.UpsertCost(ctx, store.CostRow{
		CallID:      snap.CallID,
		Total:       snap.Total,
		Breakdown:   snap.Breakdown,
		LLMAPICalls: snap.LLMAPICalls,
		Transferred: snap.Transferred,
	})
}

// leadChecker adapts the store to the recorder's phone validator.
type leadChecker struct {
	st *store.Store
}

func (l leadChecker) KnownLeadPhone(ctx context.Context, digits string) bool {
	_, err := l.st.LeadByPhone(ctx, digits)
	return err == nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
