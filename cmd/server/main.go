// Listener server - orchestrates audio capture, the VAD-gated utterance
// pipeline, and the Control API's HTTP/WebSocket surface.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jarvin-ai/listener/internal/capability"
	"github.com/jarvin-ai/listener/internal/config"
	"github.com/jarvin-ai/listener/internal/httpapi"
	"github.com/jarvin-ai/listener/internal/listener"
	"github.com/jarvin-ai/listener/internal/livestate"
	"github.com/jarvin-ai/listener/internal/persistence"
	"github.com/jarvin-ai/listener/internal/pipeline"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)

	// Real ASR/LLM/TTS backends are out of scope (spec Non-goals); each
	// capability is a lazily-initialized Null implementation wrapped in
	// the same retry+breaker guard a real backend would get, so swapping
	// one in later requires no change to listener or pipeline wiring.
	asrOnce := capability.NewLazy(func() (capability.ASR, error) { return capability.NullASR{}, nil })
	llmOnce := capability.NewLazy(func() (capability.LLM, error) { return capability.NullLLM{}, nil })
	ttsOnce := capability.NewLazy(func() (capability.TTS, error) { return capability.NullTTS{}, nil })

	asr, err := asrOnce.Get()
	if err != nil {
		slog.Error("asr initialization failed", "error", err)
		os.Exit(1)
	}
	llm, err := llmOnce.Get()
	if err != nil {
		slog.Error("llm initialization failed", "error", err)
		os.Exit(1)
	}
	tts, err := ttsOnce.Get()
	if err != nil {
		slog.Error("tts initialization failed", "error", err)
		os.Exit(1)
	}

	guardedASR := capability.NewGuardedASR(asr)
	guardedLLM := capability.NewGuardedLLM(llm)
	guardedTTS := capability.NewGuardedTTS(tts)

	store := persistence.NewStore(0, persistence.NoopSink{})
	defer store.Close()

	live := livestate.New()
	processor := pipeline.New(guardedASR, guardedLLM, guardedTTS, cfg.WAV, cfg.Audio.TempDir)

	newListener := func() *listener.Listener {
		return listener.New(cfg, processor, guardedASR, store, live)
	}

	srv := httpapi.New(cfg, live, store, processor, guardedASR, newListener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start the orchestrator automatically at boot, honoring the
	// configured startup delay (manual /start and /audio/select?restart
	// calls instead pass 0, since the delay only exists to let the
	// capture device settle once per process lifetime).
	startupListener := newListener()
	go func() {
		delay := time.Duration(cfg.Server.InitialListenerDelaySec * float64(time.Second))
		if err := startupListener.Run(ctx, delay); err != nil {
			slog.Error("listener run error", "error", err)
		}
	}()

	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("listener server starting", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		slog.Info("shutdown signal received")
	case <-srv.ShutdownRequested():
		slog.Info("shutdown requested via control api")
	}

	startupListener.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warning", "warn":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
