package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"voicepipe/config"
	"voicepipe/orchestrator"
	"voicepipe/providers"
	"voicepipe/server"
	"voicepipe/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := zap.NewProduction()
	if err != nil {
		panic("failed to build logger: " + err.Error())
	}
	defer logger.Sync()

	store := session.NewStore(cfg, logger)

	deps, err := buildDeps(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build collaborators", zap.Error(err))
	}

	opts := orchestrator.Options{
		STTTimeout:      cfg.STTTimeout,
		LLMTimeout:      cfg.LLMTimeout,
		TTSTimeout:      cfg.TTSTimeout,
		LookupTimeout:   cfg.LookupTimeout,
		SynthQueueDepth: cfg.SynthQueueDepth,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go store.StartEvictionLoop(ctx)

	srv := server.New(cfg, store, deps, opts, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

// buildDeps wires the external collaborators from configuration.
func buildDeps(cfg *config.Config, logger *zap.Logger) (orchestrator.Deps, error) {
	deps := orchestrator.Deps{
		STT:    providers.NewWhisperClient(cfg.STTEndpoint, cfg.STTTimeout),
		TTS:    providers.NewSpeechClient(cfg.TTSEndpoint, cfg.TTSTimeout),
		Lookup: providers.NewRecordClient(cfg.LookupEndpoint, cfg.LookupTimeout),
	}

	switch cfg.LLMProvider {
	case "gemini":
		completer, err := providers.NewGeminiCompleter(context.Background(), cfg.GeminiAPIKey, cfg.GeminiModel, logger)
		if err != nil {
			return orchestrator.Deps{}, err
		}
		deps.LLM = completer
	default:
		deps.LLM = providers.NewChatCompleter(cfg.LLMEndpoint, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout, logger)
	}
	return deps, nil
}
