package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"mirai-compass/internal/catalog"
	"mirai-compass/internal/config"
	"mirai-compass/internal/core"
	httpserver "mirai-compass/internal/http"
	"mirai-compass/internal/llm"
	"mirai-compass/internal/logger"
	"mirai-compass/internal/metrics"
)

func main() {
	// Load configuration (file optional, env overrides)
	cfg, err := config.Load(os.Getenv("COMPASS_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	l := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logger.InitGlobal(l)

	// The questionnaire runs without a key; only the diagnosis is refused.
	if err := cfg.CheckCredentials(); err != nil {
		l.Error().Err(err).Msg("diagnosis requests will fail until an API key is set")
	}

	questions, err := catalog.Load(cfg.Conversation.CatalogPath)
	if err != nil {
		l.Fatal().Err(err).Str("path", cfg.Conversation.CatalogPath).Msg("failed to load question catalog")
	}

	llmClient := llm.NewOpenAIClient(cfg.LLM)
	l.Info().
		Bool("configured", llmClient.Configured()).
		Str("model", cfg.LLM.Model).
		Str("base_url", cfg.LLM.BaseURL).
		Msg("llm client ready")
	diagnosis := core.NewDiagnosisService(llmClient)

	var m *metrics.Metrics
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		m = metrics.New(prometheus.DefaultRegisterer)
		metricsHandler = promhttp.Handler()
	}

	ctrlLog := logger.Component(l, "controller")
	srvLog := logger.Component(l, "http")
	srv, err := httpserver.NewServer(httpserver.Config{
		Questions: questions,
		Requester: diagnosis,
		Controller: core.Options{
			GreetingDelay: cfg.Conversation.GreetingDelay,
			QuestionDelay: cfg.Conversation.QuestionDelay,
			Logger:        &ctrlLog,
			Metrics:       m,
		},
		MaxConversations: cfg.Server.MaxConversations,
		IdleTimeout:      cfg.Server.IdleTimeout,
		Metrics:          m,
		MetricsHandler:   metricsHandler,
		MetricsPath:      cfg.Metrics.Path,
		Logger:           &srvLog,
	})
	if err != nil {
		l.Fatal().Err(err).Msg("failed to construct server")
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.LogServerStart(l, cfg.Server.Addr, len(questions))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.LogServerShutdown(l)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("graceful shutdown failed")
	}
	srv.Close()
}
