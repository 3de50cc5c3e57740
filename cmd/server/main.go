package main

import (
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/chat-relay/internal/config"
	"github.com/adred-codev/chat-relay/internal/monitoring"
	"github.com/adred-codev/chat-relay/internal/server"
	"github.com/adred-codev/chat-relay/internal/store"
	"github.com/adred-codev/chat-relay/internal/types"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Bootstrap logger so config loading has somewhere to report. Replaced
	// below once the configured level and format are known.
	bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  types.LogLevelInfo,
		Format: types.LogFormatJSON,
	})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logCfg := monitoring.LoggerConfig{
		Level:  types.LogLevel(cfg.LogLevel),
		Format: types.LogFormat(cfg.LogFormat),
	}
	logger := monitoring.NewLogger(logCfg)
	monitoring.InitGlobalLogger(logCfg)

	// automaxprocs has already clamped GOMAXPROCS to the container CPU
	// limit; log the effective value for capacity planning.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.LogConfig(logger)

	st, err := store.NewRedisStore(store.RedisConfig{
		ChannelURL: cfg.ChannelRedisURL,
		SharedURL:  cfg.MessageRedisURL,
		DefaultTTL: cfg.SessionTTL(),
		MaxHistory: cfg.MaxHistory,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to configure session store")
	}

	srv := server.New(cfg, st, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, os.Interrupt)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Termination signal received")

	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Shutdown completed with errors")
	}

	// Exit 0 even when the drain hit the hard deadline; a nonzero status
	// is reserved for configuration and bind failures.
	os.Exit(0)
}
