package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/hms-dev/warden/pkg/config"
	"github.com/hms-dev/warden/pkg/feeds"
	"github.com/hms-dev/warden/pkg/gateway"
	"github.com/hms-dev/warden/pkg/health"
	"github.com/hms-dev/warden/pkg/planner"
	"github.com/hms-dev/warden/pkg/store"
	"github.com/hms-dev/warden/pkg/telemetry"
	"github.com/hms-dev/warden/pkg/verify"
)

var (
	configPath = flag.String("config", "warden.yaml", "Config file path")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	dbPath     = flag.String("db", "", "Database path (overrides config)")
	Version    = "dev"
)

// Server wires the gateway into the HTTP transport.
type Server struct {
	gw      *gateway.Gateway
	cfg     *config.Config
	limiter *RateLimiter
	logger  zerolog.Logger
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := baseLogger(false, "info")
		bootLogger.Fatal().Err(err).Msg("Failed to load config")
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *dbPath != "" {
		cfg.Server.DBPath = *dbPath
	}
	logger := baseLogger(cfg.Logging.JSON, cfg.Logging.Level)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid config")
	}

	logger.Info().Str("version", Version).Msg("Warden server starting")

	if cfg.Tracing.Endpoint != "" || cfg.Tracing.LogSpans {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		provider, err := telemetry.SetupTracing(ctx, "warden-server", Version, cfg.Tracing)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to set up tracing")
		}
		defer provider.Shutdown(context.Background())
	}

	db, err := store.Open(cfg.Server.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open store")
	}

	srv, err := newServer(db, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build server")
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), withRequestContext(logger))
	srv.registerRoutes(r)

	logger.Info().Str("listen", cfg.Server.Listen).Msg("Listening")
	if err := r.Run(cfg.Server.Listen); err != nil {
		logger.Fatal().Err(err).Msg("Server exited")
	}
}

// newServer loads the external feeds and composes the engines behind the
// gateway. A missing feed file degrades to an empty feed.
func newServer(db *store.Store, cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	meta, err := feeds.LoadMetadata(cfg.Feeds.MetadataPath)
	if err != nil {
		return nil, err
	}
	owners, err := feeds.LoadOwners(cfg.Feeds.OwnersPath)
	if err != nil {
		return nil, err
	}
	pool, err := feeds.LoadQuestions(cfg.Feeds.QuestionsPath)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("components", len(meta)).Int("owners", len(owners)).
		Int("pool", len(pool)).Msg("Feeds loaded")

	engine := verify.NewEngine(db, meta, pool, cfg.Verification, logger)
	tracker := health.NewTracker(db, cfg.Health, logger)
	plan := planner.New(db, owners, cfg.Planner, logger)

	return &Server{
		gw:      gateway.New(engine, tracker, plan, db, logger),
		cfg:     cfg,
		limiter: NewRateLimiter(),
		logger:  logger,
	}, nil
}

func baseLogger(jsonOut bool, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if jsonOut {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}
