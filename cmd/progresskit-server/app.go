package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	jsonfileAdapter "progresskit/adapters/jsonfile"
	mem "progresskit/adapters/memory"
	redisAdapter "progresskit/adapters/redis"
	sqlxAdapter "progresskit/adapters/sqlx"
	"progresskit/api/httpapi"
	"progresskit/config"
	"progresskit/core"
	"progresskit/engine"
	"progresskit/progress"
	"progresskit/realtime"
	"progresskit/remote"
)

// App aggregates the assembled server components.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Hub     *realtime.Hub
	Client  *progress.Client
	Handler http.Handler
	Server  *http.Server
}

func provideConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Environment == config.EnvProduction {
		if err := cfg.LoadSecretsFromEnv(ctx); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return setupLogging(cfg)
}

func provideHub() *realtime.Hub {
	return realtime.NewHub()
}

func provideStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.Storage, error) {
	return setupStorage(ctx, cfg, logger)
}

func provideClient(cfg *config.Config, hub *realtime.Hub, storage engine.Storage) (*progress.Client, error) {
	opts := []progress.Option{
		progress.WithStorage(storage),
		progress.WithRealtime(hub),
		progress.WithDispatchMode(engine.DispatchAsync),
	}

	trackerOpts := []engine.TrackerOption{
		engine.WithPushTimeout(cfg.Remote.PushTimeout),
	}
	for _, family := range core.Families() {
		trackerOpts = append(trackerOpts, engine.WithDefinitionTTL(family, cfg.Refresh.DefinitionTTL))
	}
	opts = append(opts, progress.WithTrackerOptions(trackerOpts...))

	if cfg.Remote.Enabled() {
		var gwOpts []remote.Option
		if cfg.Remote.APIKey != "" {
			gwOpts = append(gwOpts, remote.WithAPIKey(cfg.Remote.APIKey))
		}
		if cfg.Remote.AuthToken != "" {
			gwOpts = append(gwOpts, remote.WithAuthToken(cfg.Remote.AuthToken))
		}
		gw, err := remote.New(cfg.Remote.BaseURL, gwOpts...)
		if err != nil {
			return nil, fmt.Errorf("remote gateway: %w", err)
		}

		schedules, err := cfg.Refresh.Schedules()
		if err != nil {
			return nil, err
		}
		opts = append(opts, progress.WithGateway(gw), progress.WithSchedules(schedules))
	}

	return progress.New(opts...), nil
}

func provideHandler(client *progress.Client, hub *realtime.Hub, cfg *config.Config) http.Handler {
	return httpapi.NewMux(client.Tracker, hub, httpapi.Options{
		PathPrefix:       cfg.Server.PathPrefix,
		AllowCORSOrigin:  cfg.Server.CORSOrigin,
		APIKeys:          cfg.Security.APIKeys,
		RateLimitEnabled: cfg.Security.EnableRateLimit,
		RateLimitRPM:     cfg.Security.RateLimit.RequestsPerMinute,
		RateLimitBurst:   cfg.Security.RateLimit.BurstSize,
	})
}

func provideServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

// setupLogging configures the logger based on configuration.
func setupLogging(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	out := os.Stdout
	if cfg.Logging.Output == "stderr" {
		out = os.Stderr
	}

	switch cfg.Logging.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	if len(cfg.Logging.Attributes) > 0 {
		handler = handler.WithAttrs(convertAttributes(cfg.Logging.Attributes))
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// convertAttributes converts map[string]string to []slog.Attr.
func convertAttributes(attrs map[string]string) []slog.Attr {
	var result []slog.Attr
	for k, v := range attrs {
		result = append(result, slog.String(k, v))
	}
	return result
}

// setupStorage creates the appropriate storage adapter based on configuration.
func setupStorage(_ context.Context, cfg *config.Config, logger *slog.Logger) (engine.Storage, error) {
	switch cfg.Storage.Adapter {
	case "memory":
		return mem.New(), nil
	case "redis":
		return redisAdapter.New(cfg.Storage.Redis)
	case "sql":
		return sqlxAdapter.New(cfg.Storage.SQL)
	case "file":
		store, err := jsonfileAdapter.New(cfg.Storage.File.Path)
		if err != nil {
			if store == nil {
				return nil, err
			}
			// Corrupt state was quarantined; start fresh but say so.
			logger.Warn("persisted progress was unreadable, starting empty", "path", cfg.Storage.File.Path, "error", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage adapter: %s", cfg.Storage.Adapter)
	}
}
