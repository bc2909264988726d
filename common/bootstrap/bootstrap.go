package bootstrap

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/metalgrid/regiond/common/config"
	"github.com/metalgrid/regiond/common/db"
	"github.com/metalgrid/regiond/common/listener"
	"github.com/metalgrid/regiond/common/logger"
	redisWrapper "github.com/metalgrid/regiond/common/redis"
	"github.com/metalgrid/regiond/common/telemetry"
)

// Setup initializes all process components.
// This is the main entry point for every region process role.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	// Apply options
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(
			components.Config.Service.LogLevel,
			components.Config.Service.LogFormat,
		)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"role", components.Config.Service.Role,
		"environment", components.Config.Service.Environment,
	)

	// 3. Initialize database (if not skipped)
	if !options.skipDB {
		components.Logger.Info("connecting to database")
		components.DB, err = db.New(ctx, components.Config, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing database connection")
			components.DB.Close()
			return nil
		})
	}

	// 4. Initialize the notification listener (if not skipped). The
	// listener owns a dedicated connection separate from the pool.
	if !options.skipListener && components.DB != nil {
		components.Listener = listener.New(
			listener.PgDialer(components.Config.DatabaseURL()),
			listener.Options{
				DrainInterval:     components.Config.Intervals.NotificationDrain,
				ReconnectInterval: components.Config.Intervals.ListenerReconnect,
				AutoReconnect:     true,
			},
			components.Logger,
		)

		components.addCleanup(func() error {
			components.Logger.Info("stopping notification listener")
			return components.Listener.Stop(context.Background())
		})
	}

	// 5. Initialize redis (if not skipped)
	if !options.skipRedis {
		components.Logger.Info("connecting to redis",
			"addr", components.Config.Redis.Addr,
		)
		raw := goredis.NewClient(&goredis.Options{
			Addr:     components.Config.Redis.Addr,
			Password: components.Config.Redis.Password,
			DB:       components.Config.Redis.DB,
		})
		components.Redis = redisWrapper.NewClient(raw, components.Logger)

		components.addCleanup(func() error {
			components.Logger.Info("closing redis connection")
			return raw.Close()
		})
	}

	// 6. Initialize telemetry (if not skipped)
	if !options.skipTelemetry && components.Config.Telemetry.EnablePprof {
		components.Logger.Info("initializing telemetry")
		components.Telemetry = telemetry.New(
			components.Config.Telemetry.PprofPort,
			components.Logger,
		)

		if err := components.Telemetry.Start(ctx); err != nil {
			components.Logger.Warn("failed to start telemetry", "error", err)
			// Don't fail startup if telemetry fails
		}
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
		"listener", components.Listener != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error
// Useful for processes that can't recover from initialization failure
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}
