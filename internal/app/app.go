package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/TelemetryHub/internal/analytics"
	"github.com/router-for-me/TelemetryHub/internal/automation"
	"github.com/router-for-me/TelemetryHub/internal/config"
	"github.com/router-for-me/TelemetryHub/internal/db"
	"github.com/router-for-me/TelemetryHub/internal/devicecontrol"
	"github.com/router-for-me/TelemetryHub/internal/hotstate"
	internalhttp "github.com/router-for-me/TelemetryHub/internal/http"
	"github.com/router-for-me/TelemetryHub/internal/ingestion"
	"github.com/router-for-me/TelemetryHub/internal/jobs"
	"github.com/router-for-me/TelemetryHub/internal/logging"
	"github.com/router-for-me/TelemetryHub/internal/metrics"
	"github.com/router-for-me/TelemetryHub/internal/retention"
	"github.com/router-for-me/TelemetryHub/internal/settings"
	"github.com/router-for-me/TelemetryHub/internal/transport/mqtt"
	"github.com/router-for-me/TelemetryHub/internal/transport/natsbus"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Load reads the configuration file, configures logging and opens the database.
// The returned closer flushes the log file.
func Load(cfg config.AppConfig) (config.Config, *gorm.DB, io.Closer, error) {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	conf, errLoad := config.Load(configPath)
	if errLoad != nil {
		return config.Config{}, nil, nil, errLoad
	}
	closer, errLog := logging.Setup(conf.Logging)
	if errLog != nil {
		return config.Config{}, nil, nil, errLog
	}
	if !config.ConfigExists(configPath) {
		log.Warnf("app: no config file at %s, using defaults", configPath)
	}
	conn, errOpen := db.OpenWithOptions(conf.Database.DSN, db.Options{MaxOpenConns: conf.Database.MaxOpenConns})
	if errOpen != nil {
		_ = closer.Close()
		return config.Config{}, nil, nil, errOpen
	}
	return conf, conn, closer, nil
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	_, conn, closer, errLoad := Load(cfg)
	if errLoad != nil {
		return errLoad
	}
	defer func() { _ = closer.Close() }()
	if errMigrate := db.Migrate(conn.WithContext(ctx)); errMigrate != nil {
		return errMigrate
	}
	log.Info("app: migrations applied")
	return nil
}

// runtime holds the long-lived connections opened by RunServer.
type runtime struct {
	bus   *natsbus.Bus
	mqtt  *mqtt.Client
	redis *redis.Client
	queue jobs.Queue
}

func (r *runtime) close() {
	if r.queue != nil {
		r.queue.Shutdown()
	}
	if r.mqtt != nil {
		r.mqtt.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.redis != nil {
		if errClose := r.redis.Close(); errClose != nil {
			log.WithError(errClose).Warn("app: close redis")
		}
	}
}

// RunServer boots ingestion, automation and the HTTP API, and blocks until ctx is cancelled.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	conf, conn, closer, errLoad := Load(cfg)
	if errLoad != nil {
		return errLoad
	}
	defer func() { _ = closer.Close() }()

	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	if errRefresh := settings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		return errRefresh
	}
	settings.NewRefresher(conn, 0).Start(ctx)
	flags := settings.NewFlags(conf)
	recorder := metrics.New()

	rt := &runtime{}
	defer rt.close()

	bus, errBus := connectNATS(conf)
	if errBus != nil {
		return errBus
	}
	rt.bus = bus

	hotState, errHotState := openHotState(ctx, conf, rt)
	if errHotState != nil {
		return errHotState
	}

	queueNames := jobs.QueueNames{Ingestion: conf.Ingestion.Queue, Automation: conf.Automation.Queue}
	queue, errQueue := jobs.New(conf.Queue, conf.Redis, queueNames, recorder)
	if errQueue != nil {
		return errQueue
	}
	rt.queue = queue
	bridge := jobs.NewBridge(queue, queueNames)

	resolver := ingestion.NewResolver(conn, conf.Ingestion.RegistryTTL)
	intake := ingestion.NewIntake(resolver, conf.Ingestion.Subject, bridge.EnqueueIngestion)

	// MQTT carries both inbound telemetry and outbound commands.
	var dispatcher *devicecontrol.Dispatcher
	if strings.TrimSpace(conf.MQTT.Broker) != "" {
		client, errMQTT := mqtt.Connect(ctx, conf.MQTT, intake.HandleMQTT)
		if errMQTT != nil {
			if conf.MQTT.Subscribe {
				return errMQTT
			}
			log.WithError(errMQTT).Warn("app: mqtt unavailable, device commands disabled")
		} else {
			rt.mqtt = client
			dispatcher = devicecontrol.NewDispatcher(conn, client, recorder)
		}
	}

	presence := devicecontrol.NewPresence(conn, conf.Presence)
	pipelineOpts := []ingestion.Option{ingestion.WithMetrics(recorder), ingestion.WithPresence(presence)}
	if hotState != nil {
		pipelineOpts = append(pipelineOpts, ingestion.WithHotState(hotState))
	}
	if bus != nil {
		pipelineOpts = append(pipelineOpts, ingestion.WithAnalytics(analytics.NewNatsPublisher(bus, conf.Ingestion.Subject)))
	}
	pipeline := ingestion.NewPipeline(conn, resolver, flags, pipelineOpts...)

	var commandDispatcher automation.CommandDispatcher
	if dispatcher != nil {
		commandDispatcher = dispatcher
	}
	executor := automation.NewExecutor(conn, commandDispatcher, flags)
	runner := automation.NewRunner(conn, executor, recorder)
	pipeline.AddListener(automation.NewListener(automation.NewMatcher(conn), bridge, flags))
	pipeline.AddListener(devicecontrol.NewFeedbackReconciler(conn, presence))

	jobs.RegisterHandlers(queue, pipeline, runner)
	if errStart := queue.Start(ctx); errStart != nil {
		return errStart
	}

	if bus != nil && conf.NATS.Subscribe {
		if errSub := bus.Subscribe(ctx, conf.Ingestion.Subject.Inbound, conf.NATS.QueueGroup, intake.HandleNATS); errSub != nil {
			return errSub
		}
	}

	automation.NewScheduler(conn, bridge, flags).Start(ctx)
	retention.NewStageLogCleaner(conn, flags, conf.Retention.Interval).Start(ctx)
	presence.Start(ctx)

	var stateReader hotstate.Reader
	if hotState != nil {
		stateReader = hotState
	}
	if conf.HTTP.Listen == "" {
		log.Info("app: http listener disabled")
		<-ctx.Done()
		return nil
	}
	if strings.EqualFold(conf.Logging.Level, "debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := internalhttp.NewRouter(internalhttp.Deps{
		DB:         conn,
		JWT:        conf.JWT,
		Metrics:    conf.Metrics,
		Recorder:   recorder,
		Sink:       bridge.EnqueueIngestion,
		HotState:   stateReader,
		Publisher:  automation.NewPublisher(conn),
		Dispatcher: dispatcher,
		Resolver:   resolver,
	})
	return serveHTTP(ctx, conf.HTTP, router)
}

func serveHTTP(ctx context.Context, cfg config.HTTPConfig, handler http.Handler) error {
	server := &http.Server{Addr: cfg.Listen, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("app: http listening on %s", cfg.Listen)
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- errServe
		}
		close(errCh)
	}()

	select {
	case errServe := <-errCh:
		if errServe != nil {
			return fmt.Errorf("app: http server: %w", errServe)
		}
		return nil
	case <-ctx.Done():
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("app: http shutdown: %w", errShutdown)
	}
	log.Info("app: http server stopped")
	return nil
}

// connectNATS dials NATS when subscription, analytics or hot state need it. A failure is fatal
// only when the subscription or the hot state depends on the connection.
func connectNATS(conf config.Config) (*natsbus.Bus, error) {
	required := conf.NATS.Subscribe || conf.HotState.Driver == config.HotStateDriverNATS
	wanted := required || conf.Ingestion.PublishAnalytics || conf.Ingestion.PublishInvalidEvents
	if !wanted || strings.TrimSpace(conf.NATS.URL) == "" {
		return nil, nil
	}
	bus, errConnect := natsbus.Connect(conf.NATS)
	if errConnect != nil {
		if required {
			return nil, errConnect
		}
		log.WithError(errConnect).Warn("app: nats unavailable, analytics publishing disabled")
		return nil, nil
	}
	return bus, nil
}

func openHotState(ctx context.Context, conf config.Config, rt *runtime) (hotstate.Store, error) {
	switch conf.HotState.Driver {
	case config.HotStateDriverMemory:
		return hotstate.NewMemoryStore(), nil
	case config.HotStateDriverNATS:
		if rt.bus == nil {
			return nil, fmt.Errorf("app: hot_state.driver nats requires a nats connection")
		}
		js, errJS := rt.bus.JetStream()
		if errJS != nil {
			return nil, errJS
		}
		return hotstate.OpenNatsKVStore(ctx, js, conf.HotState.Bucket, conf.HotState.TTL)
	case config.HotStateDriverRedis:
		client := redis.NewClient(&redis.Options{Addr: conf.Redis.Addr, Password: conf.Redis.Password, DB: conf.Redis.DB})
		if errPing := client.Ping(ctx).Err(); errPing != nil {
			_ = client.Close()
			return nil, fmt.Errorf("app: redis ping: %w", errPing)
		}
		rt.redis = client
		return hotstate.NewRedisStore(client, conf.HotState.KeyPrefix, conf.HotState.TTL), nil
	default:
		return nil, nil
	}
}
