package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/windsayl/internal/auth"
	"github.com/MarcoPoloResearchLab/windsayl/internal/config"
	"github.com/MarcoPoloResearchLab/windsayl/internal/database"
	"github.com/MarcoPoloResearchLab/windsayl/internal/events"
	"github.com/MarcoPoloResearchLab/windsayl/internal/logging"
	"github.com/MarcoPoloResearchLab/windsayl/internal/notifications"
	"github.com/MarcoPoloResearchLab/windsayl/internal/server"
	"github.com/MarcoPoloResearchLab/windsayl/internal/storage"
	"github.com/MarcoPoloResearchLab/windsayl/internal/triggers"
	"github.com/MarcoPoloResearchLab/windsayl/internal/users"
	"github.com/MarcoPoloResearchLab/windsayl/internal/waves"
)

const natsClientName = "windsayl-api"

// application holds the wired services shared by the API server and the trigger worker.
type application struct {
	config        config.AppConfig
	logger        *zap.Logger
	db            *gorm.DB
	bus           events.Bus
	redis         *redis.Client
	waves         *waves.Service
	notifications *notifications.Service
}

func newApplication(appConfig config.AppConfig) (*application, error) {
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	bus, err := openEventBus(appConfig, logger)
	if err != nil {
		closeDatabase(db, logger)
		return nil, err
	}

	app, err := newServices(appConfig, logger, db, bus)
	if err != nil {
		partial := &application{logger: logger, db: db, bus: bus}
		partial.Close()
		return nil, err
	}
	return app, nil
}

func newServices(appConfig config.AppConfig, logger *zap.Logger, db *gorm.DB, bus events.Bus) (*application, error) {
	waveService, err := waves.NewService(waves.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: waves.NewUUIDProvider(),
		Publisher:  bus,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	notificationService, err := notifications.NewService(notifications.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &application{
		config:        appConfig,
		logger:        logger,
		db:            db,
		bus:           bus,
		waves:         waveService,
		notifications: notificationService,
	}, nil
}

func openEventBus(appConfig config.AppConfig, logger *zap.Logger) (events.Bus, error) {
	if appConfig.NATSURL == "" {
		logger.Info("event bus running in process")
		return events.NewLocalBus(logger), nil
	}
	return events.NewNATSBus(events.NATSConfig{
		URL:        appConfig.NATSURL,
		ClientName: natsClientName,
		MaxDeliver: appConfig.EventsMaxDeliver,
		AckWait:    appConfig.EventsAckWait,
		Logger:     logger,
	})
}

func (a *application) profileCache(ctx context.Context) (users.ProfileCache, error) {
	if a.config.RedisAddress == "" {
		return users.NewMemoryCache(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.config.RedisAddress,
		Password: a.config.RedisPassword,
		DB:       a.config.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", a.config.RedisAddress, err)
	}
	a.redis = client
	a.logger.Info("profile cache connected", zap.String("address", a.config.RedisAddress))
	return users.NewRedisCache(client, a.config.RedisTTL)
}

func (a *application) registerTriggers(notifier triggers.Notifier) error {
	documentTriggers, err := triggers.New(triggers.Config{
		Waves:         a.waves,
		Notifications: a.notifications,
		Notifier:      notifier,
		Clock:         time.Now,
		Logger:        a.logger,
	})
	if err != nil {
		return err
	}
	return documentTriggers.Register(a.bus)
}

func (a *application) Close() {
	if err := a.bus.Close(); err != nil {
		a.logger.Warn("event bus close failed", zap.Error(err))
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	closeDatabase(a.db, a.logger)
	_ = a.logger.Sync()
}

func closeDatabase(db *gorm.DB, logger *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.Warn("database close failed", zap.Error(err))
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := loadConfig()
	if err != nil {
		return err
	}
	app, err := newApplication(appConfig)
	if err != nil {
		return err
	}
	defer app.Close()
	logger := app.logger

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	accounts, err := auth.NewAccounts(auth.AccountsConfig{
		Database:   app.db,
		IDProvider: waves.NewUUIDProvider(),
		Cost:       appConfig.BcryptCost,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}
	bucket, err := storage.NewBucket(storage.BucketConfig{
		Fs:        afero.NewOsFs(),
		Root:      appConfig.StorageRoot,
		PublicURL: appConfig.StoragePublicURL,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	cache, err := app.profileCache(signalCtx)
	if err != nil {
		return err
	}
	userService, err := users.NewService(users.ServiceConfig{
		Database:              app.db,
		Accounts:              accounts,
		Tokens:                tokenIssuer,
		Waves:                 app.waves,
		Notifications:         app.notifications,
		Bucket:                bucket,
		IDProvider:            waves.NewUUIDProvider(),
		Cache:                 cache,
		Publisher:             app.bus,
		DefaultDisplayPicture: appConfig.DefaultDisplayPicture,
		Clock:                 time.Now,
		Logger:                logger,
	})
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher()
	if appConfig.RunTriggers {
		if err := app.registerTriggers(realtime); err != nil {
			return err
		}
		logger.Info("document triggers registered in process")
	}

	limiter := server.NewRateLimiter(appConfig.AuthRatePerMinute, time.Minute)
	limiter.Start()
	defer limiter.Stop()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:          tokenIssuer,
		Users:           userService,
		Waves:           app.waves,
		Notifications:   app.notifications,
		Media:           bucket,
		Realtime:        realtime,
		AuthRateLimiter: limiter,
		AllowedOrigins:  appConfig.AllowedOrigins,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
		defer cancel()
		logger.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runTriggerWorker consumes the shared stream without serving HTTP. Streams are
// owned by API processes, so notifications created here are not pushed live.
func runTriggerWorker(ctx context.Context) error {
	appConfig, err := loadConfig()
	if err != nil {
		return err
	}
	if appConfig.NATSURL == "" {
		return errNoEventBus
	}
	app, err := newApplication(appConfig)
	if err != nil {
		return err
	}
	defer app.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.registerTriggers(nil); err != nil {
		return err
	}
	app.logger.Info("trigger worker running", zap.String("nats_url", appConfig.NATSURL))
	<-signalCtx.Done()
	app.logger.Info("trigger worker stopping")
	return nil
}
