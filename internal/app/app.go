// Package app wires configuration, storage and the HTTP surface into a runnable server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/access"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/authz"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/billing"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/config"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/db"
	relayhttp "github.com/router-for-me/CLIProxyAPIMetering/internal/http"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/http/api/admin"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/http/api/front"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/ledger"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/logging"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/metrics"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/modelregistry"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/orders"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/quota"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/reconciler"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/scheduler"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/settings"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/usage"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	conf, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}
	conn, err := openDB(conf)
	if err != nil {
		return err
	}
	defer closeDB(conn)
	if errMigrate := db.Migrate(conn.WithContext(ctx)); errMigrate != nil {
		return errMigrate
	}
	log.Info("migrations applied")
	return nil
}

// Components are the wired metering services behind the HTTP surface.
type Components struct {
	DB         *gorm.DB
	Metrics    *metrics.Metrics
	Store      *quota.Store
	Ledger     *ledger.Recorder
	Resolver   *billing.Resolver
	Users      *access.DBUsers
	Models     *modelregistry.Store
	Manager    *authz.Manager
	Engine     *usage.Engine
	Reconciler *reconciler.Reconciler
	Retention  *usage.RetentionCleaner
	Orders     *orders.Service
}

// Build wires every metering component on conn.
func Build(conn *gorm.DB, conf *config.Config, cache billing.Cache) *Components {
	m := metrics.New()
	store := quota.NewStore(conn)
	resolverOpts := []billing.ResolverOption{
		billing.WithTTL(conf.Metering.PriceCacheTTL),
		billing.WithMemberships(billing.NewGormMemberships(conn)),
		billing.WithMetrics(m),
	}
	if cache != nil {
		resolverOpts = append(resolverOpts, billing.WithCache(cache))
	}
	resolver := billing.NewResolver(conn, resolverOpts...)
	users := access.NewDBUsers(conn)
	models := modelregistry.NewStore(conn)
	manager := authz.NewManager(store, resolver, users, models,
		authz.WithTTL(conf.Metering.AuthorizationTTL),
		authz.WithMetrics(m),
	)
	return &Components{
		DB:         conn,
		Metrics:    m,
		Store:      store,
		Ledger:     ledger.NewRecorder(conn),
		Resolver:   resolver,
		Users:      users,
		Models:     models,
		Manager:    manager,
		Engine:     usage.NewEngine(store, resolver, m),
		Reconciler: reconciler.New(store, manager, conf.Metering.ReconcileBatchSize, m),
		Retention:  usage.NewRetentionCleaner(conn, conf.Metering.RetentionInterval, conf.Metering.CallRecordRetentionDays, m),
		Orders:     orders.NewService(store, users, resolver),
	}
}

// NewRouter builds the gin engine with service, admin, health and metrics routes.
func NewRouter(c *Components, conf *config.Config) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), relayhttp.RequestLogger())
	front.RegisterMeteringRoutes(engine, front.Deps{
		ServiceToken: conf.Security.ServiceToken,
		Manager:      c.Manager,
		Engine:       c.Engine,
		Store:        c.Store,
		Ledger:       c.Ledger,
	})
	admin.RegisterAdminRoutes(engine, admin.Deps{
		AdminKeyHash: conf.Security.AdminKeyHash,
		DB:           c.DB,
		Manager:      c.Manager,
		Store:        c.Store,
		Orders:       c.Orders,
		Reconciler:   c.Reconciler,
		Resolver:     c.Resolver,
		Ledger:       c.Ledger,
		Users:        c.Users,
		Models:       c.Models,
		Metrics:      c.Metrics,
	})
	engine.NoRoute(func(ctx *gin.Context) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "route not found"})
	})
	return engine
}

// RunServer boots the metering server and blocks until ctx is cancelled.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	conf, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}
	logCloser, err := logging.Setup(conf.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()
	gin.SetMode(conf.Server.GinMode)

	conn, err := openDB(conf)
	if err != nil {
		return err
	}
	defer closeDB(conn)
	if conf.Database.AutoMigrate {
		if errMigrate := db.Migrate(conn); errMigrate != nil {
			return errMigrate
		}
	}

	if errRefresh := settings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		log.WithError(errRefresh).Warn("settings: initial load failed, using file defaults")
	}
	settings.NewRefresher(conn, conf.Metering.SettingsRefresh).Start(ctx)

	cache, redisClient := openPriceCache(ctx, conf.Redis)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	components := Build(conn, conf, cache)
	if errLoad := components.Models.Load(ctx); errLoad != nil {
		return fmt.Errorf("load model registry: %w", errLoad)
	}

	jobs := scheduler.New()
	if errJob := jobs.Every("reconcile", conf.Metering.ReconcileInterval, components.Reconciler.Job); errJob != nil {
		return errJob
	}
	retentionJob := func(jobCtx context.Context) { components.Retention.CleanupOnce(jobCtx) }
	if errJob := jobs.Every("call-record-retention", components.Retention.Interval(), retentionJob); errJob != nil {
		return errJob
	}
	jobs.Start(ctx)
	defer jobs.Stop()

	server := &http.Server{
		Addr:              conf.Server.Listen,
		Handler:           NewRouter(components, conf),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errServe := make(chan error, 1)
	go func() {
		log.Infof("metering server listening on %s", conf.Server.Listen)
		if errListen := server.ListenAndServe(); errListen != nil && !errors.Is(errListen, http.ErrServerClosed) {
			errServe <- errListen
		}
		close(errServe)
	}()

	select {
	case errListen := <-errServe:
		if errListen != nil {
			return fmt.Errorf("http server: %w", errListen)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
	defer cancel()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("http shutdown: %w", errShutdown)
	}
	log.Info("metering server stopped")
	return nil
}

func openDB(conf *config.Config) (*gorm.DB, error) {
	return db.Open(conf.Database.DSN, db.PoolConfig{
		MaxOpenConns:    conf.Database.MaxOpenConns,
		MaxIdleConns:    conf.Database.MaxIdleConns,
		ConnMaxLifetime: conf.Database.ConnMaxLifetime,
	})
}

func closeDB(conn *gorm.DB) {
	if conn == nil {
		return
	}
	if sqlDB, errDB := conn.DB(); errDB == nil {
		_ = sqlDB.Close()
	}
}

// openPriceCache returns a Redis-backed price cache when Redis is configured and
// reachable. Otherwise it returns nil and the resolver keeps its in-memory cache.
func openPriceCache(ctx context.Context, cfg config.RedisConfig) (billing.Cache, *goredis.Client) {
	if !cfg.Enabled() {
		return nil, nil
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if errPing := client.Ping(pingCtx).Err(); errPing != nil {
		log.WithError(errPing).WithField("addr", cfg.Addr).Warn("redis unreachable, using in-memory price cache")
		_ = client.Close()
		return nil, nil
	}
	log.WithField("addr", cfg.Addr).Info("using redis price cache")
	return billing.NewRedisCache(client, billing.WithKeyPrefix(cfg.Prefix)), client
}
