package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/vendcash/collections_backend/config"
	"github.com/vendcash/collections_backend/handlers"
	"github.com/vendcash/collections_backend/middlewares"
	"github.com/vendcash/collections_backend/models"
	"github.com/vendcash/collections_backend/utils"
	"github.com/vendcash/collections_backend/workflow"
)

const (
	defaultPort     = "8080"
	shutdownTimeout = 30 * time.Second
)

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
}

// newCollectionWorkflow wires the engine to MySQL, Redis and Pub/Sub.
func newCollectionWorkflow(logger *logrus.Logger) (*workflow.CollectionWorkflow, *workflow.Notifier, *models.MachineRegistry) {
	db := config.GetDB()
	settings := config.LoadCollectionSettings()

	var publisher workflow.EventPublisher
	if topic := config.CollectionEventsTopic(); topic != "" {
		ensureEventsTopic(logger, topic)
		publisher = workflow.NewPubSubEventPublisher(topic)
	} else {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Warn("COLLECTION_EVENTS_TOPIC not set; collection events are not published")
	}
	notifier := workflow.NewNotifier(workflow.NewRedisCacheInvalidator(config.GetRedisDB()), publisher, logger)

	opts := []workflow.Option{
		workflow.WithSettings(settings),
		workflow.WithLogger(logger),
	}
	if locker := config.GetRedisLock(); locker != nil {
		opts = append(opts, workflow.WithCreationLock(workflow.NewRedisCreationLock(locker, settings.CreationLockTTL, logger)))
	}

	machines := models.NewMachineRegistry(db)
	return workflow.NewCollectionWorkflow(models.NewCollectionStore(db), machines, notifier, opts...), notifier, machines
}

// ensureEventsTopic creates the events topic on first boot. Publishing still
// works against a pre-provisioned topic when this fails.
func ensureEventsTopic(logger *logrus.Logger, topic string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	client, err := config.GetPubSubClient(ctx)
	if err == nil {
		_, err = config.CreateTopicIfNotExists(client, topic)
	}
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "pubsub", "topic": topic}).WithError(err).Warn("could not ensure events topic")
	}
}

// newCorsConfig allows every origin outside production. Production serves only
// CORS_ALLOWED_ORIGINS (comma-separated) and denies cross-origin calls when it is empty.
func newCorsConfig(production bool, allowedOrigins string) cors.Config {
	corsConfig := cors.DefaultConfig()
	if production {
		corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		if len(corsConfig.AllowOrigins) == 0 {
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", middlewares.HeaderUserId, middlewares.HeaderUserName,
		middlewares.HeaderUserRole, middlewares.HeaderCorrelationId)
	corsConfig.AddExposeHeaders("Content-Length", middlewares.HeaderCorrelationId)
	return corsConfig
}

// newRouter mounts the collection API behind the shared middleware chain.
func newRouter(engine handlers.CollectionService, machines middlewares.MachineResolver, logger *logrus.Logger) *gin.Engine {
	production := strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production")
	if production {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(cors.New(newCorsConfig(production, os.Getenv("CORS_ALLOWED_ORIGINS"))))
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(middlewares.AuthMiddleware())
	if rl := middlewares.RateLimitConfigFromEnv(); rl.Enabled {
		if rdb := config.GetRedisDB(); rdb != nil {
			r.Use(middlewares.RateLimitMiddleware(rdb, rl, logger))
		}
	}
	r.Use(middlewares.LoaderMiddleware(machines))
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	handlers.NewCollectionHandler(engine, logger).RegisterRoutes(r)
	r.NoRoute(customNotFoundHandler)
	return r
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	if sqlDB, err := config.GetDB().DB(); err == nil {
		defer sqlDB.Close()
	}

	// AutoMigrate runs DDL; allow running it as a separate job instead.
	if strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	} else {
		models.MigrateTable()
	}

	engine, notifier, machines := newCollectionWorkflow(logger)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: newRouter(engine, machines, logger),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()
	logger.WithFields(logrus.Fields{"field": "http", "port": port}).Info("collections server started")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).WithError(err).Error("server stopped unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).WithError(err).Error("graceful shutdown failed")
	}
	// Let detached notifications finish before the clients go away.
	notifier.Wait()

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger logs requests that finished with gin errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			ctx := c.Request.Context()
			cid, _ := utils.GetCorrelationIdFromContext(ctx)
			userId, _ := utils.GetUserIdFromContext(ctx)
			userName, _ := utils.GetUserNameFromContext(ctx)
			logger.WithFields(logrus.Fields{
				"correlation_id": cid,
				"user_id":        userId,
				"user_name":      userName,
				"path":           c.FullPath(),
			}).Error(c.Errors.String())
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
