package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/tc_backend/config"
	"bitbucket.org/mmdatafocus/tc_backend/middlewares"
	"bitbucket.org/mmdatafocus/tc_backend/models"
	"bitbucket.org/mmdatafocus/tc_backend/utils"
	"bitbucket.org/mmdatafocus/tc_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// serverOptions holds the HTTP settings read from the environment.
type serverOptions struct {
	Production     bool
	AllowedOrigins []string
	// RateLimit 0 disables the limiter.
	RateLimit  int64
	RateWindow time.Duration
}

// optionsFromEnv reads GO_ENV, CORS_ALLOWED_ORIGINS and RATE_LIMIT_*.
func optionsFromEnv() serverOptions {
	opts := serverOptions{
		Production:     strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production"),
		AllowedOrigins: splitAndTrim(os.Getenv("CORS_ALLOWED_ORIGINS")),
		RateWindow:     time.Minute,
	}
	if envTrue("RATE_LIMIT_ENABLED") {
		opts.RateLimit = 600
		if n, err := strconv.ParseInt(strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")), 10, 64); err == nil && n > 0 {
			opts.RateLimit = n
		}
		if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS"))); err == nil && n > 0 {
			opts.RateWindow = time.Duration(n) * time.Second
		}
	}
	return opts
}

func envTrue(key string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "true")
}

// corsConfig allows every origin outside production. Production serves only
// the configured allowlist, which may be empty.
func corsConfig(opts serverOptions) cors.Config {
	cfg := cors.DefaultConfig()
	if opts.Production {
		cfg.AllowOrigins = opts.AllowedOrigins
		if len(cfg.AllowOrigins) == 0 {
			cfg.AllowOriginFunc = func(string) bool { return false }
		}
		cfg.AllowCredentials = true
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	cfg.AddAllowHeaders("Origin", "Content-Type", middlewares.HeaderUserId, middlewares.HeaderCorrelationId, headerIdempotencyKey)
	cfg.AddExposeHeaders("Content-Length", "Content-Disposition", middlewares.HeaderCorrelationId)
	return cfg
}

func newRouter(logger *logrus.Logger, issuer *workflow.CertificateIssuer, opts serverOptions) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	// registered before the readiness gate so health checks pass during startup
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.Use(func(c *gin.Context) {
		if config.GetDB() == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "starting up"})
			return
		}
		c.Next()
	})
	r.Use(cors.New(corsConfig(opts)))
	r.Use(middlewares.SessionMiddleware())
	if opts.RateLimit > 0 {
		r.Use(middlewares.RateLimitMiddleware(config.GetRedisDB, opts.RateLimit, opts.RateWindow))
	}
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	api := r.Group("/api", middlewares.AuthMiddleware())
	registerRoutes(api, issuer)
	r.POST("/internal/ops/outbox/replay", middlewares.AuthMiddleware(models.RoleNameAdmin), outboxReplayHandler())
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found", "kind": utils.ErrorKindNotFound})
	})
	return r
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	logger := config.GetLogger()
	serverLog := logger.WithField("field", "server")

	// Cloud Run sends SIGTERM on revision shutdown.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	store, err := utils.NewBlobStoreFromEnv(sigCtx)
	if err != nil {
		serverLog.Fatal("blob store: " + err.Error())
	}
	issuer := workflow.NewCertificateIssuer(store, workflow.SpreadsheetRenderer{})

	// Listen before connecting so the startup health check passes; app routes answer
	// 503 until the database is up.
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           newRouter(logger, issuer, optionsFromEnv()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()
	serverLog.Info("listening on port " + port)

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()

	if envTrue("SKIP_MIGRATIONS") {
		serverLog.Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	} else {
		models.MigrateTable()
	}
	// version checks and ledger decrements assume READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		serverLog.WithField("attempt", attempt).Warn("failed to set isolation level: " + err.Error())
		time.Sleep(time.Duration(attempt) * time.Second)
	}

	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	if envTrue("OUTBOX_DISPATCHER_DISABLED") {
		serverLog.Info("certificate outbox dispatcher disabled")
	} else {
		go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)
	}

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLog.Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// stop publishing before draining requests
	cancelDispatcher()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		serverLog.Error("graceful shutdown failed: " + err.Error())
	}
	config.ClosePubSub()
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// customErrorLogger logs the errors handlers attached to the gin context.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 && logger != nil {
			config.RequestLogger(c.Request.Context(), logrus.Fields{
				"path":   c.FullPath(),
				"status": c.Writer.Status(),
			}).Error(c.Errors.String())
		}
	}
}

func splitAndTrim(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
