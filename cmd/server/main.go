package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/quantfolio/rebalance-api/internal/audit"
	"github.com/quantfolio/rebalance-api/internal/auth"
	"github.com/quantfolio/rebalance-api/internal/broker"
	"github.com/quantfolio/rebalance-api/internal/config"
	"github.com/quantfolio/rebalance-api/internal/constraint"
	"github.com/quantfolio/rebalance-api/internal/control"
	"github.com/quantfolio/rebalance-api/internal/database"
	"github.com/quantfolio/rebalance-api/internal/execution"
	"github.com/quantfolio/rebalance-api/internal/notify"
	"github.com/quantfolio/rebalance-api/internal/plan"
	"github.com/quantfolio/rebalance-api/internal/snapshot"
	"github.com/quantfolio/rebalance-api/internal/strategy"
	"github.com/quantfolio/rebalance-api/internal/worker"
	"github.com/quantfolio/rebalance-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the rebalancing API server with graceful shutdown
// support. It wires the plan builder, approval gate, execution engine, kill
// switch and background jobs onto one router.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret, cfg.TokenTTL)
	authHandlers := auth.NewGinHandlers(authService)
	authService.Register(cfg.OperatorAPIKey, cfg.OperatorAPISecret)

	recorder := audit.NewRecorder(db)
	snapshotService := snapshot.NewService(db)
	snapshotHandlers := snapshot.NewGinHandlers(snapshotService)

	controlService := control.NewService(db, recorder)
	controlHandlers := control.NewGinHandlers(controlService)

	notifier := notify.NewService(db, recorder, map[string]string{
		"dev":       cfg.SlackWebhookDev,
		"alerts":    cfg.SlackWebhookAlerts,
		"decisions": cfg.SlackWebhookDecisions,
	})
	notifyHandlers := notify.NewGinHandlers(notifier)

	brk := newBroker(cfg)

	planService := plan.NewService(db, recorder, snapshotService, brk,
		strategy.NewDualMomentum(), constraint.DefaultLimits(), cfg.PlanExpiryHorizon)
	planHandlers := plan.NewGinHandlers(planService)

	policy := execution.Policy{
		WaitWindow:         cfg.OrderWaitWindow,
		PollInterval:       cfg.OrderPollInterval,
		MaxRetries:         cfg.BrokerMaxRetries,
		RetryBase:          cfg.BrokerRetryBase,
		RetryFactor:        cfg.BrokerRetryFactor,
		FailOnOrderFailure: cfg.FailOnOrderFailure,
	}
	engine := execution.NewEngine(db, recorder, controlService, brk, snapshotService,
		notifier, cfg.Mode, cfg.EnableLiveTrading, policy)
	executionHandlers := execution.NewGinHandlers(engine)

	// Start background jobs (plan expirer)
	jobs, err := worker.New(planService, cfg.ExpirerSchedule)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize background jobs")
	}
	jobs.Start()
	defer jobs.Stop()

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg.JWTSecret, authHandlers, planHandlers, executionHandlers, controlHandlers, snapshotHandlers, notifyHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	zlog.Info().
		Str("port", cfg.Port).
		Str("mode", string(cfg.Mode)).
		Bool("live_trading", cfg.EnableLiveTrading).
		Msg("Server started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// newBroker selects the broker adapter for the configured trading mode.
// SIMULATION and PAPER both route to the paper broker; a LIVE deployment
// plugs a real adapter in here.
func newBroker(cfg *config.Config) broker.Broker {
	return broker.NewPaperBroker(time.Now().UnixNano(), nil, cfg.PaperCash)
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Plan routes: Protected by JWT authentication
// - Execution routes: Protected by JWT authentication
// - Control routes: Protected by JWT authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	planHandlers *plan.GinHandlers,
	executionHandlers *execution.GinHandlers,
	controlHandlers *control.GinHandlers,
	snapshotHandlers *snapshot.GinHandlers,
	notifyHandlers *notify.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Plan routes
		plans := v1.Group("/plans")
		plans.Use(middleware.JWTAuth(jwtSecret))
		{
			plans.POST("", planHandlers.GeneratePlanHandler())
			plans.GET("", planHandlers.ListPlansHandler())
			plans.GET("/:plan_id", planHandlers.GetPlanHandler())
			plans.POST("/:plan_id/approve", middleware.RequirePermission(auth.PermApprove), planHandlers.ApprovePlanHandler())
			plans.POST("/:plan_id/reject", middleware.RequirePermission(auth.PermApprove), planHandlers.RejectPlanHandler())
			plans.POST("/:plan_id/expire", planHandlers.ExpirePlanHandler())
		}

		// Execution routes
		executions := v1.Group("/executions")
		executions.Use(middleware.JWTAuth(jwtSecret))
		{
			executions.POST("/:plan_id/start", middleware.RequirePermission(auth.PermExecute), executionHandlers.StartExecutionHandler())
			executions.GET("", executionHandlers.ListExecutionsHandler())
			executions.GET("/:execution_id", executionHandlers.GetExecutionHandler())
		}

		// Control routes (kill switch)
		controls := v1.Group("/controls")
		controls.Use(middleware.JWTAuth(jwtSecret))
		{
			controls.GET("", controlHandlers.GetControlsHandler())
			controls.POST("/kill-switch", middleware.RequirePermission(auth.PermControl), controlHandlers.SetKillSwitchHandler())
		}

		// Portfolio routes
		portfolio := v1.Group("/portfolio")
		portfolio.Use(middleware.JWTAuth(jwtSecret))
		{
			portfolio.GET("/latest", snapshotHandlers.LatestPortfolioHandler())
		}

		// Alert log
		alerts := v1.Group("/alerts")
		alerts.Use(middleware.JWTAuth(jwtSecret))
		{
			alerts.GET("", notifyHandlers.ListAlertsHandler())
		}
	}
}
