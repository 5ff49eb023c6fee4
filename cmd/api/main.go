package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"puglia-club-api/internal/cache"
	"puglia-club-api/internal/config"
	"puglia-club-api/internal/database"
	"puglia-club-api/internal/events"
	"puglia-club-api/internal/features"
	"puglia-club-api/internal/handler"
	"puglia-club-api/internal/middleware"
	"puglia-club-api/internal/payments"
	"puglia-club-api/internal/service"
	"puglia-club-api/internal/tracing"
	"puglia-club-api/internal/webhook"
)

func main() {
	configFile := flag.String("config", "", "Path to JSON config file (optional)")
	devLogging := flag.Bool("dev", false, "Use human-readable development logging")
	flag.Parse()

	logger, err := newLogger(*devLogging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	// Initialize tracing
	_, err = tracing.InitTracing(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Environment: cfg.Tracing.Environment,
	})
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(ctx); err != nil {
			logger.Warn("failed to shut down tracing", zap.Error(err))
		}
	}()

	// Initialize database
	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Initialize leaderboard cache
	var clubCache cache.Cache
	if cfg.Cache.RedisAddr != "" {
		redisCache, err := cache.NewRedisCache(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		defer redisCache.Close()
		clubCache = redisCache
	} else {
		clubCache = cache.NewInMemoryCache()
	}

	// Feature flags
	flags := features.NewManager()
	flags.Register(features.FeatureCacheEnabled, cfg.Cache.Enabled, "Serve the leaderboard from cache")
	flags.Register(features.FeatureEventHooksEnabled, true, "Fan out domain events to subscribers")
	flags.Register(features.FeatureBoostStacking, false, "Extend an active boost instead of overwriting it")

	eventBus := events.NewManager(flags.IsEnabled(features.FeatureEventHooksEnabled))
	defer eventBus.Shutdown()

	// Initialize services
	checkout := payments.NewStripeClient(cfg.Stripe.SecretKey, cfg.Stripe.SuccessURL, cfg.Stripe.CancelURL)
	club := service.NewClubService(db, clubCache, flags, eventBus, checkout, logger)
	club.SetLeaderboardTTL(time.Duration(cfg.Cache.TTLSeconds) * time.Second)
	fulfillment := service.NewFulfillmentService(db, flags, eventBus, logger)
	verifier := webhook.NewVerifier(cfg.Stripe.WebhookSecret)

	// Initialize handlers
	h := handler.NewHandlerWithOptions(club, fulfillment, verifier, logger, handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
	})

	// Initialize rate limiter
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second)
	defer rateLimiter.Stop()

	// Setup router
	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.TracingMiddleware())

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.Security.AllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Routes
	// The webhook endpoint sits outside the rate limiter: Stripe retries
	// deliveries on failure and must never be throttled into a retry loop.
	// It also handles its own method check so it can answer with an Allow
	// header, per the provider contract.
	r.HandleFunc("/webhooks/stripe", h.StripeWebhook)

	r.Group(func(r chi.Router) {
		if cfg.RateLimit.Enabled {
			r.Use(middleware.RateLimitMiddleware(rateLimiter))
		}

		r.Post("/checkout", h.CreateCheckout)
		r.Post("/visits/validate", h.ValidateVisit)
		r.Post("/plans/{plan_id}/purchase", h.PurchasePlan)

		r.Get("/leaderboard", h.GetLeaderboard)
		r.Get("/market/items", h.ListMarketItems)

		r.Route("/users", func(r chi.Router) {
			r.Get("/{user_id}", h.GetUser)
			r.Get("/{user_id}/transactions", h.GetUserTransactions)
			r.Post("/{user_id}/missions/{mission_id}/complete", h.CompleteMission)
		})
	})

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	// Graceful shutdown
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("error during shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting server",
		zap.String("addr", addr),
		zap.String("database", cfg.Database.Path),
	)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
