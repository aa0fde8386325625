package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/tunewave/backend/docs"
	"github.com/tunewave/backend/internal/config"
	"github.com/tunewave/backend/internal/database"
	"github.com/tunewave/backend/internal/events"
	"github.com/tunewave/backend/internal/ledger"
	mW "github.com/tunewave/backend/internal/middleware"
	"github.com/tunewave/backend/internal/rail"
	"github.com/tunewave/backend/internal/services"
	"github.com/tunewave/backend/internal/store/postgres"
)

// @title Tunewave Wallet API
// @version 1.0
// @description Wallet ledger and settlement engine for labels, enterprises and artists
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	config.BindEnv()

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}
	cfg := config.LoadLedgerConfig()

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Tunewave Wallet API"
	docs.SwaggerInfo.Description = "Wallet ledger and settlement engine for labels, enterprises and artists"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize storage
	db := database.InitDatabase()
	defer db.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := database.Migrate(migrateCtx, db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	cancelMigrate()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.KafkaBroker != "" {
		publisher = events.NewKafkaProducer(cfg.KafkaBroker, cfg.KafkaTopic)
		log.Printf("Publishing wallet events to %s/%s", cfg.KafkaBroker, cfg.KafkaTopic)
	}
	defer publisher.Close()

	var dispatcher rail.Dispatcher = rail.LogDispatcher{}
	if cfg.RailEndpoint != "" {
		dispatcher = rail.NewHTTPDispatcher(cfg.RailEndpoint, cfg.RailTimeout)
	} else {
		log.Println("No payment rail endpoint configured, payouts are logged only")
	}
	paymentRail := rail.NewISO20022Rail(cfg.DebtorBIC, dispatcher)

	// Initialize services
	walletStore := postgres.New(db)
	executor := ledger.NewExecutor(walletStore, ledger.WithPublisher(publisher))

	api := &services.API{
		Wallets:        services.NewWalletService(walletStore, executor, cfg),
		Payouts:        services.NewPayoutService(walletStore, executor, paymentRail, publisher, cfg),
		Invoices:       services.NewInvoiceService(walletStore, executor),
		Royalties:      services.NewRoyaltyService(executor, cfg),
		Redis:          redisClient,
		IdempotencyTTL: cfg.IdempotencyTTL,
		CallbackSecret: cfg.CallbackSecret,
		WebhookSecret:  cfg.WebhookSecret,
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", mW.IdempotencyHeader},
		ExposedHeaders:   []string{mW.ReplayHeader},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "healthy"}
		if err := db.PingContext(r.Context()); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(status)
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", api.Mount)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
