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
	"github.com/burocratadebolso/backend/internal/database"
	"github.com/burocratadebolso/backend/internal/handlers"
	mW "github.com/burocratadebolso/backend/internal/middleware"
	"github.com/burocratadebolso/backend/internal/services"
	"github.com/spf13/viper"
)

func main() {
	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("mercadopago.access_token", "MERCADOPAGO_ACCESS_TOKEN")
	viper.BindEnv("mercadopago.webhook_secret", "MERCADOPAGO_WEBHOOK_SECRET")
	viper.BindEnv("abacatepay.api_key", "ABACATE_API_KEY")
	viper.BindEnv("abacatepay.webhook_secret", "ABACATE_WEBHOOK_SECRET")
	viper.BindEnv("abacatepay.return_url", "ABACATE_RETURN_URL")
	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	ledger := services.NewLedgerService(db)
	mercadopago := services.NewMercadoPagoClient()
	abacatepay := services.NewAbacatePayClient()

	purchaseService := services.NewPurchaseService(ledger, mercadopago, abacatepay)
	statusService := services.NewStatusService(ledger)
	reconciliation := services.NewReconciliationService(ledger, redisClient)
	webhookHandler := handlers.NewWebhookHandler(reconciliation, mercadopago)

	// Retry worker replays settlements that hit a storage timeout
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	go reconciliation.RunRetryWorker(workerCtx)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Provider notifications (signature-verified, no session auth:
	// providers cannot carry bearer tokens)
	r.Post("/webhook/{provider}", webhookHandler.HandleWebhook)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/purchases", purchaseService.CreatePurchase)
			r.Get("/purchases/{purchaseId}", purchaseService.GetPurchase)
			r.Get("/accounts/{accountId}/credits", statusService.GetAccountCredits)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
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
	stopWorker()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
