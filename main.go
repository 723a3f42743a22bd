package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/redis/go-redis/v9"

	"rangedir/internal/api"
	"rangedir/internal/config"
	"rangedir/internal/database"
	"rangedir/internal/logger"
	"rangedir/internal/middleware"
	"rangedir/internal/monitoring"
	"rangedir/internal/repository"
	"rangedir/internal/service"
	"rangedir/internal/storage"
	"rangedir/internal/tier"
	"rangedir/internal/validator"
)

func main() {
	if err := run(context.Background()); err != nil {
		panic(err)
	}
}

func run(ctx context.Context) error {
	cfg := config.NewConfig()

	telemetry, err := monitoring.NewOpenTelemetry(cfg.Telemetry)
	if err != nil {
		return err
	}
	log := logger.New(*cfg)

	db := database.NewDatabase()
	if err := db.Connect(ctx, cfg.Database.DSN()); err != nil {
		log.Error("Failed to connect to database", "error", err)
		return err
	}
	defer db.Close()

	repo := repository.NewPostgresRepository(db, log.Logger)

	// Event dedup is optional; without Redis the conditional write alone
	// absorbs redeliveries.
	var deduper *service.EventDeduper
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		deduper = service.NewEventDeduper(redisClient, 72*time.Hour, log.Logger)
	}

	photoStorage, err := storage.NewPhotoStorage(ctx, cfg.Storage)
	if err != nil {
		log.Error("Failed to initialize photo storage", "error", err)
		return err
	}

	lexicon := tier.NewLexicon(cfg.Stripe.PriceTable())
	subscriptionService := service.NewSubscriptionService(repo, lexicon, deduper, cfg.Stripe, telemetry, log.Logger)
	listingService := service.NewListingService(repo, photoStorage, log.Logger)

	handler := api.NewHandler(subscriptionService, listingService, repo, validator.New(), telemetry)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	})

	app.Use(middleware.Logger())

	// Rate limiting for checkout creation
	checkoutLimiter := limiter.New(limiter.Config{
		Max:        10,
		Expiration: 15 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(429).JSON(fiber.Map{
				"error": "Too many checkout attempts. Please try again later.",
			})
		},
	})

	app.Get("/healthz", handler.Health)

	// Billing routes
	app.Post("/webhooks/billing", handler.StripeWebhook)
	app.Post("/billing/checkout", checkoutLimiter, handler.CreateCheckoutSession)
	app.Post("/billing/verify-session", handler.VerifySession)

	// Listing routes
	app.Get("/listings/:id/entitlements", handler.GetListingEntitlements)
	app.Post("/listings/:id/photos", handler.UploadListingPhoto)

	if cfg.Storage.Type == "local" {
		app.Static("/photos", cfg.Storage.LocalPath)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := cfg.Server.Host + ":" + cfg.Server.Port
		log.Info("Starting HTTP server...", "addr", addr)
		if err := app.Listen(addr); err != nil {
			log.Error("Server stopped", "error", err)
		}
	}()

	sig := <-sigChan
	log.Info("Received signal, shutting down", "signal", sig.String())

	if err := app.Shutdown(); err != nil {
		log.Error("Error shutting down server", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down telemetry", "error", err)
	}

	return nil
}
