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

	"github.com/ksred/journal-api/internal/analytics"
	"github.com/ksred/journal-api/internal/auth"
	"github.com/ksred/journal-api/internal/currency"
	"github.com/ksred/journal-api/internal/database"
	"github.com/ksred/journal-api/internal/importer"
	"github.com/ksred/journal-api/internal/positions"
	"github.com/ksred/journal-api/internal/settings"
	"github.com/ksred/journal-api/pkg/middleware"

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

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// main initializes and runs the trade journal API server with graceful
// shutdown support. It sets up all required services, database connections,
// and API routes.
func main() {
	db, err := database.NewDatabase(envOr("DATABASE_PATH", "journal.db"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	router := gin.Default()

	jwtSecret := envOr("JWT_SECRET", "journal-secret-key")
	baseCurrency := envOr("BASE_CURRENCY", "USD")

	// Initialize services and handlers
	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	authService.RegisterAPICredentials(
		envOr("API_KEY", "test-api-key"),
		envOr("API_SECRET", "test-api-secret"),
	)

	converter := currency.NewConverter(currency.NewStaticRateSource())
	matcher := positions.NewMatcher(converter)
	normalizer := importer.NewNormalizer(baseCurrency)

	importService := importer.NewService(db, normalizer, matcher)
	importHandlers := importer.NewGinHandlers(importService)

	settingsService := settings.NewService(db)
	settingsHandlers := settings.NewGinHandlers(settingsService)

	analyticsService := analytics.NewService(db, converter)
	analyticsHandlers := analytics.NewGinHandlers(analyticsService, settingsService)

	// Setup middleware
	router.Use(middleware.RateLimit())

	setupRoutes(router, jwtSecret, authHandlers, importHandlers, analyticsHandlers, settingsHandlers)

	port := envOr("PORT", "8080")
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

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

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Import, trade, stats and settings routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	importHandlers *importer.GinHandlers,
	analyticsHandlers *analytics.GinHandlers,
	settingsHandlers *settings.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Import routes
		imports := v1.Group("/imports")
		imports.Use(middleware.JWTAuth(jwtSecret))
		{
			imports.POST("", importHandlers.CreateImportHandler())
			imports.GET("", importHandlers.ListImportsHandler())
		}

		// Trade routes
		trades := v1.Group("/trades")
		trades.Use(middleware.JWTAuth(jwtSecret))
		{
			trades.GET("", analyticsHandlers.ListTradesHandler())
			trades.DELETE("", analyticsHandlers.DeleteTradesHandler())
			trades.GET("/fills/export", analyticsHandlers.ExportFillsHandler())
		}

		// Stats and calendar routes
		stats := v1.Group("/stats")
		stats.Use(middleware.JWTAuth(jwtSecret))
		{
			stats.GET("/overview", analyticsHandlers.OverviewHandler())
			stats.GET("/by-asset", analyticsHandlers.ByAssetHandler())
		}
		calendar := v1.Group("/calendar")
		calendar.Use(middleware.JWTAuth(jwtSecret))
		{
			calendar.GET("", analyticsHandlers.CalendarHandler())
		}

		// Settings routes
		settingsRoutes := v1.Group("/settings")
		settingsRoutes.Use(middleware.JWTAuth(jwtSecret))
		{
			settingsRoutes.GET("", settingsHandlers.GetHandler())
			settingsRoutes.PATCH("", settingsHandlers.UpdateHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/rebuild/:asset_code", importHandlers.RebuildAssetHandler())
		}
	}
}
