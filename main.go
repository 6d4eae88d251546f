package main

import (
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/Austinkuria/clinique-beauty-sub003/config"
	"github.com/Austinkuria/clinique-beauty-sub003/handlers/auth"
	"github.com/Austinkuria/clinique-beauty-sub003/handlers/payments"
	"github.com/Austinkuria/clinique-beauty-sub003/middleware"
	"github.com/Austinkuria/clinique-beauty-sub003/migrations"
	"github.com/Austinkuria/clinique-beauty-sub003/mpesa"
	"github.com/Austinkuria/clinique-beauty-sub003/store"
	"github.com/Austinkuria/clinique-beauty-sub003/utils"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	if err := migrations.MigratePayments(db); err != nil {
		log.Fatal().Err(err).Msg("failed to run payments migration")
	}

	gateway := mpesa.NewClient(cfg.Mpesa)
	paymentsStore := store.NewGormPayments(db)
	mailer := utils.NewMailer(cfg.SMTP)
	paymentHandler := payments.NewHandler(paymentsStore, gateway, mailer, cfg.Mpesa.CountryCode)

	r := gin.Default()

	r.Use(middleware.RequestID())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	protected := r.Group("/")
	protected.Use(auth.Middleware([]byte(cfg.Auth.JWTSecret)))

	payments.RegisterPaymentRoutes(r, protected, paymentHandler)

	log.Info().Str("port", cfg.Server.Port).Msg("starting server")
	if err := r.Run(":" + cfg.Server.Port); err != nil {
		log.Fatal().Err(err).Msg("failed to run server")
	}
}
