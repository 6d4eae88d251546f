package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from the environment.
type Config struct {
	Server ServerConfig
	DB     DBConfig
	Mpesa  MpesaConfig
	Auth   AuthConfig
	SMTP   SMTPConfig
	CORS   CORSConfig
}

type ServerConfig struct {
	Port string
}

type DBConfig struct {
	DSN string
}

// MpesaConfig holds the Daraja gateway credentials and endpoints.
type MpesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	CountryCode    string
	Timezone       *time.Location
	Timeout        time.Duration
}

type AuthConfig struct {
	JWTSecret string
}

type SMTPConfig struct {
	Host   string
	Port   int
	User   string
	Pass   string
	Sender string
}

type CORSConfig struct {
	AllowOrigins []string
}

// Load reads configuration from the environment, loading a .env file first if
// one is present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env file:", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
		},
		DB: DBConfig{
			DSN: os.Getenv("DATABASE_URL"),
		},
		Mpesa: MpesaConfig{
			BaseURL:        getEnv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
			ConsumerKey:    os.Getenv("MPESA_CONSUMER_KEY"),
			ConsumerSecret: os.Getenv("MPESA_CONSUMER_SECRET"),
			ShortCode:      os.Getenv("MPESA_SHORTCODE"),
			Passkey:        os.Getenv("MPESA_PASSKEY"),
			CallbackURL:    os.Getenv("MPESA_CALLBACK_URL"),
			CountryCode:    getEnv("MPESA_COUNTRY_CODE", "254"),
			Timeout:        parseDuration(getEnv("MPESA_TIMEOUT", "15s"), 15*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		SMTP: SMTPConfig{
			Host:   os.Getenv("SMTP_HOST"),
			Port:   465,
			User:   os.Getenv("SMTP_USER"),
			Pass:   os.Getenv("SMTP_PASS"),
			Sender: os.Getenv("SMTP_SENDER"),
		},
		CORS: CORSConfig{
			AllowOrigins: parseStringList(getEnv("CORS_ALLOW_ORIGINS", "https://cliniquebeauty.vercel.app")),
		},
	}

	// The gateway timestamp convention is pinned to the shortcode's local clock.
	loc, err := time.LoadLocation(getEnv("MPESA_TIMEZONE", "Africa/Nairobi"))
	if err != nil {
		return nil, fmt.Errorf("invalid MPESA_TIMEZONE: %w", err)
	}
	cfg.Mpesa.Timezone = loc

	if cfg.DB.DSN == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.Mpesa.ConsumerKey == "" || cfg.Mpesa.ConsumerSecret == "" {
		return nil, fmt.Errorf("MPESA_CONSUMER_KEY and MPESA_CONSUMER_SECRET are required")
	}
	if cfg.Mpesa.ShortCode == "" || cfg.Mpesa.Passkey == "" {
		return nil, fmt.Errorf("MPESA_SHORTCODE and MPESA_PASSKEY are required")
	}
	if cfg.Mpesa.CallbackURL == "" {
		return nil, fmt.Errorf("MPESA_CALLBACK_URL is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func parseStringList(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
