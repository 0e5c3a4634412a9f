package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

const (
	AppName     = "resale-pricer"
	EnvFileName = "config.env"
)

// LoadEnvFile loads environment variables from the config file in the user's
// config directory. Errors are ignored since the file may not exist.
func LoadEnvFile() {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return
	}
	configPath := filepath.Join(configBase, AppName, EnvFileName)
	_ = godotenv.Load(configPath)
}

// Config holds the runtime configuration read from the environment.
type Config struct {
	GeminiAPIKey            string
	MarketplaceClientID     string
	MarketplaceClientSecret string
	MarketplaceBaseURL      string // empty means production
	TokenKey                string // passphrase for encrypting the cached marketplace credential
	DBPath                  string
	MonthlyAnalysisCap      int     // 0 means unlimited
	ActivePriceDiscount     float64 // 0 means the built-in default
}

// FromEnv reads the configuration from environment variables. Only the API
// credentials and the token key are required.
func FromEnv() (Config, error) {
	cfg := Config{
		GeminiAPIKey:            os.Getenv("GEMINI_API_KEY"),
		MarketplaceClientID:     os.Getenv("MARKETPLACE_CLIENT_ID"),
		MarketplaceClientSecret: os.Getenv("MARKETPLACE_CLIENT_SECRET"),
		MarketplaceBaseURL:      os.Getenv("MARKETPLACE_BASE_URL"),
		TokenKey:                os.Getenv("PRICER_TOKEN_KEY"),
		DBPath:                  os.Getenv("PRICER_DB_PATH"),
	}
	if cfg.GeminiAPIKey == "" {
		return cfg, fmt.Errorf("GEMINI_API_KEY is not set")
	}
	if cfg.MarketplaceClientID == "" || cfg.MarketplaceClientSecret == "" {
		return cfg, fmt.Errorf("MARKETPLACE_CLIENT_ID and MARKETPLACE_CLIENT_SECRET are not set")
	}
	if cfg.TokenKey == "" {
		return cfg, fmt.Errorf("PRICER_TOKEN_KEY is not set")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "pricer.db"
	}

	if v := os.Getenv("MONTHLY_ANALYSIS_CAP"); v != "" {
		cap, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("MONTHLY_ANALYSIS_CAP must be an integer: %w", err)
		}
		cfg.MonthlyAnalysisCap = cap
	}
	if v := os.Getenv("ACTIVE_PRICE_DISCOUNT"); v != "" {
		discount, err := strconv.ParseFloat(v, 64)
		if err != nil || discount <= 0 || discount > 1 {
			return cfg, fmt.Errorf("ACTIVE_PRICE_DISCOUNT must be a number in (0, 1]")
		}
		cfg.ActivePriceDiscount = discount
	}

	return cfg, nil
}
