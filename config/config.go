package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	API       APIConfig
	Database  DatabaseConfig
	Archive   ArchiveConfig
	Scheduler SchedulerConfig
	Job       JobConfig
	LogLevel  string
	LogPath   string
	Markets   map[string]*MarketConfig
}

type APIConfig struct {
	BaseURL     string
	TokenURL    string
	Key         string
	Secret      string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MinInterval time.Duration
	Timeout     time.Duration
}

type DatabaseConfig struct {
	URL string
}

type ArchiveConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	LocalDir        string
}

type SchedulerConfig struct {
	DailyCron    string
	FullScanCron string
}

type JobConfig struct {
	Type       string
	RunTimeout time.Duration
}

// MarketConfig describes one target location. Markets are loaded from
// config/markets/*.yaml; when none exist, a single market is built from
// TARGET_LOCATION_ID / TARGET_COUNTRY.
type MarketConfig struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Country    string `yaml:"country"`
	LocationID string `yaml:"location_id"`
	MaxPages   int    `yaml:"max_pages"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		API: APIConfig{
			BaseURL:     getEnv("IDEALISTA_BASE_URL", "https://api.idealista.com/3.5"),
			TokenURL:    getEnv("IDEALISTA_TOKEN_URL", "https://api.idealista.com/oauth/token"),
			Key:         os.Getenv("IDEALISTA_API_KEY"),
			Secret:      os.Getenv("IDEALISTA_API_SECRET"),
			MaxAttempts: getEnvInt("API_MAX_ATTEMPTS", 3),
			BaseDelay:   getEnvDuration("API_BASE_DELAY", 4*time.Second),
			MaxDelay:    getEnvDuration("API_MAX_DELAY", 60*time.Second),
			MinInterval: getEnvDuration("API_MIN_INTERVAL", time.Second),
			Timeout:     getEnvDuration("API_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Archive: ArchiveConfig{
			Bucket:          os.Getenv("ARCHIVE_BUCKET"),
			Region:          getEnv("ARCHIVE_REGION", "eu-west-1"),
			Endpoint:        os.Getenv("ARCHIVE_ENDPOINT"),
			AccessKeyID:     os.Getenv("ARCHIVE_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("ARCHIVE_SECRET_ACCESS_KEY"),
			LocalDir:        getEnv("ARCHIVE_LOCAL_DIR", "raw_responses"),
		},
		Scheduler: SchedulerConfig{
			DailyCron:    os.Getenv("DAILY_CRON"),
			FullScanCron: os.Getenv("FULL_SCAN_CRON"),
		},
		Job: JobConfig{
			Type:       os.Getenv("JOB_TYPE"),
			RunTimeout: getEnvDuration("RUN_TIMEOUT", 55*time.Minute),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogPath:  getEnv("LOG_PATH", "daemon.log"),
		Markets:  make(map[string]*MarketConfig),
	}

	if cfg.API.Key == "" || cfg.API.Secret == "" {
		return nil, fmt.Errorf("IDEALISTA_API_KEY and IDEALISTA_API_SECRET are required")
	}
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if err := cfg.loadMarketConfigs(getEnv("MARKETS_DIR", "config/markets")); err != nil {
		return nil, err
	}

	if len(cfg.Markets) == 0 {
		market := &MarketConfig{
			ID:         getEnv("TARGET_MARKET_ID", "madrid"),
			Name:       getEnv("TARGET_MARKET_NAME", "Madrid"),
			Country:    getEnv("TARGET_COUNTRY", "es"),
			LocationID: getEnv("TARGET_LOCATION_ID", "0-EU-ES-28"),
			MaxPages:   getEnvInt("MAX_PAGES", 20),
		}
		cfg.Markets[market.ID] = market
	}

	return cfg, nil
}

func (c *Config) loadMarketConfigs(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var market MarketConfig
		if err := yaml.Unmarshal(data, &market); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if market.ID == "" {
			return fmt.Errorf("market config %s: missing id", path)
		}

		c.Markets[market.ID] = &market
	}

	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
