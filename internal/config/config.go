package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Browser    BrowserConfig
	Scraper    ScraperConfig
	Storage    StorageConfig
	Enrichment EnrichmentConfig
	Images     ImagesConfig
	AWS        AWSConfig
	Mirror     MirrorConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

type BrowserConfig struct {
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ProxyServer    string
}

type ScraperConfig struct {
	// PacingMin and PacingMax override the profile's between_products wait.
	PacingMin          time.Duration
	PacingMax          time.Duration
	MaxProducts        int
	ElementTimeout     time.Duration
	PriceSettleTimeout time.Duration
	PricePollInterval  time.Duration
	MaxSKUCombinations int
	CompetitorEnabled  bool
	CompetitorMax      int
	Profile            string
	CompetitorProfile  string
}

type StorageConfig struct {
	ProductCacheDir string
	ImageCacheDir   string
	IndexFile       string
}

type EnrichmentConfig struct {
	URL               string
	APIKey            string
	Timeout           time.Duration
	RequestsPerMinute int
	ForbiddenMarkers  []string
}

type ImagesConfig struct {
	Enabled         bool
	TargetSize      int
	Padding         float64
	Quality         int
	DownloadTimeout time.Duration
	Bucket          string
	Region          string
	CDNDomain       string
	KeyPrefix       string
	PublishTimeout  time.Duration
}

type AWSConfig struct {
	Region          string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

type MirrorConfig struct {
	// Backends lists the enabled remote mirrors: dynamodb, postgres.
	Backends        []string
	DynamoTable     string
	DynamoTimeout   time.Duration
	PostgresTimeout time.Duration
}

func (m MirrorConfig) Enabled(backend string) bool {
	for _, b := range m.Backends {
		if strings.EqualFold(strings.TrimSpace(b), backend) {
			return true
		}
	}
	return false
}

type DatabaseConfig struct {
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	CaptchaChannel string
	RecordStream   string
	RelayInterval  time.Duration
	StreamMaxLen   int
	// RequestStream carries batch requests from other services. Empty
	// disables the stream intake.
	RequestStream  string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads a .env file when present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", "8080"),
			Host:            getEnvOrDefault("SERVER_HOST", "127.0.0.1"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getStringSliceOrDefault("SERVER_ALLOWED_ORIGINS", []string{"http://localhost:*", "http://127.0.0.1:*"}),
		},
		Browser: BrowserConfig{
			Headless:       getBoolOrDefault("BROWSER_HEADLESS", false),
			Timeout:        getDurationOrDefault("BROWSER_TIMEOUT", 30*time.Second),
			UserAgent:      getEnvOrDefault("BROWSER_USER_AGENT", ""),
			ViewportWidth:  getIntOrDefault("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight: getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", 1080),
			AcceptLanguage: getEnvOrDefault("BROWSER_ACCEPT_LANGUAGE", "en-US,en;q=0.9"),
			TimezoneID:     getEnvOrDefault("BROWSER_TIMEZONE", "America/Los_Angeles"),
			Locale:         getEnvOrDefault("BROWSER_LOCALE", "en-US"),
			ProxyServer:    getEnvOrDefault("BROWSER_PROXY", ""),
		},
		Scraper: ScraperConfig{
			PacingMin:          getDurationOrDefault("SCRAPER_PACING_MIN", 0),
			PacingMax:          getDurationOrDefault("SCRAPER_PACING_MAX", 0),
			MaxProducts:        getIntOrDefault("SCRAPER_MAX_PRODUCTS", 20),
			ElementTimeout:     getDurationOrDefault("SCRAPER_ELEMENT_TIMEOUT", 10*time.Second),
			PriceSettleTimeout: getDurationOrDefault("SCRAPER_PRICE_SETTLE_TIMEOUT", 3*time.Second),
			PricePollInterval:  getDurationOrDefault("SCRAPER_PRICE_POLL_INTERVAL", 200*time.Millisecond),
			MaxSKUCombinations: getIntOrDefault("SCRAPER_MAX_SKU_COMBINATIONS", 0),
			CompetitorEnabled:  getBoolOrDefault("SCRAPER_COMPETITOR_ENABLED", true),
			CompetitorMax:      getIntOrDefault("SCRAPER_COMPETITOR_MAX_RESULTS", 10),
			Profile:            getEnvOrDefault("SCRAPER_PROFILE", ""),
			CompetitorProfile:  getEnvOrDefault("SCRAPER_COMPETITOR_PROFILE", ""),
		},
		Storage: StorageConfig{
			ProductCacheDir: getEnvOrDefault("STORAGE_PRODUCT_CACHE_DIR", "data/products"),
			ImageCacheDir:   getEnvOrDefault("STORAGE_IMAGE_CACHE_DIR", "data/images"),
			IndexFile:       getEnvOrDefault("STORAGE_INDEX_FILE", "data/index.json"),
		},
		Enrichment: EnrichmentConfig{
			URL:               getEnvOrDefault("ENRICHMENT_URL", ""),
			APIKey:            getEnvOrDefault("ENRICHMENT_API_KEY", ""),
			Timeout:           getDurationOrDefault("ENRICHMENT_TIMEOUT", 30*time.Second),
			RequestsPerMinute: getIntOrDefault("ENRICHMENT_REQUESTS_PER_MINUTE", 20),
			ForbiddenMarkers:  getStringSliceOrDefault("ENRICHMENT_FORBIDDEN_MARKERS", nil),
		},
		Images: ImagesConfig{
			Enabled:         getBoolOrDefault("IMAGES_ENABLED", true),
			TargetSize:      getIntOrDefault("IMAGES_TARGET_SIZE", 1600),
			Padding:         getFloatOrDefault("IMAGES_PADDING", 0.05),
			Quality:         getIntOrDefault("IMAGES_QUALITY", 90),
			DownloadTimeout: getDurationOrDefault("IMAGES_DOWNLOAD_TIMEOUT", 20*time.Second),
			Bucket:          getEnvOrDefault("IMAGES_BUCKET", ""),
			Region:          getEnvOrDefault("IMAGES_REGION", getEnvOrDefault("AWS_REGION", "us-west-2")),
			CDNDomain:       getEnvOrDefault("IMAGES_CDN_DOMAIN", ""),
			KeyPrefix:       getEnvOrDefault("IMAGES_KEY_PREFIX", ""),
			PublishTimeout:  getDurationOrDefault("IMAGES_PUBLISH_TIMEOUT", 30*time.Second),
		},
		AWS: AWSConfig{
			Region:          getEnvOrDefault("AWS_REGION", "us-west-2"),
			Profile:         getEnvOrDefault("AWS_PROFILE", ""),
			AccessKeyID:     getEnvOrDefault("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnvOrDefault("AWS_SECRET_ACCESS_KEY", ""),
			SessionToken:    getEnvOrDefault("AWS_SESSION_TOKEN", ""),
		},
		Mirror: MirrorConfig{
			Backends:        getStringSliceOrDefault("MIRROR_BACKENDS", nil),
			DynamoTable:     getEnvOrDefault("MIRROR_DYNAMODB_TABLE", "AliExpressProducts"),
			DynamoTimeout:   getDurationOrDefault("MIRROR_DYNAMODB_TIMEOUT", 15*time.Second),
			PostgresTimeout: getDurationOrDefault("MIRROR_POSTGRES_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			URL:      getEnvOrDefault("DATABASE_URL", ""),
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			DBName:   getEnvOrDefault("DB_NAME", "product_harvester"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
			MaxConns: getIntOrDefault("DB_MAX_CONNS", 5),
		},
		Redis: RedisConfig{
			Addr:           getEnvOrDefault("REDIS_ADDR", ""),
			Password:       getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:             getIntOrDefault("REDIS_DB", 0),
			CaptchaChannel: getEnvOrDefault("REDIS_CAPTCHA_CHANNEL", "harvester:captcha"),
			RecordStream:   getEnvOrDefault("REDIS_RECORD_STREAM", "stream:product_records"),
			RelayInterval:  getDurationOrDefault("REDIS_RELAY_INTERVAL", 5*time.Second),
			StreamMaxLen:   getIntOrDefault("REDIS_STREAM_MAX_LEN", 10000),
			RequestStream:  getEnvOrDefault("REDIS_REQUEST_STREAM", "stream:harvest_requests"),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Scraper.MaxProducts < 1 {
		return fmt.Errorf("SCRAPER_MAX_PRODUCTS must be at least 1")
	}

	if c.Scraper.PacingMin < 0 || c.Scraper.PacingMax < 0 {
		return fmt.Errorf("SCRAPER_PACING_MIN and SCRAPER_PACING_MAX must not be negative")
	}

	if c.Scraper.PacingMax > 0 && c.Scraper.PacingMin > c.Scraper.PacingMax {
		return fmt.Errorf("SCRAPER_PACING_MIN cannot be greater than SCRAPER_PACING_MAX")
	}

	if c.Scraper.ElementTimeout <= 0 {
		return fmt.Errorf("SCRAPER_ELEMENT_TIMEOUT must be positive")
	}

	if c.Enrichment.RequestsPerMinute < 0 {
		return fmt.Errorf("ENRICHMENT_REQUESTS_PER_MINUTE must not be negative")
	}

	if c.Images.TargetSize < 16 {
		return fmt.Errorf("IMAGES_TARGET_SIZE must be at least 16")
	}

	if c.Images.Padding < 0 || c.Images.Padding >= 0.5 {
		return fmt.Errorf("IMAGES_PADDING must be in [0, 0.5)")
	}

	if c.Images.Quality < 1 || c.Images.Quality > 100 {
		return fmt.Errorf("IMAGES_QUALITY must be between 1 and 100")
	}

	if (c.AWS.AccessKeyID == "") != (c.AWS.SecretAccessKey == "") {
		return fmt.Errorf("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set together")
	}

	for _, b := range c.Mirror.Backends {
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "dynamodb", "postgres":
		default:
			return fmt.Errorf("unknown mirror backend %q", b)
		}
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return defaultValue
}
