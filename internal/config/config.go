package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const minSecretLength = 32

type Config struct {
	Port        string
	GinMode     string
	CORSOrigins []string
	MaxFileSize int64

	MongoURI string
	DBName   string

	// Redis Configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// LLM and embeddings
	GeminiAPIKey          string
	LLMModel              string
	LLMTier               string
	GoogleEmbeddingsModel string
	EmbeddingCacheSize    int
	EmbedConcurrency      int

	// Retrieval
	ChunkSize         int
	ChunkOverlap      int
	VectorSearchK     int
	ExtractionTimeout int // seconds

	// OCR
	OCREnabled      bool
	TesseractPath   string
	TesseractLang   string
	PdftoppmPath    string
	OCRDPI          int
	OCRMinDimension int
	OCRPageWorkers  int

	// JWT Token Secrets
	AccessSecret          string
	RefreshSecret         string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int

	BcryptCost        int
	PasswordMinLength int
	PasswordMaxLength int
	APIKeyLength      int

	RateLimitEnabled   bool
	RateLimitPerMinute int

	// Per-user quota, 0 disables it
	DailyExtractionLimit int

	AsyncEnabled    bool
	AuditVerifyCron string
	APIKeySweepCron string

	// OpenTelemetry
	OTelEnabled     bool
	OTelEndpoint    string
	OTelSampleRatio float64
	ServiceName     string
}

func LoadConfig() (*Config, error) {
	// Load .env file if exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8000"),
		GinMode:     getEnv("GIN_MODE", "debug"),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:5173")),
		MaxFileSize: getEnvInt64("MAX_FILE_SIZE", 20971520), // 20MB

		MongoURI: getEnv("MONGO_URI", "mongodb://localhost:27017"),
		DBName:   getEnv("DB_NAME", "clinical_fhir"),

		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		GeminiAPIKey:          getEnv("GEMINI_API_KEY", ""),
		LLMModel:              getEnv("LLM_MODEL", "gemini-2.0-flash"),
		LLMTier:               getEnv("LLM_TIER", "free"),
		GoogleEmbeddingsModel: getEnv("GOOGLE_EMBEDDINGS_MODEL", "text-embedding-004"),
		EmbeddingCacheSize:    getEnvInt("EMBEDDING_CACHE_SIZE", 256),
		EmbedConcurrency:      getEnvInt("EMBED_CONCURRENCY", 4),

		ChunkSize:         getEnvInt("CHUNK_SIZE", 1000),
		ChunkOverlap:      getEnvInt("CHUNK_OVERLAP", 200),
		VectorSearchK:     getEnvInt("VECTOR_SEARCH_K", 4),
		ExtractionTimeout: getEnvInt("EXTRACTION_TIMEOUT", 180),

		OCREnabled:      getEnvBool("OCR_ENABLED", true),
		TesseractPath:   getEnv("TESSERACT_PATH", "tesseract"),
		TesseractLang:   getEnv("TESSERACT_LANG", "eng"),
		PdftoppmPath:    getEnv("PDFTOPPM_PATH", "pdftoppm"),
		OCRDPI:          getEnvInt("OCR_DPI", 300),
		OCRMinDimension: getEnvInt("OCR_MIN_DIMENSION", 300),
		OCRPageWorkers:  getEnvInt("OCR_PAGE_WORKERS", 4),

		AccessSecret:          getEnv("ACCESS_SECRET", ""),
		RefreshSecret:         getEnv("REFRESH_SECRET", ""),
		AccessTokenTTLMinutes: getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 30),
		RefreshTokenTTLDays:   getEnvInt("REFRESH_TOKEN_TTL_DAYS", 7),

		BcryptCost:        getEnvInt("BCRYPT_COST", 12),
		PasswordMinLength: getEnvInt("PASSWORD_MIN_LENGTH", 8),
		PasswordMaxLength: getEnvInt("PASSWORD_MAX_LENGTH", 72),
		APIKeyLength:      getEnvInt("API_KEY_LENGTH", 32),

		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 10),

		DailyExtractionLimit: getEnvInt("DAILY_EXTRACTION_LIMIT", 0),

		AsyncEnabled:    getEnvBool("ASYNC_ENABLED", true),
		AuditVerifyCron: getEnv("AUDIT_VERIFY_CRON", "0 3 * * *"),
		APIKeySweepCron: getEnv("API_KEY_SWEEP_CRON", "*/30 * * * *"),

		OTelEnabled:     getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OTelSampleRatio: getEnvFloat64("OTEL_SAMPLE_RATIO", 0.1),
		ServiceName:     getEnv("OTEL_SERVICE_NAME", "clinical-fhir-extractor"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required secrets and cross-field constraints.
func (c *Config) Validate() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required - set it in .env file")
	}
	if c.AccessSecret == "" {
		return fmt.Errorf("ACCESS_SECRET is required - set it in .env file")
	}
	if c.RefreshSecret == "" {
		return fmt.Errorf("REFRESH_SECRET is required - set it in .env file")
	}
	if len(c.AccessSecret) < minSecretLength {
		return fmt.Errorf("ACCESS_SECRET must be at least %d characters", minSecretLength)
	}
	if len(c.RefreshSecret) < minSecretLength {
		return fmt.Errorf("REFRESH_SECRET must be at least %d characters", minSecretLength)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive")
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP must be in [0, CHUNK_SIZE)")
	}
	if c.VectorSearchK <= 0 {
		return fmt.Errorf("VECTOR_SEARCH_K must be positive")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if c.ExtractionTimeout <= 0 {
		return fmt.Errorf("EXTRACTION_TIMEOUT must be positive")
	}
	if c.PasswordMinLength <= 0 || c.PasswordMaxLength < c.PasswordMinLength {
		return fmt.Errorf("invalid password length bounds %d..%d", c.PasswordMinLength, c.PasswordMaxLength)
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATIO must be between 0 and 1")
	}
	return nil
}

func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c *Config) RefreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTLDays) * 24 * time.Hour
}

func (c *Config) ExtractionDeadline() time.Duration {
	return time.Duration(c.ExtractionTimeout) * time.Second
}

func (c *Config) IsProduction() bool {
	return c.GinMode == "release"
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
