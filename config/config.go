package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Blob      BlobConfig      `json:"blob"`
	Search    SearchConfig    `json:"search"`
	Parser    ParserConfig    `json:"parser"`
	Embedding EmbeddingConfig `json:"embedding"`
	Content   ContentConfig   `json:"content"`
	Upload    UploadConfig    `json:"upload"`
	Auth      AuthConfig      `json:"auth"`
	Redis     RedisConfig     `json:"redis"`
	Ingest    IngestConfig    `json:"ingest"`
}

type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	ReadTimeout    int      `json:"read_timeout"`
	WriteTimeout   int      `json:"write_timeout"`
	IdleTimeout    int      `json:"idle_timeout"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type DatabaseConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Password     string `json:"password"`
	Name         string `json:"name"`
	SSLMode      string `json:"ssl_mode"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
	MaxLifetime  int    `json:"max_lifetime"`
}

// BlobConfig holds configuration for the object store holding original files
type BlobConfig struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	UseSSL    bool   `json:"use_ssl"`
}

// SearchConfig holds configuration for the search index and hybrid ranking
type SearchConfig struct {
	IndexURL         string  `json:"index_url"`
	IndexName        string  `json:"index_name"`
	Timeout          int     `json:"timeout"`
	SnippetMaxLength int     `json:"snippet_max_length"`
	BM25Weight       float64 `json:"bm25_weight"`
	VectorWeight     float64 `json:"vector_weight"`
	DefaultTopK      int     `json:"default_top_k"`
}

// ParserConfig holds configuration for the external document parser service
type ParserConfig struct {
	URL     string `json:"url"`
	Timeout int    `json:"timeout"`
}

// EmbeddingConfig holds configuration for the embedding model server
type EmbeddingConfig struct {
	URL       string `json:"url"`
	Model     string `json:"model"`
	BatchSize int    `json:"batch_size"`
	Dimension int    `json:"dimension"`
	Timeout   int    `json:"timeout"`
}

// ContentConfig holds configuration for token-bounded content retrieval
type ContentConfig struct {
	DefaultMaxTokens int    `json:"default_max_tokens"`
	Tokenizer        string `json:"tokenizer"`
}

type UploadConfig struct {
	MaxBytes int64 `json:"max_bytes"`
}

type AuthConfig struct {
	APIKey string `json:"api_key"`
	// TokenSecret enables HMAC-signed service tokens as an alternative to the
	// static API key. Empty disables bearer auth.
	TokenSecret   string `json:"token_secret"`
	TokenTTLHours int    `json:"token_ttl_hours"`
}

// RedisConfig holds configuration for the search response cache
type RedisConfig struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	Password          string `json:"password"`
	DB                int    `json:"db"`
	SearchCacheTTL    int    `json:"search_cache_ttl"` // TTL for cached search responses in seconds
	EnableSearchCache bool   `json:"enable_search_cache"`
}

// IngestConfig holds configuration for the ingestion worker pool
type IngestConfig struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`
}

func LoadConfig() (*Config, error) {
	// Optional .env for local development; real deployments set env vars
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:    getEnvAsInt("SERVER_READ_TIMEOUT", 300),
			WriteTimeout:   getEnvAsInt("SERVER_WRITE_TIMEOUT", 300),
			IdleTimeout:    getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
			AllowedOrigins: getEnvAsSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "kbuser"),
			Password:     getEnv("DB_PASSWORD", ""),
			Name:         getEnv("DB_NAME", "tas_knowledge"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			MaxLifetime:  getEnvAsInt("DB_MAX_LIFETIME", 300),
		},
		Blob: BlobConfig{
			Endpoint:  getEnv("BLOB_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("BLOB_ACCESS_KEY", ""),
			SecretKey: getEnv("BLOB_SECRET_KEY", ""),
			Bucket:    getEnv("BLOB_BUCKET", "knowledge-sources"),
			UseSSL:    getEnvAsBool("BLOB_USE_SSL", false),
		},
		Search: SearchConfig{
			IndexURL:         getEnv("SEARCH_INDEX_URL", "http://localhost:9200"),
			IndexName:        getEnv("SEARCH_INDEX_NAME", "knowledge-chunks"),
			Timeout:          getEnvAsInt("SEARCH_INDEX_TIMEOUT", 30),
			SnippetMaxLength: getEnvAsInt("SEARCH_SNIPPET_MAX_LENGTH", 50),
			BM25Weight:       getEnvAsFloat("SEARCH_BM25_WEIGHT", 0.3),
			VectorWeight:     getEnvAsFloat("SEARCH_VECTOR_WEIGHT", 0.7),
			DefaultTopK:      getEnvAsInt("SEARCH_DEFAULT_TOP_K", 50),
		},
		Parser: ParserConfig{
			URL:     getEnv("PARSER_URL", "http://localhost:8000"),
			Timeout: getEnvAsInt("PARSER_TIMEOUT", 300),
		},
		Embedding: EmbeddingConfig{
			URL:       getEnv("EMBEDDING_URL", "http://localhost:11434/v1/embeddings"),
			Model:     getEnv("EMBEDDING_MODEL", "nomic-embed-text"),
			BatchSize: getEnvAsInt("EMBEDDING_BATCH_SIZE", 10),
			Dimension: getEnvAsInt("EMBEDDING_DIMENSION", 768),
			Timeout:   getEnvAsInt("EMBEDDING_TIMEOUT", 120),
		},
		Content: ContentConfig{
			DefaultMaxTokens: getEnvAsInt("CONTENT_DEFAULT_MAX_TOKENS", 25000),
			Tokenizer:        getEnv("CONTENT_TOKENIZER", "tiktoken-cl100k_base"),
		},
		Upload: UploadConfig{
			MaxBytes: getEnvAsInt64("UPLOAD_MAX_BYTES", 100*1024*1024),
		},
		Auth: AuthConfig{
			APIKey:        getEnv("API_KEY", ""),
			TokenSecret:   getEnv("SERVICE_TOKEN_SECRET", ""),
			TokenTTLHours: getEnvAsInt("SERVICE_TOKEN_TTL_HOURS", 24),
		},
		Redis: RedisConfig{
			Host:              getEnv("REDIS_HOST", "localhost"),
			Port:              getEnvAsInt("REDIS_PORT", 6379),
			Password:          getEnv("REDIS_PASSWORD", ""),
			DB:                getEnvAsInt("REDIS_DB", 0),
			SearchCacheTTL:    getEnvAsInt("REDIS_SEARCH_CACHE_TTL", 300),
			EnableSearchCache: getEnvAsBool("REDIS_ENABLE_SEARCH_CACHE", true),
		},
		Ingest: IngestConfig{
			Workers:   getEnvAsInt("INGEST_WORKERS", 4),
			QueueSize: getEnvAsInt("INGEST_QUEUE_SIZE", 64),
		},
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func validateConfig(config *Config) error {
	if config.Database.Password == "" {
		return fmt.Errorf("database password is required (DB_PASSWORD)")
	}

	if config.Auth.APIKey == "" {
		return fmt.Errorf("admin API key is required (API_KEY)")
	}

	if config.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive (EMBEDDING_DIMENSION)")
	}

	if config.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding batch size must be positive (EMBEDDING_BATCH_SIZE)")
	}

	if config.Search.BM25Weight < 0 || config.Search.VectorWeight < 0 {
		return fmt.Errorf("search weights must be non-negative")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
