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
	Bus      BusConfig
	Align    AlignConfig
	Worker   WorkerConfig
	Consumer ConsumerConfig
	Objects  ObjectStoreConfig
	Status   StatusConfig
	OpenAI   OpenAIConfig
	OTel     OTelConfig
	Env      string
	Port     string
}

// BusConfig is the connection configuration handed to the connection manager.
// StreamName, KVName and OSName are optional; an empty name skips provisioning
// of that subsystem.
type BusConfig struct {
	Host        string
	Credentials string // path to a NATS .creds file; switches the scheme to tls://
	Domain      string // JetStream domain, empty for the default
	StreamName  string
	Category    string
	KVName      string
	OSName      string
	Session     string
	SubBuckets  bool // provision jobs/fabric/runs sub-buckets next to KVName and OSName
	Index       IndexConfig
}

// IndexConfig describes the vector index that embedding payloads target.
// The index itself is an external service; the values travel with the
// connection so producers and consumers agree on dimension and model.
type IndexConfig struct {
	Dimension int
	Model     string
	Metric    string
	IndexType string
	NList     int
}

type AlignConfig struct {
	Backoff     string        // "exponential" or "linear"
	MaxDelay    time.Duration // cap on a single wait, 0 = uncapped
	MaxAttempts int           // 0 = retry until the context ends
}

type WorkerConfig struct {
	Role         string
	PollInterval time.Duration
	Local        bool
	MaxAttempts  int
	WorkDir      string
}

type ConsumerConfig struct {
	Bandwidth    int
	AckWait      time.Duration
	FetchTimeout time.Duration
	RetryDelay   time.Duration
}

type ObjectStoreConfig struct {
	Backend        string // "jetstream" or "minio"
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIORegion    string
	MinIOUseSSL    bool
}

type StatusConfig struct {
	RedisURL string
	Stream   string
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type OTelConfig struct {
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
}

type ServiceType string

const (
	ServiceTypeServer ServiceType = "server"
	ServiceTypeWorker ServiceType = "worker"
	ServiceTypeCLI    ServiceType = "cli"
)

const (
	ObjectStoreJetStream = "jetstream"
	ObjectStoreMinIO     = "minio"
)

// Load loads configuration from environment variables.
// In development, it loads from service-specific .env files:
//   - .env.server for the control plane
//   - .env.worker for workers
//   - .env.cli for the operator CLI
//
// Falls back to .env if service-specific file doesn't exist.
func Load(serviceType ServiceType) (Config, error) {
	if getEnv("MAGNET_ENV", "development") == "development" {
		envFile := fmt.Sprintf(".env.%s", serviceType)
		if err := godotenv.Load(envFile); err != nil {
			_ = godotenv.Load(".env")
		}
	}

	cfg := Config{
		Env:  getEnv("MAGNET_ENV", "development"),
		Port: getEnv("PORT", "8080"),
		Bus: BusConfig{
			Host:        getEnv("NATS_HOST", ""),
			Credentials: getEnv("NATS_CREDENTIALS", ""),
			Domain:      getEnv("NATS_DOMAIN", ""),
			StreamName:  getEnv("MAGNET_STREAM", ""),
			Category:    getEnv("MAGNET_CATEGORY", "magnet"),
			KVName:      getEnv("MAGNET_KV", ""),
			OSName:      getEnv("MAGNET_OS", ""),
			Session:     getEnv("MAGNET_SESSION", "magnet"),
			SubBuckets:  getEnvBool("MAGNET_SUB_BUCKETS", true),
			Index: IndexConfig{
				Dimension: getEnvInt("INDEX_DIMENSION", 768),
				Model:     getEnv("INDEX_MODEL", "BAAI/bge-base-en-v1.5"),
				Metric:    getEnv("INDEX_METRIC", "COSINE"),
				IndexType: getEnv("INDEX_TYPE", "IVF_FLAT"),
				NList:     getEnvInt("INDEX_NLIST", 1024),
			},
		},
		Align: AlignConfig{
			Backoff:     getEnv("ALIGN_BACKOFF", "exponential"),
			MaxDelay:    getEnvDuration("ALIGN_MAX_DELAY", 5*time.Minute),
			MaxAttempts: getEnvInt("ALIGN_MAX_ATTEMPTS", 0),
		},
		Worker: WorkerConfig{
			Role:         getEnv("WORKER_ROLE", ""),
			PollInterval: getEnvDuration("WORKER_POLL_INTERVAL", 10*time.Second),
			Local:        getEnvBool("WORKER_LOCAL", false),
			MaxAttempts:  getEnvInt("JOB_MAX_ATTEMPTS", 3),
			WorkDir:      getEnv("WORK_DIR", os.TempDir()),
		},
		Consumer: ConsumerConfig{
			Bandwidth:    getEnvInt("CONSUMER_BANDWIDTH", 1000),
			AckWait:      getEnvDuration("CONSUMER_ACK_WAIT", time.Hour),
			FetchTimeout: getEnvDuration("FETCH_TIMEOUT", 5*time.Second),
			RetryDelay:   getEnvDuration("LISTEN_RETRY_DELAY", time.Second),
		},
		Objects: ObjectStoreConfig{
			Backend:        strings.ToLower(getEnv("OBJECT_STORE_BACKEND", ObjectStoreJetStream)),
			MinIOEndpoint:  getEnv("MINIO_ENDPOINT", ""),
			MinIOAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			MinIOSecretKey: getEnv("MINIO_SECRET_KEY", ""),
			MinIORegion:    getEnv("MINIO_REGION", "us-east-1"),
			MinIOUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		},
		Status: StatusConfig{
			RedisURL: getEnv("STATUS_REDIS_URL", ""),
			Stream:   getEnv("STATUS_STREAM", "magnet:status"),
		},
		OpenAI: OpenAIConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			BaseURL: getEnv("OPENAI_BASE_URL", ""),
			Model:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		},
		OTel: OTelConfig{
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "magnet"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
		},
	}

	if cfg.Bus.Host == "" {
		return Config{}, fmt.Errorf("NATS_HOST is required")
	}

	if cfg.Objects.Backend != ObjectStoreJetStream && cfg.Objects.Backend != ObjectStoreMinIO {
		return Config{}, fmt.Errorf("OBJECT_STORE_BACKEND must be %q or %q", ObjectStoreJetStream, ObjectStoreMinIO)
	}

	if cfg.Objects.Backend == ObjectStoreMinIO && cfg.Objects.MinIOEndpoint == "" {
		return Config{}, fmt.Errorf("MINIO_ENDPOINT is required when OBJECT_STORE_BACKEND=minio")
	}

	return cfg, nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

func (c OpenAIConfig) Enabled() bool {
	return c.APIKey != ""
}

func (c StatusConfig) RedisEnabled() bool {
	return c.RedisURL != ""
}

// String renders the connection without credentials, for status events.
func (c BusConfig) String() string {
	return fmt.Sprintf("host=%s stream=%s category=%s kv=%s os=%s session=%s",
		c.Host, c.StreamName, c.Category, c.KVName, c.OSName, c.Session)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
