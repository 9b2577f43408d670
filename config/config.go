// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// StorageConfig controls the Chunk Store, Session Registry and the
// background Sweeper.
type StorageConfig struct {
	Root                      string
	MaxChunkBytes             int64
	SessionTTLActive          time.Duration
	SessionTTLCompleted       time.Duration
	SweeperInterval           time.Duration
	AssemblyBufferBytes       int
	CompletionRetryInitial    time.Duration
	CompletionRetryMax        time.Duration
	SessionIdentifierAlphabet string
}

// ServiceConfig controls the network surfaces exposed by the process.
type ServiceConfig struct {
	HTTPAddr       string
	GRPCHealthAddr string
}

// AWSConfig gates the optional AWS-backed domain components. Every
// field is optional; an empty bucket/table/queue name disables the
// corresponding component instead of erroring at startup.
type AWSConfig struct {
	Region          string
	AccountID       string
	ArchiveBucket   string
	LedgerTable     string
	EventsQueueName string
}

func (c AWSConfig) ArchiveEnabled() bool { return c.ArchiveBucket != "" }
func (c AWSConfig) LedgerEnabled() bool  { return c.LedgerTable != "" }
func (c AWSConfig) EventsEnabled() bool  { return c.EventsQueueName != "" }

// RedisConfig gates the optional caching layer.
type RedisConfig struct {
	Addr string
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// TracingConfig gates OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
}

// Config is the fully resolved process configuration.
type Config struct {
	Env       string
	Storage   StorageConfig
	Service   ServiceConfig
	AWSConfig AWSConfig
	Redis     RedisConfig
	Tracing   TracingConfig
}

// Load reads Config from the environment, applying the defaults a
// developer running the process locally would expect. Callers that
// need `.env` support import github.com/joho/godotenv/autoload before
// calling Load so the process environment is already populated.
func Load() Config {
	return Config{
		Env: getString("APP_ENV", "development"),
		Storage: StorageConfig{
			Root:                      getString("STORAGE_ROOT", "./uploaded_data"),
			MaxChunkBytes:             getInt64("MAX_CHUNK_BYTES", 16<<20),
			SessionTTLActive:          getDuration("SESSION_TTL_ACTIVE", 24*time.Hour),
			SessionTTLCompleted:       getDuration("SESSION_TTL_COMPLETED", 7*24*time.Hour),
			SweeperInterval:           getDuration("SWEEPER_INTERVAL", time.Hour),
			AssemblyBufferBytes:       getInt("ASSEMBLY_BUFFER_BYTES", 1<<20),
			CompletionRetryInitial:    getDuration("COMPLETION_RETRY_INITIAL", 3*time.Second),
			CompletionRetryMax:        getDuration("COMPLETION_RETRY_MAX", time.Minute),
			SessionIdentifierAlphabet: getString("SESSION_ID_ALPHABET", "0123456789abcdefABCDEF-_"),
		},
		Service: ServiceConfig{
			HTTPAddr:       getString("HTTP_ADDR", ":8080"),
			GRPCHealthAddr: getString("GRPC_HEALTH_ADDR", ":9090"),
		},
		AWSConfig: AWSConfig{
			Region:          getString("AWS_REGION", "us-east-1"),
			AccountID:       getString("AWS_ACCOUNT_ID", ""),
			ArchiveBucket:   getString("ARCHIVE_BUCKET", ""),
			LedgerTable:     getString("LEDGER_TABLE", ""),
			EventsQueueName: getString("EVENTS_QUEUE_NAME", ""),
		},
		Redis: RedisConfig{
			Addr: getString("REDIS_ADDR", ""),
		},
		Tracing: TracingConfig{
			Enabled:     getBool("TRACING_ENABLED", false),
			ServiceName: getString("TRACING_SERVICE_NAME", "recorder-uploads"),
		},
	}
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Validate checks the invariants the rest of the process assumes hold.
func (c Config) Validate() error {
	if c.Storage.Root == "" {
		return fmt.Errorf("storage root must not be empty")
	}
	if c.Storage.MaxChunkBytes <= 0 {
		return fmt.Errorf("max chunk bytes must be positive")
	}
	if c.Storage.SessionIdentifierAlphabet == "" {
		return fmt.Errorf("session identifier alphabet must not be empty")
	}
	return nil
}
