package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"relay/api/internal/dedup"
)

type Config struct {
	Addr       string
	CORSOrigin string
	// Dedup window
	DedupCapacity int
	RedisURL      string
	DedupKey      string
	// Socket connections
	SendBuffer      int
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxMessageBytes int64
}

// Load reads configuration from the environment and then applies any
// command-line flags in args on top of it.
func Load(args []string) (Config, error) {
	cfg := Config{
		Addr:            getenv("API_ADDR", ":9001"),
		CORSOrigin:      getenv("RELAY_CORS_ORIGIN", "*"),
		DedupCapacity:   getenvInt("RELAY_DEDUP_CAPACITY", dedup.DefaultCapacity),
		RedisURL:        getenv("REDIS_URL", ""),
		DedupKey:        getenv("RELAY_DEDUP_KEY", "relay:dedup"),
		SendBuffer:      getenvInt("RELAY_SEND_BUFFER", 256),
		WriteTimeout:    getenvDuration("RELAY_WRITE_TIMEOUT", 10*time.Second),
		IdleTimeout:     getenvDuration("RELAY_IDLE_TIMEOUT", 32*time.Second),
		MaxMessageBytes: int64(getenvInt("RELAY_MAX_MESSAGE_BYTES", 1<<20)),
	}

	flags := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flags.StringVar(&cfg.CORSOrigin, "cors-origin", cfg.CORSOrigin, "value of Access-Control-Allow-Origin")
	flags.IntVar(&cfg.DedupCapacity, "dedup-capacity", cfg.DedupCapacity, "number of mutation ids remembered for duplicate suppression")
	flags.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "keep the dedup window in redis instead of process memory")
	flags.StringVar(&cfg.DedupKey, "dedup-key", cfg.DedupKey, "redis key holding the dedup window")
	flags.IntVar(&cfg.SendBuffer, "send-buffer", cfg.SendBuffer, "outbound frames queued per connection before it is dropped as slow")
	flags.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "socket write deadline")
	flags.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "close sockets silent for longer than this")
	flags.Int64Var(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "largest inbound socket frame accepted")
	if err := flags.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	if cfg.DedupCapacity <= 0 {
		return Config{}, fmt.Errorf("dedup capacity must be positive, got %d", cfg.DedupCapacity)
	}
	if cfg.SendBuffer <= 0 {
		return Config{}, fmt.Errorf("send buffer must be positive, got %d", cfg.SendBuffer)
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
