package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port          string
	DataDir       string
	ImageCacheDir string
	SeedDir       string
	PoolDir       string

	LibvirtURI    string
	LibvirtSocket string
	NATNetworks   []string

	AgentID         string
	AgentPrivateKey string
	CatalogURL      string
	JwtSecret       string

	LockTimeout      time.Duration
	LockPollInterval time.Duration
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	ToolTimeout      time.Duration

	OtelEnabled     bool
	OtelEndpoint    string
	OtelServiceName string
	OtelInsecure    bool
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		DataDir:       getEnv("DATA_DIR", "/var/lib/vmagent"),
		ImageCacheDir: getEnv("IMAGE_CACHE_DIR", ""),
		SeedDir:       getEnv("SEED_DIR", "/tmp"),
		PoolDir:       getEnv("POOL_DIR", ""),

		LibvirtURI:    getEnv("LIBVIRT_URI", "qemu:///system"),
		LibvirtSocket: getEnv("LIBVIRT_SOCKET", ""),
		NATNetworks:   getEnvList("NAT_NETWORKS", []string{"default"}),

		AgentID:         getEnv("AGENT_ID", "agent-1"),
		AgentPrivateKey: getEnv("AGENT_PRIVATE_KEY", "/etc/agent/agent_private.pem"),
		CatalogURL:      getEnv("CATALOG_URL", ""),
		JwtSecret:       getEnv("JWT_SECRET", ""),

		LockTimeout:      getEnvDuration("LOCK_TIMEOUT", 300*time.Second),
		LockPollInterval: getEnvDuration("LOCK_POLL_INTERVAL", 250*time.Millisecond),
		ConnectTimeout:   getEnvDuration("CONNECT_TIMEOUT", 10*time.Second),
		ReadTimeout:      getEnvDuration("READ_TIMEOUT", 300*time.Second),
		ToolTimeout:      getEnvDuration("TOOL_TIMEOUT", 30*time.Minute),

		OtelEnabled:     getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:    getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName: getEnv("OTEL_SERVICE_NAME", "vmagent"),
		OtelInsecure:    getEnvBool("OTEL_INSECURE", true),
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
