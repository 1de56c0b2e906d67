package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig
	Log     LogConfig
	Store   StoreConfig
	Queue   QueueConfig
	Docker  DockerConfig
	SSH     SSHConfig
	Tracing TracingConfig
	Timing  TimingConfig
	Pools   []PoolConfig
}

type ServerConfig struct {
	Host          string
	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	APIKey        string
	AssignTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type StoreConfig struct {
	Backend    string // "valkey", "badger" or "memory"
	ValkeyAddr string
	Password   string
	DB         int

	// BadgerDir is the data directory of the badger backend.
	BadgerDir string
}

// QueueConfig configures the session bridge. An empty NATSURL disables it.
type QueueConfig struct {
	NATSURL       string
	StreamName    string
	BindingBucket string
}

// DockerConfig configures the container that backs each VM.
type DockerConfig struct {
	Image       string
	GatewayHost string // public host the instances are reachable on
	CertDir     string
	Screen      string
	ShmSize     string
	LogMaxSize  string
}

// SSHConfig configures the remote docker host used by the sshdocker provider.
type SSHConfig struct {
	Host      string
	Port      int
	User      string
	KeyBase64 string
	KeyPath   string

	// KnownHosts is an OpenSSH known_hosts file. Empty disables host key checks.
	KnownHosts string
	Timeout    time.Duration
}

type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // "stdout" or "otlp"

	// OTLPEndpoint is host:port of an OTLP/HTTP collector.
	OTLPEndpoint string
	OTLPInsecure bool
}

// TimingConfig holds every control loop interval and threshold.
type TimingConfig struct {
	GrowInterval    time.Duration
	ShrinkInterval  time.Duration
	ReapInterval    time.Duration
	ReleaseInterval time.Duration
	RenewInterval   time.Duration
	StagingDelay    time.Duration
	ResetSettle     time.Duration
	LockTTL         time.Duration
	MinShrinkAge    time.Duration
	ProbeTimeout    time.Duration
	PowerOnEvery    int
	GiveUpAfter     int

	// LaunchRate caps provider launches per second per pool. Zero is unlimited.
	LaunchRate  float64
	LaunchBurst int
}

// PoolConfig describes a single provider × size class pool.
type PoolConfig struct {
	Provider string `yaml:"provider" toml:"provider"`
	Large    bool   `yaml:"large" toml:"large"`
	Buffer   int    `yaml:"buffer" toml:"buffer"`
	Fixed    int    `yaml:"fixed" toml:"fixed"`
}

type poolsFile struct {
	Pools []PoolConfig `yaml:"pools" toml:"pools"`
}

// KnownProviders lists the provider names an adapter exists for.
var KnownProviders = []string{"docker", "sshdocker"}

// Load loads configuration from environment variables with sensible defaults.
// When POOLS_FILE is set, pool definitions are read from that YAML or TOML file
// instead of the single-pool environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:          getEnv("SERVER_HOST", "0.0.0.0"),
			Port:          getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:   getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:  getEnvDuration("SERVER_WRITE_TIMEOUT", 90*time.Second),
			APIKey:        getEnv("API_KEY", ""),
			AssignTimeout: getEnvDuration("ASSIGN_TIMEOUT", 60*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Store: StoreConfig{
			Backend:    getEnv("STORE_BACKEND", "valkey"),
			ValkeyAddr: getEnv("VALKEY_ADDR", "localhost:6379"),
			Password:   getEnv("VALKEY_PASSWORD", ""),
			DB:         getEnvInt("VALKEY_DB", 0),
			BadgerDir:  getEnv("BADGER_DIR", "./data/pool"),
		},
		Queue: QueueConfig{
			NATSURL:       getEnv("NATS_URL", ""),
			StreamName:    getEnv("NATS_STREAM_NAME", "VBROWSER"),
			BindingBucket: getEnv("NATS_BINDING_BUCKET", "VM_BINDINGS"),
		},
		Docker: DockerConfig{
			Image:       getEnv("VBROWSER_IMAGE", "howardc93/vbrowser"),
			GatewayHost: getEnv("DOCKER_VM_HOST", "localhost"),
			CertDir:     getEnv("DOCKER_CERT_DIR", "/etc/letsencrypt"),
			Screen:      getEnv("VBROWSER_SCREEN", "1280x720@30"),
			ShmSize:     getEnv("VBROWSER_SHM_SIZE", "1g"),
			LogMaxSize:  getEnv("VBROWSER_LOG_MAX_SIZE", "1g"),
		},
		SSH: SSHConfig{
			Host:       getEnv("DOCKER_VM_HOST", "localhost"),
			Port:       getEnvInt("DOCKER_VM_HOST_SSH_PORT", 22),
			User:       getEnv("DOCKER_VM_HOST_SSH_USER", "root"),
			KeyBase64:  getEnv("DOCKER_VM_HOST_SSH_KEY_BASE64", ""),
			KeyPath:    getEnv("DOCKER_VM_HOST_SSH_KEY_PATH", ""),
			KnownHosts: getEnv("DOCKER_VM_HOST_SSH_KNOWN_HOSTS", ""),
			Timeout:    getEnvDuration("DOCKER_VM_HOST_SSH_TIMEOUT", 30*time.Second),
		},
		Tracing: TracingConfig{
			Enabled:      getEnvBool("TRACING_ENABLED", false),
			ServiceName:  getEnv("TRACING_SERVICE_NAME", "vbrowser-pool"),
			Exporter:     getEnv("TRACING_EXPORTER", "stdout"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
			OTLPInsecure: getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
		Timing: DefaultTiming(),
	}

	t := &cfg.Timing
	t.GrowInterval = getEnvDuration("POOL_GROW_INTERVAL", t.GrowInterval)
	t.ShrinkInterval = getEnvDuration("POOL_SHRINK_INTERVAL", t.ShrinkInterval)
	t.ReapInterval = getEnvDuration("POOL_REAP_INTERVAL", t.ReapInterval)
	t.ReleaseInterval = getEnvDuration("POOL_RELEASE_INTERVAL", t.ReleaseInterval)
	t.RenewInterval = getEnvDuration("POOL_RENEW_INTERVAL", t.RenewInterval)
	t.StagingDelay = getEnvDuration("POOL_STAGING_DELAY", t.StagingDelay)
	t.ResetSettle = getEnvDuration("POOL_RESET_SETTLE", t.ResetSettle)
	t.LockTTL = getEnvDuration("POOL_LOCK_TTL", t.LockTTL)
	t.MinShrinkAge = getEnvDuration("POOL_MIN_SHRINK_AGE", t.MinShrinkAge)
	t.ProbeTimeout = getEnvDuration("POOL_PROBE_TIMEOUT", t.ProbeTimeout)
	t.PowerOnEvery = getEnvInt("POOL_POWER_ON_EVERY", t.PowerOnEvery)
	t.GiveUpAfter = getEnvInt("POOL_GIVE_UP_AFTER", t.GiveUpAfter)
	t.LaunchRate = getEnvFloat("POOL_LAUNCH_RATE", t.LaunchRate)
	t.LaunchBurst = getEnvInt("POOL_LAUNCH_BURST", t.LaunchBurst)

	if path := os.Getenv("POOLS_FILE"); path != "" {
		pools, err := LoadPoolsFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Pools = pools
	} else {
		cfg.Pools = poolsFromEnv()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultTiming returns the production loop cadence.
func DefaultTiming() TimingConfig {
	return TimingConfig{
		GrowInterval:    10 * time.Second,
		ShrinkInterval:  3 * time.Minute,
		ReapInterval:    3 * time.Minute,
		ReleaseInterval: 5 * time.Minute,
		RenewInterval:   60 * time.Second,
		StagingDelay:    1 * time.Second,
		ResetSettle:     3 * time.Second,
		LockTTL:         300 * time.Second,
		MinShrinkAge:    45 * time.Minute,
		ProbeTimeout:    1 * time.Second,
		PowerOnEvery:    20,
		GiveUpAfter:     600,
		LaunchBurst:     1,
	}
}

// LoadPoolsFile reads pool definitions from a YAML file, or a TOML file when
// the name ends in .toml.
func LoadPoolsFile(path string) ([]PoolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pools file: %w", err)
	}
	var pf poolsFile
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &pf)
	} else {
		err = yaml.Unmarshal(data, &pf)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse pools file: %w", err)
	}
	return pf.Pools, nil
}

// poolsFromEnv builds a normal pool for POOL_PROVIDER, plus a large pool when
// POOL_LARGE is set or a large buffer or fleet is configured.
func poolsFromEnv() []PoolConfig {
	provider := getEnv("POOL_PROVIDER", "docker")
	pools := []PoolConfig{{
		Provider: provider,
		Buffer:   getEnvInt("VBROWSER_VM_BUFFER", 0),
		Fixed:    getEnvInt("VM_POOL_FIXED_SIZE", 0),
	}}

	large := PoolConfig{
		Provider: provider,
		Large:    true,
		Buffer:   getEnvInt("VBROWSER_VM_BUFFER_LARGE", 0),
		Fixed:    getEnvInt("VM_POOL_FIXED_SIZE_LARGE", 0),
	}
	if getEnvBool("POOL_LARGE", false) || large.Buffer > 0 || large.Fixed > 0 {
		pools = append(pools, large)
	}
	return pools
}

// Validate rejects configurations the pool manager cannot run with.
func (c *Config) Validate() error {
	if len(c.Pools) == 0 {
		return fmt.Errorf("no pools configured")
	}
	seen := make(map[string]bool, len(c.Pools))
	for _, p := range c.Pools {
		if !isKnownProvider(p.Provider) {
			return fmt.Errorf("pool %q: unknown provider", p.Provider)
		}
		if p.Buffer < 0 || p.Fixed < 0 {
			return fmt.Errorf("pool %q: buffer and fixed size must not be negative", p.Provider)
		}
		name := p.Provider
		if p.Large {
			name += "Large"
		}
		if seen[name] {
			return fmt.Errorf("pool %q defined twice", name)
		}
		seen[name] = true
	}
	switch c.Store.Backend {
	case "valkey", "memory":
	case "badger":
		if c.Store.BadgerDir == "" {
			return fmt.Errorf("badger store requires BADGER_DIR")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter != "stdout" && c.Tracing.Exporter != "otlp" {
		return fmt.Errorf("unknown tracing exporter %q", c.Tracing.Exporter)
	}
	for _, iv := range []struct {
		env string
		d   time.Duration
	}{
		{"POOL_GROW_INTERVAL", c.Timing.GrowInterval},
		{"POOL_SHRINK_INTERVAL", c.Timing.ShrinkInterval},
		{"POOL_REAP_INTERVAL", c.Timing.ReapInterval},
		{"POOL_RELEASE_INTERVAL", c.Timing.ReleaseInterval},
		{"POOL_RENEW_INTERVAL", c.Timing.RenewInterval},
	} {
		if iv.d <= 0 {
			return fmt.Errorf("%s must be positive", iv.env)
		}
	}
	// Store TTLs have whole-second resolution.
	if c.Timing.LockTTL < time.Second {
		return fmt.Errorf("POOL_LOCK_TTL must be at least 1s")
	}
	if c.Timing.LaunchRate < 0 {
		return fmt.Errorf("launch rate must not be negative")
	}
	if c.Timing.PowerOnEvery <= 0 || c.Timing.GiveUpAfter <= 0 {
		return fmt.Errorf("power-on and give-up thresholds must be positive")
	}
	return nil
}

func isKnownProvider(name string) bool {
	for _, p := range KnownProviders {
		if p == name {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
