// Package config loads and validates docharvest configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Target   TargetConfig   `mapstructure:"target"`
	Run      RunConfig      `mapstructure:"run"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Circuit  CircuitConfig  `mapstructure:"circuit"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Server   ServerConfig   `mapstructure:"server"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TargetConfig describes how identifiers map to remote documents.
type TargetConfig struct {
	URLTemplate    string `mapstructure:"url_template"`
	ArtifactSuffix string `mapstructure:"artifact_suffix"`
	ContentType    string `mapstructure:"content_type"`
}

// RunConfig governs the control loop.
type RunConfig struct {
	BatchSize             int           `mapstructure:"batch_size"`
	RotationInterval      int           `mapstructure:"rotation_interval"`
	RotationPause         time.Duration `mapstructure:"rotation_pause"`
	InitialRotation       bool          `mapstructure:"initial_rotation"`
	ResetCadenceOnBlock   bool          `mapstructure:"reset_cadence_on_block"`
	MergeBlockWithCadence bool          `mapstructure:"merge_block_with_cadence"`
	RequestsPerSecond     float64       `mapstructure:"requests_per_second"`
}

// LedgerConfig selects where issued identifiers are recorded.
type LedgerConfig struct {
	Backend       string `mapstructure:"backend"`
	Dir           string `mapstructure:"dir"`
	DSN           string `mapstructure:"dsn"`
	Table         string `mapstructure:"table"`
	DenseFallback bool   `mapstructure:"dense_fallback"`
}

// SessionsConfig controls fingerprints, headers and cookie persistence.
type SessionsConfig struct {
	UserAgentsFile string            `mapstructure:"user_agents_file"`
	RotateEvery    int               `mapstructure:"rotate_every"`
	CookieDir      string            `mapstructure:"cookie_dir"`
	AcceptLanguage string            `mapstructure:"accept_language"`
	Headers        map[string]string `mapstructure:"headers"`
}

// CircuitConfig wires the anonymizing proxy and its control channel.
type CircuitConfig struct {
	Proxy            string        `mapstructure:"proxy"`
	ControlAddr      string        `mapstructure:"control_addr"`
	ControlPassword  string        `mapstructure:"control_password"`
	MaxRotations     int           `mapstructure:"max_rotations"`
	SignalRetries    int           `mapstructure:"signal_retries"`
	SignalBaseDelay  time.Duration `mapstructure:"signal_base_delay"`
	Stabilize        time.Duration `mapstructure:"stabilize"`
	ResolveRetries   int           `mapstructure:"resolve_retries"`
	ResolveDelay     time.Duration `mapstructure:"resolve_delay"`
	ResolveTimeout   time.Duration `mapstructure:"resolve_timeout"`
	MinAddressLength int           `mapstructure:"min_address_length"`
	Resolvers        []string      `mapstructure:"resolvers"`
}

// FetchConfig configures the retrieval engine's retry behavior.
type FetchConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	BlockBackoffMin time.Duration `mapstructure:"block_backoff_min"`
	BlockBackoffMax time.Duration `mapstructure:"block_backoff_max"`
	ErrorBackoffMin time.Duration `mapstructure:"error_backoff_min"`
	ErrorBackoffMax time.Duration `mapstructure:"error_backoff_max"`
	MaxBodyBytes    int           `mapstructure:"max_body_bytes"`
}

// StorageConfig sets where artifacts are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for artifact notifications. Empty topic disables them.
type PubSubConfig struct {
	// Backend is pubsub or memory.
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
	// Buffer is the number of notifications the memory backend retains.
	Buffer int `mapstructure:"buffer"`
}

// ServerConfig controls the optional status server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DOCHARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DefaultResolvers lists the public address services queried in order.
var DefaultResolvers = []string{
	"https://api.ipify.org",
	"https://check.torproject.org/api/ip",
	"https://ifconfig.me/ip",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("target.url_template", "https://www.example.gov/docs/file-{id}.pdf")
	v.SetDefault("target.artifact_suffix", ".pdf")
	v.SetDefault("target.content_type", "application/pdf")
	v.SetDefault("run.batch_size", 500)
	v.SetDefault("run.rotation_interval", 5)
	v.SetDefault("run.rotation_pause", 3*time.Second)
	v.SetDefault("run.initial_rotation", true)
	v.SetDefault("run.reset_cadence_on_block", false)
	v.SetDefault("run.merge_block_with_cadence", false)
	v.SetDefault("run.requests_per_second", 0.0)
	v.SetDefault("ledger.backend", "file")
	v.SetDefault("ledger.dir", "data")
	v.SetDefault("ledger.table", "used_ids")
	v.SetDefault("ledger.dense_fallback", false)
	v.SetDefault("sessions.user_agents_file", "config/user_agents.txt")
	v.SetDefault("sessions.rotate_every", 5)
	v.SetDefault("sessions.cookie_dir", "data/cookies")
	v.SetDefault("sessions.accept_language", "es-ES,es;q=0.9")
	v.SetDefault("circuit.proxy", "socks5h://127.0.0.1:9050")
	v.SetDefault("circuit.control_addr", "127.0.0.1:9051")
	v.SetDefault("circuit.control_password", "")
	v.SetDefault("circuit.max_rotations", 3)
	v.SetDefault("circuit.signal_retries", 3)
	v.SetDefault("circuit.signal_base_delay", 2*time.Second)
	v.SetDefault("circuit.stabilize", 3*time.Second)
	v.SetDefault("circuit.resolve_retries", 3)
	v.SetDefault("circuit.resolve_delay", 2*time.Second)
	v.SetDefault("circuit.resolve_timeout", 10*time.Second)
	v.SetDefault("circuit.min_address_length", 7)
	v.SetDefault("circuit.resolvers", DefaultResolvers)
	v.SetDefault("fetch.timeout", 20*time.Second)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.block_backoff_min", 1500*time.Millisecond)
	v.SetDefault("fetch.block_backoff_max", 3500*time.Millisecond)
	v.SetDefault("fetch.error_backoff_min", time.Second)
	v.SetDefault("fetch.error_backoff_max", 2*time.Second)
	v.SetDefault("fetch.max_body_bytes", 64<<20)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.dir", "downloads")
	v.SetDefault("pubsub.backend", "pubsub")
	v.SetDefault("pubsub.buffer", 256)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
}

// Validate enforces required values and reasonable limits. Every failure wraps
// harvest.ErrConfiguration.
func (c Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %w", harvest.ErrConfiguration, err)
	}
	return nil
}

func (c Config) validate() error {
	if !strings.Contains(c.Target.URLTemplate, "{id}") {
		return fmt.Errorf("target.url_template must contain {id}")
	}
	if c.Run.BatchSize <= 0 {
		return fmt.Errorf("run.batch_size must be > 0")
	}
	if c.Run.RotationInterval <= 0 {
		return fmt.Errorf("run.rotation_interval must be > 0")
	}
	if c.Run.RequestsPerSecond < 0 {
		return fmt.Errorf("run.requests_per_second must be >= 0")
	}
	switch c.Ledger.Backend {
	case "file", "memory":
	case "postgres":
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn must be set when ledger.backend is postgres")
		}
	default:
		return fmt.Errorf("ledger.backend %q is not one of file, postgres, memory", c.Ledger.Backend)
	}
	if c.Sessions.RotateEvery <= 0 {
		return fmt.Errorf("sessions.rotate_every must be > 0")
	}
	if c.Circuit.MaxRotations <= 0 {
		return fmt.Errorf("circuit.max_rotations must be > 0")
	}
	if c.Circuit.SignalRetries <= 0 {
		return fmt.Errorf("circuit.signal_retries must be > 0")
	}
	if c.Circuit.ResolveRetries <= 0 {
		return fmt.Errorf("circuit.resolve_retries must be > 0")
	}
	if len(c.Circuit.Resolvers) == 0 {
		return fmt.Errorf("circuit.resolvers must list at least one service")
	}
	if c.Fetch.MaxRetries <= 0 {
		return fmt.Errorf("fetch.max_retries must be > 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.BlockBackoffMin > c.Fetch.BlockBackoffMax {
		return fmt.Errorf("fetch.block_backoff_min must not exceed fetch.block_backoff_max")
	}
	if c.Fetch.ErrorBackoffMin > c.Fetch.ErrorBackoffMax {
		return fmt.Errorf("fetch.error_backoff_min must not exceed fetch.error_backoff_max")
	}
	switch c.Storage.Backend {
	case "local", "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of local, gcs, memory", c.Storage.Backend)
	}
	switch c.PubSub.Backend {
	case "pubsub":
		if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
		}
	case "memory":
		if c.PubSub.Buffer <= 0 {
			return fmt.Errorf("pubsub.buffer must be > 0 for the memory backend")
		}
	default:
		return fmt.Errorf("pubsub.backend %q is not one of pubsub, memory", c.PubSub.Backend)
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the status server is enabled")
	}
	return nil
}
