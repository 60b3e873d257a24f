package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"game_mas/internal/domain"
	"game_mas/internal/policy"
	"game_mas/internal/telemetry"
)

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Store     StoreConfig     `toml:"store" yaml:"store"`
	Analysis  AnalysisConfig  `toml:"analysis" yaml:"analysis"`
	Agents    []AgentConfig   `toml:"agents" yaml:"agents"`
	Generator GeneratorConfig `toml:"generator" yaml:"generator"`
	NATS      NATSConfig      `toml:"nats" yaml:"nats"`
	Export    ExportConfig    `toml:"export" yaml:"export"`
	Bus       BusConfig       `toml:"bus" yaml:"bus"`
	Raw       map[string]any  `toml:"-" yaml:"-"`
	Path      string          `toml:"-" yaml:"-"`
}

type ServerConfig struct {
	Addr                  string `toml:"addr" yaml:"addr"`
	BasePath              string `toml:"base_path" yaml:"base_path"`
	JWTSecret             string `toml:"jwt_secret" yaml:"jwt_secret"`
	IdempotencyTTLSeconds int    `toml:"idempotency_ttl_seconds" yaml:"idempotency_ttl_seconds"`
}

type StoreConfig struct {
	Driver      string `toml:"driver" yaml:"driver"`
	Path        string `toml:"path" yaml:"path"`
	DatabaseURL string `toml:"database_url" yaml:"database_url"`
}

type AnalysisConfig struct {
	WindowSize             int     `toml:"window_size" yaml:"window_size"`
	DrainPolicy            string  `toml:"drain_policy" yaml:"drain_policy"`
	Contamination          float64 `toml:"contamination" yaml:"contamination"`
	Trees                  int     `toml:"trees" yaml:"trees"`
	SampleSize             int     `toml:"sample_size" yaml:"sample_size"`
	Seed                   uint64  `toml:"seed" yaml:"seed"`
	RebufferOnInsufficient bool    `toml:"rebuffer_on_insufficient" yaml:"rebuffer_on_insufficient"`
	MinSuccessRate         float64 `toml:"min_success_rate" yaml:"min_success_rate"`
	MaxCompletionSeconds   float64 `toml:"max_completion_seconds" yaml:"max_completion_seconds"`
}

type AgentConfig struct {
	ID   string           `toml:"id" yaml:"id"`
	Kind domain.AgentKind `toml:"kind" yaml:"kind"`
}

type GeneratorConfig struct {
	Endpoint       string `toml:"endpoint" yaml:"endpoint"`
	Model          string `toml:"model" yaml:"model"`
	AuthToken      string `toml:"auth_token" yaml:"auth_token"`
	TimeoutMS      int    `toml:"timeout_ms" yaml:"timeout_ms"`
	Retries        int    `toml:"retries" yaml:"retries"`
	RetryBackoffMS int    `toml:"retry_backoff_ms" yaml:"retry_backoff_ms"`
}

type NATSConfig struct {
	URL     string `toml:"url" yaml:"url"`
	Subject string `toml:"subject" yaml:"subject"`
}

type ExportConfig struct {
	Root  string        `toml:"root" yaml:"root"`
	Rules []policy.Rule `toml:"rules" yaml:"rules"`
}

type BusConfig struct {
	Buffer int `toml:"buffer" yaml:"buffer"`
}

// Default is the configuration used when no file is given.
func Default() Config {
	return Config{}.WithDefaults()
}

// Load reads a TOML or YAML file (chosen by extension) and applies defaults.
// An empty path returns Default().
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	resolved, err := expandHome(path)
	if err != nil {
		return Config{}, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	var raw map[string]any
	switch strings.ToLower(filepath.Ext(resolved)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("decode config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("decode raw config: %w", err)
		}
	default:
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("decode config file: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("decode config file: unknown key %s", undecoded[0].String())
		}
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return Config{}, fmt.Errorf("decode raw config: %w", err)
		}
	}
	cfg = cfg.WithDefaults()
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

func (c Config) WithDefaults() Config {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/v1"
	}
	if c.Server.IdempotencyTTLSeconds <= 0 {
		c.Server.IdempotencyTTLSeconds = 600
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreSQLite
	}
	if c.Store.Path == "" {
		c.Store.Path = "game_mas.db"
	}
	if c.Analysis.WindowSize <= 0 {
		c.Analysis.WindowSize = telemetry.DefaultWindowSize
	}
	if c.Analysis.DrainPolicy == "" {
		c.Analysis.DrainPolicy = string(telemetry.DrainAll)
	}
	if c.Analysis.Contamination <= 0 {
		c.Analysis.Contamination = 0.1
	}
	if c.Analysis.Trees <= 0 {
		c.Analysis.Trees = 100
	}
	if c.Analysis.SampleSize <= 0 {
		c.Analysis.SampleSize = 256
	}
	if c.Analysis.MinSuccessRate <= 0 {
		c.Analysis.MinSuccessRate = 0.4
	}
	if c.Analysis.MaxCompletionSeconds <= 0 {
		c.Analysis.MaxCompletionSeconds = 300
	}
	if len(c.Agents) == 0 {
		c.Agents = []AgentConfig{
			{ID: "balancer-1", Kind: domain.AgentKindBalancer},
			{ID: "environment-1", Kind: domain.AgentKindEnvironment},
			{ID: "npc-1", Kind: domain.AgentKindNPC},
			{ID: "content-1", Kind: domain.AgentKindContent},
		}
	}
	if c.Generator.TimeoutMS <= 0 {
		c.Generator.TimeoutMS = 60_000
	}
	if c.Generator.Retries <= 0 {
		c.Generator.Retries = 2
	}
	if c.Generator.RetryBackoffMS <= 0 {
		c.Generator.RetryBackoffMS = 1500
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "game_mas.adjustments"
	}
	if c.Export.Root == "" {
		c.Export.Root = "exports"
	}
	if c.Bus.Buffer <= 0 {
		c.Bus.Buffer = 64
	}
	return c
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case StoreSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case StorePostgres:
		if strings.TrimSpace(c.Store.DatabaseURL) == "" {
			errs = append(errs, errors.New("store.database_url is required for postgres"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of sqlite, postgres, memory", c.Store.Driver))
	}
	if _, err := telemetry.ParseDrainPolicy(c.Analysis.DrainPolicy); err != nil {
		errs = append(errs, fmt.Errorf("analysis.drain_policy: %w", err))
	}
	if c.Analysis.Contamination < 0 || c.Analysis.Contamination > 0.5 {
		errs = append(errs, fmt.Errorf("analysis.contamination %v must be within [0, 0.5]", c.Analysis.Contamination))
	}
	if c.Analysis.MinSuccessRate > 1 {
		errs = append(errs, fmt.Errorf("analysis.min_success_rate %v must not exceed 1", c.Analysis.MinSuccessRate))
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path %q must start with /", c.Server.BasePath))
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("agents[%d].id is empty", i))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("agents[%d].id %q is duplicated", i, id))
		}
		seen[id] = true
		if !a.Kind.Valid() {
			errs = append(errs, fmt.Errorf("agents[%d].kind %q is unknown", i, a.Kind))
		}
	}
	if _, err := policy.New(c.Export.Rules); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (g GeneratorConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutMS) * time.Millisecond
}

func (g GeneratorConfig) RetryBackoff() time.Duration {
	return time.Duration(g.RetryBackoffMS) * time.Millisecond
}

func (s ServerConfig) IdempotencyTTL() time.Duration {
	return time.Duration(s.IdempotencyTTLSeconds) * time.Second
}

func expandHome(path string) (string, error) {
	resolved := path
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	return filepath.Clean(resolved), nil
}
