package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where derivgate operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "development"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "production"
)

// SupportedExchanges lists the exchange types accepted in configuration.
var SupportedExchanges = []string{"binancefutures", "krakenfutures"}

// TelemetryConfig configures OpenTelemetry exporters.
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// ExchangeConfig describes one exchange instance.
type ExchangeConfig struct {
	Name      string         `yaml:"name"`
	Exchange  string         `yaml:"exchange"`
	APIKey    string         `yaml:"apiKey"`
	APISecret string         `yaml:"apiSecret"`
	Symbols   []string       `yaml:"symbols"`
	Config    map[string]any `yaml:"config"`
}

// Settings flattens the entry into the settings map consumed by adapter factories.
func (e ExchangeConfig) Settings() map[string]any {
	nested := make(map[string]any, len(e.Config))
	for k, v := range e.Config {
		nested[k] = v
	}
	out := map[string]any{
		"name":   e.Name,
		"config": nested,
	}
	if e.APIKey != "" {
		out["api_key"] = e.APIKey
	}
	if e.APISecret != "" {
		out["api_secret"] = e.APISecret
	}
	return out
}

// AppConfig is the unified derivgate application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Exchanges   []ExchangeConfig `yaml:"exchanges"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	cfg := AppConfig{}
	cfg.normalise()
	return cfg
}

// Load reads, expands and validates an AppConfig from the provided YAML file.
// A .env file next to the config (or in the working directory) is loaded first;
// variables already present in the environment win.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	loadDotEnv(configPath)

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// LoadOrDefault behaves like Load but falls back to Default when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse decodes YAML bytes after ${VAR} expansion.
func Parse(raw []byte) (AppConfig, error) {
	expanded := os.ExpandEnv(string(raw))

	var cfg AppConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "derivgate"
	}

	for i := range c.Exchanges {
		ex := &c.Exchanges[i]
		ex.Exchange = strings.ToLower(strings.TrimSpace(ex.Exchange))
		ex.Name = strings.TrimSpace(ex.Name)
		if ex.Name == "" {
			ex.Name = ex.Exchange
		}
		ex.APIKey = strings.TrimSpace(ex.APIKey)
		ex.APISecret = strings.TrimSpace(ex.APISecret)
		symbols := ex.Symbols[:0]
		for _, sym := range ex.Symbols {
			if trimmed := strings.TrimSpace(sym); trimmed != "" {
				symbols = append(symbols, trimmed)
			}
		}
		ex.Symbols = symbols
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of development, staging, production")
	}

	seen := make(map[string]struct{}, len(c.Exchanges))
	for i, ex := range c.Exchanges {
		if ex.Exchange == "" {
			return fmt.Errorf("exchanges[%d]: exchange type required", i)
		}
		if !supported(ex.Exchange) {
			return fmt.Errorf("exchanges[%d]: unknown exchange type %q", i, ex.Exchange)
		}
		key := strings.ToLower(ex.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate exchange name %q", ex.Name)
		}
		seen[key] = struct{}{}
		if (ex.APIKey == "") != (ex.APISecret == "") {
			return fmt.Errorf("exchange %q: apiKey and apiSecret must be set together", ex.Name)
		}
	}
	return nil
}

func supported(typ string) bool {
	for _, known := range SupportedExchanges {
		if known == typ {
			return true
		}
	}
	return false
}

func loadDotEnv(configPath string) {
	candidates := []string{".env"}
	if dir := filepath.Dir(strings.TrimSpace(configPath)); dir != "." {
		candidates = append([]string{filepath.Join(dir, ".env")}, candidates...)
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		_ = godotenv.Load(path)
	}
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
