// Package config loads and holds the engine configuration.
// Settings start from defaults, are overridden by an optional config file
// (JSON, TOML or YAML) and then by environment variables. The result is
// validated once at startup; every problem is an ErrConfiguration.
package config

import (
	"bytes"
	_ "embed"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"pii-entanglement/internal/entanglement"
	"pii-entanglement/internal/hasher"
	"pii-entanglement/internal/logger"
	"pii-entanglement/internal/session"
)

// ErrConfiguration is hasher.ErrConfiguration, so errors.Is works whichever
// layer rejected the setting.
var ErrConfiguration = hasher.ErrConfiguration

//go:embed schema.json
var schemaJSON []byte

// Duration is a time.Duration written as a Go duration string ("30m").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config holds the full engine configuration.
type Config struct {
	LogLevel        string `json:"logLevel"`
	BindAddress     string `json:"bindAddress"`
	ManagementPort  int    `json:"managementPort"` // 0 disables the management API
	ManagementToken string `json:"managementToken"`

	HashKey     string `json:"hashKey"` // hex or base64
	HashKeyFile string `json:"hashKeyFile"`

	RiskWeights             map[string]float64 `json:"riskWeights"` // required; unlisted types weigh 0
	MaxRiskScore            float64            `json:"maxRiskScore"`
	HighConfidenceThreshold float64            `json:"highConfidenceThreshold"`

	StoreBackend    string   `json:"storeBackend"`
	StorePath       string   `json:"storePath"`
	StoreCapacity   int      `json:"storeCapacity"`
	SessionTTL      Duration `json:"sessionTTL"`
	PruneInterval   Duration `json:"pruneInterval"`
	ForensicWorkers int      `json:"forensicWorkers"`

	// Decoded secret, set by Validate. Never serialised.
	key []byte
}

// Load returns config with defaults overridden by the file at path (if path
// is non-empty) and env vars, then validated.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := loadEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		LogLevel:                "info",
		BindAddress:             "127.0.0.1",
		ManagementPort:          8081,
		MaxRiskScore:            entanglement.DefaultMaxRiskScore,
		HighConfidenceThreshold: entanglement.DefaultHighConfidenceThreshold,
		StoreBackend:            session.BackendMemory,
		SessionTTL:              Duration(24 * time.Hour),
		PruneInterval:           Duration(10 * time.Minute),
		ForensicWorkers:         4,
	}
}

// loadFile decodes path by extension, checks it against the embedded schema
// and applies it over cfg.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrConfiguration, path, err)
	}

	doc, err := toJSON(filepath.Ext(path), data)
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrConfiguration, path, err)
	}
	if err := validateSchema(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfiguration, path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrConfiguration, path, err)
	}
	return nil
}

// toJSON normalises a config document of any supported format to JSON.
func toJSON(ext string, data []byte) ([]byte, error) {
	var doc map[string]any
	switch strings.ToLower(ext) {
	case ".json", "":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
		return data, nil
	case ".toml":
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return json.Marshal(doc)
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.schema.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = c.Compile("config.schema.json")
	})
	return schema, schemaErr
}

func validateSchema(doc []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	var instance any
	if err := json.Unmarshal(doc, &instance); err != nil {
		return err
	}
	return s.Validate(instance)
}

func loadEnv(cfg *Config) error {
	if v := os.Getenv("ENTANGLEMENT_KEY"); v != "" {
		cfg.HashKey = v
	}
	if v := os.Getenv("ENTANGLEMENT_KEY_FILE"); v != "" {
		cfg.HashKeyFile = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.StoreBackend = v
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("RISK_WEIGHTS"); v != "" {
		w, err := parseWeights(v)
		if err != nil {
			return fmt.Errorf("%w: RISK_WEIGHTS: %v", ErrConfiguration, err)
		}
		cfg.RiskWeights = w
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"MANAGEMENT_PORT", &cfg.ManagementPort},
		{"STORE_CAPACITY", &cfg.StoreCapacity},
		{"FORENSIC_WORKERS", &cfg.ForensicWorkers},
	}
	for _, e := range ints {
		if v := os.Getenv(e.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q is not an integer", ErrConfiguration, e.name, v)
			}
			*e.dst = n
		}
	}

	durations := []struct {
		name string
		dst  *Duration
	}{
		{"SESSION_TTL", &cfg.SessionTTL},
		{"PRUNE_INTERVAL", &cfg.PruneInterval},
	}
	for _, e := range durations {
		if v := os.Getenv(e.name); v != "" {
			if err := e.dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%w: %s=%q: %v", ErrConfiguration, e.name, v, err)
			}
		}
	}
	return nil
}

// Validate checks every field and decodes the hashing secret.
func (c *Config) Validate() error {
	if !logger.ValidLevel(c.LogLevel) {
		return fmt.Errorf("%w: unknown log level %q", ErrConfiguration, c.LogLevel)
	}
	if c.ManagementPort < 0 || c.ManagementPort > 65535 {
		return fmt.Errorf("%w: management port %d out of range", ErrConfiguration, c.ManagementPort)
	}

	key, err := c.resolveKey()
	if err != nil {
		return err
	}
	if err := hasher.ValidateSecret(key); err != nil {
		return err
	}
	c.key = key

	if _, err := c.Weights(); err != nil {
		return err
	}
	if c.MaxRiskScore <= 0 {
		return fmt.Errorf("%w: maxRiskScore must be > 0", ErrConfiguration)
	}
	if c.HighConfidenceThreshold <= 0 || c.HighConfidenceThreshold > 1 {
		return fmt.Errorf("%w: highConfidenceThreshold must be in (0, 1]", ErrConfiguration)
	}

	switch strings.ToLower(c.StoreBackend) {
	case session.BackendMemory:
	case session.BackendBolt, session.BackendSQLite:
		if c.StorePath == "" {
			return fmt.Errorf("%w: storePath is required for the %s backend", ErrConfiguration, c.StoreBackend)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrConfiguration, c.StoreBackend)
	}
	if c.StoreCapacity < 0 {
		return fmt.Errorf("%w: storeCapacity must be >= 0", ErrConfiguration)
	}
	if c.SessionTTL < 0 || c.PruneInterval < 0 {
		return fmt.Errorf("%w: durations must be >= 0", ErrConfiguration)
	}
	if c.ForensicWorkers < 1 {
		return fmt.Errorf("%w: forensicWorkers must be >= 1", ErrConfiguration)
	}
	return nil
}

// resolveKey prefers HashKey over HashKeyFile.
func (c *Config) resolveKey() ([]byte, error) {
	encoded := strings.TrimSpace(c.HashKey)
	source := "hashKey"
	if encoded == "" && c.HashKeyFile != "" {
		data, err := os.ReadFile(c.HashKeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: read hash key file: %v", ErrConfiguration, err)
		}
		encoded = strings.TrimSpace(string(data))
		source = "hashKeyFile"
	}
	if encoded == "" {
		return nil, fmt.Errorf("%w: no hashing key configured (set ENTANGLEMENT_KEY or hashKeyFile)", ErrConfiguration)
	}
	key, err := DecodeKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfiguration, source, err)
	}
	return key, nil
}

// DecodeKey accepts a hex or standard base64 encoded secret. Hex is tried
// first.
func DecodeKey(s string) ([]byte, error) {
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("key is neither hex nor base64")
}

// Key returns the decoded hashing secret. It is nil before Validate succeeds.
func (c *Config) Key() []byte { return c.key }

// parseWeights reads "ssn=10,email=4" into a weight table.
func parseWeights(s string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, val, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%q is not type=weight", part)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, fmt.Errorf("%q: weight is not a number", part)
		}
		out[strings.TrimSpace(name)] = f
	}
	return out, nil
}

// Weights returns the configured weight table. There is no built-in
// fallback: an absent or empty riskWeights is ErrConfiguration. Keys may be
// canonical type names or detector labels.
func (c *Config) Weights() (map[entanglement.PIIType]float64, error) {
	if len(c.RiskWeights) == 0 {
		return nil, fmt.Errorf("%w: riskWeights is required (config file or RISK_WEIGHTS)", ErrConfiguration)
	}
	w := make(map[entanglement.PIIType]float64, len(c.RiskWeights))
	for name, v := range c.RiskWeights {
		t, err := entanglement.ParsePIIType(name)
		if err != nil {
			return nil, fmt.Errorf("%w: riskWeights: unknown pii type %q", ErrConfiguration, name)
		}
		w[t] = v
	}
	if err := entanglement.ValidateWeights(w); err != nil {
		return nil, err
	}
	return w, nil
}

// Redacted returns a copy safe to log or serve: secrets are masked.
func (c *Config) Redacted() Config {
	out := *c
	out.key = nil
	if out.HashKey != "" {
		out.HashKey = "[redacted]"
	}
	if out.ManagementToken != "" {
		out.ManagementToken = "[redacted]"
	}
	return out
}
