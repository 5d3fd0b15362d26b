package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ESPFLOW"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{envPrefix: EnvPrefix, lookupEnv: os.LookupEnv}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// Load merges the defaults, every layer in order, and the environment.
func (l *Loader) Load() (*Config, error) {
	base, err := toMap(Default())
	if err != nil {
		return nil, err
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		base = deepMergeMaps(base, raw)
	}

	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("merge config layers: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("decode merged config: %w", err)
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Load reads a single file over the defaults and validates the result. An
// empty path gives the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	l := NewLoader()
	if path != "" {
		l.AddLayer(path)
	}
	l.EnableValidation(true)
	return l.Load()
}

// loadRaw reads one layer as a generic map, keeping only the keys it sets.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
		if err := validateMapDepth(raw, 0); err != nil {
			return nil, fmt.Errorf("invalid YAML structure: %w", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse JSON: %w", err)
		}
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) error {
		val, ok := l.lookupEnv(l.envPrefix + "_" + name)
		if !ok || val == "" {
			return nil
		}
		if err := validateEnvVar(name, val); err != nil {
			return err
		}
		*dst = val
		return nil
	}

	for name, dst := range map[string]*string{
		"TRANSPORT":          &cfg.Transport,
		"ENGINE_URL":         &cfg.Engine.URL,
		"ENGINE_ROOT":        &cfg.Engine.Root,
		"ENGINE_AUTH":        &cfg.Engine.Authorization,
		"NATS_USERNAME":      &cfg.NATS.Username,
		"NATS_PASSWORD":      &cfg.NATS.Password,
		"NATS_TOKEN":         &cfg.NATS.Token,
		"NATS_PREFIX":        &cfg.NATS.Prefix,
		"NATS_BUCKET":        &cfg.NATS.ProjectBucket,
		"LOG_LEVEL":          &cfg.Log.Level,
		"LOG_FORMAT":         &cfg.Log.Format,
		"PUBLISH_FORMAT":     &cfg.Publish.Format,
		"SUBSCRIBE_FORMAT":   &cfg.Subscribe.Format,
		"SUBSCRIBE_MODE":     &cfg.Subscribe.Mode,
		"SUBSCRIBE_HORIZONS": &cfg.Subscribe.HorizonMode,
	} {
		if err := str(name, dst); err != nil {
			return err
		}
	}

	var urls string
	if err := str("NATS_URLS", &urls); err != nil {
		return err
	}
	if urls != "" {
		cfg.NATS.URLs = strings.Split(urls, ",")
	}

	var port string
	if err := str("METRICS_PORT", &port); err != nil {
		return err
	}
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return invalid("%s_METRICS_PORT=%q is not a number", l.envPrefix, port)
		}
		cfg.Metrics.Port = n
		cfg.Metrics.Enabled = n > 0
	}
	return nil
}

// SaveToFile writes the configuration as YAML or JSON, chosen by extension.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}
