// Package config carga la configuración del hub desde un archivo YAML, un
// .env opcional y variables de entorno BRIDGE_<SECTION>_<KEY>, siguiendo la
// forma de internal/config/config.go de omniapi (LoadConfig()/getEnv()/
// fileExists()) recortada de sus sub-configuraciones de tenants/conexiones/
// mappings (este dominio no tiene concepto multi-tenant) y extendida con un
// recorrido por reflexión sobre las etiquetas `yaml` para el convenio de
// sobrescritura por variable de entorno que spec.md §6 exige.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config agrupa toda la configuración del hub (spec.md §6 "Configuration
// surface").
type Config struct {
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`

	Companion     CompanionConfig     `yaml:"companion"`
	Transport     TransportConfig     `yaml:"transport"`
	Router        RouterConfig        `yaml:"router"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// CompanionConfig describe cómo el adaptador upstream alcanza el servidor
// Satellite y el dispositivo que anuncia en BEGIN (spec.md §4.5/§6).
type CompanionConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	DeviceID    string `yaml:"device_id"`
	ProductName string `yaml:"product_name"`
	KeysPerRow  int    `yaml:"keys_per_row"`
	KeysTotal   int    `yaml:"keys_total"`
	BitmapSize  int    `yaml:"bitmap_size"`

	AutoReconnect        bool  `yaml:"auto_reconnect"`
	ReconnectDelayMs     int64 `yaml:"reconnect_delay_ms"`
	MaxReconnectAttempts int   `yaml:"max_reconnect_attempts"`
	HeartbeatIntervalMs  int64 `yaml:"heartbeat_interval_ms"`
	ConnectionTimeoutMs  int64 `yaml:"connection_timeout_ms"`
}

// TransportConfig describes the downstream (client) WebSocket boundary
// (spec.md §6 "client transport" surface).
type TransportConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	MaxClients          int      `yaml:"max_clients"`
	RateLimit           int      `yaml:"rate_limit"`
	RateLimitWindowMs   int64    `yaml:"rate_limit_window_ms"`
	IdleTimeoutMs       int64    `yaml:"idle_timeout_ms"`
	RequireAuth         bool     `yaml:"require_auth"`
	AuthTokens          []string `yaml:"auth_tokens"`
	EnableCompression   bool     `yaml:"enable_compression"`
	MaxMessageSize      int64    `yaml:"max_message_size"`
	HeartbeatIntervalMs int64    `yaml:"heartbeat_interval_ms"`

	// ConnectionRateLimitEnabled feature-flags the supplemental
	// connection-level limiter (SPEC_FULL.md "Connection-level rate
	// limiting"); off by default so the documented handshake behavior is
	// unchanged unless an operator opts in.
	ConnectionRateLimitEnabled   bool    `yaml:"connection_rate_limit_enabled"`
	ConnectionRateLimitPerSecond float64 `yaml:"connection_rate_limit_per_second"`
	ConnectionRateLimitBurst    int     `yaml:"connection_rate_limit_burst"`
}

// RouterConfig tunes the idempotency cache (spec.md §4.4).
type RouterConfig struct {
	IdempotencyEnabled bool  `yaml:"idempotency_enabled"`
	IdempotencyTTLMs   int64 `yaml:"idempotency_ttl_ms"`
}

// ObservabilityConfig binds the /health and /metrics HTTP endpoints
// (spec.md §6, SPEC_FULL.md "HTTP health and metrics endpoints").
type ObservabilityConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Default returns the configuration a bare `cmd/bridgehub` would run with
// if no file, .env, or environment override is present.
func Default() *Config {
	return &Config{
		Environment: "development",
		LogLevel:    "info",
		Companion: CompanionConfig{
			Host:                 "127.0.0.1",
			Port:                 16622,
			DeviceID:             "bridgehub-1",
			ProductName:          "bridgehub",
			KeysPerRow:           8,
			KeysTotal:            32,
			BitmapSize:           72,
			AutoReconnect:        true,
			ReconnectDelayMs:     1000,
			MaxReconnectAttempts: 0,
			HeartbeatIntervalMs:  10_000,
			ConnectionTimeoutMs:  5_000,
		},
		Transport: TransportConfig{
			Host:                         "0.0.0.0",
			Port:                         8088,
			MaxClients:                   100,
			RateLimit:                    100,
			RateLimitWindowMs:            1000,
			IdleTimeoutMs:                120_000,
			RequireAuth:                  false,
			AuthTokens:                   nil,
			EnableCompression:            false,
			MaxMessageSize:               65536,
			HeartbeatIntervalMs:          30_000,
			ConnectionRateLimitEnabled:   false,
			ConnectionRateLimitPerSecond: 5,
			ConnectionRateLimitBurst:     10,
		},
		Router: RouterConfig{
			IdempotencyEnabled: true,
			IdempotencyTTLMs:   60_000,
		},
		Observability: ObservabilityConfig{
			Host: "0.0.0.0",
			Port: 9090,
		},
	}
}

// Load builds a Config from (in ascending precedence) built-in defaults, a
// YAML file at path (if non-empty; a path that names no file is an error,
// and an empty path falls back to BRIDGE_CONFIG_PATH), a .env file in the working
// directory, and BRIDGE_<SECTION>_<KEY> environment overrides (spec.md §6
// "CLI" / environment variable convention).
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "config: warning: error loading .env: %v\n", err)
	}

	if path == "" {
		path = os.Getenv("BRIDGE_CONFIG_PATH")
	}

	cfg := Default()

	if path != "" {
		if !fileExists(path) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying BRIDGE_* environment overrides: %w", err)
	}

	return cfg, nil
}

// Validate checks the loaded configuration against spec.md's documented
// ranges, for the CLI's `--validate` mode (spec.md §6).
func (c *Config) Validate() error {
	var errs []string

	if c.Companion.Port <= 0 || c.Companion.Port > 65535 {
		errs = append(errs, "companion.port must be in 1..65535")
	}
	if c.Companion.DeviceID == "" {
		errs = append(errs, "companion.device_id must not be empty")
	}
	if c.Companion.ReconnectDelayMs <= 0 {
		errs = append(errs, "companion.reconnect_delay_ms must be positive")
	}
	if c.Companion.MaxReconnectAttempts < 0 {
		errs = append(errs, "companion.max_reconnect_attempts must be >= 0 (0 = unlimited)")
	}

	if c.Transport.Port <= 0 || c.Transport.Port > 65535 {
		errs = append(errs, "transport.port must be in 1..65535")
	}
	if c.Transport.MaxClients <= 0 {
		errs = append(errs, "transport.max_clients must be positive")
	}
	if c.Transport.RateLimit <= 0 {
		errs = append(errs, "transport.rate_limit must be positive")
	}
	if c.Transport.RateLimitWindowMs <= 0 {
		errs = append(errs, "transport.rate_limit_window_ms must be positive")
	}
	if c.Transport.RequireAuth && len(c.Transport.AuthTokens) == 0 {
		errs = append(errs, "transport.require_auth is true but transport.auth_tokens is empty")
	}

	if c.Router.IdempotencyTTLMs <= 0 {
		errs = append(errs, "router.idempotency_ttl_ms must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Summary returns a one-screen summary of the effective configuration,
// matching the teacher's LogConfigSummary emoji-prefixed style.
func (c *Config) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "📋 Configuration Summary:\n")
	fmt.Fprintf(&b, "   Environment: %s\n", c.Environment)
	fmt.Fprintf(&b, "   Companion upstream: %s:%d (device=%s)\n", c.Companion.Host, c.Companion.Port, c.Companion.DeviceID)
	fmt.Fprintf(&b, "   Client transport: %s:%d (max_clients=%d, auth=%v)\n", c.Transport.Host, c.Transport.Port, c.Transport.MaxClients, c.Transport.RequireAuth)
	fmt.Fprintf(&b, "   Observability: %s:%d\n", c.Observability.Host, c.Observability.Port)
	return b.String()
}

func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	return err == nil && !info.IsDir()
}

// applyEnvOverrides walks cfg's struct fields by their `yaml` tag and
// applies BRIDGE_<SECTION>_<KEY> overrides, matching spec.md §6: "variables
// named BRIDGE_<SECTION>_<KEY> override scalar configuration (snake-to-camel
// mapping, true/false/numbers/comma-lists parsed by value)". Only the
// top-level field ("SECTION") and its direct children ("KEY") participate —
// this mirrors the two-segment convention the spec documents; it does not
// recurse further, since no configuration field nests deeper than that.
func applyEnvOverrides(cfg *Config) error {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		sectionField := t.Field(i)
		sectionName := strings.ToUpper(yamlName(sectionField))
		sectionValue := v.Field(i)

		if sectionValue.Kind() != reflect.Struct {
			if err := applyScalarOverride(sectionValue, "BRIDGE_"+sectionName); err != nil {
				return err
			}
			continue
		}

		st := sectionValue.Type()
		for j := 0; j < st.NumField(); j++ {
			keyField := st.Field(j)
			keyName := strings.ToUpper(yamlName(keyField))
			envVar := "BRIDGE_" + sectionName + "_" + keyName
			if err := applyScalarOverride(sectionValue.Field(j), envVar); err != nil {
				return fmt.Errorf("%s: %w", envVar, err)
			}
		}
	}
	return nil
}

func yamlName(f reflect.StructField) string {
	tag := f.Tag.Get("yaml")
	if tag == "" {
		return f.Name
	}
	return strings.Split(tag, ",")[0]
}

// applyScalarOverride sets field from the named environment variable, if
// set, parsing by field's Go kind (string, bool, every integer/float width,
// and []string via comma-split).
func applyScalarOverride(field reflect.Value, envVar string) error {
	raw, ok := os.LookupEnv(envVar)
	if !ok || !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("parsing bool: %w", err)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing int: %w", err)
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("parsing float: %w", err)
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return nil
		}
		parts := strings.Split(raw, ",")
		out := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, p := range parts {
			out.Index(i).SetString(strings.TrimSpace(p))
		}
		field.Set(out)
	}
	return nil
}
