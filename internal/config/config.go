package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/wirepack/internal/logging"
	"github.com/danmuck/wirepack/internal/protocol/frame"
	"github.com/danmuck/wirepack/internal/transport"
)

// Config is a packerctl config file: runtime settings plus the declarative
// protocol definition.
type Config struct {
	Log       LogConfig
	Limits    frame.Limits
	Inspect   InspectConfig
	Transport TransportConfig
	Metrics   MetricsConfig

	Enums   []EnumDef
	Schemas []SchemaDef
	Headers []FieldDef
	Footers []FieldDef
}

type LogConfig struct {
	Level      string `toml:"level"`
	Timestamp  bool   `toml:"timestamp"`
	NoColor    bool   `toml:"no_color"`
	JSON       bool   `toml:"json"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

type InspectConfig struct {
	Name        string   `toml:"name"`
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
	// Token, when set, is required on every POST and DELETE route.
	Token string `toml:"token"`
}

// TransportConfig is the [transport] section. Durations use
// time.ParseDuration syntax; empty keeps the transport default.
type TransportConfig struct {
	Addr               string             `toml:"addr"`
	ConnectTimeout     string             `toml:"connect_timeout"`
	ReadTimeout        string             `toml:"read_timeout"`
	WriteTimeout       string             `toml:"write_timeout"`
	MaxConnectAttempts int                `toml:"max_connect_attempts"`
	TLS                TransportTLSConfig `toml:"tls"`
}

type TransportTLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type MetricsConfig struct {
	Enabled bool              `toml:"enabled"`
	Labels  map[string]string `toml:"labels"`
}

// EnumDef registers a named enum tag usable as a field type.
type EnumDef struct {
	Name   string            `toml:"name"`
	Size   int               `toml:"size"`
	Values map[string]uint64 `toml:"values"`
}

// SchemaDef declares a message type. Partial schemas are built for use as
// nested types but not registered.
type SchemaDef struct {
	Name    string     `toml:"name"`
	Order   string     `toml:"order"`
	Bitwise bool       `toml:"bitwise"`
	Partial bool       `toml:"partial"`
	Fields  []FieldDef `toml:"field"`
}

// FieldDef is one declared field. At most one of static, static_hex,
// length_of, size_of, value_from and compute may be set.
type FieldDef struct {
	Name   string `toml:"name"`
	Type   string `toml:"type"`
	Nested string `toml:"nested"`

	Static    any    `toml:"static"`
	StaticHex string `toml:"static_hex"`
	LengthOf  string `toml:"length_of"`
	SizeOf    string `toml:"size_of"`
	ValueFrom string `toml:"value_from"`
	Compute   string `toml:"compute"`

	Count         int    `toml:"count"`
	CountFrom     string `toml:"count_from"`
	CountPrefixed bool   `toml:"count_prefixed"`
	Terminator    string `toml:"terminator"`
	SizeFrom      string `toml:"size_from"`
	Serializer    string `toml:"serializer"`

	// When omits the field unless the named earlier field equals Equals.
	When   string `toml:"when"`
	Equals any    `toml:"equals"`

	Assign []AssignDef `toml:"assign"`
}

type AssignDef struct {
	Target    string `toml:"target"`
	Static    any    `toml:"static"`
	LengthOf  string `toml:"length_of"`
	SizeOf    string `toml:"size_of"`
	ValueFrom string `toml:"value_from"`
	Compute   string `toml:"compute"`
}

// fileConfig mirrors the TOML layout.
type fileConfig struct {
	Log       LogConfig       `toml:"log"`
	Limits    limitsFile      `toml:"limits"`
	Inspect   InspectConfig   `toml:"inspect"`
	Transport TransportConfig `toml:"transport"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Enums     []EnumDef       `toml:"enum"`
	Schemas   []SchemaDef     `toml:"schema"`
	Headers   []FieldDef      `toml:"header"`
	Footers   []FieldDef      `toml:"footer"`
}

type limitsFile struct {
	MaxTypeNameLen   int `toml:"max_type_name_len"`
	MaxBufferedBytes int `toml:"max_buffered_bytes"`
}

func Default() Config {
	return Config{
		Log: LogConfig{
			Level:      "info",
			Timestamp:  true,
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Limits: frame.DefaultLimits(),
		Inspect: InspectConfig{
			Name: "packerctl",
			Addr: "127.0.0.1:9200",
		},
		Transport: TransportConfig{
			Addr: "127.0.0.1:9300",
		},
	}
}

// Load reads path over Default(). Keys the file does not define keep their
// defaults; keys nothing reads are an error.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("load config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return overlay(Default(), raw, meta)
}

func overlay(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "timestamp") {
		cfg.Log.Timestamp = raw.Log.Timestamp
	}
	if meta.IsDefined("log", "no_color") {
		cfg.Log.NoColor = raw.Log.NoColor
	}
	if meta.IsDefined("log", "json") {
		cfg.Log.JSON = raw.Log.JSON
	}
	if meta.IsDefined("log", "file") {
		cfg.Log.File = strings.TrimSpace(raw.Log.File)
	}
	if meta.IsDefined("log", "max_size_mb") {
		cfg.Log.MaxSizeMB = raw.Log.MaxSizeMB
	}
	if meta.IsDefined("log", "max_backups") {
		cfg.Log.MaxBackups = raw.Log.MaxBackups
	}
	if meta.IsDefined("log", "max_age_days") {
		cfg.Log.MaxAgeDays = raw.Log.MaxAgeDays
	}
	if meta.IsDefined("log", "compress") {
		cfg.Log.Compress = raw.Log.Compress
	}
	if meta.IsDefined("limits", "max_type_name_len") {
		cfg.Limits.MaxTypeNameLen = raw.Limits.MaxTypeNameLen
	}
	if meta.IsDefined("limits", "max_buffered_bytes") {
		cfg.Limits.MaxBufferedBytes = raw.Limits.MaxBufferedBytes
	}
	if meta.IsDefined("inspect", "name") {
		cfg.Inspect.Name = strings.TrimSpace(raw.Inspect.Name)
	}
	if meta.IsDefined("inspect", "addr") {
		cfg.Inspect.Addr = strings.TrimSpace(raw.Inspect.Addr)
	}
	if meta.IsDefined("inspect", "cors_origins") {
		cfg.Inspect.CorsOrigins = raw.Inspect.CorsOrigins
	}
	if meta.IsDefined("inspect", "token") {
		cfg.Inspect.Token = strings.TrimSpace(raw.Inspect.Token)
	}
	if meta.IsDefined("transport") {
		addr := cfg.Transport.Addr
		cfg.Transport = raw.Transport
		if !meta.IsDefined("transport", "addr") {
			cfg.Transport.Addr = addr
		}
	}
	cfg.Metrics = raw.Metrics
	cfg.Enums = raw.Enums
	cfg.Schemas = raw.Schemas
	cfg.Headers = raw.Headers
	cfg.Footers = raw.Footers

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Validate checks what can be checked without building schemas.
func Validate(cfg Config) error {
	if _, ok := logging.ParseLevel(cfg.Log.Level); !ok && cfg.Log.Level != "" {
		return fmt.Errorf("log level %q not recognized", cfg.Log.Level)
	}
	if cfg.Limits.MaxTypeNameLen < 1 || cfg.Limits.MaxTypeNameLen > 0xFFFF {
		return fmt.Errorf("limits.max_type_name_len %d outside 1..65535", cfg.Limits.MaxTypeNameLen)
	}
	if cfg.Limits.MaxBufferedBytes < 1 {
		return fmt.Errorf("limits.max_buffered_bytes must be positive")
	}
	if _, err := cfg.Transport.Transport(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(cfg.Schemas)+len(cfg.Enums))
	for i, e := range cfg.Enums {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return fmt.Errorf("enum[%d] missing name", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("enum %q declared twice", name)
		}
		seen[name] = struct{}{}
	}
	for i, s := range cfg.Schemas {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("schema[%d] missing name", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("schema %q declared twice", name)
		}
		seen[name] = struct{}{}
		if len(s.Fields) == 0 {
			return fmt.Errorf("schema %q has no fields", name)
		}
	}
	return nil
}

// Logging converts the [log] section for logging.Setup.
func (c LogConfig) Logging() logging.Config {
	cfg := logging.DefaultConfig(logging.ProfileRuntime)
	if lvl, ok := logging.ParseLevel(c.Level); ok {
		cfg.Level = lvl
	}
	cfg.Timestamp = c.Timestamp
	cfg.NoColor = c.NoColor
	cfg.JSON = c.JSON
	cfg.File = c.File
	cfg.MaxSizeMB = c.MaxSizeMB
	cfg.MaxBackups = c.MaxBackups
	cfg.MaxAgeDays = c.MaxAgeDays
	cfg.Compress = c.Compress
	return cfg
}

// Transport converts the [transport] section for the transport package.
func (c TransportConfig) Transport() (transport.Config, error) {
	cfg := transport.DefaultConfig()
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", c.ConnectTimeout, &cfg.ConnectTimeout},
		{"read_timeout", c.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", c.WriteTimeout, &cfg.WriteTimeout},
	} {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil || v < 0 {
			return transport.Config{}, fmt.Errorf("transport.%s %q is not a duration", d.key, d.raw)
		}
		*d.dst = v
	}
	cfg.MaxConnectAttempts = c.MaxConnectAttempts
	cfg.TLS = transport.TLSConfig{
		Enabled:            c.TLS.Enabled,
		Mutual:             c.TLS.Mutual,
		CertFile:           strings.TrimSpace(c.TLS.CertFile),
		KeyFile:            strings.TrimSpace(c.TLS.KeyFile),
		CAFile:             strings.TrimSpace(c.TLS.CAFile),
		ServerName:         strings.TrimSpace(c.TLS.ServerName),
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
	return cfg, nil
}
