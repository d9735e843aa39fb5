package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/danmuck/uwbctl/internal/multichip"
	"github.com/danmuck/uwbctl/internal/protocol/version"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config is the daemon configuration.
type Config struct {
	Name        string
	Addr        string
	CorsOrigins []string
	ProfileDB   string
	Chips       []multichip.Chip
	DefaultChip string
	Engine      EngineConfig
	Telemetry   TelemetryConfig
	TLS         TLSConfig
	// AdminToken guards mutating admin routes when set.
	AdminToken string
}

type EngineConfig struct {
	MinProtocolVersion version.ProtocolVersion
	MaxProtocolVersion version.ProtocolVersion
	MaxSessions        int
	ReportInterval     time.Duration
}

// TLSConfig enables HTTPS on the admin listener when CertFile is set.
// Mutual additionally requires client certificates signed by CAFile.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	CAFile   string
	Mutual   bool
}

func (t TLSConfig) Enabled() bool { return strings.TrimSpace(t.CertFile) != "" }

type TelemetryConfig struct {
	// OTLPEndpoint enables trace export when set, e.g. "http://localhost:4318".
	OTLPEndpoint string
}

func DefaultConfig() Config {
	return Config{
		Name:        "uwbd",
		Addr:        ":9300",
		CorsOrigins: []string{"http://localhost:3000"},
		ProfileDB:   "uwbd.db",
		Chips:       []multichip.Chip{{ID: "uwb0"}},
		DefaultChip: "uwb0",
		Engine: EngineConfig{
			MinProtocolVersion: version.New(1, 0),
			MaxProtocolVersion: version.New(2, 0),
			MaxSessions:        8,
		},
	}
}

type fileConfig struct {
	Name           string           `toml:"name"`
	Addr           string           `toml:"addr"`
	CorsOrigins    []string         `toml:"cors_origins"`
	ProfileDB      string           `toml:"profile_db"`
	DefaultChip    string           `toml:"default_chip"`
	Chips          []multichip.Chip `toml:"chips"`
	MinVersion     string           `toml:"min_protocol_version"`
	MaxVersion     string           `toml:"max_protocol_version"`
	MaxSessions    int              `toml:"max_sessions"`
	ReportInterval string           `toml:"report_interval"`
	OTLPEndpoint   string           `toml:"otlp_endpoint"`
	TLSCertFile    string           `toml:"tls_cert_file"`
	TLSKeyFile     string           `toml:"tls_key_file"`
	TLSCAFile      string           `toml:"tls_ca_file"`
	TLSMutual      bool             `toml:"tls_mutual"`
	AdminToken     string           `toml:"admin_token"`
}

// envOverrides are applied after the file. Unset variables leave fields nil.
type envOverrides struct {
	Addr         *string `env:"UWBCTL_ADDR"`
	CorsOrigins  *string `env:"UWBCTL_CORS_ORIGINS"`
	ProfileDB    *string `env:"UWBCTL_PROFILE_DB"`
	DefaultChip  *string `env:"UWBCTL_DEFAULT_CHIP"`
	MaxSessions  *int    `env:"UWBCTL_MAX_SESSIONS"`
	OTLPEndpoint *string `env:"UWBCTL_OTEL_ENDPOINT"`
	AdminToken   *string `env:"UWBCTL_ADMIN_TOKEN"`
}

// Load reads path over DefaultConfig, applies UWBCTL_* environment overrides
// and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := overlayEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown key %q in %s", ErrInvalidConfig, undecoded[0].String(), path)
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("profile_db") {
		cfg.ProfileDB = strings.TrimSpace(raw.ProfileDB)
	}
	if meta.IsDefined("chips") {
		cfg.Chips = raw.Chips
		if !meta.IsDefined("default_chip") {
			cfg.DefaultChip = ""
		}
	}
	if meta.IsDefined("default_chip") {
		cfg.DefaultChip = strings.TrimSpace(raw.DefaultChip)
	}
	if meta.IsDefined("min_protocol_version") {
		v, err := version.Parse(strings.TrimSpace(raw.MinVersion))
		if err != nil {
			return fmt.Errorf("parse min_protocol_version: %w", err)
		}
		cfg.Engine.MinProtocolVersion = v
	}
	if meta.IsDefined("max_protocol_version") {
		v, err := version.Parse(strings.TrimSpace(raw.MaxVersion))
		if err != nil {
			return fmt.Errorf("parse max_protocol_version: %w", err)
		}
		cfg.Engine.MaxProtocolVersion = v
	}
	if meta.IsDefined("max_sessions") {
		cfg.Engine.MaxSessions = raw.MaxSessions
	}
	if meta.IsDefined("report_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReportInterval))
		if err != nil {
			return fmt.Errorf("parse report_interval: %w", err)
		}
		cfg.Engine.ReportInterval = d
	}
	if meta.IsDefined("otlp_endpoint") {
		cfg.Telemetry.OTLPEndpoint = strings.TrimSpace(raw.OTLPEndpoint)
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("tls_ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("tls_mutual") {
		cfg.TLS.Mutual = raw.TLSMutual
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	return nil
}

func overlayEnv(cfg *Config) error {
	var over envOverrides
	if err := env.Parse(&over); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if over.Addr != nil {
		cfg.Addr = strings.TrimSpace(*over.Addr)
	}
	if over.CorsOrigins != nil {
		cfg.CorsOrigins = normalizeList(strings.Split(*over.CorsOrigins, ","))
	}
	if over.ProfileDB != nil {
		cfg.ProfileDB = strings.TrimSpace(*over.ProfileDB)
	}
	if over.DefaultChip != nil {
		cfg.DefaultChip = strings.TrimSpace(*over.DefaultChip)
	}
	if over.MaxSessions != nil {
		cfg.Engine.MaxSessions = *over.MaxSessions
	}
	if over.OTLPEndpoint != nil {
		cfg.Telemetry.OTLPEndpoint = strings.TrimSpace(*over.OTLPEndpoint)
	}
	if over.AdminToken != nil {
		cfg.AdminToken = strings.TrimSpace(*over.AdminToken)
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("%w: missing addr", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.ProfileDB) == "" {
		return fmt.Errorf("%w: missing profile_db", ErrInvalidConfig)
	}
	if _, err := c.ChipTable(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Engine.MaxSessions <= 0 {
		return fmt.Errorf("%w: max_sessions must be positive", ErrInvalidConfig)
	}
	if c.Engine.MinProtocolVersion.Compare(c.Engine.MaxProtocolVersion) > 0 {
		return fmt.Errorf("%w: min_protocol_version %s above max %s",
			ErrInvalidConfig, c.Engine.MinProtocolVersion, c.Engine.MaxProtocolVersion)
	}
	if c.Engine.ReportInterval < 0 {
		return fmt.Errorf("%w: negative report_interval", ErrInvalidConfig)
	}
	if (strings.TrimSpace(c.TLS.CertFile) == "") != (strings.TrimSpace(c.TLS.KeyFile) == "") {
		return fmt.Errorf("%w: tls_cert_file and tls_key_file must be set together", ErrInvalidConfig)
	}
	if c.TLS.Mutual && (!c.TLS.Enabled() || strings.TrimSpace(c.TLS.CAFile) == "") {
		return fmt.Errorf("%w: tls_mutual requires tls_cert_file and tls_ca_file", ErrInvalidConfig)
	}
	return nil
}

// ChipTable builds the multichip table described by the config.
func (c Config) ChipTable() (*multichip.Data, error) {
	return multichip.New(c.Chips, c.DefaultChip)
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
