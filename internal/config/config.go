package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/viper"
)

// AppName names the data root and is part of the stale database process pattern.
const AppName = "BookLore"

// EnvPrefix is the prefix for environment overrides, e.g. BOOKLORE_RUNNER_GATEWAY_PORT.
const EnvPrefix = "BOOKLORE_RUNNER"

// Config represents the top-level TOML structure.
type Config struct {
	DataDir     string         `toml:"data_dir" mapstructure:"data_dir"`
	ResourceDir string         `toml:"resource_dir" mapstructure:"resource_dir"`
	Log         LogConfig      `toml:"log" mapstructure:"log"`
	Gateway     GatewayConfig  `toml:"gateway" mapstructure:"gateway"`
	Backend     BackendConfig  `toml:"backend" mapstructure:"backend"`
	Database    DatabaseConfig `toml:"database" mapstructure:"database"`
	Runtime     RuntimeConfig  `toml:"runtime" mapstructure:"runtime"`
	Control     ControlConfig  `toml:"control" mapstructure:"control"`
	History     HistoryConfig  `toml:"history" mapstructure:"history"`
	Shutdown    ShutdownConfig `toml:"shutdown" mapstructure:"shutdown"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
	Color      bool   `toml:"color" mapstructure:"color"`
}

type GatewayConfig struct {
	Port int `toml:"port" mapstructure:"port"`
	// StaticDir overrides <resource_dir>/frontend.
	StaticDir       string        `toml:"static_dir" mapstructure:"static_dir"`
	MaxBody         string        `toml:"max_body" mapstructure:"max_body"`
	Required        bool          `toml:"required" mapstructure:"required"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	TLS             TLSConfig     `toml:"tls" mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled      bool   `toml:"enabled" mapstructure:"enabled"`
	CertFile     string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string `toml:"key_file" mapstructure:"key_file"`
	Dir          string `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool   `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string `toml:"min_version" mapstructure:"min_version"`
	ValidDays    int    `toml:"valid_days" mapstructure:"valid_days"`
}

type BackendConfig struct {
	Port           int           `toml:"port" mapstructure:"port"`
	Jar            string        `toml:"jar" mapstructure:"jar"`
	HeapMax        string        `toml:"heap_max" mapstructure:"heap_max"`
	HeapMin        string        `toml:"heap_min" mapstructure:"heap_min"`
	HealthPath     string        `toml:"health_path" mapstructure:"health_path"`
	HealthInterval time.Duration `toml:"health_interval" mapstructure:"health_interval"`
	HealthAttempts int           `toml:"health_attempts" mapstructure:"health_attempts"`
	GracePeriod    time.Duration `toml:"grace_period" mapstructure:"grace_period"`
	Env            []string      `toml:"env" mapstructure:"env"`
	EnvFiles       []string      `toml:"env_files" mapstructure:"env_files"`
}

type DatabaseConfig struct {
	Port     int    `toml:"port" mapstructure:"port"`
	Version  string `toml:"version" mapstructure:"version"`
	Name     string `toml:"name" mapstructure:"name"`
	User     string `toml:"user" mapstructure:"user"`
	Password string `toml:"password" mapstructure:"password"`
	// BundleDir overrides <resource_dir>/mariadb.
	BundleDir string `toml:"bundle_dir" mapstructure:"bundle_dir"`
	// DownloadURL is a fmt template: %[1]s version, %[2]s platform (e.g. darwin-arm64).
	DownloadURL   string        `toml:"download_url" mapstructure:"download_url"`
	PreferSystem  bool          `toml:"prefer_system" mapstructure:"prefer_system"`
	ReadyInterval time.Duration `toml:"ready_interval" mapstructure:"ready_interval"`
	ReadyAttempts int           `toml:"ready_attempts" mapstructure:"ready_attempts"`
	ShutdownWait  time.Duration `toml:"shutdown_wait" mapstructure:"shutdown_wait"`
	StaleWait     time.Duration `toml:"stale_wait" mapstructure:"stale_wait"`
}

type RuntimeConfig struct {
	Version    int `toml:"version" mapstructure:"version"`
	MaxVersion int `toml:"max_version" mapstructure:"max_version"`
	// DownloadURL is a fmt template: %[1]d version, %[2]s os, %[3]s arch.
	DownloadURL  string `toml:"download_url" mapstructure:"download_url"`
	PreferSystem bool   `toml:"prefer_system" mapstructure:"prefer_system"`
}

type ControlConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	Metrics  bool   `toml:"metrics" mapstructure:"metrics"`
}

type HistoryConfig struct {
	// DSN selects the sink; empty means <data_dir>/history.db, "off" disables.
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type ShutdownConfig struct {
	SafetyDelay time.Duration `toml:"safety_delay" mapstructure:"safety_delay"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("resource_dir", defaultResourceDir())

	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.color", true)

	v.SetDefault("gateway.port", 18088)
	v.SetDefault("gateway.static_dir", "")
	v.SetDefault("gateway.max_body", "100MiB")
	v.SetDefault("gateway.required", false)
	v.SetDefault("gateway.shutdown_timeout", "5s")
	v.SetDefault("gateway.tls.enabled", false)
	v.SetDefault("gateway.tls.cert_file", "")
	v.SetDefault("gateway.tls.key_file", "")
	v.SetDefault("gateway.tls.dir", "")
	v.SetDefault("gateway.tls.auto_generate", true)
	v.SetDefault("gateway.tls.min_version", "1.2")
	v.SetDefault("gateway.tls.valid_days", 365)

	v.SetDefault("backend.port", 18080)
	v.SetDefault("backend.jar", "")
	v.SetDefault("backend.heap_max", "512m")
	v.SetDefault("backend.heap_min", "128m")
	v.SetDefault("backend.health_path", "/api/v1/healthcheck")
	v.SetDefault("backend.health_interval", "500ms")
	v.SetDefault("backend.health_attempts", 240)
	v.SetDefault("backend.grace_period", "5s")
	v.SetDefault("backend.env", []string{})
	v.SetDefault("backend.env_files", []string{})

	v.SetDefault("database.port", 13306)
	v.SetDefault("database.version", "11.4.5")
	v.SetDefault("database.name", "booklore")
	v.SetDefault("database.user", "root")
	v.SetDefault("database.password", "")
	v.SetDefault("database.bundle_dir", "")
	v.SetDefault("database.download_url", "https://archive.mariadb.org/mariadb-%[1]s/bintar-%[2]s/mariadb-%[1]s-%[2]s.tar.gz")
	v.SetDefault("database.prefer_system", true)
	v.SetDefault("database.ready_interval", "1s")
	v.SetDefault("database.ready_attempts", 60)
	v.SetDefault("database.shutdown_wait", "2s")
	v.SetDefault("database.stale_wait", "2s")

	v.SetDefault("runtime.version", 21)
	v.SetDefault("runtime.max_version", 24)
	v.SetDefault("runtime.download_url", "https://api.adoptium.net/v3/binary/latest/%[1]d/ga/%[2]s/%[3]s/jre/hotspot/normal/eclipse")
	v.SetDefault("runtime.prefer_system", true)

	v.SetDefault("control.enabled", true)
	v.SetDefault("control.listen", "127.0.0.1:18090")
	v.SetDefault("control.base_path", "/api")
	v.SetDefault("control.metrics", true)

	v.SetDefault("history.dsn", "")

	v.SetDefault("shutdown.safety_delay", "15s")
}

// Load reads the TOML file at path (optional) on top of built-in defaults and
// BOOKLORE_RUNNER_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	c, err := Load("")
	if err != nil {
		// defaults are static; a failure here is a programming error
		panic(err)
	}
	return c
}

// Validate checks ports, sizes and probe budgets.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	ports := map[string]int{
		"gateway.port":  c.Gateway.Port,
		"backend.port":  c.Backend.Port,
		"database.port": c.Database.Port,
	}
	seen := make(map[int]string, len(ports))
	for k, p := range ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("%s out of range: %d", k, p)
		}
		if other, dup := seen[p]; dup {
			return fmt.Errorf("%s and %s share port %d", k, other, p)
		}
		seen[p] = k
	}
	if _, err := c.Gateway.MaxBodyBytes(); err != nil {
		return err
	}
	if _, err := units.RAMInBytes(c.Backend.HeapMax); err != nil {
		return fmt.Errorf("backend.heap_max: %w", err)
	}
	if _, err := units.RAMInBytes(c.Backend.HeapMin); err != nil {
		return fmt.Errorf("backend.heap_min: %w", err)
	}
	if c.Backend.HealthAttempts <= 0 || c.Backend.HealthInterval <= 0 {
		return errors.New("backend health budget must be positive")
	}
	if c.Database.ReadyAttempts <= 0 || c.Database.ReadyInterval <= 0 {
		return errors.New("database readiness budget must be positive")
	}
	if c.Runtime.Version <= 0 || c.Runtime.MaxVersion < c.Runtime.Version {
		return fmt.Errorf("runtime version window invalid: %d..%d", c.Runtime.Version, c.Runtime.MaxVersion)
	}
	return nil
}

// MaxBodyBytes parses max_body ("100MiB", "50MB", or plain bytes).
func (g GatewayConfig) MaxBodyBytes() (int64, error) {
	n, err := units.RAMInBytes(g.MaxBody)
	if err != nil {
		return 0, fmt.Errorf("gateway.max_body: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("gateway.max_body must be positive: %q", g.MaxBody)
	}
	return n, nil
}

// Paths is the on-disk layout. Everything under Root is derived from DataDir.
type Paths struct {
	Root       string
	MariaDB    string // engine install (bundled or downloaded)
	Data       string // database data files
	Socket     string
	MariaDBLog string
	JRE        string
	Config     string
	Books      string
	Bookdrop   string
	Logs       string
	TLS        string
	History    string

	Frontend      string
	BackendJar    string
	MariaDBBundle string
}

// Paths derives the layout from the data and resource roots.
func (c *Config) Paths() Paths {
	root := c.DataDir
	logs := c.Log.Dir
	if logs == "" {
		logs = filepath.Join(root, "logs")
	}
	p := Paths{
		Root:       root,
		MariaDB:    filepath.Join(root, "mariadb"),
		Data:       filepath.Join(root, "data"),
		Socket:     filepath.Join(root, "mysql.sock"),
		MariaDBLog: filepath.Join(logs, "mariadb.log"),
		JRE:        filepath.Join(root, "jre"),
		Config:     filepath.Join(root, "config"),
		Books:      filepath.Join(root, "books"),
		Bookdrop:   filepath.Join(root, "bookdrop"),
		Logs:       logs,
		TLS:        filepath.Join(root, "tls"),
		History:    filepath.Join(root, "history.db"),

		Frontend:      filepath.Join(c.ResourceDir, "frontend"),
		BackendJar:    filepath.Join(c.ResourceDir, "booklore-api.jar"),
		MariaDBBundle: filepath.Join(c.ResourceDir, "mariadb"),
	}
	if c.Gateway.StaticDir != "" {
		p.Frontend = c.Gateway.StaticDir
	}
	if c.Backend.Jar != "" {
		p.BackendJar = c.Backend.Jar
	}
	if c.Database.BundleDir != "" {
		p.MariaDBBundle = c.Database.BundleDir
	}
	if c.Gateway.TLS.Dir != "" {
		p.TLS = c.Gateway.TLS.Dir
	}
	return p
}

// HistoryDSN resolves the history sink DSN; "" means disabled.
func (c *Config) HistoryDSN() string {
	switch strings.ToLower(strings.TrimSpace(c.History.DSN)) {
	case "off", "none", "disabled":
		return ""
	case "":
		return "sqlite://" + c.Paths().History
	default:
		return strings.TrimSpace(c.History.DSN)
	}
}

func defaultDataDir() string {
	if d, err := os.UserConfigDir(); err == nil && d != "" {
		return filepath.Join(d, AppName)
	}
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		return filepath.Join(h, "."+strings.ToLower(AppName))
	}
	return filepath.Join(os.TempDir(), AppName)
}

func defaultResourceDir() string {
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Join(filepath.Dir(exe), "resources")
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			return dir
		}
	}
	return "resources"
}
