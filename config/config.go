// Package config loads the server configuration from YAML and the
// environment.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Environment variables that override file values.
const (
	EnvConfigPath       = "CONFIG_PATH"
	EnvDatabasePassword = "DATABASE_PASSWORD"
	EnvListenAddr       = "LISTEN_ADDR"
	EnvLogLevel         = "LOG_LEVEL"
)

// DefaultPath is used when neither -config nor CONFIG_PATH is given.
const DefaultPath = "config.yaml"

// Config is the whole server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Compare  CompareConfig  `yaml:"compare"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	ListenAddr         string        `yaml:"listen_addr"`
	AllowedOrigins     []string      `yaml:"allowed_origins"`
	MaxUploadBytes     int64         `yaml:"max_upload_bytes"`
	ReadTimeout        time.Duration `yaml:"-"`
	WriteTimeout       time.Duration `yaml:"-"`
	IdleTimeout        time.Duration `yaml:"-"`
	ShutdownTimeout    time.Duration `yaml:"-"`
	ReadTimeoutRaw     string        `yaml:"read_timeout"`
	WriteTimeoutRaw    string        `yaml:"write_timeout"`
	IdleTimeoutRaw     string        `yaml:"idle_timeout"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects and configures the store.
type DatabaseConfig struct {
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlite_path"`

	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	User               string        `yaml:"user"`
	Password           string        `yaml:"password"`
	Name               string        `yaml:"name"`
	SSLMode            string        `yaml:"ssl_mode"`
	MaxOpenConns       int           `yaml:"max_open_conns"`
	MaxIdleConns       int           `yaml:"max_idle_conns"`
	ConnMaxLifetime    time.Duration `yaml:"-"`
	ConnMaxIdleTime    time.Duration `yaml:"-"`
	ConnMaxLifetimeRaw string        `yaml:"conn_max_lifetime"`
	ConnMaxIdleTimeRaw string        `yaml:"conn_max_idle_time"`
}

// CompareConfig tunes the comparison service.
type CompareConfig struct {
	SearchWindow       int  `yaml:"search_window"`
	MaxConflictRetries *int `yaml:"max_conflict_retries"`
}

// LogConfig configures the logrus logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	defaultListenAddr      = ":8080"
	defaultReadTimeout     = 15 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxUploadBytes  = 10 << 20
	defaultSQLitePath      = "./data/roster.db"
	defaultSearchWindow    = 12
	maxSearchWindow        = 120
	defaultConflictRetries = 3
)

// Load reads the YAML file at path, applies environment overrides and
// fills defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	cfg.applyEnv(os.LookupEnv)
	if err := cfg.validateAndNormalize(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration used when no file exists: SQLite at
// the default path, environment overrides applied.
func Default() (*Config, error) {
	var cfg Config
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.validateAndNormalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolvePath picks the config path from the flag value, CONFIG_PATH, or
// DefaultPath, in that order.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return DefaultPath
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDatabasePassword); ok && v != "" {
		c.Database.Password = v
	}
	if v, ok := lookup(EnvListenAddr); ok && v != "" {
		c.Server.ListenAddr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
}

func (c *Config) validateAndNormalize() error {
	if err := c.Server.validateAndNormalize(); err != nil {
		return err
	}
	if err := c.Database.validateAndNormalize(); err != nil {
		return err
	}
	if err := c.Compare.validateAndNormalize(); err != nil {
		return err
	}
	return c.Log.validateAndNormalize()
}

func (s *ServerConfig) validateAndNormalize() error {
	if s.ListenAddr == "" {
		s.ListenAddr = defaultListenAddr
	}
	if len(s.AllowedOrigins) == 0 {
		s.AllowedOrigins = []string{"*"}
	}
	if s.MaxUploadBytes < 0 {
		return fmt.Errorf("config: server.max_upload_bytes must not be negative")
	}
	if s.MaxUploadBytes == 0 {
		s.MaxUploadBytes = defaultMaxUploadBytes
	}

	durations := []struct {
		name string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"read_timeout", s.ReadTimeoutRaw, defaultReadTimeout, &s.ReadTimeout},
		{"write_timeout", s.WriteTimeoutRaw, defaultWriteTimeout, &s.WriteTimeout},
		{"idle_timeout", s.IdleTimeoutRaw, defaultIdleTimeout, &s.IdleTimeout},
		{"shutdown_timeout", s.ShutdownTimeoutRaw, defaultShutdownTimeout, &s.ShutdownTimeout},
	}
	for _, d := range durations {
		v, err := parseDurationAllowEmpty(d.raw)
		if err != nil {
			return fmt.Errorf("config: server.%s: %w", d.name, err)
		}
		if v == 0 {
			v = d.def
		}
		*d.dst = v
	}
	return nil
}

func (d *DatabaseConfig) validateAndNormalize() error {
	d.Driver = strings.ToLower(strings.TrimSpace(d.Driver))
	if d.Driver == "" {
		d.Driver = DriverSQLite
	}

	switch d.Driver {
	case DriverMemory:
		return nil
	case DriverSQLite:
		if d.SQLitePath == "" {
			d.SQLitePath = defaultSQLitePath
		}
		return nil
	case DriverPostgres:
	default:
		return fmt.Errorf("config: database.driver %q is not supported", d.Driver)
	}

	if d.Host == "" {
		return fmt.Errorf("config: database.host must be set")
	}
	if d.Port == 0 {
		return fmt.Errorf("config: database.port must be set")
	}
	if d.User == "" {
		return fmt.Errorf("config: database.user must be set")
	}
	if d.Password == "" {
		return fmt.Errorf("config: database.password must be set")
	}
	if d.Name == "" {
		return fmt.Errorf("config: database.name must be set")
	}
	if d.SSLMode == "" {
		d.SSLMode = "disable"
	}

	lifetime, err := parseDurationAllowEmpty(d.ConnMaxLifetimeRaw)
	if err != nil {
		return fmt.Errorf("config: database.conn_max_lifetime: %w", err)
	}
	d.ConnMaxLifetime = lifetime

	idleTime, err := parseDurationAllowEmpty(d.ConnMaxIdleTimeRaw)
	if err != nil {
		return fmt.Errorf("config: database.conn_max_idle_time: %w", err)
	}
	d.ConnMaxIdleTime = idleTime

	return nil
}

func (c *CompareConfig) validateAndNormalize() error {
	if c.SearchWindow == 0 {
		c.SearchWindow = defaultSearchWindow
	}
	if c.SearchWindow < 1 || c.SearchWindow > maxSearchWindow {
		return fmt.Errorf("config: compare.search_window must be between 1 and %d", maxSearchWindow)
	}
	if c.MaxConflictRetries == nil {
		n := defaultConflictRetries
		c.MaxConflictRetries = &n
	}
	if *c.MaxConflictRetries < 0 {
		return fmt.Errorf("config: compare.max_conflict_retries must not be negative")
	}
	return nil
}

func (l *LogConfig) validateAndNormalize() error {
	if l.Level == "" {
		l.Level = "info"
	}
	if _, err := logrus.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	l.Format = strings.ToLower(l.Format)
	switch l.Format {
	case "":
		l.Format = "json"
	case "json", "text":
	default:
		return fmt.Errorf("config: log.format %q must be json or text", l.Format)
	}
	return nil
}

// Retries returns the normalized conflict retry count.
func (c CompareConfig) Retries() int {
	if c.MaxConflictRetries == nil {
		return defaultConflictRetries
	}
	return *c.MaxConflictRetries
}

func parseDurationAllowEmpty(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	return d, nil
}

// DSN returns a pgx connection string with escaped credentials.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + url.QueryEscape(d.SSLMode),
	}
	return u.String()
}
