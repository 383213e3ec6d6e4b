// Package config loads the server's YAML configuration and fills in
// defaults for anything the file leaves out.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DB holds the database connection settings. Driver selects between
// "postgres" (the default) and "sqlite"; the sqlite path is taken from Path
// and is meant for local development.
type DB struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	UseSSL   bool   `yaml:"use_ssl"`
	Path     string `yaml:"path"`
}

// DSN renders the driver-specific connection string.
func (d DB) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path
	}
	sslmode := "disable"
	if d.UseSSL {
		sslmode = "require"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.Username, d.Password, d.Database, sslmode)
}

// Duration wraps time.Duration so YAML values like "90s" or "1h" parse.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Control bounds the blocking operator calls.
type Control struct {
	PingTimeout  Duration `yaml:"ping_timeout"`
	PurgeTimeout Duration `yaml:"purge_timeout"`
	ShellTimeout Duration `yaml:"shell_timeout"`
	PollInterval Duration `yaml:"poll_interval"`
}

// Sweeper controls GC cadence and client retention.
type Sweeper struct {
	Interval  Duration `yaml:"interval"`
	ClientTTL Duration `yaml:"client_ttl"`
}

// Config is the full server configuration.
type Config struct {
	// Address and Port are the agent plane listener.
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`

	// Socket is the unix domain socket path of the control plane.
	Socket string `yaml:"socket"`

	LogLevel string  `yaml:"log_level"`
	DB       DB      `yaml:"db"`
	Control  Control `yaml:"control"`
	Sweeper  Sweeper `yaml:"sweeper"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Address:  "0.0.0.0",
		Port:     3144,
		Socket:   "/run/notssh/cli.sock",
		LogLevel: "info",
		DB: DB{
			Driver: "postgres",
			Host:   "localhost",
			Port:   5432,
			UseSSL: true,
			Path:   "./notssh.db",
		},
		Control: Control{
			PingTimeout:  Duration(10 * time.Second),
			PurgeTimeout: Duration(time.Minute),
			ShellTimeout: Duration(time.Hour),
			PollInterval: Duration(2 * time.Second),
		},
		Sweeper: Sweeper{
			Interval:  Duration(time.Hour),
			ClientTTL: Duration(24 * time.Hour),
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ListenAddr is the agent plane address in host:port form.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}
