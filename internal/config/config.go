// Package config resolves daemon and client configuration by layering
// flags over environment variables over an optional config file over
// defaults, using the teacher's spf13/viper + spf13/cobra stack.
package config

import (
	"fmt"
	"os"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// DefaultExcludes seeds every daemon with the virtual/temporary
// filesystems the original prototype (original_source/src/main.rs)
// hardcoded as always-skipped, so operators don't have to rediscover
// this list themselves.
var DefaultExcludes = []string{
	"/proc",
	"/sys",
	"/dev",
	"/run",
	"/tmp",
	"/var/run",
	"/var/tmp",
	"/var/cache",
	"/var/lib/snapd",
}

const (
	DefaultDBPath  = "/var/lib/les/index.db"
	DefaultSocket  = "/run/lesd.sock"
	DefaultWorkers = 5
)

// DaemonConfig is the fully-resolved configuration for cmd/lesd.
type DaemonConfig struct {
	Roots         []string
	Excludes      []string
	DBPath        string
	SocketPath    string
	Rebuild       bool
	ScanWorkers   int
	LogFormat     string
	LogLevel      string
	ShutdownGrace int // seconds
}

// LoadDaemonConfig resolves configuration from v, which the caller has
// already bound to the daemon's pflag.FlagSet via viper.BindPFlags, plus
// LES_* environment variables and an optional config file.
func LoadDaemonConfig(v *viper.Viper) (DaemonConfig, error) {
	dbPath, err := homedir.Expand(v.GetString("db-path"))
	if err != nil {
		return DaemonConfig{}, fmt.Errorf("config: expand db-path: %w", err)
	}
	sockPath, err := homedir.Expand(v.GetString("socket"))
	if err != nil {
		return DaemonConfig{}, fmt.Errorf("config: expand socket: %w", err)
	}

	roots := v.GetStringSlice("roots")
	if len(roots) == 0 {
		roots = []string{"/"}
	}

	cfg := DaemonConfig{
		Roots:         roots,
		Excludes:      append(append([]string{}, DefaultExcludes...), v.GetStringSlice("exclude")...),
		DBPath:        dbPath,
		SocketPath:    sockPath,
		Rebuild:       v.GetBool("rebuild"),
		ScanWorkers:   v.GetInt("scan-workers"),
		LogFormat:     v.GetString("log-format"),
		LogLevel:      v.GetString("log-level"),
		ShutdownGrace: v.GetInt("shutdown-grace"),
	}
	if cfg.ScanWorkers <= 0 {
		cfg.ScanWorkers = DefaultWorkers
	}
	if err := Validate(cfg); err != nil {
		return DaemonConfig{}, err
	}
	return cfg, nil
}

// Validate checks the resolved config for the config-error class of
// spec.md §7: nonexistent roots, or an empty db-path or socket path.
func Validate(cfg DaemonConfig) error {
	for _, r := range cfg.Roots {
		if _, err := os.Stat(r); err != nil {
			return fmt.Errorf("config: root path does not exist: %s: %w", r, err)
		}
	}
	if cfg.DBPath == "" {
		return fmt.Errorf("config: db-path must not be empty")
	}
	if cfg.SocketPath == "" {
		return fmt.Errorf("config: socket path must not be empty")
	}
	return nil
}

// ClientConfig is the fully-resolved configuration for cmd/lesc.
type ClientConfig struct {
	SocketPath string
}

// LoadClientConfig resolves the client's socket path.
func LoadClientConfig(v *viper.Viper) (ClientConfig, error) {
	sockPath, err := homedir.Expand(v.GetString("socket"))
	if err != nil {
		return ClientConfig{}, fmt.Errorf("config: expand socket: %w", err)
	}
	return ClientConfig{SocketPath: sockPath}, nil
}
