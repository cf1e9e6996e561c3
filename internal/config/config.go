// Package config loads the daemon's single JSON configuration file (path
// given as argv[1], per the external-interfaces contract) with
// spf13/viper, applying defaults and validating the result before any
// component starts.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full set of recognized configuration keys.
type Config struct {
	RemoteConns map[string]string `mapstructure:"remote_conns"`
	Observers   map[string]string `mapstructure:"observers"`
	OwnDB       string            `mapstructure:"own_db"`

	HTTPAddress string `mapstructure:"http_address"`
	HTTPPort    int    `mapstructure:"http_port"`

	DBPollInterval                float64 `mapstructure:"db_poll_interval"`
	ReplicationStateCheckInterval float64 `mapstructure:"replication_state_check_interval"`

	WarningReplicationTimeLag     float64 `mapstructure:"warning_replication_time_lag"`
	MaxFailoverReplicationTimeLag float64 `mapstructure:"max_failover_replication_time_lag"`

	NeverPromoteTheseNodes []string `mapstructure:"never_promote_these_nodes"`

	FailoverCommand         string  `mapstructure:"failover_command"`
	OverWarningLimitCommand string  `mapstructure:"over_warning_limit_command"`
	PgStartCommand          string  `mapstructure:"pg_start_command"`
	PgStopCommand           string  `mapstructure:"pg_stop_command"`
	FailoverSleepTime       float64 `mapstructure:"failover_sleep_time"`

	MaintenanceModeFile string `mapstructure:"maintenance_mode_file"`
	AlertFileDir        string `mapstructure:"alert_file_dir"`
	JSONStateFilePath   string `mapstructure:"json_state_file_path"`

	Autofollow              bool   `mapstructure:"autofollow"`
	PrimaryConninfoTemplate string `mapstructure:"primary_conninfo_template"`
	RecoveryConfPath        string `mapstructure:"recovery_conf_path"`

	PollObserversOnWarningOnly bool `mapstructure:"poll_observers_on_warning_only"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

// Load reads and validates the configuration file at path. A read/parse
// failure here is fatal at startup per the ConfigInvalid error kind; the
// caller decides whether to exit or, on a reload, keep the prior config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	applyDefaults(v)

	v.SetEnvPrefix("PGWARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling %s: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("remote_conns", map[string]string{})
	v.SetDefault("observers", map[string]string{})
	v.SetDefault("own_db", "")

	v.SetDefault("http_address", "")
	v.SetDefault("http_port", 15000)

	v.SetDefault("db_poll_interval", 5.0)
	v.SetDefault("replication_state_check_interval", 5.0)

	v.SetDefault("warning_replication_time_lag", 30.0)
	v.SetDefault("max_failover_replication_time_lag", 120.0)

	v.SetDefault("never_promote_these_nodes", []string{})

	v.SetDefault("failover_command", "")
	v.SetDefault("over_warning_limit_command", "")
	v.SetDefault("pg_start_command", "")
	v.SetDefault("pg_stop_command", "")
	v.SetDefault("failover_sleep_time", 0.0)

	v.SetDefault("maintenance_mode_file", "/tmp/pgward_maintenance_mode_file")
	v.SetDefault("alert_file_dir", mustGetwd())
	v.SetDefault("json_state_file_path", "/tmp/pgward_state.json")

	v.SetDefault("autofollow", false)
	v.SetDefault("primary_conninfo_template", "")
	v.SetDefault("recovery_conf_path", "")

	v.SetDefault("poll_observers_on_warning_only", false)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// Validate rejects configurations that would leave the daemon unable to
// make sense of its own job: an autofollow setup with no template to
// rewrite recovery.conf from, or a negative interval that would spin the
// monitor loop into a busy-wait.
func Validate(cfg *Config) error {
	if cfg.Autofollow && cfg.PrimaryConninfoTemplate == "" {
		return fmt.Errorf("config: primary_conninfo_template is required when autofollow is enabled")
	}
	if cfg.Autofollow && cfg.RecoveryConfPath == "" {
		return fmt.Errorf("config: recovery_conf_path is required when autofollow is enabled")
	}
	if cfg.DBPollInterval <= 0 {
		return fmt.Errorf("config: db_poll_interval must be > 0, got %v", cfg.DBPollInterval)
	}
	if cfg.ReplicationStateCheckInterval <= 0 {
		return fmt.Errorf("config: replication_state_check_interval must be > 0, got %v", cfg.ReplicationStateCheckInterval)
	}
	if cfg.WarningReplicationTimeLag <= 0 {
		return fmt.Errorf("config: warning_replication_time_lag must be > 0, got %v", cfg.WarningReplicationTimeLag)
	}
	if cfg.MaxFailoverReplicationTimeLag <= cfg.WarningReplicationTimeLag {
		return fmt.Errorf("config: max_failover_replication_time_lag (%v) must exceed warning_replication_time_lag (%v)",
			cfg.MaxFailoverReplicationTimeLag, cfg.WarningReplicationTimeLag)
	}
	if cfg.HTTPPort < 1 || cfg.HTTPPort > 65535 {
		return fmt.Errorf("config: http_port must be between 1 and 65535, got %d", cfg.HTTPPort)
	}
	return nil
}

// NeverPromoteSet returns the never-promote list as a membership set.
func (c *Config) NeverPromoteSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.NeverPromoteTheseNodes))
	for _, n := range c.NeverPromoteTheseNodes {
		set[n] = struct{}{}
	}
	return set
}
