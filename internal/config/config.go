// Package config loads NEF's broker/procman configuration: a YAML file
// read by viper, overridden by environment variables, and decoded into a
// typed, validated Config struct. The viper/mapstructure wiring follows
// client/cmd/cli.go's cobra.OnInitialize + viper pattern; the typed,
// env-overridable, validated struct style follows core/mdp/config.go.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BrokerConfig configures the broker binary (spec.md §6's transport
// endpoints).
type BrokerConfig struct {
	IPCFile        string        `mapstructure:"ipc_file"`
	TCPAddress     string        `mapstructure:"tcp_address"`
	ReconnectGrace time.Duration `mapstructure:"reconnect_grace"`
}

// ProcmanConfig configures the process supervisor's timers (spec.md
// §4.7).
type ProcmanConfig struct {
	RegistryPath     string        `mapstructure:"registry_path"`
	BaseBackoff      time.Duration `mapstructure:"base_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	StableWindow     time.Duration `mapstructure:"stable_window"`
	RequireTimeout   time.Duration `mapstructure:"require_timeout"`
	GracefulKill     time.Duration `mapstructure:"graceful_kill"`
	ForceKill        time.Duration `mapstructure:"force_kill"`
	MemGuardInterval time.Duration `mapstructure:"mem_guard_interval"`
}

// Config is the full, validated configuration shared by cmd/broker and
// cmd/procman.
type Config struct {
	VarDir      string            `mapstructure:"var_dir"`
	ProcessType string            `mapstructure:"process_type"`
	HostIDFile  string            `mapstructure:"hostid_file"`
	LogLevel    string            `mapstructure:"log_level"`
	LogFormat   string            `mapstructure:"log_format"`
	LokiAddress string            `mapstructure:"loki_address"`
	LokiLabels  map[string]string `mapstructure:"loki_labels"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Procman     ProcmanConfig     `mapstructure:"procman"`
}

// Default returns a Config populated with spec.md's suggested defaults.
func Default() Config {
	return Config{
		ProcessType: "broker",
		LogLevel:    "info",
		LogFormat:   "text",
		Broker: BrokerConfig{
			IPCFile:        "/tmp/nef-broker.ipc",
			TCPAddress:     "tcp://127.0.0.1:11000",
			ReconnectGrace: 10 * time.Second,
		},
		Procman: ProcmanConfig{
			BaseBackoff:      time.Second,
			MaxBackoff:       60 * time.Second,
			StableWindow:     60 * time.Second,
			RequireTimeout:   30 * time.Second,
			GracefulKill:     20 * time.Second,
			ForceKill:        5 * time.Second,
			MemGuardInterval: 5 * time.Minute,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("process_type", d.ProcessType)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("broker.ipc_file", d.Broker.IPCFile)
	v.SetDefault("broker.tcp_address", d.Broker.TCPAddress)
	v.SetDefault("broker.reconnect_grace", d.Broker.ReconnectGrace)
	v.SetDefault("procman.base_backoff", d.Procman.BaseBackoff)
	v.SetDefault("procman.max_backoff", d.Procman.MaxBackoff)
	v.SetDefault("procman.stable_window", d.Procman.StableWindow)
	v.SetDefault("procman.require_timeout", d.Procman.RequireTimeout)
	v.SetDefault("procman.graceful_kill", d.Procman.GracefulKill)
	v.SetDefault("procman.force_kill", d.Procman.ForceKill)
	v.SetDefault("procman.mem_guard_interval", d.Procman.MemGuardInterval)
}

// Load reads cfgFile (or, if empty, searches ./nef.yaml and
// $HOME/.config/nef/nef.yaml), applies NEF_-prefixed environment
// overrides via viper's AutomaticEnv, then applies the literal
// environment variable names spec.md §6 calls out by name (NEF_VAR,
// NEF_PROCESS_TYPE, HOSTID_FILE, BROKER_IPC_FILE; viper's convention maps
// a dotted key such as broker.reconnect_grace to NEF_BROKER_RECONNECT_GRACE),
// and validates the result.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("nef")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/nef")
	}
	setDefaults(v)
	v.SetEnvPrefix("NEF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to decode config: %w", err)
	}

	cfg.applyLiteralEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyLiteralEnvOverrides mirrors core/mdp/config.go's
// applyEnvironmentOverrides: explicit os.Getenv checks for the
// environment variables spec.md §6 names verbatim.
func (c *Config) applyLiteralEnvOverrides() {
	if v := os.Getenv("NEF_VAR"); v != "" {
		c.VarDir = v
	}
	if v := os.Getenv("NEF_PROCESS_TYPE"); v != "" {
		c.ProcessType = v
	}
	if v := os.Getenv("HOSTID_FILE"); v != "" {
		c.HostIDFile = v
	}
	if v := os.Getenv("BROKER_IPC_FILE"); v != "" {
		c.Broker.IPCFile = v
	}
}

// Validate checks the parameters that would otherwise fail silently or
// confusingly deep inside the broker/procman event loops.
func (c *Config) Validate() error {
	if c.ProcessType != "broker" && c.ProcessType != "procman" {
		return fmt.Errorf("process_type must be \"broker\" or \"procman\", got %q", c.ProcessType)
	}
	validLevels := []string{"trace", "debug", "info", "warn", "error", "fatal", "panic"}
	valid := false
	for _, l := range validLevels {
		if c.LogLevel == l {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.Broker.ReconnectGrace <= 0 {
		return fmt.Errorf("broker.reconnect_grace must be positive")
	}
	if c.Procman.MaxBackoff < c.Procman.BaseBackoff {
		return fmt.Errorf("procman.max_backoff must be >= procman.base_backoff")
	}
	if c.Procman.StableWindow <= 0 {
		return fmt.Errorf("procman.stable_window must be positive")
	}
	return nil
}
