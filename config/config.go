/*
Package config loads the clusterinvoke configuration from a TOML file and
CLUSTERINVOKE_* environment variables, e.g. CLUSTERINVOKE_SERVER_ADDRESS for
server.address.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/dermesser/clusterinvoke/distributed"
	"github.com/dermesser/clusterinvoke/invoke"
	"github.com/dermesser/clusterinvoke/log"
	"github.com/dermesser/clusterinvoke/server"
)

const (
	configName = "clusterinvoke"
	configType = "toml"
	envPrefix  = "CLUSTERINVOKE"
)

// Duration is a time.Duration written as "1m30s" in configuration files.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	Security  SecurityConfig  `mapstructure:"security" toml:"security"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" toml:"scheduler"`
	Status    StatusConfig    `mapstructure:"status" toml:"status"`
	Log       LogConfig       `mapstructure:"log" toml:"log"`
}

type ServerConfig struct {
	// "tcp" or "zmq".
	Network string `mapstructure:"network" toml:"network"`
	// host:port for tcp, a ZeroMQ endpoint for zmq.
	Address string `mapstructure:"address" toml:"address"`
	// Concurrent dispatches per user; 0 means unbounded.
	AdmissionCapacity  int `mapstructure:"admission_capacity" toml:"admission_capacity"`
	AnonymousAuthority int `mapstructure:"anonymous_authority" toml:"anonymous_authority"`
	// Authority of accounts created by join; negative disables join.
	JoinAuthority   int      `mapstructure:"join_authority" toml:"join_authority"`
	ShutdownTimeout Duration `mapstructure:"shutdown_timeout" toml:"shutdown_timeout"`
	// Health checks fail for this long before shutdown starts.
	LameduckPeriod Duration `mapstructure:"lameduck_period" toml:"lameduck_period"`
	// Largest accepted invocation in bytes, envelope and payloads together.
	MaxMessageSize uint64           `mapstructure:"max_message_size" toml:"max_message_size"`
	Accounts       []server.Account `mapstructure:"accounts" toml:"accounts,omitempty"`
}

// SecurityConfig enables CURVE on the zmq transport when key files are set.
type SecurityConfig struct {
	PublicKeyFile string `mapstructure:"public_key_file" toml:"public_key_file"`
	SecretKeyFile string `mapstructure:"secret_key_file" toml:"secret_key_file"`
	// Server: accepted client public keys; empty accepts any key.
	AllowedClientKeys []string `mapstructure:"allowed_client_keys" toml:"allowed_client_keys,omitempty"`
	AllowedAddresses  []string `mapstructure:"allowed_addresses" toml:"allowed_addresses,omitempty"`
	DeniedAddresses   []string `mapstructure:"denied_addresses" toml:"denied_addresses,omitempty"`
	// Client: the server's public key.
	ServerPublicKey string `mapstructure:"server_public_key" toml:"server_public_key"`
}

type SchedulerConfig struct {
	ServiceName       string   `mapstructure:"service_name" toml:"service_name"`
	RequiredAuthority int      `mapstructure:"required_authority" toml:"required_authority"`
	Window            int      `mapstructure:"window" toml:"window"`
	NeutralIndex      float64  `mapstructure:"neutral_index" toml:"neutral_index"`
	PendingTimeout    Duration `mapstructure:"pending_timeout" toml:"pending_timeout"`
	TimeoutPenalty    Duration `mapstructure:"timeout_penalty" toml:"timeout_penalty"`
	ReapInterval      Duration `mapstructure:"reap_interval" toml:"reap_interval"`
}

type StatusConfig struct {
	// Listen address of the HTTP status server; empty disables it.
	Address string `mapstructure:"address" toml:"address"`
}

type LogConfig struct {
	// error, warn, info or debug.
	Level   string `mapstructure:"level" toml:"level"`
	Console bool   `mapstructure:"console" toml:"console"`
	// Path of the invocation log (REQ/RSP/ERR lines); empty disables it.
	RPCLog string `mapstructure:"rpc_log" toml:"rpc_log"`
}

func setDefaults(v *viper.Viper) {
	sched := distributed.DefaultConfig()

	v.SetDefault("server.network", "tcp")
	v.SetDefault("server.address", "127.0.0.1:9000")
	v.SetDefault("server.admission_capacity", 8)
	v.SetDefault("server.anonymous_authority", 0)
	v.SetDefault("server.join_authority", -1)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.lameduck_period", "0s")
	v.SetDefault("server.max_message_size", invoke.DefaultMaxMessageSize)

	v.SetDefault("scheduler.service_name", distributed.DefaultServiceName)
	v.SetDefault("scheduler.required_authority", 0)
	v.SetDefault("scheduler.window", sched.Window)
	v.SetDefault("scheduler.neutral_index", sched.NeutralIndex)
	v.SetDefault("scheduler.pending_timeout", sched.PendingTimeout.String())
	v.SetDefault("scheduler.timeout_penalty", sched.TimeoutPenalty.String())
	v.SetDefault("scheduler.reap_interval", sched.ReapInterval.String())

	v.SetDefault("status.address", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)
	v.SetDefault("log.rpc_log", "")

	// Keys without a default are invisible to AutomaticEnv.
	for _, k := range []string{
		"security.public_key_file", "security.secret_key_file", "security.server_public_key",
	} {
		v.SetDefault(k, "")
	}
}

/*
Load reads the configuration. If path is empty, clusterinvoke.toml is looked up
in the working directory and /etc/clusterinvoke; a missing file is not an error
then.
*/
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/clusterinvoke")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Server.Network {
	case "tcp", "zmq":
	default:
		errs = append(errs, fmt.Errorf("server.network: unknown network %q", c.Server.Network))
	}
	if c.Server.Address == "" {
		errs = append(errs, errors.New("server.address: must not be empty"))
	}
	if c.Server.LameduckPeriod < 0 {
		errs = append(errs, errors.New("server.lameduck_period: must not be negative"))
	}
	if c.Server.MaxMessageSize == 0 {
		errs = append(errs, errors.New("server.max_message_size: must be positive"))
	}
	if c.Server.AdmissionCapacity < 0 {
		errs = append(errs, errors.New("server.admission_capacity: must not be negative"))
	}
	if (c.Security.PublicKeyFile == "") != (c.Security.SecretKeyFile == "") {
		errs = append(errs, errors.New("security: public_key_file and secret_key_file must be set together"))
	}
	seen := make(map[string]bool)
	for i, acc := range c.Server.Accounts {
		if acc.ID == "" {
			errs = append(errs, fmt.Errorf("server.accounts[%d]: empty id", i))
		} else if seen[acc.ID] {
			errs = append(errs, fmt.Errorf("server.accounts[%d]: duplicate id %q", i, acc.ID))
		}
		seen[acc.ID] = true
	}
	if c.Scheduler.Window <= 0 {
		errs = append(errs, errors.New("scheduler.window: must be positive"))
	}
	if c.Scheduler.NeutralIndex <= 0 {
		errs = append(errs, errors.New("scheduler.neutral_index: must be positive"))
	}
	if c.Scheduler.PendingTimeout < 0 {
		errs = append(errs, errors.New("scheduler.pending_timeout: must not be negative"))
	}
	if c.Scheduler.TimeoutPenalty <= 0 {
		errs = append(errs, errors.New("scheduler.timeout_penalty: must be positive"))
	}
	if c.Scheduler.ReapInterval <= 0 {
		errs = append(errs, errors.New("scheduler.reap_interval: must be positive"))
	}
	if _, err := LogLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// SchedulerConfig converts the scheduler section.
func (c *Config) SchedulerConfig() distributed.Config {
	return distributed.Config{
		Window:         c.Scheduler.Window,
		NeutralIndex:   c.Scheduler.NeutralIndex,
		PendingTimeout: time.Duration(c.Scheduler.PendingTimeout),
		TimeoutPenalty: time.Duration(c.Scheduler.TimeoutPenalty),
		ReapInterval:   time.Duration(c.Scheduler.ReapInterval),
	}
}

// LogLevel maps a level name to a log.LOGLEVEL_* value.
func LogLevel(name string) (int, error) {
	switch strings.ToLower(name) {
	case "none", "off":
		return log.LOGLEVEL_NONE, nil
	case "error", "errors":
		return log.LOGLEVEL_ERRORS, nil
	case "warn", "warning", "warnings":
		return log.LOGLEVEL_WARNINGS, nil
	case "", "info":
		return log.LOGLEVEL_INFO, nil
	case "debug":
		return log.LOGLEVEL_DEBUG, nil
	}
	return 0, fmt.Errorf("unknown level %q", name)
}

// Marshal renders c as TOML.
func Marshal(c *Config) ([]byte, error) {
	return toml.Marshal(c)
}
