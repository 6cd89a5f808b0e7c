// Package config loads the busworker configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cryguy/busworker/internal/core"
	"github.com/cryguy/busworker/internal/engine/amqp"
	"github.com/cryguy/busworker/internal/logging"
	"github.com/cryguy/busworker/internal/tracing"
)

// Engine names.
const (
	EngineAMQP   = "amqp"
	EngineMemory = "memory"
)

// Config is the root configuration for the busworker daemon.
type Config struct {
	Engine   string            `mapstructure:"engine"` // "amqp" or "memory"
	AMQP     amqp.Config       `mapstructure:"amqp"`
	Bridge   core.BridgeConfig `mapstructure:"bridge"`
	Handlers HandlersConfig    `mapstructure:"handlers"`
	Journal  JournalConfig     `mapstructure:"journal"`
	Logging  logging.Config    `mapstructure:"logging"`
	Tracing  tracing.Config    `mapstructure:"tracing"`

	// Source is the config file that was read, empty when none was found.
	Source string `mapstructure:"-"`
}

// HandlersConfig locates the handler module and the exports to register.
// The module may also register handlers itself through the eventbus global.
type HandlersConfig struct {
	Module        string         `mapstructure:"module"`
	Subscriptions []Subscription `mapstructure:"subscriptions"`
	Resources     []Resource     `mapstructure:"resources"`
}

// Subscription binds a module export to exchange and routing key.
type Subscription struct {
	Exchange       string  `mapstructure:"exchange"`
	RoutingKey     string  `mapstructure:"routing_key"`
	Export         string  `mapstructure:"export"`
	ProcessTimeout *uint32 `mapstructure:"process_timeout"` // seconds
	CommandTimeout *uint32 `mapstructure:"command_timeout"` // seconds
}

// Timeouts converts the optional second counts.
func (s Subscription) Timeouts() core.Timeouts {
	return timeouts(s.ProcessTimeout, s.CommandTimeout)
}

// Resource binds a module export as the request/response handler for a
// routing key.
type Resource struct {
	RoutingKey     string  `mapstructure:"routing_key"`
	Export         string  `mapstructure:"export"`
	ProcessTimeout *uint32 `mapstructure:"process_timeout"`
	CommandTimeout *uint32 `mapstructure:"command_timeout"`
}

// Timeouts converts the optional second counts.
func (r Resource) Timeouts() core.Timeouts {
	return timeouts(r.ProcessTimeout, r.CommandTimeout)
}

func timeouts(process, command *uint32) core.Timeouts {
	var t core.Timeouts
	if process != nil {
		t.Process = core.SecondsOf(*process)
	}
	if command != nil {
		t.Command = core.SecondsOf(*command)
	}
	return t
}

// JournalConfig enables the SQLite dispatch journal.
type JournalConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"` // entries older than this are pruned, 0 keeps all
}

// Load reads the configuration from file, environment variables, and defaults.
// If configFile is non-empty it is used directly; otherwise the standard
// search order applies: ./busworker.yaml, ./configs/busworker.yaml, /etc/busworker/busworker.yaml.
// AMQP_USERNAME and AMQP_PASSWORD override the broker credentials last.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("busworker")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/busworker")
	}

	// Environment variables: BUSWORKER_ENGINE, BUSWORKER_AMQP_HOST, etc.
	v.SetEnvPrefix("BUSWORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	source := ""
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		source = v.ConfigFileUsed()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	cfg.Source = source

	var creds Credentials
	if err := ParseEnv(&creds); err != nil {
		return nil, err
	}
	creds.apply(&cfg.AMQP)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	a := amqp.DefaultConfig()
	b := core.DefaultBridgeConfig()

	v.SetDefault("engine", EngineAMQP)

	v.SetDefault("amqp.host", a.Host)
	v.SetDefault("amqp.port", a.Port)
	v.SetDefault("amqp.username", a.Username)
	v.SetDefault("amqp.password", a.Password)
	v.SetDefault("amqp.vhost", a.Vhost)
	v.SetDefault("amqp.heartbeat", "10s")
	v.SetDefault("amqp.connection_name", "busworker")
	v.SetDefault("amqp.options.queue_name", a.Options.QueueName)
	v.SetDefault("amqp.options.rpc_exchange_name", a.Options.RPCExchange)
	v.SetDefault("amqp.options.rpc_queue_name", a.Options.RPCQueue)
	v.SetDefault("amqp.qos.pub_confirm", a.QoS.PubConfirm)
	v.SetDefault("amqp.qos.rpc_client_confirm", a.QoS.RPCClientConfirm)
	v.SetDefault("amqp.qos.rpc_server_confirm", a.QoS.RPCServerConfirm)
	v.SetDefault("amqp.qos.sub_auto_ack", a.QoS.SubAutoAck)
	v.SetDefault("amqp.qos.rpc_server_auto_ack", a.QoS.RPCServerAutoAck)
	v.SetDefault("amqp.qos.rpc_client_auto_ack", a.QoS.RPCClientAutoAck)
	v.SetDefault("amqp.qos.sub_prefetch", 0)
	v.SetDefault("amqp.qos.rpc_server_prefetch", 0)
	v.SetDefault("amqp.qos.rpc_client_prefetch", 0)
	v.SetDefault("amqp.tls.ca_file", "")
	v.SetDefault("amqp.tls.cert_file", "")
	v.SetDefault("amqp.tls.key_file", "")
	v.SetDefault("amqp.tls.server_name", "")

	v.SetDefault("bridge.host_model", string(b.HostModel))
	v.SetDefault("bridge.queue_size", b.QueueSize)
	v.SetDefault("bridge.enter_timeout", b.EnterTimeout.String())
	v.SetDefault("bridge.drain_grace", b.DrainGrace.String())
	v.SetDefault("bridge.memory_limit_mb", b.MemoryLimitMB)
	v.SetDefault("bridge.max_body_bytes", 0)
	v.SetDefault("bridge.decode_bodies", false)

	v.SetDefault("handlers.module", "handlers.js")

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.path", "data/journal.sqlite3")
	v.SetDefault("journal.retention", "168h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sampling", 1.0)
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []error
	switch c.Engine {
	case EngineAMQP:
		if err := c.AMQP.Validate(); err != nil {
			errs = append(errs, err)
		}
	case EngineMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown engine %q", c.Engine))
	}
	switch c.Bridge.HostModel {
	case core.HostLoop, core.HostLock:
	default:
		errs = append(errs, fmt.Errorf("unknown host model %q", c.Bridge.HostModel))
	}
	if c.Handlers.Module == "" {
		errs = append(errs, errors.New("handlers.module is required"))
	}
	for i, s := range c.Handlers.Subscriptions {
		if s.Exchange == "" || s.RoutingKey == "" || s.Export == "" {
			errs = append(errs, fmt.Errorf("handlers.subscriptions[%d]: exchange, routing_key and export are required", i))
		}
	}
	for i, r := range c.Handlers.Resources {
		if r.RoutingKey == "" || r.Export == "" {
			errs = append(errs, fmt.Errorf("handlers.resources[%d]: routing_key and export are required", i))
		}
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, errors.New("journal.path is required when the journal is enabled"))
	}
	return errors.Join(errs...)
}
