package amqp

import (
	"errors"
	"net/url"
	"strconv"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/cryguy/busworker/internal/tlsconf"
)

// Options names the queues and exchanges the engine declares.
type Options struct {
	// QueueName prefixes durable subscription queues. Empty means every
	// subscription gets an exclusive server-named queue.
	QueueName string `mapstructure:"queue_name"`
	// RPCExchange is the direct exchange ProvideResource binds to.
	RPCExchange string `mapstructure:"rpc_exchange_name"`
	// RPCQueue prefixes the per-routing-key resource queues.
	RPCQueue string `mapstructure:"rpc_queue_name"`
}

// QoS holds confirmation, acknowledgement and prefetch settings per role.
// A zero prefetch leaves the broker default in place.
type QoS struct {
	PubConfirm        bool   `mapstructure:"pub_confirm"`
	RPCClientConfirm  bool   `mapstructure:"rpc_client_confirm"`
	RPCServerConfirm  bool   `mapstructure:"rpc_server_confirm"`
	SubAutoAck        bool   `mapstructure:"sub_auto_ack"`
	RPCServerAutoAck  bool   `mapstructure:"rpc_server_auto_ack"`
	RPCClientAutoAck  bool   `mapstructure:"rpc_client_auto_ack"`
	SubPrefetch       uint16 `mapstructure:"sub_prefetch"`
	RPCServerPrefetch uint16 `mapstructure:"rpc_server_prefetch"`
	RPCClientPrefetch uint16 `mapstructure:"rpc_client_prefetch"`
}

// DefaultQoS confirms client publications and acknowledges manually.
func DefaultQoS() QoS {
	return QoS{PubConfirm: true, RPCClientConfirm: true}
}

// Config is the broker connection configuration.
type Config struct {
	Host           string          `mapstructure:"host"`
	Port           int             `mapstructure:"port"`
	Username       string          `mapstructure:"username"`
	Password       string          `mapstructure:"password"`
	Vhost          string          `mapstructure:"vhost"`
	Heartbeat      time.Duration   `mapstructure:"heartbeat"`
	ConnectionName string          `mapstructure:"connection_name"`
	Options        Options         `mapstructure:"options"`
	QoS            QoS             `mapstructure:"qos"`
	TLS            tlsconf.Options `mapstructure:"tls"`
}

// DefaultConfig returns a configuration for a local broker.
func DefaultConfig() Config {
	return Config{
		Host:     "localhost",
		Port:     5672,
		Username: "guest",
		Password: "guest",
		Vhost:    "/",
		Options: Options{
			RPCExchange: "rpc",
			RPCQueue:    "rpc_queue",
		},
		QoS: DefaultQoS(),
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("amqp: host is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, errors.New("amqp: port out of range"))
	}
	if c.Options.RPCExchange == "" {
		errs = append(errs, errors.New("amqp: rpc exchange name is required"))
	}
	if c.Options.RPCQueue == "" {
		errs = append(errs, errors.New("amqp: rpc queue name is required"))
	}
	return errors.Join(errs...)
}

// URI returns the broker URI. The scheme is amqps when TLS is configured.
func (c Config) URI() string {
	u := amqp091.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Vhost:    c.Vhost,
	}
	if c.TLS.Enabled() {
		u.Scheme = "amqps"
	}
	return u.String()
}

// Redacted returns the URI with the password masked, for logging.
func (c Config) Redacted() string {
	u, err := url.Parse(c.URI())
	if err != nil {
		return c.Host + ":" + strconv.Itoa(c.Port)
	}
	return u.Redacted()
}
