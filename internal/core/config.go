package core

import "time"

// HostModel selects how the foreign execution context is entered.
type HostModel string

const (
	// HostLoop posts every call onto a queue drained by the runtime's own
	// goroutine.
	HostLoop HostModel = "loop"
	// HostLock attaches to the runtime under a lock for every call.
	HostLock HostModel = "lock"
)

// BridgeConfig holds runtime configuration for a bridge instance.
type BridgeConfig struct {
	HostModel     HostModel     `mapstructure:"host_model"`
	QueueSize     int           `mapstructure:"queue_size"`      // loop host task queue capacity
	EnterTimeout  time.Duration `mapstructure:"enter_timeout"`   // bound on waiting for context entry
	DrainGrace    time.Duration `mapstructure:"drain_grace"`     // bound on draining in-flight dispatches at dispose
	MemoryLimitMB int           `mapstructure:"memory_limit_mb"` // per-runtime memory limit, 0 for the default, negative for none
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`  // inbound body limit, 0 for none
	DecodeBodies  bool          `mapstructure:"decode_bodies"`   // decode content-encoding before invoking handlers
}

// DefaultBridgeConfig returns the defaults used when a field is left zero.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		HostModel:     HostLoop,
		QueueSize:     256,
		EnterTimeout:  5 * time.Second,
		DrainGrace:    10 * time.Second,
		MemoryLimitMB: 128,
	}
}

// WithDefaults fills zero fields from DefaultBridgeConfig.
func (c BridgeConfig) WithDefaults() BridgeConfig {
	d := DefaultBridgeConfig()
	if c.HostModel == "" {
		c.HostModel = d.HostModel
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.EnterTimeout <= 0 {
		c.EnterTimeout = d.EnterTimeout
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = d.DrainGrace
	}
	switch {
	case c.MemoryLimitMB == 0:
		c.MemoryLimitMB = d.MemoryLimitMB
	case c.MemoryLimitMB < 0:
		c.MemoryLimitMB = 0
	}
	return c
}
