package busworker

import (
	"github.com/cryguy/busworker/internal/bridge"
	"github.com/cryguy/busworker/internal/core"
	"github.com/cryguy/busworker/internal/engine"
	"github.com/cryguy/busworker/internal/engine/amqp"
)

// Type aliases re-exported for external consumers.
type (
	Message        = core.Message
	DeliveryMode   = core.DeliveryMode
	Seconds        = core.Seconds
	Timeouts       = core.Timeouts
	BridgeConfig   = core.BridgeConfig
	HostModel      = core.HostModel
	Error          = core.Error
	ErrorKind      = core.ErrorKind
	RuntimeFactory = core.RuntimeFactory
	DispatchRecord = core.DispatchRecord
	Registration   = bridge.Registration
	Recorder       = bridge.Recorder
	State          = bridge.State
	Engine         = engine.Engine
	AMQPConfig     = amqp.Config
)

const (
	HostLoop = core.HostLoop
	HostLock = core.HostLock

	DeliveryDefault    = core.DeliveryDefault
	DeliveryTransient  = core.DeliveryTransient
	DeliveryPersistent = core.DeliveryPersistent

	KindHandlerFailed        = core.KindHandlerFailed
	KindInvalidHandlerOutput = core.KindInvalidHandlerOutput
	KindTimeout              = core.KindTimeout
	KindBridgeUnavailable    = core.KindBridgeUnavailable
	KindUnexpectedResult     = core.KindUnexpectedResult

	StateActive   = bridge.StateActive
	StateDraining = bridge.StateDraining
	StateDisposed = bridge.StateDisposed
)

// Sentinels for errors.Is.
var (
	ErrHandlerFailed        = core.ErrHandlerFailed
	ErrInvalidHandlerOutput = core.ErrInvalidHandlerOutput
	ErrTimeout              = core.ErrTimeout
	ErrBridgeUnavailable    = core.ErrBridgeUnavailable
	ErrUnexpectedResult     = core.ErrUnexpectedResult
)

// NoTimeout is the absent deadline.
var NoTimeout = core.NoTimeout

// SecondsOf returns a deadline of n seconds.
func SecondsOf(n uint32) Seconds { return core.SecondsOf(n) }

// DefaultBridgeConfig returns the bridge defaults.
func DefaultBridgeConfig() BridgeConfig { return core.DefaultBridgeConfig() }

// DefaultAMQPConfig returns a config for a local broker with guest credentials.
func DefaultAMQPConfig() AMQPConfig { return amqp.DefaultConfig() }
