package core

import (
	"maps"
	"time"
)

// DeliveryMode is the persistence flag of a published message.
type DeliveryMode uint8

const (
	// DeliveryDefault leaves the choice to the engine.
	DeliveryDefault DeliveryMode = 0
	// DeliveryTransient messages may be lost on broker restart.
	DeliveryTransient DeliveryMode = 1
	// DeliveryPersistent messages survive broker restart.
	DeliveryPersistent DeliveryMode = 2
)

// Message is one bus message. Inbound messages are passed by value into
// each dispatch and their body is never shared between dispatches.
type Message struct {
	Body            []byte
	ContentType     string
	ContentEncoding string
	Exchange        string
	RoutingKey      string
	CorrelationID   string
	Headers         map[string]string
	DeliveryMode    DeliveryMode
	Expiration      string
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	c := m
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	if m.Headers != nil {
		c.Headers = maps.Clone(m.Headers)
	}
	return c
}

// Mode selects how a handler's result is interpreted.
type Mode int

const (
	// ModeSubscribe is fire-and-forget: only success or failure matters.
	ModeSubscribe Mode = iota
	// ModeRequestResponse requires the handler to produce bytes.
	ModeRequestResponse
)

func (m Mode) String() string {
	switch m {
	case ModeSubscribe:
		return "subscribe"
	case ModeRequestResponse:
		return "request_response"
	default:
		return "unknown"
	}
}

// Outcome is the result of exactly one dispatch. Err is nil on success;
// Output is nil in subscribe mode.
type Outcome struct {
	Output []byte
	Err    *Error
}

// Success returns a successful outcome carrying out.
func Success(out []byte) Outcome {
	return Outcome{Output: out}
}

// Failure returns a failed outcome.
func Failure(kind ErrorKind, message, description string) Outcome {
	return Outcome{Err: NewError(kind, message, description)}
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool { return o.Err == nil }

// Error returns the failure as an error, or nil on success.
func (o Outcome) Error() error {
	if o.Err == nil {
		return nil
	}
	return o.Err
}

// DispatchRecord describes one finished dispatch for journaling.
type DispatchRecord struct {
	DispatchID     string
	RegistrationID string
	Mode           Mode
	Exchange       string
	RoutingKey     string
	Started        time.Time
	Elapsed        time.Duration
	BodyBytes      int
	OutputBytes    int
	Err            *Error // nil on success
}
