package amqp

import (
	"fmt"
	"strings"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/cryguy/busworker/internal/core"
)

// DirectReplyTo is the broker pseudo-queue used for call replies.
const DirectReplyTo = "amq.rabbitmq.reply-to"

func fromDelivery(d amqp091.Delivery) core.Message {
	return core.Message{
		Body:            d.Body,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		Exchange:        d.Exchange,
		RoutingKey:      d.RoutingKey,
		CorrelationID:   d.CorrelationId,
		Headers:         fromTable(d.Headers),
		DeliveryMode:    core.DeliveryMode(d.DeliveryMode),
		Expiration:      d.Expiration,
	}
}

func toPublishing(m core.Message) amqp091.Publishing {
	return amqp091.Publishing{
		Headers:         toTable(m.Headers),
		ContentType:     m.ContentType,
		ContentEncoding: m.ContentEncoding,
		DeliveryMode:    uint8(m.DeliveryMode),
		CorrelationId:   m.CorrelationID,
		Expiration:      m.Expiration,
		Body:            m.Body,
	}
}

// fromTable flattens header values to strings. Nested tables and arrays
// are rendered with fmt.
func fromTable(t amqp091.Table) map[string]string {
	if len(t) == 0 {
		return nil
	}
	out := make(map[string]string, len(t))
	for k, v := range t {
		switch v := v.(type) {
		case string:
			out[k] = v
		case []byte:
			out[k] = string(v)
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

func toTable(h map[string]string) amqp091.Table {
	if len(h) == 0 {
		return nil
	}
	t := make(amqp091.Table, len(h))
	for k, v := range h {
		t[k] = v
	}
	return t
}

// subscriptionQueue names the durable queue for a subscription, or returns
// "" for a server-named exclusive one.
func subscriptionQueue(prefix, exchange, routingKey string) string {
	if prefix == "" {
		return ""
	}
	return strings.Join([]string{prefix, exchange, routingKey}, ".")
}

func resourceQueue(prefix, routingKey string) string {
	return prefix + "." + routingKey
}
