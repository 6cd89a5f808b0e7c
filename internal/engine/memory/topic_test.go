package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, key string
		want         bool
	}{
		{"orders.created", "orders.created", true},
		{"orders.created", "orders.deleted", false},
		{"orders.*", "orders.created", true},
		{"orders.*", "orders.created.eu", false},
		{"orders.*", "orders", false},
		{"orders.#", "orders", true},
		{"orders.#", "orders.created.eu", true},
		{"#", "anything.at.all", true},
		{"#.eu", "orders.created.eu", true},
		{"#.eu", "orders.created.us", false},
		{"*.created.#", "orders.created", true},
		{"*.created.#", "created", false},
		{"a.#.z", "a.z", true},
		{"a.#.z", "a.b.c.z", true},
		{"a.#.z", "a.b.c", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.pattern, tt.key), "%s vs %s", tt.pattern, tt.key)
	}
}
