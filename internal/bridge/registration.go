package bridge

import (
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cryguy/busworker/internal/core"
)

// Registration pairs a handler with the execution context it must run in.
// The handler itself stays inside the runtime, bound under ID; the Go side
// only holds the id and the token. Nothing in a Registration changes after
// it is created, so dispatches share it freely.
type Registration struct {
	ID         string
	Mode       core.Mode
	Exchange   string
	RoutingKey string
	Timeouts   core.Timeouts

	token Token
}

func newRegistration(id string, mode core.Mode, exchange, routingKey string, t core.Timeouts, tok Token) *Registration {
	if id == "" {
		id = uuid.NewString()
	}
	return &Registration{
		ID:         id,
		Mode:       mode,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Timeouts:   t,
		token:      tok,
	}
}

// Token returns the execution context token captured at registration.
func (r *Registration) Token() Token { return r.token }

type registry struct {
	mu   sync.Mutex
	regs map[string]*Registration
}

func newRegistry() *registry {
	return &registry{regs: make(map[string]*Registration)}
}

func (r *registry) add(reg *Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[reg.ID] = reg
}

func (r *registry) list() []*Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Registration, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, reg)
	}
	slices.SortFunc(out, func(a, b *Registration) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// clear forgets every registration and returns how many there were.
func (r *registry) clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.regs)
	r.regs = make(map[string]*Registration)
	return n
}
