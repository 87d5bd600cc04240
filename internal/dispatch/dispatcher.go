package dispatch

import (
	"log"

	"github.com/kassian/sellagent/internal/runner"
)

// Handler is one link in an event kind's chain. It runs synchronously from
// Dispatch; a handler that must do network I/O submits its own task to pool
// and returns immediately rather than blocking the chain.
type Handler func(pool *Pool, ev *runner.Event) error

// Dispatcher routes each event to its configured handler chain (§4.C's
// table). Chains run in registration order; a handler mutating the event
// (e.g. attaching classification results) completes before the next handler
// in the same chain runs, since handlers execute strictly sequentially.
type Dispatcher struct {
	pool   *Pool
	chains map[runner.Kind][]Handler
}

// New builds a Dispatcher backed by pool. Chains start empty; call Register
// to wire handlers per event kind.
func New(pool *Pool) *Dispatcher {
	return &Dispatcher{pool: pool, chains: make(map[runner.Kind][]Handler)}
}

// Register appends handlers to kind's chain, in order.
func (d *Dispatcher) Register(kind runner.Kind, handlers ...Handler) {
	d.chains[kind] = append(d.chains[kind], handlers...)
}

// Dispatch runs ev's chain to completion. A handler returning an error is
// logged and does not stop the remaining chain — later handlers (e.g.
// update_lot_states after a failed deliver_goods) still need a chance to
// run, since spec invariants are chain-local, not chain-wide transactions.
func (d *Dispatcher) Dispatch(ev *runner.Event) {
	chain := d.chains[ev.Kind]
	for _, h := range chain {
		if err := h(d.pool, ev); err != nil {
			log.Printf("dispatch: %s handler failed: %v", ev.Kind, err)
		}
	}
}

// Pool exposes the shared worker pool so callers wiring handlers at startup
// can close over it directly if they build chains outside Register.
func (d *Dispatcher) Pool() *Pool { return d.pool }
