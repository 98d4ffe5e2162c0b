package vm

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/tolchain/chainerr"
	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/events"
)

// Context is passed to every Handler. It scopes storage access to the
// calling service and tracks the cross-service call depth so a handler that
// calls another service cannot recurse past the configured bound.
type Context struct {
	rt      *Runtime
	service string
	store   *ServiceStore
	Block   *core.Block
	Tx      *core.SignedTransaction
	depth   int
	evs     *[]core.Event
	budget  *cycleBudget
}

// cycleBudget tracks cycles spent across one transaction's full call tree.
// It is shared by pointer across a Context and every child Context a
// Context.Call spawns, so nested service calls accrue against the same
// declared cycles_limit instead of each getting their own allowance.
type cycleBudget struct {
	limit uint64
	used  uint64
}

// charge adds cost to the budget's running total, failing with a typed
// OutOfCycles error the instant the aggregate would exceed limit.
func (b *cycleBudget) charge(cost uint64) error {
	if b.used+cost > b.limit {
		return chainerr.New(chainerr.OutOfCycles, "vm.cycleBudget.charge",
			fmt.Errorf("cycles_used %d + %d exceeds cycles_limit %d", b.used, cost, b.limit))
	}
	b.used += cost
	return nil
}

// Service returns the name of the service this Context was dispatched for.
func (c *Context) Service() string { return c.service }

// Store returns this call's service-scoped key-value view.
func (c *Context) Store() *ServiceStore { return c.store }

// Accounts returns the shared native-token balance store. Only a narrow set
// of built-in services (token, market, session) touch balances directly;
// everything else stays isolated to its own namespace via Store().
func (c *Context) Accounts() core.AccountStore { return c.rt.accounts }

// Sender returns the address that authorized the top-level transaction.
func (c *Context) Sender() core.Address { return c.Tx.Raw.Sender }

// Height returns the height the enclosing block is being built or replayed
// for.
func (c *Context) Height() core.Height { return c.Block.Header.Height }

// Emit records an event scoped to the enclosing transaction, surfaced later
// in its Receipt.Events.
func (c *Context) Emit(topic string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return chainerr.New(chainerr.Internal, "vm.Context.Emit", err)
	}
	ev := core.Event{Service: c.service, Topic: topic, Data: raw}
	*c.evs = append(*c.evs, ev)
	if c.rt.emitter != nil {
		c.rt.emitter.Emit(events.Event{
			Type:        events.EventType(c.service + "." + topic),
			TxID:        c.Tx.Hash,
			BlockHeight: c.Block.Header.Height,
			Data:        map[string]any{"payload": data},
		})
	}
	return nil
}

// Call dispatches a cross-service call on behalf of the currently executing
// handler, enforcing the runtime's maximum call depth (spec §4.4; default
// 8) so a cycle of services calling each other cannot recurse unbounded.
func (c *Context) Call(service, method string, payload json.RawMessage) (json.RawMessage, error) {
	if c.depth+1 >= c.rt.maxCallDepth {
		return nil, chainerr.New(chainerr.ResourceExhausted, "vm.Context.Call",
			fmt.Errorf("call depth %d exceeds max_call_depth %d", c.depth+1, c.rt.maxCallDepth))
	}
	entry, ok := c.rt.registry.lookup(service, method)
	if !ok {
		return nil, chainerr.New(chainerr.NotFound, "vm.Context.Call",
			fmt.Errorf("no handler for %s.%s", service, method))
	}
	if err := c.budget.charge(entry.cycles); err != nil {
		return nil, err
	}
	child := &Context{
		rt:      c.rt,
		service: service,
		store:   newServiceStore(c.rt.trie, service),
		Block:   c.Block,
		Tx:      c.Tx,
		depth:   c.depth + 1,
		evs:     c.evs,
		budget:  c.budget,
	}
	return entry.handler(child, payload)
}
