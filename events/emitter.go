// Package events implements the node-wide pub/sub broker used to fan out
// block-commit and service-emitted notifications to in-process subscribers
// (the indexer, RPC subscriptions, metrics).
package events

import (
	"sync"

	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/logging"
)

// EventType labels what happened. Built-in chain-level events use fixed
// names; service-emitted events are named dynamically as "<service>.<topic>"
// by vm.Context.Emit, so the set below is not exhaustive.
type EventType string

const (
	EventBlockCommit EventType = "block_commit"
	EventTxExecuted  EventType = "tx_executed"

	// Service events the indexer subscribes to.
	EventAssetMinted   EventType = "asset.minted"
	EventAssetTransfer EventType = "asset.transferred"
	EventAssetBurned   EventType = "asset.burned"
	EventSessionOpen   EventType = "session.opened"
)

// Event carries a typed payload emitted after a state change.
type Event struct {
	Type        EventType      `json:"type"`
	TxID        string         `json:"tx_id,omitempty"`
	BlockHeight core.Height    `json:"block_height"`
	Data        map[string]any `json:"data"`
}

// Handler is a callback invoked for matching events.
type Handler func(Event)

// Emitter is a simple pub/sub broker. Subscribe before Emit.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	log      interface{ Warnf(string, ...any) }
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[EventType][]Handler), log: logging.For("events")}
}

// Subscribe registers h to be called whenever typ is emitted.
func (e *Emitter) Subscribe(typ EventType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[typ] = append(e.handlers[typ], h)
}

// Emit delivers ev to all subscribers for ev.Type synchronously. Each
// handler is guarded by panic recovery so a misbehaving subscriber cannot
// crash the node or halt block production.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	handlers := e.handlers[ev.Type]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Warnf("handler panicked for %s: %v", ev.Type, r)
				}
			}()
			h(ev)
		}()
	}
}
