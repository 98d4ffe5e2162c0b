// Package vm dispatches transactions to registered service methods,
// generalizing the teacher's flat TxType-to-Handler executor into the
// (service, method) runtime described in spec §4.4.
package vm

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/tolelom/tolchain/chainerr"
	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/events"
	"github.com/tolelom/tolchain/statetrie"
)

// HookFunc runs before or after a stage of execution. Returning an error
// from a before-hook aborts the stage; after-hooks run best-effort and their
// errors are ignored, not propagated, matching spec §4.4's hook semantics.
type HookFunc func(ctx *Context) error

// Runtime applies transactions against a statetrie.Store using the global
// method Registry, enforcing cycle limits and call-depth bounds.
type Runtime struct {
	registry     *Registry
	trie         *statetrie.Store
	accounts     core.AccountStore
	emitter      *events.Emitter
	maxCallDepth int
	cyclesPrice  uint64

	txHooksBefore    []HookFunc
	txHooksAfter     []HookFunc
	blockHooksAfter  []func(block *core.Block) error
}

// NewRuntime creates a Runtime bound to trie and accounts, using md's
// cycles_price and max_call_depth policy.
func NewRuntime(trie *statetrie.Store, accounts core.AccountStore, emitter *events.Emitter, md *core.Metadata) *Runtime {
	rt := &Runtime{
		registry:     globalRegistry,
		trie:         trie,
		accounts:     accounts,
		emitter:      emitter,
		maxCallDepth: md.MaxCallDepth,
		cyclesPrice:  md.CyclesPrice,
	}
	for _, svc := range rt.registry.Services() {
		statetrie.RegisterNamespace("svc:" + svc + ":")
	}
	return rt
}

// AddTxHookBefore registers a hook run before every transaction's dispatch.
func (rt *Runtime) AddTxHookBefore(h HookFunc) { rt.txHooksBefore = append(rt.txHooksBefore, h) }

// AddTxHookAfter registers a hook run after every transaction's dispatch,
// regardless of success.
func (rt *Runtime) AddTxHookAfter(h HookFunc) { rt.txHooksAfter = append(rt.txHooksAfter, h) }

// AddBlockHookAfter registers a hook run once after a block's entire
// transaction list has been applied.
func (rt *Runtime) AddBlockHookAfter(h func(block *core.Block) error) {
	rt.blockHooksAfter = append(rt.blockHooksAfter, h)
}

// ExecuteBlock applies every transaction in a segment (the transactions
// named by a range of committed blocks not yet executed) in order, snapshot
// isolated per transaction so one failure never corrupts another's effects.
// It returns one Receipt per transaction and runs the registered
// block-after hooks once the whole segment has applied.
func (rt *Runtime) ExecuteBlock(block *core.Block, txs []*core.SignedTransaction) ([]*core.Receipt, error) {
	receipts := make([]*core.Receipt, 0, len(txs))
	for _, tx := range txs {
		r, err := rt.ExecuteTx(block, tx)
		if err != nil {
			return receipts, fmt.Errorf("tx %s failed: %w", tx.Hash, err)
		}
		receipts = append(receipts, r)
	}
	for _, hook := range rt.blockHooksAfter {
		if err := hook(block); err != nil {
			return receipts, chainerr.New(chainerr.Execution, "vm.Runtime.ExecuteBlock", err)
		}
	}
	return receipts, nil
}

// ExecuteTx verifies, fee-charges, dispatches, and snapshot-isolates a
// single transaction, producing its Receipt. A dispatch that exceeds its
// declared cycles_limit across the whole call tree rolls the trie back to
// its pre-dispatch state (dropping any events collected along the way) and
// reports ResponseOutOfCycles; the upfront fee charge is never refunded,
// matching the teacher's "fee always applies, effects may not" design.
func (rt *Runtime) ExecuteTx(block *core.Block, tx *core.SignedTransaction) (*core.Receipt, error) {
	if err := tx.Verify(); err != nil {
		return nil, chainerr.New(chainerr.InvalidInput, "vm.Runtime.ExecuteTx", err)
	}

	snapID, err := rt.trie.Snapshot()
	if err != nil {
		return nil, chainerr.New(chainerr.Internal, "vm.Runtime.ExecuteTx", err)
	}

	if err := rt.chargeCycles(tx); err != nil {
		_ = rt.trie.RevertToSnapshot(snapID)
		return nil, err
	}

	dispatchSnapID, err := rt.trie.Snapshot()
	if err != nil {
		return nil, chainerr.New(chainerr.Internal, "vm.Runtime.ExecuteTx", err)
	}

	evs := make([]core.Event, 0, 4)
	ctx := &Context{
		rt:      rt,
		service: tx.Raw.Service,
		store:   newServiceStore(rt.trie, tx.Raw.Service),
		Block:   block,
		Tx:      tx,
		evs:     &evs,
		budget:  &cycleBudget{limit: tx.Raw.CyclesLimit},
	}

	for _, hook := range rt.txHooksBefore {
		if err := hook(ctx); err != nil {
			_ = rt.trie.RevertToSnapshot(snapID)
			return nil, chainerr.New(chainerr.Execution, "vm.Runtime.ExecuteTx", err)
		}
	}

	resp, dispatchErr := rt.dispatch(ctx, tx)
	if dispatchErr != nil {
		if !chainerr.Is(dispatchErr, chainerr.OutOfCycles) {
			return nil, dispatchErr
		}
		_ = rt.trie.RevertToSnapshot(dispatchSnapID)
		evs = evs[:0]
		resp = core.Response{
			Service:  tx.Raw.Service,
			Method:   tx.Raw.Method,
			Code:     core.ResponseOutOfCycles,
			ErrorMsg: dispatchErr.Error(),
		}
	}

	for _, hook := range rt.txHooksAfter {
		if err := hook(ctx); err != nil {
			// After-hooks are best-effort: log-and-continue is the caller's
			// job (runtime has no logger of its own), so just skip.
			_ = err
		}
	}

	root, err := rt.trie.ComputeRoot()
	if err != nil {
		return nil, chainerr.New(chainerr.Internal, "vm.Runtime.ExecuteTx", err)
	}

	if rt.emitter != nil {
		rt.emitter.Emit(events.Event{
			Type:        events.EventTxExecuted,
			TxID:        tx.Hash,
			BlockHeight: block.Header.Height,
			Data:        map[string]any{"service": tx.Raw.Service, "method": tx.Raw.Method},
		})
	}

	return &core.Receipt{
		Height:         block.Header.Height,
		TxHash:         tx.Hash,
		StateRootAfter: root,
		CyclesUsed:     ctx.budget.used,
		Events:         evs,
		Response:       resp,
	}, nil
}

// Query invokes a registered ReadOnly (service, method) handler directly,
// skipping fee charging, hooks, and receipt production entirely: it exists
// so rpc.query_service can serve state reads without forging a transaction
// or touching consensus. ReadWrite methods are rejected outright.
func (rt *Runtime) Query(height core.Height, service, method string, payload json.RawMessage) (json.RawMessage, error) {
	entry, ok := rt.registry.lookup(service, method)
	if !ok {
		return nil, chainerr.New(chainerr.NotFound, "vm.Runtime.Query",
			fmt.Errorf("no handler for %s.%s", service, method))
	}
	if entry.access != ReadOnly {
		return nil, chainerr.New(chainerr.Unauthorized, "vm.Runtime.Query",
			fmt.Errorf("%s.%s is not read-only", service, method))
	}
	evs := make([]core.Event, 0)
	ctx := &Context{
		rt:      rt,
		service: service,
		store:   newServiceStore(rt.trie, service),
		Block:   &core.Block{Header: core.BlockHeader{Height: height}},
		Tx:      &core.SignedTransaction{Raw: core.RawTransaction{Service: service}},
		evs:     &evs,
		budget:  &cycleBudget{limit: math.MaxUint64}, // fee-free reads never run out of cycles
	}
	return entry.handler(ctx, payload)
}

// dispatch charges the top-level method's declared cycle cost against ctx's
// budget and invokes its handler. A returned error is only ever an
// OutOfCycles chainerr.Error (propagated so ExecuteTx can revert); any other
// handler failure is folded into a ResponseError instead of an error return,
// since an ordinary dispatch failure does not roll back the transaction.
func (rt *Runtime) dispatch(ctx *Context, tx *core.SignedTransaction) (core.Response, error) {
	entry, ok := rt.registry.lookup(tx.Raw.Service, tx.Raw.Method)
	if !ok {
		return core.Response{
			Service: tx.Raw.Service, Method: tx.Raw.Method,
			Code: core.ResponseError, ErrorMsg: fmt.Sprintf("no handler for %s.%s", tx.Raw.Service, tx.Raw.Method),
		}, nil
	}
	if err := ctx.budget.charge(entry.cycles); err != nil {
		return core.Response{}, err
	}
	body, err := entry.handler(ctx, tx.Raw.Payload)
	if err != nil {
		if chainerr.Is(err, chainerr.OutOfCycles) {
			return core.Response{}, err
		}
		return core.Response{Service: tx.Raw.Service, Method: tx.Raw.Method, Code: core.ResponseError, ErrorMsg: err.Error()}, nil
	}
	return core.Response{Service: tx.Raw.Service, Method: tx.Raw.Method, Code: core.ResponseOK, Body: body}, nil
}

// chargeCycles deducts cycles_limit * cycles_price up front from the
// sender's balance; spec §4.4 does not require refunding unused cycles, so
// the whole reservation is spent regardless of actual usage.
func (rt *Runtime) chargeCycles(tx *core.SignedTransaction) error {
	acc, err := rt.accounts.GetAccount(tx.Raw.Sender)
	if err != nil {
		return chainerr.New(chainerr.Internal, "vm.Runtime.chargeCycles", err)
	}
	cost := tx.Raw.CyclesLimit * rt.cyclesPrice
	if acc.Balance < cost {
		return chainerr.New(chainerr.InvalidInput, "vm.Runtime.chargeCycles",
			fmt.Errorf("insufficient balance for cycles: have %d need %d", acc.Balance, cost))
	}
	acc.Balance -= cost
	if err := rt.accounts.SetAccount(acc); err != nil {
		return chainerr.New(chainerr.Internal, "vm.Runtime.chargeCycles", err)
	}
	return nil
}
