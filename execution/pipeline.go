// Package execution runs committed blocks' transactions asynchronously from
// the consensus driver that committed them, per spec §4.3's decoupled
// execution design: a block is finalized against a state root a proposer
// already knew about, and the pipeline here is what eventually produces the
// *next* root, receipts, and cycles-used figures for that block's segment.
package execution

import (
	"context"
	"fmt"

	"github.com/tolelom/tolchain/chainerr"
	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/logging"
	"github.com/tolelom/tolchain/statetrie"
	"github.com/tolelom/tolchain/vm"
)

// Result is what the pipeline publishes once it finishes a block's segment.
type Result struct {
	Block       *core.Block
	Receipts    []*core.Receipt
	ConfirmRoot string
	ReceiptRoot string
	CyclesUsed  uint64
}

// TxResolver looks up a transaction body by hash, falling back to durable
// storage when a synced block's transactions never passed through this
// node's own mempool.
type TxResolver interface {
	GetTx(hash string) (*core.SignedTransaction, error)
}

// Pipeline pulls committed blocks off a channel, resolves their transaction
// bodies from the mempool (falling back to txLookup), and runs them through
// a vm.Runtime, queue depth bounded so a slow executor applies backpressure
// onto how far ahead of execution the consensus driver is allowed to commit
// (max_commit_lead).
type Pipeline struct {
	runtime  *vm.Runtime
	trie     *statetrie.Store
	mempool  *core.Mempool
	txLookup TxResolver // optional; may be nil

	maxCommitLead uint64
	lastExecuted  core.Height

	submit  chan *core.Block
	results chan *Result
	log     interface {
		Warnf(string, ...any)
		Errorf(string, ...any)
	}
}

// NewPipeline constructs a Pipeline. Blocks reach it via Submit, called by
// both the locally-driven consensus.Driver (forwarding its Committed()
// channel) and the network Syncer (forwarding blocks fetched from peers),
// so one execution path serves both origins. txLookup may be nil; pass a
// storage.TxStore to resolve bodies for synced blocks whose transactions
// never entered this node's own mempool.
func NewPipeline(runtime *vm.Runtime, trie *statetrie.Store, mempool *core.Mempool, txLookup TxResolver, md *core.Metadata) *Pipeline {
	return &Pipeline{
		runtime:       runtime,
		trie:          trie,
		mempool:       mempool,
		txLookup:      txLookup,
		maxCommitLead: md.MaxCommitLead,
		submit:        make(chan *core.Block, 64),
		results:       make(chan *Result, 16),
		log:           logging.For("execution"),
	}
}

// SetLastExecuted seeds the pipeline's notion of how far execution has
// progressed, used at startup to resume from durable storage instead of
// assuming nothing has executed yet.
func (p *Pipeline) SetLastExecuted(height core.Height) { p.lastExecuted = height }

// Results returns the channel Result values are published to, consumed by
// storage (to persist receipts) and by the next proposal's header-building
// step (to learn the latest confirm root).
func (p *Pipeline) Results() <-chan *Result { return p.results }

// Submit queues block for execution. It blocks if the internal queue is
// full, applying backpressure onto whichever caller is feeding the
// pipeline faster than it can keep up.
func (p *Pipeline) Submit(block *core.Block) { p.submit <- block }

// Run drains submitted blocks in order until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case block := <-p.submit:
			if err := p.executeOne(block); err != nil {
				p.log.Errorf("execute height %d: %v", block.Header.Height, err)
			}
		}
	}
}

func (p *Pipeline) executeOne(block *core.Block) error {
	txs := make([]*core.SignedTransaction, 0, len(block.TxHashes))
	for _, h := range block.TxHashes {
		stx, ok := p.mempool.Get(h)
		if !ok && p.txLookup != nil {
			resolved, err := p.txLookup.GetTx(h)
			if err == nil {
				stx, ok = resolved, true
			}
		}
		if !ok {
			return chainerr.New(chainerr.NotFound, "execution.Pipeline.executeOne",
				fmt.Errorf("tx %s referenced by block %d not found in mempool or storage", h, block.Header.Height))
		}
		txs = append(txs, stx)
	}

	receipts, err := p.runtime.ExecuteBlock(block, txs)
	if err != nil {
		return chainerr.New(chainerr.Execution, "execution.Pipeline.executeOne", err)
	}

	receiptRoot, err := core.ComputeReceiptRoot(receipts)
	if err != nil {
		return chainerr.New(chainerr.Internal, "execution.Pipeline.executeOne", err)
	}
	confirmRoot, err := p.trie.ComputeRoot()
	if err != nil {
		return chainerr.New(chainerr.Internal, "execution.Pipeline.executeOne", err)
	}
	if err := p.trie.Commit(); err != nil {
		return chainerr.New(chainerr.Storage, "execution.Pipeline.executeOne", err)
	}

	var cyclesUsed uint64
	for _, r := range receipts {
		cyclesUsed += r.CyclesUsed
	}

	p.mempool.Remove(block.TxHashes)
	p.lastExecuted = block.Header.Height

	select {
	case p.results <- &Result{Block: block, Receipts: receipts, ConfirmRoot: confirmRoot, ReceiptRoot: receiptRoot, CyclesUsed: cyclesUsed}:
	default:
		p.log.Warnf("results channel full, dropping segment result for height %d", block.Header.Height)
	}
	return nil
}

// Lag reports how many committed heights have not yet been executed, used
// by the proposer to enforce max_commit_lead (spec §4.3): once Lag exceeds
// it, the driver should stall new proposals until execution catches up.
func (p *Pipeline) Lag(tipHeight core.Height) uint64 {
	if tipHeight <= p.lastExecuted {
		return 0
	}
	return tipHeight - p.lastExecuted
}
