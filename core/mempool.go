package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/tolelom/tolchain/chainerr"
)

// dupHistorySize bounds the LRU of committed tx hashes kept around purely to
// reject duplicate resubmission after a tx has already left the pool via a
// committed block; unbounded history would leak memory across a long-running
// node's lifetime.
const dupHistorySize = 200_000

// SharedTx wraps a SignedTransaction with the two atomic flags the
// active/stand-in packaging scheme needs: removed (already committed or
// evicted, safe to skip and sweep out) and proposed (already handed out in
// the ordered tranche of a previous package() call, so a later call only
// offers it again via the proposed tranche until it is removed).
type SharedTx struct {
	Tx       *SignedTransaction
	removed  atomic.Bool
	proposed atomic.Bool
}

func (s *SharedTx) Removed() bool  { return s.removed.Load() }
func (s *SharedTx) Proposed() bool { return s.proposed.Load() }

// MixedTxHashes is the output of one Package call: Ordered is the tranche a
// proposer should execute as this block's body, Proposed is a second tranche
// of already-seen-elsewhere hashes carried alongside for visibility (e.g. so
// a relayer or follower can warm its own pool). The two never overlap.
type MixedTxHashes struct {
	Ordered  []string
	Proposed []string
}

// Mempool is the single active-queue, one-stand-in-queue transaction pool
// described in spec §4.1. Exactly one of the two internal FIFOs is "active"
// for packaging at any time; the other is the stand-in. Package walks the
// active queue head to tail every call, re-pushing every non-removed entry
// it sees into the stand-in queue, and swaps the two queues once the active
// queue has been fully walked — so a quiet tx eventually cycles back through
// instead of being starved behind a queue that never empties.
type Mempool struct {
	mu       sync.RWMutex
	byHash   map[string]*SharedTx
	active   []string // the queue Package currently walks
	standby  []string // entries re-pushed here during the current walk
	dupHist  *lru.Cache[string, struct{}]
	metadata *Metadata
}

// NewMempool creates an empty mempool governed by md's size and timeout
// policy.
func NewMempool(md *Metadata) (*Mempool, error) {
	hist, err := lru.New[string, struct{}](dupHistorySize)
	if err != nil {
		return nil, chainerr.New(chainerr.Internal, "mempool.NewMempool", err)
	}
	return &Mempool{
		byHash:   make(map[string]*SharedTx),
		dupHist:  hist,
		metadata: md,
	}, nil
}

// InsertOrdered validates and inserts a freely-submitted transaction, the
// entry point for both locally-submitted transactions and transactions
// gossiped by peers outside of a proposal.
func (m *Mempool) InsertOrdered(currentHeight Height, stx *SignedTransaction) error {
	return m.insert(currentHeight, stx)
}

// InsertProposed validates and inserts a transaction observed only inside a
// peer's proposal, so it can be packaged again by this node once the
// underlying proposal is abandoned, without re-fetching it from the network.
// It shares the same active-queue insertion path as InsertOrdered: spec
// §4.1's queue is a single shared structure, not source-tagged.
func (m *Mempool) InsertProposed(currentHeight Height, stx *SignedTransaction) error {
	return m.insert(currentHeight, stx)
}

func (m *Mempool) insert(currentHeight Height, stx *SignedTransaction) error {
	if err := stx.Verify(); err != nil {
		return chainerr.New(chainerr.InvalidInput, "mempool.insert", err)
	}
	raw, err := json.Marshal(stx)
	if err != nil {
		return chainerr.New(chainerr.InvalidInput, "mempool.insert", err)
	}
	if m.metadata.MaxTxSize > 0 && uint64(len(raw)) > m.metadata.MaxTxSize {
		return chainerr.New(chainerr.InvalidInput, "mempool.insert", errors.New("size exceeds max_tx_size"))
	}
	if m.metadata.CyclesLimit > 0 && stx.Raw.CyclesLimit > m.metadata.CyclesLimit {
		return chainerr.New(chainerr.InvalidInput, "mempool.insert", errors.New("cycles_limit exceeds metadata cycles_limit"))
	}
	if stx.Raw.CyclesPrice < m.metadata.CyclesPrice {
		return chainerr.New(chainerr.InvalidInput, "mempool.insert", errors.New("cycles_price below metadata cycles_price"))
	}
	if err := stx.Raw.CheckTimeout(currentHeight, m.metadata.TimeoutGap); err != nil {
		return chainerr.New(chainerr.InvalidInput, "mempool.insert", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.dupHist.Get(stx.Hash); seen {
		return chainerr.New(chainerr.AlreadyExists, "mempool.insert", nil)
	}
	if _, exists := m.byHash[stx.Hash]; exists {
		return chainerr.New(chainerr.AlreadyExists, "mempool.insert", nil)
	}
	if uint64(len(m.byHash)) >= m.metadata.TxNumLimit {
		return chainerr.New(chainerr.ResourceExhausted, "mempool.insert", nil)
	}

	shared := &SharedTx{Tx: stx}
	m.byHash[stx.Hash] = shared
	m.active = append(m.active, stx.Hash)
	return nil
}

// VerifyBatch validates signatures for a batch of candidate transactions in
// parallel, one goroutine per transaction, returning the subset that passed.
func (m *Mempool) VerifyBatch(ctx context.Context, txs []*SignedTransaction) ([]*SignedTransaction, error) {
	ok := make([]bool, len(txs))
	g, _ := errgroup.WithContext(ctx)
	for i := range txs {
		i := i
		g.Go(func() error {
			ok[i] = txs[i].Verify() == nil
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, chainerr.New(chainerr.Internal, "mempool.VerifyBatch", err)
	}
	valid := make([]*SignedTransaction, 0, len(txs))
	for i, tx := range txs {
		if ok[i] {
			valid = append(valid, tx)
		}
	}
	return valid, nil
}

// Package walks the active queue head to tail exactly once, producing a
// MixedTxHashes under two independent (cycles, count) caps: ordered accrues
// not-yet-proposed entries, proposed accrues already-proposed ones. Every
// walked non-removed entry, whether or not it made either tranche, is pushed
// to the stand-in queue in the same order it was seen; once the active queue
// has been fully walked the two queues swap, so the next call starts from
// where this one's stand-in left off.
func (m *Mempool) Package(cyclesLimitBlock, txLimitBlock uint64) MixedTxHashes {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out MixedTxHashes
	seen := make(map[string]struct{})
	var orderedCycles, proposedCycles, orderedCount, proposedCount uint64

	m.standby = m.standby[:0]
	for _, h := range m.active {
		shared, ok := m.byHash[h]
		if !ok || shared.Removed() {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}

		cost := shared.Tx.Raw.CyclesLimit
		if !shared.Proposed() {
			if orderedCount < txLimitBlock && orderedCycles+cost <= cyclesLimitBlock {
				shared.proposed.Store(true)
				out.Ordered = append(out.Ordered, h)
				orderedCycles += cost
				orderedCount++
			}
		} else {
			if proposedCount < txLimitBlock && proposedCycles+cost <= cyclesLimitBlock {
				out.Proposed = append(out.Proposed, h)
				proposedCycles += cost
				proposedCount++
			}
		}
		m.standby = append(m.standby, h)
	}

	m.active, m.standby = m.standby, m.active[:0]
	return out
}

// Unpropose clears the proposed flag for hashes whose proposal was
// abandoned (round change without commit), making them eligible for the
// ordered tranche of Package again.
func (m *Mempool) Unpropose(hashes []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range hashes {
		if shared, ok := m.byHash[h]; ok {
			shared.proposed.Store(false)
		}
	}
}

// Get returns a pooled transaction by hash.
func (m *Mempool) Get(hash string) (*SignedTransaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	shared, ok := m.byHash[hash]
	if !ok || shared.Removed() {
		return nil, false
	}
	return shared.Tx, true
}

// Remove evicts hashes from the pool after block commit and records them in
// the duplicate-history LRU so a resubmission of an already-confirmed
// transaction is rejected instead of silently re-admitted.
func (m *Mempool) Remove(hashes []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range hashes {
		if shared, ok := m.byHash[h]; ok {
			shared.removed.Store(true)
			delete(m.byHash, h)
		}
		m.dupHist.Add(h, struct{}{})
	}
	m.active = compact(m.active, m.byHash)
	m.standby = compact(m.standby, m.byHash)
}

func compact(queue []string, byHash map[string]*SharedTx) []string {
	filtered := queue[:0]
	for _, h := range queue {
		if _, ok := byHash[h]; ok {
			filtered = append(filtered, h)
		}
	}
	return filtered
}

// Flush evicts every transaction whose Timeout is at or below currentHeight,
// per spec §4.1's mempool eviction rule.
func (m *Mempool) Flush(currentHeight Height) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var evicted []string
	for h, shared := range m.byHash {
		if shared.Tx.Raw.Timeout <= currentHeight {
			shared.removed.Store(true)
			delete(m.byHash, h)
			evicted = append(evicted, h)
		}
	}
	m.active = compact(m.active, m.byHash)
	m.standby = compact(m.standby, m.byHash)
	return evicted
}

// Size returns the total number of pending transactions across both queues.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byHash)
}
