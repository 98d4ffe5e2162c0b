package network

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/tolelom/tolchain/consensus"
	"github.com/tolelom/tolchain/core"
)

// GetBlocksRequest asks a peer for blocks starting at FromHeight.
type GetBlocksRequest struct {
	FromHeight core.Height `json:"from_height"`
	Limit      int         `json:"limit"`
}

// BlocksResponse carries a batch of blocks plus the transaction bodies they
// reference, since a Block itself carries only tx hashes.
type BlocksResponse struct {
	Blocks []*core.Block                     `json:"blocks"`
	Txs    map[string]*core.SignedTransaction `json:"txs"`
}

// TxLookup resolves a transaction body by hash, used to fill BlocksResponse
// and to skip pulling tx hashes of a synced block that are already stored
// locally. Pulled-tx requests (MsgPullTxs) are served from the mempool only.
type TxLookup interface {
	GetTx(hash string) (*core.SignedTransaction, error)
}

// Submitter accepts a newly-synced block for asynchronous execution,
// matching execution.Pipeline.Submit.
type Submitter interface {
	Submit(block *core.Block)
}

// Syncer handles block synchronisation between nodes: it fetches blocks a
// peer has that this node lacks, verifies their proof before accepting
// them, and hands them to the execution pipeline. A mutex-guarded "height
// advance" lock serialises the Syncer's own block batches; the live
// consensus path does not take it, and concurrent bc.AddBlock calls are
// kept apart by Blockchain's own lock and its successor-height check.
type Syncer struct {
	node        *Node
	bc          *core.Blockchain
	validators  *core.ValidatorSet
	commonRef   string
	txs         TxLookup
	pipeline    Submitter
	maxSyncSpan uint64
	mempoolSync *MempoolSyncer

	advanceMu sync.Mutex
}

// NewSyncer creates a Syncer that requests missing blocks from peers.
func NewSyncer(node *Node, bc *core.Blockchain, validators *core.ValidatorSet, commonRef string, txs TxLookup, pipeline Submitter, maxSyncSpan uint64) *Syncer {
	s := &Syncer{
		node:        node,
		bc:          bc,
		validators:  validators,
		commonRef:   commonRef,
		txs:         txs,
		pipeline:    pipeline,
		maxSyncSpan: maxSyncSpan,
	}
	node.Handle(MsgGetBlocks, s.handleGetBlocks)
	node.Handle(MsgBlocks, s.handleBlocks)
	return s
}

// SetMempoolSyncer wires in a MempoolSyncer so a synced block's tx hashes a
// peer's BlocksResponse could not fill (already-committed on its end, still
// pending on this one) get backfilled with a targeted pull instead of being
// left for the execution pipeline to fail on.
func (s *Syncer) SetMempoolSyncer(m *MempoolSyncer) { s.mempoolSync = m }

// SyncWithPeer sends peer one request for the blocks after the local tip;
// RequestBlocks caps the batch at maxSyncSpan when it is between 1 and 200,
// and at 50 otherwise.
func (s *Syncer) SyncWithPeer(peer *Peer) {
	if err := s.RequestBlocks(peer, s.bc.Height()+1); err != nil {
		log.Printf("[sync] request blocks from %s: %v", peer.ID, err)
	}
}

// RequestBlocks asks peer for blocks starting at fromHeight.
func (s *Syncer) RequestBlocks(peer *Peer, fromHeight core.Height) error {
	limit := int(s.maxSyncSpan)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	req, err := json.Marshal(GetBlocksRequest{FromHeight: fromHeight, Limit: limit})
	if err != nil {
		return err
	}
	return peer.Send(Message{Type: MsgGetBlocks, Payload: req})
}

func (s *Syncer) handleGetBlocks(peer *Peer, msg Message) {
	var req GetBlocksRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	if req.Limit <= 0 || req.Limit > 200 {
		req.Limit = 50
	}
	blocks := make([]*core.Block, 0, req.Limit)
	txSet := make(map[string]*core.SignedTransaction)
	for h := req.FromHeight; h < req.FromHeight+core.Height(req.Limit); h++ {
		b, err := s.bc.GetBlockByHeight(h)
		if err != nil {
			break
		}
		blocks = append(blocks, b)
		for _, txHash := range b.TxHashes {
			if _, ok := txSet[txHash]; ok {
				continue
			}
			if tx, err := s.txs.GetTx(txHash); err == nil {
				txSet[txHash] = tx
			}
		}
	}
	data, err := json.Marshal(BlocksResponse{Blocks: blocks, Txs: txSet})
	if err != nil {
		return
	}
	_ = peer.Send(Message{Type: MsgBlocks, Payload: data})
}

func (s *Syncer) handleBlocks(peer *Peer, msg Message) {
	var resp BlocksResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		return
	}

	s.advanceMu.Lock()
	defer s.advanceMu.Unlock()

	for _, b := range resp.Blocks {
		if err := s.acceptBlock(b); err != nil {
			log.Printf("[sync] block %d rejected: %v", b.Header.Height, err)
			continue // skip this block, try the rest
		}
		s.pullMissingTxs(peer, b, resp.Txs)
	}
}

// pullMissingTxs requests, from the peer that sent block, the body of any
// tx hash block references that the BlocksResponse did not carry a body
// for — the sender's own mempool or tx store had already dropped it.
func (s *Syncer) pullMissingTxs(peer *Peer, block *core.Block, carried map[string]*core.SignedTransaction) {
	if s.mempoolSync == nil || peer == nil {
		return
	}
	var missing []string
	for _, h := range block.TxHashes {
		if _, ok := carried[h]; ok {
			continue
		}
		if _, err := s.txs.GetTx(h); err == nil {
			continue
		}
		missing = append(missing, h)
	}
	if len(missing) == 0 {
		return
	}
	if err := s.mempoolSync.RequestTxs(peer, missing); err != nil {
		log.Printf("[sync] request missing txs for block %d: %v", block.Header.Height, err)
	}
}

func (s *Syncer) acceptBlock(b *core.Block) error {
	if err := b.VerifyIntegrity(); err != nil {
		return fmt.Errorf("integrity: %w", err)
	}
	if err := consensus.VerifyProof(s.validators, b, s.commonRef); err != nil {
		return fmt.Errorf("proof: %w", err)
	}
	if err := s.bc.AddBlock(b); err != nil {
		return fmt.Errorf("add block: %w", err)
	}
	s.pipeline.Submit(b)
	return nil
}
