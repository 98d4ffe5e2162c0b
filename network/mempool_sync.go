package network

import (
	"encoding/json"
	"log"

	"github.com/tolelom/tolchain/core"
)

// PullTxsRequest asks a peer to push the bodies of the listed tx hashes,
// used when a proposal or a pulled block references hashes this node's
// mempool does not hold yet.
type PullTxsRequest struct {
	Hashes []string `json:"hashes"`
}

// PushTxsResponse answers a PullTxsRequest with whichever of the requested
// transactions the peer's mempool could still serve; already-committed
// hashes are silently omitted rather than erroring the whole batch.
type PushTxsResponse struct {
	Txs []*core.SignedTransaction `json:"txs"`
}

// PullProofRequest asks a peer for the quorum certificate covering height.
type PullProofRequest struct {
	Height core.Height `json:"height"`
}

// PushProofResponse answers a PullProofRequest with the QC, which a block
// header at height+1 carries for the previous height per spec §4.2.
type PushProofResponse struct {
	Height core.Height `json:"height"`
	Proof  core.Proof  `json:"proof"`
}

// MempoolSyncer answers peers' MsgPullTxs/MsgPullProof requests out of the
// local mempool and blockchain, and lets this node pull transactions or a QC
// it is missing from a specific peer. It is the out-of-band counterpart to
// Syncer: Syncer catches a node up block by block, MempoolSyncer fills in
// the pieces (tx bodies, a single QC) a node is missing without refetching
// whole blocks.
type MempoolSyncer struct {
	node    *Node
	mempool *core.Mempool
	bc      *core.Blockchain
}

// NewMempoolSyncer registers MsgPullTxs/MsgPushTxs/MsgPullProof/MsgPushProof
// handlers on node.
func NewMempoolSyncer(node *Node, mempool *core.Mempool, bc *core.Blockchain) *MempoolSyncer {
	s := &MempoolSyncer{node: node, mempool: mempool, bc: bc}
	node.Handle(MsgPullTxs, s.handlePullTxs)
	node.Handle(MsgPushTxs, s.handlePushTxs)
	node.Handle(MsgPullProof, s.handlePullProof)
	node.Handle(MsgPushProof, s.handlePushProof)
	return s
}

// RequestTxs asks peer to push the bodies of whichever hashes this node's
// mempool does not already hold.
func (s *MempoolSyncer) RequestTxs(peer *Peer, hashes []string) error {
	missing := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if _, ok := s.mempool.Get(h); !ok {
			missing = append(missing, h)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	data, err := json.Marshal(PullTxsRequest{Hashes: missing})
	if err != nil {
		return err
	}
	return peer.Send(Message{Type: MsgPullTxs, Payload: data})
}

func (s *MempoolSyncer) handlePullTxs(peer *Peer, msg Message) {
	var req PullTxsRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		log.Printf("[network] unmarshal pull_txs: %v", err)
		return
	}
	resp := PushTxsResponse{Txs: make([]*core.SignedTransaction, 0, len(req.Hashes))}
	for _, h := range req.Hashes {
		if tx, ok := s.mempool.Get(h); ok {
			resp.Txs = append(resp.Txs, tx)
		}
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = peer.Send(Message{Type: MsgPushTxs, Payload: data})
}

func (s *MempoolSyncer) handlePushTxs(_ *Peer, msg Message) {
	var resp PushTxsResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		log.Printf("[network] unmarshal push_txs: %v", err)
		return
	}
	height := s.bc.Height()
	for _, tx := range resp.Txs {
		if err := s.mempool.InsertProposed(height, tx); err != nil {
			log.Printf("[network] mempool insert pulled tx: %v", err)
		}
	}
}

// RequestProof asks peer for the QC covering height, used when a node
// obtained a block out of band (e.g. from a block explorer restore) without
// the proof its header declares.
func (s *MempoolSyncer) RequestProof(peer *Peer, height core.Height) error {
	data, err := json.Marshal(PullProofRequest{Height: height})
	if err != nil {
		return err
	}
	return peer.Send(Message{Type: MsgPullProof, Payload: data})
}

func (s *MempoolSyncer) handlePullProof(peer *Peer, msg Message) {
	var req PullProofRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	// The QC for `height` is carried in height+1's header, not height's own.
	block, err := s.bc.GetBlockByHeight(req.Height + 1)
	if err != nil {
		return
	}
	data, err := json.Marshal(PushProofResponse{Height: req.Height, Proof: block.Header.Proof})
	if err != nil {
		return
	}
	_ = peer.Send(Message{Type: MsgPushProof, Payload: data})
}

func (s *MempoolSyncer) handlePushProof(_ *Peer, msg Message) {
	var resp PushProofResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		log.Printf("[network] unmarshal push_proof: %v", err)
		return
	}
	// A standalone QC has nowhere to attach: the block it covers was either
	// already accepted with its own embedded proof, or is still missing and
	// will arrive, proof included, through the ordinary block sync path.
	// This only confirms the pull round-tripped.
	log.Printf("[network] received proof for height %d round %d", resp.Height, resp.Proof.Round)
}
