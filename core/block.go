package core

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/tolchain/crypto"
)

// Proof is a quorum certificate for the *previous* block: an aggregated BLS
// signature from at least two-thirds of the voting weight for one step
// (prevote or precommit) at a given height/round. Bitmap marks which
// validators of that height's ValidatorSet (in order) contributed.
type Proof struct {
	Height              Height `json:"height"`
	Round               uint64 `json:"round"`
	BlockHash           string `json:"block_hash"`
	AggregatedSignature string `json:"aggregated_signature"` // hex BLS signature
	Bitmap              []byte `json:"bitmap"`
}

// BlockHeader carries everything that is hashed and signed, but not the
// transaction bodies themselves.
type BlockHeader struct {
	Height           Height   `json:"height"`
	PrevHash         string   `json:"prev_hash"`
	Timestamp        int64    `json:"timestamp"` // unix nanos, monotonic non-decreasing
	OrderRoot        string   `json:"order_root"` // Merkle root over this block's tx hash list
	StateRoot        string   `json:"state_root"` // latest state root known to the proposer at proposal time
	ConfirmRoots     []string `json:"confirm_roots"`
	ReceiptRoots     []string `json:"receipt_roots"`
	CyclesUsed       []uint64 `json:"cycles_used"`
	Proposer         Address  `json:"proposer"`
	ValidatorVersion uint64   `json:"validator_version"`
	Proof            Proof    `json:"proof"` // QC for the previous block
}

// Block is a BlockHeader plus the ordered list of transaction hashes it
// commits to consensus for. Full transaction bodies are not carried in the
// block; callers fetch bodies from the mempool or a peer.
type Block struct {
	Header     BlockHeader `json:"header"`
	TxHashes   []string    `json:"tx_hashes"` // the ordered tranche of a MixedTxHashes: executed in this order
	ProposedTxHashes []string `json:"proposed_tx_hashes,omitempty"` // the proposed tranche: already-seen hashes carried for visibility, not executed
	Validators []Validator `json:"validators"` // snapshot active at this height
	Hash       string      `json:"hash"`
}

// ComputeHash returns the content hash of the header. Validators and
// tx hashes are covered indirectly via OrderRoot and ValidatorVersion.
func (b *Block) ComputeHash() (string, error) {
	data, err := json.Marshal(b.Header)
	if err != nil {
		return "", fmt.Errorf("marshal header: %w", err)
	}
	return crypto.Hash(data), nil
}

// Finalize sets Hash from the current header. Call after Header.Proof (the
// previous block's QC) has been attached by the proposing driver.
func (b *Block) Finalize() error {
	h, err := b.ComputeHash()
	if err != nil {
		return err
	}
	b.Hash = h
	return nil
}

// VerifyIntegrity checks hash consistency and OrderRoot correctness,
// independent of the QC itself — structural checks any node can run
// immediately on receipt of a compact proposal.
func (b *Block) VerifyIntegrity() error {
	computed, err := b.ComputeHash()
	if err != nil {
		return err
	}
	if b.Hash != computed {
		return fmt.Errorf("block hash mismatch: stored %s computed %s", b.Hash, computed)
	}
	if root := ComputeOrderRoot(b.TxHashes); b.Header.OrderRoot != root {
		return errors.New("order_root mismatch")
	}
	if len(b.Header.ConfirmRoots) != len(b.Header.ReceiptRoots) || len(b.Header.ConfirmRoots) != len(b.Header.CyclesUsed) {
		return errors.New("confirm_roots/receipt_roots/cycles_used length mismatch")
	}
	return nil
}

// ComputeOrderRoot builds a deterministic Merkle root from an ordered list
// of tx hashes, length-prefixing each hash to avoid boundary ambiguity.
func ComputeOrderRoot(txHashes []string) string {
	if len(txHashes) == 0 {
		return crypto.Hash([]byte("empty"))
	}
	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, h := range txHashes {
		id := []byte(h)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(id)))
		buf.Write(lenBuf[:])
		buf.Write(id)
	}
	return crypto.Hash(buf.Bytes())
}

// NewBlockHeader builds an unsigned, unproven header. The caller (consensus
// driver) fills Proof once it has a QC for the previous block, and
// Validators once the ValidatorSet snapshot for this height is known.
func NewBlockHeader(height Height, prevHash string, proposer Address, txHashes []string, stateRoot string, timestamp int64) BlockHeader {
	return BlockHeader{
		Height:    height,
		PrevHash:  prevHash,
		Timestamp: timestamp,
		OrderRoot: ComputeOrderRoot(txHashes),
		StateRoot: stateRoot,
		Proposer:  proposer,
	}
}
