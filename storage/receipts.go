package storage

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/tolchain/core"
)

const (
	txPrefix      = "tx:"
	receiptPrefix = "receipt:"
	segmentPrefix = "confirm:"
	latestExecKey = "latest:executed"
)

// TxStore durably records a transaction's body once its block commits, so
// get_transaction still resolves it after the mempool evicts the in-memory
// copy (spec §6's RPC surface assumes tx bodies outlive mempool residency).
type TxStore struct {
	db DB
}

// NewTxStore wraps db as a TxStore.
func NewTxStore(db DB) *TxStore { return &TxStore{db: db} }

// PutTx persists tx under its hash.
func (s *TxStore) PutTx(tx *core.SignedTransaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshal tx: %w", err)
	}
	return s.db.Set([]byte(txPrefix+tx.Hash), data)
}

// GetTx looks up a transaction by hash.
func (s *TxStore) GetTx(hash string) (*core.SignedTransaction, error) {
	data, err := s.db.Get([]byte(txPrefix + hash))
	if err != nil {
		return nil, err
	}
	var tx core.SignedTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("unmarshal tx: %w", err)
	}
	return &tx, nil
}

// ReceiptStore persists per-transaction receipts and per-segment confirm
// summaries published by the execution pipeline, keeping them queryable
// independently of the in-memory Result channel that produced them.
type ReceiptStore struct {
	db DB
}

// NewReceiptStore wraps db as a ReceiptStore.
func NewReceiptStore(db DB) *ReceiptStore { return &ReceiptStore{db: db} }

// PutReceipt persists one transaction's execution receipt.
func (s *ReceiptStore) PutReceipt(r *core.Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	return s.db.Set([]byte(receiptPrefix+r.TxHash), data)
}

// GetReceipt looks up a transaction's receipt by its hash.
func (s *ReceiptStore) GetReceipt(txHash string) (*core.Receipt, error) {
	data, err := s.db.Get([]byte(receiptPrefix + txHash))
	if err != nil {
		return nil, err
	}
	var r core.Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal receipt: %w", err)
	}
	return &r, nil
}

// segmentSummary is what PutSegment/GetSegment persist for one executed
// block: its confirm root, receipt root and cycles used. Block headers'
// ConfirmRoots/ReceiptRoots/CyclesUsed arrays are not filled from it.
type segmentSummary struct {
	ConfirmRoot string `json:"confirm_root"`
	ReceiptRoot string `json:"receipt_root"`
	CyclesUsed  uint64 `json:"cycles_used"`
}

// PutSegment records the execution outcome for height.
func (s *ReceiptStore) PutSegment(height core.Height, confirmRoot, receiptRoot string, cyclesUsed uint64) error {
	data, err := json.Marshal(segmentSummary{ConfirmRoot: confirmRoot, ReceiptRoot: receiptRoot, CyclesUsed: cyclesUsed})
	if err != nil {
		return fmt.Errorf("marshal segment summary: %w", err)
	}
	if err := s.db.Set([]byte(fmt.Sprintf("%s%d", segmentPrefix, height)), data); err != nil {
		return err
	}
	return s.db.Set([]byte(latestExecKey), []byte(fmt.Sprintf("%d", height)))
}

// GetSegment retrieves the execution outcome recorded for height.
func (s *ReceiptStore) GetSegment(height core.Height) (confirmRoot, receiptRoot string, cyclesUsed uint64, err error) {
	data, err := s.db.Get([]byte(fmt.Sprintf("%s%d", segmentPrefix, height)))
	if err != nil {
		return "", "", 0, err
	}
	var sum segmentSummary
	if err := json.Unmarshal(data, &sum); err != nil {
		return "", "", 0, fmt.Errorf("unmarshal segment summary: %w", err)
	}
	return sum.ConfirmRoot, sum.ReceiptRoot, sum.CyclesUsed, nil
}

// LatestExecuted returns the highest height the execution pipeline has
// confirmed a segment for, or (0, false) if none yet — used at startup to
// resume the pipeline from where it left off instead of re-executing from
// genesis.
func (s *ReceiptStore) LatestExecuted() (core.Height, bool) {
	data, err := s.db.Get([]byte(latestExecKey))
	if err != nil {
		return 0, false
	}
	var h core.Height
	if _, err := fmt.Sscanf(string(data), "%d", &h); err != nil {
		return 0, false
	}
	return h, true
}
