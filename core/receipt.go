package core

import (
	"encoding/json"

	"github.com/tolelom/tolchain/crypto"
)

// ResponseCode classifies how a transaction's dispatched call terminated.
type ResponseCode int

const (
	ResponseOK ResponseCode = iota
	ResponseError
	// ResponseOutOfCycles marks a tx whose aggregate cycle usage across its
	// call tree exceeded its declared cycles_limit; its effects are reverted
	// (spec §4.4, §8 scenario 6).
	ResponseOutOfCycles
)

// Response is the outcome of dispatching a SignedTransaction's top-level
// (service, method) call.
type Response struct {
	Service  string          `json:"service"`
	Method   string          `json:"method"`
	Code     ResponseCode    `json:"code"`
	Body     json.RawMessage `json:"body,omitempty"`
	ErrorMsg string          `json:"error_msg,omitempty"`
}

// Receipt is the execution outcome of one transaction, published by the
// execution pipeline once the segment containing it has run. StateRootAfter
// is the state root immediately after this transaction's effects within its
// segment, not the block-committed root — segments can span several blocks
// before a confirm root lands, per spec §4.3.
type Receipt struct {
	Height        Height   `json:"height"`
	TxHash        string   `json:"tx_hash"`
	StateRootAfter string  `json:"state_root_after"`
	CyclesUsed    uint64   `json:"cycles_used"`
	Events        []Event  `json:"events"`
	Response      Response `json:"response"`
}

// Event is a single service-emitted log entry, scoped to the transaction
// that produced it.
type Event struct {
	Service string          `json:"service"`
	Topic   string          `json:"topic"`
	Data    json.RawMessage `json:"data"`
}

// ComputeReceiptRoot builds a deterministic root over an ordered list of
// receipt hashes for one segment, mirroring ComputeOrderRoot's length-prefix
// scheme so the two roots share one collision-resistance argument.
func ComputeReceiptRoot(receipts []*Receipt) (string, error) {
	hashes := make([]string, len(receipts))
	for i, r := range receipts {
		data, err := json.Marshal(r)
		if err != nil {
			return "", err
		}
		hashes[i] = crypto.Hash(data)
	}
	return ComputeOrderRoot(hashes), nil
}
