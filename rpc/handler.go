package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/indexer"
	"github.com/tolelom/tolchain/vm"
)

// Handler holds all dependencies needed to serve RPC methods.
type Handler struct {
	bc           *core.Blockchain
	mempool      *core.Mempool
	accounts     core.AccountStore
	runtime      *vm.Runtime
	txStore      storageTxStore
	receiptStore storageReceiptStore
	indexer      *indexer.Indexer
	chainID      string // expected chain_id; used to reject cross-chain replay transactions
}

// storageTxStore and storageReceiptStore are the narrow views NewHandler
// needs from storage.TxStore/storage.ReceiptStore, kept as local interfaces
// so rpc doesn't have to import storage just to name the concrete types.
type storageTxStore interface {
	GetTx(hash string) (*core.SignedTransaction, error)
}

type storageReceiptStore interface {
	GetReceipt(txHash string) (*core.Receipt, error)
}

// NewHandler creates an RPC Handler.
func NewHandler(bc *core.Blockchain, mempool *core.Mempool, accounts core.AccountStore, runtime *vm.Runtime, txStore storageTxStore, receiptStore storageReceiptStore, idx *indexer.Indexer, chainID string) *Handler {
	return &Handler{
		bc: bc, mempool: mempool, accounts: accounts, runtime: runtime,
		txStore: txStore, receiptStore: receiptStore, indexer: idx, chainID: chainID,
	}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getBlockHeight":
		return okResponse(req.ID, h.bc.Height())

	case "getBlock":
		return h.getBlock(req)

	case "getBalance":
		return h.getBalance(req)

	case "getAssetsByOwner":
		return h.getAssetsByOwner(req)

	case "send_transaction":
		return h.sendTransaction(req)

	case "get_transaction":
		return h.getTransaction(req)

	case "get_receipt":
		return h.getReceipt(req)

	case "query_service":
		return h.queryService(req)

	case "getMempoolSize":
		return okResponse(req.ID, h.mempool.Size())

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) getBlock(req Request) Response {
	var params struct {
		Hash   string       `json:"hash"`
		Height *core.Height `json:"height"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}

	var block *core.Block
	var err error
	if params.Hash != "" {
		block, err = h.bc.GetBlock(params.Hash)
	} else if params.Height != nil {
		block, err = h.bc.GetBlockByHeight(*params.Height)
	} else {
		block = h.bc.Tip()
	}
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if block == nil {
		return errResponse(req.ID, CodeInternalError, "no block found")
	}
	return okResponse(req.ID, block)
}

func (h *Handler) getBalance(req Request) Response {
	var params struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Address == "" {
		return errResponse(req.ID, CodeInvalidParams, "address is required")
	}
	acc, err := h.accounts.GetAccount(params.Address)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{"address": params.Address, "balance": acc.Balance})
}

func (h *Handler) getAssetsByOwner(req Request) Response {
	var params struct {
		Owner string `json:"owner"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Owner == "" {
		return errResponse(req.ID, CodeInvalidParams, "owner is required")
	}
	ids, err := h.indexer.GetAssetsByOwner(params.Owner)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, ids)
}

// sendTransaction admits an already-signed transaction into the local
// mempool's Q0 (ordered) queue. It rejects a transaction whose chain_id
// differs from this node's, then runs Verify (hash and signature) before
// InsertOrdered.
func (h *Handler) sendTransaction(req Request) Response {
	var stx core.SignedTransaction
	if err := json.Unmarshal(req.Params, &stx); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if stx.Raw.ChainID != h.chainID {
		return errResponse(req.ID, CodeInvalidParams,
			fmt.Sprintf("chain ID mismatch: got %q want %q", stx.Raw.ChainID, h.chainID))
	}
	if err := stx.Verify(); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if err := h.mempool.InsertOrdered(h.bc.Height(), &stx); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]string{"tx_hash": stx.Hash})
}

func (h *Handler) getTransaction(req Request) Response {
	var params struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Hash == "" {
		return errResponse(req.ID, CodeInvalidParams, "hash is required")
	}
	if stx, ok := h.mempool.Get(params.Hash); ok {
		return okResponse(req.ID, stx)
	}
	stx, err := h.txStore.GetTx(params.Hash)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, stx)
}

func (h *Handler) getReceipt(req Request) Response {
	var params struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Hash == "" {
		return errResponse(req.ID, CodeInvalidParams, "hash is required")
	}
	r, err := h.receiptStore.GetReceipt(params.Hash)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, r)
}

// queryService serves a registered ReadOnly (service, method) handler
// directly against the latest state, with no fee charge or consensus
// round trip.
func (h *Handler) queryService(req Request) Response {
	var params struct {
		Service string          `json:"service"`
		Method  string          `json:"method"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Service == "" || params.Method == "" {
		return errResponse(req.ID, CodeInvalidParams, "service and method are required")
	}
	body, err := h.runtime.Query(h.bc.Height(), params.Service, params.Method, params.Payload)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, body)
}
