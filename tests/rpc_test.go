package tests

import (
	"encoding/json"
	"testing"

	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/events"
	"github.com/tolelom/tolchain/indexer"
	"github.com/tolelom/tolchain/internal/testutil"
	"github.com/tolelom/tolchain/rpc"
	"github.com/tolelom/tolchain/statetrie"
	"github.com/tolelom/tolchain/storage"
	"github.com/tolelom/tolchain/vm"
	"github.com/tolelom/tolchain/wallet"

	_ "github.com/tolelom/tolchain/vm/modules/asset"
	_ "github.com/tolelom/tolchain/vm/modules/economy"
	_ "github.com/tolelom/tolchain/vm/modules/market"
	_ "github.com/tolelom/tolchain/vm/modules/session"
)

// newTestRPCHandler builds an RPC handler backed by in-memory state.
func newTestRPCHandler(t *testing.T) *rpc.Handler {
	t.Helper()
	db := testutil.NewMemDB()
	blockStore := testutil.NewMemBlockStore()
	bc := core.NewBlockchain(blockStore)
	if err := bc.Init(); err != nil {
		t.Fatal(err)
	}

	trie, err := statetrie.New(db)
	if err != nil {
		t.Fatal(err)
	}
	accounts := storage.NewAccountStateDB(trie)
	md := core.DefaultMetadata(testChainID)
	mp, err := core.NewMempool(md)
	if err != nil {
		t.Fatal(err)
	}
	emitter := events.NewEmitter()
	idx := indexer.New(db, emitter)
	runtime := vm.NewRuntime(trie, accounts, emitter, md)
	txStore := storage.NewTxStore(db)
	receiptStore := storage.NewReceiptStore(db)

	return rpc.NewHandler(bc, mp, accounts, runtime, txStore, receiptStore, idx, testChainID)
}

func dispatch(handler *rpc.Handler, method string, params any) rpc.Response {
	raw, _ := json.Marshal(params)
	return handler.Dispatch(rpc.Request{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  raw,
	})
}

// TestRPCGetBlockHeight verifies that getBlockHeight returns 0 for a fresh chain.
func TestRPCGetBlockHeight(t *testing.T) {
	handler := newTestRPCHandler(t)
	resp := dispatch(handler, "getBlockHeight", struct{}{})
	if resp.Error != nil {
		t.Fatalf("error: %v", resp.Error.Message)
	}
	var height uint64
	switch v := resp.Result.(type) {
	case uint64:
		height = v
	case float64:
		height = uint64(v)
	default:
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	if height != 0 {
		t.Errorf("height: got %d want 0", height)
	}
}

// TestRPCGetBalance verifies getBalance returns zero for an unknown account.
func TestRPCGetBalance(t *testing.T) {
	handler := newTestRPCHandler(t)
	resp := dispatch(handler, "getBalance", map[string]string{"address": "nonexistent"})
	if resp.Error != nil {
		t.Fatalf("error: %v", resp.Error.Message)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type: %T", resp.Result)
	}
	balance, _ := result["balance"].(uint64)
	if balance != 0 {
		t.Errorf("balance: got %v want 0", balance)
	}
}

// TestRPCSendAndGetTransaction verifies that a submitted transaction lands
// in the mempool and can be fetched back by hash.
func TestRPCSendAndGetTransaction(t *testing.T) {
	handler := newTestRPCHandler(t)
	w, _ := wallet.Generate()
	stx, err := w.Transfer(testChainID, "aabb", 1, 100, 1, 100)
	if err != nil {
		t.Fatal(err)
	}

	resp := dispatch(handler, "send_transaction", stx)
	if resp.Error != nil {
		t.Fatalf("send_transaction error: %v", resp.Error.Message)
	}

	resp = dispatch(handler, "get_transaction", map[string]string{"hash": stx.Hash})
	if resp.Error != nil {
		t.Fatalf("get_transaction error: %v", resp.Error.Message)
	}
}

// TestRPCGetMempoolSize verifies getMempoolSize returns 0 for an empty mempool.
func TestRPCGetMempoolSize(t *testing.T) {
	handler := newTestRPCHandler(t)
	resp := dispatch(handler, "getMempoolSize", struct{}{})
	if resp.Error != nil {
		t.Fatalf("error: %v", resp.Error.Message)
	}
	size, _ := resp.Result.(int)
	if size != 0 {
		t.Errorf("mempool size: got %d want 0", size)
	}
}

// TestRPCMethodNotFound verifies that unknown methods return a -32601 error.
func TestRPCMethodNotFound(t *testing.T) {
	handler := newTestRPCHandler(t)
	resp := dispatch(handler, "nonExistentMethod", struct{}{})
	if resp.Error == nil {
		t.Error("expected error for unknown method")
	}
	if resp.Error.Code != rpc.CodeMethodNotFound {
		t.Errorf("error code: got %d want %d", resp.Error.Code, rpc.CodeMethodNotFound)
	}
}
