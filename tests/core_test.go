package tests

import (
	"testing"

	"github.com/tolelom/tolchain/chainerr"
	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/wallet"
)

// TestKeyGenAndAddress verifies that key generation and address derivation work.
func TestKeyGenAndAddress(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if len(pub.Hex()) != 64 {
		t.Errorf("pubkey hex length: got %d want 64", len(pub.Hex()))
	}
	addr := pub.Address()
	if len(addr) != 40 {
		t.Errorf("address length: got %d want 40", len(addr))
	}
	derived := priv.Public()
	if derived.Hex() != pub.Hex() {
		t.Error("derived public key does not match")
	}
}

// TestSignVerify ensures Sign/Verify round-trips correctly.
func TestSignVerify(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("hello tolchain")
	sig := crypto.Sign(priv, data)
	if err := crypto.Verify(pub, data, sig); err != nil {
		t.Errorf("valid signature failed: %v", err)
	}
	if err := crypto.Verify(pub, []byte("tampered"), sig); err == nil {
		t.Error("tampered data should fail verification")
	}
}

// TestTransactionSignVerify ensures transaction signing and verification work.
func TestTransactionSignVerify(t *testing.T) {
	w, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}

	stx, err := w.NewTx("test-chain", "token", "transfer", core.TransferPayload{
		To:     "deadbeef",
		Amount: 100,
	}, 1000, 1, 100)
	if err != nil {
		t.Fatalf("NewTx: %v", err)
	}
	if stx.Hash == "" {
		t.Error("tx hash should be set after signing")
	}
	if err := stx.Verify(); err != nil {
		t.Errorf("Verify failed: %v", err)
	}

	// Tamper with the raw transaction (its cycles_limit) without recomputing
	// the hash: Verify must catch the mismatch.
	stx.Raw.CyclesLimit = 999
	if err := stx.Verify(); err == nil {
		t.Error("tampered tx should fail verification")
	}
}

// TestBlockHash ensures that hashing a block is deterministic.
func TestBlockHash(t *testing.T) {
	header := core.NewBlockHeader(1, "0000", "proposeraddr", nil, "stateroot", 1)
	block := &core.Block{Header: header}
	if err := block.Finalize(); err != nil {
		t.Fatal(err)
	}
	if block.Hash == "" {
		t.Error("hash should be set after Finalize")
	}
	recomputed, err := block.ComputeHash()
	if err != nil {
		t.Fatal(err)
	}
	if recomputed != block.Hash {
		t.Error("ComputeHash() does not match stored hash")
	}
}

// TestMempool verifies insert/remove/package operations.
func TestMempool(t *testing.T) {
	md := core.DefaultMetadata("test-chain")
	mp, err := core.NewMempool(md)
	if err != nil {
		t.Fatal(err)
	}
	w, _ := wallet.Generate()

	stx, _ := w.NewTx("test-chain", "token", "transfer", core.TransferPayload{To: "aa", Amount: 1}, 1000, 1, md.TimeoutGap)
	if err := mp.InsertOrdered(0, stx); err != nil {
		t.Fatalf("InsertOrdered: %v", err)
	}
	if mp.Size() != 1 {
		t.Errorf("size: got %d want 1", mp.Size())
	}
	// Duplicate should fail
	if err := mp.InsertOrdered(0, stx); err == nil {
		t.Error("inserting duplicate tx should fail")
	}

	packaged := mp.Package(md.CyclesLimitBlock, md.TxLimitBlock)
	if len(packaged.Ordered) != 1 {
		t.Errorf("ordered: got %d want 1", len(packaged.Ordered))
	}
	if len(packaged.Proposed) != 0 {
		t.Errorf("proposed: got %d want 0", len(packaged.Proposed))
	}
	for _, h := range packaged.Ordered {
		for _, p := range packaged.Proposed {
			if h == p {
				t.Errorf("ordered and proposed must be disjoint, both contain %s", h)
			}
		}
	}

	// A second package() call should offer the same tx back in the proposed
	// tranche, since the previous call already marked it proposed.
	second := mp.Package(md.CyclesLimitBlock, md.TxLimitBlock)
	if len(second.Ordered) != 0 {
		t.Errorf("ordered on second package: got %d want 0", len(second.Ordered))
	}
	if len(second.Proposed) != 1 {
		t.Errorf("proposed on second package: got %d want 1", len(second.Proposed))
	}

	mp.Remove([]string{stx.Hash})
	if mp.Size() != 0 {
		t.Error("pool should be empty after remove")
	}
}

// TestMempoolRejectsOversizedAndUnderpricedTx verifies spec §4.1's insertion
// checks on size and cycle bounds, reported as chainerr.InvalidInput.
func TestMempoolRejectsOversizedAndUnderpricedTx(t *testing.T) {
	md := core.DefaultMetadata("test-chain")
	md.CyclesLimit = 500
	mp, err := core.NewMempool(md)
	if err != nil {
		t.Fatal(err)
	}
	w, _ := wallet.Generate()

	over, _ := w.NewTx("test-chain", "token", "transfer", core.TransferPayload{To: "aa", Amount: 1}, 1000, 1, md.TimeoutGap)
	if err := mp.InsertOrdered(0, over); !chainerr.Is(err, chainerr.InvalidInput) {
		t.Errorf("cycles_limit over metadata cap: got %v, want InvalidInput", err)
	}

	underpriced, _ := w.NewTx("test-chain", "token", "transfer", core.TransferPayload{To: "aa", Amount: 1}, 100, 0, md.TimeoutGap)
	if err := mp.InsertOrdered(0, underpriced); !chainerr.Is(err, chainerr.InvalidInput) {
		t.Errorf("cycles_price under metadata floor: got %v, want InvalidInput", err)
	}
}

// TestMempoolResourceExhausted verifies that a full pool rejects further
// inserts with chainerr.ResourceExhausted (spec §8 scenario 2).
func TestMempoolResourceExhausted(t *testing.T) {
	md := core.DefaultMetadata("test-chain")
	md.TxNumLimit = 1
	mp, err := core.NewMempool(md)
	if err != nil {
		t.Fatal(err)
	}
	w, _ := wallet.Generate()

	first, _ := w.NewTx("test-chain", "token", "transfer", core.TransferPayload{To: "aa", Amount: 1}, 1000, 1, md.TimeoutGap)
	if err := mp.InsertOrdered(0, first); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	second, _ := w.NewTx("test-chain", "token", "transfer", core.TransferPayload{To: "bb", Amount: 1}, 1000, 1, md.TimeoutGap)
	if err := mp.InsertOrdered(0, second); !chainerr.Is(err, chainerr.ResourceExhausted) {
		t.Errorf("full pool insert: got %v, want ResourceExhausted", err)
	}
}

// TestMempoolFlushEvictsTimedOutTx verifies spec §4.1's eviction rule: a tx
// whose Timeout is at or below currentHeight is flushed out of the pool
// (spec §8 scenario 3).
func TestMempoolFlushEvictsTimedOutTx(t *testing.T) {
	md := core.DefaultMetadata("test-chain")
	mp, err := core.NewMempool(md)
	if err != nil {
		t.Fatal(err)
	}
	w, _ := wallet.Generate()

	stx, _ := w.NewTx("test-chain", "token", "transfer", core.TransferPayload{To: "aa", Amount: 1}, 1000, 1, 5)
	if err := mp.InsertOrdered(0, stx); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if evicted := mp.Flush(4); len(evicted) != 0 {
		t.Errorf("flush before timeout: evicted %d, want 0", len(evicted))
	}
	evicted := mp.Flush(5)
	if len(evicted) != 1 || evicted[0] != stx.Hash {
		t.Errorf("flush at timeout: got %v, want [%s]", evicted, stx.Hash)
	}
	if mp.Size() != 0 {
		t.Error("pool should be empty after timeout flush")
	}
}
