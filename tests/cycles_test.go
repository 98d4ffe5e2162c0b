package tests

import (
	"encoding/json"
	"testing"

	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/vm"
	"github.com/tolelom/tolchain/wallet"
)

func init() {
	// Test-only services grounding spec §8 scenario 6: service A writes a
	// marker then loops calling service B, which writes state and emits an
	// event on every call; A's declared cycles_limit is small enough that
	// the loop runs out of cycles partway through.
	vm.Register("cycleA", "drain", vm.ReadWrite, 100, handleCycleADrain)
	vm.Register("cycleA", "peek", vm.ReadOnly, 0, handleCycleAPeek)
	vm.Register("cycleB", "step", vm.ReadWrite, 400, handleCycleBStep)
}

func handleCycleAPeek(ctx *vm.Context, payload json.RawMessage) (json.RawMessage, error) {
	present := ctx.Store().Has("marker")
	return json.Marshal(map[string]bool{"marker_present": present})
}

func handleCycleADrain(ctx *vm.Context, payload json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Store().Set("marker", []byte("a-started")); err != nil {
		return nil, err
	}
	for i := 0; i < 10; i++ {
		if _, err := ctx.Call("cycleB", "step", nil); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func handleCycleBStep(ctx *vm.Context, payload json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Store().Set("count", []byte("stepped")); err != nil {
		return nil, err
	}
	_ = ctx.Emit("stepped", map[string]any{})
	return nil, nil
}

// TestCrossServiceCycleExhaustion verifies spec §8 scenario 6: a transaction
// whose dispatch exceeds its declared cycles_limit across nested service
// calls fails with ResponseOutOfCycles, every write made during dispatch
// (including the calling service's own) is reverted, and no events from the
// exhausted call tree survive.
func TestCrossServiceCycleExhaustion(t *testing.T) {
	rt, accounts := newTestRuntime(t)
	w, _ := wallet.Generate()
	_ = accounts.SetAccount(&core.Account{Address: w.Address(), Balance: 1_000_000})

	tx, err := w.NewTx(testChainID, "cycleA", "drain", json.RawMessage("{}"), 1000, 1, 100)
	if err != nil {
		t.Fatal(err)
	}

	block := testBlock(1)
	receipt, err := rt.ExecuteTx(block, tx)
	if err != nil {
		t.Fatalf("ExecuteTx: %v", err)
	}
	if receipt.Response.Code != core.ResponseOutOfCycles {
		t.Fatalf("response code: got %v want ResponseOutOfCycles (err: %s)", receipt.Response.Code, receipt.Response.ErrorMsg)
	}
	if len(receipt.Events) != 0 {
		t.Errorf("events: got %d want 0, B's events must not survive the revert", len(receipt.Events))
	}
	if receipt.CyclesUsed > tx.Raw.CyclesLimit {
		t.Errorf("cycles_used %d exceeds cycles_limit %d", receipt.CyclesUsed, tx.Raw.CyclesLimit)
	}

	result, err := rt.Query(block.Header.Height, "cycleA", "peek", json.RawMessage("{}"))
	if err != nil {
		t.Fatalf("peek query: %v", err)
	}
	var peek struct {
		MarkerPresent bool `json:"marker_present"`
	}
	if err := json.Unmarshal(result, &peek); err != nil {
		t.Fatal(err)
	}
	if peek.MarkerPresent {
		t.Error("cycleA's marker write should have been reverted")
	}
}
