package tests

import (
	"encoding/json"
	"testing"

	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/events"
	"github.com/tolelom/tolchain/internal/testutil"
	"github.com/tolelom/tolchain/statetrie"
	"github.com/tolelom/tolchain/storage"
	"github.com/tolelom/tolchain/vm"
	"github.com/tolelom/tolchain/wallet"

	// Register VM modules
	_ "github.com/tolelom/tolchain/vm/modules/asset"
	_ "github.com/tolelom/tolchain/vm/modules/economy"
	_ "github.com/tolelom/tolchain/vm/modules/market"
	_ "github.com/tolelom/tolchain/vm/modules/session"
)

func newTestRuntime(t *testing.T) (*vm.Runtime, core.AccountStore) {
	t.Helper()
	trie, err := statetrie.New(testutil.NewMemDB())
	if err != nil {
		t.Fatal(err)
	}
	accounts := storage.NewAccountStateDB(trie)
	md := core.DefaultMetadata(testChainID)
	rt := vm.NewRuntime(trie, accounts, events.NewEmitter(), md)
	return rt, accounts
}

func testBlock(height core.Height) *core.Block {
	return &core.Block{Header: core.BlockHeader{Height: height, Timestamp: 1}}
}

// TestTokenTransfer verifies that the token service moves balances.
func TestTokenTransfer(t *testing.T) {
	rt, accounts := newTestRuntime(t)

	sender, _ := wallet.Generate()
	receiver, _ := wallet.Generate()
	_ = accounts.SetAccount(&core.Account{Address: sender.Address(), Balance: 1000})

	tx, err := sender.Transfer(testChainID, string(receiver.Address()), 300, 100, 1, 100)
	if err != nil {
		t.Fatal(err)
	}

	receipt, err := rt.ExecuteTx(testBlock(1), tx)
	if err != nil {
		t.Fatalf("ExecuteTx: %v", err)
	}
	if receipt.Response.Code != core.ResponseOK {
		t.Fatalf("response: %s", receipt.Response.ErrorMsg)
	}

	senderAcc, _ := accounts.GetAccount(sender.Address())
	// 1000 - 100 fee (cycles_limit 100 x metadata cycles_price 1) - 300 sent.
	if senderAcc.Balance != 600 {
		t.Errorf("sender balance: got %d want 600", senderAcc.Balance)
	}
	receiverAcc, _ := accounts.GetAccount(receiver.Address())
	if receiverAcc.Balance != 300 {
		t.Errorf("receiver balance: got %d want 300", receiverAcc.Balance)
	}
}

// TestMintAssetAndQuery verifies that minting stores an asset reachable via
// the read-only query path.
func TestMintAssetAndQuery(t *testing.T) {
	rt, accounts := newTestRuntime(t)

	creator, _ := wallet.Generate()
	_ = accounts.SetAccount(&core.Account{Address: creator.Address(), Balance: 1000})

	block := testBlock(1)

	regTx, err := creator.NewTx(testChainID, "asset", "register_template", core.RegisterTemplatePayload{
		ID:        "sword-template",
		Name:      "Sword",
		Tradeable: true,
		Schema:    map[string]any{"attack": "int"},
	}, 300, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rt.ExecuteTx(block, regTx); err != nil {
		t.Fatalf("register template: %v", err)
	}

	mintTx, err := creator.NewTx(testChainID, "asset", "mint", core.MintAssetPayload{
		TemplateID: "sword-template",
		Owner:      string(creator.Address()),
		Properties: map[string]any{"attack": 50},
	}, 500, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	mintReceipt, err := rt.ExecuteTx(block, mintTx)
	if err != nil {
		t.Fatalf("mint asset: %v", err)
	}
	if mintReceipt.Response.Code != core.ResponseOK {
		t.Fatalf("mint response: %s", mintReceipt.Response.ErrorMsg)
	}

	expectedID := crypto.Hash([]byte(mintTx.Hash + ":asset:sword-template"))

	queryPayload, _ := json.Marshal(map[string]string{"asset_id": expectedID})
	result, err := rt.Query(block.Header.Height, "asset", "get_asset", queryPayload)
	if err != nil {
		t.Fatalf("query get_asset: %v", err)
	}
	var got struct {
		Owner      string `json:"owner"`
		TemplateID string `json:"template_id"`
		Tradeable  bool   `json:"tradeable"`
	}
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatal(err)
	}
	if got.Owner != string(creator.Address()) {
		t.Errorf("owner: got %s want %s", got.Owner, creator.Address())
	}
	if got.TemplateID != "sword-template" {
		t.Errorf("template_id: got %s want sword-template", got.TemplateID)
	}
	if !got.Tradeable {
		t.Error("asset should be tradeable (inherited from template)")
	}
}

// TestQueryRejectsReadWrite verifies that Query refuses non-read-only methods.
func TestQueryRejectsReadWrite(t *testing.T) {
	rt, _ := newTestRuntime(t)
	payload, _ := json.Marshal(core.TransferPayload{To: "aa", Amount: 1})
	if _, err := rt.Query(1, "token", "transfer", payload); err == nil {
		t.Error("Query should reject a ReadWrite method")
	}
}

// TestInsufficientBalance verifies that cycle charging rejects underfunded senders.
func TestInsufficientBalance(t *testing.T) {
	rt, _ := newTestRuntime(t)
	w, _ := wallet.Generate()

	tx, _ := w.Transfer(testChainID, "aabb", 1, 100, 1, 100)
	if _, err := rt.ExecuteTx(testBlock(1), tx); err == nil {
		t.Error("expected insufficient balance error")
	}
}
