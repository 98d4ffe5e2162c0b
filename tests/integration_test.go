package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/tolelom/tolchain/config"
	"github.com/tolelom/tolchain/consensus"
	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/events"
	"github.com/tolelom/tolchain/execution"
	"github.com/tolelom/tolchain/indexer"
	"github.com/tolelom/tolchain/internal/testutil"
	"github.com/tolelom/tolchain/network"
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

const testChainID = "test-chain"

// rpcCall is a helper that sends a JSON-RPC request and decodes the result.
func rpcCall(t *testing.T, url, method string, params any) json.RawMessage {
	t.Helper()
	body := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	}
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("rpc %s: %v", method, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		t.Fatalf("rpc %s decode: %v (raw: %s)", method, err, raw)
	}
	if rpcResp.Error != nil {
		t.Fatalf("rpc %s error: [%d] %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result
}

// sendTx signs and submits a transaction via RPC.
func sendTx(t *testing.T, url string, stx *core.SignedTransaction) string {
	t.Helper()
	result := rpcCall(t, url, "send_transaction", stx)
	var out struct {
		TxHash string `json:"tx_hash"`
	}
	json.Unmarshal(result, &out)
	t.Logf("  -> tx submitted: %s", out.TxHash)
	return out.TxHash
}

// currentHeight fetches the chain's current height, used to compute a
// transaction's timeout (currentHeight < timeout <= currentHeight+timeout_gap)
// since this test's single-validator node commits blocks continuously and a
// hardcoded timeout would eventually fall outside that window.
func currentHeight(t *testing.T, url string) core.Height {
	t.Helper()
	result := rpcCall(t, url, "getBlockHeight", map[string]any{})
	var h core.Height
	json.Unmarshal(result, &h)
	return h
}

// waitHeight waits until block height reaches at least target.
func waitHeight(t *testing.T, url string, target core.Height) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		result := rpcCall(t, url, "getBlockHeight", map[string]any{})
		var h core.Height
		json.Unmarshal(result, &h)
		if h >= target {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("timed out waiting for block height")
}

// testNode bundles a single running validator for integration tests: one
// validator is already enough to reach quorum (1-of-1), so this exercises
// the full propose-vote-commit-execute-RPC loop without needing a multi-node
// network harness.
type testNode struct {
	url     string
	cancel  context.CancelFunc
	driver  *consensus.Driver
	mempool *core.Mempool
}

func startTestNode(t *testing.T, validator *wallet.Wallet, blsPriv *crypto.BLSPrivateKey, blsPub *crypto.BLSPublicKey, alloc map[string]uint64) *testNode {
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
	md.IntervalMs = 100

	// The validator's consensus identity is the short 20-byte address
	// derived from its public key (matching config.Validate()'s 40-hex
	// check and the genesis validator set); account/sender addressing
	// elsewhere uses the wallet's full pubkey-hex Address() instead.
	selfAddr := validator.PrivKey().Public().Address()

	cfg := &config.Config{
		NodeID:  "test-node",
		DataDir: t.TempDir(),
		RPCPort: 0,
		P2PPort: 0,
		Genesis: config.GenesisConfig{
			ChainID:  testChainID,
			Metadata: *md,
			Validators: []config.ValidatorConfig{{
				Address:       selfAddr,
				PublicKey:     validator.PrivKey().Public().Hex(),
				BLSPublicKey:  blsPub.Hex(),
				ProposeWeight: 1,
				VoteWeight:    1,
			}},
			Alloc: alloc,
		},
	}

	genesis, err := config.CreateGenesisBlock(cfg, accounts)
	if err != nil {
		t.Fatal(err)
	}
	if err := bc.AddBlock(genesis); err != nil {
		t.Fatal(err)
	}

	validators := cfg.Genesis.ValidatorSet()
	emitter := events.NewEmitter()
	idx := indexer.New(db, emitter)

	mempool, err := core.NewMempool(&cfg.Genesis.Metadata)
	if err != nil {
		t.Fatal(err)
	}

	runtime := vm.NewRuntime(trie, accounts, emitter, &cfg.Genesis.Metadata)
	txStore := storage.NewTxStore(db)
	receiptStore := storage.NewReceiptStore(db)
	pipeline := execution.NewPipeline(runtime, trie, mempool, txStore, &cfg.Genesis.Metadata)

	wal, err := consensus.OpenWAL(cfg.DataDir + "/consensus.wal")
	if err != nil {
		t.Fatal(err)
	}
	driver := consensus.NewDriver(&cfg.Genesis.Metadata, bc, mempool, emitter, wal,
		selfAddr, validator.PrivKey(), blsPriv, validators)
	driver.SetLagReporter(pipeline)

	node := network.NewNode(cfg.NodeID, ":0", mempool, bc.Height, nil)
	relay := network.NewConsensusRelay(node, driver)
	driver.SetBroadcaster(relay)
	if err := node.Start(); err != nil {
		t.Fatal(err)
	}

	rpcHandler := rpc.NewHandler(bc, mempool, accounts, runtime, txStore, receiptStore, idx, testChainID)
	rpcServer := rpc.NewServer(":0", rpcHandler, "")
	if err := rpcServer.Start(); err != nil {
		t.Fatal(err)
	}
	url := fmt.Sprintf("http://%s/", rpcServer.Addr().String())

	ctx, cancel := context.WithCancel(context.Background())
	go driver.Run(ctx)
	go pipeline.Run(ctx)

	go func() {
		for block := range driver.Committed() {
			node.BroadcastBlock(block)
			for _, h := range block.TxHashes {
				if stx, ok := mempool.Get(h); ok {
					_ = txStore.PutTx(stx)
				}
			}
			pipeline.Submit(block)
		}
	}()
	go func() {
		for res := range pipeline.Results() {
			for _, r := range res.Receipts {
				_ = receiptStore.PutReceipt(r)
			}
			_ = receiptStore.PutSegment(res.Block.Header.Height, res.ConfirmRoot, res.ReceiptRoot, res.CyclesUsed)
			driver.SetConfirmRoot(res.ConfirmRoot)
		}
	}()

	t.Cleanup(func() {
		driver.Stop()
		cancel()
		rpcServer.Stop()
		node.Stop()
		db.Close()
	})

	waitHeight(t, url, 1)

	return &testNode{url: url, cancel: cancel, driver: driver, mempool: mempool}
}

// TestSingleValidatorCommitsAndExecutes drives a full node end to end: a
// validator proposes and self-commits blocks, the execution pipeline runs
// the committed transactions, and the result is observable over RPC.
func TestSingleValidatorCommitsAndExecutes(t *testing.T) {
	if os.Getenv("SKIP_INTEGRATION") != "" {
		t.Skip("SKIP_INTEGRATION set")
	}

	validator, _ := wallet.Generate()
	blsPriv, blsPub, err := crypto.GenerateBLSKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	player1, _ := wallet.Generate()

	node := startTestNode(t, validator, blsPriv, blsPub, map[string]uint64{
		string(validator.Address()): 10_000_000,
	})

	t.Run("TokenTransfer", func(t *testing.T) {
		stx, err := validator.Transfer(testChainID, string(player1.Address()), 100_000, 1000, 1, currentHeight(t, node.url)+15)
		if err != nil {
			t.Fatal(err)
		}
		sendTx(t, node.url, stx)

		waitHeight(t, node.url, 3)

		result := rpcCall(t, node.url, "getBalance", map[string]string{"address": string(player1.Address())})
		var bal struct {
			Balance uint64 `json:"balance"`
		}
		json.Unmarshal(result, &bal)
		if bal.Balance != 100_000 {
			t.Fatalf("player1 balance = %d, want 100000", bal.Balance)
		}
	})

	t.Run("MintAndQueryAsset", func(t *testing.T) {
		regTx, err := validator.NewTx(testChainID, "asset", "register_template", core.RegisterTemplatePayload{
			ID:        "sword-template",
			Name:      "Magic Sword",
			Tradeable: true,
			Schema:    map[string]any{"attack": "int"},
		}, 1000, 1, currentHeight(t, node.url)+15)
		if err != nil {
			t.Fatal(err)
		}
		sendTx(t, node.url, regTx)

		mintTx, err := validator.NewTx(testChainID, "asset", "mint", core.MintAssetPayload{
			TemplateID: "sword-template",
			Owner:      string(player1.Address()),
			Properties: map[string]any{"attack": 150, "element": "fire"},
		}, 1000, 1, currentHeight(t, node.url)+15)
		if err != nil {
			t.Fatal(err)
		}
		sendTx(t, node.url, mintTx)

		waitHeight(t, node.url, 6)

		assetID := crypto.Hash([]byte(mintTx.Hash + ":asset:sword-template"))
		queryPayload, _ := json.Marshal(map[string]string{"asset_id": assetID})
		params := map[string]any{
			"service": "asset",
			"method":  "get_asset",
			"payload": json.RawMessage(queryPayload),
		}
		result := rpcCall(t, node.url, "query_service", params)
		var asset struct {
			Owner      string `json:"owner"`
			TemplateID string `json:"template_id"`
		}
		if err := json.Unmarshal(result, &asset); err != nil {
			t.Fatalf("decode query_service result: %v (%s)", err, result)
		}
		if asset.Owner != string(player1.Address()) {
			t.Fatalf("asset owner = %s, want %s", asset.Owner, player1.Address())
		}
		if asset.TemplateID != "sword-template" {
			t.Fatalf("asset template = %s, want sword-template", asset.TemplateID)
		}
	})
}
