// Command node starts a TOL Chain node.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tolelom/tolchain/config"
	"github.com/tolelom/tolchain/consensus"
	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/crypto/certgen"
	"github.com/tolelom/tolchain/events"
	"github.com/tolelom/tolchain/execution"
	"github.com/tolelom/tolchain/indexer"
	"github.com/tolelom/tolchain/network"
	"github.com/tolelom/tolchain/rpc"
	"github.com/tolelom/tolchain/statetrie"
	"github.com/tolelom/tolchain/storage"
	"github.com/tolelom/tolchain/vm"
	"github.com/tolelom/tolchain/wallet"

	// Import VM modules to trigger their init() self-registration.
	_ "github.com/tolelom/tolchain/vm/modules/asset"
	_ "github.com/tolelom/tolchain/vm/modules/economy"
	_ "github.com/tolelom/tolchain/vm/modules/market"
	_ "github.com/tolelom/tolchain/vm/modules/session"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "validator.key", "path to ed25519 keystore file")
	blsKeyPath := flag.String("bls-key", "validator.bls.key", "path to BLS keystore file")
	genKey := flag.Bool("genkey", false, "generate a new validator key pair (ed25519 + BLS) and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	flag.Parse()

	if err := crypto.InitBLS(); err != nil {
		log.Fatalf("bls init: %v", err)
	}

	// Read keystore password from environment (not CLI flags — they leak via ps).
	password := os.Getenv("TOL_PASSWORD")
	if password == "" {
		log.Println("WARNING: TOL_PASSWORD not set — keystore will use an empty password")
	}

	// ---- generate key mode ----
	if *genKey {
		w, err := wallet.Generate()
		if err != nil {
			log.Fatal(err)
		}
		if err := wallet.SaveKey(*keyPath, password, w.PrivKey()); err != nil {
			log.Fatal(err)
		}
		blsPriv, blsPub, err := crypto.GenerateBLSKeyPair()
		if err != nil {
			log.Fatal(err)
		}
		if err := wallet.SaveBLSKey(*blsKeyPath, password, blsPriv); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated validator keys.\n")
		fmt.Printf("  address:        %s\n", w.Address())
		fmt.Printf("  ed25519 pubkey: %s (saved to %s)\n", w.PrivKey().Public().Hex(), *keyPath)
		fmt.Printf("  bls pubkey:     %s (saved to %s)\n", blsPub.Hex(), *blsKeyPath)
		return
	}

	// ---- generate certs mode ----
	if *genCerts != "" {
		cfgForCerts, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := certgen.GenerateAll(*genCerts, cfgForCerts.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfgForCerts.NodeID)
		return
	}

	// ---- load config ----
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	md := &cfg.Genesis.Metadata

	// ---- load validator keys ----
	privKey, err := wallet.LoadKey(*keyPath, password)
	if err != nil {
		log.Fatalf("load ed25519 key: %v", err)
	}
	blsPriv, err := wallet.LoadBLSKey(*blsKeyPath, password)
	if err != nil {
		log.Fatalf("load bls key: %v", err)
	}
	self := privKey.Public().Address()

	// ---- open DB ----
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir + "/chain")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	blockStore := storage.NewLevelBlockStore(db)
	txStore := storage.NewTxStore(db)
	receiptStore := storage.NewReceiptStore(db)

	// ---- world state trie ----
	trie, err := statetrie.New(db)
	if err != nil {
		log.Fatalf("open state trie: %v", err)
	}
	accounts := storage.NewAccountStateDB(trie)

	// ---- blockchain ----
	bc := core.NewBlockchain(blockStore)
	if err := bc.Init(); err != nil {
		log.Fatalf("blockchain init: %v", err)
	}

	// ---- genesis block (if fresh chain) ----
	if bc.Tip() == nil {
		genesisBlock, err := config.CreateGenesisBlock(cfg, accounts)
		if err != nil {
			log.Fatalf("genesis: %v", err)
		}
		if err := bc.AddBlock(genesisBlock); err != nil {
			log.Fatalf("add genesis: %v", err)
		}
		log.Printf("Genesis block committed: %s", genesisBlock.Hash)
	}

	validators := cfg.Genesis.ValidatorSet()

	// ---- events ----
	emitter := events.NewEmitter()

	// ---- indexer ----
	idx := indexer.New(db, emitter)

	// ---- mempool ----
	mempool, err := core.NewMempool(md)
	if err != nil {
		log.Fatalf("mempool: %v", err)
	}

	// ---- VM runtime ----
	runtime := vm.NewRuntime(trie, accounts, emitter, md)

	// ---- execution pipeline ----
	pipeline := execution.NewPipeline(runtime, trie, mempool, txStore, md)
	if h, ok := receiptStore.LatestExecuted(); ok {
		pipeline.SetLastExecuted(h)
	}

	// ---- consensus WAL + driver ----
	wal, err := consensus.OpenWAL(cfg.WALPath)
	if err != nil {
		log.Fatalf("open wal: %v", err)
	}
	driver := consensus.NewDriver(md, bc, mempool, emitter, wal, self, privKey, blsPriv, validators)
	driver.SetLagReporter(pipeline)

	// ---- TLS ----
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		log.Println("mTLS enabled for P2P")
	}

	// ---- network ----
	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	node := network.NewNode(cfg.NodeID, p2pAddr, mempool, bc.Height, tlsCfg)
	relay := network.NewConsensusRelay(node, driver)
	driver.SetBroadcaster(relay)
	mempoolSync := network.NewMempoolSyncer(node, mempool, bc)
	syncer := network.NewSyncer(node, bc, validators, md.CommonRef, txStore, pipeline, md.MaxSyncSpan)
	syncer.SetMempoolSyncer(mempoolSync)
	if err := node.Start(); err != nil {
		log.Fatalf("p2p start: %v", err)
	}
	defer node.Stop()
	log.Printf("P2P listening on %s", p2pAddr)

	// ---- connect to seed peers ----
	for _, sp := range cfg.SeedPeers {
		if err := node.AddPeer(sp.ID, sp.Addr); err != nil {
			log.Printf("seed peer %s (%s): %v", sp.ID, sp.Addr, err)
			continue
		}
		if peer := node.Peer(sp.ID); peer != nil {
			syncer.SyncWithPeer(peer)
		}
		log.Printf("Connected to seed peer %s (%s)", sp.ID, sp.Addr)
	}

	// ---- RPC ----
	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(bc, mempool, accounts, runtime, txStore, receiptStore, idx, cfg.Genesis.ChainID)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		log.Fatalf("rpc start: %v", err)
	}
	defer rpcServer.Stop()
	log.Printf("RPC listening on %s", rpcAddr)
	if cfg.RPCAuthToken != "" {
		log.Println("RPC Bearer token authentication enabled")
	}

	// ---- run consensus + execution ----
	ctx, cancel := context.WithCancel(context.Background())
	go driver.Run(ctx)
	go pipeline.Run(ctx)

	// Committed blocks fan out to the network and into execution; execution
	// results feed back into the driver's next proposal and durable storage.
	go func() {
		for block := range driver.Committed() {
			node.BroadcastBlock(block)
			for _, h := range block.TxHashes {
				if stx, ok := mempool.Get(h); ok {
					if err := txStore.PutTx(stx); err != nil {
						log.Printf("persist tx %s: %v", h, err)
					}
				}
			}
			pipeline.Submit(block)
		}
	}()
	go func() {
		for res := range pipeline.Results() {
			for _, r := range res.Receipts {
				if err := receiptStore.PutReceipt(r); err != nil {
					log.Printf("persist receipt %s: %v", r.TxHash, err)
				}
			}
			if err := receiptStore.PutSegment(res.Block.Header.Height, res.ConfirmRoot, res.ReceiptRoot, res.CyclesUsed); err != nil {
				log.Printf("persist segment %d: %v", res.Block.Header.Height, err)
			}
			driver.SetConfirmRoot(res.ConfirmRoot)
		}
	}()

	log.Printf("Consensus running (validator: %s)", self)

	// ---- graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	// 1. Stop consensus and execution first (no new blocks written or run).
	driver.Stop()
	cancel()

	// 2. Deferred calls run in LIFO: rpcServer.Stop → node.Stop → db.Close
	log.Println("Shutdown complete.")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
