package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tolelom/tolchain/core"
)

// TLSConfig holds paths to the PEM files needed for mTLS.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// SeedPeer identifies a remote node to connect to on startup.
type SeedPeer struct {
	ID   string `json:"id"`   // remote node ID
	Addr string `json:"addr"` // host:port
}

// ValidatorConfig is one genesis validator entry: its chain address plus
// both key materials it needs (ed25519 for tx/block signing provenance,
// BLS for consensus votes).
type ValidatorConfig struct {
	Address       core.Address `json:"address"`
	PublicKey     string       `json:"public_key"`     // hex ed25519 pubkey
	BLSPublicKey  string       `json:"bls_public_key"`  // hex BLS12-381 pubkey
	ProposeWeight uint32       `json:"propose_weight"`
	VoteWeight    uint32       `json:"vote_weight"`
}

// ToValidator converts a genesis entry into the runtime core.Validator shape.
func (vc ValidatorConfig) ToValidator() core.Validator {
	return core.Validator{
		Address:       vc.Address,
		BLSPublicKey:  vc.BLSPublicKey,
		ProposeWeight: vc.ProposeWeight,
		VoteWeight:    vc.VoteWeight,
	}
}

// GenesisConfig describes the chain's initial validator set, state
// allocation, and protocol parameters.
type GenesisConfig struct {
	ChainID    string             `json:"chain_id"`
	Metadata   core.Metadata      `json:"metadata"`
	Validators []ValidatorConfig  `json:"validators"`
	Alloc      map[string]uint64  `json:"alloc"` // address hex → initial balance
}

// ValidatorSet builds the genesis core.ValidatorSet (version 1) from the
// configured entries.
func (g *GenesisConfig) ValidatorSet() *core.ValidatorSet {
	vs := make([]core.Validator, len(g.Validators))
	for i, v := range g.Validators {
		vs[i] = v.ToValidator()
	}
	return &core.ValidatorSet{Version: 1, Validators: vs}
}

// Config holds all node configuration.
type Config struct {
	NodeID        string        `json:"node_id"`
	DataDir       string        `json:"data_dir"`
	RPCPort       int           `json:"rpc_port"`
	P2PPort       int           `json:"p2p_port"`
	Genesis       GenesisConfig `json:"genesis"`
	SeedPeers     []SeedPeer    `json:"seed_peers,omitempty"`     // initial peers to connect to
	TLS           *TLSConfig    `json:"tls,omitempty"`            // nil → plain TCP
	RPCAuthToken  string        `json:"rpc_auth_token,omitempty"` // empty → no auth
	WALPath       string        `json:"wal_path"`                 // consensus write-ahead log file
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	chainID := "tolchain-dev"
	return &Config{
		NodeID:  "node0",
		DataDir: "./data",
		RPCPort: 8545,
		P2PPort: 30303,
		Genesis: GenesisConfig{
			ChainID:  chainID,
			Metadata: *core.DefaultMetadata(chainID),
			Alloc:    map[string]uint64{},
		},
		WALPath: "./data/consensus.wal",
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Genesis.ChainID == "" {
		return fmt.Errorf("genesis.chain_id must not be empty")
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port must be 1-65535, got %d", c.RPCPort)
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.RPCPort == c.P2PPort {
		return fmt.Errorf("rpc_port and p2p_port must not be the same (%d)", c.RPCPort)
	}
	if len(c.Genesis.Validators) == 0 {
		return fmt.Errorf("genesis.validators list must not be empty")
	}
	for i, v := range c.Genesis.Validators {
		if b, err := hex.DecodeString(v.Address); err != nil || len(b) != 20 {
			return fmt.Errorf("genesis.validators[%d]: address must be 40-char hex (20 bytes), got %q", i, v.Address)
		}
		if b, err := hex.DecodeString(v.PublicKey); err != nil || len(b) != 32 {
			return fmt.Errorf("genesis.validators[%d]: public_key must be 64-char hex (32 bytes ed25519), got %q", i, v.PublicKey)
		}
		if _, err := hex.DecodeString(v.BLSPublicKey); err != nil || v.BLSPublicKey == "" {
			return fmt.Errorf("genesis.validators[%d]: bls_public_key must be non-empty hex", i)
		}
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
