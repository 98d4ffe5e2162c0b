package config

import (
	"github.com/tolelom/tolchain/core"
)

// GenesisHash is a canonical all-zeros previous hash for the genesis block.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// CreateGenesisBlock credits every account named in the config's Alloc map
// and builds the unsigned, proof-less block #0 that anchors the chain.
// Height 1 is the first block a real proposer produces; genesis carries no
// QC of its own, matching the height-1 proof exception spec §3 documents.
func CreateGenesisBlock(cfg *Config, accounts core.AccountStore) (*core.Block, error) {
	for address, balance := range cfg.Genesis.Alloc {
		acc := &core.Account{Address: address, Balance: balance}
		if err := accounts.SetAccount(acc); err != nil {
			return nil, err
		}
	}

	vs := cfg.Genesis.ValidatorSet()
	header := core.NewBlockHeader(0, GenesisHash, "", nil, "", 0)
	header.ValidatorVersion = vs.Version
	block := &core.Block{Header: header, TxHashes: nil, Validators: vs.Validators}
	if err := block.Finalize(); err != nil {
		return nil, err
	}
	return block, nil
}

// IsGenesisHash returns true if the hash is the canonical genesis prev-hash.
func IsGenesisHash(h string) bool {
	return h == GenesisHash
}
