// Package core holds the chain's canonical data model: transactions,
// blocks, the mempool, and the tip-tracking blockchain wrapper. It has no
// dependency on consensus, execution, or storage implementations — only on
// their interfaces — so it can be unit tested in isolation.
package core

import "errors"

// ErrNotFound is returned by storage- and state-backed lookups when the
// requested object does not exist.
var ErrNotFound = errors.New("not found")

// Height is a block index. Genesis is height 0.
type Height = uint64

// Address identifies a validator or an account, hex-encoded at every
// boundary (matching the rest of the codebase's "hex string, not raw bytes"
// convention for hashes and keys). A validator's address is the 20-byte
// value derived from its public key; an account's address is its full
// ed25519 public key.
type Address = string

// Validator is one member of the active validator set at a given
// ValidatorVersion.
type Validator struct {
	Address       Address `json:"address"`
	BLSPublicKey  string  `json:"bls_public_key"` // hex-encoded BLS12-381 public key
	ProposeWeight uint32  `json:"propose_weight"`
	VoteWeight    uint32  `json:"vote_weight"`
}

// ValidatorSet is a versioned, copy-on-write snapshot of the active
// validators. A new version is published only at block commit or by an
// admin-service write, never mutated in place, so readers can hold a
// snapshot across an entire height without locking.
type ValidatorSet struct {
	Version    uint64      `json:"validator_version"`
	Validators []Validator `json:"validators"`
}

// TotalVoteWeight sums the vote weight of every validator in the set.
func (vs *ValidatorSet) TotalVoteWeight() uint64 {
	var total uint64
	for _, v := range vs.Validators {
		total += uint64(v.VoteWeight)
	}
	return total
}

// IndexOf returns the position of addr in Validators, or -1.
func (vs *ValidatorSet) IndexOf(addr Address) int {
	for i, v := range vs.Validators {
		if v.Address == addr {
			return i
		}
	}
	return -1
}

// Metadata is the genesis-installed, admin-mutable chain configuration
// referenced throughout spec §3.
type Metadata struct {
	ChainID         string  `json:"chain_id"`
	CommonRef       string  `json:"common_ref"` // BLS domain-separation tag
	TimeoutGap      uint64  `json:"timeout_gap"`
	CyclesLimit     uint64  `json:"cycles_limit"`
	CyclesPrice     uint64  `json:"cycles_price"`
	IntervalMs      uint64  `json:"interval_ms"`
	ProposeRatio    uint64  `json:"propose_ratio"`
	PrevoteRatio    uint64  `json:"prevote_ratio"`
	PrecommitRatio  uint64  `json:"precommit_ratio"`
	BrakeRatio      uint64  `json:"brake_ratio"`
	TxNumLimit      uint64  `json:"tx_num_limit"`
	MaxTxSize       uint64  `json:"max_tx_size"`
	MaxCommitLead   uint64  `json:"max_commit_lead"`
	MaxSyncSpan     uint64  `json:"max_sync_span"`
	MaxCallDepth    int     `json:"max_call_depth"`
	VerifierList    []string `json:"verifier_list"`

	// CyclesLimitBlock and TxLimitBlock cap one package() call's ordered (and,
	// separately, proposed) tranche: the running sum of each packaged
	// SignedTransaction's cycles_limit may not exceed CyclesLimitBlock, and
	// the count may not exceed TxLimitBlock. Distinct from TxNumLimit, which
	// bounds total pool occupancy rather than one block's worth of packaging.
	CyclesLimitBlock uint64 `json:"cycles_limit_block"`
	TxLimitBlock     uint64 `json:"tx_limit_block"`
}

// StageTimeoutMillis scales IntervalMs by ratio/10, matching the teacher's
// proportional stage-timeout convention (each step gets a slice of the
// overall block interval rather than its own absolute timeout).
func (m *Metadata) StageTimeoutMillis(ratio uint64) uint64 {
	return m.IntervalMs * ratio / 10
}

// DefaultMetadata returns development defaults, mirroring the teacher's
// DefaultConfig idiom.
func DefaultMetadata(chainID string) *Metadata {
	return &Metadata{
		ChainID:        chainID,
		CommonRef:      "tolchain/bft",
		TimeoutGap:     20,
		CyclesLimit:    1_000_000,
		CyclesPrice:    1,
		IntervalMs:     3000,
		ProposeRatio:   30,
		PrevoteRatio:   10,
		PrecommitRatio: 10,
		BrakeRatio:     3,
		TxNumLimit:     20_000,
		MaxTxSize:      1 << 20, // 1 MiB
		MaxCommitLead:  100,
		MaxSyncSpan:    5000,
		MaxCallDepth:   8,
		CyclesLimitBlock: 50_000_000,
		TxLimitBlock:     20_000,
	}
}
