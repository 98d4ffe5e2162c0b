package consensus

import (
	"fmt"

	"github.com/tolelom/tolchain/chainerr"
	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/crypto"
)

// VerifyProof checks a block's embedded Proof: the aggregated precommit QC
// for the *previous* block, per spec §4.2's "a block's proof attests to its
// predecessor" design. Height 1 carries no proof and is accepted as the
// documented exception (spec §3).
func VerifyProof(vs *core.ValidatorSet, block *core.Block, commonRef string) error {
	if block.Header.Height <= 1 {
		return nil
	}
	proof := block.Header.Proof
	if proof.Height != block.Header.Height-1 {
		return chainerr.New(chainerr.ConsensusProtocol, "consensus.VerifyProof",
			fmt.Errorf("proof height %d does not match block height-1 %d", proof.Height, block.Header.Height-1))
	}
	if proof.BlockHash != block.Header.PrevHash {
		return chainerr.New(chainerr.ConsensusProtocol, "consensus.VerifyProof",
			fmt.Errorf("proof block_hash %s does not match prev_hash %s", proof.BlockHash, block.Header.PrevHash))
	}

	var pubs []*crypto.BLSPublicKey
	var weight uint64
	for i, v := range vs.Validators {
		if i/8 >= len(proof.Bitmap) || proof.Bitmap[i/8]&(1<<uint(i%8)) == 0 {
			continue
		}
		pub, err := crypto.BLSPubKeyFromHex(v.BLSPublicKey)
		if err != nil {
			return chainerr.New(chainerr.Internal, "consensus.VerifyProof", err)
		}
		pubs = append(pubs, pub)
		weight += uint64(v.VoteWeight)
	}
	total := vs.TotalVoteWeight()
	if weight < total*2/3+1 {
		return chainerr.New(chainerr.ConsensusProtocol, "consensus.VerifyProof",
			fmt.Errorf("proof bitmap carries insufficient vote weight: %d of %d", weight, total))
	}

	digest := voteDigest(proof.Height, proof.Round, StepPrecommit, proof.BlockHash)
	if err := crypto.VerifyAggregate(pubs, commonRef, digest, proof.AggregatedSignature); err != nil {
		return chainerr.New(chainerr.ConsensusProtocol, "consensus.VerifyProof", err)
	}
	return nil
}
