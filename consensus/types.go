package consensus

import (
	"fmt"

	"github.com/tolelom/tolchain/core"
)

// Step identifies a stage within one height/round per spec §4.2's state
// machine.
type Step int

const (
	StepPropose Step = iota
	StepPrevote
	StepPrecommit
	StepBrake
	StepCommit
)

func (s Step) String() string {
	switch s {
	case StepPropose:
		return "propose"
	case StepPrevote:
		return "prevote"
	case StepPrecommit:
		return "precommit"
	case StepBrake:
		return "brake"
	case StepCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// Proposal is a candidate block for one height/round, gossiped by the
// round's leader.
type Proposal struct {
	Height core.Height  `json:"height"`
	Round  uint64       `json:"round"`
	Block  *core.Block  `json:"block"`
}

// Vote is one validator's signed vote for a (height, round, step, hash).
// An empty Hash is a nil vote (the validator saw nothing worth voting for
// before its stage timer expired).
type Vote struct {
	Height    core.Height `json:"height"`
	Round     uint64      `json:"round"`
	Step      Step        `json:"step"`
	Hash      string      `json:"hash"`
	Voter     core.Address `json:"voter"`
	Signature string      `json:"signature"`
}

// voteDigest is the canonical byte string BLS votes sign over.
func voteDigest(height core.Height, round uint64, step Step, hash string) []byte {
	return []byte(hashVoteKey(height, round, step, hash))
}

func hashVoteKey(height core.Height, round uint64, step Step, hash string) string {
	return fmt.Sprintf("%d|%d|%s|%s", height, round, step, hash)
}
