package network

import (
	"encoding/json"
	"log"

	"github.com/tolelom/tolchain/consensus"
)

// VoteHandler receives proposals and votes off the wire and feeds them into
// the local consensus.Driver, matching its HandleProposal/HandleVote shape.
// Rebroadcast resends this node's own current-round proposal/votes, used to
// answer a peer's MsgChoke.
type VoteHandler interface {
	HandleProposal(p *consensus.Proposal)
	HandleVote(v *consensus.Vote)
	Rebroadcast()
}

// chokePayload carries the height/round a node just abandoned without
// committing, so a peer ahead of it can reply with a fresh copy of its state.
type chokePayload struct {
	Height uint64 `json:"height"`
	Round  uint64 `json:"round"`
}

// ConsensusRelay wires a Node's gossip to a local consensus.Driver: it
// implements consensus.Broadcaster to fan a self-produced proposal or vote
// out to peers, and registers Node handlers that feed received ones back
// into the driver.
type ConsensusRelay struct {
	node   *Node
	driver VoteHandler
}

// NewConsensusRelay registers MsgProposal/MsgVote handlers on node that
// forward into driver, and returns a relay whose BroadcastProposal/
// BroadcastVote methods satisfy consensus.Broadcaster for driver.SetBroadcaster.
func NewConsensusRelay(node *Node, driver VoteHandler) *ConsensusRelay {
	r := &ConsensusRelay{node: node, driver: driver}
	node.Handle(MsgProposal, r.handleProposal)
	node.Handle(MsgVote, r.handleVote)
	node.Handle(MsgChoke, r.handleChoke)
	return r
}

func (r *ConsensusRelay) BroadcastProposal(p *consensus.Proposal) {
	r.node.BroadcastConsensus(MsgProposal, p)
}

func (r *ConsensusRelay) BroadcastVote(v *consensus.Vote) {
	r.node.BroadcastConsensus(MsgVote, v)
}

// BroadcastChoke announces that this node abandoned a round without
// committing, satisfying consensus.Broadcaster.
func (r *ConsensusRelay) BroadcastChoke(height uint64, round uint64) {
	r.node.BroadcastConsensus(MsgChoke, chokePayload{Height: height, Round: round})
}

func (r *ConsensusRelay) handleProposal(_ *Peer, msg Message) {
	var p consensus.Proposal
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		log.Printf("[network] unmarshal proposal: %v", err)
		return
	}
	r.driver.HandleProposal(&p)
}

func (r *ConsensusRelay) handleVote(_ *Peer, msg Message) {
	var v consensus.Vote
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		log.Printf("[network] unmarshal vote: %v", err)
		return
	}
	r.driver.HandleVote(&v)
}

// handleChoke answers a peer's stuck-round signal by resending this node's
// own proposal and votes for its current round; the peer's payload is only
// informational, since Rebroadcast always sends the local round's state.
func (r *ConsensusRelay) handleChoke(_ *Peer, _ Message) {
	r.driver.Rebroadcast()
}
