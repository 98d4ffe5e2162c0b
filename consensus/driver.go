// Package consensus implements the height/round BFT state machine described
// in spec §4.2: propose, prevote, precommit, brake, commit, driven by a
// merged event loop in the style of a single coroutine processing incoming
// messages, stage timers, and locally-produced proposals off one select.
package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tolelom/tolchain/chainerr"
	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/events"
	"github.com/tolelom/tolchain/logging"
)

// roundState holds the votes and proposal seen so far for one round.
type roundState struct {
	proposal   *Proposal
	verifying  bool // a verifyResult for this round's pending proposal is in flight
	prevotes   map[core.Address]*Vote
	precommits map[core.Address]*Vote
}

// verifyResult is fed back through msgIn once a proposal's background
// integrity check completes, so the single event-loop goroutine still makes
// every state transition, but never blocks on one while hashing a block.
type verifyResult struct {
	p   *Proposal
	err error
}

func newRoundState() *roundState {
	return &roundState{prevotes: make(map[core.Address]*Vote), precommits: make(map[core.Address]*Vote)}
}

// Driver runs the consensus protocol for one local validator.
type Driver struct {
	mu sync.Mutex

	md      *core.Metadata
	bc      *core.Blockchain
	mempool *core.Mempool
	emitter *events.Emitter
	wal     *WAL
	log     EntryLike

	self    core.Address
	privKey crypto.PrivateKey
	blsPriv *crypto.BLSPrivateKey

	validators *core.ValidatorSet

	height          core.Height
	round           uint64
	step            Step
	lockedBlock     *core.Block
	lockedRound     int64 // -1 = unlocked
	rounds          map[uint64]*roundState
	lastProof       core.Proof
	lastCommitRound uint64
	lastCommitHash  string
	lastConfirmRoot string // latest state root known from the execution pipeline

	msgIn  chan any
	confCh chan *core.Block
	timer  *time.Timer
	doneCh chan struct{}

	bcast Broadcaster
	lag   LagReporter

	// pendingRebroadcast holds proposals/votes reconstructed from the WAL at
	// startup that this node authored but cannot confirm peers received
	// before the crash; Run flushes them once a Broadcaster is wired.
	pendingRebroadcast []any
}

// LagReporter reports how many committed heights the execution pipeline has
// not yet caught up on, letting the driver stall new proposals per spec
// §4.3's max_commit_lead instead of committing arbitrarily far ahead of
// execution.
type LagReporter interface {
	Lag(tipHeight core.Height) uint64
}

// SetLagReporter wires a LagReporter (normally an execution.Pipeline) in so
// the driver can stall proposing and committing once execution falls too
// far behind. The zero value (nil) disables the stall entirely, matching
// single-node test setups that never hit max_commit_lead.
func (d *Driver) SetLagReporter(l LagReporter) { d.lag = l }

// Broadcaster forwards a self-produced proposal or vote to the rest of the
// network. SetBroadcaster wires one in; the zero value (nil) is valid for
// single-node operation, where self-delivery through HandleProposal/
// HandleVote is the only delivery a proposal or vote ever needs.
type Broadcaster interface {
	BroadcastProposal(p *Proposal)
	BroadcastVote(v *Vote)
	// BroadcastChoke announces that this node just abandoned a round at
	// height/round without committing, so a peer who already moved past it
	// can reply with its own state instead of leaving this node stuck.
	BroadcastChoke(height core.Height, round uint64)
}

// SetBroadcaster wires b in so every proposal this node produces and every
// vote it casts also reaches peers, not just its own event loop.
func (d *Driver) SetBroadcaster(b Broadcaster) { d.bcast = b }

// EntryLike is satisfied by *logrus.Entry; aliased here so the driver's
// struct field doesn't need to import logrus directly in its signature.
type EntryLike = interface {
	Infof(string, ...any)
	Warnf(string, ...any)
	Errorf(string, ...any)
}

// NewDriver constructs a Driver for height+1 onward, given the validator
// set active at that height. The driver starts with an empty last proof:
// the first block it proposes carries an empty Proof until it has itself
// committed a height.
func NewDriver(
	md *core.Metadata,
	bc *core.Blockchain,
	mempool *core.Mempool,
	emitter *events.Emitter,
	wal *WAL,
	self core.Address,
	privKey crypto.PrivateKey,
	blsPriv *crypto.BLSPrivateKey,
	validators *core.ValidatorSet,
) *Driver {
	d := &Driver{
		md:          md,
		bc:          bc,
		mempool:     mempool,
		emitter:     emitter,
		wal:         wal,
		log:         logging.For("consensus"),
		self:        self,
		privKey:     privKey,
		blsPriv:     blsPriv,
		validators:  validators,
		height:      bc.Height() + 1,
		round:       0,
		step:        StepPropose,
		lockedRound: -1,
		rounds:      map[uint64]*roundState{0: newRoundState()},
		msgIn:       make(chan any, 256),
		confCh:      make(chan *core.Block, 16),
		doneCh:      make(chan struct{}),
	}

	// Crash recovery: reload whatever proposal/vote records survive from the
	// in-flight height and resume at the step they imply instead of always
	// restarting at round 0 (spec §4.2).
	if wal != nil {
		proposals, votes, err := wal.Replay()
		if err != nil {
			d.log.Warnf("wal replay: %v", err)
		} else {
			d.resumeFromWAL(proposals, votes)
		}
	}
	return d
}

// resumeFromWAL rebuilds in-flight round state from WAL records written
// before a restart and determines which step the driver had reached,
// resuming there instead of regressing to StepPropose/round 0. Proposals
// and votes this node itself authored are queued in pendingRebroadcast so
// Run can re-emit them once a Broadcaster is attached, covering the case
// where the crash happened before peers acknowledged them.
func (d *Driver) resumeFromWAL(proposals []*Proposal, votes []*Vote) {
	for _, p := range proposals {
		if p == nil || p.Height != d.height {
			continue
		}
		rs := d.roundState(p.Round)
		rs.proposal = p
		if p.Round > d.round {
			d.round = p.Round
		}
	}
	for _, v := range votes {
		if v == nil || v.Height != d.height {
			continue
		}
		rs := d.roundState(v.Round)
		switch v.Step {
		case StepPrevote:
			rs.prevotes[v.Voter] = v
		case StepPrecommit:
			rs.precommits[v.Voter] = v
		}
		if v.Round > d.round {
			d.round = v.Round
		}
	}

	rs := d.roundState(d.round)
	if rs.proposal == nil {
		return
	}
	hash := rs.proposal.Block.Hash
	d.pendingRebroadcast = append(d.pendingRebroadcast, rs.proposal)

	if weight := d.voteWeight(rs.precommits, hash); weight >= d.quorum() {
		d.lockedBlock = rs.proposal.Block
		d.lockedRound = int64(d.round)
		d.step = StepBrake
		if v, ok := rs.precommits[d.self]; ok {
			d.pendingRebroadcast = append(d.pendingRebroadcast, v)
		}
		return
	}
	if weight := d.voteWeight(rs.prevotes, hash); weight >= d.quorum() {
		d.lockedBlock = rs.proposal.Block
		d.lockedRound = int64(d.round)
		d.step = StepPrecommit
		if v, ok := rs.prevotes[d.self]; ok {
			d.pendingRebroadcast = append(d.pendingRebroadcast, v)
		}
		return
	}
	if v, ok := rs.precommits[d.self]; ok {
		d.step = StepPrecommit
		d.pendingRebroadcast = append(d.pendingRebroadcast, v)
		return
	}
	if v, ok := rs.prevotes[d.self]; ok {
		d.step = StepPrevote
		d.pendingRebroadcast = append(d.pendingRebroadcast, v)
		return
	}
	d.step = StepPropose
}

// flushPendingRebroadcast re-emits any proposal/vote reconstructed from the
// WAL at startup, once a Broadcaster is attached. Must be called with d.mu
// held.
func (d *Driver) flushPendingRebroadcast() {
	if d.bcast == nil {
		return
	}
	pending := d.pendingRebroadcast
	d.pendingRebroadcast = nil
	for _, m := range pending {
		switch v := m.(type) {
		case *Proposal:
			d.bcast.BroadcastProposal(v)
		case *Vote:
			d.bcast.BroadcastVote(v)
		}
	}
}

// Committed returns a channel of locally-committed blocks, consumed by the
// execution pipeline and the network broadcaster.
func (d *Driver) Committed() <-chan *core.Block { return d.confCh }

// SetConfirmRoot records the latest state root the execution pipeline has
// confirmed, used for this node's own proposals once it becomes leader. The
// pipeline runs behind the chain tip, so a fresh proposal may reference a
// root several blocks stale; that staleness is exactly what spec §4.3's
// decoupled execution accepts.
func (d *Driver) SetConfirmRoot(root string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastConfirmRoot = root
}

// HandleProposal feeds a peer- or self-originated proposal into the driver.
func (d *Driver) HandleProposal(p *Proposal) {
	select {
	case d.msgIn <- p:
	case <-d.doneCh:
	}
}

// HandleVote feeds a peer vote into the driver.
func (d *Driver) HandleVote(v *Vote) {
	select {
	case d.msgIn <- v:
	case <-d.doneCh:
	}
}

// Stop terminates the driver's event loop.
func (d *Driver) Stop() { close(d.doneCh) }

// Run is the merged event loop: every incoming message, stage timeout, and
// state transition is handled from one goroutine, so the driver's
// height/round/step fields never need their own lock beyond what protects
// cross-goroutine readers like RPC status queries.
func (d *Driver) Run(ctx context.Context) {
	d.armTimer(d.stageTimeout(d.step))
	d.mu.Lock()
	d.flushPendingRebroadcast()
	d.maybeAutoProposeLocked()
	d.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.doneCh:
			return
		case <-d.timerFired():
			d.onTimeout()
		case msg := <-d.msgIn:
			switch m := msg.(type) {
			case *Proposal:
				d.onProposal(m)
			case *Vote:
				d.onVote(m)
			case verifyResult:
				d.onVerifyResult(m)
			}
		}
	}
}

func (d *Driver) timerFired() <-chan time.Time {
	if d.timer == nil {
		return nil
	}
	return d.timer.C
}

func (d *Driver) armTimer(dur time.Duration) {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.NewTimer(dur)
}

func (d *Driver) stageTimeout(step Step) time.Duration {
	switch step {
	case StepPropose:
		return time.Duration(d.md.StageTimeoutMillis(d.md.ProposeRatio)) * time.Millisecond
	case StepPrevote:
		return time.Duration(d.md.StageTimeoutMillis(d.md.PrevoteRatio)) * time.Millisecond
	case StepPrecommit:
		return time.Duration(d.md.StageTimeoutMillis(d.md.PrecommitRatio)) * time.Millisecond
	case StepBrake:
		return time.Duration(d.md.StageTimeoutMillis(d.md.BrakeRatio)) * time.Millisecond
	default:
		return time.Duration(d.md.IntervalMs) * time.Millisecond
	}
}

// isLeader reports whether self is the deterministic leader for the current
// height/round.
func (d *Driver) isLeader() bool {
	return SelectLeader(d.validators, d.height, d.round) == d.self
}

// laggingLocked reports whether execution has fallen further behind the
// chain tip than max_commit_lead allows. Must be called with d.mu held.
func (d *Driver) laggingLocked() bool {
	if d.lag == nil || d.md.MaxCommitLead == 0 {
		return false
	}
	return d.lag.Lag(d.height) > d.md.MaxCommitLead
}

// Propose builds and broadcasts a proposal when self is the round's leader,
// referencing the state root carried forward from the last commit (not a
// root this node computes itself) per spec §4.3's decoupled execution
// design. Exposed for tests and for an explicit kick at startup; in normal
// operation the driver calls this itself via maybeAutoProposeLocked whenever
// it enters StepPropose as leader.
func (d *Driver) Propose(stateRoot string) (*Proposal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.proposeLocked(stateRoot)
}

// maybeAutoProposeLocked proposes using the last known confirm root if self
// is the current round's leader and hasn't proposed yet. Must be called
// with d.mu held.
func (d *Driver) maybeAutoProposeLocked() {
	if d.step != StepPropose || !d.isLeader() {
		return
	}
	if d.rounds[d.round].proposal != nil {
		return
	}
	if _, err := d.proposeLocked(d.lastConfirmRoot); err != nil {
		d.log.Warnf("auto-propose height %d round %d: %v", d.height, d.round, err)
	}
}

func (d *Driver) proposeLocked(stateRoot string) (*Proposal, error) {
	if !d.isLeader() {
		return nil, chainerr.New(chainerr.ConsensusProtocol, "consensus.Driver.Propose", fmt.Errorf("not leader for height %d round %d", d.height, d.round))
	}
	if d.laggingLocked() {
		return nil, chainerr.New(chainerr.ResourceExhausted, "consensus.Driver.Propose",
			fmt.Errorf("execution lag exceeds max_commit_lead %d at height %d", d.md.MaxCommitLead, d.height))
	}

	var block *core.Block
	if d.lockedBlock != nil {
		block = d.lockedBlock
	} else {
		mixed := d.mempool.Package(d.md.CyclesLimitBlock, d.md.TxLimitBlock)
		tip := d.bc.Tip()
		prevHash := ""
		if tip != nil {
			prevHash = tip.Hash
		}
		header := core.NewBlockHeader(d.height, prevHash, d.self, mixed.Ordered, stateRoot, time.Now().UnixNano())
		header.Proof = d.lastProof
		header.ValidatorVersion = d.validators.Version
		block = &core.Block{Header: header, TxHashes: mixed.Ordered, ProposedTxHashes: mixed.Proposed, Validators: d.validators.Validators}
		if err := block.Finalize(); err != nil {
			return nil, chainerr.New(chainerr.Internal, "consensus.Driver.Propose", err)
		}
	}

	prop := &Proposal{Height: d.height, Round: d.round, Block: block}
	if err := d.wal.WriteProposal(prop); err != nil {
		return nil, err
	}
	d.rounds[d.round].proposal = prop
	if d.bcast != nil {
		d.bcast.BroadcastProposal(prop)
	}
	// The leader already holds its own proposal; it doesn't need to wait for
	// a HandleProposal round trip to advance into StepPrevote.
	if d.step == StepPropose {
		d.advanceLocked(StepPrevote)
	}
	return prop, nil
}

// onProposal kicks off a background integrity check instead of verifying
// inline: VerifyIntegrity rehashes the whole block, and this is the single
// goroutine that also processes every other peer's votes and the stage
// timer, so a large or adversarially slow block must never block those.
// The result comes back through msgIn as a verifyResult and is applied by
// onVerifyResult, discarded if the round has since moved on.
func (d *Driver) onProposal(p *Proposal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.Height != d.height {
		return
	}
	rs := d.roundState(p.Round)
	if rs.proposal != nil || rs.verifying {
		return
	}
	rs.verifying = true
	go func() {
		err := p.Block.VerifyIntegrity()
		select {
		case d.msgIn <- verifyResult{p: p, err: err}:
		case <-d.doneCh:
		}
	}()
}

func (d *Driver) onVerifyResult(r verifyResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r.p.Height != d.height {
		return // height advanced while this was in flight; stale
	}
	rs, ok := d.rounds[r.p.Round]
	if !ok || !rs.verifying {
		return // round was abandoned (roundChange rebuilt the map entry)
	}
	rs.verifying = false
	if r.err != nil {
		d.log.Warnf("rejecting invalid proposal at height %d round %d: %v", r.p.Height, r.p.Round, r.err)
		return
	}
	rs.proposal = r.p
	if r.p.Round == d.round && d.step == StepPropose {
		d.advanceLocked(StepPrevote)
	}
}

// castVote signs and records self's own vote, then hands it to onVote for
// tally bookkeeping exactly as if it had arrived over the network.
func (d *Driver) castVote(round uint64, step Step, hash string) {
	digest := voteDigest(d.height, round, step, hash)
	sig := ""
	if d.blsPriv != nil {
		sig = d.blsPriv.SignVote(d.md.CommonRef, digest)
	}
	v := &Vote{Height: d.height, Round: round, Step: step, Hash: hash, Voter: d.self, Signature: sig}
	_ = d.wal.WriteVote(v)
	if d.bcast != nil {
		d.bcast.BroadcastVote(v)
	}
	d.recordVote(v)
}

func (d *Driver) onVote(v *Vote) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v.Height != d.height {
		return
	}
	d.recordVote(v)
}

// recordVote must be called with d.mu held.
func (d *Driver) recordVote(v *Vote) {
	rs := d.roundState(v.Round)
	switch v.Step {
	case StepPrevote:
		rs.prevotes[v.Voter] = v
		if v.Round == d.round && d.step == StepPrevote {
			d.maybeAdvanceFromPrevotes(rs)
		}
	case StepPrecommit:
		rs.precommits[v.Voter] = v
		if v.Round == d.round && d.step == StepPrecommit {
			d.maybeAdvanceFromPrecommits(rs)
		}
	}
}

func (d *Driver) roundState(round uint64) *roundState {
	rs, ok := d.rounds[round]
	if !ok {
		rs = newRoundState()
		d.rounds[round] = rs
	}
	return rs
}

func (d *Driver) voteWeight(votes map[core.Address]*Vote, hash string) uint64 {
	var sum uint64
	for addr, v := range votes {
		if v.Hash != hash {
			continue
		}
		idx := d.validators.IndexOf(addr)
		if idx < 0 {
			continue
		}
		sum += uint64(d.validators.Validators[idx].VoteWeight)
	}
	return sum
}

func (d *Driver) quorum() uint64 {
	total := d.validators.TotalVoteWeight()
	return total*2/3 + 1
}

func (d *Driver) maybeAdvanceFromPrevotes(rs *roundState) {
	if rs.proposal == nil {
		return
	}
	hash := rs.proposal.Block.Hash
	if d.voteWeight(rs.prevotes, hash) >= d.quorum() {
		d.lockedBlock = rs.proposal.Block
		d.lockedRound = int64(d.round)
		d.advanceLocked(StepPrecommit)
	}
}

func (d *Driver) maybeAdvanceFromPrecommits(rs *roundState) {
	if rs.proposal == nil {
		return
	}
	hash := rs.proposal.Block.Hash
	weight := d.voteWeight(rs.precommits, hash)
	if weight < d.quorum() {
		return
	}
	sigs := make([]string, 0, len(rs.precommits))
	bitmap := make([]byte, (len(d.validators.Validators)+7)/8)
	for addr, v := range rs.precommits {
		if v.Hash != hash || v.Signature == "" {
			continue
		}
		idx := d.validators.IndexOf(addr)
		if idx < 0 {
			continue
		}
		bitmap[idx/8] |= 1 << uint(idx%8)
		sigs = append(sigs, v.Signature)
	}
	agg, err := crypto.AggregateSignatures(sigs)
	if err != nil {
		d.log.Errorf("aggregate precommit signatures: %v", err)
		return
	}
	d.lastProof = core.Proof{Height: d.height, Round: d.round, BlockHash: hash, AggregatedSignature: agg, Bitmap: bitmap}
	d.lastCommitRound = d.round
	d.lastCommitHash = hash
	d.advanceLocked(StepBrake)
}

// advanceLocked transitions to newStep and re-arms the stage timer. Must be
// called with d.mu held.
func (d *Driver) advanceLocked(newStep Step) {
	d.step = newStep
	d.armTimer(d.stageTimeout(newStep))

	switch newStep {
	case StepPrevote:
		rs := d.rounds[d.round]
		hash := ""
		if d.lockedBlock != nil {
			hash = d.lockedBlock.Hash
		} else if rs.proposal != nil {
			hash = rs.proposal.Block.Hash
		}
		d.castVote(d.round, StepPrevote, hash)
	case StepPrecommit:
		d.castVote(d.round, StepPrecommit, d.lockedBlock.Hash)
	case StepBrake:
		// Brief pause before broadcasting commit, giving the executor a
		// chance to catch up if it is lagging behind max_commit_lead.
	case StepCommit:
		d.commit()
	}
}

func (d *Driver) commit() {
	rs := d.rounds[d.round]
	if rs.proposal == nil {
		return
	}
	block := rs.proposal.Block
	if err := d.bc.AddBlock(block); err != nil {
		d.log.Errorf("commit height %d: %v", d.height, err)
		return
	}
	if err := d.wal.Truncate(d.height); err != nil {
		d.log.Errorf("truncate WAL after height %d: %v", d.height, err)
	}
	if d.emitter != nil {
		d.emitter.Emit(events.Event{Type: events.EventBlockCommit, BlockHeight: d.height, Data: map[string]any{"hash": block.Hash}})
	}
	select {
	case d.confCh <- block:
	default:
		d.log.Warnf("commit channel full at height %d, dropping downstream notification", d.height)
	}

	d.height++
	d.round = 0
	d.lockedBlock = nil
	d.lockedRound = -1
	d.rounds = map[uint64]*roundState{0: newRoundState()}
	d.step = StepPropose
	d.armTimer(d.stageTimeout(StepPropose))
	d.maybeAutoProposeLocked()
}

// onTimeout advances the stage timer fired. Propose/prevote/precommit
// timeouts that fail to reach quorum trigger a round change rather than
// stalling forever; a brake timeout proceeds to commit unless execution
// lags past max_commit_lead, in which case the brake timer is re-armed.
func (d *Driver) onTimeout() {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.step {
	case StepPropose:
		d.advanceLocked(StepPrevote)
	case StepPrevote:
		d.roundChange()
	case StepPrecommit:
		d.roundChange()
	case StepBrake:
		if d.laggingLocked() {
			// Execution hasn't caught up yet: stay in the brake step and
			// recheck on the next brake timeout instead of committing
			// further ahead of max_commit_lead.
			d.armTimer(d.stageTimeout(StepBrake))
			return
		}
		d.advanceLocked(StepCommit)
	}
}

// roundChange moves to the next round at the same height, preserving any
// lock acquired in an earlier round per spec §4.2's lock rule: a validator
// that already precommitted for a block in round R cannot prevote for a
// different block in round R' > R unless it observes a higher proof
// unlocking it, which this implementation never does automatically (no
// unlocking proof type is modeled), matching the conservative "only the
// locked block can be proposed again" behavior.
func (d *Driver) roundChange() {
	if d.lockedBlock == nil {
		if rs, ok := d.rounds[d.round]; ok && rs.proposal != nil {
			d.mempool.Unpropose(rs.proposal.Block.TxHashes)
		}
	}
	d.round++
	d.rounds[d.round] = newRoundState()
	d.step = StepPropose
	d.armTimer(d.stageTimeout(StepPropose))
	if d.bcast != nil {
		d.bcast.BroadcastChoke(d.height, d.round)
	}
	d.maybeAutoProposeLocked()
}

// Rebroadcast resends this node's own proposal and votes for the current
// round, for a peer that signaled via MsgChoke that it is stuck at this
// height/round and may have missed the original gossip.
func (d *Driver) Rebroadcast() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bcast == nil {
		return
	}
	rs := d.rounds[d.round]
	if rs == nil {
		return
	}
	if rs.proposal != nil && rs.proposal.Block.Header.Proposer == d.self {
		d.bcast.BroadcastProposal(rs.proposal)
	}
	if v, ok := rs.prevotes[d.self]; ok {
		d.bcast.BroadcastVote(v)
	}
	if v, ok := rs.precommits[d.self]; ok {
		d.bcast.BroadcastVote(v)
	}
}

// Status is a read-only snapshot of the driver's progress, used by RPC.
type Status struct {
	Height core.Height
	Round  uint64
	Step   string
}

// Status returns the driver's current height/round/step under lock.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{Height: d.height, Round: d.round, Step: d.step.String()}
}
