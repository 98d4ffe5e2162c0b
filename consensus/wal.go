package consensus

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"github.com/tolelom/tolchain/chainerr"
)

// walRecordKind tags what a WAL line records, so Replay can dispatch
// without guessing from the payload shape.
type walRecordKind string

const (
	walProposal  walRecordKind = "proposal"
	walVote      walRecordKind = "vote"
	walNewHeight walRecordKind = "new_height"
)

// walRecord is one append-only JSON line. Only one of Proposal/Vote is set,
// selected by Kind.
type walRecord struct {
	Kind     walRecordKind `json:"kind"`
	Height   uint64        `json:"height"`
	Proposal *Proposal     `json:"proposal,omitempty"`
	Vote     *Vote         `json:"vote,omitempty"`
}

// WAL is the append-only write-ahead log the driver uses to recover
// in-flight consensus state (the current height's proposal and votes) after
// a crash, without waiting for a full block to replay from peers.
type WAL struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
}

// OpenWAL opens (creating if absent) the WAL file at path for appending.
func OpenWAL(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, chainerr.New(chainerr.Storage, "consensus.OpenWAL", err)
	}
	return &WAL{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

func (w *WAL) append(rec walRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, err := json.Marshal(rec)
	if err != nil {
		return chainerr.New(chainerr.Internal, "consensus.WAL.append", err)
	}
	if _, err := w.w.Write(append(data, '\n')); err != nil {
		return chainerr.New(chainerr.Storage, "consensus.WAL.append", err)
	}
	return w.w.Flush()
}

// WriteProposal records a proposal the driver has accepted for the current
// round.
func (w *WAL) WriteProposal(p *Proposal) error {
	return w.append(walRecord{Kind: walProposal, Height: p.Height, Proposal: p})
}

// WriteVote records a vote the driver has cast or aggregated.
func (w *WAL) WriteVote(v *Vote) error {
	return w.append(walRecord{Kind: walVote, Height: v.Height, Vote: v})
}

// Truncate discards every record up to and including newHeight's commit,
// called once a block is durably committed so the WAL never grows past one
// height's worth of in-flight state.
func (w *WAL) Truncate(newHeight uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return chainerr.New(chainerr.Storage, "consensus.WAL.Truncate", err)
	}
	if err := w.f.Truncate(0); err != nil {
		return chainerr.New(chainerr.Storage, "consensus.WAL.Truncate", err)
	}
	if _, err := w.f.Seek(0, 0); err != nil {
		return chainerr.New(chainerr.Storage, "consensus.WAL.Truncate", err)
	}
	w.w = bufio.NewWriter(w.f)
	rec := walRecord{Kind: walNewHeight, Height: newHeight}
	data, err := json.Marshal(rec)
	if err != nil {
		return chainerr.New(chainerr.Internal, "consensus.WAL.Truncate", err)
	}
	if _, err := w.w.Write(append(data, '\n')); err != nil {
		return chainerr.New(chainerr.Storage, "consensus.WAL.Truncate", err)
	}
	return w.w.Flush()
}

// Replay reads every record currently in the WAL, in order, for crash
// recovery at startup.
func (w *WAL) Replay() ([]*Proposal, []*Vote, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return nil, nil, chainerr.New(chainerr.Storage, "consensus.WAL.Replay", err)
	}
	if _, err := w.f.Seek(0, 0); err != nil {
		return nil, nil, chainerr.New(chainerr.Storage, "consensus.WAL.Replay", err)
	}
	var proposals []*Proposal
	var votes []*Vote
	scanner := bufio.NewScanner(w.f)
	scanner.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	for scanner.Scan() {
		var rec walRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // a torn trailing write is tolerated, never fatal
		}
		switch rec.Kind {
		case walProposal:
			if rec.Proposal != nil {
				proposals = append(proposals, rec.Proposal)
			}
		case walVote:
			if rec.Vote != nil {
				votes = append(votes, rec.Vote)
			}
		}
	}
	if _, err := w.f.Seek(0, 2); err != nil {
		return nil, nil, chainerr.New(chainerr.Storage, "consensus.WAL.Replay", err)
	}
	return proposals, votes, scanner.Err()
}

// Close flushes and closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.f.Close()
}
