// Package session implements the built-in "session" service: game matches
// that lock player stakes on open and distribute them on result.
package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/vm"
)

const serviceName = "session"

// Session represents an active or completed game match, owned entirely by
// the session service.
type Session struct {
	ID        string            `json:"id"`
	GameID    string            `json:"game_id"`
	Players   []string          `json:"players"`
	Stakes    uint64            `json:"stakes"`
	Status    string            `json:"status"` // "open" | "closed"
	Outcome   map[string]uint64 `json:"outcome"`
	CreatedAt int64             `json:"created_at"`
	ClosedAt  int64             `json:"closed_at"`
}

func init() {
	vm.Register(serviceName, "open", vm.ReadWrite, 400, handleOpen)
	vm.Register(serviceName, "result", vm.ReadWrite, 400, handleResult)
}

func sessionKey(id string) string { return "session:" + id }

func handleOpen(ctx *vm.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p core.SessionOpenPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode session_open payload: %w", err)
	}
	if p.SessionID == "" {
		return nil, errors.New("session_id required")
	}
	if len(p.Players) == 0 {
		return nil, errors.New("at least one player required")
	}
	if ctx.Store().Has(sessionKey(p.SessionID)) {
		return nil, fmt.Errorf("session %q already exists", p.SessionID)
	}

	accounts := ctx.Accounts()
	if p.Stakes > 0 {
		for _, player := range p.Players {
			acc, err := accounts.GetAccount(player)
			if err != nil {
				return nil, fmt.Errorf("player %q account: %w", player, err)
			}
			if acc.Balance < p.Stakes {
				return nil, fmt.Errorf("player %q insufficient balance for stakes: have %d need %d",
					player, acc.Balance, p.Stakes)
			}
			acc.Balance -= p.Stakes
			if err := accounts.SetAccount(acc); err != nil {
				return nil, err
			}
		}
	}

	sess := &Session{
		ID:        p.SessionID,
		GameID:    p.GameID,
		Players:   p.Players,
		Stakes:    p.Stakes,
		Status:    "open",
		Outcome:   map[string]uint64{},
		CreatedAt: ctx.Block.Header.Timestamp,
	}
	if err := ctx.Store().PutJSON(sessionKey(p.SessionID), sess); err != nil {
		return nil, err
	}

	_ = ctx.Emit("opened", map[string]any{"session_id": p.SessionID, "game_id": p.GameID, "players": p.Players})
	return json.Marshal(sess)
}

func handleResult(ctx *vm.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p core.SessionResultPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode session_result payload: %w", err)
	}

	var sess Session
	if err := ctx.Store().GetJSON(sessionKey(p.SessionID), &sess); err != nil {
		return nil, fmt.Errorf("session %q not found: %w", p.SessionID, err)
	}
	if sess.Status != "open" {
		return nil, fmt.Errorf("session %q already closed", p.SessionID)
	}

	totalStakes := sess.Stakes * uint64(len(sess.Players))
	var totalRewards uint64
	for _, reward := range p.Outcome {
		if reward > totalStakes-totalRewards {
			return nil, fmt.Errorf("rewards exceed total stakes %d", totalStakes)
		}
		totalRewards += reward
	}

	accounts := ctx.Accounts()
	for pubkey, reward := range p.Outcome {
		acc, err := accounts.GetAccount(pubkey)
		if err != nil {
			return nil, fmt.Errorf("outcome account %q: %w", pubkey, err)
		}
		acc.Balance += reward
		if err := accounts.SetAccount(acc); err != nil {
			return nil, err
		}
	}

	sess.Status = "closed"
	sess.Outcome = p.Outcome
	sess.ClosedAt = ctx.Block.Header.Timestamp
	if err := ctx.Store().PutJSON(sessionKey(p.SessionID), &sess); err != nil {
		return nil, err
	}

	_ = ctx.Emit("closed", map[string]any{"session_id": p.SessionID})
	return nil, nil
}
