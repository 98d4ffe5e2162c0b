// Package economy implements the built-in "token" service: native balance
// transfers between accounts.
package economy

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/vm"
)

func init() {
	vm.Register("token", "transfer", vm.ReadWrite, 100, handleTransfer)
}

func handleTransfer(ctx *vm.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p core.TransferPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode transfer payload: %w", err)
	}
	if p.Amount == 0 {
		return nil, fmt.Errorf("transfer amount must be > 0")
	}
	if p.To == "" {
		return nil, fmt.Errorf("transfer to address required")
	}

	accounts := ctx.Accounts()
	sender, err := accounts.GetAccount(ctx.Sender())
	if err != nil {
		return nil, err
	}
	if sender.Balance < p.Amount {
		return nil, fmt.Errorf("insufficient balance: have %d, need %d", sender.Balance, p.Amount)
	}
	sender.Balance -= p.Amount
	if err := accounts.SetAccount(sender); err != nil {
		return nil, err
	}

	recipient, err := accounts.GetAccount(p.To)
	if err != nil {
		return nil, err
	}
	recipient.Balance += p.Amount
	if err := accounts.SetAccount(recipient); err != nil {
		return nil, err
	}

	_ = ctx.Emit("transfer", map[string]any{"from": ctx.Sender(), "to": p.To, "amount": p.Amount})
	return nil, nil
}
