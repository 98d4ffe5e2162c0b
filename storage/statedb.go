package storage

import (
	"encoding/json"
	"errors"

	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/statetrie"
)

// acctPrefix namespaces account balances inside the shared world-state
// trie; registered with statetrie so ComputeRoot's scan picks it up.
const acctPrefix = "acct:"

func init() {
	statetrie.RegisterNamespace(acctPrefix)
}

// AccountStateDB implements core.AccountStore on top of a statetrie.Store,
// generalizing the teacher's flat-map StateDB into a thin typed view over
// one namespace of the shared trie instead of owning the whole schema.
type AccountStateDB struct {
	trie *statetrie.Store
}

// NewAccountStateDB wraps trie for account-balance access.
func NewAccountStateDB(trie *statetrie.Store) *AccountStateDB {
	return &AccountStateDB{trie: trie}
}

func (a *AccountStateDB) GetAccount(address core.Address) (*core.Account, error) {
	data, err := a.trie.Get([]byte(acctPrefix + address))
	if errors.Is(err, core.ErrNotFound) {
		return &core.Account{Address: address}, nil
	}
	if err != nil {
		return nil, err
	}
	var acc core.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (a *AccountStateDB) SetAccount(acc *core.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	return a.trie.Set([]byte(acctPrefix+acc.Address), data)
}
