package wallet

import (
	"encoding/json"

	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/crypto"
)

// Wallet holds a key pair and provides transaction-building helpers.
type Wallet struct {
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

// New creates a Wallet from an existing private key.
func New(priv crypto.PrivateKey) *Wallet {
	return &Wallet{priv: priv, pub: priv.Public()}
}

// Generate creates a Wallet with a freshly generated key pair.
func Generate() (*Wallet, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// PrivKey returns the raw private key (handle with care).
func (w *Wallet) PrivKey() crypto.PrivateKey {
	return w.priv
}

// Address returns the hex-encoded ed25519 public key used as sender address
// throughout core (RawTransaction.Sender, Account.Address).
func (w *Wallet) Address() core.Address {
	return core.Address(w.pub.Hex())
}

// NewTx builds and signs a transaction calling service.method with payload,
// spending up to cyclesLimit cycles and valid until timeout (an absolute
// height, per spec §3's timeout_gap window).
func (w *Wallet) NewTx(chainID, service, method string, payload any, cyclesLimit, cyclesPrice uint64, timeout core.Height) (*core.SignedTransaction, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	nonce, err := core.NewNonce()
	if err != nil {
		return nil, err
	}
	raw := core.RawTransaction{
		ChainID:     chainID,
		Nonce:       nonce,
		Timeout:     timeout,
		CyclesLimit: cyclesLimit,
		CyclesPrice: cyclesPrice,
		Service:     service,
		Method:      method,
		Payload:     body,
		Sender:      w.Address(),
	}
	return core.NewSignedTransaction(raw, w.priv)
}

// Transfer creates a signed native-token transfer transaction.
func (w *Wallet) Transfer(chainID, to string, amount, cyclesLimit, cyclesPrice uint64, timeout core.Height) (*core.SignedTransaction, error) {
	return w.NewTx(chainID, "token", "transfer", core.TransferPayload{
		To:     core.Address(to),
		Amount: amount,
	}, cyclesLimit, cyclesPrice, timeout)
}
