package core

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/tolchain/crypto"
)

// RawTransaction is the unsigned body of a transaction. Nonce is a random
// 256-bit value (not a per-account counter), per spec §3, so concurrently
// built transactions from the same sender never collide even without
// coordinating on a shared counter.
type RawTransaction struct {
	ChainID     string          `json:"chain_id"`
	Nonce       string          `json:"nonce"` // 64-char hex, 256-bit random value
	Timeout     Height          `json:"timeout"`
	CyclesLimit uint64          `json:"cycles_limit"`
	CyclesPrice uint64          `json:"cycles_price"`
	Service     string          `json:"service"`
	Method      string          `json:"method"`
	Payload     json.RawMessage `json:"payload"`
	Sender      Address         `json:"sender"` // hex-encoded ed25519 public key
}

// AuthMaterial carries the signature(s) authorizing a RawTransaction.
type AuthMaterial struct {
	PublicKey string `json:"public_key"`       // hex ed25519 public key, must equal Sender
	Signature string `json:"signature"`        // hex ed25519 signature over the tx hash
	Bitmap    []byte `json:"bitmap,omitempty"` // optional multi-sig bitmap
}

// SignedTransaction is a RawTransaction plus its content hash and
// authorization material.
type SignedTransaction struct {
	Raw  RawTransaction `json:"raw"`
	Hash string         `json:"tx_hash"`
	Auth AuthMaterial   `json:"auth"`
}

// NewNonce generates a random 256-bit nonce, hex-encoded.
func NewNonce() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// ComputeHash returns the canonical content hash of the raw transaction.
// Canonical encoding is the field-ordered JSON marshal of RawTransaction;
// determinism follows from Go's stable struct-field JSON ordering, exactly
// the property the teacher's signingBody/Hash pair relied on.
func (tx *RawTransaction) ComputeHash() (string, error) {
	data, err := json.Marshal(tx)
	if err != nil {
		return "", fmt.Errorf("marshal raw tx: %w", err)
	}
	return crypto.Hash(data), nil
}

// NewSignedTransaction builds and signs a SignedTransaction from a
// RawTransaction and the sender's private key.
func NewSignedTransaction(raw RawTransaction, priv crypto.PrivateKey) (*SignedTransaction, error) {
	h, err := raw.ComputeHash()
	if err != nil {
		return nil, err
	}
	sig := crypto.Sign(priv, []byte(h))
	return &SignedTransaction{
		Raw:  raw,
		Hash: h,
		Auth: AuthMaterial{PublicKey: priv.Public().Hex(), Signature: sig},
	}, nil
}

// Verify checks hash integrity and the ed25519 signature. It does not check
// mempool-level policy (size caps, timeout window, cycles caps) — that is
// Mempool.insert's job (reached via InsertOrdered/InsertProposed).
func (stx *SignedTransaction) Verify() error {
	if stx.Raw.Sender == "" {
		return errors.New("missing sender")
	}
	if stx.Auth.PublicKey != stx.Raw.Sender {
		return errors.New("auth public key does not match sender")
	}
	if stx.Raw.Service == "" || stx.Raw.Method == "" {
		return errors.New("service and method must be non-empty")
	}
	computed, err := stx.Raw.ComputeHash()
	if err != nil {
		return err
	}
	if computed != stx.Hash {
		return fmt.Errorf("tx hash mismatch: stored %s computed %s", stx.Hash, computed)
	}
	pub, err := crypto.PubKeyFromHex(stx.Auth.PublicKey)
	if err != nil {
		return fmt.Errorf("invalid sender pubkey: %w", err)
	}
	return crypto.Verify(pub, []byte(stx.Hash), stx.Auth.Signature)
}

// CheckTimeout validates spec §3's invariant:
// currentHeight < timeout <= currentHeight + timeoutGap.
func (tx *RawTransaction) CheckTimeout(currentHeight Height, timeoutGap uint64) error {
	if tx.Timeout <= currentHeight {
		return fmt.Errorf("tx timeout %d already reached at height %d", tx.Timeout, currentHeight)
	}
	if tx.Timeout > currentHeight+timeoutGap {
		return fmt.Errorf("tx timeout %d exceeds timeout_gap from height %d (gap %d)", tx.Timeout, currentHeight, timeoutGap)
	}
	return nil
}

// ---- Built-in service payload types, generalized from the teacher's
// TxType-specific payloads into per-(service,method) payloads. ----

// TransferPayload moves native tokens between accounts.
// service="token", method="transfer".
type TransferPayload struct {
	To     Address `json:"to"`
	Amount uint64  `json:"amount"`
}

// MintAssetPayload mints a new asset from a registered template.
// service="asset", method="mint".
type MintAssetPayload struct {
	TemplateID string         `json:"template_id"`
	Owner      string         `json:"owner"`
	Properties map[string]any `json:"properties"`
}

// BurnAssetPayload destroys an asset. service="asset", method="burn".
type BurnAssetPayload struct {
	AssetID string `json:"asset_id"`
}

// TransferAssetPayload moves an asset to a new owner.
// service="asset", method="transfer".
type TransferAssetPayload struct {
	AssetID string `json:"asset_id"`
	To      string `json:"to"`
}

// RegisterTemplatePayload defines a new asset class.
// service="asset", method="register_template".
type RegisterTemplatePayload struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Schema    map[string]any `json:"schema"`
	Tradeable bool           `json:"tradeable"`
}

// SessionOpenPayload opens a game session and locks stakes.
// service="session", method="open".
type SessionOpenPayload struct {
	SessionID string   `json:"session_id"`
	GameID    string   `json:"game_id"`
	Players   []string `json:"players"`
	Stakes    uint64   `json:"stakes"`
}

// SessionResultPayload closes a session and distributes rewards.
// service="session", method="result".
type SessionResultPayload struct {
	SessionID string            `json:"session_id"`
	Outcome   map[string]uint64 `json:"outcome"`
}

// ListMarketPayload lists an asset for sale. service="market", method="list".
type ListMarketPayload struct {
	AssetID string `json:"asset_id"`
	Price   uint64 `json:"price"`
}

// BuyMarketPayload purchases an active listing.
// service="market", method="buy".
type BuyMarketPayload struct {
	ListingID string `json:"listing_id"`
}
