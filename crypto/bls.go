package crypto

import (
	"encoding/hex"
	"fmt"
	"sync"

	bls "github.com/herumi/bls-eth-go-binary/bls"
)

var blsInit sync.Once
var blsInitErr error

// InitBLS initializes the BLS12-381 curve backend. Must run once before any
// other function in this file; called from cmd/node/main.go at startup and
// from test packages that exercise consensus voting.
func InitBLS() error {
	blsInit.Do(func() {
		blsInitErr = bls.Init(bls.BLS12_381)
		if blsInitErr != nil {
			return
		}
		blsInitErr = bls.SetETHmode(bls.EthModeDraft07)
	})
	return blsInitErr
}

// BLSPrivateKey wraps a validator's BLS signing key.
type BLSPrivateKey struct{ sk bls.SecretKey }

// BLSPublicKey wraps a validator's BLS verification key.
type BLSPublicKey struct{ pk bls.PublicKey }

// GenerateBLSKeyPair produces a fresh BLS key pair for a validator.
func GenerateBLSKeyPair() (*BLSPrivateKey, *BLSPublicKey, error) {
	if err := InitBLS(); err != nil {
		return nil, nil, err
	}
	var sk bls.SecretKey
	sk.SetByCSPRNG()
	pk := sk.GetPublicKey()
	return &BLSPrivateKey{sk: sk}, &BLSPublicKey{pk: *pk}, nil
}

// Hex returns the hex-encoded serialized public key.
func (pk *BLSPublicKey) Hex() string {
	return hex.EncodeToString(pk.pk.Serialize())
}

// BLSPubKeyFromHex decodes a hex-encoded BLS public key.
func BLSPubKeyFromHex(s string) (*BLSPublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid bls pubkey hex: %w", err)
	}
	var pk bls.PublicKey
	if err := pk.Deserialize(b); err != nil {
		return nil, fmt.Errorf("deserialize bls pubkey: %w", err)
	}
	return &BLSPublicKey{pk: pk}, nil
}

// Hex returns the hex-encoded serialized secret key, used by the keystore
// to persist a validator's BLS signing key alongside its ed25519 key.
func (priv *BLSPrivateKey) Hex() string {
	return hex.EncodeToString(priv.sk.Serialize())
}

// Public derives the BLS public key corresponding to priv.
func (priv *BLSPrivateKey) Public() *BLSPublicKey {
	pk := priv.sk.GetPublicKey()
	return &BLSPublicKey{pk: *pk}
}

// BLSPrivKeyFromHex decodes a hex-encoded BLS secret key.
func BLSPrivKeyFromHex(s string) (*BLSPrivateKey, error) {
	if err := InitBLS(); err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid bls privkey hex: %w", err)
	}
	var sk bls.SecretKey
	if err := sk.Deserialize(b); err != nil {
		return nil, fmt.Errorf("deserialize bls privkey: %w", err)
	}
	return &BLSPrivateKey{sk: sk}, nil
}

// SignVote signs msg (a canonical (height, round, step, block_hash) digest)
// under commonRef as the domain-separation tag, per spec §4.2.
func (priv *BLSPrivateKey) SignVote(commonRef string, msg []byte) string {
	sig := priv.sk.SignHash(append([]byte(commonRef), msg...))
	return hex.EncodeToString(sig.Serialize())
}

// VerifyVote checks a single validator's vote signature.
func VerifyVote(pub *BLSPublicKey, commonRef string, msg []byte, sigHex string) error {
	b, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("invalid bls signature hex: %w", err)
	}
	var sig bls.Sign
	if err := sig.Deserialize(b); err != nil {
		return fmt.Errorf("deserialize bls signature: %w", err)
	}
	if !sig.VerifyHash(&pub.pk, append([]byte(commonRef), msg...)) {
		return fmt.Errorf("bls signature verification failed")
	}
	return nil
}

// AggregateSignatures combines individual vote signatures into a single
// quorum certificate signature.
func AggregateSignatures(sigHexes []string) (string, error) {
	agg := bls.Sign{}
	sigs := make([]bls.Sign, 0, len(sigHexes))
	for _, sh := range sigHexes {
		b, err := hex.DecodeString(sh)
		if err != nil {
			return "", fmt.Errorf("invalid signature hex: %w", err)
		}
		var s bls.Sign
		if err := s.Deserialize(b); err != nil {
			return "", fmt.Errorf("deserialize signature: %w", err)
		}
		sigs = append(sigs, s)
	}
	agg.Aggregate(sigs)
	return hex.EncodeToString(agg.Serialize()), nil
}

// VerifyAggregate checks an aggregated signature against the set of public
// keys that (per the QC's bitmap) contributed to it, all signing the same
// message under commonRef. This is the verification path used when a node
// receives a Proof from a peer rather than building one itself.
func VerifyAggregate(pubs []*BLSPublicKey, commonRef string, msg []byte, sigHex string) error {
	b, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("invalid aggregate signature hex: %w", err)
	}
	var sig bls.Sign
	if err := sig.Deserialize(b); err != nil {
		return fmt.Errorf("deserialize aggregate signature: %w", err)
	}
	rawPubs := make([]bls.PublicKey, len(pubs))
	for i, p := range pubs {
		rawPubs[i] = p.pk
	}
	if !sig.FastAggregateVerify(rawPubs, append([]byte(commonRef), msg...)) {
		return fmt.Errorf("aggregate signature verification failed")
	}
	return nil
}
