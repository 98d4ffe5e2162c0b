package consensus

import (
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/chacha20"

	"github.com/tolelom/tolchain/core"
)

// SelectLeader deterministically picks the proposer for (height, round) from
// vs, weighted by ProposeWeight. The pack has no VRF implementation, so
// leader selection here is a ChaCha20 stream seeded by (height, round)
// rather than a verifiable random function — every honest node computes the
// same answer without needing a round of its own, at the cost of leader
// predictability a few heights ahead (see the design decision this
// trades off in favor of, recorded alongside the rest of the consensus
// package's grounding).
func SelectLeader(vs *core.ValidatorSet, height core.Height, round uint64) core.Address {
	if len(vs.Validators) == 0 {
		return ""
	}
	total := uint64(0)
	for _, v := range vs.Validators {
		total += uint64(v.ProposeWeight)
	}
	if total == 0 {
		return vs.Validators[int(height+round)%len(vs.Validators)].Address
	}

	var seed [32]byte
	h := sha256.New()
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], height)
	binary.BigEndian.PutUint64(buf[8:], round)
	h.Write(buf[:])
	copy(seed[:], h.Sum(nil))

	var nonce [chacha20.NonceSize]byte
	cipher, err := chacha20.NewUnauthenticatedCipher(seed[:], nonce[:])
	if err != nil {
		return vs.Validators[int(height+round)%len(vs.Validators)].Address
	}
	var stream [8]byte
	cipher.XORKeyStream(stream[:], stream[:])
	r := binary.BigEndian.Uint64(stream[:]) % total

	var cum uint64
	for _, v := range vs.Validators {
		cum += uint64(v.ProposeWeight)
		if r < cum {
			return v.Address
		}
	}
	return vs.Validators[len(vs.Validators)-1].Address
}
