// Package betting implements the cryptographic core of the betting
// protocol: ephemeral keys, the 2-of-2 bet output, deterministic funding
// and claim transactions, adaptor signatures bound to oracle attestation
// points, and the two compact wire messages (proposal and offer).
package betting

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeyPair is an ephemeral protocol keypair. A fresh one is derived per
// proposal and per offer; they are unrelated to the wallet's HD keys.
type KeyPair struct {
	Priv *secp256k1.PrivateKey
	Pub  *secp256k1.PublicKey
}

// PubBytes returns the 33-byte compressed public key.
func (k *KeyPair) PubBytes() []byte {
	return k.Pub.SerializeCompressed()
}

const (
	proposalKeyTag = "gun/proposal-key/v0"
	offerKeyTag    = "gun/offer-key/v0"
)

// deriveKeyPair derives a keypair from the wallet seed bound to the event,
// the wagered value and a disambiguating index.
func deriveKeyPair(tag string, seed []byte, eventID string, value uint64, index uint32) (*KeyPair, error) {
	outer := hmac.New(sha512.New, []byte(tag))
	outer.Write(seed)
	inner := hmac.New(sha512.New, outer.Sum(nil))
	inner.Write([]byte(eventID))
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[:8], value)
	binary.BigEndian.PutUint32(buf[8:], index)
	inner.Write(buf[:])
	sum := inner.Sum(nil)

	var sc secp256k1.ModNScalar
	if overflow := sc.SetByteSlice(sum[:32]); overflow || sc.IsZero() {
		// One chance in 2^128; re-derive with the next index rather than
		// bend the scalar.
		return deriveKeyPair(tag, seed, eventID, value, index+1)
	}
	b := sc.Bytes()
	priv := secp256k1.PrivKeyFromBytes(b[:])
	return &KeyPair{Priv: priv, Pub: priv.PubKey()}, nil
}

// ProposalKeyPair derives the proposer's ephemeral keypair.
func ProposalKeyPair(seed []byte, eventID string, value uint64, index uint32) (*KeyPair, error) {
	return deriveKeyPair(proposalKeyTag, seed, eventID, value, index)
}

// OfferKeyPair derives the offerer's ephemeral keypair.
func OfferKeyPair(seed []byte, eventID string, value uint64, index uint32) (*KeyPair, error) {
	return deriveKeyPair(offerKeyTag, seed, eventID, value, index)
}

// SharedCipher performs ECDH between a local secret and a remote public key
// and returns the AEAD both ends use to seal and open the offer. The key is
// the first half of SHA-512 over the compressed shared point.
func SharedCipher(local *secp256k1.PrivateKey, remote *secp256k1.PublicKey) (cipher.AEAD, error) {
	var rj, shared secp256k1.JacobianPoint
	remote.AsJacobian(&rj)
	secp256k1.ScalarMultNonConst(&local.Key, &rj, &shared)
	if shared.Z.IsZero() {
		return nil, fmt.Errorf("ecdh produced point at infinity")
	}
	shared.ToAffine()
	point := secp256k1.NewPublicKey(&shared.X, &shared.Y)

	sum := sha512.Sum512(point.SerializeCompressed())
	return chacha20poly1305.NewX(sum[:32])
}
