package oracle

import (
	"fmt"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// Domain separation tags for the two hashes the attestation scheme uses.
const (
	attestTag   = "gun/attestation/v0"
	announceTag = "gun/announcement/v0"
)

// outcomeChallenge reduces H(tag || outcome || "|" || event_id) mod n.
func outcomeChallenge(outcome, eventID string) secp256k1.ModNScalar {
	h := blake256.New()
	h.Write([]byte(attestTag))
	h.Write([]byte(outcome))
	h.Write([]byte{'|'})
	h.Write([]byte(eventID))
	sum := h.Sum(nil)

	var c secp256k1.ModNScalar
	c.SetByteSlice(sum)
	if c.IsZero() {
		var one secp256k1.ModNScalar
		one.SetInt(1)
		c.Add(&one)
	}
	return c
}

// addPoints returns R+S, failing on the point at infinity.
func addPoints(R, S *secp256k1.PublicKey) (*secp256k1.PublicKey, error) {
	var rj, sj, sum secp256k1.JacobianPoint
	R.AsJacobian(&rj)
	S.AsJacobian(&sj)
	secp256k1.AddNonConst(&rj, &sj, &sum)
	if sum.Z.IsZero() {
		return nil, fmt.Errorf("sum is point at infinity")
	}
	sum.ToAffine()
	return secp256k1.NewPublicKey(&sum.X, &sum.Y), nil
}

// AttestationPoint computes A_i = nonce + H(outcome, event_id)·attest_key,
// the point whose discrete log the oracle reveals by attesting outcome.
func AttestationPoint(info *Info, ev *Event, outcome string) (*secp256k1.PublicKey, error) {
	nonce, err := ev.Nonce.PubKey()
	if err != nil {
		return nil, fmt.Errorf("parse event nonce: %w", err)
	}
	attestKey, err := info.AttestationKey.PubKey()
	if err != nil {
		return nil, fmt.Errorf("parse attestation key: %w", err)
	}

	c := outcomeChallenge(outcome, ev.ID())
	var aj, cA secp256k1.JacobianPoint
	attestKey.AsJacobian(&aj)
	secp256k1.ScalarMultNonConst(&c, &aj, &cA)
	cA.ToAffine()

	return addPoints(nonce, secp256k1.NewPublicKey(&cA.X, &cA.Y))
}

// VerifyAttestation checks scalar·G == nonce + H(outcome, event_id)·attest_key.
// The engine treats this as a black-box predicate; a false return means the
// oracle misbehaved.
func VerifyAttestation(info *Info, ev *Event, att *Attestation) bool {
	if att.EventID != ev.ID() || ev.OutcomeIndex(att.Outcome) < 0 {
		return false
	}
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(att.Scalar[:]); overflow || s.IsZero() {
		return false
	}
	want, err := AttestationPoint(info, ev, att.Outcome)
	if err != nil {
		return false
	}
	sb := s.Bytes()
	got := secp256k1.PrivKeyFromBytes(sb[:]).PubKey()
	return got.IsEqual(want)
}

// announcementDigest commits the oracle to the event's identity, nonce and
// outcome set.
func announcementDigest(ev *Event) [32]byte {
	h := blake256.New()
	h.Write([]byte(announceTag))
	h.Write([]byte(ev.ID()))
	h.Write(ev.Nonce[:])
	for _, o := range ev.Outcomes {
		h.Write([]byte{'|'})
		h.Write([]byte(o))
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// VerifyAnnouncement checks the oracle's signature over the event using its
// announcement key.
func VerifyAnnouncement(info *Info, ev *Event, sig []byte) error {
	pub, err := schnorr.ParsePubKey(info.AnnouncementKey[:])
	if err != nil {
		return fmt.Errorf("parse announcement key: %w", err)
	}
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return fmt.Errorf("parse announcement signature: %w", err)
	}
	digest := announcementDigest(ev)
	if !parsed.Verify(digest[:], pub) {
		return fmt.Errorf("announcement signature does not verify against %s", info.ID)
	}
	return nil
}

// SignAnnouncement produces the signature VerifyAnnouncement expects. Used
// by the test oracle; a real oracle signs on its own side.
func SignAnnouncement(announcePriv *secp256k1.PrivateKey, ev *Event) ([]byte, error) {
	digest := announcementDigest(ev)
	sig, err := schnorr.Sign(announcePriv, digest[:])
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// Attest computes the scalar for an outcome given the oracle's secrets.
// Test-oracle counterpart of VerifyAttestation: s = k + c·a where k is the
// nonce secret and a the attestation secret.
func Attest(nonceSecret, attestSecret *secp256k1.PrivateKey, ev *Event, outcome string) B32 {
	c := outcomeChallenge(outcome, ev.ID())
	var s secp256k1.ModNScalar
	s.Set(&attestSecret.Key)
	s.Mul(&c)
	s.Add(&nonceSecret.Key)
	var out B32
	b := s.Bytes()
	copy(out[:], b[:])
	return out
}
