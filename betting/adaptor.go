package betting

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// AdaptorSig is an ECDSA presignature under some key X for a 32-byte
// digest m, bound to an adaptor point T = t·G. The signer commits to a
// nonce k through both R̂ = k·G and R = k·T and proves they share k with a
// DLEQ proof; s' satisfies
//
//	s'·R̂ == m·G + r·X   with   r = R.x mod n
//
// Whoever learns t completes it into an ordinary DER ECDSA signature
// (r, s'·t⁻¹) whose effective nonce point is R, so it verifies under the
// consensus OP_CHECKSIG/OP_CHECKMULTISIG rules.
type AdaptorSig struct {
	RHat   [33]byte `json:"r_hat"`   // k·G
	R      [33]byte `json:"r"`       // k·T, the completed signature's nonce point
	SPrime [32]byte `json:"s_prime"` // k⁻¹(m + r·x)
	DleqC  [32]byte `json:"dleq_c"`  // DLEQ challenge
	DleqZ  [32]byte `json:"dleq_z"`  // DLEQ response
}

// AdaptorSigSize is the serialized size: R̂ || R || s' || c || z.
const AdaptorSigSize = 33 + 33 + 32 + 32 + 32

var ErrAdaptorRelation = errors.New("adaptor relation does not hold")

// Serialize returns R̂ || R || s' || c || z.
func (a *AdaptorSig) Serialize() []byte {
	out := make([]byte, 0, AdaptorSigSize)
	out = append(out, a.RHat[:]...)
	out = append(out, a.R[:]...)
	out = append(out, a.SPrime[:]...)
	out = append(out, a.DleqC[:]...)
	out = append(out, a.DleqZ[:]...)
	return out
}

// ParseAdaptorSig parses R̂ || R || s' || c || z, rejecting off-curve
// points and non-canonical scalars.
func ParseAdaptorSig(raw []byte) (*AdaptorSig, error) {
	if len(raw) != AdaptorSigSize {
		return nil, fmt.Errorf("adaptor signature is %d bytes, want %d", len(raw), AdaptorSigSize)
	}
	if _, err := secp256k1.ParsePubKey(raw[:33]); err != nil {
		return nil, fmt.Errorf("parse adaptor nonce commitment: %w", err)
	}
	if _, err := secp256k1.ParsePubKey(raw[33:66]); err != nil {
		return nil, fmt.Errorf("parse adapted nonce point: %w", err)
	}
	var a AdaptorSig
	copy(a.RHat[:], raw[:33])
	copy(a.R[:], raw[33:66])
	copy(a.SPrime[:], raw[66:98])
	copy(a.DleqC[:], raw[98:130])
	copy(a.DleqZ[:], raw[130:162])
	var check secp256k1.ModNScalar
	if overflow := check.SetByteSlice(a.SPrime[:]); overflow || check.IsZero() {
		return nil, errors.New("adaptor s' out of range")
	}
	if overflow := check.SetByteSlice(a.DleqZ[:]); overflow {
		return nil, errors.New("adaptor proof response out of range")
	}
	return &a, nil
}

// Nonce domain-separation tags mixed into RFC6979 so the signing nonce
// and the proof nonce never collide with each other or with plain
// signature nonces over the same digest.
var (
	adaptorNonceTag = blake256.Sum256([]byte("gun/adaptor-nonce/v0"))
	dleqNonceTag    = blake256.Sum256([]byte("gun/adaptor-dleq-nonce/v0"))
)

// dleqChallenge hashes the full DLEQ transcript to a scalar.
func dleqChallenge(T, RHat, R, a1, a2 *secp256k1.PublicKey, m []byte) secp256k1.ModNScalar {
	h := blake256.New()
	h.Write([]byte("gun/adaptor-dleq/v0"))
	h.Write(T.SerializeCompressed())
	h.Write(RHat.SerializeCompressed())
	h.Write(R.SerializeCompressed())
	h.Write(a1.SerializeCompressed())
	h.Write(a2.SerializeCompressed())
	h.Write(m)
	var c secp256k1.ModNScalar
	c.SetByteSlice(h.Sum(nil))
	return c
}

// baseMult returns k·G as an affine public key.
func baseMult(k *secp256k1.ModNScalar) (*secp256k1.PublicKey, error) {
	var j secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(k, &j)
	if j.Z.IsZero() {
		return nil, errors.New("scalar is zero")
	}
	j.ToAffine()
	return secp256k1.NewPublicKey(&j.X, &j.Y), nil
}

// scalarMult returns k·P as an affine public key.
func scalarMult(k *secp256k1.ModNScalar, P *secp256k1.PublicKey) (*secp256k1.PublicKey, error) {
	var pj, out secp256k1.JacobianPoint
	P.AsJacobian(&pj)
	secp256k1.ScalarMultNonConst(k, &pj, &out)
	if out.Z.IsZero() {
		return nil, errors.New("product is point at infinity")
	}
	out.ToAffine()
	return secp256k1.NewPublicKey(&out.X, &out.Y), nil
}

// subPoints returns A−B, failing on the point at infinity.
func subPoints(A, B *secp256k1.PublicKey) (*secp256k1.PublicKey, error) {
	var aj, bj, diff secp256k1.JacobianPoint
	A.AsJacobian(&aj)
	B.AsJacobian(&bj)
	bj.Y.Negate(1)
	bj.Y.Normalize()
	secp256k1.AddNonConst(&aj, &bj, &diff)
	if diff.Z.IsZero() {
		return nil, errors.New("difference is point at infinity")
	}
	diff.ToAffine()
	return secp256k1.NewPublicKey(&diff.X, &diff.Y), nil
}

// nonceR computes r = R.x mod n.
func nonceR(R *secp256k1.PublicKey) secp256k1.ModNScalar {
	var rj secp256k1.JacobianPoint
	R.AsJacobian(&rj)
	rj.ToAffine()
	xb := rj.X.Bytes()
	var r secp256k1.ModNScalar
	r.SetByteSlice(xb[:])
	return r
}

// SignAdaptor produces a presignature under priv for digest m bound to
// adaptor point T. Nonces are deterministic (RFC6979) with retry until
// every component is in range.
func SignAdaptor(priv *secp256k1.PrivateKey, m []byte, T *secp256k1.PublicKey) (*AdaptorSig, error) {
	if len(m) != 32 {
		return nil, fmt.Errorf("digest is %d bytes, want 32", len(m))
	}
	privBytes := priv.Serialize()
	signExtra := blake256.Sum256(append(adaptorNonceTag[:], T.SerializeCompressed()...))

	for iter := uint32(0); ; iter++ {
		k := secp256k1.NonceRFC6979(privBytes, m, signExtra[:], nil, iter)
		if k == nil || k.IsZero() {
			continue
		}
		RHat, err := baseMult(k)
		if err != nil {
			continue
		}
		R, err := scalarMult(k, T)
		if err != nil {
			continue
		}
		r := nonceR(R)
		if r.IsZero() {
			continue
		}

		// s' = k⁻¹(m + r·x)
		var mScalar, rx, sum, kInv, sPrime secp256k1.ModNScalar
		mScalar.SetByteSlice(m)
		rx.Set(&r)
		rx.Mul(&priv.Key)
		sum.Set(&mScalar)
		sum.Add(&rx)
		kInv.InverseValNonConst(k)
		sPrime.Set(&sum)
		sPrime.Mul(&kInv)
		if sPrime.IsZero() {
			continue
		}

		// DLEQ proof that R̂ and R share the nonce: a1 = u·G, a2 = u·T,
		// c = H(transcript), z = u + c·k.
		proofExtra := blake256.Sum256(append(dleqNonceTag[:], RHat.SerializeCompressed()...))
		u := secp256k1.NonceRFC6979(privBytes, m, proofExtra[:], nil, iter)
		if u == nil || u.IsZero() {
			continue
		}
		a1, err := baseMult(u)
		if err != nil {
			continue
		}
		a2, err := scalarMult(u, T)
		if err != nil {
			continue
		}
		c := dleqChallenge(T, RHat, R, a1, a2, m)
		var z secp256k1.ModNScalar
		z.Set(&c)
		z.Mul(k)
		z.Add(u)

		var sig AdaptorSig
		copy(sig.RHat[:], RHat.SerializeCompressed())
		copy(sig.R[:], R.SerializeCompressed())
		sb := sPrime.Bytes()
		copy(sig.SPrime[:], sb[:])
		cb := c.Bytes()
		copy(sig.DleqC[:], cb[:])
		zb := z.Bytes()
		copy(sig.DleqZ[:], zb[:])
		return &sig, nil
	}
}

// Verify checks the presignature without knowing the adaptor secret: the
// DLEQ proof ties R to R̂, and s'·R̂ == m·G + r·X ties s' to the digest
// and key. A bet must never be accepted before this passes for the
// counterparty's presignature.
func (a *AdaptorSig) Verify(X *secp256k1.PublicKey, m []byte, T *secp256k1.PublicKey) error {
	if len(m) != 32 {
		return fmt.Errorf("digest is %d bytes, want 32", len(m))
	}
	RHat, err := secp256k1.ParsePubKey(a.RHat[:])
	if err != nil {
		return fmt.Errorf("parse nonce commitment: %w", err)
	}
	R, err := secp256k1.ParsePubKey(a.R[:])
	if err != nil {
		return fmt.Errorf("parse adapted nonce point: %w", err)
	}
	var sPrime, c, z secp256k1.ModNScalar
	if overflow := sPrime.SetByteSlice(a.SPrime[:]); overflow || sPrime.IsZero() {
		return ErrAdaptorRelation
	}
	if overflow := c.SetByteSlice(a.DleqC[:]); overflow {
		return ErrAdaptorRelation
	}
	if overflow := z.SetByteSlice(a.DleqZ[:]); overflow {
		return ErrAdaptorRelation
	}
	r := nonceR(R)
	if r.IsZero() {
		return ErrAdaptorRelation
	}

	// Recover the DLEQ commitments: a1 = z·G − c·R̂, a2 = z·T − c·R.
	zG, err := baseMult(&z)
	if err != nil {
		return ErrAdaptorRelation
	}
	cRHat, err := scalarMult(&c, RHat)
	if err != nil {
		return ErrAdaptorRelation
	}
	a1, err := subPoints(zG, cRHat)
	if err != nil {
		return ErrAdaptorRelation
	}
	zT, err := scalarMult(&z, T)
	if err != nil {
		return ErrAdaptorRelation
	}
	cR, err := scalarMult(&c, R)
	if err != nil {
		return ErrAdaptorRelation
	}
	a2, err := subPoints(zT, cR)
	if err != nil {
		return ErrAdaptorRelation
	}
	expected := dleqChallenge(T, RHat, R, a1, a2, m)
	if !expected.Equals(&c) {
		return ErrAdaptorRelation
	}

	// s'·R̂ == m·G + r·X
	lhs, err := scalarMult(&sPrime, RHat)
	if err != nil {
		return ErrAdaptorRelation
	}
	var mScalar secp256k1.ModNScalar
	mScalar.SetByteSlice(m)
	mG, err := baseMult(&mScalar)
	if err != nil {
		return ErrAdaptorRelation
	}
	rX, err := scalarMult(&r, X)
	if err != nil {
		return ErrAdaptorRelation
	}
	rhs, err := addPoints(mG, rX)
	if err != nil {
		return ErrAdaptorRelation
	}
	if !lhs.IsEqual(rhs) {
		return ErrAdaptorRelation
	}
	return nil
}

// Complete finishes the presignature with the adaptor secret t (the
// oracle's attestation scalar): s = s'·t⁻¹ with low-S normalization. The
// result is a DER ECDSA signature (no sighash byte), verified against X
// and m before being handed back.
func (a *AdaptorSig) Complete(t [32]byte, X *secp256k1.PublicKey, m []byte) ([]byte, error) {
	var tScalar secp256k1.ModNScalar
	if overflow := tScalar.SetByteSlice(t[:]); overflow || tScalar.IsZero() {
		return nil, errors.New("adaptor secret out of range")
	}
	var sPrime secp256k1.ModNScalar
	if overflow := sPrime.SetByteSlice(a.SPrime[:]); overflow || sPrime.IsZero() {
		return nil, errors.New("adaptor s' out of range")
	}
	R, err := secp256k1.ParsePubKey(a.R[:])
	if err != nil {
		return nil, fmt.Errorf("parse adapted nonce point: %w", err)
	}

	var tInv, s secp256k1.ModNScalar
	tInv.InverseValNonConst(&tScalar)
	s.Set(&sPrime)
	s.Mul(&tInv)
	if s.IsZero() {
		return nil, errors.New("completed s is zero")
	}
	if s.IsOverHalfOrder() {
		s.Negate()
	}
	r := nonceR(R)

	sig := ecdsa.NewSignature(&r, &s)
	if !sig.Verify(m, X) {
		return nil, errors.New("completed signature does not verify; wrong adaptor secret")
	}
	return sig.Serialize(), nil
}

// SignDigest produces an ordinary DER ECDSA signature over m. The winner
// uses it for their own half of the claim witness.
func SignDigest(priv *secp256k1.PrivateKey, m []byte) ([]byte, error) {
	if len(m) != 32 {
		return nil, fmt.Errorf("digest is %d bytes, want 32", len(m))
	}
	return ecdsa.Sign(priv, m).Serialize(), nil
}

// VerifyDigest checks a DER ECDSA signature over m under pub.
func VerifyDigest(sigBytes []byte, m []byte, pub *secp256k1.PublicKey) bool {
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}
	return sig.Verify(m, pub)
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
