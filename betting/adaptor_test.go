package betting

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *secp256k1.PrivateKey {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	return priv
}

// adaptorSecret returns (t, T) with T = t·G, standing in for an oracle
// attestation scalar and its anticipated point.
func adaptorSecret(t *testing.T) ([32]byte, *secp256k1.PublicKey) {
	t.Helper()
	priv := testKey(t)
	var out [32]byte
	copy(out[:], priv.Serialize())
	return out, priv.PubKey()
}

func testClaimContext(t *testing.T) (tx *wire.MsgTx, m []byte, script []byte) {
	t.Helper()
	proposer := testKey(t)
	offerer := testKey(t)
	claimKey, err := TweakPubKey(offerer.PubKey(), testKey(t).PubKey())
	require.NoError(t, err)
	script, err = BetScript(proposer.PubKey().SerializeCompressed(),
		offerer.PubKey().SerializeCompressed(), claimKey.SerializeCompressed())
	require.NoError(t, err)

	var h chainhash.Hash
	h[0] = 0xAB
	tx, err = BuildClaimTx(wire.OutPoint{Hash: h, Index: 0}, 20_000, make([]byte, 22), 1)
	require.NoError(t, err)

	m, err = ClaimSigHash(tx, script, 20_000)
	require.NoError(t, err)
	return tx, m, script
}

func TestAdaptorSignCompleteVerify(t *testing.T) {
	_, m, _ := testClaimContext(t)

	signer := testKey(t)
	secret, T := adaptorSecret(t)

	presig, err := SignAdaptor(signer, m, T)
	require.NoError(t, err)
	require.NoError(t, presig.Verify(signer.PubKey(), m, T))

	sig, err := presig.Complete(secret, signer.PubKey(), m)
	require.NoError(t, err)

	// The completed signature is ordinary DER ECDSA under the signer key.
	parsed, err := ecdsa.ParseDERSignature(sig)
	require.NoError(t, err)
	assert.True(t, parsed.Verify(m, signer.PubKey()))
	assert.True(t, VerifyDigest(sig, m, signer.PubKey()))
}

func TestAdaptorPresigIsNotASignature(t *testing.T) {
	// Before completion the presignature must not verify as a signature:
	// holding it proves nothing without the attestation scalar.
	_, m, _ := testClaimContext(t)
	signer := testKey(t)
	_, T := adaptorSecret(t)

	presig, err := SignAdaptor(signer, m, T)
	require.NoError(t, err)

	R, err := secp256k1.ParsePubKey(presig.R[:])
	require.NoError(t, err)
	r := nonceR(R)
	var sPrime secp256k1.ModNScalar
	sPrime.SetByteSlice(presig.SPrime[:])
	assert.False(t, ecdsa.NewSignature(&r, &sPrime).Verify(m, signer.PubKey()))
}

func TestAdaptorCompleteWithWrongSecretFails(t *testing.T) {
	_, m, _ := testClaimContext(t)
	signer := testKey(t)
	secret, T := adaptorSecret(t)

	presig, err := SignAdaptor(signer, m, T)
	require.NoError(t, err)

	wrong := secret
	wrong[31] ^= 0x01
	_, err = presig.Complete(wrong, signer.PubKey(), m)
	assert.Error(t, err)
}

func TestAdaptorVerifyRejectsWrongBinding(t *testing.T) {
	_, m, _ := testClaimContext(t)
	signer := testKey(t)
	other := testKey(t)
	_, T := adaptorSecret(t)
	_, T2 := adaptorSecret(t)

	presig, err := SignAdaptor(signer, m, T)
	require.NoError(t, err)

	// Wrong key.
	assert.ErrorIs(t, presig.Verify(other.PubKey(), m, T), ErrAdaptorRelation)
	// Wrong adaptor point.
	assert.ErrorIs(t, presig.Verify(signer.PubKey(), m, T2), ErrAdaptorRelation)
	// Wrong digest.
	m2 := append([]byte(nil), m...)
	m2[0] ^= 0xFF
	assert.ErrorIs(t, presig.Verify(signer.PubKey(), m2, T), ErrAdaptorRelation)
}

func TestAdaptorVerifyRejectsForgedNoncePair(t *testing.T) {
	// A presignature whose adapted nonce point is not k·T would verify the
	// ECDSA relation but complete into garbage; the DLEQ proof must refuse
	// it.
	_, m, _ := testClaimContext(t)
	signer := testKey(t)
	_, T := adaptorSecret(t)

	presig, err := SignAdaptor(signer, m, T)
	require.NoError(t, err)
	forged := *presig
	copy(forged.R[:], testKey(t).PubKey().SerializeCompressed())
	assert.ErrorIs(t, forged.Verify(signer.PubKey(), m, T), ErrAdaptorRelation)
}

func TestAdaptorVerifyRejectsMutatedClaim(t *testing.T) {
	// The presignature binds to the exact claim transaction. Changing the
	// payout by one satoshi changes the sighash and must break it.
	tx, m, script := testClaimContext(t)
	signer := testKey(t)
	_, T := adaptorSecret(t)

	presig, err := SignAdaptor(signer, m, T)
	require.NoError(t, err)
	require.NoError(t, presig.Verify(signer.PubKey(), m, T))

	tx.TxOut[0].Value--
	m2, err := ClaimSigHash(tx, script, 20_000)
	require.NoError(t, err)
	require.NotEqual(t, m, m2)
	assert.ErrorIs(t, presig.Verify(signer.PubKey(), m2, T), ErrAdaptorRelation)
}

func TestAdaptorSigSerializeRoundTrip(t *testing.T) {
	_, m, _ := testClaimContext(t)
	signer := testKey(t)
	_, T := adaptorSecret(t)

	presig, err := SignAdaptor(signer, m, T)
	require.NoError(t, err)

	raw := presig.Serialize()
	require.Len(t, raw, AdaptorSigSize)
	parsed, err := ParseAdaptorSig(raw)
	require.NoError(t, err)
	assert.Equal(t, presig, parsed)
}
