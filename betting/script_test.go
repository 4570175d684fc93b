package betting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTweakedClaimKey(t *testing.T) {
	// The offerer claim path: key Q + A_q is only signable once the
	// attestation scalar s_q is known, and then the combined secret must
	// produce signatures valid under the tweaked key.
	offerer := testKey(t)
	scalar, attestPoint := adaptorSecret(t)

	claimKey, err := TweakPubKey(offerer.PubKey(), attestPoint)
	require.NoError(t, err)

	combined, err := TweakPrivKey(offerer, scalar, claimKey)
	require.NoError(t, err)

	m := make([]byte, 32)
	m[0] = 0x42
	sig, err := SignDigest(combined, m)
	require.NoError(t, err)
	assert.True(t, VerifyDigest(sig, m, claimKey))

	// The untweaked key does not validate against the claim key.
	plain, err := SignDigest(offerer, m)
	require.NoError(t, err)
	assert.False(t, VerifyDigest(plain, m, claimKey))
}

func TestTweakPrivKeyRejectsWrongScalar(t *testing.T) {
	offerer := testKey(t)
	scalar, attestPoint := adaptorSecret(t)
	claimKey, err := TweakPubKey(offerer.PubKey(), attestPoint)
	require.NoError(t, err)

	wrong := scalar
	wrong[31] ^= 0x01
	_, err = TweakPrivKey(offerer, wrong, claimKey)
	assert.Error(t, err)
}

func TestBetScriptDiffersPerBet(t *testing.T) {
	p1, p2 := testKey(t), testKey(t)
	q := testKey(t)
	_, a := adaptorSecret(t)
	claimKey, err := TweakPubKey(q.PubKey(), a)
	require.NoError(t, err)

	s1, err := BetScript(p1.PubKey().SerializeCompressed(), q.PubKey().SerializeCompressed(), claimKey.SerializeCompressed())
	require.NoError(t, err)
	s2, err := BetScript(p2.PubKey().SerializeCompressed(), q.PubKey().SerializeCompressed(), claimKey.SerializeCompressed())
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)

	pk1, err := BetPkScript(s1)
	require.NoError(t, err)
	assert.Len(t, pk1, 34)
	assert.EqualValues(t, 0x00, pk1[0])
}

func TestClaimWitnessShapes(t *testing.T) {
	script := []byte{0x51}
	sigP := make([]byte, 72)
	sigQ := make([]byte, 72)

	w := ProposerClaimWitness(sigP, sigQ, script)
	require.Len(t, w, 5)
	assert.Empty(t, w[0])
	assert.Equal(t, []byte{0x01}, w[3])
	assert.Equal(t, script, w[4])

	w = OffererClaimWitness(sigP, script)
	require.Len(t, w, 3)
	assert.Empty(t, w[1])
	assert.Equal(t, script, w[2])
}
