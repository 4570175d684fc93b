package betting

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOffer(t *testing.T, offerer *KeyPair, numInputs int, withChange bool) *Offer {
	t.Helper()
	signer := testKey(t)
	_, T := adaptorSecret(t)
	presig, err := SignAdaptor(signer, make([]byte, 32), T)
	require.NoError(t, err)

	inputs := make([]SignedInput, numInputs)
	for i := range inputs {
		var h chainhash.Hash
		h[0] = byte(i + 1)
		inputs[i] = SignedInput{
			Input: Input{OutPoint: wire.OutPoint{Hash: h, Index: uint32(i)}, Value: 5_000_000},
			Witness: [][]byte{
				append(make([]byte, 71), 0x01), // DER signature + sighash flag
				signer.PubKey().SerializeCompressed(),
			},
		}
	}
	o := &Offer{
		PublicKey:    offerer.PubBytes(),
		OutcomeIndex: 1,
		Value:        10_000,
		FeeRate:      2,
		Inputs:       inputs,
		AdaptorSig:   presig,
	}
	if withChange {
		o.Change = &Change{Value: 4_980_000, Script: append([]byte{0x00, 0x14}, make([]byte, 20)...)}
	}
	return o
}

func sealKeys(t *testing.T) (proposer *KeyPair, offerer *KeyPair) {
	t.Helper()
	seed := make([]byte, 64)
	seed[0] = 7
	p, err := ProposalKeyPair(seed, "h00.ooo/coin", 10_000, 0)
	require.NoError(t, err)
	q, err := OfferKeyPair(seed, "h00.ooo/coin", 10_000, 0)
	require.NoError(t, err)
	return p, q
}

func TestOfferSealOpenRoundTrip(t *testing.T) {
	p, q := sealKeys(t)
	const envelope = "📣0.0001#h00.ooo#/coin#payload"

	for _, withChange := range []bool{false, true} {
		offer := testOffer(t, q, 3, withChange)

		blob, err := offer.Seal(q.Priv, p.Pub, envelope)
		require.NoError(t, err)

		got, err := OpenOffer(blob, p.Priv, envelope)
		require.NoError(t, err)
		assert.Equal(t, offer, got, "withChange=%v", withChange)
	}
}

func TestOfferLengthUniform(t *testing.T) {
	// Every offer must encode to the same number of characters no matter
	// how many inputs it carries or whether change is present.
	p, q := sealKeys(t)
	const envelope = "📣0.0001#h00.ooo#/coin#payload"

	var want int
	for numInputs := 1; numInputs <= MaxOfferInputs; numInputs++ {
		for _, withChange := range []bool{false, true} {
			offer := testOffer(t, q, numInputs, withChange)
			blob, err := offer.Seal(q.Priv, p.Pub, envelope)
			require.NoError(t, err)
			n := len([]rune(blob))
			if want == 0 {
				want = n
			}
			assert.Equal(t, want, n, "inputs=%d change=%v", numInputs, withChange)
		}
	}
}

func TestOfferRejectsWrongProposal(t *testing.T) {
	p, q := sealKeys(t)
	offer := testOffer(t, q, 2, true)

	blob, err := offer.Seal(q.Priv, p.Pub, "📣0.0001#h00.ooo#/coin#payload")
	require.NoError(t, err)

	_, err = OpenOffer(blob, p.Priv, "📣0.0002#h00.ooo#/coin#payload")
	assert.Error(t, err)
}

func TestOfferRejectsWrongRecipient(t *testing.T) {
	p, q := sealKeys(t)
	eavesdropper := testKey(t)
	offer := testOffer(t, q, 1, false)
	const envelope = "📣0.0001#h00.ooo#/coin#payload"

	blob, err := offer.Seal(q.Priv, p.Pub, envelope)
	require.NoError(t, err)

	_, err = OpenOffer(blob, eavesdropper, envelope)
	assert.Error(t, err)
}

func TestOfferTooManyInputs(t *testing.T) {
	p, q := sealKeys(t)
	offer := testOffer(t, q, MaxOfferInputs, true)
	offer.Inputs = append(offer.Inputs, offer.Inputs[0])

	_, err := offer.Seal(q.Priv, p.Pub, "envelope")
	assert.Error(t, err)
}
