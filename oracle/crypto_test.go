package oracle

import (
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testOracle is a deterministic in-process oracle.
type testOracle struct {
	info         *Info
	announcePriv *secp256k1.PrivateKey
	attestPriv   *secp256k1.PrivateKey
	noncePriv    *secp256k1.PrivateKey
}

func newTestOracle(t *testing.T, id string) *testOracle {
	t.Helper()
	announcePriv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	attestPriv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	noncePriv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	return &testOracle{
		info: &Info{
			ID:              id,
			AnnouncementKey: NewB33(announcePriv.PubKey().SerializeCompressed()),
			AttestationKey:  NewB33(attestPriv.PubKey().SerializeCompressed()),
			CurveID:         CurveID,
		},
		announcePriv: announcePriv,
		attestPriv:   attestPriv,
		noncePriv:    noncePriv,
	}
}

func (o *testOracle) event(path string, outcomes []string) *Event {
	return &Event{
		OracleID:    o.info.ID,
		Path:        path,
		OutcomeTime: time.Now().Add(24 * time.Hour),
		Outcomes:    outcomes,
		Nonce:       NewB33(o.noncePriv.PubKey().SerializeCompressed()),
	}
}

func TestAttestationRoundTrip(t *testing.T) {
	o := newTestOracle(t, "h00.ooo")
	ev := o.event("/random/2026-01-01/coin", []string{"heads", "tails"})

	scalar := Attest(o.noncePriv, o.attestPriv, ev, "heads")
	att := &Attestation{EventID: ev.ID(), Outcome: "heads", Scalar: scalar}
	assert.True(t, VerifyAttestation(o.info, ev, att))

	// The scalar for one outcome must not verify as another.
	att.Outcome = "tails"
	assert.False(t, VerifyAttestation(o.info, ev, att))

	// A scalar off by one must fail.
	bad := att
	bad.Outcome = "heads"
	bad.Scalar[31] ^= 0x01
	assert.False(t, VerifyAttestation(o.info, ev, bad))
}

func TestAttestationScalarMatchesAnticipatedPoint(t *testing.T) {
	// The winner sweeps the bet by completing an adaptor signature with the
	// attestation scalar, so the scalar must be the discrete log of the
	// anticipated attestation point exactly.
	o := newTestOracle(t, "h00.ooo")
	ev := o.event("/random/2026-01-01/coin", []string{"heads", "tails"})

	for _, outcome := range ev.Outcomes {
		point, err := AttestationPoint(o.info, ev, outcome)
		require.NoError(t, err)
		scalar := Attest(o.noncePriv, o.attestPriv, ev, outcome)
		got := secp256k1.PrivKeyFromBytes(scalar[:]).PubKey()
		assert.True(t, got.IsEqual(point), "outcome %q", outcome)
	}
}

func TestAnnouncementSignature(t *testing.T) {
	o := newTestOracle(t, "h00.ooo")
	ev := o.event("/EPL/2026-05-01/ARS_CHE", []string{"ARS_win", "CHE_win"})

	sig, err := SignAnnouncement(o.announcePriv, ev)
	require.NoError(t, err)
	require.NoError(t, VerifyAnnouncement(o.info, ev, sig))

	// Tampered outcome set must not verify.
	ev.Outcomes[1] = "draw"
	assert.Error(t, VerifyAnnouncement(o.info, ev, sig))
}

func TestVerifyAttestationRejectsForeignEvent(t *testing.T) {
	o := newTestOracle(t, "h00.ooo")
	ev := o.event("/random/2026-01-01/coin", []string{"heads", "tails"})
	scalar := Attest(o.noncePriv, o.attestPriv, ev, "heads")

	att := &Attestation{EventID: "otherhost.example/random/2026-01-01/coin", Outcome: "heads", Scalar: scalar}
	assert.False(t, VerifyAttestation(o.info, ev, att))

	att = &Attestation{EventID: ev.ID(), Outcome: "sideways", Scalar: scalar}
	assert.False(t, VerifyAttestation(o.info, ev, att))
}
