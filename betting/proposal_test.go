package betting

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProposal(t *testing.T) *Proposal {
	t.Helper()
	key := testKey(t)
	var h1, h2 chainhash.Hash
	h1[0], h2[0] = 1, 2
	return &Proposal{
		OracleID:  "h00.ooo",
		EventPath: "/random/2026-09-25T08:00:00/heads_tails",
		Value:     10_000_000,
		PublicKey: key.PubKey().SerializeCompressed(),
		Inputs: []Input{
			{OutPoint: wire.OutPoint{Hash: h1, Index: 0}, Value: 8_000_000},
			{OutPoint: wire.OutPoint{Hash: h2, Index: 1}, Value: 4_000_000},
		},
		PayoutScript: append([]byte{0x00, 0x14, 0x9A}, make([]byte, 19)...),
	}
}

func TestProposalRoundTrip(t *testing.T) {
	p := testProposal(t)

	env, err := p.Encode()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(env, "📣0.1#h00.ooo#/random/"), env)

	decoded, err := ParseProposal(env)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)

	// With change present.
	p.Change = &Change{Value: 1_500_000, Script: append([]byte{0x00, 0x14}, make([]byte, 20)...)}
	env, err = p.Encode()
	require.NoError(t, err)
	decoded, err = ParseProposal(env)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestProposalParseWithoutMegaphone(t *testing.T) {
	p := testProposal(t)
	env, err := p.Encode()
	require.NoError(t, err)

	decoded, err := ParseProposal(strings.TrimPrefix(env, "📣"))
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestProposalValueFormatting(t *testing.T) {
	for sats, want := range map[int64]string{
		10_000_000:    "0.1",
		1_000_000:     "0.01",
		100_000_000:   "1",
		123_456_789:   "1.23456789",
		10_000:        "0.0001",
		1_050_000_000: "10.5",
	} {
		assert.Equal(t, want, formatValue(sats), "sats=%d", sats)
		got, err := parseValue(want)
		require.NoError(t, err)
		assert.Equal(t, sats, got, "value=%s", want)
	}
}

func TestProposalRejectsMalformed(t *testing.T) {
	p := testProposal(t)
	env, err := p.Encode()
	require.NoError(t, err)

	cases := map[string]string{
		"missing segment":  "📣0.1#h00.ooo#/event",
		"bad amount":       strings.Replace(env, "0.1#", "ten#", 1),
		"bad path":         strings.Replace(env, "#/random/", "#random/", 1),
		"payload garbage":  env[:len(env)-len("xxxx")] + "xxxx",
		"empty oracle":     strings.Replace(env, "#h00.ooo#", "##", 1),
		"slash in oracle":  strings.Replace(env, "#h00.ooo#", "#h00/ooo#", 1),
		"negative amount":  strings.Replace(env, "📣0.1#", "📣-0.1#", 1),
	}
	for name, s := range cases {
		_, err := ParseProposal(s)
		assert.Error(t, err, name)
	}
}

func TestFingerprintBindsEnvelope(t *testing.T) {
	p := testProposal(t)
	env, err := p.Encode()
	require.NoError(t, err)

	p.Value += 1_000_000
	env2, err := p.Encode()
	require.NoError(t, err)

	assert.NotEqual(t, Fingerprint(env), Fingerprint(env2))
}
