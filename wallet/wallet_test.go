package wallet

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWallet(t *testing.T) (*Wallet, *MemBackend) {
	t.Helper()
	seed := make([]byte, 64)
	seed[0] = 42
	keychain, err := NewKeychain(seed, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	backend := NewMemBackend()
	w, err := New(t.TempDir(), keychain, backend, nil, slog.Disabled)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, backend
}

// fund gives the wallet n fresh confirmed coins of the given value.
func fund(t *testing.T, w *Wallet, backend *MemBackend, n int, value int64) {
	t.Helper()
	for i := 0; i < n; i++ {
		script, err := w.NextPayoutScript()
		require.NoError(t, err)
		backend.AddCoin(script, value)
	}
}

func TestBalanceAndFunding(t *testing.T) {
	w, backend := testWallet(t)
	fund(t, w, backend, 3, 50_000)

	bal, err := w.Balance(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 150_000, bal.Confirmed)
	assert.Zero(t, bal.Unconfirmed)
	assert.Zero(t, bal.Reserved)
}

func TestReserveInputsExclusive(t *testing.T) {
	w, backend := testWallet(t)
	fund(t, w, backend, 2, 30_000)
	ctx := context.Background()

	in1, _, err := w.ReserveInputs(ctx, 25_000, 1)
	require.NoError(t, err)
	require.Len(t, in1, 1)

	in2, _, err := w.ReserveInputs(ctx, 25_000, 1)
	require.NoError(t, err)
	require.Len(t, in2, 1)
	assert.NotEqual(t, in1[0].OutPoint, in2[0].OutPoint)

	// Everything is reserved now.
	_, _, err = w.ReserveInputs(ctx, 25_000, 1)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Releasing makes the coin selectable again.
	w.ReleaseInputs(outpoints(in1))
	_, _, err = w.ReserveInputs(ctx, 25_000, 1)
	assert.NoError(t, err)
}

func TestReserveReturnsChange(t *testing.T) {
	w, backend := testWallet(t)
	fund(t, w, backend, 1, 100_000)

	inputs, change, err := w.ReserveInputs(context.Background(), 40_000, 2)
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	require.NotNil(t, change)
	assert.Greater(t, change.Value, int64(0))
	assert.Less(t, change.Value, int64(60_000))
}

func TestSendConfirms(t *testing.T) {
	w, backend := testWallet(t)
	fund(t, w, backend, 2, 60_000)
	ctx := context.Background()

	addr, err := w.NewAddress()
	require.NoError(t, err)
	txid, err := w.Send(ctx, 50_000, addr, 1)
	require.NoError(t, err)

	info, err := w.Tx(ctx, txid)
	require.NoError(t, err)
	assert.Zero(t, info.Confirmations)

	backend.Mine()
	info, err = w.Tx(ctx, txid)
	require.NoError(t, err)
	assert.EqualValues(t, 1, info.Confirmations)

	// The payment output pays our own new address, so the balance only
	// drops by the fee.
	bal, err := w.Balance(ctx)
	require.NoError(t, err)
	assert.Less(t, bal.Confirmed, int64(120_000))
	assert.Greater(t, bal.Confirmed, int64(119_000))
}

func TestSplit(t *testing.T) {
	w, backend := testWallet(t)
	fund(t, w, backend, 1, 100_000)
	ctx := context.Background()

	txid, err := w.Split(ctx, 4, 1)
	require.NoError(t, err)
	info, err := w.Tx(ctx, txid)
	require.NoError(t, err)
	assert.Len(t, info.Tx.TxOut, 4)

	backend.Mine()
	bal, err := w.Balance(ctx)
	require.NoError(t, err)
	assert.Greater(t, bal.Confirmed, int64(99_000))
}

func TestSpendOutpointsDoubleSpends(t *testing.T) {
	w, backend := testWallet(t)
	fund(t, w, backend, 1, 80_000)
	ctx := context.Background()

	inputs, _, err := w.ReserveInputs(ctx, 70_000, 1)
	require.NoError(t, err)

	txid, err := w.SpendOutpoints(ctx, outpoints(inputs), 1)
	require.NoError(t, err)

	spend, err := backend.Spender(ctx, inputs[0].OutPoint)
	require.NoError(t, err)
	require.NotNil(t, spend)
	assert.Equal(t, txid, spend.Txid)
}
