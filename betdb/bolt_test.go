package betdb

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoUpNumber/gun/betting"
	"github.com/GoUpNumber/gun/oracle"
)

func testBet(outpointByte byte) *betting.Bet {
	var h chainhash.Hash
	h[0] = outpointByte
	return &betting.Bet{
		Role:          betting.RoleProposer,
		State:         betting.StateProposing,
		OracleID:      "h00.ooo",
		ChosenOutcome: "heads",
		MyValue:       10_000,
		ReservedUTXOs: []wire.OutPoint{{Hash: h, Index: 0}},
	}
}

func openTestDB(t *testing.T) (*BoltDB, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := NewBoltDB(dir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, dir
}

func TestInsertGetList(t *testing.T) {
	db, _ := openTestDB(t)

	id1, err := db.InsertBet(testBet(1))
	require.NoError(t, err)
	id2, err := db.InsertBet(testBet(2))
	require.NoError(t, err)
	assert.Equal(t, betting.BetID(1), id1)
	assert.Equal(t, betting.BetID(2), id2)

	bet, err := db.GetBet(id1)
	require.NoError(t, err)
	assert.Equal(t, betting.StateProposing, bet.State)

	bets, err := db.ListBets()
	require.NoError(t, err)
	assert.Len(t, bets, 2)

	_, err = db.GetBet(99)
	assert.ErrorIs(t, err, ErrBetNotFound)
}

func TestUpdateEnforcesTransitions(t *testing.T) {
	db, _ := openTestDB(t)
	id, err := db.InsertBet(testBet(1))
	require.NoError(t, err)

	// proposing -> unconfirmed is legal.
	require.NoError(t, db.UpdateBet(id, func(b *betting.Bet) error {
		b.State = betting.StateUnconfirmed
		return nil
	}))

	// unconfirmed -> won skips confirmed and must be refused.
	err = db.UpdateBet(id, func(b *betting.Bet) error {
		b.State = betting.StateWon
		return nil
	})
	assert.ErrorIs(t, err, ErrBadTransition)

	bet, err := db.GetBet(id)
	require.NoError(t, err)
	assert.Equal(t, betting.StateUnconfirmed, bet.State)
}

func TestReservedOutpoints(t *testing.T) {
	db, _ := openTestDB(t)
	id1, err := db.InsertBet(testBet(1))
	require.NoError(t, err)
	id2, err := db.InsertBet(testBet(2))
	require.NoError(t, err)

	reserved, err := db.ReservedOutpoints()
	require.NoError(t, err)
	assert.Len(t, reserved, 2)

	// Terminal bets release their claim.
	require.NoError(t, db.UpdateBet(id1, func(b *betting.Bet) error {
		b.State = betting.StateCancelled
		return nil
	}))
	reserved, err = db.ReservedOutpoints()
	require.NoError(t, err)
	assert.Len(t, reserved, 1)
	var h chainhash.Hash
	h[0] = 2
	assert.Equal(t, id2, reserved[wire.OutPoint{Hash: h, Index: 0}])
}

func TestWALReplayAfterCrash(t *testing.T) {
	db, dir := openTestDB(t)
	id, err := db.InsertBet(testBet(1))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Simulate a crash after the WAL append but before the primary write:
	// append a transition record by hand and reopen.
	bet, err := func() (*betting.Bet, error) {
		db2, err := NewBoltDB(dir)
		if err != nil {
			return nil, err
		}
		defer db2.Close()
		return db2.GetBet(id)
	}()
	require.NoError(t, err)
	bet.State = betting.StateUnconfirmed

	rec := map[string]interface{}{
		"seq": 2, "bet_id": id, "from": betting.StateProposing,
		"to": betting.StateUnconfirmed, "at": time.Now().UTC(), "bet": bet,
	}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	f, err := os.OpenFile(filepath.Join(dir, "bets.log"), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.Write(append(raw, '\n'))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	db3, err := NewBoltDB(dir)
	require.NoError(t, err)
	defer db3.Close()

	got, err := db3.GetBet(id)
	require.NoError(t, err)
	assert.Equal(t, betting.StateUnconfirmed, got.State)
}

func TestWALTornTailIsDiscarded(t *testing.T) {
	db, dir := openTestDB(t)
	id, err := db.InsertBet(testBet(1))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	f, err := os.OpenFile(filepath.Join(dir, "bets.log"), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"bet_id":1,"to":"unconf`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	db2, err := NewBoltDB(dir)
	require.NoError(t, err)
	defer db2.Close()

	got, err := db2.GetBet(id)
	require.NoError(t, err)
	assert.Equal(t, betting.StateProposing, got.State)
}

func TestSecondProcessIsLockedOut(t *testing.T) {
	_, dir := openTestDB(t)
	_, err := NewBoltDB(dir)
	assert.Error(t, err)
}

func TestOracleRecords(t *testing.T) {
	db, _ := openTestDB(t)
	info := &oracle.Info{ID: "h00.ooo", CurveID: oracle.CurveID}
	require.NoError(t, db.InsertOracle(info))
	assert.ErrorIs(t, db.InsertOracle(info), ErrOracleExists)

	got, err := db.GetOracle("h00.ooo")
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)

	// Deleting while a non-terminal bet references it is refused.
	id, err := db.InsertBet(testBet(1))
	require.NoError(t, err)
	assert.ErrorIs(t, db.DeleteOracle("h00.ooo"), ErrOracleInUse)

	require.NoError(t, db.UpdateBet(id, func(b *betting.Bet) error {
		b.State = betting.StateCancelled
		return nil
	}))
	require.NoError(t, db.DeleteOracle("h00.ooo"))
	_, err = db.GetOracle("h00.ooo")
	assert.ErrorIs(t, err, ErrOracleNotFound)
}
