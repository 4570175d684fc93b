package wallet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/slog"
	bolt "go.etcd.io/bbolt"

	"github.com/GoUpNumber/gun/betting"
)

// ErrInsufficientFunds is returned when coin selection cannot cover the
// requested amount plus fees from unreserved UTXOs.
var ErrInsufficientFunds = errors.New("insufficient unreserved funds")

// ErrReserved is returned when a requested UTXO is already held by a bet.
var ErrReserved = errors.New("utxo is reserved by another bet")

const dustLimit = 546

// Rough vbyte costs used for fee estimation when selecting inputs.
const (
	inputVBytes  = 68
	outputVBytes = 31
	txVBytes     = 11
)

var (
	walletBucket    = []byte("wallet")
	nextExternalKey = []byte("next_external")
	nextInternalKey = []byte("next_internal")
)

// Wallet is the adapter between the protocol engine and the underlying
// keychain, UTXO set and chain backend. Reservations taken for bets are
// restored from the bet store on startup; reservations taken for plain
// sends live only as long as the command.
type Wallet struct {
	params   *chaincfg.Params
	keychain *Keychain
	backend  ChainBackend
	db       *bolt.DB
	log      slog.Logger

	mu       sync.Mutex
	reserved map[wire.OutPoint]struct{}
}

// New opens the wallet in dir. reserved seeds the reservation set,
// typically from betdb.ReservedOutpoints.
func New(dir string, keychain *Keychain, backend ChainBackend, reserved map[wire.OutPoint]struct{}, log slog.Logger) (*Wallet, error) {
	db, err := bolt.Open(filepath.Join(dir, "wallet.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open wallet database (is another gun running?): %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(walletBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if reserved == nil {
		reserved = make(map[wire.OutPoint]struct{})
	}
	return &Wallet{
		params:   keychain.params,
		keychain: keychain,
		backend:  backend,
		db:       db,
		log:      log,
		reserved: reserved,
	}, nil
}

func (w *Wallet) Close() error {
	return w.db.Close()
}

// Backend exposes the chain backend for the engine's tracking queries.
func (w *Wallet) Backend() ChainBackend {
	return w.backend
}

// Keychain exposes the derivation tree; the engine needs the seed for
// protocol keys.
func (w *Wallet) Keychain() *Keychain {
	return w.keychain
}

func (w *Wallet) counter(key []byte) uint32 {
	var v uint32
	w.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(walletBucket).Get(key)
		if len(raw) == 4 {
			v = binary.BigEndian.Uint32(raw)
		}
		return nil
	})
	return v
}

func (w *Wallet) bumpCounter(key []byte) (uint32, error) {
	var v uint32
	err := w.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(walletBucket)
		raw := bkt.Get(key)
		if len(raw) == 4 {
			v = binary.BigEndian.Uint32(raw)
		}
		var next [4]byte
		binary.BigEndian.PutUint32(next[:], v+1)
		return bkt.Put(key, next[:])
	})
	return v, err
}

// NewAddress hands out the next external address.
func (w *Wallet) NewAddress() (btcutil.Address, error) {
	idx, err := w.bumpCounter(nextExternalKey)
	if err != nil {
		return nil, err
	}
	return w.keychain.Address(branchExternal, idx)
}

// ListAddresses returns every external address handed out so far.
func (w *Wallet) ListAddresses() ([]btcutil.Address, error) {
	n := w.counter(nextExternalKey)
	addrs := make([]btcutil.Address, 0, n)
	for i := uint32(0); i < n; i++ {
		addr, err := w.keychain.Address(branchExternal, i)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// LastUnusedAddress returns the most recently handed-out external address
// with no unspent outputs, or a fresh one if all have some. Outputs that
// were received and later spent are not seen.
func (w *Wallet) LastUnusedAddress(ctx context.Context) (btcutil.Address, error) {
	n := w.counter(nextExternalKey)
	for i := n; i > 0; i-- {
		script, err := w.keychain.Script(branchExternal, i-1)
		if err != nil {
			return nil, err
		}
		utxos, err := w.backend.ScriptUTXOs(ctx, script)
		if err != nil {
			return nil, err
		}
		if len(utxos) == 0 {
			return w.keychain.Address(branchExternal, i-1)
		}
	}
	return w.NewAddress()
}

// NextPayoutScript allocates an internal script for bet winnings or change.
func (w *Wallet) NextPayoutScript() ([]byte, error) {
	idx, err := w.bumpCounter(nextInternalKey)
	if err != nil {
		return nil, err
	}
	return w.keychain.Script(branchInternal, idx)
}

// utxos lists unspent outputs across every derived script.
func (w *Wallet) utxos(ctx context.Context) ([]UTXO, error) {
	var all []UTXO
	for _, scan := range []struct {
		branch uint32
		count  uint32
	}{
		{branchExternal, w.counter(nextExternalKey)},
		{branchInternal, w.counter(nextInternalKey)},
	} {
		for i := uint32(0); i < scan.count; i++ {
			script, err := w.keychain.Script(scan.branch, i)
			if err != nil {
				return nil, err
			}
			utxos, err := w.backend.ScriptUTXOs(ctx, script)
			if err != nil {
				return nil, err
			}
			all = append(all, utxos...)
		}
	}
	return all, nil
}

// Balance summarises the wallet's funds.
type Balance struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
	Reserved    int64 `json:"reserved"`
}

// Balance reports confirmed, unconfirmed and bet-reserved totals.
func (w *Wallet) Balance(ctx context.Context) (Balance, error) {
	utxos, err := w.utxos(ctx)
	if err != nil {
		return Balance{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	var bal Balance
	for _, u := range utxos {
		if _, ok := w.reserved[u.OutPoint]; ok {
			bal.Reserved += u.Value
			continue
		}
		if u.Confirmations > 0 {
			bal.Confirmed += u.Value
		} else {
			bal.Unconfirmed += u.Value
		}
	}
	return bal, nil
}

// ReserveInputs selects unreserved UTXOs covering amount plus this side's
// fee share and marks them reserved. The returned change is nil when the
// remainder would be dust.
func (w *Wallet) ReserveInputs(ctx context.Context, amount int64, feeRate uint32) ([]betting.Input, *betting.Change, error) {
	if amount <= 0 {
		return nil, nil, fmt.Errorf("amount must be positive")
	}
	utxos, err := w.utxos(ctx)
	if err != nil {
		return nil, nil, err
	}
	// Largest first keeps input counts, and therefore offer padding
	// pressure, low.
	sort.Slice(utxos, func(i, j int) bool { return utxos[i].Value > utxos[j].Value })

	w.mu.Lock()
	defer w.mu.Unlock()

	var selected []UTXO
	var total int64
	for _, u := range utxos {
		if _, ok := w.reserved[u.OutPoint]; ok {
			continue
		}
		if len(selected) == betting.MaxOfferInputs {
			break
		}
		selected = append(selected, u)
		total += u.Value
		fee := int64(feeRate) * int64(len(selected)*inputVBytes+outputVBytes+txVBytes)
		if total >= amount+fee {
			inputs := make([]betting.Input, len(selected))
			for i, s := range selected {
				inputs[i] = betting.Input{OutPoint: s.OutPoint, Value: s.Value}
				w.reserved[s.OutPoint] = struct{}{}
			}
			var change *betting.Change
			if excess := total - amount - fee; excess > dustLimit {
				script, err := w.nextInternalScriptLocked()
				if err != nil {
					return nil, nil, err
				}
				change = &betting.Change{Value: excess, Script: script}
			}
			return inputs, change, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: have %d sat spendable, need %d sat plus fees", ErrInsufficientFunds, total, amount)
}

// nextInternalScriptLocked bumps the internal counter without touching the
// reservation mutex again.
func (w *Wallet) nextInternalScriptLocked() ([]byte, error) {
	idx, err := w.bumpCounter(nextInternalKey)
	if err != nil {
		return nil, err
	}
	return w.keychain.Script(branchInternal, idx)
}

// ReleaseInputs drops reservations, e.g. when a proposal is cancelled.
func (w *Wallet) ReleaseInputs(ops []wire.OutPoint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, op := range ops {
		delete(w.reserved, op)
	}
}

// MarkReserved adds reservations restored from the bet store.
func (w *Wallet) MarkReserved(ops []wire.OutPoint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, op := range ops {
		w.reserved[op] = struct{}{}
	}
}

// IsReserved reports whether an outpoint is currently held.
func (w *Wallet) IsReserved(op wire.OutPoint) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.reserved[op]
	return ok
}

// WitnessForInput signs input idx of tx, which must spend one of our
// P2WPKH outputs, and returns the finished witness stack.
func (w *Wallet) WitnessForInput(ctx context.Context, tx *wire.MsgTx, idx int, in betting.Input) (wire.TxWitness, error) {
	script, err := w.scriptForOutpoint(ctx, in.OutPoint)
	if err != nil {
		return nil, err
	}
	priv, err := w.keychain.KeyForScript(script, w.counter(nextExternalKey), w.counter(nextInternalKey))
	if err != nil {
		return nil, err
	}
	fetcher := txscript.NewCannedPrevOutputFetcher(script, in.Value)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	return txscript.WitnessSignature(tx, sigHashes, idx, in.Value, script, txscript.SigHashAll, priv, true)
}

// scriptForOutpoint finds the output script an outpoint pays, from the
// backend's copy of the transaction.
func (w *Wallet) scriptForOutpoint(ctx context.Context, op wire.OutPoint) ([]byte, error) {
	info, err := w.backend.Tx(ctx, op.Hash)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", op.Hash, err)
	}
	if int(op.Index) >= len(info.Tx.TxOut) {
		return nil, fmt.Errorf("vout %d does not exist on %s", op.Index, op.Hash)
	}
	return info.Tx.TxOut[op.Index].PkScript, nil
}

// Broadcast submits a transaction through the backend.
func (w *Wallet) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	w.log.Debugf("broadcasting %s", tx.TxHash())
	return w.backend.Broadcast(ctx, tx)
}

// Tx fetches a transaction and its confirmations.
func (w *Wallet) Tx(ctx context.Context, txid chainhash.Hash) (*TxInfo, error) {
	return w.backend.Tx(ctx, txid)
}

// Send builds, signs and broadcasts a payment to addr. A zero amount
// sweeps all unreserved funds.
func (w *Wallet) Send(ctx context.Context, amount int64, addr btcutil.Address, feeRate uint32) (chainhash.Hash, error) {
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return chainhash.Hash{}, err
	}
	if amount == 0 {
		return w.sweepTo(ctx, script, feeRate)
	}
	inputs, change, err := w.ReserveInputs(ctx, amount, feeRate)
	if err != nil {
		return chainhash.Hash{}, err
	}
	ops := outpoints(inputs)
	defer w.ReleaseInputs(ops)

	tx := wire.NewMsgTx(2)
	for _, in := range inputs {
		tx.AddTxIn(wire.NewTxIn(&in.OutPoint, nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(amount, script))
	if change != nil {
		tx.AddTxOut(wire.NewTxOut(change.Value, change.Script))
	}
	if err := w.signAll(ctx, tx, inputs); err != nil {
		return chainhash.Hash{}, err
	}
	if err := w.Broadcast(ctx, tx); err != nil {
		return chainhash.Hash{}, err
	}
	return tx.TxHash(), nil
}

// SpendOutpoints double-spends specific outpoints back to the wallet. The
// cancel flow uses this to invalidate a bet's funding inputs.
func (w *Wallet) SpendOutpoints(ctx context.Context, ops []wire.OutPoint, feeRate uint32) (chainhash.Hash, error) {
	tx, err := w.BuildRespend(ctx, ops, feeRate)
	if err != nil {
		return chainhash.Hash{}, err
	}
	if err := w.Broadcast(ctx, tx); err != nil {
		return chainhash.Hash{}, err
	}
	return tx.TxHash(), nil
}

// BuildRespend builds and signs, without broadcasting, a transaction
// spending the given outpoints back to an internal address.
func (w *Wallet) BuildRespend(ctx context.Context, ops []wire.OutPoint, feeRate uint32) (*wire.MsgTx, error) {
	var inputs []betting.Input
	var total int64
	for _, op := range ops {
		info, err := w.backend.Tx(ctx, op.Hash)
		if err != nil {
			return nil, err
		}
		if int(op.Index) >= len(info.Tx.TxOut) {
			return nil, fmt.Errorf("vout %d does not exist on %s", op.Index, op.Hash)
		}
		out := info.Tx.TxOut[op.Index]
		inputs = append(inputs, betting.Input{OutPoint: op, Value: out.Value})
		total += out.Value
	}
	fee := int64(feeRate) * int64(len(inputs)*inputVBytes+outputVBytes+txVBytes)
	if total-fee <= dustLimit {
		return nil, fmt.Errorf("outpoints are worth %d sat, not enough to respend", total)
	}
	script, err := w.NextPayoutScript()
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	for _, in := range inputs {
		txIn := wire.NewTxIn(&in.OutPoint, nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum - 2
		tx.AddTxIn(txIn)
	}
	tx.AddTxOut(wire.NewTxOut(total-fee, script))
	if err := w.signAll(ctx, tx, inputs); err != nil {
		return nil, err
	}
	return tx, nil
}

func (w *Wallet) sweepTo(ctx context.Context, script []byte, feeRate uint32) (chainhash.Hash, error) {
	utxos, err := w.utxos(ctx)
	if err != nil {
		return chainhash.Hash{}, err
	}
	var inputs []betting.Input
	var total int64
	w.mu.Lock()
	for _, u := range utxos {
		if _, ok := w.reserved[u.OutPoint]; ok {
			continue
		}
		inputs = append(inputs, betting.Input{OutPoint: u.OutPoint, Value: u.Value})
		total += u.Value
	}
	w.mu.Unlock()
	if len(inputs) == 0 {
		return chainhash.Hash{}, ErrInsufficientFunds
	}
	fee := int64(feeRate) * int64(len(inputs)*inputVBytes+outputVBytes+txVBytes)
	if total-fee <= dustLimit {
		return chainhash.Hash{}, fmt.Errorf("%w: %d sat before fees", ErrInsufficientFunds, total)
	}

	tx := wire.NewMsgTx(2)
	for _, in := range inputs {
		tx.AddTxIn(wire.NewTxIn(&in.OutPoint, nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(total-fee, script))
	if err := w.signAll(ctx, tx, inputs); err != nil {
		return chainhash.Hash{}, err
	}
	if err := w.Broadcast(ctx, tx); err != nil {
		return chainhash.Hash{}, err
	}
	return tx.TxHash(), nil
}

// Split recuts unreserved funds into n equal outputs so proposal-sized
// coins are ready without linking future bets to one big UTXO.
func (w *Wallet) Split(ctx context.Context, n int, feeRate uint32) (chainhash.Hash, error) {
	if n < 2 {
		return chainhash.Hash{}, fmt.Errorf("split needs at least 2 pieces")
	}
	utxos, err := w.utxos(ctx)
	if err != nil {
		return chainhash.Hash{}, err
	}
	var inputs []betting.Input
	var total int64
	w.mu.Lock()
	for _, u := range utxos {
		if _, ok := w.reserved[u.OutPoint]; ok {
			continue
		}
		inputs = append(inputs, betting.Input{OutPoint: u.OutPoint, Value: u.Value})
		total += u.Value
	}
	w.mu.Unlock()
	if len(inputs) == 0 {
		return chainhash.Hash{}, ErrInsufficientFunds
	}
	fee := int64(feeRate) * int64(len(inputs)*inputVBytes+n*outputVBytes+txVBytes)
	piece := (total - fee) / int64(n)
	if piece <= dustLimit {
		return chainhash.Hash{}, fmt.Errorf("splitting %d sat into %d pieces leaves dust", total, n)
	}

	tx := wire.NewMsgTx(2)
	for _, in := range inputs {
		tx.AddTxIn(wire.NewTxIn(&in.OutPoint, nil, nil))
	}
	remainder := total - fee
	for i := 0; i < n; i++ {
		script, err := w.NextPayoutScript()
		if err != nil {
			return chainhash.Hash{}, err
		}
		value := piece
		if i == n-1 {
			value = remainder
		}
		remainder -= value
		tx.AddTxOut(wire.NewTxOut(value, script))
	}
	if err := w.signAll(ctx, tx, inputs); err != nil {
		return chainhash.Hash{}, err
	}
	if err := w.Broadcast(ctx, tx); err != nil {
		return chainhash.Hash{}, err
	}
	return tx.TxHash(), nil
}

func (w *Wallet) signAll(ctx context.Context, tx *wire.MsgTx, inputs []betting.Input) error {
	for _, in := range inputs {
		idx, err := betting.InputIndex(tx, in.OutPoint)
		if err != nil {
			return err
		}
		witness, err := w.WitnessForInput(ctx, tx, idx, in)
		if err != nil {
			return err
		}
		tx.TxIn[idx].Witness = witness
	}
	return nil
}

func outpoints(inputs []betting.Input) []wire.OutPoint {
	ops := make([]wire.OutPoint, len(inputs))
	for i, in := range inputs {
		ops[i] = in.OutPoint
	}
	return ops
}
