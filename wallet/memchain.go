package wallet

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// MemBackend is an in-memory ChainBackend with explicit block production.
// It backs the dev command and the protocol tests: transactions enter a
// mempool on broadcast, confirm when Mine is called, and can be thrown
// back by Reorg.
type MemBackend struct {
	mu     sync.Mutex
	tip    uint32
	txs    map[chainhash.Hash]*memTx
	spends map[wire.OutPoint]Spend
}

type memTx struct {
	tx     *wire.MsgTx
	height uint32 // 0 while in mempool
}

// NewMemBackend returns an empty chain at height 100, far enough from
// genesis that coinbase maturity never matters.
func NewMemBackend() *MemBackend {
	return &MemBackend{
		tip:    100,
		txs:    make(map[chainhash.Hash]*memTx),
		spends: make(map[wire.OutPoint]Spend),
	}
}

// AddCoin conjures a confirmed output paying script and returns its
// outpoint. It stands in for a faucet.
func (m *MemBackend) AddCoin(script []byte, value int64) wire.OutPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := wire.NewMsgTx(2)
	// A unique input keeps every faucet txid distinct.
	var salt chainhash.Hash
	salt[0] = byte(len(m.txs))
	salt[1] = byte(len(m.txs) >> 8)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: salt, Index: ^uint32(0)}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(value, script))
	m.tip++
	m.txs[tx.TxHash()] = &memTx{tx: tx, height: m.tip}
	return wire.OutPoint{Hash: tx.TxHash(), Index: 0}
}

// Mine confirms the current mempool into a new block.
func (m *MemBackend) Mine() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tip++
	for _, mt := range m.txs {
		if mt.height == 0 {
			mt.height = m.tip
		}
	}
	return m.tip
}

// Reorg rewinds n blocks: transactions confirmed in them return to the
// mempool.
func (m *MemBackend) Reorg(n uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > m.tip {
		n = m.tip
	}
	cutoff := m.tip - n
	for _, mt := range m.txs {
		if mt.height > cutoff {
			mt.height = 0
		}
	}
	m.tip = cutoff
}

// Drop evicts a transaction from the mempool entirely, releasing its
// inputs. Confirmed transactions cannot be dropped.
func (m *MemBackend) Drop(txid chainhash.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.txs[txid]
	if !ok {
		return ErrTxNotFound
	}
	if mt.height != 0 {
		return fmt.Errorf("transaction %s is confirmed", txid)
	}
	for _, in := range mt.tx.TxIn {
		delete(m.spends, in.PreviousOutPoint)
	}
	delete(m.txs, txid)
	return nil
}

func (m *MemBackend) Tx(_ context.Context, txid chainhash.Hash) (*TxInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.txs[txid]
	if !ok {
		return nil, ErrTxNotFound
	}
	info := &TxInfo{Tx: mt.tx, Height: mt.height}
	if mt.height > 0 && m.tip >= mt.height {
		info.Confirmations = m.tip - mt.height + 1
	}
	return info, nil
}

func (m *MemBackend) Broadcast(_ context.Context, tx *wire.MsgTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txid := tx.TxHash()
	if _, ok := m.txs[txid]; ok {
		return nil // idempotent
	}
	for _, in := range tx.TxIn {
		prev, ok := m.txs[in.PreviousOutPoint.Hash]
		if !ok {
			return fmt.Errorf("input %s references unknown transaction", in.PreviousOutPoint)
		}
		if int(in.PreviousOutPoint.Index) >= len(prev.tx.TxOut) {
			return fmt.Errorf("input %s references missing output", in.PreviousOutPoint)
		}
		if spend, spent := m.spends[in.PreviousOutPoint]; spent && spend.Txid != txid {
			return fmt.Errorf("input %s already spent by %s", in.PreviousOutPoint, spend.Txid)
		}
	}
	for vin, in := range tx.TxIn {
		m.spends[in.PreviousOutPoint] = Spend{Txid: txid, Vin: uint32(vin)}
	}
	m.txs[txid] = &memTx{tx: tx}
	return nil
}

func (m *MemBackend) Spender(_ context.Context, op wire.OutPoint) (*Spend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if spend, ok := m.spends[op]; ok {
		return &spend, nil
	}
	return nil, nil
}

func (m *MemBackend) ScriptUTXOs(_ context.Context, script []byte) ([]UTXO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var utxos []UTXO
	for txid, mt := range m.txs {
		for vout, out := range mt.tx.TxOut {
			if !bytes.Equal(out.PkScript, script) {
				continue
			}
			op := wire.OutPoint{Hash: txid, Index: uint32(vout)}
			if _, spent := m.spends[op]; spent {
				continue
			}
			var confs uint32
			if mt.height > 0 && m.tip >= mt.height {
				confs = m.tip - mt.height + 1
			}
			utxos = append(utxos, UTXO{OutPoint: op, Value: out.Value, Script: script, Confirmations: confs})
		}
	}
	return utxos, nil
}

func (m *MemBackend) TipHeight(context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tip, nil
}
