package wallet

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrTxNotFound is returned by Tx for transactions the backend has never
// seen, in mempool or chain.
var ErrTxNotFound = errors.New("transaction not found")

// TxInfo is a transaction together with where the chain currently has it.
type TxInfo struct {
	Tx            *wire.MsgTx
	Confirmations uint32
	Height        uint32 // 0 while in mempool
}

// UTXO is an unspent output the backend attributes to one of our scripts.
type UTXO struct {
	OutPoint      wire.OutPoint
	Value         int64
	Script        []byte
	Confirmations uint32
}

// Spend identifies the transaction input that consumed an outpoint.
type Spend struct {
	Txid chainhash.Hash
	Vin  uint32
}

// ChainBackend is the capability set the wallet needs from a blockchain
// source. The engine is written against this interface; Esplora is the
// production implementation and tests substitute an in-memory chain.
type ChainBackend interface {
	// Tx fetches a transaction and its confirmation count.
	Tx(ctx context.Context, txid chainhash.Hash) (*TxInfo, error)

	// Broadcast submits a transaction. Re-submitting a known transaction
	// must not fail, so retries after an unknown outcome are safe.
	Broadcast(ctx context.Context, tx *wire.MsgTx) error

	// Spender reports which transaction, if any, spends the outpoint.
	// (nil, nil) means the outpoint is unspent.
	Spender(ctx context.Context, op wire.OutPoint) (*Spend, error)

	// ScriptUTXOs lists unspent outputs paying the given script.
	ScriptUTXOs(ctx context.Context, script []byte) ([]UTXO, error)

	// TipHeight returns the current best block height.
	TipHeight(ctx context.Context) (uint32, error)
}
