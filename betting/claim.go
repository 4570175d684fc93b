package betting

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

const claimTxVersion = 2

// Weight budget of a claim transaction: one P2WSH input whose worst-case
// witness is the multisig path (two 73-byte DER signatures, the branch
// selector and the 109-byte witness script), one output. A shared
// constant so fees, and therefore the txid, are fixed at bet
// construction.
const claimTxWeight = 700

// BuildClaimTx constructs the transaction sweeping the bet output to the
// winner's payout script. It is fully deterministic: both parties derive
// it at bet time to presign it, and its txid is what sync tracks on chain.
func BuildClaimTx(betOutpoint wire.OutPoint, fundingValue int64, payoutScript []byte, feeRate uint32) (*wire.MsgTx, error) {
	if len(payoutScript) == 0 {
		return nil, fmt.Errorf("empty payout script")
	}
	fee := int64(feeRate) * (claimTxWeight + 3) / 4
	value := fundingValue - fee
	if value <= 546 {
		return nil, fmt.Errorf("claim output %d sat is dust after fee %d sat", value, fee)
	}

	tx := wire.NewMsgTx(claimTxVersion)
	tx.LockTime = 0
	txIn := wire.NewTxIn(&betOutpoint, nil, nil)
	txIn.Sequence = wire.MaxTxInSequenceNum - 2 // opt-in RBF
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(value, payoutScript))
	return tx, nil
}

// FinalizeClaimTx attaches a witness to a claim transaction built by
// BuildClaimTx.
func FinalizeClaimTx(tx *wire.MsgTx, witness wire.TxWitness) error {
	if len(tx.TxIn) != 1 {
		return fmt.Errorf("claim transaction has %d inputs, want 1", len(tx.TxIn))
	}
	tx.TxIn[0].Witness = witness
	return nil
}
