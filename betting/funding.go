package betting

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/wire"
)

// Input is a transaction input a party brings to the bet: the outpoint plus
// the value of the output it spends (needed for fee accounting and BIP143
// signing).
type Input struct {
	OutPoint wire.OutPoint `json:"outpoint"`
	Value    int64         `json:"value"`
}

// Change is an optional change output a party wants back from its inputs.
type Change struct {
	Value  int64  `json:"value"`
	Script []byte `json:"script"`
}

// FundingParams is everything both parties need to agree on to derive the
// same funding transaction.
type FundingParams struct {
	ProposerKey     []byte
	OffererKey      []byte
	OffererClaimKey []byte
	ProposerInputs  []Input
	OffererInputs   []Input
	BetValue        int64 // value_proposer + value_offerer
	ProposerChange  *Change
	OffererChange   *Change
}

// FundingTx holds the deterministically built funding transaction and the
// location of the bet output within it.
type FundingTx struct {
	Tx            *wire.MsgTx
	Vout          uint32
	WitnessScript []byte
}

const fundingTxVersion = 2

// BuildFundingTx constructs the funding transaction from both parties'
// contributions. Inputs are sorted ascending by (txid, vout) and outputs
// ascending by (amount, script) so the proposer and the offerer derive the
// same txid independently.
func BuildFundingTx(p FundingParams) (*FundingTx, error) {
	if p.BetValue <= 0 {
		return nil, fmt.Errorf("bet output value must be positive")
	}
	witnessScript, err := BetScript(p.ProposerKey, p.OffererKey, p.OffererClaimKey)
	if err != nil {
		return nil, err
	}
	betPkScript, err := BetPkScript(witnessScript)
	if err != nil {
		return nil, err
	}

	inputs := make([]Input, 0, len(p.ProposerInputs)+len(p.OffererInputs))
	inputs = append(inputs, p.ProposerInputs...)
	inputs = append(inputs, p.OffererInputs...)
	if len(inputs) == 0 {
		return nil, fmt.Errorf("funding transaction has no inputs")
	}
	sortInputs(inputs)
	for i := 1; i < len(inputs); i++ {
		if inputs[i].OutPoint == inputs[i-1].OutPoint {
			return nil, fmt.Errorf("duplicate funding input %s", inputs[i].OutPoint)
		}
	}

	outputs := []*wire.TxOut{wire.NewTxOut(p.BetValue, betPkScript)}
	for _, ch := range []*Change{p.ProposerChange, p.OffererChange} {
		if ch != nil {
			outputs = append(outputs, wire.NewTxOut(ch.Value, ch.Script))
		}
	}
	sort.SliceStable(outputs, func(i, j int) bool {
		if outputs[i].Value != outputs[j].Value {
			return outputs[i].Value < outputs[j].Value
		}
		return bytes.Compare(outputs[i].PkScript, outputs[j].PkScript) < 0
	})

	tx := wire.NewMsgTx(fundingTxVersion)
	tx.LockTime = 0
	totalIn := int64(0)
	for _, in := range inputs {
		tx.AddTxIn(wire.NewTxIn(&in.OutPoint, nil, nil))
		totalIn += in.Value
	}
	totalOut := int64(0)
	for _, out := range outputs {
		tx.AddTxOut(out)
		totalOut += out.Value
	}
	if totalOut >= totalIn {
		return nil, fmt.Errorf("funding outputs (%d) leave no fee from inputs (%d)", totalOut, totalIn)
	}

	vout := -1
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, betPkScript) && out.Value == p.BetValue {
			vout = i
			break
		}
	}
	if vout < 0 {
		return nil, fmt.Errorf("bet output missing after sort")
	}

	return &FundingTx{Tx: tx, Vout: uint32(vout), WitnessScript: witnessScript}, nil
}

// sortInputs orders inputs ascending by (txid, vout) using the display
// (big-endian) form of the txid, the same order both parties see in their
// wallets.
func sortInputs(inputs []Input) {
	sort.SliceStable(inputs, func(i, j int) bool {
		a, b := inputs[i].OutPoint, inputs[j].OutPoint
		if a.Hash != b.Hash {
			return a.Hash.String() < b.Hash.String()
		}
		return a.Index < b.Index
	})
}

// InputIndex locates an outpoint within a transaction's inputs.
func InputIndex(tx *wire.MsgTx, op wire.OutPoint) (int, error) {
	for i, in := range tx.TxIn {
		if in.PreviousOutPoint == op {
			return i, nil
		}
	}
	return -1, fmt.Errorf("input %s not found in transaction", op)
}

// FundingOutPoint returns the bet outpoint of a funding transaction.
func (f *FundingTx) FundingOutPoint() wire.OutPoint {
	return wire.OutPoint{Hash: f.Tx.TxHash(), Index: f.Vout}
}
