package betting

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/GoUpNumber/gun/oracle"
)

// BetID is the wallet-local identifier of a bet, assigned monotonically by
// the store.
type BetID uint32

// Role says which side of the protocol this wallet played.
type Role string

const (
	RoleProposer Role = "proposer"
	RoleOfferer  Role = "offerer"
)

// State is a bet's position in the protocol state machine.
type State string

const (
	StateProposing            State = "proposing"
	StateOffered              State = "offered"
	StateUnconfirmed          State = "unconfirmed"
	StateConfirmed            State = "confirmed"
	StateWon                  State = "won"
	StateLost                 State = "lost"
	StateClaiming             State = "claiming"
	StateClaimed              State = "claimed"
	StateCancelling           State = "cancelling"
	StateCancelled            State = "cancelled"
	StateCancelledDoubleSpent State = "cancelled_double_spent"
	StateOracleMisbehaved     State = "oracle_misbehaved"
)

// Terminal reports whether no further transition can leave the state.
func (s State) Terminal() bool {
	switch s {
	case StateClaimed, StateLost, StateCancelled, StateCancelledDoubleSpent, StateOracleMisbehaved:
		return true
	}
	return false
}

// nextStates is the transition graph. Sync and user commands may only move
// a bet along these edges. offered -> confirmed is intentional: the
// offerer may first see the funding transaction when it already has a
// confirmation, observing both steps in a single sync.
var nextStates = map[State][]State{
	StateProposing:   {StateUnconfirmed, StateCancelling, StateCancelled, StateCancelledDoubleSpent},
	StateOffered:     {StateUnconfirmed, StateConfirmed, StateCancelling, StateCancelled, StateCancelledDoubleSpent},
	StateUnconfirmed: {StateConfirmed, StateCancelling, StateCancelledDoubleSpent},
	StateConfirmed:   {StateWon, StateLost, StateOracleMisbehaved, StateUnconfirmed},
	StateWon:         {StateClaiming, StateClaimed},
	StateClaiming:    {StateClaimed},
	StateCancelling:  {StateCancelled, StateCancelledDoubleSpent},
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, s := range nextStates[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Heights records at which block height each milestone was observed. Zero
// means not yet (or seen only in mempool).
type Heights struct {
	ProposedAt uint32 `json:"proposed_at,omitempty"`
	FundedAt   uint32 `json:"funded_at,omitempty"`
	AttestedAt uint32 `json:"attested_at,omitempty"`
	ClaimedAt  uint32 `json:"claimed_at,omitempty"`
}

// Bet is the authoritative persistent record of one bet.
type Bet struct {
	ID    BetID `json:"id"`
	Role  Role  `json:"role"`
	State State `json:"state"`

	OracleID        string        `json:"oracle_id"`
	Event           *oracle.Event `json:"event"`
	ChosenOutcome   string        `json:"chosen_outcome"`
	OpposingOutcome string        `json:"opposing_outcome"`

	FundingTxid  chainhash.Hash `json:"funding_txid"`
	FundingVout  uint32         `json:"funding_vout"`
	FundingValue int64          `json:"funding_value"`
	FundingTx    []byte         `json:"funding_tx,omitempty"` // serialized, present once known

	MyValue    int64  `json:"my_value"`
	TheirValue int64  `json:"their_value"`
	FeeRate    uint32 `json:"fee_rate"`

	MyKey    []byte `json:"my_key"`
	TheirKey []byte `json:"their_key"`
	MySecret []byte `json:"my_secret"`

	// OffererClaimKey is Q tweaked by the attestation point of the
	// offerer's outcome, the key of the bet script's single-sig path.
	OffererClaimKey []byte `json:"offerer_claim_key,omitempty"`

	MyInputs    []Input `json:"my_inputs"`
	TheirInputs []Input `json:"their_inputs,omitempty"`
	MyChange    *Change `json:"my_change,omitempty"`
	TheirChange *Change `json:"their_change,omitempty"`

	MyPayoutScript    []byte `json:"my_payout_script"`
	TheirPayoutScript []byte `json:"their_payout_script,omitempty"`

	// TheirAdaptorSig presigns my claim transaction; mine presigns theirs.
	TheirAdaptorSig *AdaptorSig `json:"their_adaptor_sig,omitempty"`

	ReservedUTXOs []wire.OutPoint `json:"reserved_utxos"`

	Attestation *oracle.Attestation `json:"attestation,omitempty"`

	ClaimTxid   *chainhash.Hash `json:"claim_txid,omitempty"`
	CancelTxid  *chainhash.Hash `json:"cancel_txid,omitempty"`
	Heights     Heights         `json:"heights"`
	ProposalEnv string          `json:"proposal_envelope,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
}

// ProposerKey returns the proposer's public key P regardless of which side
// we are.
func (b *Bet) ProposerKey() []byte {
	if b.Role == RoleProposer {
		return b.MyKey
	}
	return b.TheirKey
}

// OffererKey returns the offerer's public key.
func (b *Bet) OffererKey() []byte {
	if b.Role == RoleOfferer {
		return b.MyKey
	}
	return b.TheirKey
}

// WitnessScript rebuilds the bet output's witness script.
func (b *Bet) WitnessScript() ([]byte, error) {
	return BetScript(b.ProposerKey(), b.OffererKey(), b.OffererClaimKey)
}

// FundingOutPoint returns the bet outpoint.
func (b *Bet) FundingOutPoint() wire.OutPoint {
	return wire.OutPoint{Hash: b.FundingTxid, Index: b.FundingVout}
}

// ClaimTx rebuilds this wallet's deterministic claim transaction, the one
// its counterparty presigned.
func (b *Bet) ClaimTx() (*wire.MsgTx, error) {
	return BuildClaimTx(b.FundingOutPoint(), b.FundingValue, b.MyPayoutScript, b.FeeRate)
}

func (b *Bet) String() string {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Sprintf("bet %d (%s)", b.ID, b.State)
	}
	return string(raw)
}
