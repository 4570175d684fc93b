package engine

import (
	"context"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/GoUpNumber/gun/betting"
	"github.com/GoUpNumber/gun/oracle"
)

// betCrypto is the derived cryptographic context both roles need: the
// anticipated attestation points, the offerer claim key, the witness
// script and the funding transaction.
type betCrypto struct {
	proposerOutcome string
	offererOutcome  string
	attestProposer  *secp256k1.PublicKey // A for the proposer's outcome
	attestOfferer   *secp256k1.PublicKey // A for the offerer's outcome
	offererClaimKey *secp256k1.PublicKey
	witnessScript   []byte
	funding         *betting.FundingTx
	proposerClaimM  []byte // sighash of the proposer's claim transaction
}

// deriveBetCrypto computes the context from the agreed parameters. Both
// parties run this and must land on the same funding txid.
func deriveBetCrypto(info *oracle.Info, ev *oracle.Event, outcomeIndex int,
	proposerKey, offererKey []byte, proposerInputs, offererInputs []betting.Input,
	betValue int64, proposerChange, offererChange *betting.Change,
	proposerPayout []byte, feeRate uint32) (*betCrypto, error) {

	if outcomeIndex < 0 || outcomeIndex >= len(ev.Outcomes) {
		return nil, fmt.Errorf("outcome index %d out of range", outcomeIndex)
	}
	offererOutcome := ev.Outcomes[outcomeIndex]
	proposerOutcome := ev.Outcomes[1-outcomeIndex]

	attestP, err := oracle.AttestationPoint(info, ev, proposerOutcome)
	if err != nil {
		return nil, err
	}
	attestQ, err := oracle.AttestationPoint(info, ev, offererOutcome)
	if err != nil {
		return nil, err
	}
	qPub, err := secp256k1.ParsePubKey(offererKey)
	if err != nil {
		return nil, fmt.Errorf("parse offerer key: %w", err)
	}
	claimKey, err := betting.TweakPubKey(qPub, attestQ)
	if err != nil {
		return nil, err
	}

	funding, err := betting.BuildFundingTx(betting.FundingParams{
		ProposerKey:     proposerKey,
		OffererKey:      offererKey,
		OffererClaimKey: claimKey.SerializeCompressed(),
		ProposerInputs:  proposerInputs,
		OffererInputs:   offererInputs,
		BetValue:        betValue,
		ProposerChange:  proposerChange,
		OffererChange:   offererChange,
	})
	if err != nil {
		return nil, err
	}

	claimTx, err := betting.BuildClaimTx(funding.FundingOutPoint(), betValue, proposerPayout, feeRate)
	if err != nil {
		return nil, err
	}
	m, err := betting.ClaimSigHash(claimTx, funding.WitnessScript, betValue)
	if err != nil {
		return nil, err
	}

	return &betCrypto{
		proposerOutcome: proposerOutcome,
		offererOutcome:  offererOutcome,
		attestProposer:  attestP,
		attestOfferer:   attestQ,
		offererClaimKey: claimKey,
		witnessScript:   funding.WitnessScript,
		funding:         funding,
		proposerClaimM:  m,
	}, nil
}

// Offer answers a proposal: reserves this side's stake, presigns the
// proposer's claim transaction with an adaptor signature, signs our
// funding inputs and returns the encrypted offer blob.
func (e *Engine) Offer(ctx context.Context, value int64, outcomeLabel, proposalString string, tags []string) (betting.BetID, string, error) {
	if value <= 0 {
		return 0, "", userErrf("bet value must be positive")
	}
	proposal, err := betting.ParseProposal(proposalString)
	if err != nil {
		return 0, "", userErrf("parse proposal: %v", err)
	}
	envelope, err := proposal.Encode()
	if err != nil {
		return 0, "", userErrf("re-encode proposal: %v", err)
	}

	info, ev, err := e.fetchTrustedEvent(ctx, proposal.OracleID, proposal.EventPath)
	if err != nil {
		return 0, "", err
	}
	if err := e.checkEventMargin(ev); err != nil {
		return 0, "", err
	}
	outcomeIndex := ev.OutcomeIndex(outcomeLabel)
	if outcomeIndex < 0 {
		return 0, "", userErrf("outcome %q is not one of %v", outcomeLabel, ev.Outcomes)
	}
	proposerKey, err := secp256k1.ParsePubKey(proposal.PublicKey)
	if err != nil {
		return 0, "", protoErrf("proposal carries invalid public key: %v", err)
	}

	index, err := e.keyIndex()
	if err != nil {
		return 0, "", err
	}
	keypair, err := betting.OfferKeyPair(e.wallet.Keychain().Seed(), ev.ID(), uint64(value), index)
	if err != nil {
		return 0, "", err
	}

	inputs, change, err := e.wallet.ReserveInputs(ctx, value, e.cfg.FeeRate)
	if err != nil {
		return 0, "", userErrf("reserve inputs: %v", err)
	}
	release := func() { e.wallet.ReleaseInputs(reservedOf(inputs)) }

	payoutScript, err := e.wallet.NextPayoutScript()
	if err != nil {
		release()
		return 0, "", err
	}

	bc, err := deriveBetCrypto(info, ev, outcomeIndex,
		proposal.PublicKey, keypair.PubBytes(), proposal.Inputs, inputs,
		proposal.Value+value, proposal.Change, change, proposal.PayoutScript, e.cfg.FeeRate)
	if err != nil {
		release()
		return 0, "", err
	}

	adaptorSig, err := betting.SignAdaptor(keypair.Priv, bc.proposerClaimM, bc.attestProposer)
	if err != nil {
		release()
		return 0, "", err
	}

	// Sign our funding inputs and keep the witnesses both in the stored
	// funding template and in the offer.
	signedInputs := make([]betting.SignedInput, len(inputs))
	for i, in := range inputs {
		idx, err := betting.InputIndex(bc.funding.Tx, in.OutPoint)
		if err != nil {
			release()
			return 0, "", err
		}
		witness, err := e.wallet.WitnessForInput(ctx, bc.funding.Tx, idx, in)
		if err != nil {
			release()
			return 0, "", err
		}
		bc.funding.Tx.TxIn[idx].Witness = witness
		signedInputs[i] = betting.SignedInput{Input: in, Witness: witness}
	}

	offer := &betting.Offer{
		PublicKey:    keypair.PubBytes(),
		OutcomeIndex: uint8(outcomeIndex),
		Value:        value,
		FeeRate:      e.cfg.FeeRate,
		Inputs:       signedInputs,
		Change:       change,
		AdaptorSig:   adaptorSig,
	}
	blob, err := offer.Seal(keypair.Priv, proposerKey, envelope)
	if err != nil {
		release()
		return 0, "", err
	}

	bet := &betting.Bet{
		Role:              betting.RoleOfferer,
		State:             betting.StateOffered,
		OracleID:          proposal.OracleID,
		Event:             ev,
		ChosenOutcome:     bc.offererOutcome,
		OpposingOutcome:   bc.proposerOutcome,
		FundingTxid:       bc.funding.Tx.TxHash(),
		FundingVout:       bc.funding.Vout,
		FundingValue:      proposal.Value + value,
		FundingTx:         serializeTx(bc.funding.Tx),
		MyValue:           value,
		TheirValue:        proposal.Value,
		FeeRate:           e.cfg.FeeRate,
		MyKey:             keypair.PubBytes(),
		TheirKey:          proposal.PublicKey,
		MySecret:          keypair.Priv.Serialize(),
		OffererClaimKey:   bc.offererClaimKey.SerializeCompressed(),
		MyInputs:          inputs,
		TheirInputs:       proposal.Inputs,
		MyChange:          change,
		TheirChange:       proposal.Change,
		MyPayoutScript:    payoutScript,
		TheirPayoutScript: proposal.PayoutScript,
		ReservedUTXOs:     reservedOf(inputs),
		ProposalEnv:       envelope,
		Tags:              tags,
	}
	id, err := e.db.InsertBet(bet)
	if err != nil {
		release()
		return 0, "", err
	}
	e.log.Infof("offered bet %d: %d sat on %q against %s", id, value, outcomeLabel, ev.ID())
	return id, blob, nil
}
