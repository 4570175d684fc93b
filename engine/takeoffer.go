package engine

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/GoUpNumber/gun/betting"
	"github.com/GoUpNumber/gun/wallet"
)

func serializeTx(tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil
	}
	return buf.Bytes()
}

func deserializeTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}

// TakeOffer decrypts an offer against our open proposals, verifies the
// counterparty's signatures, assembles the funding transaction and
// broadcasts it. The bet record is persisted as unconfirmed before the
// broadcast; a retry after an unknown outcome is resolved by sync.
func (e *Engine) TakeOffer(ctx context.Context, offerString string) (betting.BetID, chainhash.Hash, error) {
	bets, err := e.db.ListBets()
	if err != nil {
		return 0, chainhash.Hash{}, err
	}

	// The associated data of the AEAD is the proposal fingerprint, so the
	// blob opens against exactly one of our open proposals.
	var bet *betting.Bet
	var offer *betting.Offer
	for _, b := range bets {
		if b.State != betting.StateProposing || b.Role != betting.RoleProposer {
			continue
		}
		priv := secp256k1.PrivKeyFromBytes(b.MySecret)
		if o, err := betting.OpenOffer(offerString, priv, b.ProposalEnv); err == nil {
			bet, offer = b, o
			break
		}
	}
	if bet == nil {
		return 0, chainhash.Hash{}, userErrf("%v", errNoOpenProposal)
	}

	info, ev, err := e.fetchTrustedEvent(ctx, bet.OracleID, bet.Event.Path)
	if err != nil {
		return 0, chainhash.Hash{}, err
	}
	if err := e.checkEventMargin(ev); err != nil {
		return 0, chainhash.Hash{}, err
	}

	offererInputs := make([]betting.Input, len(offer.Inputs))
	for i, si := range offer.Inputs {
		offererInputs[i] = si.Input
	}
	bc, err := deriveBetCrypto(info, ev, int(offer.OutcomeIndex),
		bet.MyKey, offer.PublicKey, bet.MyInputs, offererInputs,
		bet.MyValue+offer.Value, bet.MyChange, offer.Change, bet.MyPayoutScript, offer.FeeRate)
	if err != nil {
		return 0, chainhash.Hash{}, protoErrf("derive bet from offer: %v", err)
	}

	// The offerer presigned our claim transaction against the attestation
	// point of our outcome. Reject the offer outright if the relation does
	// not hold, we could never claim a win.
	offererKey, err := secp256k1.ParsePubKey(offer.PublicKey)
	if err != nil {
		return 0, chainhash.Hash{}, protoErrf("offer carries invalid public key: %v", err)
	}
	if err := offer.AdaptorSig.Verify(offererKey, bc.proposerClaimM, bc.attestProposer); err != nil {
		e.log.Warnf("discarding offer for bet %d: %v", bet.ID, err)
		return 0, chainhash.Hash{}, protoErrf("offer adaptor signature invalid: %v", err)
	}

	// Attach and verify the offerer's funding input witnesses, then sign
	// our own inputs.
	for _, si := range offer.Inputs {
		idx, err := betting.InputIndex(bc.funding.Tx, si.Input.OutPoint)
		if err != nil {
			return 0, chainhash.Hash{}, protoErrf("offer input missing from funding: %v", err)
		}
		bc.funding.Tx.TxIn[idx].Witness = si.Witness
		if err := e.verifyForeignInput(ctx, bc.funding.Tx, idx, si.Input); err != nil {
			return 0, chainhash.Hash{}, protoErrf("offer input signature invalid: %v", err)
		}
	}
	for _, in := range bet.MyInputs {
		idx, err := betting.InputIndex(bc.funding.Tx, in.OutPoint)
		if err != nil {
			return 0, chainhash.Hash{}, err
		}
		witness, err := e.wallet.WitnessForInput(ctx, bc.funding.Tx, idx, in)
		if err != nil {
			return 0, chainhash.Hash{}, err
		}
		bc.funding.Tx.TxIn[idx].Witness = witness
	}

	fundingTxid := bc.funding.Tx.TxHash()

	// Persist before the side effect that depends on it.
	err = e.db.UpdateBet(bet.ID, func(b *betting.Bet) error {
		if b.State != betting.StateProposing {
			return fmt.Errorf("bet %d is %s, offer can no longer be taken", b.ID, b.State)
		}
		b.State = betting.StateUnconfirmed
		b.ChosenOutcome = bc.proposerOutcome
		b.OpposingOutcome = bc.offererOutcome
		b.FundingTxid = fundingTxid
		b.FundingVout = bc.funding.Vout
		b.FundingValue = b.MyValue + offer.Value
		b.FundingTx = serializeTx(bc.funding.Tx)
		b.TheirValue = offer.Value
		b.TheirKey = offer.PublicKey
		b.TheirInputs = offererInputs
		b.TheirChange = offer.Change
		b.OffererClaimKey = bc.offererClaimKey.SerializeCompressed()
		b.TheirAdaptorSig = offer.AdaptorSig
		b.FeeRate = offer.FeeRate
		return nil
	})
	if err != nil {
		return 0, chainhash.Hash{}, err
	}

	if err := e.wallet.Broadcast(ctx, bc.funding.Tx); err != nil {
		// The record stays unconfirmed; the next sync consults the chain.
		return bet.ID, fundingTxid, netErrf("broadcast funding transaction: %v", err)
	}
	e.log.Infof("bet %d funded by %s", bet.ID, fundingTxid)
	return bet.ID, fundingTxid, nil
}

// verifyForeignInput runs the script engine over a counterparty-signed
// input. The previous output is fetched from the chain.
func (e *Engine) verifyForeignInput(ctx context.Context, tx *wire.MsgTx, idx int, in betting.Input) error {
	info, err := e.wallet.Backend().Tx(ctx, in.OutPoint.Hash)
	if err != nil {
		if err == wallet.ErrTxNotFound {
			return fmt.Errorf("input %s not found on chain", in.OutPoint)
		}
		return err
	}
	if int(in.OutPoint.Index) >= len(info.Tx.TxOut) {
		return fmt.Errorf("input %s has no such output", in.OutPoint)
	}
	prevOut := info.Tx.TxOut[in.OutPoint.Index]
	if prevOut.Value != in.Value {
		return fmt.Errorf("input %s is worth %d sat, offer claims %d", in.OutPoint, prevOut.Value, in.Value)
	}
	fetcher := txscript.NewCannedPrevOutputFetcher(prevOut.PkScript, prevOut.Value)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	vm, err := txscript.NewEngine(prevOut.PkScript, tx, idx, txscript.StandardVerifyFlags, nil, sigHashes, prevOut.Value, fetcher)
	if err != nil {
		return err
	}
	return vm.Execute()
}
