package engine

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/GoUpNumber/gun/betting"
)

// Claim sweeps a won bet. The winner finishes their side of the witness
// with the attestation scalar: the proposer completes the offerer's
// adaptor presignature and co-signs the multisig path; the offerer signs
// the tweaked single-key path with the combined secret.
func (e *Engine) Claim(ctx context.Context, id betting.BetID, payoutScript []byte) (chainhash.Hash, error) {
	bet, err := e.db.GetBet(id)
	if err != nil {
		return chainhash.Hash{}, err
	}
	if bet.State != betting.StateWon && bet.State != betting.StateClaiming {
		return chainhash.Hash{}, userErrf("bet %d is %s, only won bets can be claimed", id, bet.State)
	}
	if bet.Attestation == nil {
		return chainhash.Hash{}, protoErrf("bet %d is won but has no attestation", id)
	}

	if payoutScript == nil {
		payoutScript = bet.MyPayoutScript
	} else if bet.Role == betting.RoleProposer && !bytes.Equal(payoutScript, bet.MyPayoutScript) {
		// The counterparty presigned the claim paying our recorded payout
		// script; any other destination would invalidate the presignature.
		return chainhash.Hash{}, userErrf("bet %d was presigned to its original payout address and cannot pay elsewhere", id)
	}
	claimTx, err := betting.BuildClaimTx(bet.FundingOutPoint(), bet.FundingValue, payoutScript, bet.FeeRate)
	if err != nil {
		return chainhash.Hash{}, err
	}
	witnessScript, err := bet.WitnessScript()
	if err != nil {
		return chainhash.Hash{}, err
	}
	m, err := betting.ClaimSigHash(claimTx, witnessScript, bet.FundingValue)
	if err != nil {
		return chainhash.Hash{}, err
	}

	var witness wire.TxWitness
	switch bet.Role {
	case betting.RoleProposer:
		witness, err = e.proposerClaimWitness(bet, m, witnessScript)
	case betting.RoleOfferer:
		witness, err = e.offererClaimWitness(bet, m, witnessScript)
	default:
		err = fmt.Errorf("unknown role %q", bet.Role)
	}
	if err != nil {
		return chainhash.Hash{}, err
	}
	if err := betting.FinalizeClaimTx(claimTx, witness); err != nil {
		return chainhash.Hash{}, err
	}
	claimTxid := claimTx.TxHash()

	err = e.db.UpdateBet(id, func(b *betting.Bet) error {
		if b.State == betting.StateWon {
			b.State = betting.StateClaiming
		}
		b.ClaimTxid = &claimTxid
		return nil
	})
	if err != nil {
		return chainhash.Hash{}, err
	}

	if err := e.wallet.Broadcast(ctx, claimTx); err != nil {
		// An already-spent bet output means the claim went through some
		// other way; sync settles the record.
		if strings.Contains(err.Error(), "spent") {
			e.log.Infof("bet %d output already spent, treating as claimed externally", id)
			return claimTxid, nil
		}
		return claimTxid, netErrf("broadcast claim: %v", err)
	}
	e.log.Infof("claiming bet %d with %s", id, claimTxid)
	return claimTxid, nil
}

// ClaimAll claims every bet currently in the won state.
func (e *Engine) ClaimAll(ctx context.Context) (map[betting.BetID]chainhash.Hash, error) {
	bets, err := e.db.ListBets()
	if err != nil {
		return nil, err
	}
	claimed := make(map[betting.BetID]chainhash.Hash)
	for _, bet := range bets {
		if bet.State != betting.StateWon {
			continue
		}
		txid, err := e.Claim(ctx, bet.ID, nil)
		if err != nil {
			return claimed, err
		}
		claimed[bet.ID] = txid
	}
	return claimed, nil
}

func (e *Engine) proposerClaimWitness(bet *betting.Bet, m []byte, witnessScript []byte) (wire.TxWitness, error) {
	if bet.TheirAdaptorSig == nil {
		return nil, protoErrf("bet %d has no counterparty presignature", bet.ID)
	}
	// The presignature was made over our deterministic claim transaction;
	// completing it with the attestation scalar yields the offerer's half.
	offererKey, err := secp256k1.ParsePubKey(bet.TheirKey)
	if err != nil {
		return nil, err
	}
	offererSig, err := bet.TheirAdaptorSig.Complete(bet.Attestation.Scalar, offererKey, m)
	if err != nil {
		return nil, protoErrf("complete presignature for bet %d: %v", bet.ID, err)
	}
	priv := secp256k1.PrivKeyFromBytes(bet.MySecret)
	mySig, err := betting.SignDigest(priv, m)
	if err != nil {
		return nil, err
	}
	mySig = append(mySig, byte(txscript.SigHashAll))
	offererSig = append(offererSig, byte(txscript.SigHashAll))
	return betting.ProposerClaimWitness(mySig, offererSig, witnessScript), nil
}

func (e *Engine) offererClaimWitness(bet *betting.Bet, m []byte, witnessScript []byte) (wire.TxWitness, error) {
	claimKey, err := secp256k1.ParsePubKey(bet.OffererClaimKey)
	if err != nil {
		return nil, err
	}
	priv := secp256k1.PrivKeyFromBytes(bet.MySecret)
	combined, err := betting.TweakPrivKey(priv, bet.Attestation.Scalar, claimKey)
	if err != nil {
		return nil, protoErrf("combine claim secret for bet %d: %v", bet.ID, err)
	}
	sig, err := betting.SignDigest(combined, m)
	if err != nil {
		return nil, err
	}
	sig = append(sig, byte(txscript.SigHashAll))
	return betting.OffererClaimWitness(sig, witnessScript), nil
}
