package betting

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// BetScript builds the witness script locking the bet output. Two spend
// paths, one per winner:
//
//	IF   2 <P> <Q> 2 OP_CHECKMULTISIG          (proposer claims)
//	ELSE <Q + A_q> OP_CHECKSIG                 (offerer claims)
//
// The proposer path needs the offerer's presignature, completed with the
// attestation scalar for the proposer's outcome. The offerer path pays a
// key tweaked by the attestation point of the offerer's outcome, so its
// secret (q + s_q) only exists once the oracle attests that outcome.
// Either way a spend is possible exactly when the spender has learned the
// scalar for their side. All claim signatures are DER ECDSA with a
// SigHashAll byte, the only form the v0 checksig opcodes accept.
func BetScript(proposerKey, offererKey, offererClaimKey []byte) ([]byte, error) {
	for _, key := range [][]byte{proposerKey, offererKey, offererClaimKey} {
		if len(key) != 33 {
			return nil, fmt.Errorf("need 33-byte compressed keys")
		}
	}
	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_IF).
		AddOp(txscript.OP_2).
		AddData(proposerKey).
		AddData(offererKey).
		AddOp(txscript.OP_2).
		AddOp(txscript.OP_CHECKMULTISIG).
		AddOp(txscript.OP_ELSE).
		AddData(offererClaimKey).
		AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_ENDIF)
	return b.Script()
}

// BetPkScript returns the P2WSH output script for a bet witness script.
func BetPkScript(witnessScript []byte) ([]byte, error) {
	h := sha256.Sum256(witnessScript)
	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_0).AddData(h[:])
	return b.Script()
}

// ProposerClaimWitness assembles the multisig-path witness. The empty
// leading element feeds OP_CHECKMULTISIG's extra pop; signatures match the
// key order in the script.
func ProposerClaimWitness(proposerSig, offererSig, witnessScript []byte) wire.TxWitness {
	return wire.TxWitness{nil, proposerSig, offererSig, {0x01}, witnessScript}
}

// OffererClaimWitness assembles the single-key-path witness.
func OffererClaimWitness(sig, witnessScript []byte) wire.TxWitness {
	return wire.TxWitness{sig, nil, witnessScript}
}

// TweakPubKey returns pub + tweak, the offerer claim key when tweak is the
// attestation point of the offerer's outcome.
func TweakPubKey(pub, tweak *secp256k1.PublicKey) (*secp256k1.PublicKey, error) {
	return addPoints(pub, tweak)
}

// TweakPrivKey returns the secret for a tweaked key: priv + scalar. It
// fails unless the result actually matches expected, the same redundant
// check as completing an adaptor signature.
func TweakPrivKey(priv *secp256k1.PrivateKey, scalar [32]byte, expected *secp256k1.PublicKey) (*secp256k1.PrivateKey, error) {
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(scalar[:]); overflow {
		return nil, fmt.Errorf("scalar overflow")
	}
	s.Add(&priv.Key)
	if s.IsZero() {
		return nil, fmt.Errorf("tweaked secret is zero")
	}
	b := s.Bytes()
	combined := secp256k1.PrivKeyFromBytes(b[:])
	if !combined.PubKey().IsEqual(expected) {
		return nil, fmt.Errorf("attestation scalar does not open the claim key")
	}
	return combined, nil
}

// ClaimSigHash computes the digest a claim signature commits to: the
// BIP143 sighash of the claim transaction's single input against the bet
// witness script and value.
func ClaimSigHash(claimTx *wire.MsgTx, witnessScript []byte, fundingValue int64) ([]byte, error) {
	pkScript, err := BetPkScript(witnessScript)
	if err != nil {
		return nil, err
	}
	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, fundingValue)
	sigHashes := txscript.NewTxSigHashes(claimTx, fetcher)
	m, err := txscript.CalcWitnessSigHash(witnessScript, sigHashes, txscript.SigHashAll, claimTx, 0, fundingValue)
	if err != nil {
		return nil, err
	}
	if len(m) != 32 {
		return nil, fmt.Errorf("sighash is %d bytes", len(m))
	}
	return m, nil
}
