// Package wallet wraps the on-chain side of the betting wallet: HD key
// derivation, a pluggable chain backend (Esplora over HTTP in production),
// UTXO selection with persistent reservations, and transaction signing.
// The protocol engine only sees the small adapter surface, never the
// backend directly.
package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Branches of the derivation tree. External addresses are handed out for
// receiving; internal ones back change and bet payouts.
const (
	branchExternal uint32 = 0
	branchInternal uint32 = 1
)

// Keychain derives wallet keys from the seed. It is purely computational;
// counters for handed-out addresses live in the wallet store.
type Keychain struct {
	seed   []byte
	master *hdkeychain.ExtendedKey
	params *chaincfg.Params
}

// NewKeychain builds the derivation tree from the wallet seed.
func NewKeychain(seed []byte, params *chaincfg.Params) (*Keychain, error) {
	if len(seed) < 16 {
		return nil, fmt.Errorf("seed is %d bytes, want at least 16", len(seed))
	}
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	return &Keychain{seed: seed, master: master, params: params}, nil
}

// Seed exposes the raw seed for the protocol key derivation, which is
// deliberately separate from the HD tree.
func (k *Keychain) Seed() []byte {
	return k.seed
}

func (k *Keychain) privKey(branch, index uint32) (*btcec.PrivateKey, error) {
	b, err := k.master.Derive(branch)
	if err != nil {
		return nil, err
	}
	child, err := b.Derive(index)
	if err != nil {
		return nil, err
	}
	return child.ECPrivKey()
}

// Script returns the P2WPKH output script for a derivation slot.
func (k *Keychain) Script(branch, index uint32) ([]byte, error) {
	priv, err := k.privKey(branch, index)
	if err != nil {
		return nil, err
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(priv.PubKey().SerializeCompressed()), k.params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// Address returns the bech32 address for a derivation slot.
func (k *Keychain) Address(branch, index uint32) (btcutil.Address, error) {
	priv, err := k.privKey(branch, index)
	if err != nil {
		return nil, err
	}
	return btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(priv.PubKey().SerializeCompressed()), k.params)
}

// KeyForScript finds the private key whose P2WPKH script equals script,
// searching both branches up to the given bounds.
func (k *Keychain) KeyForScript(script []byte, externalMax, internalMax uint32) (*btcec.PrivateKey, error) {
	for _, scan := range []struct {
		branch uint32
		max    uint32
	}{{branchExternal, externalMax}, {branchInternal, internalMax}} {
		for i := uint32(0); i < scan.max; i++ {
			candidate, err := k.Script(scan.branch, i)
			if err != nil {
				return nil, err
			}
			if string(candidate) == string(script) {
				return k.privKey(scan.branch, i)
			}
		}
	}
	return nil, fmt.Errorf("no wallet key for script %x", script)
}
