package betting

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/GoUpNumber/gun/encode"
)

// MaxOfferInputs bounds how many inputs either party may bring. The offer
// padding covers this worst case, so raising it changes the wire format.
const MaxOfferInputs = 10

const offerPayloadVersion = 1

// maxWitnessItemLen bounds a single witness item: a 72-byte DER signature
// plus sighash byte is the largest legitimate entry.
const maxWitnessItemLen = 73

// OfferPlaintextSize is the fixed size every offer plaintext is padded to:
// the worst case of MaxOfferInputs signed inputs plus a change output,
// rounded up. Every offer therefore encrypts to the same length and the
// blob leaks nothing about its structure.
const OfferPlaintextSize = 1800

// SealedOfferSize is the byte length of a sealed offer blob: the
// offerer's public key in the clear (the proposer derives the shared key
// from it), 24-byte nonce, padded plaintext, 16-byte tag.
const SealedOfferSize = 33 + chacha20poly1305.NonceSizeX + OfferPlaintextSize + 16

// SignedInput is a funding input the offerer has already signed. The
// witness is final; the proposer only checks it and slots it into the
// funding transaction.
type SignedInput struct {
	Input   Input    `json:"input"`
	Witness [][]byte `json:"witness"`
}

// Offer is the second protocol message: the offerer's side of the bet,
// sent back encrypted to the proposer's ephemeral key.
type Offer struct {
	PublicKey    []byte        `json:"public_key"`
	OutcomeIndex uint8         `json:"outcome_index"`
	Value        int64         `json:"value"` // satoshi
	FeeRate      uint32        `json:"fee_rate"`
	Inputs       []SignedInput `json:"inputs"`
	Change       *Change       `json:"change,omitempty"`
	AdaptorSig   *AdaptorSig   `json:"adaptor_sig"`
}

func (o *Offer) encodePlaintext() ([]byte, error) {
	if len(o.PublicKey) != 33 {
		return nil, fmt.Errorf("offer public key is %d bytes, want 33", len(o.PublicKey))
	}
	if len(o.Inputs) == 0 || len(o.Inputs) > MaxOfferInputs {
		return nil, fmt.Errorf("offer carries %d inputs, want 1..%d", len(o.Inputs), MaxOfferInputs)
	}
	if o.AdaptorSig == nil {
		return nil, fmt.Errorf("offer missing adaptor signature")
	}

	var buf bytes.Buffer
	buf.WriteByte(offerPayloadVersion)
	buf.Write(o.PublicKey)
	buf.WriteByte(o.OutcomeIndex)
	if err := wire.WriteVarInt(&buf, 0, uint64(o.Value)); err != nil {
		return nil, err
	}
	if err := wire.WriteVarInt(&buf, 0, uint64(o.FeeRate)); err != nil {
		return nil, err
	}
	if err := wire.WriteVarInt(&buf, 0, uint64(len(o.Inputs))); err != nil {
		return nil, err
	}
	for _, si := range o.Inputs {
		if err := writeOutPointValue(&buf, si.Input); err != nil {
			return nil, err
		}
		// Offer inputs are wallet P2WPKH outputs: the witness is exactly a
		// DER signature and a compressed key. The padding budget relies on
		// this bound.
		if len(si.Witness) != 2 {
			return nil, fmt.Errorf("input witness has %d items, want signature and key", len(si.Witness))
		}
		if err := wire.WriteVarInt(&buf, 0, uint64(len(si.Witness))); err != nil {
			return nil, err
		}
		for _, item := range si.Witness {
			if len(item) == 0 || len(item) > maxWitnessItemLen {
				return nil, fmt.Errorf("witness item of %d bytes", len(item))
			}
			if err := wire.WriteVarInt(&buf, 0, uint64(len(item))); err != nil {
				return nil, err
			}
			buf.Write(item)
		}
	}
	if err := writeChange(&buf, o.Change); err != nil {
		return nil, err
	}
	buf.Write(o.AdaptorSig.Serialize())

	if buf.Len() > OfferPlaintextSize {
		return nil, fmt.Errorf("offer plaintext is %d bytes, exceeds padded size %d", buf.Len(), OfferPlaintextSize)
	}
	padding := make([]byte, OfferPlaintextSize-buf.Len())
	if _, err := rand.Read(padding); err != nil {
		return nil, err
	}
	buf.Write(padding)
	return buf.Bytes(), nil
}

func decodeOfferPlaintext(raw []byte) (*Offer, error) {
	if len(raw) != OfferPlaintextSize {
		return nil, fmt.Errorf("offer plaintext is %d bytes, want %d", len(raw), OfferPlaintextSize)
	}
	r := bytes.NewReader(raw)
	ver, err := r.ReadByte()
	if err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	if ver != offerPayloadVersion {
		return nil, fmt.Errorf("unknown offer payload version %d", ver)
	}

	o := &Offer{}
	key := make([]byte, 33)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("read offer public key: %w", err)
	}
	o.PublicKey = key
	outcome, err := r.ReadByte()
	if err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	o.OutcomeIndex = outcome

	value, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	if value == 0 || value > btcutil.MaxSatoshi {
		return nil, fmt.Errorf("offer value %d out of range", value)
	}
	o.Value = int64(value)
	feeRate, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	if feeRate == 0 || feeRate > 10_000 {
		return nil, fmt.Errorf("fee rate %d out of range", feeRate)
	}
	o.FeeRate = uint32(feeRate)

	n, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	if n == 0 || n > MaxOfferInputs {
		return nil, fmt.Errorf("offer carries %d inputs, want 1..%d", n, MaxOfferInputs)
	}
	o.Inputs = make([]SignedInput, n)
	for i := range o.Inputs {
		in, err := readOutPointValue(r)
		if err != nil {
			return nil, err
		}
		nw, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return nil, err
		}
		if nw != 2 {
			return nil, fmt.Errorf("input witness has %d items, want signature and key", nw)
		}
		witness := make([][]byte, nw)
		for j := range witness {
			itemLen, err := wire.ReadVarInt(r, 0)
			if err != nil {
				return nil, err
			}
			if itemLen == 0 || itemLen > maxWitnessItemLen {
				return nil, fmt.Errorf("witness item of %d bytes", itemLen)
			}
			item := make([]byte, itemLen)
			if _, err := io.ReadFull(r, item); err != nil {
				return nil, fmt.Errorf("read witness item: %w", err)
			}
			witness[j] = item
		}
		o.Inputs[i] = SignedInput{Input: in, Witness: witness}
	}

	if o.Change, err = readChange(r); err != nil {
		return nil, err
	}

	sigRaw := make([]byte, AdaptorSigSize)
	if _, err := io.ReadFull(r, sigRaw); err != nil {
		return nil, fmt.Errorf("read adaptor signature: %w", err)
	}
	if o.AdaptorSig, err = ParseAdaptorSig(sigRaw); err != nil {
		return nil, err
	}

	// Whatever remains is random padding.
	return o, nil
}

// Seal encrypts the offer to the proposer: the AEAD is keyed by
// ECDH(offerer key, P), the associated data binds the blob to the exact
// proposal envelope, and the result is base-2048 with constant length.
func (o *Offer) Seal(offererPriv *secp256k1.PrivateKey, proposerKey *secp256k1.PublicKey, proposalEnvelope string) (string, error) {
	plaintext, err := o.encodePlaintext()
	if err != nil {
		return "", err
	}
	aead, err := SharedCipher(offererPriv, proposerKey)
	if err != nil {
		return "", err
	}
	blob := make([]byte, 0, SealedOfferSize)
	blob = append(blob, offererPriv.PubKey().SerializeCompressed()...)
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	blob = append(blob, nonce...)
	fp := Fingerprint(proposalEnvelope)
	blob = aead.Seal(blob, nonce, plaintext, fp[:])
	if len(blob) != SealedOfferSize {
		return "", fmt.Errorf("sealed offer is %d bytes, want %d", len(blob), SealedOfferSize)
	}
	return encode.Encode(blob), nil
}

// OpenOffer decrypts and parses a sealed offer blob with the proposer's
// ephemeral secret. A failed MAC means the blob is tampered, encrypted to
// someone else, or bound to a different proposal.
func OpenOffer(blob string, proposerPriv *secp256k1.PrivateKey, proposalEnvelope string) (*Offer, error) {
	raw, err := encode.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("decode offer blob: %w", err)
	}
	if len(raw) != SealedOfferSize {
		return nil, fmt.Errorf("offer blob is %d bytes, want %d", len(raw), SealedOfferSize)
	}
	offererKey, err := secp256k1.ParsePubKey(raw[:33])
	if err != nil {
		return nil, fmt.Errorf("parse offerer key: %w", err)
	}
	aead, err := SharedCipher(proposerPriv, offererKey)
	if err != nil {
		return nil, err
	}
	nonce := raw[33 : 33+chacha20poly1305.NonceSizeX]
	ciphertext := raw[33+chacha20poly1305.NonceSizeX:]
	fp := Fingerprint(proposalEnvelope)
	plaintext, err := aead.Open(nil, nonce, ciphertext, fp[:])
	if err != nil {
		return nil, fmt.Errorf("offer authentication failed: %w", err)
	}
	offer, err := decodeOfferPlaintext(plaintext)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(offer.PublicKey, raw[:33]) {
		return nil, fmt.Errorf("offer public key does not match blob header")
	}
	return offer, nil
}
