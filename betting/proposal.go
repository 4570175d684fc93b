package betting

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/GoUpNumber/gun/encode"
)

// envelopePrefix marks a proposal so it is recognizable when pasted into a
// chat. Strictly decorative; parsing accepts its absence.
const envelopePrefix = "📣"

const proposalPayloadVersion = 1

// Proposal is the first of the two protocol messages. The human-readable
// envelope is `📣{value}#{oracle_id}#{event_path}#{base2048(payload)}`.
type Proposal struct {
	OracleID  string  `json:"oracle_id"`
	EventPath string  `json:"event_path"`
	Value     int64   `json:"value"` // satoshi
	PublicKey []byte  `json:"public_key"`
	Inputs    []Input `json:"inputs"`
	Change    *Change `json:"change,omitempty"`
	// PayoutScript is where the proposer wants winnings paid. The offerer
	// needs it to construct and presign the proposer's claim transaction.
	PayoutScript []byte `json:"payout_script"`
}

// EventID returns the proposal's event identifier.
func (p *Proposal) EventID() string {
	return p.OracleID + p.EventPath
}

// formatValue renders satoshis as decimal BTC with trailing zeros trimmed,
// the way proposals display amounts.
func formatValue(sats int64) string {
	s := strconv.FormatFloat(btcutil.Amount(sats).ToBTC(), 'f', 8, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

func parseValue(s string) (int64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	amt, err := btcutil.NewAmount(f)
	if err != nil {
		return 0, err
	}
	if amt <= 0 {
		return 0, fmt.Errorf("amount must be positive")
	}
	return int64(amt), nil
}

// Encode renders the proposal envelope.
func (p *Proposal) Encode() (string, error) {
	if !strings.HasPrefix(p.EventPath, "/") {
		return "", fmt.Errorf("event path %q does not begin with /", p.EventPath)
	}
	if strings.ContainsAny(p.OracleID, "#/") {
		return "", fmt.Errorf("oracle id %q contains reserved characters", p.OracleID)
	}
	payload, err := p.encodePayload()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%s#%s#%s#%s",
		envelopePrefix, formatValue(p.Value), p.OracleID, p.EventPath, encode.Encode(payload)), nil
}

// ParseProposal parses a proposal envelope.
func ParseProposal(s string) (*Proposal, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, envelopePrefix))
	segments := strings.SplitN(s, "#", 4)
	if len(segments) != 4 {
		return nil, fmt.Errorf("proposal has %d segments, want 4", len(segments))
	}
	value, err := parseValue(segments[0])
	if err != nil {
		return nil, err
	}
	oracleID := segments[1]
	if oracleID == "" || strings.Contains(oracleID, "/") {
		return nil, fmt.Errorf("invalid oracle id %q", oracleID)
	}
	eventPath := segments[2]
	if !strings.HasPrefix(eventPath, "/") {
		return nil, fmt.Errorf("event path %q does not begin with /", eventPath)
	}
	raw, err := encode.Decode(segments[3])
	if err != nil {
		return nil, fmt.Errorf("decode proposal payload: %w", err)
	}
	p := &Proposal{OracleID: oracleID, EventPath: eventPath, Value: value}
	if err := p.decodePayload(raw); err != nil {
		return nil, err
	}
	return p, nil
}

// Fingerprint hashes the full envelope. Offers bind to it as AEAD
// associated data so an offer cannot be replayed against another proposal.
func Fingerprint(envelope string) [32]byte {
	return sha256.Sum256([]byte(envelope))
}

func (p *Proposal) encodePayload() ([]byte, error) {
	if len(p.PublicKey) != 33 {
		return nil, fmt.Errorf("proposal public key is %d bytes, want 33", len(p.PublicKey))
	}
	if len(p.Inputs) == 0 {
		return nil, fmt.Errorf("proposal has no inputs")
	}
	var buf bytes.Buffer
	buf.WriteByte(proposalPayloadVersion)
	buf.Write(p.PublicKey)
	if err := writeInputs(&buf, p.Inputs); err != nil {
		return nil, err
	}
	if err := writeChange(&buf, p.Change); err != nil {
		return nil, err
	}
	if len(p.PayoutScript) == 0 || len(p.PayoutScript) > maxScriptLen {
		return nil, fmt.Errorf("payout script length %d out of range", len(p.PayoutScript))
	}
	if err := wire.WriteVarInt(&buf, 0, uint64(len(p.PayoutScript))); err != nil {
		return nil, err
	}
	buf.Write(p.PayoutScript)
	return buf.Bytes(), nil
}

func (p *Proposal) decodePayload(raw []byte) error {
	r := bytes.NewReader(raw)
	ver, err := r.ReadByte()
	if err != nil {
		return io.ErrUnexpectedEOF
	}
	if ver != proposalPayloadVersion {
		return fmt.Errorf("unknown proposal payload version %d", ver)
	}
	key := make([]byte, 33)
	if _, err := io.ReadFull(r, key); err != nil {
		return fmt.Errorf("read proposal public key: %w", err)
	}
	p.PublicKey = key
	p.Inputs, err = readInputs(r)
	if err != nil {
		return err
	}
	p.Change, err = readChange(r)
	if err != nil {
		return err
	}
	n, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return err
	}
	if n == 0 || n > maxScriptLen {
		return fmt.Errorf("payout script length %d out of range", n)
	}
	p.PayoutScript = make([]byte, n)
	if _, err := io.ReadFull(r, p.PayoutScript); err != nil {
		return fmt.Errorf("read payout script: %w", err)
	}
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes in proposal payload", r.Len())
	}
	return nil
}

// Shared pieces of the binary codec, also used by the offer plaintext.

func writeInputs(w io.Writer, inputs []Input) error {
	if err := wire.WriteVarInt(w, 0, uint64(len(inputs))); err != nil {
		return err
	}
	for _, in := range inputs {
		if err := writeOutPointValue(w, in); err != nil {
			return err
		}
	}
	return nil
}

func readInputs(r io.Reader) ([]Input, error) {
	n, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	if n == 0 || n > MaxOfferInputs {
		return nil, fmt.Errorf("message carries %d inputs, want 1..%d", n, MaxOfferInputs)
	}
	inputs := make([]Input, n)
	for i := range inputs {
		if inputs[i], err = readOutPointValue(r); err != nil {
			return nil, err
		}
	}
	return inputs, nil
}

func writeOutPointValue(w io.Writer, in Input) error {
	if _, err := w.Write(in.OutPoint.Hash[:]); err != nil {
		return err
	}
	if err := wire.WriteVarInt(w, 0, uint64(in.OutPoint.Index)); err != nil {
		return err
	}
	return wire.WriteVarInt(w, 0, uint64(in.Value))
}

func readOutPointValue(r io.Reader) (Input, error) {
	var in Input
	var h chainhash.Hash
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return in, fmt.Errorf("read input txid: %w", err)
	}
	vout, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return in, err
	}
	if vout > 0xFFFF {
		return in, fmt.Errorf("input vout %d out of range", vout)
	}
	value, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return in, err
	}
	if value == 0 || value > btcutil.MaxSatoshi {
		return in, fmt.Errorf("input value %d out of range", value)
	}
	in.OutPoint = wire.OutPoint{Hash: h, Index: uint32(vout)}
	in.Value = int64(value)
	return in, nil
}

func writeChange(w io.Writer, ch *Change) error {
	if ch == nil {
		_, err := w.Write([]byte{0})
		return err
	}
	if _, err := w.Write([]byte{1}); err != nil {
		return err
	}
	if err := wire.WriteVarInt(w, 0, uint64(ch.Value)); err != nil {
		return err
	}
	if err := wire.WriteVarInt(w, 0, uint64(len(ch.Script))); err != nil {
		return err
	}
	_, err := w.Write(ch.Script)
	return err
}

func readChange(r io.Reader) (*Change, error) {
	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return nil, fmt.Errorf("read change flag: %w", err)
	}
	switch flag[0] {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, fmt.Errorf("invalid change flag %d", flag[0])
	}
	value, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	if value == 0 || value > btcutil.MaxSatoshi {
		return nil, fmt.Errorf("change value %d out of range", value)
	}
	n, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	if n == 0 || n > maxScriptLen {
		return nil, fmt.Errorf("change script length %d out of range", n)
	}
	script := make([]byte, n)
	if _, err := io.ReadFull(r, script); err != nil {
		return nil, fmt.Errorf("read change script: %w", err)
	}
	return &Change{Value: int64(value), Script: script}, nil
}

const maxScriptLen = 64
