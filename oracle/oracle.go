// Package oracle speaks to attestation oracles: it fetches event
// announcements and attestations over HTTP and verifies both against the
// oracle's published keys. An oracle is identified by a DNS name; trust is
// established once, when the user explicitly accepts the key returned by
// the oracle root endpoint.
package oracle

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// CurveID is the only announcement curve this wallet understands.
const CurveID = "secp256k1-schnorr"

// Info is the trusted record for an oracle, created by `gun bet oracle add`
// and never mutated afterwards.
type Info struct {
	ID              string `json:"id"`
	AnnouncementKey B33    `json:"announcement_key"`
	AttestationKey  B33    `json:"attestation_key"`
	CurveID         string `json:"curve_id"`
}

// Event is an oracle-announced future fact with a finite outcome set.
// Immutable once fetched.
type Event struct {
	OracleID    string    `json:"oracle_id"`
	Path        string    `json:"path"`
	OutcomeTime time.Time `json:"outcome_time"`
	Outcomes    []string  `json:"outcomes"`
	Nonce       B33       `json:"nonce"`
}

// ID returns the event identifier, oracle id concatenated with the path.
func (e *Event) ID() string {
	return e.OracleID + e.Path
}

// OutcomeIndex returns the position of label in the outcome set, or -1.
func (e *Event) OutcomeIndex(label string) int {
	for i, o := range e.Outcomes {
		if o == label {
			return i
		}
	}
	return -1
}

func (e *Event) validate() error {
	if !strings.HasPrefix(e.Path, "/") {
		return fmt.Errorf("event path %q does not begin with /", e.Path)
	}
	if len(e.Outcomes) != 2 {
		return fmt.Errorf("event has %d outcomes, only binary events are supported", len(e.Outcomes))
	}
	if e.Outcomes[0] == e.Outcomes[1] {
		return fmt.Errorf("event outcomes are not distinct")
	}
	return nil
}

// Attestation is the oracle's published outcome scalar for an event.
type Attestation struct {
	EventID string `json:"event_id"`
	Outcome string `json:"outcome"`
	Scalar  B32    `json:"scalar"`
}

// B33 is a 33-byte compressed curve point that marshals as hex.
type B33 [33]byte

func (b B33) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(b[:]))
}

func (b *B33) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decode point hex: %w", err)
	}
	if len(raw) != 33 {
		return fmt.Errorf("point is %d bytes, want 33", len(raw))
	}
	copy(b[:], raw)
	return nil
}

// PubKey parses the point, failing on off-curve encodings.
func (b B33) PubKey() (*secp256k1.PublicKey, error) {
	return secp256k1.ParsePubKey(b[:])
}

// B32 is a 32-byte scalar that marshals as hex.
type B32 [32]byte

func (b B32) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(b[:]))
}

func (b *B32) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decode scalar hex: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("scalar is %d bytes, want 32", len(raw))
	}
	copy(b[:], raw)
	return nil
}

// NewB33 copies a compressed point into a B33. Panics on wrong length,
// which only happens on programmer error.
func NewB33(raw []byte) B33 {
	if len(raw) != 33 {
		panic(fmt.Sprintf("NewB33: %d bytes", len(raw)))
	}
	var b B33
	copy(b[:], raw)
	return b
}
