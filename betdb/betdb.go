// Package betdb persists bet records and trusted oracle records. All bet
// writes go through a write-ahead log so that a crash between the log
// append and the primary update is repaired on the next open, never lost.
package betdb

import (
	"errors"

	"github.com/btcsuite/btcd/wire"

	"github.com/GoUpNumber/gun/betting"
	"github.com/GoUpNumber/gun/oracle"
)

var (
	ErrBetNotFound    = errors.New("bet not found")
	ErrOracleNotFound = errors.New("oracle not found")
	ErrOracleExists   = errors.New("oracle already added")
	ErrOracleInUse    = errors.New("oracle is referenced by a non-terminal bet")
	ErrBadTransition  = errors.New("state transition not permitted")
	ErrDataIntegrity  = errors.New("bet database and transition log diverge")
)

// BetDB is the persistence surface the engine drives. Implementations must
// be safe for use from a single process; cross-process exclusion comes from
// the underlying file lock.
type BetDB interface {
	// InsertBet assigns the next bet id, stamps it into the record and
	// persists it.
	InsertBet(bet *betting.Bet) (betting.BetID, error)

	// GetBet returns ErrBetNotFound for unknown ids.
	GetBet(id betting.BetID) (*betting.Bet, error)

	// ListBets returns all bets ordered by id.
	ListBets() ([]*betting.Bet, error)

	// UpdateBet applies fn to the stored record under an exclusive lock
	// and persists the result. A state change must follow the transition
	// graph or the update fails with ErrBadTransition.
	UpdateBet(id betting.BetID, fn func(*betting.Bet) error) error

	// ReservedOutpoints rebuilds the reserved-utxo index from primary
	// records: every outpoint held by a bet in a non-terminal state.
	ReservedOutpoints() (map[wire.OutPoint]betting.BetID, error)

	InsertOracle(info *oracle.Info) error
	GetOracle(id string) (*oracle.Info, error)
	ListOracles() ([]*oracle.Info, error)
	// DeleteOracle refuses with ErrOracleInUse while any non-terminal bet
	// references the oracle.
	DeleteOracle(id string) error

	Close() error
}
