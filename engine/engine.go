// Package engine drives a bet through its state machine: proposal
// construction, offer construction, offer-to-bet promotion, on-chain
// tracking, outcome adjudication and the claim and cancel flows. It is the
// only layer that decides whether a failure retries, advances state or
// aborts; everything below reports structured errors and everything above
// (the CLI) just renders them.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/decred/slog"

	"github.com/GoUpNumber/gun/betdb"
	"github.com/GoUpNumber/gun/oracle"
	"github.com/GoUpNumber/gun/wallet"
)

// FailureKind classifies engine errors for reporting and exit codes.
type FailureKind int

const (
	// KindUserInput is a malformed or unacceptable request; nothing was
	// changed.
	KindUserInput FailureKind = iota + 1
	// KindNetwork is an exhausted retryable failure; bet state unchanged.
	KindNetwork
	// KindProtocol is a counterparty or oracle misbehaving.
	KindProtocol
	// KindWalletBusy is an input reservation collision.
	KindWalletBusy
	// KindDataIntegrity is an unrepairable store divergence.
	KindDataIntegrity
)

// ExitCode maps a failure to the CLI contract: 1 user error, 2 network,
// 3 data integrity.
func (k FailureKind) ExitCode() int {
	switch k {
	case KindNetwork:
		return 2
	case KindDataIntegrity:
		return 3
	default:
		return 1
	}
}

// Error carries a failure kind alongside the cause.
type Error struct {
	Kind FailureKind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind, defaulting to user input.
func KindOf(err error) FailureKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, betdb.ErrDataIntegrity) {
		return KindDataIntegrity
	}
	return KindUserInput
}

func userErrf(format string, args ...interface{}) error {
	return &Error{Kind: KindUserInput, Err: fmt.Errorf(format, args...)}
}

func netErrf(format string, args ...interface{}) error {
	return &Error{Kind: KindNetwork, Err: fmt.Errorf(format, args...)}
}

func protoErrf(format string, args ...interface{}) error {
	return &Error{Kind: KindProtocol, Err: fmt.Errorf(format, args...)}
}

// Config are the engine's knobs, wired from the config file.
type Config struct {
	// MinEventMargin refuses bets on events closer than this to their
	// outcome time.
	MinEventMargin time.Duration
	// FeeRate in sat/vB used for funding contributions and claims.
	FeeRate uint32
	// ClaimConfirmations is the depth at which a claim counts as final.
	ClaimConfirmations uint32
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinEventMargin:     time.Hour,
		FeeRate:            2,
		ClaimConfirmations: 1,
	}
}

// Engine coordinates the wallet, the oracle client and the bet store.
type Engine struct {
	wallet  *wallet.Wallet
	oracles *oracle.Client
	db      betdb.BetDB
	cfg     Config
	log     slog.Logger

	// One sync at a time within the process.
	syncMu sync.Mutex
}

// New wires an engine. Reservations held by non-terminal bets are restored
// into the wallet before any command runs.
func New(w *wallet.Wallet, oracles *oracle.Client, db betdb.BetDB, cfg Config, log slog.Logger) (*Engine, error) {
	reserved, err := db.ReservedOutpoints()
	if err != nil {
		return nil, err
	}
	ops := make([]wire.OutPoint, 0, len(reserved))
	for op := range reserved {
		ops = append(ops, op)
	}
	w.MarkReserved(ops)
	return &Engine{wallet: w, oracles: oracles, db: db, cfg: cfg, log: log}, nil
}

// DB exposes the store for the CLI's list and inspect commands.
func (e *Engine) DB() betdb.BetDB {
	return e.db
}

// Wallet exposes the wallet adapter for the CLI's wallet commands.
func (e *Engine) Wallet() *wallet.Wallet {
	return e.wallet
}
