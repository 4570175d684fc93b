package engine

import (
	"context"
	"errors"
	"time"

	"github.com/GoUpNumber/gun/betting"
	"github.com/GoUpNumber/gun/oracle"
	"github.com/GoUpNumber/gun/wallet"
)

// SyncEvent is one observed transition, reported back to the caller
// instead of being printed from the middle of the engine.
type SyncEvent struct {
	BetID betting.BetID `json:"bet_id"`
	From  betting.State `json:"from"`
	To    betting.State `json:"to"`
	Note  string        `json:"note,omitempty"`
}

// Sync walks every bet and advances it against the chain and the oracle.
// Order within a sync: funding confirmations, then attestations, then
// claim confirmations. Only one sync runs at a time in the process.
func (e *Engine) Sync(ctx context.Context) ([]SyncEvent, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	var events []SyncEvent
	record := func(ev SyncEvent) {
		events = append(events, ev)
		e.log.Infof("bet %d: %s -> %s %s", ev.BetID, ev.From, ev.To, ev.Note)
	}

	bets, err := e.db.ListBets()
	if err != nil {
		return nil, err
	}

	// Pass 1: funding.
	for _, bet := range bets {
		var err error
		switch bet.State {
		case betting.StateProposing, betting.StateOffered:
			err = e.syncPending(ctx, bet, record)
		case betting.StateUnconfirmed:
			err = e.syncUnconfirmed(ctx, bet, record)
		case betting.StateCancelling:
			err = e.syncCancelling(ctx, bet, record)
		}
		if err != nil {
			return events, err
		}
	}

	// Pass 2: attestations.
	bets, err = e.db.ListBets()
	if err != nil {
		return events, err
	}
	for _, bet := range bets {
		if bet.State != betting.StateConfirmed {
			continue
		}
		if err := e.syncConfirmed(ctx, bet, record); err != nil {
			return events, err
		}
	}

	// Pass 3: claims.
	bets, err = e.db.ListBets()
	if err != nil {
		return events, err
	}
	for _, bet := range bets {
		if bet.State != betting.StateWon && bet.State != betting.StateClaiming {
			continue
		}
		if err := e.syncClaim(ctx, bet, record); err != nil {
			return events, err
		}
	}

	return events, nil
}

// spentElsewhere reports whether any of our own inputs to the bet is spent
// by a transaction other than the expected funding transaction.
func (e *Engine) spentElsewhere(ctx context.Context, bet *betting.Bet) (bool, error) {
	for _, in := range bet.MyInputs {
		spend, err := e.wallet.Backend().Spender(ctx, in.OutPoint)
		if err != nil {
			return false, netErrf("check spender of %s: %v", in.OutPoint, err)
		}
		if spend == nil {
			continue
		}
		if bet.FundingTxid != spend.Txid {
			return true, nil
		}
	}
	return false, nil
}

// syncPending handles proposing and offered bets: funding may appear (the
// offerer sees the proposer broadcast), or a reserved input may be spent
// out from under the bet.
func (e *Engine) syncPending(ctx context.Context, bet *betting.Bet, record func(SyncEvent)) error {
	if bet.State == betting.StateOffered {
		info, err := e.wallet.Backend().Tx(ctx, bet.FundingTxid)
		switch {
		case err == nil:
			to := betting.StateUnconfirmed
			var height uint32
			if info.Confirmations >= 1 {
				to = betting.StateConfirmed
				height = info.Height
			}
			return e.transition(bet.ID, bet.State, to, record, func(b *betting.Bet) {
				if to == betting.StateConfirmed {
					b.Heights.FundedAt = height
					e.releaseFunded(b)
				}
			})
		case errors.Is(err, wallet.ErrTxNotFound):
		default:
			return netErrf("fetch funding %s: %v", bet.FundingTxid, err)
		}
	}

	spent, err := e.spentElsewhere(ctx, bet)
	if err != nil {
		return err
	}
	if spent {
		return e.transition(bet.ID, bet.State, betting.StateCancelledDoubleSpent, record, func(b *betting.Bet) {
			e.releaseFunded(b)
		})
	}
	return nil
}

func (e *Engine) syncUnconfirmed(ctx context.Context, bet *betting.Bet, record func(SyncEvent)) error {
	info, err := e.wallet.Backend().Tx(ctx, bet.FundingTxid)
	switch {
	case err == nil:
		if info.Confirmations >= 1 {
			height := info.Height
			return e.transition(bet.ID, bet.State, betting.StateConfirmed, record, func(b *betting.Bet) {
				b.Heights.FundedAt = height
				e.releaseFunded(b)
			})
		}
		return nil
	case errors.Is(err, wallet.ErrTxNotFound):
		// Absence alone is not cancellation (mempool eviction, reorg).
		// Only an actually conflicting spend cancels the bet.
		spent, err := e.spentElsewhere(ctx, bet)
		if err != nil {
			return err
		}
		if spent {
			return e.transition(bet.ID, bet.State, betting.StateCancelledDoubleSpent, record, func(b *betting.Bet) {
				e.releaseFunded(b)
			})
		}
		return nil
	default:
		return netErrf("fetch funding %s: %v", bet.FundingTxid, err)
	}
}

func (e *Engine) syncCancelling(ctx context.Context, bet *betting.Bet, record func(SyncEvent)) error {
	if bet.CancelTxid == nil {
		return nil
	}
	info, err := e.wallet.Backend().Tx(ctx, *bet.CancelTxid)
	if errors.Is(err, wallet.ErrTxNotFound) {
		return nil
	}
	if err != nil {
		return netErrf("fetch cancel %s: %v", bet.CancelTxid, err)
	}
	if info.Confirmations >= 1 {
		return e.transition(bet.ID, bet.State, betting.StateCancelled, record, func(b *betting.Bet) {
			e.releaseFunded(b)
		})
	}
	return nil
}

func (e *Engine) syncConfirmed(ctx context.Context, bet *betting.Bet, record func(SyncEvent)) error {
	// Reorg check: a funding transaction that fell out of the chain sends
	// the bet back to unconfirmed tracking.
	info, err := e.wallet.Backend().Tx(ctx, bet.FundingTxid)
	if errors.Is(err, wallet.ErrTxNotFound) || (err == nil && info.Confirmations == 0) {
		return e.transition(bet.ID, bet.State, betting.StateUnconfirmed, record, func(b *betting.Bet) {
			b.Heights.FundedAt = 0
		})
	}
	if err != nil {
		return netErrf("fetch funding %s: %v", bet.FundingTxid, err)
	}

	if time.Now().Before(bet.Event.OutcomeTime) {
		return nil
	}
	oracleInfo, err := e.db.GetOracle(bet.OracleID)
	if err != nil {
		return err
	}
	att, err := e.oracles.FetchAttestation(ctx, oracleInfo, bet.Event)
	if errors.Is(err, oracle.ErrNotAttested) {
		return nil
	}
	if err != nil {
		return netErrf("fetch attestation for %s: %v", bet.Event.ID(), err)
	}

	if bet.Event.OutcomeIndex(att.Outcome) < 0 || !oracle.VerifyAttestation(oracleInfo, bet.Event, att) {
		e.log.Warnf("oracle %s attested %q with an invalid scalar or unknown outcome for %s",
			bet.OracleID, att.Outcome, bet.Event.ID())
		return e.transition(bet.ID, bet.State, betting.StateOracleMisbehaved, record, func(b *betting.Bet) {
			b.Attestation = att
		})
	}

	tip, err := e.wallet.Backend().TipHeight(ctx)
	if err != nil {
		return netErrf("fetch tip: %v", err)
	}
	to := betting.StateLost
	if att.Outcome == bet.ChosenOutcome {
		to = betting.StateWon
	}
	return e.transition(bet.ID, bet.State, to, record, func(b *betting.Bet) {
		b.Attestation = att
		b.Heights.AttestedAt = tip
	})
}

func (e *Engine) syncClaim(ctx context.Context, bet *betting.Bet, record func(SyncEvent)) error {
	// Our own claim confirming is the usual path.
	if bet.ClaimTxid != nil {
		info, err := e.wallet.Backend().Tx(ctx, *bet.ClaimTxid)
		if err == nil && info.Confirmations >= e.cfg.ClaimConfirmations {
			height := info.Height
			return e.transition(bet.ID, bet.State, betting.StateClaimed, record, func(b *betting.Bet) {
				b.Heights.ClaimedAt = height
			})
		}
		if err != nil && !errors.Is(err, wallet.ErrTxNotFound) {
			return netErrf("fetch claim %s: %v", bet.ClaimTxid, err)
		}
	}

	// The bet output spent by someone else's transaction also settles the
	// bet, e.g. a claim made from another copy of the wallet.
	spend, err := e.wallet.Backend().Spender(ctx, bet.FundingOutPoint())
	if err != nil {
		return netErrf("check bet output spend: %v", err)
	}
	if spend == nil {
		return nil
	}
	info, err := e.wallet.Backend().Tx(ctx, spend.Txid)
	if err != nil || info.Confirmations < e.cfg.ClaimConfirmations {
		return nil
	}
	txid := spend.Txid
	height := info.Height
	return e.transition(bet.ID, bet.State, betting.StateClaimed, record, func(b *betting.Bet) {
		b.ClaimTxid = &txid
		b.Heights.ClaimedAt = height
	})
}

// transition persists a state change and reports it. The mutate hook runs
// inside the store update.
func (e *Engine) transition(id betting.BetID, from, to betting.State, record func(SyncEvent), mutate func(*betting.Bet)) error {
	if from == to {
		return nil
	}
	applied := false
	err := e.db.UpdateBet(id, func(b *betting.Bet) error {
		if b.State != from {
			// Changed under us; the next sync pass sees the new state.
			return nil
		}
		b.State = to
		if mutate != nil {
			mutate(b)
		}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		record(SyncEvent{BetID: id, From: from, To: to})
	}
	return nil
}

// releaseFunded drops wallet reservations once the inputs are consumed or
// the bet is dead.
func (e *Engine) releaseFunded(b *betting.Bet) {
	e.wallet.ReleaseInputs(b.ReservedUTXOs)
	b.ReservedUTXOs = nil
}
