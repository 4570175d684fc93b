package engine

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/GoUpNumber/gun/betting"
)

// Cancel abandons a bet. A plain proposal just releases its reservations;
// once our signatures have left the machine (offered) or the funding
// transaction may be in flight (unconfirmed), the inputs are double-spent
// back to the wallet and the bet stays cancelling until that transaction
// confirms.
func (e *Engine) Cancel(ctx context.Context, id betting.BetID) (*chainhash.Hash, error) {
	bet, err := e.db.GetBet(id)
	if err != nil {
		return nil, err
	}

	switch bet.State {
	case betting.StateProposing:
		err = e.db.UpdateBet(id, func(b *betting.Bet) error {
			b.State = betting.StateCancelled
			e.releaseFunded(b)
			return nil
		})
		if err != nil {
			return nil, err
		}
		e.log.Infof("cancelled bet %d", id)
		return nil, nil

	case betting.StateOffered, betting.StateUnconfirmed:
		if len(bet.ReservedUTXOs) == 0 {
			return nil, protoErrf("bet %d has no reserved inputs to respend", id)
		}
		// Respending one input is enough to conflict with the funding
		// transaction.
		cancelTx, err := e.wallet.BuildRespend(ctx, bet.ReservedUTXOs[:1], bet.FeeRate)
		if err != nil {
			return nil, netErrf("build cancel transaction: %v", err)
		}
		cancelTxid := cancelTx.TxHash()
		err = e.db.UpdateBet(id, func(b *betting.Bet) error {
			b.State = betting.StateCancelling
			b.CancelTxid = &cancelTxid
			return nil
		})
		if err != nil {
			return nil, err
		}
		if err := e.wallet.Broadcast(ctx, cancelTx); err != nil {
			return &cancelTxid, netErrf("broadcast cancel transaction: %v", err)
		}
		e.log.Infof("cancelling bet %d with %s", id, cancelTxid)
		return &cancelTxid, nil

	default:
		return nil, userErrf("bet %d is %s and can no longer be cancelled", id, bet.State)
	}
}
