package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/GoUpNumber/gun/betdb"
	"github.com/GoUpNumber/gun/betting"
	"github.com/GoUpNumber/gun/oracle"
)

// splitEventURL turns "h00.ooo/random/.../coin" (scheme optional) into the
// oracle id and event path.
func splitEventURL(eventURL string) (oracleID, path string, err error) {
	s := eventURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	i := strings.Index(s, "/")
	if i <= 0 {
		return "", "", userErrf("event url %q has no path", eventURL)
	}
	return s[:i], s[i:], nil
}

// fetchTrustedEvent loads the oracle record (which must have been added by
// the user) and fetches and verifies the event announcement.
func (e *Engine) fetchTrustedEvent(ctx context.Context, oracleID, path string) (*oracle.Info, *oracle.Event, error) {
	info, err := e.db.GetOracle(oracleID)
	if errors.Is(err, betdb.ErrOracleNotFound) {
		return nil, nil, userErrf("oracle %s is not trusted yet, add it with `gun bet oracle add %s`", oracleID, oracleID)
	}
	if err != nil {
		return nil, nil, err
	}
	ev, err := e.oracles.FetchEvent(ctx, info, path)
	if err != nil {
		if oracle.IsTransient(err) {
			return nil, nil, netErrf("fetch event from %s: %v", oracleID, err)
		}
		return nil, nil, userErrf("fetch event %s%s: %v", oracleID, path, err)
	}
	return info, ev, nil
}

func (e *Engine) checkEventMargin(ev *oracle.Event) error {
	margin := time.Until(ev.OutcomeTime)
	if margin < e.cfg.MinEventMargin {
		return userErrf("event %s resolves in %s, refusing to bet within %s of the outcome",
			ev.ID(), margin.Round(time.Second), e.cfg.MinEventMargin)
	}
	return nil
}

// keyIndex disambiguates protocol key derivation across bets on the same
// event and value.
func (e *Engine) keyIndex() (uint32, error) {
	bets, err := e.db.ListBets()
	if err != nil {
		return 0, err
	}
	return uint32(len(bets)), nil
}

// Propose starts a bet: reserves inputs, allocates a payout script,
// persists the bet in the proposing state and returns the envelope to hand
// to a counterparty.
func (e *Engine) Propose(ctx context.Context, value int64, eventURL string, tags []string) (betting.BetID, string, error) {
	if value <= 0 {
		return 0, "", userErrf("bet value must be positive")
	}
	oracleID, path, err := splitEventURL(eventURL)
	if err != nil {
		return 0, "", err
	}
	_, ev, err := e.fetchTrustedEvent(ctx, oracleID, path)
	if err != nil {
		return 0, "", err
	}
	if err := e.checkEventMargin(ev); err != nil {
		return 0, "", err
	}

	index, err := e.keyIndex()
	if err != nil {
		return 0, "", err
	}
	keypair, err := betting.ProposalKeyPair(e.wallet.Keychain().Seed(), ev.ID(), uint64(value), index)
	if err != nil {
		return 0, "", err
	}

	inputs, change, err := e.wallet.ReserveInputs(ctx, value, e.cfg.FeeRate)
	if err != nil {
		return 0, "", userErrf("reserve inputs: %v", err)
	}
	release := func() {
		ops := make([]wire.OutPoint, len(inputs))
		for i, in := range inputs {
			ops[i] = in.OutPoint
		}
		e.wallet.ReleaseInputs(ops)
	}

	payoutScript, err := e.wallet.NextPayoutScript()
	if err != nil {
		release()
		return 0, "", err
	}

	proposal := &betting.Proposal{
		OracleID:     oracleID,
		EventPath:    path,
		Value:        value,
		PublicKey:    keypair.PubBytes(),
		Inputs:       inputs,
		Change:       change,
		PayoutScript: payoutScript,
	}
	envelope, err := proposal.Encode()
	if err != nil {
		release()
		return 0, "", err
	}

	bet := &betting.Bet{
		Role:           betting.RoleProposer,
		State:          betting.StateProposing,
		OracleID:       oracleID,
		Event:          ev,
		MyValue:        value,
		FeeRate:        e.cfg.FeeRate,
		MyKey:          keypair.PubBytes(),
		MySecret:       keypair.Priv.Serialize(),
		MyInputs:       inputs,
		MyChange:       change,
		MyPayoutScript: payoutScript,
		ReservedUTXOs:  reservedOf(inputs),
		ProposalEnv:    envelope,
		Tags:           tags,
	}
	id, err := e.db.InsertBet(bet)
	if err != nil {
		release()
		return 0, "", err
	}
	e.log.Infof("proposed bet %d: %d sat on %s", id, value, ev.ID())
	return id, envelope, nil
}

func reservedOf(inputs []betting.Input) []wire.OutPoint {
	ops := make([]wire.OutPoint, len(inputs))
	for i, in := range inputs {
		ops[i] = in.OutPoint
	}
	return ops
}

var errNoOpenProposal = fmt.Errorf("no open proposal matches this offer")
