package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/spf13/cobra"

	"github.com/GoUpNumber/gun/betting"
)

var flagBetTags []string

var betCmd = &cobra.Command{
	Use:   "bet",
	Short: "Make and settle bets",
}

func parseBetID(s string) (betting.BetID, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse bet id %q: %w", s, err)
	}
	return betting.BetID(id), nil
}

var betProposeCmd = &cobra.Command{
	Use:   "propose <value> <event-url>",
	Short: "Propose a bet on an oracle event",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		value, err := parseSendValue(args[0])
		if err != nil || value == 0 {
			return fmt.Errorf("parse bet value %q", args[0])
		}
		id, envelope, err := a.engine.Propose(ctx, value, args[1], flagBetTags)
		if err != nil {
			return err
		}
		human := fmt.Sprintf("bet %d proposed, send this to your counterparty:\n%s", id, envelope)
		return emit(map[string]interface{}{"bet_id": id, "proposal": envelope}, human)
	}),
}

var betOfferCmd = &cobra.Command{
	Use:   "offer <value> <outcome> [proposal]",
	Short: "Offer on a proposal, betting on the given outcome",
	Args:  cobra.RangeArgs(2, 3),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		value, err := parseSendValue(args[0])
		if err != nil || value == 0 {
			return fmt.Errorf("parse bet value %q", args[0])
		}
		proposal, err := argOrStdin(args, 2)
		if err != nil {
			return err
		}
		id, blob, err := a.engine.Offer(ctx, value, args[1], proposal, flagBetTags)
		if err != nil {
			return err
		}
		human := fmt.Sprintf("bet %d offered, send this to the proposer:\n%s", id, blob)
		return emit(map[string]interface{}{"bet_id": id, "offer": blob}, human)
	}),
}

var betTakeCmd = &cobra.Command{
	Use:   "take [offer]",
	Short: "Take an offer to one of your proposals and broadcast funding",
	Args:  cobra.MaximumNArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		offer, err := argOrStdin(args, 0)
		if err != nil {
			return err
		}
		id, txid, err := a.engine.TakeOffer(ctx, offer)
		if err != nil {
			return err
		}
		human := fmt.Sprintf("bet %d funded by %s", id, txid)
		return emit(map[string]interface{}{"bet_id": id, "funding_txid": txid.String()}, human)
	}),
}

var betCancelCmd = &cobra.Command{
	Use:   "cancel <bet-id>",
	Short: "Cancel a bet that has not confirmed yet",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		id, err := parseBetID(args[0])
		if err != nil {
			return err
		}
		cancelTxid, err := a.engine.Cancel(ctx, id)
		if err != nil {
			return err
		}
		if cancelTxid == nil {
			return emit(map[string]interface{}{"bet_id": id, "state": "cancelled"},
				fmt.Sprintf("bet %d cancelled, inputs released", id))
		}
		return emit(map[string]interface{}{"bet_id": id, "state": "cancelling", "cancel_txid": cancelTxid.String()},
			fmt.Sprintf("bet %d cancelling via %s", id, cancelTxid))
	}),
}

var flagClaimTo string

var betClaimCmd = &cobra.Command{
	Use:   "claim <bet-id|all>",
	Short: "Sweep won bets",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		var payoutScript []byte
		if flagClaimTo != "" {
			addr, err := btcutil.DecodeAddress(flagClaimTo, a.params)
			if err != nil {
				return fmt.Errorf("parse claim address: %w", err)
			}
			if payoutScript, err = txscript.PayToAddrScript(addr); err != nil {
				return err
			}
		}
		if args[0] == "all" {
			claimed, err := a.engine.ClaimAll(ctx)
			if err != nil {
				return err
			}
			human := fmt.Sprintf("claimed %d bets", len(claimed))
			return emit(claimed, human)
		}
		id, err := parseBetID(args[0])
		if err != nil {
			return err
		}
		txid, err := a.engine.Claim(ctx, id, payoutScript)
		if err != nil {
			return err
		}
		return emit(map[string]interface{}{"bet_id": id, "claim_txid": txid.String()},
			fmt.Sprintf("claiming bet %d with %s", id, txid))
	}),
}

var betListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bets",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		bets, err := a.db.ListBets()
		if err != nil {
			return err
		}
		if flagJSON {
			return emit(bets, "")
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "%-4s %-10s %-22s %-12s %-12s %s\n", "id", "role", "state", "mine", "theirs", "event")
		for _, b := range bets {
			event := ""
			if b.Event != nil {
				event = b.Event.ID()
			}
			fmt.Fprintf(&sb, "%-4d %-10s %-22s %-12s %-12s %s\n",
				b.ID, b.Role, b.State, btcutil.Amount(b.MyValue), btcutil.Amount(b.TheirValue), event)
		}
		fmt.Print(sb.String())
		return nil
	}),
}

var betInspectCmd = &cobra.Command{
	Use:   "inspect <bet-id>",
	Short: "Dump everything known about a bet",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		id, err := parseBetID(args[0])
		if err != nil {
			return err
		}
		bet, err := a.db.GetBet(id)
		if err != nil {
			return err
		}
		// Secrets stay in the database.
		bet.MySecret = nil
		return emit(bet, bet.String())
	}),
}

var betSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Track bets against the chain and the oracle",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		events, err := a.engine.Sync(ctx)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return emit(events, "nothing changed")
		}
		var sb strings.Builder
		for _, ev := range events {
			fmt.Fprintf(&sb, "bet %d: %s -> %s\n", ev.BetID, ev.From, ev.To)
		}
		return emit(events, strings.TrimRight(sb.String(), "\n"))
	}),
}

var oracleCmd = &cobra.Command{
	Use:   "oracle",
	Short: "Manage trusted oracles",
}

var oracleAddCmd = &cobra.Command{
	Use:   "add <dns-name>",
	Short: "Fetch and trust an oracle's keys",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		info, err := a.engine.AddOracle(ctx, args[0], promptYes)
		if err != nil {
			return err
		}
		return emit(info, fmt.Sprintf("trusting oracle %s", info.ID))
	}),
}

var oracleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trusted oracles",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		infos, err := a.db.ListOracles()
		if err != nil {
			return err
		}
		var sb strings.Builder
		for _, info := range infos {
			fmt.Fprintf(&sb, "%s\n", info.ID)
		}
		return emit(infos, strings.TrimRight(sb.String(), "\n"))
	}),
}

var oracleRemoveCmd = &cobra.Command{
	Use:   "remove <dns-name>",
	Short: "Forget an oracle (refused while bets depend on it)",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if err := a.db.DeleteOracle(args[0]); err != nil {
			return err
		}
		return emit(map[string]string{"removed": args[0]}, fmt.Sprintf("removed oracle %s", args[0]))
	}),
}

// promptYes asks the user to confirm a TOFU key acceptance.
func promptYes(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

// argOrStdin reads a positional argument or, when absent, a line from
// stdin so long messages can be piped in.
func argOrStdin(args []string, idx int) (string, error) {
	if len(args) > idx {
		return args[idx], nil
	}
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<20)
	if !scanner.Scan() {
		return "", fmt.Errorf("expected message on stdin")
	}
	return strings.TrimSpace(scanner.Text()), nil
}

func init() {
	betProposeCmd.Flags().StringSliceVar(&flagBetTags, "tag", nil, "label the bet")
	betOfferCmd.Flags().StringSliceVar(&flagBetTags, "tag", nil, "label the bet")
	betClaimCmd.Flags().StringVar(&flagClaimTo, "to", "", "claim to this address instead of the wallet")
	oracleCmd.AddCommand(oracleAddCmd, oracleListCmd, oracleRemoveCmd)
	betCmd.AddCommand(betProposeCmd, betOfferCmd, betTakeCmd, betCancelCmd, betClaimCmd, betListCmd, betInspectCmd, betSyncCmd, oracleCmd)
	rootCmd.AddCommand(betCmd)
}
