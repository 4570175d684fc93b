package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/spf13/cobra"
)

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Manage receive addresses",
}

var addressNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Hand out a fresh receive address",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		addr, err := a.wallet.NewAddress()
		if err != nil {
			return err
		}
		return emit(map[string]string{"address": addr.EncodeAddress()}, addr.EncodeAddress())
	}),
}

var addressListCmd = &cobra.Command{
	Use:   "list",
	Short: "List handed-out addresses",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		addrs, err := a.wallet.ListAddresses()
		if err != nil {
			return err
		}
		strs := make([]string, len(addrs))
		human := ""
		for i, addr := range addrs {
			strs[i] = addr.EncodeAddress()
			human += addr.EncodeAddress() + "\n"
		}
		if len(human) > 0 {
			human = human[:len(human)-1]
		}
		return emit(strs, human)
	}),
}

var addressLastUnusedCmd = &cobra.Command{
	Use:   "last-unused",
	Short: "Show the most recent address with no history",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		addr, err := a.wallet.LastUnusedAddress(ctx)
		if err != nil {
			return err
		}
		return emit(map[string]string{"address": addr.EncodeAddress()}, addr.EncodeAddress())
	}),
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show confirmed, pending and bet-reserved funds",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		bal, err := a.wallet.Balance(ctx)
		if err != nil {
			return err
		}
		human := fmt.Sprintf("confirmed:    %s\nunconfirmed:  %s\nin bets:      %s",
			btcutil.Amount(bal.Confirmed), btcutil.Amount(bal.Unconfirmed), btcutil.Amount(bal.Reserved))
		return emit(bal, human)
	}),
}

// parseSendValue accepts a satoshi amount, a decimal BTC amount or "all".
func parseSendValue(s string) (int64, error) {
	if s == "all" {
		return 0, nil
	}
	if sats, err := strconv.ParseInt(s, 10, 64); err == nil {
		return sats, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse value %q", s)
	}
	amt, err := btcutil.NewAmount(f)
	if err != nil {
		return 0, err
	}
	return int64(amt), nil
}

var sendCmd = &cobra.Command{
	Use:   "send <value|all> <address>",
	Short: "Send funds",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		value, err := parseSendValue(args[0])
		if err != nil {
			return err
		}
		addr, err := btcutil.DecodeAddress(args[1], a.params)
		if err != nil {
			return fmt.Errorf("parse address: %w", err)
		}
		txid, err := a.wallet.Send(ctx, value, addr, a.cfg.Betting.FeeRate)
		if err != nil {
			return err
		}
		return emit(map[string]string{"txid": txid.String()}, txid.String())
	}),
}

var splitCmd = &cobra.Command{
	Use:   "split <n>",
	Short: "Recut unreserved funds into n equal coins",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("parse piece count: %w", err)
		}
		txid, err := a.wallet.Split(ctx, n, a.cfg.Betting.FeeRate)
		if err != nil {
			return err
		}
		return emit(map[string]string{"txid": txid.String()}, txid.String())
	}),
}

func init() {
	addressCmd.AddCommand(addressNewCmd, addressListCmd, addressLastUnusedCmd)
	rootCmd.AddCommand(addressCmd, balanceCmd, sendCmd, splitCmd)
}
