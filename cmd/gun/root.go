package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/cobra"

	"github.com/GoUpNumber/gun/betdb"
	"github.com/GoUpNumber/gun/config"
	"github.com/GoUpNumber/gun/engine"
	"github.com/GoUpNumber/gun/logging"
	"github.com/GoUpNumber/gun/oracle"
	"github.com/GoUpNumber/gun/wallet"
)

var (
	flagDataDir  string
	flagJSON     bool
	flagSyncWith bool
)

var rootCmd = &cobra.Command{
	Use:           "gun",
	Short:         "A Bitcoin wallet for betting on oracle-attested events",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultDir := "~/.gun"
	if home, err := os.UserHomeDir(); err == nil {
		defaultDir = filepath.Join(home, ".gun")
	}
	rootCmd.PersistentFlags().StringVarP(&flagDataDir, "datadir", "d", defaultDir, "data directory")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "machine-readable output")
	rootCmd.PersistentFlags().BoolVarP(&flagSyncWith, "sync", "s", false, "sync bets against the chain first")
}

// app bundles everything a command needs, initialized on entry and
// released on exit.
type app struct {
	cfg    *config.Config
	params *chaincfg.Params
	logs   *logging.LogBackend
	db     *betdb.BoltDB
	wallet *wallet.Wallet
	engine *engine.Engine
}

func chainParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "bitcoin":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unknown network %q", network)
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(flagDataDir)
	if err != nil {
		return nil, err
	}
	params, err := chainParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	logs, err := logging.NewLogBackend(flagDataDir, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	seedHex, err := os.ReadFile(filepath.Join(flagDataDir, "seed.txt"))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("read seed (run `gun init` first): %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(seedHex)))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	keychain, err := wallet.NewKeychain(seed, params)
	if err != nil {
		logs.Close()
		return nil, err
	}

	db, err := betdb.NewBoltDB(flagDataDir)
	if err != nil {
		logs.Close()
		return nil, err
	}
	backend := wallet.NewEsplora(cfg.Chain.EsploraURL, params, cfg.Chain.Timeout, cfg.Chain.Retries, logs.Logger("CHAN"))
	w, err := wallet.New(flagDataDir, keychain, backend, nil, logs.Logger("WALT"))
	if err != nil {
		db.Close()
		logs.Close()
		return nil, err
	}
	oracles := oracle.NewClient(cfg.Oracle.Scheme, cfg.Oracle.Timeout, cfg.Oracle.Retries, logs.Logger("ORCL"))
	eng, err := engine.New(w, oracles, db, engine.Config{
		MinEventMargin:     cfg.Betting.MinEventMargin,
		FeeRate:            cfg.Betting.FeeRate,
		ClaimConfirmations: cfg.Betting.ClaimConfirmations,
	}, logs.Logger("ENGN"))
	if err != nil {
		w.Close()
		db.Close()
		logs.Close()
		return nil, err
	}

	a := &app{cfg: cfg, params: params, logs: logs, db: db, wallet: w, engine: eng}
	if flagSyncWith {
		if _, err := eng.Sync(ctx); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) close() {
	a.wallet.Close()
	a.db.Close()
	a.logs.Close()
}

// withApp wraps a command body with app setup and teardown.
func withApp(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(ctx, a, cmd, args)
	}
}

// emit prints either JSON or the human rendering.
func emit(v interface{}, human string) error {
	if flagJSON {
		raw, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(human)
	return nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the data directory and wallet seed",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(flagDataDir, 0700); err != nil {
			return err
		}
		seedPath := filepath.Join(flagDataDir, "seed.txt")
		if _, err := os.Stat(seedPath); err == nil {
			return fmt.Errorf("%s already exists, refusing to overwrite", seedPath)
		}
		seed := make([]byte, 64)
		if _, err := rand.Read(seed); err != nil {
			return err
		}
		if err := os.WriteFile(seedPath, []byte(hex.EncodeToString(seed)+"\n"), 0600); err != nil {
			return err
		}
		if _, err := config.Load(flagDataDir); err != nil {
			return err
		}
		fmt.Printf("initialized wallet in %s\n", flagDataDir)
		fmt.Println("back up seed.txt: it controls all funds (bet state is NOT recoverable from seed alone)")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
