package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/stateless-rollup/internal/config"
	"github.com/example/stateless-rollup/internal/crypto"
	"github.com/example/stateless-rollup/internal/engine"
	"github.com/example/stateless-rollup/internal/ledger"
	"github.com/example/stateless-rollup/internal/merge"
	"github.com/example/stateless-rollup/internal/proof"
	"github.com/example/stateless-rollup/internal/reconcile"
	"github.com/example/stateless-rollup/internal/rollup"
	"github.com/example/stateless-rollup/internal/security"
	"github.com/example/stateless-rollup/internal/store"
	"github.com/example/stateless-rollup/internal/transport"
	"github.com/example/stateless-rollup/internal/wallet"
	"github.com/example/stateless-rollup/pkg/audit"
)

type walletEnv struct {
	cfg    *config.Config
	wallet *wallet.Wallet
	ledger *ledger.Ledger
	closer func()
}

func openWallet(ctx context.Context, name string) (*walletEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	var cipher *crypto.SeedCipher
	if cfg.SeedKey != "" {
		cipher, err = crypto.SeedCipherFromHex(cfg.SeedKey)
		if err != nil {
			return nil, err
		}
	}

	st, err := store.OpenWithCipher(cfg.WalletDBPath, cipher)
	if err != nil {
		return nil, err
	}

	ledgerStore, err := ledger.OpenSQLiteStore(cfg.LedgerDBPath)
	if err != nil {
		st.Close()
		return nil, err
	}

	events := audit.NewChainLogger()
	ldg, err := ledger.NewLedger(ctx, ledgerStore, events, cfg.ExpiryTimeout)
	if err != nil {
		ledgerStore.Close()
		st.Close()
		return nil, err
	}

	sys := proof.NewMerkleSystem()
	eng := engine.New(sys, events)
	proto := merge.NewProtocol(sys, eng, events)

	w, err := wallet.Open(ctx, name, st, ldg, sys, eng, proto)
	if err != nil {
		ledgerStore.Close()
		st.Close()
		return nil, err
	}

	return &walletEnv{
		cfg:    cfg,
		wallet: w,
		ledger: ldg,
		closer: func() {
			ledgerStore.Close()
			st.Close()
		},
	}, nil
}

func (e *walletEnv) dial() (transport.Channel, error) {
	if e.cfg.AggregatorURL == "" {
		return nil, fmt.Errorf("AGGREGATOR_URL is not set")
	}

	tlsCfg := security.TLSConfig{CertFile: e.cfg.TLSCertFile, KeyFile: e.cfg.TLSKeyFile, CAFile: e.cfg.TLSCAFile}
	if tlsCfg.Enabled() || tlsCfg.CAFile != "" {
		clientTLS, err := security.ClientTLS(tlsCfg)
		if err != nil {
			return nil, err
		}
		return transport.DialWSTLS(e.cfg.AggregatorURL, clientTLS)
	}
	return transport.DialWS(e.cfg.AggregatorURL)
}

// connect dials the aggregator and pairs the channel with a state oracle
// served over it. The aggregator holds the exclusive handle on the oracle
// database; the wallet only ever observes state through the channel.
func (e *walletEnv) connect() (transport.Channel, rollup.Oracle, func(), error) {
	ch, err := e.dial()
	if err != nil {
		return nil, nil, nil, err
	}
	return ch, transport.NewRemoteOracle(ch), func() { ch.Close() }, nil
}

// openOracle returns the channel-backed oracle when an aggregator is
// configured, falling back to the local database for offline inspection.
func (e *walletEnv) openOracle() (rollup.Oracle, func(), error) {
	if e.cfg.AggregatorURL != "" {
		_, oracle, done, err := e.connect()
		return oracle, done, err
	}

	local, err := rollup.OpenLevelDBOracle(e.cfg.OracleDBPath)
	if err != nil {
		return nil, nil, err
	}
	return local, func() { local.Close() }, nil
}

func (e *walletEnv) reconciler(oracle rollup.Oracle) *reconcile.Reconciler {
	return reconcile.New(e.wallet.Account(), oracle, e.ledger, e.cfg.ExpiryTimeout, e.cfg.SyncInterval, nil)
}

func main() {
	var name string

	root := &cobra.Command{
		Use:   "wallet",
		Short: "Stateless rollup wallet",
	}
	root.PersistentFlags().StringVar(&name, "name", "default", "wallet name")

	root.AddCommand(&cobra.Command{
		Use:   "account",
		Short: "Print the wallet's account identifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openWallet(cmd.Context(), name)
			if err != nil {
				return err
			}
			defer env.closer()

			fmt.Println(env.wallet.Account())
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "balance",
		Short: "Print the replay-derived and spendable balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openWallet(cmd.Context(), name)
			if err != nil {
				return err
			}
			defer env.closer()

			oracle, done, err := env.openOracle()
			if err != nil {
				return err
			}
			defer done()

			view, err := oracle.QueryState(cmd.Context())
			if err != nil {
				return err
			}
			if err := env.wallet.Sync(cmd.Context(), view); err != nil {
				return err
			}

			fmt.Printf("balance:   %d\n", env.wallet.Balance())
			fmt.Printf("spendable: %d\n", env.wallet.Spendable())
			return nil
		},
	})

	var to string
	var amount uint64
	send := &cobra.Command{
		Use:   "send",
		Short: "Queue a transfer and submit the batch for aggregation",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openWallet(cmd.Context(), name)
			if err != nil {
				return err
			}
			defer env.closer()

			ch, oracle, done, err := env.connect()
			if err != nil {
				return err
			}
			defer done()

			view, err := oracle.QueryState(cmd.Context())
			if err != nil {
				return err
			}
			if err := env.wallet.Sync(cmd.Context(), view); err != nil {
				return err
			}

			t, err := env.wallet.AppendTransfer(cmd.Context(), to, amount)
			if err != nil {
				return err
			}
			log.Printf("Queued transfer %s of %d to %s", t.ID, amount, to)

			if err := env.wallet.SubmitPending(cmd.Context(), ch); err != nil {
				return err
			}
			log.Printf("Transfer submitted; balance now %d", env.wallet.Balance())
			return nil
		},
	}
	send.Flags().StringVar(&to, "to", "", "recipient account")
	send.Flags().Uint64Var(&amount, "amount", 0, "amount to send")
	_ = send.MarkFlagRequired("to")
	_ = send.MarkFlagRequired("amount")
	root.AddCommand(send)

	root.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Sync rollup state, merge incoming transfers, and reconcile the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openWallet(cmd.Context(), name)
			if err != nil {
				return err
			}
			defer env.closer()

			ch, oracle, done, err := env.connect()
			if err != nil {
				return err
			}
			defer done()

			view, err := oracle.QueryState(cmd.Context())
			if err != nil {
				return err
			}
			if err := env.wallet.Sync(cmd.Context(), view); err != nil {
				return err
			}

			merged, err := env.wallet.FetchIncoming(cmd.Context(), ch, view)
			if err != nil {
				return err
			}
			log.Printf("Merged %d incoming transfer(s); balance now %d", merged, env.wallet.Balance())

			diff, err := env.reconciler(oracle).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			log.Printf("Reconciled: %d promoted, %d expired, %d awaiting re-submission",
				len(diff.Promoted), len(diff.Expired), len(diff.Requeued))
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "serve-recv",
		Short: "Run the wallet in the foreground, merging incoming transfers and reconciling on an interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			env, err := openWallet(ctx, name)
			if err != nil {
				return err
			}
			defer env.closer()

			ch, oracle, done, err := env.connect()
			if err != nil {
				return err
			}
			defer done()

			errc := make(chan error, 1)
			go func() { errc <- env.reconciler(oracle).Run(ctx) }()

			log.Printf("Wallet %s watching for incoming transfers every %v", env.wallet.Account(), env.cfg.SyncInterval)
			ticker := time.NewTicker(env.cfg.SyncInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					log.Println("Shutting down")
					return nil
				case err := <-errc:
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				case <-ticker.C:
					view, err := oracle.QueryState(ctx)
					if err != nil {
						return err
					}
					if err := env.wallet.Sync(ctx, view); err != nil {
						return err
					}
					merged, err := env.wallet.FetchIncoming(ctx, ch, view)
					if err != nil {
						return err
					}
					if merged > 0 {
						log.Printf("Merged %d incoming transfer(s); balance now %d", merged, env.wallet.Balance())
					}
				}
			}
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
