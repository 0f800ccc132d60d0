package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	sigmatrade "github.com/Avertenandor/sigmatrade"
)

const shutdownTimeout = 10 * time.Second

var logger = sigmatrade.NewLogger("main")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sigmatrade",
		Short:         "Read-only wallet dashboard for EVM chains",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newTransactionsCmd(),
		newBalancesCmd(),
		newCleanupCmd(),
	)
	return root
}

// environment is the wiring shared by every subcommand.
type environment struct {
	cfg   *sigmatrade.Config
	cache *sigmatrade.TieredCache
}

func setup(ctx context.Context) (*environment, error) {
	cfg, err := sigmatrade.LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := sigmatrade.ConfigureLogging(cfg.LogLevel, cfg.LogEnvironment); err != nil {
		return nil, err
	}
	if cfg.ExplorerAPIKey == "" {
		logger.Warnf("%s is not set, explorer requests run on the anonymous quota", sigmatrade.ExplorerAPIKeyEnv)
	}

	store, err := sigmatrade.OpenStore(ctx, cfg)
	if err != nil {
		if !errors.Is(err, sigmatrade.ErrStoreUnavailable) {
			return nil, err
		}
		logger.Warnf("continuing with the in-memory cache only: %v", err)
	}
	cache := sigmatrade.NewTieredCache(sigmatrade.TieredCacheOptions{
		MaxEntries: cfg.MemoryCacheEntries,
		Store:      store,
	})
	return &environment{cfg: cfg, cache: cache}, nil
}

func (e *environment) close() {
	if err := e.cache.Close(); err != nil {
		logger.Warnf("close cache: %v", err)
	}
	sigmatrade.SyncLogging()
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard over HTTP and follow new blocks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			env, err := setup(ctx)
			if err != nil {
				return err
			}
			defer env.close()

			removed := env.cache.Cleanup(ctx)
			logger.Printf("startup cleanup removed=%d", removed)

			view := sigmatrade.NewViewState()
			dashboard, err := sigmatrade.NewDashboardFromConfig(env.cfg, env.cache, view)
			if err != nil {
				return err
			}
			defer dashboard.Close()

			wallets := dashboard.Session().Wallets
			if err := dashboard.SelectWallet(ctx, wallets[0]); err != nil {
				logger.Warnf("initial load failed wallet=%s error=%v", wallets[0], err)
			}

			if env.cfg.NodeWSURL != "" {
				heads := &sigmatrade.HeadSubscriber{
					URL: env.cfg.NodeWSURL,
					OnHead: func(_ context.Context, number uint64) {
						dashboard.OnNewBlock(number)
					},
					BaseBackoff: env.cfg.HeadsBaseBackoff,
					MaxBackoff:  env.cfg.HeadsMaxBackoff,
					MaxAttempts: env.cfg.HeadsMaxAttempts,
				}
				go func() {
					if err := heads.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Warnf("new heads stream stopped, refresh on demand only: %v", err)
					}
				}()
			} else {
				logger.Printf("%s not set, block-driven refresh disabled", sigmatrade.NodeWSURLEnv)
			}

			srv := &http.Server{
				Addr:              env.cfg.HTTPAddr,
				Handler:           sigmatrade.NewServer(dashboard, view),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Printf("Listening at %s", env.cfg.HTTPAddr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server stopped: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

// resultObserver keeps the results of one-shot commands for printing.
type resultObserver struct {
	transactions []sigmatrade.Transaction
	balances     *sigmatrade.BalanceSet
	err          error
}

func (r *resultObserver) OnTransactionsReady(_ string, transactions []sigmatrade.Transaction) {
	r.transactions = transactions
	r.err = nil
}

func (r *resultObserver) OnNoMoreData(string) {}

func (r *resultObserver) OnFetchError(_ string, err error) {
	r.err = err
}

func (r *resultObserver) OnBalancesReady(_ string, balances sigmatrade.BalanceSet) {
	r.balances = &balances
}

func (r *resultObserver) OnScrollNearEnd(string) {}

func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func walletArg(env *environment, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return env.cfg.WalletAddresses()[0]
}

func newTransactionsCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "transactions [wallet]",
		Short: "Print the balances and first history page of a wallet",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			out := &resultObserver{}
			dashboard, err := sigmatrade.NewDashboardFromConfig(env.cfg, env.cache, out)
			if err != nil {
				return err
			}
			defer dashboard.Close()

			if err := dashboard.SelectWallet(cmd.Context(), walletArg(env, args)); err != nil {
				return err
			}
			if refresh {
				if err := dashboard.Refresh(cmd.Context()); err != nil {
					return err
				}
			}
			if out.err != nil {
				return out.err
			}
			return printJSON(cmd, struct {
				Transactions []sigmatrade.Transaction `json:"transactions"`
				Balances     *sigmatrade.BalanceSet   `json:"balances,omitempty"`
			}{out.transactions, out.balances})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the cache")
	return cmd
}

func newBalancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balances [wallet]",
		Short: "Print native and token balances of a wallet",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			tokens, err := env.cfg.TokenSpecs()
			if err != nil {
				return err
			}
			node := &sigmatrade.RPCClient{
				Endpoint:     env.cfg.NodeURL,
				Rate:         env.cfg.NodeRate,
				Burst:        env.cfg.NodeBurst,
				NativeSymbol: env.cfg.NativeSymbol,
				Tokens:       tokens,
			}
			service := sigmatrade.NewBalanceService(node, env.cache, nil, env.cfg.BalanceTTL, env.cfg.TxCountTTL)
			set := service.Refresh(cmd.Context(), walletArg(env, args), false)
			if set.Empty() {
				return errors.New("balances unavailable")
			}
			return printJSON(cmd, set)
		},
	}
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired entries from the persistent cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			if !env.cache.Persistent() {
				return errors.New("no persistent cache configured")
			}
			removed := env.cache.Cleanup(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries\n", removed)
			return nil
		},
	}
}
