package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"Handshake-Escrow/internal/api"
	"Handshake-Escrow/internal/auth"
	"Handshake-Escrow/internal/config"
	"Handshake-Escrow/internal/ledger"
	"Handshake-Escrow/internal/observability/metrics"
	"Handshake-Escrow/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:           "escrowd",
		Short:         "Escrow ledger daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./escrowd.yaml)")
	root.PersistentFlags().String("catalog", "", "asset and pool catalog")
	root.PersistentFlags().String("log-level", "", "log level")
	root.PersistentFlags().String("log-format", "", "log format (json|text)")
	root.PersistentFlags().String("system-key", "", "hex private key of the ledger authority")

	root.AddCommand(newServeCmd(&cfgFile), newSyncCmd(&cfgFile), newLedgerCmd(&cfgFile), newKeygenCmd())
	return root
}

func loadConfig(cmd *cobra.Command, cfgFile string) (*config.Config, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := initLogging(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initLogging(cfg config.LoggingConfig) error {
	return logger.Init(logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Audit.Enabled,
			Path:       cfg.Audit.Path,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
			Compress:   cfg.Audit.Compress,
		},
	})
}

func newServeCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, outcome processor and expiry sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *cfgFile)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg)
		},
	}
	flags := cmd.Flags()
	flags.String("listen", "", "API listen address")
	flags.String("metrics", "", "standalone metrics listen address")
	flags.String("ledger-mode", "", "ledger mode (embedded|rpc)")
	flags.String("ledger-rpc", "", "ledger node JSON-RPC endpoint")
	flags.String("mirror-driver", "", "mirror driver (memory|mysql|postgres)")
	flags.String("mirror-dsn", "", "mirror database DSN")
	flags.String("queue-driver", "", "outcome queue driver (memory|redis|rabbitmq)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.Named("escrowd")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c, err := build(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.reconciler.SyncRegistryAndPools(ctx); err != nil {
		log.Warn("initial sync failed", slog.Any("error", err))
	}

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("component stopped", slog.String("component", name), slog.Any("error", err))
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	if c.local != nil {
		spawn("ledger", c.local.Run)
	}
	if c.processor != nil {
		spawn("processor", c.processor.Start)
	}
	if cfg.Sweeper.Interval > 0 {
		spawn("sweeper", func(ctx context.Context) error {
			return c.service.RunSweeper(ctx, cfg.Sweeper.Interval)
		})
	}
	if cfg.Server.MetricsAddress != "" {
		spawn("metrics", func(ctx context.Context) error {
			return metrics.StartServer(ctx, cfg.Server.MetricsAddress)
		})
	}

	server := api.NewServer(cfg.Server.Address, c.service, api.WithAuth(authSvc))
	log.Info("escrowd serving",
		slog.String("address", cfg.Server.Address),
		slog.String("ledger_mode", cfg.Ledger.Mode),
		slog.String("mirror", cfg.Mirror.Driver),
		slog.String("queue", cfg.Queue.Driver))

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start(ctx) }()

	var runErr error
	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	case runErr = <-errCh:
	}
	cancel()
	wg.Wait()
	return runErr
}

func newSyncCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the mirror with the catalog and the ledger once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *cfgFile)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			c, err := build(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer c.Close()
			if c.local != nil {
				runCtx, stop := context.WithCancel(ctx)
				defer stop()
				go func() { _ = c.local.Run(runCtx) }()
			}

			report, err := c.reconciler.SyncRegistryAndPools(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	flags := cmd.Flags()
	flags.String("ledger-mode", "", "ledger mode (embedded|rpc)")
	flags.String("ledger-rpc", "", "ledger node JSON-RPC endpoint")
	flags.String("mirror-driver", "", "mirror driver (memory|mysql|postgres)")
	flags.String("mirror-dsn", "", "mirror database DSN")
	return cmd
}

func newLedgerCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Run a standalone ledger node over JSON-RPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *cfgFile)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runLedgerNode(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("ledger-listen", "", "JSON-RPC listen address")
	return cmd
}

func runLedgerNode(ctx context.Context, cfg *config.Config) error {
	log := logger.Named("ledger-node")
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	system, err := systemSigner(cfg.Ledger.SystemKey)
	if err != nil {
		return err
	}
	l, err := newLocalLedger(cfg, catalog, system.Address())
	if err != nil {
		return err
	}
	rpcServer, err := ledger.NewRPCServer(l)
	if err != nil {
		return err
	}
	defer rpcServer.Stop()

	mux := http.NewServeMux()
	mux.Handle("/", rpcServer)
	mux.Handle("/ws", rpcServer.WebsocketHandler([]string{"*"}))
	srv := &http.Server{Addr: cfg.Ledger.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- l.Run(ctx) }()

	serveErr := make(chan error, 1)
	go func() {
		log.Info("ledger node listening",
			slog.String("address", cfg.Ledger.Listen),
			slog.String("authority", system.Address().Hex()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			cancel()
			<-runDone
			return err
		}
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)
	cancel()
	<-runDone
	return nil
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a secp256k1 key for ledger.system_key or a wallet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			out := map[string]string{
				"address":     crypto.PubkeyToAddress(key.PublicKey).Hex(),
				"private_key": fmt.Sprintf("%x", crypto.FromECDSA(key)),
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
