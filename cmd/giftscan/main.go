package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/giftscan/giftscan/internal/app"
	"github.com/giftscan/giftscan/internal/config"
)

const version = "v1.2.0"

var (
	configPath string
	verbose    bool
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     "giftscan",
		Short:   "NFT gift market scanner and arbitrage detector",
		Version: version,
		Long: `giftscan watches Telegram NFT gift marketplaces, records price
history, infers sales from disappearing listings and alerts on
cross-marketplace arbitrage and underpriced rare items.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config (defaults apply when omitted)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Run the continuous scan loop",
		Long:  "Fetch prices from every marketplace on a fixed interval, reconcile listings into sales and publish alerts.",
		RunE:  runScan,
	}
	scanCmd.Flags().Bool("once", false, "Run a single tick and exit")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scanner together with the read API",
		RunE:  runServe,
	}

	digestCmd := &cobra.Command{
		Use:   "digest",
		Short: "Build and send one market digest, then exit",
		RunE:  runDigest,
	}

	rootCmd.AddCommand(scanCmd, serveCmd, digestCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func buildApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, log.Logger)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if once, _ := cmd.Flags().GetBool("once"); once {
		return a.Scanner.Tick(ctx)
	}

	err = a.Scanner.Run(ctx)
	if err == context.Canceled {
		log.Info().Msg("scanner stopped")
		return nil
	}
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	errCh := make(chan error, 2)
	go func() {
		if err := a.Scanner.Run(ctx); err != nil && err != context.Canceled {
			errCh <- err
		}
	}()
	go func() {
		if err := a.Server.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Server.Shutdown(shutdownCtx)
}

func runDigest(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Digest.Send(ctx)
}
