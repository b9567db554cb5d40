// kompot submits a batch of subscription orders against a CSA platform,
// waits for all of them to settle, tears down whatever was created, and
// reports the verdict through its exit code.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/seantiz/kompot/internal/config"
	"github.com/seantiz/kompot/internal/csa"
	"github.com/seantiz/kompot/internal/engine"
	"github.com/seantiz/kompot/internal/store"
)

// Exit codes.
const (
	exitOK           = 0
	exitErr          = 1
	exitTokenFailure = 2
	exitFailed       = 3
)

// errFailedSubscriptions signals that at least one subscription failed and
// exit-on-fail was requested.
var errFailedSubscriptions = errors.New("failed subscriptions with exit-on-fail set")

type options struct {
	logLevel     string
	logFile      string
	trustCert    bool
	exitOnFail   bool
	quiet        bool
	configFile   string
	configFmt    string
	delay        time.Duration
	heartbeat    time.Duration
	timeout      time.Duration
	deleteSubs   bool
	outputFolder string
	dbPath       string
	metricsAddr  string
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts options

	cmd := &cobra.Command{
		Use:          "kompot",
		Short:        "CSA subscription acceptance tester",
		Long:         "kompot orders every configured offering, polls the subscriptions until they settle or the budget runs out, then cancels (and optionally deletes) whatever was created.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return orchestrate(opts)
		},
	}

	cmd.Flags().StringVar(&opts.logLevel, "loglevel", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&opts.logFile, "logfile", "kompot.log", "log file to append messages to")
	cmd.Flags().BoolVar(&opts.trustCert, "trustcert", false, "trust self-signed certificates")
	cmd.Flags().BoolVar(&opts.exitOnFail, "exitonfail", false, "exit non-zero if any subscription fails")
	cmd.Flags().BoolVar(&opts.quiet, "quiet", false, "do not mirror logs to stderr")
	cmd.Flags().StringVar(&opts.configFile, "configfile", "kompot.yaml", "config file with the general section and orders")
	cmd.Flags().StringVar(&opts.configFmt, "configfmt", config.FormatYAML, "config format: yaml or json")
	cmd.Flags().DurationVar(&opts.delay, "delay", 15*time.Second, "delay between successive platform requests")
	cmd.Flags().DurationVar(&opts.heartbeat, "heartbeat", 2*time.Minute, "spacing between status polling passes")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", time.Hour, "total budget to wait for all subscriptions to settle")
	cmd.Flags().BoolVar(&opts.deleteSubs, "delete", false, "delete subscriptions after cancellation")
	cmd.Flags().StringVar(&opts.outputFolder, "outputfolder", "", "folder receiving instance documents of active subscriptions")
	cmd.Flags().StringVar(&opts.dbPath, "db", "kompot.db", "results database path")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "optional address serving Prometheus metrics during the run")

	return exitCode(cmd.Execute())
}

// exitCode maps the orchestration outcome to the process exit code. Token
// acquisition failures and requested failure exits each get a distinct code so
// callers can tell "could not even authenticate" from "subscriptions failed".
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, csa.ErrToken):
		return exitTokenFailure
	case errors.Is(err, errFailedSubscriptions):
		return exitFailed
	default:
		return exitErr
	}
}

func orchestrate(opts options) error {
	cfg, err := config.Load(opts.configFile, opts.configFmt)
	if err != nil {
		return err
	}

	// Flags force the corresponding general-section switches on.
	cfg.General.TrustCert = cfg.General.TrustCert || opts.trustCert
	cfg.General.ExitOnFail = cfg.General.ExitOnFail || opts.exitOnFail
	cfg.General.Delete = cfg.General.Delete || opts.deleteSubs

	logDest, err := os.OpenFile(opts.logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logDest.Close()

	var w io.Writer = logDest
	if !opts.quiet {
		w = io.MultiWriter(logDest, os.Stderr)
	}
	logger := config.NewLogger(w, config.ParseLogLevel(opts.logLevel))

	logger.Info("brewing kompot", "config", opts.configFile, "orders", len(cfg.Orders))

	db, err := store.NewSQLiteStore(opts.dbPath)
	if err != nil {
		return fmt.Errorf("open results database: %w", err)
	}
	defer db.Close()

	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(opts.metricsAddr, mux); err != nil {
				logger.Error("metrics listener stopped", "error", err)
			}
		}()
	}

	session := csa.NewSession(csa.SessionConfig{
		BaseURL:     cfg.General.BaseURL(),
		APIUsername: cfg.General.APIUsername,
		APIPassword: cfg.General.APIPassword,
		Username:    cfg.General.Credentials.Username,
		Password:    cfg.General.Credentials.Password,
		Tenant:      cfg.General.TenantName,
		TrustCert:   cfg.General.TrustCert,
	}, logger)
	client := csa.NewClient(session, logger)

	eng := engine.New(client, db, logger, engine.Options{
		Delay:        opts.delay,
		Heartbeat:    opts.heartbeat,
		Timeout:      opts.timeout,
		Delete:       cfg.General.Delete,
		OutputFolder: opts.outputFolder,
	})

	result, err := eng.Run(context.Background(), cfg.ModelOrders())
	if err != nil {
		logger.Error("run aborted", "error", err)
		return err
	}

	if result.Failed > 0 && cfg.General.ExitOnFail {
		logger.Error("subscriptions failed", "failed", result.Failed)
		return errFailedSubscriptions
	}
	return nil
}
