package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/fraudlens/internal/config"
	"github.com/mbd888/fraudlens/internal/fraud"
	"github.com/mbd888/fraudlens/internal/governor"
	"github.com/mbd888/fraudlens/internal/logging"
	"github.com/mbd888/fraudlens/internal/validation"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	url         string
	minInterval time.Duration
	attempts    int
	baseDelay   time.Duration
	timeout     time.Duration
	verbose     bool
}

// newHTTPClient is swapped in tests.
var newHTTPClient = func(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	if loaded, err := config.Load(); err == nil {
		cfg = loaded
	}
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "fraudctl",
		Short:         "Score transactions and inspect the fraud model",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.url, "url", cfg.ScoringAPIURL, "scoring service base URL")
	pf.DurationVar(&g.minInterval, "min-interval", cfg.MinRequestInterval, "minimum spacing between scoring calls")
	pf.IntVar(&g.attempts, "attempts", cfg.MaxAttempts, "scoring attempts before giving up")
	pf.DurationVar(&g.baseDelay, "base-delay", cfg.BaseBackoff, "first retry backoff")
	pf.DurationVar(&g.timeout, "timeout", cfg.HTTPTimeout, "per-request HTTP timeout")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "log retries and fallbacks to stderr")

	root.AddCommand(newScoreCmd(g), newStatsCmd(g), newHistoryCmd(g))
	return root
}

func (g *globalFlags) governor(cmd *cobra.Command) *governor.Governor {
	logger := logging.Discard()
	if g.verbose {
		logger = logging.NewWithWriter(cmd.ErrOrStderr(), "debug", "text")
	}
	return governor.New(governor.Config{
		BaseURL:     g.url,
		MinInterval: g.minInterval,
		MaxAttempts: g.attempts,
		BaseDelay:   g.baseDelay,
	},
		governor.WithHTTPClient(newHTTPClient(g.timeout)),
		governor.WithLogger(logger),
	)
}

func newScoreCmd(g *globalFlags) *cobra.Command {
	var (
		in      fraud.TransactionInput
		txType  string
		file    string
		repeat  int
		degrade bool
	)
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score one transaction",
		Long: `Score a transaction given by flags or by a JSON document (--file, '-' for stdin).

With --repeat N the same transaction is scored N times through one governor,
which shows the request spacing and rate-limit fallback at work.`,
		Example: `  fraudctl score --type CASH_OUT --amount 9000 --old-orig 9000 --new-orig 0
  echo '{"type":"TRANSFER","amount":120}' | fraudctl score --file -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file != "" {
				loaded, err := readInput(cmd, file)
				if err != nil {
					return err
				}
				in = loaded
			} else {
				t, err := fraud.ParseTransactionType(txType)
				if err != nil {
					return err
				}
				in.Type = t
			}
			if errs := validation.TransactionInput(in); len(errs) > 0 {
				return errs
			}
			if repeat < 1 {
				return fmt.Errorf("--repeat must be at least 1")
			}

			gov := g.governor(cmd)
			for i := 0; i < repeat; i++ {
				res, err := gov.Score(cmd.Context(), in)
				if err != nil {
					return err
				}
				if degrade && res.Degraded() {
					return fmt.Errorf("scoring degraded to %s", res.ModelVersion)
				}
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&file, "file", "", "read the transaction as JSON from a file ('-' for stdin)")
	f.StringVar(&txType, "type", "", "transaction type (TRANSFER, CASH_OUT, PAYMENT, CASH_IN, DEBIT)")
	f.Float64Var(&in.Amount, "amount", 0, "amount")
	f.IntVar(&in.Step, "step", 0, "simulated hour index")
	f.Float64Var(&in.OldBalanceOrig, "old-orig", 0, "origin balance before")
	f.Float64Var(&in.NewBalanceOrig, "new-orig", 0, "origin balance after")
	f.Float64Var(&in.OldBalanceDest, "old-dest", 0, "destination balance before")
	f.Float64Var(&in.NewBalanceDest, "new-dest", 0, "destination balance after")
	f.IntVar(&repeat, "repeat", 1, "score the transaction this many times")
	f.BoolVar(&degrade, "fail-on-degraded", false, "exit non-zero when the result was synthesized")
	cmd.MarkFlagsMutuallyExclusive("file", "type")
	return cmd
}

func newStatsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the model's aggregate metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printJSON(cmd.OutOrStdout(), g.governor(cmd).FetchModelStats(cmd.Context()))
		},
	}
}

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent scored transactions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be at least 1")
			}
			return printJSON(cmd.OutOrStdout(), g.governor(cmd).FetchHistory(cmd.Context(), limit))
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", governor.DefaultHistoryLimit, "number of transactions")
	return cmd
}

func readInput(cmd *cobra.Command, path string) (fraud.TransactionInput, error) {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path) // #nosec G304 -- operator-supplied input file
		if err != nil {
			return fraud.TransactionInput{}, fmt.Errorf("open input: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var in fraud.TransactionInput
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		if errors.Is(err, io.EOF) {
			return in, fmt.Errorf("input is empty")
		}
		return in, fmt.Errorf("decode input: %w", err)
	}
	if t, err := fraud.ParseTransactionType(string(in.Type)); err == nil {
		in.Type = t
	}
	return in, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
