// Command mockscorer serves a stand-in for the fraud-scoring model so the
// dashboard backend can run without the real service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/mbd888/fraudlens/internal/config"
	"github.com/mbd888/fraudlens/internal/logging"
	"github.com/mbd888/fraudlens/internal/mockbackend"
	"github.com/mbd888/fraudlens/internal/synth"
)

var (
	port        string
	rpm         int
	burst       int
	snakeCase   bool
	failureRate float64
	seed        uint64
)

var rootCmd = &cobra.Command{
	Use:   "mockscorer",
	Short: "Serve a mock fraud-scoring model",
	Long: `mockscorer answers POST /api/transactions/score, GET /api/model/stats and
GET /api/transactions/history with heuristic scores and synthesized history.

Scoring is metered by one shared quota; callers over it get 429 with a
Retry-After header, the way the hosted model behaves.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	cfg := config.Default()
	if loaded, err := config.Load(); err == nil {
		cfg = loaded
	}
	rootCmd.Flags().StringVar(&port, "port", cfg.MockScorerPort, "listen port")
	rootCmd.Flags().IntVar(&rpm, "rpm", cfg.MockScorerRPM, "scoring requests per minute")
	rootCmd.Flags().IntVar(&burst, "burst", mockbackend.DefaultBurst, "scoring calls allowed back to back")
	rootCmd.Flags().BoolVar(&snakeCase, "snake-case", false, "answer with snake_case keys")
	rootCmd.Flags().Float64Var(&failureRate, "failure-rate", 0, "fraction of scoring calls answered with 500")
	rootCmd.Flags().Uint64Var(&seed, "seed", 0, "fix the random sequence (0 picks one)")
}

func run(cmd *cobra.Command, _ []string) error {
	if failureRate < 0 || failureRate > 1 {
		return fmt.Errorf("--failure-rate must be within [0,1], got %v", failureRate)
	}

	logger := logging.New("info", "text")
	gin.SetMode(gin.ReleaseMode)

	opts := []mockbackend.Option{mockbackend.WithLogger(logger)}
	if seed != 0 {
		opts = append(opts, mockbackend.WithSource(synth.NewSource(seed, seed)))
	}
	backend := mockbackend.New(mockbackend.Config{
		RequestsPerMinute: rpm,
		Burst:             burst,
		SnakeCase:         snakeCase,
		FailureRate:       failureRate,
	}, opts...)
	defer backend.Close()

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           backend.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		logger.Info("mock scorer listening", "port", port, "rpm", rpm, "burst", burst, "snake_case", snakeCase)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	scored, flagged := backend.Stats()
	logger.Info("mock scorer stopping", "scored", scored, "flagged", flagged)
	return srv.Shutdown(shutdownCtx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
