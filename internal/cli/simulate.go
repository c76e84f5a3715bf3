package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveohanians/pulsedashboard-sub000/internal/logging"
	"github.com/steveohanians/pulsedashboard-sub000/internal/simsrv"
)

var (
	simAddr      string
	simEntities  int
	simStepMs    int
	simFailEvery int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated sync backend for local development",
	RunE:  runSimulate,
}

func init() {
	simulateCmd.Flags().StringVar(&simAddr, "addr", ":8090", "listen address")
	simulateCmd.Flags().IntVar(&simEntities, "entities", 15, "number of fake entities")
	simulateCmd.Flags().IntVar(&simStepMs, "step-ms", 500, "delay between job transitions in milliseconds")
	simulateCmd.Flags().IntVar(&simFailEvery, "fail-every", 5, "fail every Nth entity's job (0 disables)")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	logger, err := logging.New(logging.Config{Level: "info", Development: true})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	srv := simsrv.New(simsrv.Options{
		EntityCount:  simEntities,
		StepInterval: time.Duration(simStepMs) * time.Millisecond,
		FailEvery:    simFailEvery,
	}, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = srv.Run(ctx, simAddr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
