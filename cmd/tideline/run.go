package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/tideline/internal/coordinator"
	"github.com/livinlefevreloca/tideline/internal/db"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one synchronization in the foreground",
		RunE:  runOnce,
	}
	cmd.Flags().String("account", "", "Account id")
	cmd.Flags().String("family", "", "Data family")
	cmd.Flags().Bool("events", false, "Print the run's events as NDJSON afterwards")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("family")
	return cmd
}

func runOnce(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := newEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close(defaultGracefulTimeout)

	account, _ := cmd.Flags().GetString("account")
	family, _ := cmd.Flags().GetString("family")

	result, run, err := e.coordinator.RunSync(ctx, account, family, db.TriggerManual)
	if err != nil {
		return err
	}
	out := json.NewEncoder(cmd.OutOrStdout())
	if result.Outcome == coordinator.OutcomeSkipped {
		_ = out.Encode(result)
		return fmt.Errorf("worker busy with run %s", result.RunID)
	}

	if printEvents, _ := cmd.Flags().GetBool("events"); printEvents {
		events, err := e.events.List(ctx, run.ID, 1, 0)
		if err != nil {
			return err
		}
		for _, ev := range events {
			_ = out.Encode(ev)
		}
	}
	if err := out.Encode(run); err != nil {
		return err
	}
	if run.Status != db.RunCompleted {
		return fmt.Errorf("run %s finished with status %s", run.ID, run.Status)
	}
	return nil
}
