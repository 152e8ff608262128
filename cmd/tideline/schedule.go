package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print the projected windows of a worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := newEngine(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer e.Close(defaultGracefulTimeout)

			account, _ := cmd.Flags().GetString("account")
			family, _ := cmd.Flags().GetString("family")
			k, _ := cmd.Flags().GetInt("count")

			projection, err := e.registry.ProjectSchedule(cmd.Context(), account, family, k)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(projection)
		},
	}
	cmd.Flags().String("account", "", "Account id")
	cmd.Flags().String("family", "", "Data family")
	cmd.Flags().IntP("count", "k", 5, "Number of windows to project")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("family")
	return cmd
}

func newEnableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enable",
		Short: "Enable or disable a worker, or toggle synchronization globally",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := newEngine(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer e.Close(defaultGracefulTimeout)

			disable, _ := cmd.Flags().GetBool("disable")
			global, _ := cmd.Flags().GetBool("global")
			if global {
				return e.registry.SetGlobalEnabled(cmd.Context(), !disable)
			}

			account, _ := cmd.Flags().GetString("account")
			family, _ := cmd.Flags().GetString("family")
			worker, err := e.registry.SetEnabled(cmd.Context(), account, family, !disable)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(worker)
		},
	}
	cmd.Flags().String("account", "", "Account id")
	cmd.Flags().String("family", "", "Data family")
	cmd.Flags().Bool("disable", false, "Disable instead of enable")
	cmd.Flags().Bool("global", false, "Apply to the global synchronization toggle")
	cmd.MarkFlagsMutuallyExclusive("global", "account")
	return cmd
}
