package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/z-korp/daydreams/dispatcher/internal/config"
)

func tasksCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage scheduled tasks",
	}

	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := config.NewLogger("warn")
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(cmd.Context(), cfg.Store, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			tasks, err := store.ListTasks(cmd.Context(), status, limit)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(tasks)
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, completed, failed)")
	list.Flags().IntVar(&limit, "limit", 100, "Maximum number of tasks")

	var yes bool
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Delete every scheduled task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete all tasks without --yes")
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := config.NewLogger("warn")
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(cmd.Context(), cfg.Store, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.DeleteAll(cmd.Context()); err != nil {
				return fmt.Errorf("delete tasks: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All scheduled tasks deleted")
			return nil
		},
	}
	reset.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")

	cmd.AddCommand(list, reset)
	return cmd
}
