package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all known clusters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := newOrchestrator()
			if err != nil {
				return err
			}
			defer orch.Shutdown()

			summaries, err := orch.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("no clusters")
				return nil
			}
			fmt.Printf("%-36s  %-9s  %-20s  %6s  %8s\n", "ID", "STATE", "CREATED", "AGENTS", "MESSAGES")
			for _, s := range summaries {
				fmt.Printf("%-36s  %-9s  %-20s  %6d  %8d\n",
					s.ID, s.State, s.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					s.AgentCount, s.MessageCount)
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <cluster-id>",
		Short: "Show a cluster's state and per-agent progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := newOrchestrator()
			if err != nil {
				return err
			}
			defer orch.Shutdown()

			detail, err := orch.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("cluster:  %s\n", detail.ID)
			fmt.Printf("state:    %s\n", detail.State)
			fmt.Printf("created:  %s\n", detail.CreatedAt.Local().Format(time.RFC3339))
			if detail.WorktreePath != "" {
				fmt.Printf("worktree: %s\n", detail.WorktreePath)
			}
			fmt.Printf("\n%-20s  %-12s  %-12s  %9s  %s\n", "AGENT", "ROLE", "STATE", "ITERATION", "LAST TASK END")
			for _, a := range detail.Agents {
				lastEnd := "-"
				if a.LastTaskEnd != nil {
					lastEnd = a.LastTaskEnd.Local().Format(time.RFC3339)
				}
				fmt.Printf("%-20s  %-12s  %-12s  %9d  %s\n", a.ID, a.Role, a.State, a.Iteration, lastEnd)
			}
			return nil
		},
	}
}

func logsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs <cluster-id>",
		Short: "Print a cluster's message ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := newOrchestrator()
			if err != nil {
				return err
			}
			defer orch.Shutdown()

			ch, err := orch.Logs(cmd.Context(), args[0], follow)
			if err != nil {
				return err
			}
			for msg := range ch {
				printRecord(msg)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new records as they are appended")
	return cmd
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <cluster-id>",
		Short: "Stop a cluster cooperatively (in-flight tasks finish)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := newOrchestrator()
			if err != nil {
				return err
			}
			defer orch.Shutdown()

			if err := orch.Stop(args[0]); err != nil {
				return err
			}
			fmt.Printf("cluster %s stopped\n", args[0])
			return nil
		},
	}
}

func killCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <cluster-id>",
		Short: "Stop a cluster immediately, cancelling in-flight tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := newOrchestrator()
			if err != nil {
				return err
			}
			defer orch.Shutdown()

			if err := orch.Kill(args[0]); err != nil {
				// A fresh process has no live runtime; fall back to the
				// cooperative path which repairs orphaned index state.
				if stopErr := orch.Stop(args[0]); stopErr != nil {
					return err
				}
			}
			fmt.Printf("cluster %s killed\n", args[0])
			return nil
		},
	}
}

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <cluster-id>",
		Short: "Delete a terminal cluster's ledger and index entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := newOrchestrator()
			if err != nil {
				return err
			}
			defer orch.Shutdown()

			if err := orch.Purge(args[0]); err != nil {
				return err
			}
			fmt.Printf("cluster %s purged\n", args[0])
			return nil
		},
	}
}
