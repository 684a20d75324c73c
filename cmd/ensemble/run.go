package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ensemblekit/ensemble/pkg/models"
	"github.com/ensemblekit/ensemble/pkg/orchestrator"
	"github.com/ensemblekit/ensemble/pkg/template"
)

func startCmd() *cobra.Command {
	var (
		inputText string
		inputFile string
		issue     int
	)
	cmd := &cobra.Command{
		Use:   "start <config.yaml>",
		Short: "Start a cluster from a config or template file and run it in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := template.LoadFile(args[0])
			if err != nil {
				return err
			}
			input := models.StartInput{Text: inputText, File: inputFile, SourceIssue: issue}

			orch, err := newOrchestrator()
			if err != nil {
				return err
			}
			orch.StartRetentionSweeper()

			cluster, err := orch.Start(cmd.Context(), cfg, input)
			if err != nil {
				orch.Shutdown()
				return err
			}
			fmt.Printf("cluster %s started (%d agents)\n", cluster.ID, len(cfg.Agents))
			return runCluster(orch, cluster.ID)
		},
	}
	cmd.Flags().StringVarP(&inputText, "input", "i", "", "task text to seed the cluster with")
	cmd.Flags().StringVarP(&inputFile, "file", "f", "", "markdown file to seed the cluster with")
	cmd.Flags().IntVar(&issue, "issue", 0, "issue number the seed text was resolved from")
	return cmd
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <cluster-id>",
		Short: "Resume a stopped or crashed cluster and run it in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := newOrchestrator()
			if err != nil {
				return err
			}
			orch.StartRetentionSweeper()

			cluster, err := orch.Resume(cmd.Context(), args[0])
			if err != nil {
				orch.Shutdown()
				return err
			}
			fmt.Printf("cluster %s resumed\n", cluster.ID)
			return runCluster(orch, cluster.ID)
		},
	}
}

// runCluster streams the cluster's ledger to stdout until the cluster
// stops or the process is interrupted. The first interrupt requests a
// cooperative stop; the second kills in-flight tasks.
func runCluster(orch *orchestrator.Orchestrator, clusterID string) error {
	defer orch.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logs, err := orch.Logs(ctx, clusterID, true)
	if err != nil {
		return err
	}
	go func() {
		for msg := range logs {
			printRecord(msg)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	interrupted := false
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case sig := <-sigCh:
			if interrupted {
				slog.Warn("Second interrupt, killing in-flight tasks", "signal", sig)
				if err := orch.Kill(clusterID); err != nil {
					slog.Warn("Kill failed", "error", err)
				}
				return nil
			}
			interrupted = true
			slog.Info("Interrupt received, stopping cluster (interrupt again to kill)", "signal", sig)
			if err := orch.Stop(clusterID); err != nil {
				slog.Warn("Stop failed", "error", err)
			}
		case <-ticker.C:
			if !clusterRunning(orch, clusterID) {
				fmt.Printf("cluster %s stopped\n", clusterID)
				return nil
			}
		}
	}
}

func clusterRunning(orch *orchestrator.Orchestrator, clusterID string) bool {
	summaries, err := orch.List(context.Background())
	if err != nil {
		return true
	}
	for _, summary := range summaries {
		if summary.ID == clusterID {
			return summary.State == models.ClusterStateRunning
		}
	}
	return false
}

func printRecord(msg models.Message) {
	text := msg.Content.Text
	if text == "" && msg.Content.Data != nil {
		text = fmt.Sprintf("%v", msg.Content.Data)
	}
	fmt.Printf("%s  %-20s %-12s %s\n",
		msg.Time().Format(time.RFC3339), msg.Topic, msg.Sender, text)
}
