package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the job queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth per role",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		stats, err := e.Queue.Stats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Queue.Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("cancelled", args[0])
		return nil
	},
}

var dlqLimit int

var queueDLQCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List dead-lettered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		jobs, err := e.Queue.ListDeadLetters(cmd.Context(), dlqLimit)
		if err != nil {
			return err
		}
		return printJSON(jobs)
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <job-id>",
	Short: "Requeue a dead-lettered job with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Queue.RequeueDeadLetter(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("requeued", args[0])
		return nil
	},
}

var queueGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		job, err := e.Queue.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(job)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	queueDLQCmd.Flags().IntVar(&dlqLimit, "limit", 100, "max jobs to list")
	queueCmd.AddCommand(queueStatusCmd, queueCancelCmd, queueDLQCmd, queueRequeueCmd, queueGetCmd)
	rootCmd.AddCommand(queueCmd)
}
