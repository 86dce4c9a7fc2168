package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Lllllllleong/wordcountflow/internal/gcp"
	"github.com/Lllllllleong/wordcountflow/internal/models"
	"github.com/Lllllllleong/wordcountflow/internal/services"
	"github.com/spf13/cobra"
)

type jobRunner interface {
	Run(ctx context.Context, cfg services.JobConfig) (*models.WriteSummary, error)
}

type jobBuilder func(ctx context.Context, cfg services.JobConfig) (jobRunner, error)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	build := func(ctx context.Context, cfg services.JobConfig) (jobRunner, error) {
		return services.NewGCSWordCountJob(ctx, cfg)
	}
	err := newRootCmd(build).ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("Word count failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd(build jobBuilder) *cobra.Command {
	var cfg services.JobConfig

	cmd := &cobra.Command{
		Use:           "wordcount",
		Short:         "Count words in GCS text and append the counts to a BigQuery table",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			job, err := build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			summary, err := job.Run(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "wrote %d rows to %s (created: %t)\n", summary.RowsWritten, summary.Table, summary.TableCreated)
			for _, line := range summary.Schema {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.InputExpression, "input_expression", "", "GCS input path to read from. gs://bucket/path or gs://bucket/file")
	flags.StringVar(&cfg.OutputTable, "output_table", "", "BigQuery table to write word count results. Format project:dataset.table")
	flags.StringVar(&cfg.TempBucket, "temp_bucket", "", "GCS path to store temp files. Format bucket/path/ without gs://")
	flags.StringVar(&cfg.ProjectID, "project", gcp.GetEnv("GOOGLE_CLOUD_PROJECT", ""), "Project for BigQuery jobs and for tables named without one")
	flags.IntVar(&cfg.Parallelism, "parallelism", services.DefaultParallelism, "Input objects read concurrently")
	for _, name := range []string{"input_expression", "output_table", "temp_bucket"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}
