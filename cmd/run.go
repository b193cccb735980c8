// -- cmd/run.go --
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/chromeherd/api/schemas"
	"github.com/xkilldash9x/chromeherd/internal/engine"
	"github.com/xkilldash9x/chromeherd/internal/observability"
	"github.com/xkilldash9x/chromeherd/internal/queue"
)

var runResultsPath string

// runCmd executes all tasks of a YAML file and writes JSONL results.
var runCmd = &cobra.Command{
	Use:   "run <tasks-file>",
	Short: "Execute the tasks defined in a YAML file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()

		source, err := queue.NewFileSource(args[0])
		if err != nil {
			return err
		}
		logger.Info("Loaded task file.", zap.String("path", args[0]), zap.Int("tasks", source.Len()))

		var out io.Writer = os.Stdout
		if runResultsPath != "" && runResultsPath != "-" {
			f, err := os.Create(runResultsPath)
			if err != nil {
				return fmt.Errorf("failed to create results file: %w", err)
			}
			defer f.Close()
			out = f
		}

		return executeTasks(cmd.Context(), source, queue.NewWriterSink(out), logger)
	},
}

// executeTasks wires the full stack, pumps the source into the dispatcher
// and blocks until all tasks finish or a signal arrives.
func executeTasks(parent context.Context, source queue.Source, sink engine.Sink, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.shutdown(logger)

	dispatcher := engine.NewDispatcher(cfg.Engine, st.engine, sink, logger)
	taskChan := make(chan schemas.Task, cfg.Engine.QueueSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(taskChan)
		for {
			task, err := source.Next(gctx)
			if err != nil {
				if err == io.EOF {
					return nil
				}
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			select {
			case taskChan <- task:
			case <-gctx.Done():
				return nil
			}
		}
	})

	dispatcher.Start(ctx, taskChan)
	err = g.Wait()
	dispatcher.Stop()
	return err
}

func init() {
	runCmd.Flags().StringVarP(&runResultsPath, "results", "o", "-", "results output path (JSONL, '-' for stdout)")
	rootCmd.AddCommand(runCmd)
}
