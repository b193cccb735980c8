// -- cmd/worker.go --
package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chromeherd/internal/observability"
	"github.com/xkilldash9x/chromeherd/internal/queue"
)

// workerCmd consumes tasks from the Redis queue until interrupted.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume tasks from the Redis queue and publish results back.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()

		q := queue.NewRedisQueue(cfg.Queue, logger)
		defer q.Close()
		if err := q.Ping(cmd.Context()); err != nil {
			return err
		}
		logger.Info("Connected to task queue.",
			zap.String("addr", cfg.Queue.RedisAddr),
			zap.String("task_list", cfg.Queue.TaskList))

		return executeTasks(cmd.Context(), q, q, logger)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
