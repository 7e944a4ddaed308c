// Package commands implements queuectl, the operator CLI for the batch queue.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/bulk-export/internal/bootstrap"
	"github.com/cuongbtq/bulk-export/internal/config"
	"github.com/cuongbtq/bulk-export/internal/notify"
	"github.com/cuongbtq/bulk-export/internal/queue"
)

// flag names
const (
	flagConfig  = "config"
	flagJobID   = "id"
	flagBatchID = "batch-id"
	flagForce   = "force"
)

// environment variable names
const (
	envConfigPath = "QUEUECTL_CONFIG_PATH"
)

const defaultConfigPath = "configs/api-service/config.yaml"

// session is what a command works against.
type session struct {
	queue     queue.Queue
	publisher notify.Publisher
	close     func()
}

// openSession connects to the configured queue. migrate forces the schema
// migration regardless of database.migrate. Tests replace it.
var openSession = func(ctx context.Context, configPath string, migrate bool) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateAPIConfig(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if migrate {
		if cfg.Queue.Backend != "postgres" {
			return nil, fmt.Errorf("migrate needs the postgres queue backend, config uses %q", cfg.Queue.Backend)
		}
		cfg.Database.Migrate = true
	}

	// Command output goes to stdout; keep logs out of it.
	cfg.Logging.Output = "stderr"
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	q, closeQueue, err := bootstrap.InitQueue(ctx, cfg, nil, appLogger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}

	s := &session{queue: q, publisher: notify.NopPublisher{}, close: closeQueue}

	rabbitClient, err := bootstrap.InitRabbitMQ(ctx, &cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		closeQueue()
		return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	if rabbitClient != nil {
		s.publisher = notify.NewRabbitPublisher(rabbitClient, appLogger.Logger)
		s.close = func() {
			rabbitClient.Close()
			closeQueue()
		}
	}
	return s, nil
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "queuectl",
		Short: "queuectl - operate the bulk export batch queue",
		Long: `queuectl inspects the bulk export batch queue, resubmits failed batches
and applies the queue schema.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringP(flagConfig, "c", defaultConfigPath, "Path to configuration file (env: "+envConfigPath+")")

	root.AddCommand(newQueueCmd())
	root.AddCommand(newJobsCmd())
	root.AddCommand(newMigrateCmd())
	return root
}

// configPath resolves the config path: flag, then environment, then default.
func configPath(cmd *cobra.Command) string {
	flag := cmd.Flag(flagConfig)
	if flag != nil && flag.Changed {
		return flag.Value.String()
	}
	if env := os.Getenv(envConfigPath); env != "" {
		return env
	}
	if flag != nil {
		return flag.Value.String()
	}
	return defaultConfigPath
}

// withSession opens a session for the duration of fn.
func withSession(cmd *cobra.Command, migrate bool, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := openSession(ctx, configPath(cmd), migrate)
	if err != nil {
		return err
	}
	defer s.close()

	return fn(ctx, s)
}

func printJSON(cmd *cobra.Command, v any) error {
	prettyJSON, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error formatting response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(prettyJSON))
	return nil
}
