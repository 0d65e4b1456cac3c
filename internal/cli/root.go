package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/gosched/internal/logging"
)

var (
	flagServer    string
	flagInternal  string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string
	flagOutput    string

	logger   *slog.Logger
	client   *Client
	internal *Client
)

// envOr returns the value of the environment variable key, or def.
func envOr(key, def string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return def
}

// NewRootCmd creates the root cobra command for schedctl.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "schedctl",
		Short: "schedctl manages jobs, schedules and agents of a gosched cluster",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch flagOutput {
			case outputTable, outputJSON, outputYAML:
			default:
				return fmt.Errorf("unknown output format %q (table, json, yaml)", flagOutput)
			}
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(flagLogLevel), flagLogFormat, cmd.ErrOrStderr())
			client = NewClient(flagServer, logger)
			internal = NewClient(flagInternal, logger)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", envOr("GOSCHED_SERVER", "http://localhost:8090"), "gosched server URL (or GOSCHED_SERVER env)")
	root.PersistentFlags().StringVar(&flagInternal, "internal", envOr("GOSCHED_INTERNAL", "http://127.0.0.1:8091"), "Loopback admin URL used for token generation (or GOSCHED_INTERNAL env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")
	root.PersistentFlags().StringVarP(&flagOutput, "output", "o", outputTable, "Output format (table, json, yaml)")

	root.AddCommand(
		newTokenCmd(),
		newJobCmd(),
		newScheduleCmd(),
		newTaskCmd(),
		newInstanceCmd(),
		newAgentsCmd(),
		newClusterCmd(),
	)

	return root
}
