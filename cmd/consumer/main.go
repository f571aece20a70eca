// Command consumer reads JSON messages from a Kafka topic as a member of the
// configured consumer group and prints them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kilpp/devops-pocs/cmd/internal/app"
)

func newCommand() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:   "consumer",
		Short: "Print JSON messages read from a Kafka topic",
		Long: `Joins the configured consumer group and prints every message read
from the topic until interrupted. Offsets are committed automatically.

Modes:
- latest: start from new messages when the group has no committed offset
- earliest: start from the beginning of the topic
- info: print the topic partitions and assignment, then exit

Without --mode the consumer asks which one to run. Settings are read from
--config, .env and KAFKA_* environment variables.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch o.mode {
			case "", modeLatest, modeEarliest, modeInfo:
			default:
				return fmt.Errorf("invalid mode %q (expected %s, %s or %s)", o.mode, modeLatest, modeEarliest, modeInfo)
			}
			a, err := app.Load(cmd.Context(), o.config, o.topic)
			if err != nil {
				return err
			}
			defer a.Close()
			return run(cmd.Context(), a, o, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.config, "config", "", "YAML config file")
	f.StringVar(&o.topic, "topic", "", "topic to read (overrides the config)")
	f.StringVar(&o.mode, "mode", "", "latest, earliest or info")
	f.IntVar(&o.limit, "max-messages", 0, "exit after this many messages (0 reads until interrupted)")
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newCommand().ExecuteContext(ctx)
	stop()
	app.Exit(err)
}
