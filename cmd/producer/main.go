// Command producer sends JSON messages to a Kafka topic, typed in one per
// line or from a fixed demo sequence.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilpp/devops-pocs/cmd/internal/app"
)

func newCommand() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:   "producer",
		Short: "Send JSON messages to a Kafka topic",
		Long: `Sends messages to the configured topic with acks and retries taken
from the config.

Modes:
- interactive: read "key:message" lines from standard input (key optional)
- demo: send six sample messages

Without --mode the producer asks which one to run. Settings are read from
--config, .env and KAFKA_* environment variables.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch o.mode {
			case "", modeInteractive, modeDemo:
			default:
				return fmt.Errorf("invalid mode %q (expected %s or %s)", o.mode, modeInteractive, modeDemo)
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
	f.StringVar(&o.topic, "topic", "", "topic to send to (overrides the config)")
	f.StringVar(&o.mode, "mode", "", "interactive or demo")
	f.DurationVar(&o.interval, "interval", time.Second, "pause between demo messages")
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newCommand().ExecuteContext(ctx)
	stop()
	app.Exit(err)
}
