package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	kafkapoc "github.com/kilpp/devops-pocs"
	"github.com/kilpp/devops-pocs/cmd/internal/app"
	"github.com/kilpp/devops-pocs/cmd/internal/ui"
	"github.com/kilpp/devops-pocs/kafkaclient"
	"github.com/kilpp/devops-pocs/serde"
)

const (
	modeLatest   = "latest"
	modeEarliest = "earliest"
	modeInfo     = "info"

	pollTimeout  = time.Second
	closeTimeout = 10 * time.Second
)

type options struct {
	config string
	topic  string
	mode   string
	limit  int
}

type consumer = kafkaclient.Consumer[string, any]

func run(ctx context.Context, a *app.App, o options, stdin io.Reader, stdout io.Writer) error {
	out := ui.New(stdout)
	out.Title("Kafka Consumer")
	mode := o.mode
	if mode == "" {
		switch out.Choose(bufio.NewScanner(stdin), "Enter choice (1, 2, or 3)",
			"Read from latest (new messages only)",
			"Read from beginning (all messages)",
			"Show topic info only",
		) {
		case 2:
			mode = modeEarliest
		case 3:
			mode = modeInfo
		default:
			mode = modeLatest
		}
	}
	cfg := a.Config
	switch mode {
	case modeEarliest:
		out.Info("Reading from beginning of topic...")
		cfg.AutoOffsetReset = modeEarliest
	case modeLatest:
		out.Info("Reading new messages only...")
		cfg.AutoOffsetReset = modeLatest
	default:
		cfg.AutoOffsetReset = modeLatest
	}
	// errors are printed either way
	if cfg.OnDecodeError == "" {
		cfg.OnDecodeError = "skip"
	}

	c, err := kafkaclient.CreateConsumer(ctx, cfg, serde.String(), serde.JSON[any](), a.ClientOptions()...)
	if err != nil {
		return a.Report(out, err)
	}
	out.OK("Connected to Kafka broker at %s", strings.Join(cfg.BootstrapServers, ","))
	out.OK("Subscribed to topic: %s", cfg.Topic)
	out.OK("Consumer group: %s", cfg.ConsumerGroup)
	out.OK("Reading from: %s", cfg.AutoOffsetReset)

	showTopicInfo(ctx, out, c, cfg.Topic)
	var consumed int
	if mode != modeInfo {
		consumed = consume(ctx, out, c, o.limit)
		out.Line("")
		out.OK("Total messages consumed: %d", consumed)
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.Close(closeCtx); err != nil {
		return a.Report(out, fmt.Errorf("error closing consumer: %w", err))
	}
	out.OK("Consumer closed successfully")
	return nil
}

func showTopicInfo(ctx context.Context, out *ui.Printer, c *consumer, topic string) {
	out.Title("Topic Information")
	defer func() {
		out.Rule()
		out.Line("")
	}()
	info, err := c.TopicInfo(ctx, topic)
	if err != nil {
		out.Fail("Error getting topic info: %v", err)
		return
	}
	if len(info.Partitions) == 0 {
		out.Warn("Topic '%s' not found or has no partitions", topic)
		return
	}
	partitions := slices.Clone(info.Partitions)
	slices.Sort(partitions)
	out.Line("Topic: %s", info.Name)
	out.Line("Number of partitions: %d", len(partitions))
	out.Line("Partitions: %v", partitions)

	assignment := c.Core().Assignment()
	if len(assignment) == 0 {
		return
	}
	assigned := make([]int32, 0, len(assignment))
	for _, tp := range assignment {
		assigned = append(assigned, tp.Partition)
	}
	out.Line("\nAssigned partitions: %v", assigned)
	out.Line("\nCurrent offsets:")
	for _, tp := range assignment {
		if pos, ok := c.Core().Position(tp); ok {
			out.Line("  Partition %d: %d", tp.Partition, pos)
		}
	}
}

// consume prints messages until ctx ends or limit messages were printed
// (0 is no limit). Returns the number printed.
func consume(ctx context.Context, out *ui.Printer, c *consumer, limit int) int {
	out.Title("Listening for messages...")
	out.Line("Press Ctrl+C to stop")
	out.Rule()
	n := 0
	done := func() bool { return limit > 0 && n >= limit }
	for ctx.Err() == nil && !done() {
		empty := true
		for m, err := range c.Poll(ctx, pollTimeout) {
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, kafkapoc.ErrCancelled) {
					return n
				}
				var de *kafkapoc.DeserializationError
				if errors.As(err, &de) {
					out.Warn("Skipping message: %v", err)
				} else {
					out.Fail("Error reading messages: %v", err)
				}
				continue
			}
			// stopping here leaves m to the next poll
			if done() {
				return n
			}
			empty = false
			n++
			printMessage(out, n, m)
		}
		if empty {
			out.Tick()
		}
	}
	return n
}

func printMessage(out *ui.Printer, n int, m *kafkaclient.Message[string, any]) {
	key := m.Key
	if key == "" {
		key = "None"
	}
	value, err := json.MarshalIndent(m.Value, "", "  ")
	if err != nil {
		value = []byte(fmt.Sprint(m.Value))
	}
	out.Line("")
	out.Rule()
	out.Line("Message #%d", n)
	out.Rule()
	out.Line("Topic: %s", m.Topic)
	out.Line("Partition: %d", m.Partition)
	out.Line("Offset: %d", m.Offset)
	out.Line("Key: %s", key)
	out.Line("Timestamp: %d", m.Timestamp.UnixMilli())
	out.Line("\nValue:")
	out.Line("%s", value)
	out.Rule()
}
