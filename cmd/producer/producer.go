package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kilpp/devops-pocs/cmd/internal/app"
	"github.com/kilpp/devops-pocs/cmd/internal/ui"
	"github.com/kilpp/devops-pocs/kafkaclient"
	"github.com/kilpp/devops-pocs/serde"
)

const (
	modeInteractive = "interactive"
	modeDemo        = "demo"

	sendTimeout = 10 * time.Second
)

type options struct {
	config   string
	topic    string
	mode     string
	interval time.Duration
}

type value = map[string]any

type sample struct {
	key   string
	value value
}

func samples() []sample {
	return []sample{
		{"user1", value{"text": "Hello from Kafka!", "type": "greeting"}},
		{"user2", value{"text": "This is a test message", "type": "info"}},
		{"user3", value{"text": "Kafka is awesome!", "type": "opinion"}},
		{"user1", value{"text": "Another message from user1", "type": "update"}},
		{"", value{"text": "Message without a key", "type": "broadcast"}},
		{"", value{}},
	}
}

type session struct {
	p     *kafkaclient.Producer[string, value]
	out   *ui.Printer
	topic string
	sent  int
}

func run(ctx context.Context, a *app.App, o options, stdin io.Reader, stdout io.Writer) error {
	out := ui.New(stdout)
	in := bufio.NewScanner(stdin)
	out.Title("Kafka Producer")
	p, err := kafkaclient.CreateProducer(ctx, a.Config, serde.String(), serde.JSON[value](), a.ClientOptions()...)
	if err != nil {
		return a.Report(out, err)
	}
	out.OK("Connected to Kafka broker at %s", strings.Join(a.Config.BootstrapServers, ","))

	mode := o.mode
	if mode == "" {
		switch out.Choose(in, "Enter choice (1 or 2)",
			"Interactive mode (type messages manually)",
			"Demo mode (send sample messages)",
		) {
		case 1:
			mode = modeInteractive
		case 2:
			mode = modeDemo
		default:
			out.Warn("Invalid choice. Running demo mode...")
			mode = modeDemo
		}
	}
	s := &session{p: p, out: out, topic: a.Config.Topic}
	if mode == modeInteractive {
		s.interactive(ctx, in)
	} else {
		s.demo(ctx, o.interval)
	}

	out.Line("\nClosing producer connection...")
	closeCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := p.Close(closeCtx); err != nil {
		return a.Report(out, fmt.Errorf("error closing producer: %w", err))
	}
	out.OK("Producer closed successfully")
	return nil
}

// scan feeds lines from in until it is exhausted.
func scan(in *bufio.Scanner) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		for in.Scan() {
			lines <- in.Text()
		}
	}()
	return lines
}

// parseLine splits "key:message". The key is optional and trimmed.
func parseLine(line string) (key, text string) {
	if k, t, ok := strings.Cut(line, ":"); ok {
		return strings.TrimSpace(k), t
	}
	return "", line
}

func (s *session) interactive(ctx context.Context, in *bufio.Scanner) {
	s.out.Title("Interactive Message Producer")
	s.out.Line("Type your messages (or 'quit' to exit)")
	s.out.Line("Format: key:message (key is optional)")
	s.out.Line("Example: user123:Hello World")
	s.out.Rule()
	lines := scan(in)
	for {
		fmt.Fprint(s.out.Writer(), "\nEnter message: ")
		var line string
		select {
		case <-ctx.Done():
			s.out.Line("\n\nExiting producer...")
			return
		case l, ok := <-lines:
			if !ok {
				s.out.Line("\nExiting producer...")
				return
			}
			line = strings.TrimSpace(l)
		}
		switch strings.ToLower(line) {
		case "":
			continue
		case "quit", "exit", "q":
			s.out.Line("\nExiting producer...")
			return
		}
		key, text := parseLine(line)
		v := value{
			"text":       text,
			"timestamp":  time.Now().Format(time.RFC3339Nano),
			"message_id": s.sent + 1,
		}
		if s.send(ctx, key, v) {
			s.sent++
			s.out.Line("Total messages sent: %d", s.sent)
		}
	}
}

func (s *session) demo(ctx context.Context, interval time.Duration) {
	s.out.Title("Demo Mode - Sending Sample Messages")
	all := samples()
	for i, m := range all {
		m.value["timestamp"] = time.Now().Format(time.RFC3339Nano)
		m.value["message_id"] = i + 1
		key := m.key
		if key == "" {
			key = "None"
		}
		s.out.Line("\nSending message %d/%d...", i+1, len(all))
		s.out.Line("Key: %s", key)
		s.out.Line("Message: %v", m.value)
		if s.send(ctx, m.key, m.value) {
			s.sent++
		}
		select {
		case <-ctx.Done():
			s.out.Line("\n\nInterrupted by user")
			return
		case <-time.After(interval):
		}
	}
	s.out.OK("Demo complete! Sent %d messages", s.sent)
}

// send waits up to sendTimeout for the acknowledgement.
func (s *session) send(ctx context.Context, key string, v value) bool {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	res, err := s.p.SendSync(ctx, s.topic, key, v)
	if err != nil {
		s.out.Fail("Failed to send message: %v", err)
		return false
	}
	s.out.OK("Message sent successfully!")
	s.out.Line("  Topic: %s", s.topic)
	s.out.Line("  Partition: %d", res.Partition)
	s.out.Line("  Offset: %d", res.Offset)
	return true
}
