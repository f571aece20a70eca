// Package ui prints the status lines and blocks of the producer and consumer
// commands. Styles are rendered for the writer they print to, so output to a
// file or pipe carries no escape codes.
package ui

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const width = 50

var (
	green  = lipgloss.Color("#34A853")
	red    = lipgloss.Color("#EA4335")
	blue   = lipgloss.Color("#8AB4F8")
	yellow = lipgloss.Color("#FBBC04")
	grey   = lipgloss.Color("#9AA0A6")
)

type Printer struct {
	w     io.Writer
	ok    lipgloss.Style
	fail  lipgloss.Style
	info  lipgloss.Style
	warn  lipgloss.Style
	title lipgloss.Style
	muted lipgloss.Style
}

func New(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:     w,
		ok:    r.NewStyle().Foreground(green),
		fail:  r.NewStyle().Foreground(red).Bold(true),
		info:  r.NewStyle().Foreground(blue),
		warn:  r.NewStyle().Foreground(yellow),
		title: r.NewStyle().Foreground(blue).Bold(true),
		muted: r.NewStyle().Foreground(grey),
	}
}

// Writer is the underlying writer.
func (p *Printer) Writer() io.Writer { return p.w }

func (p *Printer) OK(format string, args ...any) {
	fmt.Fprintln(p.w, p.ok.Render("✓ "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Fail(format string, args ...any) {
	fmt.Fprintln(p.w, p.fail.Render("✗ "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Info(format string, args ...any) {
	fmt.Fprintln(p.w, p.info.Render("→ "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Warn(format string, args ...any) {
	fmt.Fprintln(p.w, p.warn.Render("! "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *Printer) Muted(format string, args ...any) {
	fmt.Fprintln(p.w, p.muted.Render(fmt.Sprintf(format, args...)))
}

// Tick prints a single dot with no newline.
func (p *Printer) Tick() {
	fmt.Fprint(p.w, p.muted.Render("."))
}

func (p *Printer) Rule() {
	fmt.Fprintln(p.w, strings.Repeat("=", width))
}

// Title prints s between two rules.
func (p *Printer) Title(s string) {
	fmt.Fprintln(p.w)
	p.Rule()
	fmt.Fprintln(p.w, p.title.Render(s))
	p.Rule()
}

// Remediation is printed after a failure to reach the cluster.
func (p *Printer) Remediation(bootstrap []string, topic string) {
	p.Line("\nMake sure:")
	p.Line("1. The Kafka broker is running")
	p.Line("2. Topic %s exists", topic)
	p.Line("3. The bootstrap servers are correct (%s)", strings.Join(bootstrap, ","))
}

// Choose prints options numbered from 1 and reads the choice from in.
// Returns 0 when the line is not one of the numbers or in is exhausted.
func (p *Printer) Choose(in *bufio.Scanner, prompt string, options ...string) int {
	p.Line("\nSelect mode:")
	for i, o := range options {
		p.Line("%d. %s", i+1, o)
	}
	fmt.Fprintf(p.w, "\n%s: ", prompt)
	if !in.Scan() {
		fmt.Fprintln(p.w)
		return 0
	}
	choice := strings.TrimSpace(in.Text())
	for i := range options {
		if choice == fmt.Sprint(i+1) {
			return i + 1
		}
	}
	return 0
}
