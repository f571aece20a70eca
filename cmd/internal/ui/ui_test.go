package ui

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnitPlainOutput(t *testing.T) {
	var out bytes.Buffer
	p := New(&out)
	p.OK("sent %d", 3)
	p.Fail("failed")
	p.Info("reading")
	p.Tick()
	assert.Equal(t, "✓ sent 3\n✗ failed\n→ reading\n.", out.String())
}

func TestUnitTitle(t *testing.T) {
	var out bytes.Buffer
	New(&out).Title("Kafka Consumer")
	rule := strings.Repeat("=", 50)
	assert.Equal(t, "\n"+rule+"\nKafka Consumer\n"+rule+"\n", out.String())
}

func TestUnitChoose(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"1\n", 1},
		{" 2 \n", 2},
		{"3\n", 0},
		{"x\n", 0},
		{"", 0},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		in := bufio.NewScanner(strings.NewReader(tt.input))
		got := New(&out).Choose(in, "Enter choice", "first", "second")
		assert.Equal(t, tt.want, got, tt.input)
		assert.Contains(t, out.String(), "2. second")
	}
}
