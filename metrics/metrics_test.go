package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Observer = (*Metrics)(nil)
var _ Observer = NoopObserver{}

func TestUnitMetricsHandler(t *testing.T) {
	m := New()
	m.RecordDelivered("test-topic", 3)
	m.RecordConsumerLag("test-topic", 1, 42)
	m.RecordEndpointState("localhost:9092", true)
	m.RecordCommit("ok")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(b)

	assert.True(t, strings.Contains(body, `kafkapoc_producer_records_delivered_total{topic="test-topic"} 3`), body)
	assert.True(t, strings.Contains(body, `kafkapoc_consumer_lag{partition="1",topic="test-topic"} 42`), body)
	assert.True(t, strings.Contains(body, `kafkapoc_endpoint_up{addr="localhost:9092"} 1`), body)
	assert.True(t, strings.Contains(body, `kafkapoc_consumer_commits_total{outcome="ok"} 1`), body)
}
