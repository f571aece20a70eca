// Package metrics exposes client core counters on a private prometheus
// registry. Metrics implements Observer; components default to NoopObserver.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry       *prometheus.Registry
	requests       *prometheus.HistogramVec
	requestErrors  *prometheus.CounterVec
	endpointUp     *prometheus.GaugeVec
	batchRecords   *prometheus.HistogramVec
	batchBytes     *prometheus.HistogramVec
	delivered      *prometheus.CounterVec
	deliveryErrors *prometheus.CounterVec
	retries        *prometheus.CounterVec
	consumed       *prometheus.CounterVec
	consumerLag    *prometheus.GaugeVec
	commits        *prometheus.CounterVec
	rebalances     prometheus.Counter
	decodeErrors   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	requests := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kafkapoc_request_duration_seconds",
		Help:    "Broker request round trip time by api",
		Buckets: prometheus.DefBuckets,
	}, []string{"api"})

	requestErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kafkapoc_request_errors_total",
		Help: "Broker requests that failed at the connection level by api",
	}, []string{"api"})

	endpointUp := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kafkapoc_endpoint_up",
		Help: "1 if the broker endpoint is considered reachable",
	}, []string{"addr"})

	batchRecords := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kafkapoc_producer_batch_records",
		Help:    "Records per produced batch",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"topic"})

	batchBytes := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kafkapoc_producer_batch_bytes",
		Help:    "Uncompressed size of produced batches",
		Buckets: prometheus.ExponentialBuckets(64, 4, 8),
	}, []string{"topic"})

	delivered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kafkapoc_producer_records_delivered_total",
		Help: "Records acknowledged by the broker",
	}, []string{"topic"})

	deliveryErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kafkapoc_producer_delivery_errors_total",
		Help: "Records that failed permanently",
	}, []string{"topic"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kafkapoc_producer_batch_retries_total",
		Help: "Batch produce attempts after the first",
	}, []string{"topic"})

	consumed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kafkapoc_consumer_records_total",
		Help: "Records yielded to the caller",
	}, []string{"topic"})

	consumerLag := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kafkapoc_consumer_lag",
		Help: "High watermark minus fetch position per topic and partition",
	}, []string{"topic", "partition"})

	commits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kafkapoc_consumer_commits_total",
		Help: "Offset commits by outcome",
	}, []string{"outcome"})

	rebalances := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kafkapoc_consumer_rebalances_total",
		Help: "Completed group joins",
	})

	decodeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kafkapoc_consumer_decode_errors_total",
		Help: "Fetched records that failed to deserialize",
	}, []string{"topic"})

	reg.MustRegister(requests, requestErrors, endpointUp, batchRecords, batchBytes,
		delivered, deliveryErrors, retries, consumed, consumerLag, commits,
		rebalances, decodeErrors)

	return &Metrics{
		registry:       reg,
		requests:       requests,
		requestErrors:  requestErrors,
		endpointUp:     endpointUp,
		batchRecords:   batchRecords,
		batchBytes:     batchBytes,
		delivered:      delivered,
		deliveryErrors: deliveryErrors,
		retries:        retries,
		consumed:       consumed,
		consumerLag:    consumerLag,
		commits:        commits,
		rebalances:     rebalances,
		decodeErrors:   decodeErrors,
	}
}

func (m *Metrics) RecordRequest(api string, seconds float64, failed bool) {
	m.requests.WithLabelValues(api).Observe(seconds)
	if failed {
		m.requestErrors.WithLabelValues(api).Inc()
	}
}

func (m *Metrics) RecordEndpointState(addr string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.endpointUp.WithLabelValues(addr).Set(v)
}

func (m *Metrics) RecordBatch(topic string, records, bytes int) {
	m.batchRecords.WithLabelValues(topic).Observe(float64(records))
	m.batchBytes.WithLabelValues(topic).Observe(float64(bytes))
}

func (m *Metrics) RecordDelivered(topic string, records int) {
	m.delivered.WithLabelValues(topic).Add(float64(records))
}

func (m *Metrics) RecordDeliveryError(topic string, records int) {
	m.deliveryErrors.WithLabelValues(topic).Add(float64(records))
}

func (m *Metrics) RecordRetry(topic string) {
	m.retries.WithLabelValues(topic).Inc()
}

func (m *Metrics) RecordConsumed(topic string, records int) {
	m.consumed.WithLabelValues(topic).Add(float64(records))
}

func (m *Metrics) RecordConsumerLag(topic string, partition int32, lag int64) {
	m.consumerLag.WithLabelValues(topic, strconv.Itoa(int(partition))).Set(float64(lag))
}

func (m *Metrics) RecordCommit(outcome string) {
	m.commits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordRebalance() {
	m.rebalances.Inc()
}

func (m *Metrics) RecordDecodeError(topic string) {
	m.decodeErrors.WithLabelValues(topic).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
