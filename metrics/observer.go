package metrics

// ClientObserver receives connection manager events.
type ClientObserver interface {
	RecordRequest(api string, seconds float64, failed bool)
	RecordEndpointState(addr string, up bool)
}

// ProducerObserver receives producer core events.
type ProducerObserver interface {
	RecordBatch(topic string, records, bytes int)
	RecordDelivered(topic string, records int)
	RecordDeliveryError(topic string, records int)
	RecordRetry(topic string)
}

// ConsumerObserver receives consumer core events.
type ConsumerObserver interface {
	RecordConsumed(topic string, records int)
	RecordConsumerLag(topic string, partition int32, lag int64)
	RecordCommit(outcome string)
	RecordRebalance()
	RecordDecodeError(topic string)
}

type Observer interface {
	ClientObserver
	ProducerObserver
	ConsumerObserver
}

type NoopObserver struct{}

func (NoopObserver) RecordRequest(_ string, _ float64, _ bool)    {}
func (NoopObserver) RecordEndpointState(_ string, _ bool)         {}
func (NoopObserver) RecordBatch(_ string, _, _ int)               {}
func (NoopObserver) RecordDelivered(_ string, _ int)              {}
func (NoopObserver) RecordDeliveryError(_ string, _ int)          {}
func (NoopObserver) RecordRetry(_ string)                         {}
func (NoopObserver) RecordConsumed(_ string, _ int)               {}
func (NoopObserver) RecordConsumerLag(_ string, _ int32, _ int64) {}
func (NoopObserver) RecordCommit(_ string)                        {}
func (NoopObserver) RecordRebalance()                             {}
func (NoopObserver) RecordDecodeError(_ string)                   {}
