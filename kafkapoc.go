/*
Package kafkapoc is a small publish/consume client core for Kafka 2.3+
brokers. It is the machinery behind the producer and consumer commands in cmd/:
connection management, per-partition batching producer, group consumer with
offset bookkeeping, and pluggable serialization.


Project Scope

At-least-once, non transactional production and consumption. Topic
administration, transport security, and broker-side behavior are not covered:
the broker is a black box reached through request/response calls.


Get Started

Most callers want the "kafkaclient" package, which puts the pieces together
behind Dial, NewProducer, and NewConsumer. The "producer", "consumer", and
"client" packages can be used directly when more control is needed.


Design Decisions

1. Record batches are the unit of work. Producer batches records per
partition and closes a batch on size or linger, whichever comes first. The
consumer fetches record sets and unpacks batches lazily while the caller
iterates.

2. One request in flight per connection. Connections are shared by all
producers and consumers created from one client.Manager, and calls on a single
connection are serialized. Ordering within a partition is provided by the
producer allowing one in-flight batch per partition (configurable).

3. Wide use of reflection. All API calls (requests and responses) are defined
as structs and marshaled with the wire package. Records within batches are
marshaled inline.

4. Explicit retries. Network failures are retried by the connection manager,
batch failures by the producer, and commit failures on the next auto-commit
tick. Only terminal errors reach the caller, as one of the error kinds defined
in this package.
*/
package kafkapoc

import "fmt"

// TopicPartition identifies a single partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}
