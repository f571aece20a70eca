package kafkapoc

import (
	"errors"
	"fmt"
	"strings"
)

// https://kafka.apache.org/protocol#protocol_error_codes
const (
	ERR_UNKNOWN                          = -1
	ERR_NONE                             = 0
	ERR_OFFSET_OUT_OF_RANGE              = 1
	ERR_CORRUPT_MESSAGE                  = 2
	ERR_UNKNOWN_TOPIC_OR_PARTITION       = 3
	ERR_INVALID_FETCH_SIZE               = 4
	ERR_LEADER_NOT_AVAILABLE             = 5
	ERR_NOT_LEADER_FOR_PARTITION         = 6
	ERR_REQUEST_TIMED_OUT                = 7
	ERR_BROKER_NOT_AVAILABLE             = 8
	ERR_REPLICA_NOT_AVAILABLE            = 9
	ERR_MESSAGE_TOO_LARGE                = 10
	ERR_NETWORK_EXCEPTION                = 13
	ERR_COORDINATOR_LOAD_IN_PROGRESS     = 14
	ERR_COORDINATOR_NOT_AVAILABLE        = 15
	ERR_NOT_COORDINATOR                  = 16
	ERR_NOT_ENOUGH_REPLICAS              = 19
	ERR_NOT_ENOUGH_REPLICAS_AFTER_APPEND = 20
	ERR_INVALID_REQUIRED_ACKS            = 21
	ERR_ILLEGAL_GENERATION               = 22
	ERR_INCONSISTENT_GROUP_PROTOCOL      = 23
	ERR_INVALID_GROUP_ID                 = 24
	ERR_UNKNOWN_MEMBER_ID                = 25
	ERR_INVALID_SESSION_TIMEOUT          = 26
	ERR_REBALANCE_IN_PROGRESS            = 27
	ERR_UNSUPPORTED_VERSION              = 35
	ERR_INVALID_REQUEST                  = 42
	ERR_KAFKA_STORAGE_ERROR              = 56
)

var errorNames = map[int16]string{
	ERR_UNKNOWN:                          "UNKNOWN_SERVER_ERROR",
	ERR_NONE:                             "NONE",
	ERR_OFFSET_OUT_OF_RANGE:              "OFFSET_OUT_OF_RANGE",
	ERR_CORRUPT_MESSAGE:                  "CORRUPT_MESSAGE",
	ERR_UNKNOWN_TOPIC_OR_PARTITION:       "UNKNOWN_TOPIC_OR_PARTITION",
	ERR_INVALID_FETCH_SIZE:               "INVALID_FETCH_SIZE",
	ERR_LEADER_NOT_AVAILABLE:             "LEADER_NOT_AVAILABLE",
	ERR_NOT_LEADER_FOR_PARTITION:         "NOT_LEADER_FOR_PARTITION",
	ERR_REQUEST_TIMED_OUT:                "REQUEST_TIMED_OUT",
	ERR_BROKER_NOT_AVAILABLE:             "BROKER_NOT_AVAILABLE",
	ERR_REPLICA_NOT_AVAILABLE:            "REPLICA_NOT_AVAILABLE",
	ERR_MESSAGE_TOO_LARGE:                "MESSAGE_TOO_LARGE",
	ERR_NETWORK_EXCEPTION:                "NETWORK_EXCEPTION",
	ERR_COORDINATOR_LOAD_IN_PROGRESS:     "COORDINATOR_LOAD_IN_PROGRESS",
	ERR_COORDINATOR_NOT_AVAILABLE:        "COORDINATOR_NOT_AVAILABLE",
	ERR_NOT_COORDINATOR:                  "NOT_COORDINATOR",
	ERR_NOT_ENOUGH_REPLICAS:              "NOT_ENOUGH_REPLICAS",
	ERR_NOT_ENOUGH_REPLICAS_AFTER_APPEND: "NOT_ENOUGH_REPLICAS_AFTER_APPEND",
	ERR_INVALID_REQUIRED_ACKS:            "INVALID_REQUIRED_ACKS",
	ERR_ILLEGAL_GENERATION:               "ILLEGAL_GENERATION",
	ERR_INCONSISTENT_GROUP_PROTOCOL:      "INCONSISTENT_GROUP_PROTOCOL",
	ERR_INVALID_GROUP_ID:                 "INVALID_GROUP_ID",
	ERR_UNKNOWN_MEMBER_ID:                "UNKNOWN_MEMBER_ID",
	ERR_INVALID_SESSION_TIMEOUT:          "INVALID_SESSION_TIMEOUT",
	ERR_REBALANCE_IN_PROGRESS:            "REBALANCE_IN_PROGRESS",
	ERR_UNSUPPORTED_VERSION:              "UNSUPPORTED_VERSION",
	ERR_INVALID_REQUEST:                  "INVALID_REQUEST",
	ERR_KAFKA_STORAGE_ERROR:              "KAFKA_STORAGE_ERROR",
}

var retriable = map[int16]bool{
	ERR_CORRUPT_MESSAGE:                  true,
	ERR_UNKNOWN_TOPIC_OR_PARTITION:       true,
	ERR_LEADER_NOT_AVAILABLE:             true,
	ERR_NOT_LEADER_FOR_PARTITION:         true,
	ERR_REQUEST_TIMED_OUT:                true,
	ERR_REPLICA_NOT_AVAILABLE:            true,
	ERR_NETWORK_EXCEPTION:                true,
	ERR_COORDINATOR_LOAD_IN_PROGRESS:     true,
	ERR_COORDINATOR_NOT_AVAILABLE:        true,
	ERR_NOT_COORDINATOR:                  true,
	ERR_NOT_ENOUGH_REPLICAS:              true,
	ERR_NOT_ENOUGH_REPLICAS_AFTER_APPEND: true,
	ERR_KAFKA_STORAGE_ERROR:              true,
}

// Error is a non-zero error code returned by the broker in a response body.
// Responses carry error codes per partition (or per group); checking them is
// up to the caller of the api level functions.
type Error struct {
	Code int16
}

func (e *Error) Error() string {
	if name, ok := errorNames[e.Code]; ok {
		return fmt.Sprintf("kafka error %d (%s)", e.Code, name)
	}
	return fmt.Sprintf("kafka error %d", e.Code)
}

// Retriable reports whether the broker may accept the same request later.
func (e *Error) Retriable() bool {
	return retriable[e.Code]
}

// CodeError returns nil for ERR_NONE and *Error otherwise.
func CodeError(code int16) error {
	if code == ERR_NONE {
		return nil
	}
	return &Error{Code: code}
}

// HasCode reports whether err wraps a broker error with the given code.
func HasCode(err error, code int16) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// ErrCancelled resolves futures and polls interrupted by closing the client.
var ErrCancelled = errors.New("cancelled")

// ConnectionError is returned when no configured endpoint could be reached,
// after retries.
type ConnectionError struct {
	Endpoints []string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("unable to reach broker (%s): %v", strings.Join(e.Endpoints, ","), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DeliveryError is the final outcome of a batch that was rejected or timed
// out on every attempt. Err is the cause of the last attempt.
type DeliveryError struct {
	Topic     string
	Partition int32
	Attempts  int
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s-%d failed after %d attempt(s): %v", e.Topic, e.Partition, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// DeserializationError marks a fetched record whose key or value could not
// be decoded.
type DeserializationError struct {
	Topic     string
	Partition int32
	Offset    int64
	Err       error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("error decoding record %s-%d@%d: %v", e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// CommitError is an offset commit that did not go through. Local positions
// are unaffected; the commit is retried on the next interval.
type CommitError struct {
	Group string
	Err   error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("error committing offsets for group %q: %v", e.Group, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }
