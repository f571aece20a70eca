// Package api defines Kafka protocol requests and responses. Each API the
// client core calls lives in its own sub package (named after the API, as in
// the protocol guide) with NewRequest and Response. This package holds the
// request header and the framing shared by all of them.
package api

const (
	Produce         int16 = 0  // v7
	Fetch                 = 1  // v6
	ListOffsets           = 2  // v2
	Metadata              = 3  // v5
	OffsetCommit          = 8  // v2
	OffsetFetch           = 9  // v3
	FindCoordinator       = 10 // v1
	JoinGroup             = 11 // v2
	Heartbeat             = 12 // v1
	LeaveGroup            = 13 // v1
	SyncGroup             = 14 // v1
	ApiVersions           = 18 // v0
)

var Keys = map[int16]string{
	0:  "Produce",
	1:  "Fetch",
	2:  "ListOffsets",
	3:  "Metadata",
	8:  "OffsetCommit",
	9:  "OffsetFetch",
	10: "FindCoordinator",
	11: "JoinGroup",
	12: "Heartbeat",
	13: "LeaveGroup",
	14: "SyncGroup",
	18: "ApiVersions",
}

// Versions of each API sent by this client. The ApiVersions handshake checks
// that the broker supports them.
var Versions = map[int16]int16{
	Produce:         7,
	Fetch:           6,
	ListOffsets:     2,
	Metadata:        5,
	OffsetCommit:    2,
	OffsetFetch:     3,
	FindCoordinator: 1,
	JoinGroup:       2,
	Heartbeat:       1,
	LeaveGroup:      1,
	SyncGroup:       1,
	ApiVersions:     0,
}
