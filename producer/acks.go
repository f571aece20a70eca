package producer

import (
	"fmt"
	"strings"
)

// Acks is the acknowledgement level the producer waits for.
type Acks int16

const (
	AcksNone   Acks = 0  // fire and forget, no response
	AcksLeader Acks = 1  // partition leader wrote the batch
	AcksAll    Acks = -1 // all in-sync replicas have the batch
)

func (a Acks) String() string {
	switch a {
	case AcksNone:
		return "none"
	case AcksLeader:
		return "leader"
	case AcksAll:
		return "all"
	}
	return fmt.Sprintf("Acks(%d)", int16(a))
}

// ParseAcks accepts none, leader, all, and the numeric 0, 1, -1.
func ParseAcks(s string) (Acks, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "0":
		return AcksNone, nil
	case "leader", "1":
		return AcksLeader, nil
	case "all", "-1":
		return AcksAll, nil
	}
	return 0, fmt.Errorf("invalid acks %q (expected none, leader, or all)", s)
}
