package consumer

import (
	"fmt"
	"strings"
)

// State of the consumer with respect to its group.
type State int32

const (
	Unassigned State = iota
	Joining
	Assigned
	Fetching
	Rebalancing
	Closed
)

var stateNames = map[State]string{
	Unassigned:  "Unassigned",
	Joining:     "Joining",
	Assigned:    "Assigned",
	Fetching:    "Fetching",
	Rebalancing: "Rebalancing",
	Closed:      "Closed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// OffsetReset says where to start consuming a partition that has no
// committed offset, or whose position is out of range.
type OffsetReset int

const (
	ResetLatest   OffsetReset = iota // high watermark, only new records
	ResetEarliest                    // log start
)

func (r OffsetReset) String() string {
	if r == ResetEarliest {
		return "earliest"
	}
	return "latest"
}

func ParseReset(s string) (OffsetReset, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "latest":
		return ResetLatest, nil
	case "earliest":
		return ResetEarliest, nil
	}
	return 0, fmt.Errorf("invalid offset reset %q (expected earliest or latest)", s)
}
