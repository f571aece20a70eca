package JoinGroup

// https://cwiki.apache.org/confluence/display/KAFKA/Kafka+Client-side+Assignment+Proposal

import (
	"github.com/kilpp/devops-pocs/api"
	"github.com/kilpp/devops-pocs/wire"
)

type Args struct {
	GroupId            string
	MemberId           string
	SessionTimeoutMs   int32 // if no heartbeat this long then rebalance
	RebalanceTimeoutMs int32 // wait this long for members to join
	ProtocolType       string
	Protocols          []Protocol
}

func NewRequest(args *Args) *api.Request {
	return &api.Request{
		ApiKey:     api.JoinGroup,
		ApiVersion: 2,
		Body: &Request{
			GroupId:            args.GroupId,
			SessionTimeoutMs:   args.SessionTimeoutMs,
			RebalanceTimeoutMs: args.RebalanceTimeoutMs,
			MemberId:           args.MemberId,
			ProtocolType:       args.ProtocolType,
			Protocols:          args.Protocols,
		},
	}
}

type Request struct {
	GroupId            string
	SessionTimeoutMs   int32
	RebalanceTimeoutMs int32
	MemberId           string
	ProtocolType       string
	Protocols          []Protocol
}

type Protocol struct {
	Name     string
	Metadata []byte
}

type Response struct {
	ThrottleTimeMs int32
	ErrorCode      int16
	GenerationId   int32
	ProtocolName   string
	Leader         string
	MemberId       string
	Members        []Member // only sent to the leader
}

type Member struct {
	MemberId string
	Metadata []byte
}

// Subscription is the "consumer" protocol type member metadata.
type Subscription struct {
	Version  int16
	Topics   []string
	UserData []byte
}

// Assignment is the "consumer" protocol type member assignment passed
// through SyncGroup.
type Assignment struct {
	Version  int16
	Topics   []TopicAssignment
	UserData []byte
}

type TopicAssignment struct {
	Topic      string
	Partitions []int32
}

func (s *Subscription) Marshal() ([]byte, error) {
	return wire.Marshal(s)
}

func UnmarshalSubscription(b []byte) (*Subscription, error) {
	s := &Subscription{}
	return s, wire.Unmarshal(b, s)
}

func (a *Assignment) Marshal() ([]byte, error) {
	return wire.Marshal(a)
}

// UnmarshalAssignment returns an empty assignment for empty b (member was
// assigned nothing).
func UnmarshalAssignment(b []byte) (*Assignment, error) {
	a := &Assignment{}
	if len(b) == 0 {
		return a, nil
	}
	return a, wire.Unmarshal(b, a)
}
