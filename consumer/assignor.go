package consumer

import (
	"slices"
	"sort"

	"github.com/kilpp/devops-pocs/api/JoinGroup"
	"github.com/kilpp/devops-pocs/api/SyncGroup"
)

// RangeProtocol is the name of the range assignor protocol.
const RangeProtocol = "range"

// RangeAssign assigns partitions topic by topic. Members subscribed to a
// topic are sorted by member id; each gets len(partitions)/len(members)
// consecutive partitions and the first len(partitions)%len(members)
// members get one extra. subscriptions maps member id to subscribed topics,
// partitions maps topic to its partitions. Every member is present in the
// result, possibly with no partitions.
func RangeAssign(subscriptions map[string][]string, partitions map[string][]int32) map[string]map[string][]int32 {
	result := make(map[string]map[string][]int32, len(subscriptions))
	byTopic := make(map[string][]string)
	for member, topics := range subscriptions {
		result[member] = make(map[string][]int32)
		for _, t := range topics {
			if !slices.Contains(byTopic[t], member) {
				byTopic[t] = append(byTopic[t], member)
			}
		}
	}
	for topic, members := range byTopic {
		sort.Strings(members)
		ps := slices.Clone(partitions[topic])
		slices.Sort(ps)
		n, extra := len(ps)/len(members), len(ps)%len(members)
		start := 0
		for i, m := range members {
			count := n
			if i < extra {
				count++
			}
			if count > 0 {
				result[m][topic] = ps[start : start+count]
			}
			start += count
		}
	}
	return result
}

// encodeAssignments for sync group. Topics are sorted so the encoding is
// stable.
func encodeAssignments(assigned map[string]map[string][]int32) ([]SyncGroup.Assignment, error) {
	var members []string
	for m := range assigned {
		members = append(members, m)
	}
	sort.Strings(members)
	var out []SyncGroup.Assignment
	for _, m := range members {
		a := &JoinGroup.Assignment{Topics: []JoinGroup.TopicAssignment{}, UserData: []byte{}}
		var topics []string
		for t := range assigned[m] {
			topics = append(topics, t)
		}
		sort.Strings(topics)
		for _, t := range topics {
			a.Topics = append(a.Topics, JoinGroup.TopicAssignment{Topic: t, Partitions: assigned[m][t]})
		}
		b, err := a.Marshal()
		if err != nil {
			return nil, err
		}
		out = append(out, SyncGroup.Assignment{MemberId: m, Assignment: b})
	}
	return out, nil
}
