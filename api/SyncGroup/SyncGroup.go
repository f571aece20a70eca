package SyncGroup

import (
	"github.com/kilpp/devops-pocs/api"
)

// NewRequest to sync group. Only the leader sends assignments.
func NewRequest(group, member string, generation int32, assignments []Assignment) *api.Request {
	return &api.Request{
		ApiKey:     api.SyncGroup,
		ApiVersion: 1,
		Body: &Request{
			GroupId:      group,
			GenerationId: generation,
			MemberId:     member,
			Assignments:  assignments,
		},
	}
}

type Request struct {
	GroupId      string
	GenerationId int32
	MemberId     string
	Assignments  []Assignment
}

type Assignment struct {
	MemberId   string
	Assignment []byte
}

type Response struct {
	ThrottleTimeMs int32
	ErrorCode      int16
	Assignment     []byte
}
