package FindCoordinator

import (
	"net"
	"strconv"

	"github.com/kilpp/devops-pocs/api"
)

const (
	CoordinatorGroup = iota
	CoordinatorTransaction
)

func NewRequest(groupId string) *api.Request {
	return &api.Request{
		ApiKey:     api.FindCoordinator,
		ApiVersion: 1,
		Body: &Request{
			Key:     groupId,
			KeyType: CoordinatorGroup,
		},
	}
}

type Request struct {
	Key     string // groupId
	KeyType int8
}

type Response struct {
	ThrottleTimeMs int32
	ErrorCode      int16
	ErrorMessage   string `wire:"nullable"`
	NodeId         int32
	Host           string
	Port           int32
}

func (r *Response) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}
