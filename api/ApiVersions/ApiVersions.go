package ApiVersions

import (
	"github.com/kilpp/devops-pocs/api"
)

func NewRequest() *api.Request {
	return &api.Request{
		ApiKey:     api.ApiVersions,
		ApiVersion: 0,
		Body:       &Request{},
	}
}

type Request struct{}

type Response struct {
	ErrorCode int16
	ApiKeys   []ApiKeyVersion
}

type ApiKeyVersion struct {
	ApiKey     int16
	MinVersion int16
	MaxVersion int16
}

// Supports reports whether the broker accepts version v of API key.
func (r *Response) Supports(key, v int16) bool {
	for _, k := range r.ApiKeys {
		if k.ApiKey == key {
			return k.MinVersion <= v && v <= k.MaxVersion
		}
	}
	return false
}
