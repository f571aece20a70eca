package Produce

import (
	"github.com/kilpp/devops-pocs/api"
)

// NewRequest with a single record set for one partition. With acks 0 the
// broker sends no response.
func NewRequest(topic string, partition int32, acks int16, timeoutMs int32, recordSet []byte) *api.Request {
	d := Data{
		Partition: partition,
		RecordSet: recordSet,
	}
	t := TopicData{
		Topic: topic,
		Data:  []Data{d},
	}
	return &api.Request{
		ApiKey:     api.Produce,
		ApiVersion: 7,
		Body: &Request{
			Acks:      acks,
			TimeoutMs: timeoutMs,
			TopicData: []TopicData{t},
		},
		NoResponse: acks == 0,
	}
}

type Request struct {
	TransactionalId string `wire:"nullable"`
	Acks            int16  // 0: no, 1: leader only, -1: all ISRs (as specified by min.insync.replicas)
	TimeoutMs       int32
	TopicData       []TopicData
}

type TopicData struct {
	Topic string
	Data  []Data
}

type Data struct {
	Partition int32
	RecordSet []byte
}

type Response struct {
	TopicResponses []TopicResponse
	ThrottleTimeMs int32
}

type TopicResponse struct {
	Topic              string
	PartitionResponses []PartitionResponse
}

type PartitionResponse struct {
	Partition      int32
	ErrorCode      int16
	BaseOffset     int64
	LogAppendTime  int64
	LogStartOffset int64
}

// Partition response for topic partition, or nil.
func (r *Response) Partition(topic string, partition int32) *PartitionResponse {
	for _, t := range r.TopicResponses {
		if t.Topic != topic {
			continue
		}
		for i := range t.PartitionResponses {
			if t.PartitionResponses[i].Partition == partition {
				return &t.PartitionResponses[i]
			}
		}
	}
	return nil
}
