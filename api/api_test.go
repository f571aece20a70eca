package api_test

import (
	"bytes"
	"testing"

	"github.com/kilpp/devops-pocs/api"
	"github.com/kilpp/devops-pocs/api/Metadata"
	"github.com/kilpp/devops-pocs/api/Produce"
	"github.com/kilpp/devops-pocs/wire"
)

func TestUnitRequestRoundTrip(t *testing.T) {
	req := Produce.NewRequest("foo", 2, -1, 1000, []byte("batch"))
	req.ClientId = "test"
	req.CorrelationId = 7
	b, err := req.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	h, body, err := api.ReadRequest(bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	if h.ApiKey != api.Produce || h.ApiVersion != 7 || h.CorrelationId != 7 || h.ClientId != "test" {
		t.Fatalf("%+v", h)
	}
	r := &Produce.Request{}
	if err := wire.Unmarshal(body, r); err != nil {
		t.Fatal(err)
	}
	if r.Acks != -1 || r.TransactionalId != "" || string(r.TopicData[0].Data[0].RecordSet) != "batch" {
		t.Fatalf("%+v", r)
	}
}

func TestUnitNoResponse(t *testing.T) {
	if !Produce.NewRequest("foo", 0, 0, 1000, nil).NoResponse {
		t.Fatal("acks=0 produce expects no response")
	}
	if Produce.NewRequest("foo", 0, 1, 1000, nil).NoResponse {
		t.Fatal("acks=1 produce expects a response")
	}
}

func TestUnitResponseRoundTrip(t *testing.T) {
	resp := &Metadata.Response{
		Brokers: []Metadata.Broker{{NodeId: 1, Host: "localhost", Port: 9092}},
		TopicMetadata: []Metadata.TopicMetadata{{
			Topic:             "foo",
			PartitionMetadata: []Metadata.PartitionMetadata{{Partition: 0, Leader: 1}, {Partition: 1, Leader: 2}},
		}},
	}
	buf := new(bytes.Buffer)
	if err := api.WriteResponse(buf, 42, resp); err != nil {
		t.Fatal(err)
	}
	r, err := api.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if r.CorrelationId() != 42 {
		t.Fatal(r.CorrelationId())
	}
	m := &Metadata.Response{}
	if err := r.Unmarshal(m); err != nil {
		t.Fatal(err)
	}
	leaders := m.Leaders("foo")
	if len(leaders) != 1 || leaders[0].Addr() != "localhost:9092" {
		t.Fatal(leaders)
	}
}
