package wire

import (
	"bytes"
	"reflect"
	"testing"
)

type Outer struct {
	Int16       int16
	Int16Array  []int16
	Struct      Inner
	StructArray []Inner
	Name        string `wire:"nullable"`
	Bytes       []byte
	Skipped     int32 `wire:"omit"`
	hidden      int32
}

type Inner struct {
	Int16 int16
	Flag  bool
}

func TestUnitWriteRead(t *testing.T) {
	m := &Outer{
		Int16:       1,
		Int16Array:  []int16{2, 3},
		Struct:      Inner{4, true},
		StructArray: []Inner{{5, false}, {6, true}},
		Name:        "foo",
		Bytes:       []byte("bar"),
		Skipped:     7,
	}
	buf := new(bytes.Buffer)
	if err := Write(buf, reflect.ValueOf(m)); err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()
	t.Log(b)
	n := &Outer{}
	if err := Read(bytes.NewReader(b), reflect.ValueOf(n)); err != nil {
		t.Fatal(err)
	}
	m.Skipped = 0
	if !reflect.DeepEqual(m, n) {
		t.Fatalf("%+v %+v", m, n)
	}
}

func TestUnitNullable(t *testing.T) {
	b, err := Marshal(&Outer{})
	if err != nil {
		t.Fatal(err)
	}
	// int16, null array, inner (int16, bool), null array, null string, null bytes
	want := []byte{0, 0, 0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	if !bytes.Equal(b, want) {
		t.Fatal(b)
	}
	n := &Outer{Bytes: []byte("x")}
	if err := Unmarshal(b, n); err != nil {
		t.Fatal(err)
	}
	if n.Bytes != nil || n.Int16Array != nil || n.Name != "" {
		t.Fatalf("%+v", n)
	}
}

func TestUnitEmptyString(t *testing.T) {
	type s struct {
		A string
	}
	b, _ := Marshal(&s{})
	if !bytes.Equal(b, []byte{0, 0}) {
		t.Fatal(b)
	}
}

func TestUnitReadTruncated(t *testing.T) {
	b, _ := Marshal(&Outer{Name: "foobar"})
	n := &Outer{}
	if err := Unmarshal(b[:len(b)-3], n); err == nil {
		t.Fatal("expected error")
	}
}

func TestUnitUnsupportedKind(t *testing.T) {
	type s struct {
		F float64
	}
	if _, err := Marshal(&s{}); err == nil {
		t.Fatal("expected error")
	}
	if err := Unmarshal([]byte{}, s{}); err == nil {
		t.Fatal("expected error")
	}
}
