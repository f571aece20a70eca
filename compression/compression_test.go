package compression

import (
	"bytes"
	"testing"
)

func TestUnitCodecs(t *testing.T) {
	input := bytes.Repeat([]byte("kafka record batch "), 100)
	for _, name := range []string{"none", "gzip", "snappy", "lz4", "zstd"} {
		c, err := ByName(name)
		if err != nil {
			t.Fatal(err)
		}
		b, err := c.Compress(input)
		if err != nil {
			t.Fatal(name, err)
		}
		if name != "none" && len(b) >= len(input) {
			t.Fatal(name, len(b))
		}
		d, err := ForType(c.Type())
		if err != nil {
			t.Fatal(err)
		}
		out, err := d.Decompress(b)
		if err != nil {
			t.Fatal(name, err)
		}
		if !bytes.Equal(out, input) {
			t.Fatal(name)
		}
	}
}

func TestUnitUnknown(t *testing.T) {
	if _, err := ByName("brotli"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := ForType(7); err == nil {
		t.Fatal("expected error")
	}
}
