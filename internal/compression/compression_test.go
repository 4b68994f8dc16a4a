package compression

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

var testPayload = bytes.Repeat([]byte("span batch payload "), 200)

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{in: "", want: TypeNone},
		{in: "none", want: TypeNone},
		{in: "gzip", want: TypeGzip},
		{in: "GZIP", want: TypeGzip},
		{in: " zstd ", want: TypeZstd},
		{in: "snappy", want: TypeSnappy},
		{in: "lzma", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseType(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseType(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseType(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseType(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestContentEncoding(t *testing.T) {
	if got := TypeGzip.ContentEncoding(); got != "gzip" {
		t.Errorf("unexpected encoding %q", got)
	}
	if got := TypeNone.ContentEncoding(); got != "" {
		t.Errorf("none must have no encoding, got %q", got)
	}
}

func TestCompressNoneIsIdentity(t *testing.T) {
	out, err := Compress(testPayload, Config{Type: TypeNone})
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if !bytes.Equal(out, testPayload) {
		t.Fatal("none compression must not alter the payload")
	}
}

func TestCompressGzipRoundTrip(t *testing.T) {
	out, err := Compress(testPayload, Config{Type: TypeGzip})
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if len(out) >= len(testPayload) {
		t.Fatalf("expected compression to shrink payload, %d -> %d", len(testPayload), len(out))
	}

	zr, err := gzip.NewReader(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("gzip reader failed: %v", err)
	}
	decoded, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("gzip decode failed: %v", err)
	}
	if !bytes.Equal(decoded, testPayload) {
		t.Fatal("gzip round trip mismatch")
	}
}

func TestCompressZstdRoundTrip(t *testing.T) {
	out, err := Compress(testPayload, Config{Type: TypeZstd})
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("zstd reader failed: %v", err)
	}
	defer dec.Close()
	decoded, err := dec.DecodeAll(out, nil)
	if err != nil {
		t.Fatalf("zstd decode failed: %v", err)
	}
	if !bytes.Equal(decoded, testPayload) {
		t.Fatal("zstd round trip mismatch")
	}
}

func TestCompressSnappyRoundTrip(t *testing.T) {
	out, err := Compress(testPayload, Config{Type: TypeSnappy})
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	decoded, err := s2.Decode(nil, out)
	if err != nil {
		t.Fatalf("snappy decode failed: %v", err)
	}
	if !bytes.Equal(decoded, testPayload) {
		t.Fatal("snappy round trip mismatch")
	}
}

func TestCompressUnknownType(t *testing.T) {
	if _, err := Compress(testPayload, Config{Type: Type("lzma")}); err == nil {
		t.Fatal("expected error for unknown type")
	}
}
