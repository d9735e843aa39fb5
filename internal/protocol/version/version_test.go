package version

import (
	"errors"
	"testing"

	"github.com/danmuck/uwbctl/internal/testutil/testlog"
)

func TestBytesDecodeRoundTripFullRange(t *testing.T) {
	testlog.Start(t)
	for major := 0; major <= 255; major++ {
		for minor := 0; minor <= 255; minor++ {
			v := New(major, minor)
			got, err := Decode(v.Bytes(), 0)
			if err != nil {
				t.Fatalf("decode %s: %v", v, err)
			}
			if got != v {
				t.Fatalf("round-trip mismatch got=%s want=%s", got, v)
			}
		}
	}
}

func TestDecodeAtOffset(t *testing.T) {
	testlog.Start(t)
	buf := []byte{0xFF, 0x01, 0x02, 0xEE}
	v, err := Decode(buf, 1)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Major != 1 || v.Minor != 2 {
		t.Fatalf("unexpected version: %s", v)
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		buf    []byte
		offset int
	}{
		{nil, 0},
		{[]byte{1}, 0},
		{[]byte{1, 2}, 1},
		{[]byte{1, 2}, -1},
		{[]byte{1, 2, 3}, 5},
	}
	for _, tc := range cases {
		if _, err := Decode(tc.buf, tc.offset); !errors.Is(err, ErrShortBuffer) {
			t.Fatalf("Decode(%v, %d): expected ErrShortBuffer, got %v", tc.buf, tc.offset, err)
		}
	}
}

func TestBytesTruncatesToLowByte(t *testing.T) {
	testlog.Start(t)
	b := New(0x102, 0x1FF).Bytes()
	if len(b) != ByteLength || b[0] != 0x02 || b[1] != 0xFF {
		t.Fatalf("unexpected packed bytes: %x", b)
	}
}

func TestParseCanonicalText(t *testing.T) {
	testlog.Start(t)
	for _, text := range []string{"0.0", "1.0", "2.1", "255.255", "1000.42"} {
		v, err := Parse(text)
		if err != nil {
			t.Fatalf("parse %q: %v", text, err)
		}
		if v.String() != text {
			t.Fatalf("canonical mismatch got=%q want=%q", v.String(), text)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	testlog.Start(t)
	for _, text := range []string{"1.2.3", "abc", "1", "", ".", "1.", ".1", "-1.0", "+1.0", "1.x", " 1.0"} {
		if _, err := Parse(text); !errors.Is(err, ErrInvalidFormat) {
			t.Fatalf("Parse(%q): expected ErrInvalidFormat, got %v", text, err)
		}
	}
}

func TestCompareAndText(t *testing.T) {
	testlog.Start(t)
	if New(1, 0).Compare(New(2, 0)) != -1 || New(2, 1).Compare(New(2, 0)) != 1 || New(3, 3).Compare(New(3, 3)) != 0 {
		t.Fatalf("unexpected ordering")
	}
	var v ProtocolVersion
	if err := v.UnmarshalText([]byte("2.0")); err != nil {
		t.Fatalf("unmarshal text: %v", err)
	}
	out, _ := v.MarshalText()
	if string(out) != "2.0" {
		t.Fatalf("unexpected text: %q", out)
	}
	if err := v.UnmarshalText([]byte("2")); !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}
}
