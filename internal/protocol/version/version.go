// Package version owns the two-byte protocol version record.
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ByteLength is the packed size of a ProtocolVersion.
const ByteLength = 2

const separator = "."

var (
	ErrInvalidFormat = errors.New("version: invalid protocol version")
	ErrShortBuffer   = errors.New("version: short buffer")
)

// ProtocolVersion is an immutable major.minor pair. Bytes truncates each
// component to its low 8 bits, so callers keep both in 0..255 when the
// version is headed for the wire.
type ProtocolVersion struct {
	Major int
	Minor int
}

func New(major, minor int) ProtocolVersion {
	return ProtocolVersion{Major: major, Minor: minor}
}

// Parse reads the "<major>.<minor>" text form. Both parts must be unsigned
// decimal integers.
func Parse(text string) (ProtocolVersion, error) {
	parts := strings.Split(text, separator)
	if len(parts) != 2 {
		return ProtocolVersion{}, fmt.Errorf("%w: %q", ErrInvalidFormat, text)
	}
	major, err := parsePart(parts[0])
	if err != nil {
		return ProtocolVersion{}, fmt.Errorf("%w: %q: major: %v", ErrInvalidFormat, text, err)
	}
	minor, err := parsePart(parts[1])
	if err != nil {
		return ProtocolVersion{}, fmt.Errorf("%w: %q: minor: %v", ErrInvalidFormat, text, err)
	}
	return ProtocolVersion{Major: major, Minor: minor}, nil
}

func parsePart(s string) (int, error) {
	if s == "" {
		return 0, errors.New("empty")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("non-digit %q", r)
		}
	}
	return strconv.Atoi(s)
}

func (v ProtocolVersion) String() string {
	return strconv.Itoa(v.Major) + separator + strconv.Itoa(v.Minor)
}

// Bytes returns the packed [major, minor] record.
func (v ProtocolVersion) Bytes() []byte {
	return []byte{byte(v.Major), byte(v.Minor)}
}

// Decode reads ByteLength bytes starting at offset.
func Decode(buf []byte, offset int) (ProtocolVersion, error) {
	if offset < 0 || len(buf)-offset < ByteLength {
		return ProtocolVersion{}, fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrShortBuffer, ByteLength, offset, len(buf))
	}
	return ProtocolVersion{Major: int(buf[offset]), Minor: int(buf[offset+1])}, nil
}

// Compare orders versions by major then minor: -1, 0 or +1.
func (v ProtocolVersion) Compare(other ProtocolVersion) int {
	switch {
	case v.Major != other.Major:
		if v.Major < other.Major {
			return -1
		}
		return 1
	case v.Minor < other.Minor:
		return -1
	case v.Minor > other.Minor:
		return 1
	default:
		return 0
	}
}

func (v ProtocolVersion) IsZero() bool {
	return v.Major == 0 && v.Minor == 0
}

func (v ProtocolVersion) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *ProtocolVersion) UnmarshalText(text []byte) error {
	parsed, err := Parse(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
