package bundle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// HeaderLen is the fixed entry header: key_len(u16) type(u8) value_len(u32).
const HeaderLen = 7

var (
	ErrShortEntryHeader = errors.New("bundle: short entry header")
	ErrShortEntryValue  = errors.New("bundle: short entry value")
	ErrUnknownType      = errors.New("bundle: unknown entry type")
	ErrDuplicateKey     = errors.New("bundle: duplicate key")
	ErrInvalidLength    = errors.New("bundle: invalid value length")
)

// Encode writes every entry in key order so equal bundles encode identically.
func Encode(b *Bundle) ([]byte, error) {
	out := make([]byte, 0)
	for _, key := range b.Keys() {
		e := b.entries[key]
		if !fits(key, len(encodeValue(e))) {
			return nil, fmt.Errorf("%w: key %q", ErrInvalidLength, key)
		}
		out = append(out, encodeEntry(key, e)...)
	}
	return out, nil
}

// Decode parses a payload produced by Encode.
func Decode(payload []byte) (*Bundle, error) {
	b := New()
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortEntryHeader
		}
		keyLen := int(binary.BigEndian.Uint16(payload[i : i+2]))
		typeID := payload[i+2]
		valLen := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint64(len(payload)-i) < uint64(keyLen)+uint64(valLen) {
			return nil, ErrShortEntryValue
		}
		key := string(payload[i : i+keyLen])
		i += keyLen
		val := payload[i : i+int(valLen)]
		i += int(valLen)

		if _, dup := b.entries[key]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
		}
		e, err := decodeValue(typeID, val)
		if err != nil {
			return nil, fmt.Errorf("bundle: key %q: %w", key, err)
		}
		b.entries[key] = e
	}
	return b, nil
}

func encodeEntry(key string, e entry) []byte {
	val := encodeValue(e)
	buf := make([]byte, HeaderLen+len(key)+len(val))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(key)))
	buf[2] = e.typ
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(val)))
	copy(buf[HeaderLen:], key)
	copy(buf[HeaderLen+len(key):], val)
	return buf
}

func encodeValue(e entry) []byte {
	switch e.typ {
	case TypeInt:
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, uint32(e.i32))
		return out
	case TypeLong:
		out := make([]byte, 8)
		binary.BigEndian.PutUint64(out, uint64(e.i64))
		return out
	case TypeString:
		return []byte(e.str)
	case TypeBool:
		if e.b {
			return []byte{1}
		}
		return []byte{0}
	default:
		return e.bytes
	}
}

func decodeValue(typeID uint8, val []byte) (entry, error) {
	switch typeID {
	case TypeInt:
		if len(val) != 4 {
			return entry{}, fmt.Errorf("%w: int %d", ErrInvalidLength, len(val))
		}
		return entry{typ: TypeInt, i32: int32(binary.BigEndian.Uint32(val))}, nil
	case TypeLong:
		if len(val) != 8 {
			return entry{}, fmt.Errorf("%w: long %d", ErrInvalidLength, len(val))
		}
		return entry{typ: TypeLong, i64: int64(binary.BigEndian.Uint64(val))}, nil
	case TypeString:
		return entry{typ: TypeString, str: string(val)}, nil
	case TypeBool:
		if len(val) != 1 || val[0] > 1 {
			return entry{}, fmt.Errorf("%w: bool", ErrInvalidLength)
		}
		return entry{typ: TypeBool, b: val[0] == 1}, nil
	case TypeBytes:
		buf := make([]byte, len(val))
		copy(buf, val)
		return entry{typ: TypeBytes, bytes: buf}, nil
	default:
		return entry{}, fmt.Errorf("%w: %d", ErrUnknownType, typeID)
	}
}

// fits reports whether key and value lengths can be represented in an entry header.
func fits(key string, valLen int) bool {
	return len(key) <= math.MaxUint16 && uint64(valLen) <= math.MaxUint32
}
