package bundle

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
)

var ErrTypeMismatch = errors.New("bundle: entry type mismatch")

// Type IDs for bundle entries. Values are part of the wire contract.
const (
	TypeInt    uint8 = 1
	TypeLong   uint8 = 2
	TypeString uint8 = 3
	TypeBool   uint8 = 4
	TypeBytes  uint8 = 5
)

type entry struct {
	typ   uint8
	i32   int32
	i64   int64
	str   string
	b     bool
	bytes []byte
}

// Bundle is a typed key-value record with stable string keys.
// The zero value is not usable; call New.
type Bundle struct {
	entries map[string]entry
}

func New() *Bundle {
	return &Bundle{entries: make(map[string]entry)}
}

func (b *Bundle) PutInt(key string, v int32) *Bundle {
	b.entries[key] = entry{typ: TypeInt, i32: v}
	return b
}

func (b *Bundle) PutLong(key string, v int64) *Bundle {
	b.entries[key] = entry{typ: TypeLong, i64: v}
	return b
}

func (b *Bundle) PutString(key, v string) *Bundle {
	b.entries[key] = entry{typ: TypeString, str: v}
	return b
}

func (b *Bundle) PutBool(key string, v bool) *Bundle {
	b.entries[key] = entry{typ: TypeBool, b: v}
	return b
}

func (b *Bundle) PutBytes(key string, v []byte) *Bundle {
	buf := make([]byte, len(v))
	copy(buf, v)
	b.entries[key] = entry{typ: TypeBytes, bytes: buf}
	return b
}

// Int returns the int32 stored under key. ok is false when the key is absent
// or holds another type.
func (b *Bundle) Int(key string) (int32, bool) {
	e, ok := b.lookup(key, TypeInt)
	return e.i32, ok
}

func (b *Bundle) Long(key string) (int64, bool) {
	e, ok := b.lookup(key, TypeLong)
	return e.i64, ok
}

func (b *Bundle) String(key string) (string, bool) {
	e, ok := b.lookup(key, TypeString)
	return e.str, ok
}

func (b *Bundle) Bool(key string) (bool, bool) {
	e, ok := b.lookup(key, TypeBool)
	return e.b, ok
}

func (b *Bundle) Bytes(key string) ([]byte, bool) {
	e, ok := b.lookup(key, TypeBytes)
	if !ok {
		return nil, false
	}
	buf := make([]byte, len(e.bytes))
	copy(buf, e.bytes)
	return buf, true
}

// StringOr returns the string under key, or def when it is absent.
func (b *Bundle) StringOr(key, def string) string {
	if v, ok := b.String(key); ok {
		return v
	}
	return def
}

// TypeOf returns the entry type for key.
func (b *Bundle) TypeOf(key string) (uint8, bool) {
	if b == nil {
		return 0, false
	}
	e, ok := b.entries[key]
	return e.typ, ok
}

// Expect reports ErrTypeMismatch when key is present with a type other than want.
// Absent keys are not an error.
func (b *Bundle) Expect(key string, want uint8) error {
	got, ok := b.TypeOf(key)
	if !ok || got == want {
		return nil
	}
	return fmt.Errorf("%w: key %q got %d want %d", ErrTypeMismatch, key, got, want)
}

func (b *Bundle) Has(key string) bool {
	_, ok := b.TypeOf(key)
	return ok
}

func (b *Bundle) Remove(key string) {
	delete(b.entries, key)
}

func (b *Bundle) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}

func (b *Bundle) IsEmpty() bool {
	return b.Len() == 0
}

// Keys returns the keys in sorted order.
func (b *Bundle) Keys() []string {
	if b == nil {
		return nil
	}
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (b *Bundle) Clone() *Bundle {
	out := New()
	if b == nil {
		return out
	}
	for k, e := range b.entries {
		if e.typ == TypeBytes {
			buf := make([]byte, len(e.bytes))
			copy(buf, e.bytes)
			e.bytes = buf
		}
		out.entries[k] = e
	}
	return out
}

// Merge copies every entry of other into b, replacing existing keys.
func (b *Bundle) Merge(other *Bundle) *Bundle {
	if other == nil {
		return b
	}
	for k, e := range other.Clone().entries {
		b.entries[k] = e
	}
	return b
}

// Equal reports whether both bundles hold the same keys with the same typed values.
func (b *Bundle) Equal(other *Bundle) bool {
	if b.Len() != other.Len() {
		return false
	}
	if b.Len() == 0 {
		return true
	}
	for k, e := range b.entries {
		o, ok := other.entries[k]
		if !ok || o.typ != e.typ {
			return false
		}
		switch e.typ {
		case TypeInt:
			if e.i32 != o.i32 {
				return false
			}
		case TypeLong:
			if e.i64 != o.i64 {
				return false
			}
		case TypeString:
			if e.str != o.str {
				return false
			}
		case TypeBool:
			if e.b != o.b {
				return false
			}
		case TypeBytes:
			if !bytes.Equal(e.bytes, o.bytes) {
				return false
			}
		}
	}
	return true
}

// Map renders the bundle as plain Go values, for logging and JSON views.
func (b *Bundle) Map() map[string]any {
	out := make(map[string]any, b.Len())
	if b == nil {
		return out
	}
	for k, e := range b.entries {
		switch e.typ {
		case TypeInt:
			out[k] = e.i32
		case TypeLong:
			out[k] = e.i64
		case TypeString:
			out[k] = e.str
		case TypeBool:
			out[k] = e.b
		case TypeBytes:
			out[k] = append([]byte(nil), e.bytes...)
		}
	}
	return out
}

func (b *Bundle) lookup(key string, typ uint8) (entry, bool) {
	if b == nil {
		return entry{}, false
	}
	e, ok := b.entries[key]
	if !ok || e.typ != typ {
		return entry{}, false
	}
	return e, true
}
