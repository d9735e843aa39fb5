package ranging

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/uwbctl/internal/protocol/version"
)

// SessionHandle is the stable external identifier the engine routes events by.
type SessionHandle int32

// ChipID names one physical ranging radio.
type ChipID string

// Identity is the caller on whose behalf a session is opened.
type Identity struct {
	UID         int32
	PackageName string
}

const (
	ShortAddressLen    = 2
	ExtendedAddressLen = 8
)

var ErrInvalidAddress = errors.New("ranging: invalid uwb address")

// Address is a short (2 byte) or extended (8 byte) UWB MAC address.
type Address struct {
	b [ExtendedAddressLen]byte
	n uint8
}

func AddressFromBytes(b []byte) (Address, error) {
	if len(b) != ShortAddressLen && len(b) != ExtendedAddressLen {
		return Address{}, fmt.Errorf("%w: length %d", ErrInvalidAddress, len(b))
	}
	var a Address
	copy(a.b[:], b)
	a.n = uint8(len(b))
	return a, nil
}

// ParseAddress reads hex bytes optionally separated by ':'.
func ParseAddress(s string) (Address, error) {
	raw, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(s), ":", ""))
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return AddressFromBytes(raw)
}

func (a Address) Bytes() []byte {
	out := make([]byte, a.n)
	copy(out, a.b[:a.n])
	return out
}

func (a Address) Len() int         { return int(a.n) }
func (a Address) IsZero() bool     { return a.n == 0 }
func (a Address) IsExtended() bool { return a.n == ExtendedAddressLen }

func (a Address) String() string {
	parts := make([]string, a.n)
	for i := 0; i < int(a.n); i++ {
		parts[i] = fmt.Sprintf("%02X", a.b[i])
	}
	return strings.Join(parts, ":")
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// DeviceType is the controller/controlee side of a session.
type DeviceType int32

const (
	DeviceControlee  DeviceType = 0
	DeviceController DeviceType = 1
)

// DeviceRole decides which side begins a ranging round.
type DeviceRole int32

const (
	RoleResponder DeviceRole = 0
	RoleInitiator DeviceRole = 1
)

// Role pairs device type and device role.
type Role struct {
	Type DeviceType
	Role DeviceRole
}

var (
	ControllerAndInitiator = Role{Type: DeviceController, Role: RoleInitiator}
	ControllerAndResponder = Role{Type: DeviceController, Role: RoleResponder}
	ControleeAndInitiator  = Role{Type: DeviceControlee, Role: RoleInitiator}
	ControleeAndResponder  = Role{Type: DeviceControlee, Role: RoleResponder}
)

func (r Role) IsController() bool { return r.Type == DeviceController }

func (r Role) String() string {
	kind := "controlee"
	if r.Type == DeviceController {
		kind = "controller"
	}
	side := "responder"
	if r.Role == RoleInitiator {
		side = "initiator"
	}
	return kind + "_and_" + side
}

// MultiNodeMode is the session topology.
type MultiNodeMode int32

const (
	Unicast    MultiNodeMode = 0
	OneToMany  MultiNodeMode = 1
	ManyToMany MultiNodeMode = 2
)

// Config is the role/channel/slot configuration negotiated for one session.
type Config struct {
	Role             Role
	MultiNodeMode    MultiNodeMode
	Channel          int32
	PreambleIndex    int32
	SlotDurationRSTU int32
	SlotsPerRound    int32
	RangingInterval  time.Duration
	ProtocolVersion  version.ProtocolVersion
}

// ProfileData is the subset of a stored service profile a Deriver reads.
type ProfileData struct {
	ServiceID         int32
	ServiceInstanceID string
	UID               int32
	PackageName       string
	SessionID         int32
	DeviceAddress     Address
	PeerAddresses     []Address
	Channel           int32
	PreambleIndex     int32
	ProtocolVersion   version.ProtocolVersion
}

// Deriver maps profile data to session configuration for one profile variant.
type Deriver interface {
	Name() string
	Derive(data ProfileData) (Config, error)
}
