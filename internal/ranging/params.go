package ranging

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/uwbctl/internal/protocol/bundle"
	"github.com/danmuck/uwbctl/internal/protocol/version"
)

// Generic parameter record keys understood by the engine.
const (
	ParamSessionID         = "session_id"
	ParamDeviceType        = "device_type"
	ParamDeviceRole        = "device_role"
	ParamMultiNodeMode     = "multi_node_mode"
	ParamAddressMode       = "mac_address_mode"
	ParamDeviceAddress     = "device_mac_address"
	ParamDestAddressList   = "dest_mac_address_list"
	ParamChannel           = "channel_number"
	ParamPreambleIndex     = "preamble_code_index"
	ParamSlotDurationRSTU  = "slot_duration_rstu"
	ParamSlotsPerRound     = "slots_per_ranging_round"
	ParamRangingIntervalMS = "ranging_interval_ms"
	ParamProtocolVersion   = "protocol_version"
)

const (
	addressModeShort    int32 = 0
	addressModeExtended int32 = 2
)

var ErrInvalidParams = errors.New("ranging: invalid session params")

// SessionParams is the typed form of the generic parameter record.
type SessionParams struct {
	SessionID     int32
	Config        Config
	DeviceAddress Address
	DestAddresses []Address
}

// Validate checks the fields the engine needs to open a session.
func (p SessionParams) Validate() error {
	if p.SessionID == 0 {
		return fmt.Errorf("%w: missing session_id", ErrInvalidParams)
	}
	if p.DeviceAddress.IsZero() {
		return fmt.Errorf("%w: missing device address", ErrInvalidParams)
	}
	if len(p.DestAddresses) == 0 {
		return fmt.Errorf("%w: missing destination addresses", ErrInvalidParams)
	}
	for i, dst := range p.DestAddresses {
		if dst.Len() != p.DeviceAddress.Len() {
			return fmt.Errorf("%w: dest[%d] address mode differs from device address", ErrInvalidParams, i)
		}
	}
	if p.Config.MultiNodeMode == Unicast && len(p.DestAddresses) != 1 {
		return fmt.Errorf("%w: unicast requires exactly one destination, got %d", ErrInvalidParams, len(p.DestAddresses))
	}
	return nil
}

// ToBundle renders the generic parameter record.
func (p SessionParams) ToBundle() *bundle.Bundle {
	mode := addressModeShort
	if p.DeviceAddress.IsExtended() {
		mode = addressModeExtended
	}
	dests := make([]byte, 0, len(p.DestAddresses)*ExtendedAddressLen)
	for _, dst := range p.DestAddresses {
		dests = append(dests, dst.Bytes()...)
	}
	cfg := p.Config
	return bundle.New().
		PutInt(ParamSessionID, p.SessionID).
		PutInt(ParamDeviceType, int32(cfg.Role.Type)).
		PutInt(ParamDeviceRole, int32(cfg.Role.Role)).
		PutInt(ParamMultiNodeMode, int32(cfg.MultiNodeMode)).
		PutInt(ParamAddressMode, mode).
		PutBytes(ParamDeviceAddress, p.DeviceAddress.Bytes()).
		PutBytes(ParamDestAddressList, dests).
		PutInt(ParamChannel, cfg.Channel).
		PutInt(ParamPreambleIndex, cfg.PreambleIndex).
		PutInt(ParamSlotDurationRSTU, cfg.SlotDurationRSTU).
		PutInt(ParamSlotsPerRound, cfg.SlotsPerRound).
		PutInt(ParamRangingIntervalMS, int32(cfg.RangingInterval/time.Millisecond)).
		PutBytes(ParamProtocolVersion, cfg.ProtocolVersion.Bytes())
}

// ParamsFromBundle parses a record produced by ToBundle.
func ParamsFromBundle(b *bundle.Bundle) (SessionParams, error) {
	if b.IsEmpty() {
		return SessionParams{}, fmt.Errorf("%w: empty params", ErrInvalidParams)
	}
	ints := make(map[string]int32, 10)
	for _, key := range []string{
		ParamSessionID, ParamDeviceType, ParamDeviceRole, ParamMultiNodeMode, ParamAddressMode,
		ParamChannel, ParamPreambleIndex, ParamSlotDurationRSTU, ParamSlotsPerRound, ParamRangingIntervalMS,
	} {
		v, ok := b.Int(key)
		if !ok {
			return SessionParams{}, fmt.Errorf("%w: missing or mistyped %s", ErrInvalidParams, key)
		}
		ints[key] = v
	}
	p := SessionParams{
		SessionID: ints[ParamSessionID],
		Config: Config{
			Role:             Role{Type: DeviceType(ints[ParamDeviceType]), Role: DeviceRole(ints[ParamDeviceRole])},
			MultiNodeMode:    MultiNodeMode(ints[ParamMultiNodeMode]),
			Channel:          ints[ParamChannel],
			PreambleIndex:    ints[ParamPreambleIndex],
			SlotDurationRSTU: ints[ParamSlotDurationRSTU],
			SlotsPerRound:    ints[ParamSlotsPerRound],
			RangingInterval:  time.Duration(ints[ParamRangingIntervalMS]) * time.Millisecond,
		},
	}
	mode := ints[ParamAddressMode]

	addrLen := ShortAddressLen
	if mode == addressModeExtended {
		addrLen = ExtendedAddressLen
	}
	devRaw, found := b.Bytes(ParamDeviceAddress)
	if !found {
		return SessionParams{}, fmt.Errorf("%w: missing %s", ErrInvalidParams, ParamDeviceAddress)
	}
	dev, err := AddressFromBytes(devRaw)
	if err != nil {
		return SessionParams{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	p.DeviceAddress = dev

	destRaw, found := b.Bytes(ParamDestAddressList)
	if !found || len(destRaw)%addrLen != 0 {
		return SessionParams{}, fmt.Errorf("%w: malformed %s", ErrInvalidParams, ParamDestAddressList)
	}
	for i := 0; i < len(destRaw); i += addrLen {
		dst, err := AddressFromBytes(destRaw[i : i+addrLen])
		if err != nil {
			return SessionParams{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		p.DestAddresses = append(p.DestAddresses, dst)
	}

	if raw, found := b.Bytes(ParamProtocolVersion); found {
		v, err := version.Decode(raw, 0)
		if err != nil {
			return SessionParams{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		p.Config.ProtocolVersion = v
	}
	return p, nil
}

// Session is the mutable aggregate owned by exactly one Controller.
type Session struct {
	Handle SessionHandle
	ChipID ChipID
	SessionParams
	// Overrides holds parameters applied by successful reconfigurations.
	Overrides *bundle.Bundle
}

// Params renders the generic parameter record sent to the engine.
func (s Session) Params() *bundle.Bundle {
	return s.ToBundle().Merge(s.Overrides)
}

func (s Session) clone() Session {
	out := s
	out.DestAddresses = append([]Address(nil), s.DestAddresses...)
	if s.Overrides != nil {
		out.Overrides = s.Overrides.Clone()
	}
	return out
}
