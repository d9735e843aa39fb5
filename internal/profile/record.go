package profile

import (
	"fmt"

	"github.com/danmuck/uwbctl/internal/protocol/bundle"
	"github.com/danmuck/uwbctl/internal/protocol/version"
	"github.com/danmuck/uwbctl/internal/ranging"
	"github.com/google/uuid"
)

// Record keys used by add-profile payloads.
const (
	KeyInstanceID      = "service_instance_id"
	KeyServiceID       = "service_id"
	KeyUID             = "uid"
	KeyPackageName     = "package_name"
	KeyAppletID        = "service_applet_id"
	KeySessionID       = "session_id"
	KeyDeviceAddress   = "device_address"
	KeyPeerAddresses   = "peer_addresses"
	KeyChannel         = "channel_number"
	KeyPreambleIndex   = "preamble_code_index"
	KeyProtocolVersion = "protocol_version"
)

// ToBundle renders p as a parameter record.
func (p ServiceProfile) ToBundle() *bundle.Bundle {
	peers := make([]byte, 0, len(p.PeerAddresses)*ranging.ExtendedAddressLen)
	for _, peer := range p.PeerAddresses {
		peers = append(peers, peer.Bytes()...)
	}
	b := bundle.New().
		PutInt(KeyServiceID, int32(p.ServiceID)).
		PutInt(KeyUID, p.UID).
		PutString(KeyPackageName, p.PackageName).
		PutInt(KeyAppletID, p.AppletID).
		PutInt(KeySessionID, p.SessionID).
		PutBytes(KeyDeviceAddress, p.DeviceAddress.Bytes()).
		PutBytes(KeyPeerAddresses, peers).
		PutInt(KeyChannel, p.Channel).
		PutInt(KeyPreambleIndex, p.PreambleIndex).
		PutString(KeyProtocolVersion, p.ProtocolVersion.String())
	if p.InstanceID != uuid.Nil {
		b.PutString(KeyInstanceID, p.InstanceID.String())
	}
	return b
}

// FromBundle parses a parameter record. Optional numeric fields default to
// zero; the result is validated.
func FromBundle(b *bundle.Bundle) (ServiceProfile, error) {
	for key, typ := range map[string]uint8{
		KeyInstanceID: bundle.TypeString, KeyServiceID: bundle.TypeInt, KeyUID: bundle.TypeInt,
		KeyPackageName: bundle.TypeString, KeyAppletID: bundle.TypeInt, KeySessionID: bundle.TypeInt,
		KeyDeviceAddress: bundle.TypeBytes, KeyPeerAddresses: bundle.TypeBytes, KeyChannel: bundle.TypeInt,
		KeyPreambleIndex: bundle.TypeInt, KeyProtocolVersion: bundle.TypeString,
	} {
		if err := b.Expect(key, typ); err != nil {
			return ServiceProfile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
		}
	}

	var p ServiceProfile
	if raw, ok := b.String(KeyInstanceID); ok {
		id, err := uuid.Parse(raw)
		if err != nil {
			return ServiceProfile{}, fmt.Errorf("%w: %s: %v", ErrInvalidProfile, KeyInstanceID, err)
		}
		p.InstanceID = id
	}
	sid, _ := b.Int(KeyServiceID)
	p.ServiceID = ServiceID(sid)
	p.UID, _ = b.Int(KeyUID)
	p.PackageName, _ = b.String(KeyPackageName)
	p.AppletID, _ = b.Int(KeyAppletID)
	p.SessionID, _ = b.Int(KeySessionID)
	p.Channel, _ = b.Int(KeyChannel)
	p.PreambleIndex, _ = b.Int(KeyPreambleIndex)

	if raw, ok := b.Bytes(KeyDeviceAddress); ok {
		addr, err := ranging.AddressFromBytes(raw)
		if err != nil {
			return ServiceProfile{}, fmt.Errorf("%w: %s: %v", ErrInvalidProfile, KeyDeviceAddress, err)
		}
		p.DeviceAddress = addr
	}
	if raw, ok := b.Bytes(KeyPeerAddresses); ok {
		peers, err := splitAddresses(raw, p.DeviceAddress.Len())
		if err != nil {
			return ServiceProfile{}, err
		}
		p.PeerAddresses = peers
	}
	if raw, ok := b.String(KeyProtocolVersion); ok && raw != "" {
		v, err := version.Parse(raw)
		if err != nil {
			return ServiceProfile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
		}
		p.ProtocolVersion = v
	}
	if err := p.Validate(); err != nil {
		return ServiceProfile{}, err
	}
	return p, nil
}

func splitAddresses(raw []byte, width int) ([]ranging.Address, error) {
	if width == 0 || len(raw)%width != 0 {
		return nil, fmt.Errorf("%w: %s length %d", ErrInvalidProfile, KeyPeerAddresses, len(raw))
	}
	out := make([]ranging.Address, 0, len(raw)/width)
	for i := 0; i < len(raw); i += width {
		addr, err := ranging.AddressFromBytes(raw[i : i+width])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
		}
		out = append(out, addr)
	}
	return out, nil
}
