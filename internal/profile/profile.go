// Package profile models stored service profiles: the per-application
// configuration a profile-specialized controller derives session parameters
// from.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/uwbctl/internal/protocol/version"
	"github.com/danmuck/uwbctl/internal/ranging"
	"github.com/google/uuid"
)

var (
	ErrInvalidProfile = errors.New("profile: invalid service profile")
	ErrNotFound       = errors.New("profile: not found")
	ErrAlreadyExists  = errors.New("profile: already exists")
)

// ServiceID identifies the profile variant.
type ServiceID int32

const (
	ServiceUnknown ServiceID = 0
	ServicePACS    ServiceID = 1
)

func (s ServiceID) String() string {
	switch s {
	case ServicePACS:
		return "pacs"
	default:
		return fmt.Sprintf("service(%d)", int32(s))
	}
}

// ParseServiceID accepts the variant name or its number.
func ParseServiceID(text string) (ServiceID, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "pacs", "1":
		return ServicePACS, nil
	default:
		return ServiceUnknown, fmt.Errorf("%w: unknown service %q", ErrInvalidProfile, text)
	}
}

// ServiceProfile is one stored profile.
type ServiceProfile struct {
	InstanceID      uuid.UUID
	ServiceID       ServiceID
	UID             int32
	PackageName     string
	AppletID        int32
	SessionID       int32
	DeviceAddress   ranging.Address
	PeerAddresses   []ranging.Address
	Channel         int32
	PreambleIndex   int32
	ProtocolVersion version.ProtocolVersion
}

// Validate reports the first missing or malformed required field.
func (p ServiceProfile) Validate() error {
	switch {
	case p.ServiceID == ServiceUnknown:
		return fmt.Errorf("%w: service_id is required", ErrInvalidProfile)
	case strings.TrimSpace(p.PackageName) == "":
		return fmt.Errorf("%w: package_name is required", ErrInvalidProfile)
	case p.DeviceAddress.IsZero():
		return fmt.Errorf("%w: device_address is required", ErrInvalidProfile)
	case len(p.PeerAddresses) == 0:
		return fmt.Errorf("%w: at least one peer address is required", ErrInvalidProfile)
	}
	for i, peer := range p.PeerAddresses {
		if peer.Len() != p.DeviceAddress.Len() {
			return fmt.Errorf("%w: peer[%d] address mode differs from device address", ErrInvalidProfile, i)
		}
	}
	return nil
}

// Data returns the fields a ranging.Deriver reads.
func (p ServiceProfile) Data() ranging.ProfileData {
	return ranging.ProfileData{
		ServiceID:         int32(p.ServiceID),
		ServiceInstanceID: p.InstanceID.String(),
		UID:               p.UID,
		PackageName:       p.PackageName,
		SessionID:         p.SessionID,
		DeviceAddress:     p.DeviceAddress,
		PeerAddresses:     append([]ranging.Address(nil), p.PeerAddresses...),
		Channel:           p.Channel,
		PreambleIndex:     p.PreambleIndex,
		ProtocolVersion:   p.ProtocolVersion,
	}
}

// Identity returns the owning application.
func (p ServiceProfile) Identity() ranging.Identity {
	return ranging.Identity{UID: p.UID, PackageName: p.PackageName}
}

// Store persists service profiles.
type Store interface {
	// Add stores p. A nil InstanceID is replaced with a new one; the stored
	// profile is returned.
	Add(ctx context.Context, p ServiceProfile) (ServiceProfile, error)
	Get(ctx context.Context, id uuid.UUID) (ServiceProfile, error)
	List(ctx context.Context) ([]ServiceProfile, error)
	Remove(ctx context.Context, id uuid.UUID) error
}
