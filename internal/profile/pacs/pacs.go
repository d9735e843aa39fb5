// Package pacs specializes the generic ranging controller for the PACS
// service profile. The variants differ only in the role they fix; all
// lifecycle behavior is the ranging.Controller's.
package pacs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/uwbctl/internal/profile"
	"github.com/danmuck/uwbctl/internal/protocol/version"
	"github.com/danmuck/uwbctl/internal/ranging"
)

const (
	DefaultChannel          int32 = 9
	DefaultPreambleIndex    int32 = 10
	DefaultSlotDurationRSTU int32 = 2400
	DefaultSlotsPerRound    int32 = 30
	DefaultRangingInterval        = 200 * time.Millisecond
)

var DefaultProtocolVersion = version.New(1, 0)

var (
	ErrWrongService = errors.New("pacs: not a pacs profile")
	ErrMissingField = errors.New("pacs: profile missing required field")
)

// ControllerDeriver fixes the controller-and-initiator role.
type ControllerDeriver struct{}

func (ControllerDeriver) Name() string { return "pacs-controller" }

func (ControllerDeriver) Derive(data ranging.ProfileData) (ranging.Config, error) {
	return derive(data, ranging.ControllerAndInitiator)
}

// ControleeDeriver fixes the controlee-and-responder role.
type ControleeDeriver struct{}

func (ControleeDeriver) Name() string { return "pacs-controlee" }

func (ControleeDeriver) Derive(data ranging.ProfileData) (ranging.Config, error) {
	return derive(data, ranging.ControleeAndResponder)
}

func derive(data ranging.ProfileData, role ranging.Role) (ranging.Config, error) {
	if profile.ServiceID(data.ServiceID) != profile.ServicePACS {
		return ranging.Config{}, fmt.Errorf("%w: service %d", ErrWrongService, data.ServiceID)
	}
	if data.DeviceAddress.IsZero() {
		return ranging.Config{}, fmt.Errorf("%w: device address", ErrMissingField)
	}
	if len(data.PeerAddresses) == 0 {
		return ranging.Config{}, fmt.Errorf("%w: peer addresses", ErrMissingField)
	}

	cfg := ranging.Config{
		Role:             role,
		MultiNodeMode:    ranging.Unicast,
		Channel:          data.Channel,
		PreambleIndex:    data.PreambleIndex,
		SlotDurationRSTU: DefaultSlotDurationRSTU,
		SlotsPerRound:    DefaultSlotsPerRound,
		RangingInterval:  DefaultRangingInterval,
		ProtocolVersion:  data.ProtocolVersion,
	}
	if len(data.PeerAddresses) > 1 {
		cfg.MultiNodeMode = ranging.OneToMany
	}
	if cfg.Channel == 0 {
		cfg.Channel = DefaultChannel
	}
	if cfg.PreambleIndex == 0 {
		cfg.PreambleIndex = DefaultPreambleIndex
	}
	if cfg.ProtocolVersion.IsZero() {
		cfg.ProtocolVersion = DefaultProtocolVersion
	}
	return cfg, nil
}

// Deps are the collaborators shared by every PACS session.
type Deps struct {
	Engine   ranging.Engine
	Chips    ranging.ChipRouter
	Observer ranging.Observer
	// Registry is optional; when set, the handle is reserved there.
	Registry *ranging.Registry
}

// Session is a profile-configured controller.
type Session struct {
	*ranging.Controller
	profile profile.ServiceProfile
}

// UwbConfig returns the configuration derived from the profile.
func (s *Session) UwbConfig() ranging.Config { return s.Controller.Config() }

func (s *Session) Profile() profile.ServiceProfile { return s.profile }

// NewControllerSession builds a controller-role session for p.
func NewControllerSession(ctx context.Context, h ranging.SessionHandle, p profile.ServiceProfile, cb ranging.Callbacks, deps Deps) (*Session, error) {
	return newSession(ctx, h, p, cb, deps, ControllerDeriver{})
}

// NewControleeSession builds a controlee-role session for p.
func NewControleeSession(ctx context.Context, h ranging.SessionHandle, p profile.ServiceProfile, cb ranging.Callbacks, deps Deps) (*Session, error) {
	return newSession(ctx, h, p, cb, deps, ControleeDeriver{})
}

func newSession(ctx context.Context, h ranging.SessionHandle, p profile.ServiceProfile, cb ranging.Callbacks, deps Deps, d ranging.Deriver) (*Session, error) {
	opts := ranging.Options{
		Handle:    h,
		Identity:  p.Identity(),
		Engine:    deps.Engine,
		Chips:     deps.Chips,
		Callbacks: cb,
		Deriver:   d,
		Observer:  deps.Observer,
	}
	var (
		c   *ranging.Controller
		err error
	)
	if deps.Registry != nil {
		c, err = deps.Registry.Create(opts)
	} else {
		c, err = ranging.NewController(opts)
	}
	if err != nil {
		return nil, err
	}
	if err := c.Configure(ctx, p.Data()); err != nil {
		if deps.Registry != nil {
			deps.Registry.Remove(h)
		} else {
			c.Shutdown()
		}
		return nil, err
	}
	return &Session{Controller: c, profile: p}, nil
}
