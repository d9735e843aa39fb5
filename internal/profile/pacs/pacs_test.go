package pacs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/danmuck/uwbctl/internal/profile"
	"github.com/danmuck/uwbctl/internal/protocol/bundle"
	"github.com/danmuck/uwbctl/internal/ranging"
	"github.com/danmuck/uwbctl/internal/testutil/testlog"
)

const defaultChipID = "defaultChipId"

type openCall struct {
	who    ranging.Identity
	handle ranging.SessionHandle
	sink   ranging.EventSink
	params *bundle.Bundle
	chip   ranging.ChipID
}

type recordingEngine struct {
	mu    sync.Mutex
	opens []openCall
}

func (e *recordingEngine) Open(_ context.Context, who ranging.Identity, h ranging.SessionHandle, sink ranging.EventSink, params *bundle.Bundle, chip ranging.ChipID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opens = append(e.opens, openCall{who: who, handle: h, sink: sink, params: params, chip: chip})
	return nil
}

func (e *recordingEngine) Start(context.Context, ranging.SessionHandle, *bundle.Bundle, ranging.ChipID) error {
	return nil
}

func (e *recordingEngine) Reconfigure(context.Context, ranging.SessionHandle, *bundle.Bundle, ranging.ChipID) error {
	return nil
}

func (e *recordingEngine) Stop(context.Context, ranging.SessionHandle, ranging.ChipID) error {
	return nil
}

func (e *recordingEngine) Close(context.Context, ranging.SessionHandle, ranging.ChipID) error {
	return nil
}

type defaultChip struct{}

func (defaultChip) DefaultChipID() ranging.ChipID        { return defaultChipID }
func (defaultChip) IsValidChipID(id ranging.ChipID) bool { return id == defaultChipID }

func addr(t *testing.T, s string) ranging.Address {
	t.Helper()
	a, err := ranging.ParseAddress(s)
	if err != nil {
		t.Fatalf("parse address: %v", err)
	}
	return a
}

func pacsProfile(t *testing.T) profile.ServiceProfile {
	return profile.ServiceProfile{
		ServiceID:     profile.ServicePACS,
		UID:           10010,
		PackageName:   "com.example.pacs",
		DeviceAddress: addr(t, "0C:0C"),
		PeerAddresses: []ranging.Address{addr(t, "0D:0D")},
	}
}

func TestOpenRangingSession(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	engine := &recordingEngine{}
	p := pacsProfile(t)
	p.PeerAddresses = []ranging.Address{addr(t, "0B:01")}
	s, err := NewControllerSession(ctx, 10, p, ranging.CallbackFuncs{}, Deps{Engine: engine, Chips: defaultChip{}})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Shutdown()

	cfg := s.UwbConfig()
	if err := s.SetSessionID(ctx, 1); err != nil {
		t.Fatalf("set session id: %v", err)
	}
	if err := s.SetDeviceAddress(ctx, addr(t, "0A:01")); err != nil {
		t.Fatalf("set address: %v", err)
	}
	if err := s.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}

	if cfg.Role != ranging.ControllerAndInitiator {
		t.Fatalf("unexpected role: %s", cfg.Role)
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.opens) != 1 {
		t.Fatalf("expected one open call, got %d", len(engine.opens))
	}
	call := engine.opens[0]
	if call.handle != 10 || call.chip != defaultChipID || call.sink != s.Controller {
		t.Fatalf("unexpected open call: handle=%d chip=%q", call.handle, call.chip)
	}
	if call.who.PackageName != "com.example.pacs" {
		t.Fatalf("unexpected identity: %+v", call.who)
	}
	sent, err := ranging.ParamsFromBundle(call.params)
	if err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if sent.SessionID != 1 || sent.DeviceAddress != addr(t, "0A:01") || sent.DestAddresses[0] != addr(t, "0B:01") {
		t.Fatalf("unexpected params: %+v", sent)
	}
}

func TestControleeDeriverFixesResponderRole(t *testing.T) {
	testlog.Start(t)
	s, err := NewControleeSession(context.Background(), 11, pacsProfile(t), ranging.CallbackFuncs{}, Deps{Engine: &recordingEngine{}, Chips: defaultChip{}})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Shutdown()
	cfg := s.UwbConfig()
	if cfg.Role != ranging.ControleeAndResponder {
		t.Fatalf("unexpected role: %s", cfg.Role)
	}
	if cfg.Channel != DefaultChannel || cfg.PreambleIndex != DefaultPreambleIndex || cfg.ProtocolVersion != DefaultProtocolVersion {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if s.State() != ranging.StateConfigured {
		t.Fatalf("expected configured, got %s", s.State())
	}
}

func TestDeriveRejectsIncompleteOrForeignProfiles(t *testing.T) {
	testlog.Start(t)
	data := pacsProfile(t).Data()
	data.ServiceID = 99
	if _, err := (ControllerDeriver{}).Derive(data); !errors.Is(err, ErrWrongService) {
		t.Fatalf("expected ErrWrongService, got %v", err)
	}

	data = pacsProfile(t).Data()
	data.PeerAddresses = nil
	if _, err := (ControllerDeriver{}).Derive(data); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}

	data = pacsProfile(t).Data()
	data.PeerAddresses = append(data.PeerAddresses, addr(t, "0E:0E"))
	cfg, err := (ControllerDeriver{}).Derive(data)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if cfg.MultiNodeMode != ranging.OneToMany {
		t.Fatalf("expected one-to-many for two peers, got %d", cfg.MultiNodeMode)
	}
}

func TestConfigureFailureReleasesRegistryHandle(t *testing.T) {
	testlog.Start(t)
	reg := ranging.NewRegistry()
	p := pacsProfile(t)
	p.PeerAddresses = nil
	deps := Deps{Engine: &recordingEngine{}, Chips: defaultChip{}, Registry: reg}
	if _, err := NewControllerSession(context.Background(), 12, p, ranging.CallbackFuncs{}, deps); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	if _, ok := reg.Get(12); ok {
		t.Fatalf("handle still registered after failed configure")
	}
}
