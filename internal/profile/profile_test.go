package profile

import (
	"errors"
	"testing"

	"github.com/danmuck/uwbctl/internal/protocol/version"
	"github.com/danmuck/uwbctl/internal/ranging"
	"github.com/danmuck/uwbctl/internal/testutil/testlog"
	"github.com/google/uuid"
)

func sampleProfile(t *testing.T) ServiceProfile {
	t.Helper()
	dev, err := ranging.ParseAddress("0A:01")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	peer, err := ranging.ParseAddress("0B:01")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return ServiceProfile{
		InstanceID:      uuid.New(),
		ServiceID:       ServicePACS,
		UID:             10010,
		PackageName:     "com.example.pacs",
		AppletID:        7,
		SessionID:       1,
		DeviceAddress:   dev,
		PeerAddresses:   []ranging.Address{peer},
		Channel:         9,
		PreambleIndex:   10,
		ProtocolVersion: version.New(1, 0),
	}
}

func TestBundleRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := sampleProfile(t)
	out, err := FromBundle(in.ToBundle())
	if err != nil {
		t.Fatalf("from bundle: %v", err)
	}
	if out.InstanceID != in.InstanceID || out.PackageName != in.PackageName || out.ProtocolVersion != in.ProtocolVersion {
		t.Fatalf("round-trip mismatch: %+v vs %+v", out, in)
	}
	if len(out.PeerAddresses) != 1 || out.PeerAddresses[0] != in.PeerAddresses[0] {
		t.Fatalf("peer mismatch: %v", out.PeerAddresses)
	}
}

func TestFromBundleRejectsWrongTypesAndMissingFields(t *testing.T) {
	testlog.Start(t)
	b := sampleProfile(t).ToBundle()
	b.PutString(KeyChannel, "9")
	if _, err := FromBundle(b); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("expected ErrInvalidProfile for mistyped channel, got %v", err)
	}

	b = sampleProfile(t).ToBundle()
	b.Remove(KeyPackageName)
	if _, err := FromBundle(b); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("expected ErrInvalidProfile for missing package, got %v", err)
	}

	b = sampleProfile(t).ToBundle()
	b.PutBytes(KeyPeerAddresses, []byte{1, 2, 3})
	if _, err := FromBundle(b); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("expected ErrInvalidProfile for ragged peers, got %v", err)
	}
}

func TestDataCopiesPeers(t *testing.T) {
	testlog.Start(t)
	p := sampleProfile(t)
	data := p.Data()
	data.PeerAddresses[0] = ranging.Address{}
	if p.PeerAddresses[0].IsZero() {
		t.Fatalf("data shares peer slice with profile")
	}
	if data.ServiceInstanceID != p.InstanceID.String() {
		t.Fatalf("unexpected instance id: %s", data.ServiceInstanceID)
	}
}

func TestParseServiceID(t *testing.T) {
	testlog.Start(t)
	if id, err := ParseServiceID("PACS"); err != nil || id != ServicePACS {
		t.Fatalf("unexpected parse: %v %v", id, err)
	}
	if _, err := ParseServiceID("ccc"); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("expected ErrInvalidProfile, got %v", err)
	}
}
