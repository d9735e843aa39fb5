package ranging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/uwbctl/internal/testutil/testlog"
)

func TestRegistryAllowsOneLiveControllerPerHandle(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	cb, events := recorder()
	opts := Options{Handle: 10, Engine: &fakeEngine{}, Chips: fakeChips{}, Callbacks: cb}

	c, err := reg.Create(opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(c.Shutdown)
	if _, err := reg.Create(opts); !errors.Is(err, ErrHandleInUse) {
		t.Fatalf("expected ErrHandleInUse, got %v", err)
	}
	if got, ok := reg.Get(10); !ok || got != c {
		t.Fatalf("lookup mismatch")
	}

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case rec := <-events:
		if rec.name != "closed" {
			t.Fatalf("unexpected callback %q", rec.name)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for close")
	}
	if _, ok := reg.Get(10); ok {
		t.Fatalf("closed controller still registered")
	}

	next, err := reg.Create(opts)
	if err != nil {
		t.Fatalf("recreate after close: %v", err)
	}
	t.Cleanup(next.Shutdown)
}

func TestRegistryNextHandleSkipsLive(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	cb, _ := recorder()
	c, err := reg.Create(Options{Handle: 1, Engine: &fakeEngine{}, Chips: fakeChips{}, Callbacks: cb})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if h := reg.NextHandle(); h != 2 {
		t.Fatalf("expected handle 2, got %d", h)
	}
	if len(reg.List()) != 1 {
		t.Fatalf("unexpected live count")
	}
	if !reg.Remove(c.Handle()) {
		t.Fatalf("remove reported missing controller")
	}
	if err := c.Open(context.Background()); !errors.Is(err, ErrControllerStopped) {
		t.Fatalf("expected removed controller to be shut down, got %v", err)
	}
}
