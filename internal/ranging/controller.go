package ranging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/uwbctl/internal/protocol/bundle"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/danmuck/uwbctl/internal/ranging"

var (
	ErrNotConfigured     = errors.New("ranging: session not configured")
	ErrIncompleteSession = errors.New("ranging: session incomplete")
	ErrInvalidState      = errors.New("ranging: operation invalid in current state")
	ErrSessionClosed     = errors.New("ranging: session closed")
	ErrInvalidChip       = errors.New("ranging: invalid chip id")
	ErrOperationPending  = errors.New("ranging: another operation is pending")
	ErrControllerStopped = errors.New("ranging: controller shut down")
	ErrNoDeriver         = errors.New("ranging: no config deriver")
	ErrMissingDependency = errors.New("ranging: missing dependency")
)

// Observer receives controller activity for metrics.
type Observer interface {
	Transition(from, to State)
	EngineCall(op string, err error)
	Callback(name string)
}

type nopObserver struct{}

func (nopObserver) Transition(State, State)  {}
func (nopObserver) EngineCall(string, error) {}
func (nopObserver) Callback(string)          {}

// Options wires a Controller to its collaborators.
type Options struct {
	Handle    SessionHandle
	Identity  Identity
	Engine    Engine
	Chips     ChipRouter
	Callbacks Callbacks
	// Deriver is optional; without it Configure fails and the session is
	// assembled through the setters.
	Deriver  Deriver
	Observer Observer
	Tracer   trace.Tracer
	Logger   *zerolog.Logger
}

func (o Options) validate() error {
	switch {
	case o.Engine == nil:
		return fmt.Errorf("%w: engine", ErrMissingDependency)
	case o.Chips == nil:
		return fmt.Errorf("%w: chip router", ErrMissingDependency)
	case o.Callbacks == nil:
		return fmt.Errorf("%w: callbacks", ErrMissingDependency)
	}
	return nil
}

type snapshot struct {
	state   State
	session Session
}

// Controller drives one ranging session. Caller operations and engine events
// are serialized through a single mailbox; callbacks are delivered in order
// from a separate goroutine, so callback code may call back into the
// controller.
type Controller struct {
	handle    SessionHandle
	identity  Identity
	engine    Engine
	chips     ChipRouter
	callbacks Callbacks
	deriver   Deriver
	observer  Observer
	tracer    trace.Tracer
	log       zerolog.Logger

	inbox   *mailbox[func()]
	outbox  *mailbox[func()]
	done    chan struct{}
	outDone chan struct{}
	// closed is closed once the session reaches StateClosed.
	closed  chan struct{}
	stopped sync.Once
	pub     atomic.Pointer[snapshot]

	// onClosed is set by a Registry to release the handle.
	onClosed func()

	// Owned by the actor goroutine.
	state       State
	session     Session
	pending     *pendingOp
	closeQueued bool
	closeCtx    context.Context
}

func NewController(opts Options) (*Controller, error) {
	return newController(opts, nil)
}

func newController(opts Options, onClosed func()) (*Controller, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		handle:    opts.Handle,
		identity:  opts.Identity,
		engine:    opts.Engine,
		chips:     opts.Chips,
		callbacks: opts.Callbacks,
		deriver:   opts.Deriver,
		observer:  opts.Observer,
		tracer:    opts.Tracer,
		inbox:     newMailbox[func()](),
		outbox:    newMailbox[func()](),
		done:      make(chan struct{}),
		outDone:   make(chan struct{}),
		closed:    make(chan struct{}),
		onClosed:  onClosed,
		state:     StateIdle,
		session:   Session{Handle: opts.Handle},
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}
	c.log = base.With().Str("component", "ranging").Int32("handle", int32(opts.Handle)).Logger()
	c.publish()

	go func() {
		defer close(c.done)
		c.inbox.run(func(fn func()) { fn() })
	}()
	go func() {
		defer close(c.outDone)
		c.outbox.run(func(fn func()) { fn() })
	}()
	return c, nil
}

func (c *Controller) Handle() SessionHandle { return c.handle }

// State returns the last published lifecycle state.
func (c *Controller) State() State { return c.pub.Load().state }

// Session returns a copy of the session aggregate.
func (c *Controller) Session() Session { return c.pub.Load().session.clone() }

// Config returns the derived session configuration.
func (c *Controller) Config() Config { return c.pub.Load().session.Config }

// Closed is closed when the session reaches StateClosed, including after a
// queued close resolves.
func (c *Controller) Closed() <-chan struct{} { return c.closed }

// HandleEvent implements EventSink. It never blocks.
func (c *Controller) HandleEvent(ev Event) {
	if !c.inbox.push(func() {
		c.onEvent(ev)
		c.publish()
	}) {
		c.log.Debug().Str("event", ev.Kind.String()).Msg("ranging.Controller event after shutdown dropped")
	}
}

// Configure derives the session from profile data.
func (c *Controller) Configure(ctx context.Context, data ProfileData) error {
	return c.do(ctx, func() error {
		if c.deriver == nil {
			return ErrNoDeriver
		}
		if err := c.requireConfigurable(); err != nil {
			return err
		}
		cfg, err := c.deriver.Derive(data)
		if err != nil {
			return fmt.Errorf("ranging: derive %s: %w", c.deriver.Name(), err)
		}
		c.session.SessionID = data.SessionID
		c.session.DeviceAddress = data.DeviceAddress
		c.session.DestAddresses = append([]Address(nil), data.PeerAddresses...)
		c.session.Config = cfg
		c.setState(StateConfigured)
		c.log.Debug().
			Str("deriver", c.deriver.Name()).
			Str("role", cfg.Role.String()).
			Int("peers", len(data.PeerAddresses)).
			Msg("ranging.Controller configured")
		return nil
	})
}

// SetConfig installs cfg directly and marks the session configured.
func (c *Controller) SetConfig(ctx context.Context, cfg Config) error {
	return c.do(ctx, func() error {
		if err := c.requireConfigurable(); err != nil {
			return err
		}
		c.session.Config = cfg
		c.setState(StateConfigured)
		return nil
	})
}

func (c *Controller) SetSessionID(ctx context.Context, id int32) error {
	return c.do(ctx, func() error {
		if err := c.requireConfigurable(); err != nil {
			return err
		}
		c.session.SessionID = id
		return nil
	})
}

func (c *Controller) SetDeviceAddress(ctx context.Context, addr Address) error {
	return c.do(ctx, func() error {
		if err := c.requireConfigurable(); err != nil {
			return err
		}
		c.session.DeviceAddress = addr
		return nil
	})
}

// AddDestAddress appends a destination; the list is ordered and append-only.
func (c *Controller) AddDestAddress(ctx context.Context, addr Address) error {
	return c.do(ctx, func() error {
		if err := c.requireConfigurable(); err != nil {
			return err
		}
		if addr.IsZero() {
			return ErrInvalidAddress
		}
		c.session.DestAddresses = append(c.session.DestAddresses, addr)
		return nil
	})
}

// SetChipID pins the session to chip instead of the router default.
func (c *Controller) SetChipID(ctx context.Context, chip ChipID) error {
	return c.do(ctx, func() error {
		if err := c.requireConfigurable(); err != nil {
			return err
		}
		if !c.chips.IsValidChipID(chip) {
			return fmt.Errorf("%w: %q", ErrInvalidChip, chip)
		}
		c.session.ChipID = chip
		return nil
	})
}

// Open asks the engine to open the session. Completion is signaled through
// Callbacks; an engine rejection is reported there and Open returns nil.
func (c *Controller) Open(ctx context.Context) error {
	return c.do(ctx, func() error { return c.open(ctx) })
}

func (c *Controller) Start(ctx context.Context) error {
	return c.do(ctx, func() error { return c.start(ctx) })
}

func (c *Controller) Stop(ctx context.Context) error {
	return c.do(ctx, func() error { return c.stop(ctx) })
}

// Reconfigure sends params to the engine. On success they are merged into
// the session parameter record.
func (c *Controller) Reconfigure(ctx context.Context, params *bundle.Bundle) error {
	return c.do(ctx, func() error { return c.reconfigure(ctx, params) })
}

// Close closes the session. While another operation is pending the close is
// queued and issued once the engine resolves it.
func (c *Controller) Close(ctx context.Context) error {
	return c.do(ctx, func() error { return c.close(ctx) })
}

// Shutdown stops the controller goroutines without calling the engine.
// Pending callbacks are delivered before it returns.
func (c *Controller) Shutdown() {
	c.stopped.Do(func() {
		c.inbox.close()
		<-c.done
		c.outbox.close()
		<-c.outDone
	})
}

// do runs fn on the actor goroutine and waits for its result. A cancelled
// ctx stops the wait but not fn.
func (c *Controller) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	ok := c.inbox.push(func() {
		err := fn()
		c.publish()
		reply <- err
	})
	if !ok {
		return ErrControllerStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) publish() {
	c.pub.Store(&snapshot{state: c.state, session: c.session.clone()})
}

func (c *Controller) requireConfigurable() error {
	switch c.state {
	case StateIdle, StateConfigured:
		return nil
	case StateClosed:
		return ErrSessionClosed
	default:
		return fmt.Errorf("%w: configure in %s", ErrInvalidState, c.state)
	}
}

// admit checks the common preconditions for an engine operation. It returns
// done=true when the call was coalesced or queued.
func (c *Controller) admit(kind opKind, allowed ...State) (bool, error) {
	if c.state == StateClosed {
		return false, ErrSessionClosed
	}
	if c.pending != nil {
		if c.pending.kind == kind {
			c.log.Debug().Str("op", kind.String()).Msg("ranging.Controller coalesced duplicate operation")
			return true, nil
		}
		return false, fmt.Errorf("%w: %s while %s", ErrOperationPending, kind, c.pending.kind)
	}
	if c.state == StateIdle {
		return false, ErrNotConfigured
	}
	for _, s := range allowed {
		if c.state == s {
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: %s in %s", ErrInvalidState, kind, c.state)
}

func (c *Controller) open(ctx context.Context) error {
	if done, err := c.admit(opOpen, StateConfigured); done || err != nil {
		return err
	}
	if err := c.session.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrIncompleteSession, err)
	}
	if c.session.ChipID == "" {
		c.session.ChipID = c.chips.DefaultChipID()
	}
	params := c.session.Params()
	chip := c.session.ChipID
	c.begin(opOpen, nil)
	err := c.invoke(ctx, opOpen, func(ctx context.Context) error {
		return c.engine.Open(ctx, c.identity, c.handle, c, params, chip)
	})
	if err != nil {
		c.rejected(err)
	}
	return nil
}

func (c *Controller) start(ctx context.Context) error {
	if done, err := c.admit(opStart, StateOpen, StateStopped); done || err != nil {
		return err
	}
	params := c.session.Params()
	c.begin(opStart, nil)
	if err := c.invoke(ctx, opStart, func(ctx context.Context) error {
		return c.engine.Start(ctx, c.handle, params, c.session.ChipID)
	}); err != nil {
		c.rejected(err)
	}
	return nil
}

func (c *Controller) stop(ctx context.Context) error {
	if done, err := c.admit(opStop, StateActive); done || err != nil {
		return err
	}
	c.begin(opStop, nil)
	if err := c.invoke(ctx, opStop, func(ctx context.Context) error {
		return c.engine.Stop(ctx, c.handle, c.session.ChipID)
	}); err != nil {
		c.rejected(err)
	}
	return nil
}

func (c *Controller) reconfigure(ctx context.Context, params *bundle.Bundle) error {
	if params.IsEmpty() {
		return fmt.Errorf("%w: empty reconfigure params", ErrInvalidParams)
	}
	// Only an identical reconfigure folds into the pending one.
	if c.pending != nil && c.pending.kind == opReconfigure && !params.Equal(c.pending.params) {
		return fmt.Errorf("%w: reconfigure with different params", ErrOperationPending)
	}
	if done, err := c.admit(opReconfigure, StateOpen, StateActive, StateStopped); done || err != nil {
		return err
	}
	sent := params.Clone()
	c.begin(opReconfigure, sent)
	if err := c.invoke(ctx, opReconfigure, func(ctx context.Context) error {
		return c.engine.Reconfigure(ctx, c.handle, sent, c.session.ChipID)
	}); err != nil {
		c.rejected(err)
	}
	return nil
}

func (c *Controller) close(ctx context.Context) error {
	if c.state == StateClosed {
		return ErrSessionClosed
	}
	if c.pending != nil {
		if c.pending.kind != opClose && !c.closeQueued {
			c.closeQueued = true
			c.closeCtx = context.WithoutCancel(ctx)
			c.log.Debug().Str("pending", c.pending.kind.String()).Msg("ranging.Controller close queued")
		}
		return nil
	}
	if !c.state.opened() {
		c.setState(StateClosed)
		c.emit("closed", func(cb Callbacks) { cb.OnClosed(ReasonLocalAPI, nil) })
		return nil
	}
	c.begin(opClose, nil)
	if err := c.invoke(ctx, opClose, func(ctx context.Context) error {
		return c.engine.Close(ctx, c.handle, c.session.ChipID)
	}); err != nil {
		c.rejected(err)
	}
	return nil
}

func (c *Controller) begin(kind opKind, params *bundle.Bundle) {
	c.pending = &pendingOp{kind: kind, from: c.state, params: params}
	c.setState(kind.transient())
}

func (c *Controller) invoke(ctx context.Context, kind opKind, call func(context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "ranging."+kind.String(), trace.WithAttributes(
		attribute.Int("uwb.session_handle", int(c.handle)),
		attribute.String("uwb.chip_id", string(c.session.ChipID)),
	))
	defer span.End()

	err := call(ctx)
	c.observer.EngineCall(kind.String(), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Warn().Err(err).Str("op", kind.String()).Msg("ranging.Controller engine rejected call")
	}
	return err
}

// rejected reverts a synchronously refused operation and reports it.
func (c *Controller) rejected(err error) {
	reason, params := ReasonGenericError, (*bundle.Bundle)(nil)
	var ee *EngineError
	if errors.As(err, &ee) {
		reason, params = ee.Reason, ee.Params
	}
	p := c.pending
	c.pending = nil
	if p.kind == opClose {
		c.setState(StateClosed)
	} else {
		c.setState(p.from)
	}
	c.fail(p.kind, reason, params)
	c.flushQueuedClose()
}

func (c *Controller) fail(kind opKind, reason Reason, params *bundle.Bundle) {
	switch kind {
	case opOpen:
		c.emit("open_failed", func(cb Callbacks) { cb.OnOpenFailed(reason, params) })
	case opStart:
		c.emit("start_failed", func(cb Callbacks) { cb.OnStartFailed(reason, params) })
	case opReconfigure:
		c.emit("reconfigure_failed", func(cb Callbacks) { cb.OnReconfigureFailed(reason, params) })
	case opStop:
		c.emit("stop_failed", func(cb Callbacks) { cb.OnStopFailed(reason, params) })
	case opClose:
		c.emit("closed", func(cb Callbacks) { cb.OnClosed(reason, params) })
	}
}

// resolve completes the pending operation of kind. It reports false when no
// such operation is pending.
func (c *Controller) resolve(kind opKind) (*pendingOp, bool) {
	if c.pending == nil || c.pending.kind != kind {
		return nil, false
	}
	p := c.pending
	c.pending = nil
	return p, true
}

func (c *Controller) onEvent(ev Event) {
	if ev.Handle != c.handle {
		c.log.Warn().Int32("event_handle", int32(ev.Handle)).Str("event", ev.Kind.String()).
			Msg("ranging.Controller dropped event for another handle")
		return
	}
	if c.state == StateClosed {
		c.log.Debug().Str("event", ev.Kind.String()).Msg("ranging.Controller dropped event after close")
		return
	}

	switch ev.Kind {
	case EventOpened:
		if _, ok := c.resolve(opOpen); ok {
			c.setState(StateOpen)
			c.emit("opened", func(cb Callbacks) { cb.OnOpened(ev.Params) })
		} else {
			c.unexpected(ev)
		}
	case EventOpenFailed:
		if _, ok := c.resolve(opOpen); ok {
			c.setState(StateConfigured)
			c.emit("open_failed", func(cb Callbacks) { cb.OnOpenFailed(ev.Reason, ev.Params) })
		} else {
			c.unexpected(ev)
		}
	case EventStarted:
		if _, ok := c.resolve(opStart); ok {
			c.setState(StateActive)
			c.emit("started", func(cb Callbacks) { cb.OnStarted(ev.Params) })
		} else {
			c.unexpected(ev)
		}
	case EventStartFailed:
		if p, ok := c.resolve(opStart); ok {
			c.setState(p.from)
			c.emit("start_failed", func(cb Callbacks) { cb.OnStartFailed(ev.Reason, ev.Params) })
		} else {
			c.unexpected(ev)
		}
	case EventReconfigured:
		if p, ok := c.resolve(opReconfigure); ok {
			if c.session.Overrides == nil {
				c.session.Overrides = bundle.New()
			}
			c.session.Overrides.Merge(p.params)
			c.setState(p.from)
			c.emit("reconfigured", func(cb Callbacks) { cb.OnReconfigured(ev.Params) })
		} else {
			c.unexpected(ev)
		}
	case EventReconfigureFailed:
		if p, ok := c.resolve(opReconfigure); ok {
			c.setState(p.from)
			c.emit("reconfigure_failed", func(cb Callbacks) { cb.OnReconfigureFailed(ev.Reason, ev.Params) })
		} else {
			c.unexpected(ev)
		}
	case EventStopped:
		_, solicited := c.resolve(opStop)
		if !solicited {
			// Engine-initiated stop, e.g. a ranging duration expired.
			switch {
			case c.state == StateActive:
			case c.pending != nil && c.pending.kind == opReconfigure && c.pending.from == StateActive:
				c.pending = nil
			default:
				c.unexpected(ev)
				return
			}
		}
		c.setState(StateStopped)
		c.emit("stopped", func(cb Callbacks) { cb.OnStopped(ev.Reason, ev.Params) })
	case EventStopFailed:
		if _, ok := c.resolve(opStop); ok {
			c.setState(StateActive)
			c.emit("stop_failed", func(cb Callbacks) { cb.OnStopFailed(ev.Reason, ev.Params) })
		} else {
			c.unexpected(ev)
		}
	case EventClosed:
		c.pending = nil
		c.closeQueued = false
		c.setState(StateClosed)
		c.emit("closed", func(cb Callbacks) { cb.OnClosed(ev.Reason, ev.Params) })
	case EventReport:
		if c.state != StateActive || ev.Report == nil {
			c.log.Debug().Str("state", c.state.String()).Msg("ranging.Controller dropped report")
			return
		}
		report := *ev.Report
		c.emit("report", func(cb Callbacks) { cb.OnReportReceived(report) })
	default:
		c.unexpected(ev)
		return
	}
	c.flushQueuedClose()
}

func (c *Controller) unexpected(ev Event) {
	pending := "none"
	if c.pending != nil {
		pending = c.pending.kind.String()
	}
	c.log.Warn().
		Str("event", ev.Kind.String()).
		Str("state", c.state.String()).
		Str("pending", pending).
		Msg("ranging.Controller ignored unexpected event")
}

func (c *Controller) flushQueuedClose() {
	if !c.closeQueued || c.pending != nil {
		return
	}
	c.closeQueued = false
	ctx := c.closeCtx
	c.closeCtx = nil
	if c.state == StateClosed {
		return
	}
	if err := c.close(ctx); err != nil {
		c.log.Warn().Err(err).Msg("ranging.Controller queued close failed")
	}
}

func (c *Controller) setState(next State) {
	prev := c.state
	if prev == next {
		return
	}
	c.state = next
	c.observer.Transition(prev, next)
	c.log.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("ranging.Controller transition")
	if next != StateClosed {
		return
	}
	close(c.closed)
	if c.onClosed != nil {
		c.onClosed()
	}
}

func (c *Controller) emit(name string, fn func(Callbacks)) {
	c.observer.Callback(name)
	cb := c.callbacks
	c.outbox.push(func() { fn(cb) })
}
