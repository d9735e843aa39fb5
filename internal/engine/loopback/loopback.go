// Package loopback is an in-process ranging engine. It accepts or rejects
// calls synchronously and resolves them with events delivered from its own
// dispatch goroutine, in call order. Active sessions emit synthetic reports.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/danmuck/uwbctl/internal/protocol/bundle"
	"github.com/danmuck/uwbctl/internal/protocol/status"
	"github.com/danmuck/uwbctl/internal/protocol/version"
	"github.com/danmuck/uwbctl/internal/ranging"
	"github.com/rs/zerolog/log"
)

const ProtocolName = "fira"

var (
	ErrUnknownChip    = errors.New("loopback: unknown chip")
	ErrUnknownSession = errors.New("loopback: unknown session")
	ErrDisabled       = errors.New("loopback: ranging disabled")
	ErrEngineClosed   = errors.New("loopback: engine closed")
)

// Spec keys reported by SpecificationInfo.
const (
	SpecMinProtocolVersion = "min_protocol_version"
	SpecMaxProtocolVersion = "max_protocol_version"
	SpecMaxSessions        = "max_sessions"
	SpecChipID             = "chip_id"
)

// Config tunes the engine.
type Config struct {
	MinVersion  version.ProtocolVersion
	MaxVersion  version.ProtocolVersion
	MaxSessions int
	// ReportInterval overrides the session ranging interval when non-zero.
	ReportInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinVersion:  version.New(1, 0),
		MaxVersion:  version.New(2, 0),
		MaxSessions: 8,
	}
}

type session struct {
	handle   ranging.SessionHandle
	who      ranging.Identity
	sink     ranging.EventSink
	chip     ranging.ChipID
	params   ranging.SessionParams
	interval time.Duration
	stop     chan struct{}
	seq      uint64
}

// Engine implements ranging.Engine.
type Engine struct {
	cfg   Config
	chips ranging.ChipRouter

	mu       sync.Mutex
	enabled  bool
	closed   bool
	sessions map[ranging.SessionHandle]*session

	events  chan func()
	tickers sync.WaitGroup
	done    chan struct{}
}

var _ ranging.Engine = (*Engine)(nil)

func New(cfg Config, chips ranging.ChipRouter) *Engine {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultConfig().MaxSessions
	}
	e := &Engine{
		cfg:      cfg,
		chips:    chips,
		enabled:  true,
		sessions: make(map[ranging.SessionHandle]*session),
		events:   make(chan func(), 256),
		done:     make(chan struct{}),
	}
	go e.dispatch()
	return e
}

func (e *Engine) dispatch() {
	defer close(e.done)
	for fn := range e.events {
		fn()
	}
}

// Shutdown stops report tickers and drains pending events.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, s := range e.sessions {
		stopTicker(s)
	}
	e.mu.Unlock()
	e.tickers.Wait()
	close(e.events)
	<-e.done
}

// SetEnabled toggles the adapter. Disabling closes every open session with
// ReasonSystemPolicy.
func (e *Engine) SetEnabled(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enabled == on || e.closed {
		return
	}
	e.enabled = on
	log.Info().Bool("enabled", on).Msg("loopback.Engine adapter state")
	if on {
		return
	}
	for h, s := range e.sessions {
		stopTicker(s)
		delete(e.sessions, h)
		e.emit(s, ranging.EventClosed, ranging.ReasonSystemPolicy, status.StateDeinit)
	}
}

func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// SpecificationInfo describes what chip supports.
func (e *Engine) SpecificationInfo(chip ranging.ChipID) (*bundle.Bundle, error) {
	if !e.chips.IsValidChipID(chip) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChip, chip)
	}
	return bundle.New().
		PutString(SpecChipID, string(chip)).
		PutString(SpecMinProtocolVersion, e.cfg.MinVersion.String()).
		PutString(SpecMaxProtocolVersion, e.cfg.MaxVersion.String()).
		PutInt(SpecMaxSessions, int32(e.cfg.MaxSessions)), nil
}

// SessionCount returns the number of sessions the engine holds.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *Engine) Open(_ context.Context, who ranging.Identity, h ranging.SessionHandle, sink ranging.EventSink, params *bundle.Bundle, chip ranging.ChipID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.admit(chip); err != nil {
		return err
	}
	if _, live := e.sessions[h]; live {
		return ranging.Reject(ranging.ReasonMaxSessionsReached, fmt.Errorf("handle %d already open", h))
	}
	if len(e.sessions) >= e.cfg.MaxSessions {
		return ranging.Reject(ranging.ReasonMaxSessionsReached, nil)
	}

	s := &session{handle: h, who: who, sink: sink, chip: chip}
	p, err := ranging.ParamsFromBundle(params)
	if err == nil {
		err = p.Validate()
	}
	if err == nil {
		err = e.checkVersion(p.Config.ProtocolVersion)
	}
	if err != nil {
		log.Debug().Err(err).Int32("handle", int32(h)).Msg("loopback.Engine open failed")
		e.emitFailure(s, ranging.EventOpenFailed, ranging.ReasonBadParameters, err)
		return nil
	}
	s.params = p
	s.interval = p.Config.RangingInterval
	e.sessions[h] = s
	e.emit(s, ranging.EventOpened, ranging.ReasonLocalAPI, status.StateIdle)
	return nil
}

func (e *Engine) Start(_ context.Context, h ranging.SessionHandle, _ *bundle.Bundle, chip ranging.ChipID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.lookup(h, chip)
	if err != nil {
		return err
	}
	if s.stop != nil {
		e.emitFailure(s, ranging.EventStartFailed, ranging.ReasonGenericError, errors.New("session already active"))
		return nil
	}
	e.emit(s, ranging.EventStarted, ranging.ReasonLocalAPI, status.StateActive)
	e.startTicker(s)
	return nil
}

func (e *Engine) Reconfigure(_ context.Context, h ranging.SessionHandle, params *bundle.Bundle, chip ranging.ChipID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.lookup(h, chip)
	if err != nil {
		return err
	}
	if err := params.Expect(ranging.ParamRangingIntervalMS, bundle.TypeInt); err != nil {
		e.emitFailure(s, ranging.EventReconfigureFailed, ranging.ReasonBadParameters, err)
		return nil
	}
	if ms, ok := params.Int(ranging.ParamRangingIntervalMS); ok {
		if ms <= 0 {
			e.emitFailure(s, ranging.EventReconfigureFailed, ranging.ReasonBadParameters, fmt.Errorf("ranging interval %dms", ms))
			return nil
		}
		s.interval = time.Duration(ms) * time.Millisecond
		if s.stop != nil {
			stopTicker(s)
			e.startTicker(s)
		}
	}
	e.emit(s, ranging.EventReconfigured, ranging.ReasonLocalAPI, e.stateOf(s))
	return nil
}

func (e *Engine) Stop(_ context.Context, h ranging.SessionHandle, chip ranging.ChipID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.lookup(h, chip)
	if err != nil {
		return err
	}
	if s.stop == nil {
		e.emitFailure(s, ranging.EventStopFailed, ranging.ReasonGenericError, errors.New("session not active"))
		return nil
	}
	stopTicker(s)
	e.emit(s, ranging.EventStopped, ranging.ReasonLocalAPI, status.StateIdle)
	return nil
}

func (e *Engine) Close(_ context.Context, h ranging.SessionHandle, chip ranging.ChipID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.lookup(h, chip)
	if err != nil {
		return err
	}
	stopTicker(s)
	delete(e.sessions, h)
	e.emit(s, ranging.EventClosed, ranging.ReasonLocalAPI, status.StateDeinit)
	return nil
}

// Expire ends ranging on h as if the session's duration ran out, without a
// caller request.
func (e *Engine) Expire(h ranging.SessionHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[h]
	if !ok || s.stop == nil {
		return fmt.Errorf("%w: %d", ErrUnknownSession, h)
	}
	stopTicker(s)
	e.emit(s, ranging.EventStopped, ranging.ReasonRemoteRequest, status.StateIdle)
	return nil
}

func (e *Engine) admit(chip ranging.ChipID) error {
	switch {
	case e.closed:
		return ranging.Reject(ranging.ReasonGenericError, ErrEngineClosed)
	case !e.enabled:
		return ranging.Reject(ranging.ReasonSystemPolicy, ErrDisabled)
	case !e.chips.IsValidChipID(chip):
		return ranging.Reject(ranging.ReasonBadParameters, fmt.Errorf("%w: %q", ErrUnknownChip, chip))
	}
	return nil
}

func (e *Engine) lookup(h ranging.SessionHandle, chip ranging.ChipID) (*session, error) {
	if err := e.admit(chip); err != nil {
		return nil, err
	}
	s, ok := e.sessions[h]
	if !ok {
		return nil, ranging.Reject(ranging.ReasonBadParameters, fmt.Errorf("%w: %d", ErrUnknownSession, h))
	}
	if s.chip != chip {
		return nil, ranging.Reject(ranging.ReasonBadParameters, fmt.Errorf("session %d is on chip %q", h, s.chip))
	}
	return s, nil
}

func (e *Engine) checkVersion(v version.ProtocolVersion) error {
	if v.IsZero() {
		return nil
	}
	if v.Compare(e.cfg.MinVersion) < 0 || v.Compare(e.cfg.MaxVersion) > 0 {
		return fmt.Errorf("protocol version %s outside [%s, %s]", v, e.cfg.MinVersion, e.cfg.MaxVersion)
	}
	return nil
}

func (e *Engine) stateOf(s *session) status.State {
	if s.stop != nil {
		return status.StateActive
	}
	return status.StateIdle
}

// snapshot builds the status record for s. FiRa 2.0 sessions are addressed
// by handle, older ones by session id.
func (e *Engine) snapshot(s *session, state status.State) status.SessionStatus {
	token := status.SessionIDToken(s.params.SessionID)
	if s.params.Config.ProtocolVersion.Major >= 2 {
		token = status.SessionHandleToken(int32(s.handle))
	}
	return status.New(int64(s.params.SessionID), state, status.ReasonStateChangeWithSessionManagementCommands, status.Options{
		AppPackageName: s.who.PackageName,
		SessionToken:   token,
		ProtocolName:   ProtocolName,
	})
}

// emit queues an event. Callers hold e.mu.
func (e *Engine) emit(s *session, kind ranging.EventKind, reason ranging.Reason, state status.State) {
	st := e.snapshot(s, state)
	ev := ranging.Event{Kind: kind, Handle: s.handle, Reason: reason, Params: st.ToRecord(), Status: &st}
	sink := s.sink
	e.events <- func() { sink.HandleEvent(ev) }
}

func (e *Engine) emitFailure(s *session, kind ranging.EventKind, reason ranging.Reason, cause error) {
	st := e.snapshot(s, status.StateError)
	params := st.ToRecord().PutString("error", cause.Error())
	ev := ranging.Event{Kind: kind, Handle: s.handle, Reason: reason, Params: params, Status: &st}
	sink := s.sink
	e.events <- func() { sink.HandleEvent(ev) }
}

func (e *Engine) startTicker(s *session) {
	interval := s.interval
	if e.cfg.ReportInterval > 0 {
		interval = e.cfg.ReportInterval
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	stop := make(chan struct{})
	s.stop = stop
	e.tickers.Add(1)
	go func() {
		defer e.tickers.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				e.report(s, stop)
			}
		}
	}()
}

func (e *Engine) report(s *session, stop chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.stop != stop || e.closed {
		return
	}
	s.seq++
	r := &ranging.Report{Sequence: s.seq}
	for i, peer := range s.params.DestAddresses {
		phase := float64(s.seq)/10 + float64(i)
		r.Measurements = append(r.Measurements, ranging.Measurement{
			Peer:       peer,
			DistanceCM: int32(150 + 50*math.Sin(phase)),
			AzimuthDeg: 30 * math.Cos(phase),
			RSSI:       -60 - int32(i),
		})
	}
	ev := ranging.Event{Kind: ranging.EventReport, Handle: s.handle, Report: r}
	sink := s.sink
	e.events <- func() { sink.HandleEvent(ev) }
}

func stopTicker(s *session) {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}
