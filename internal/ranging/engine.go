package ranging

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/uwbctl/internal/protocol/bundle"
	"github.com/danmuck/uwbctl/internal/protocol/status"
)

// Reason is the callback reason carried to the application sink.
type Reason int32

const (
	ReasonUnknown Reason = iota
	ReasonLocalAPI
	ReasonMaxSessionsReached
	ReasonSystemPolicy
	ReasonRemoteRequest
	ReasonProtocolSpecificError
	ReasonBadParameters
	ReasonGenericError
)

func (r Reason) String() string {
	switch r {
	case ReasonUnknown:
		return "unknown"
	case ReasonLocalAPI:
		return "local_api"
	case ReasonMaxSessionsReached:
		return "max_sessions_reached"
	case ReasonSystemPolicy:
		return "system_policy"
	case ReasonRemoteRequest:
		return "remote_request"
	case ReasonProtocolSpecificError:
		return "protocol_specific_error"
	case ReasonBadParameters:
		return "bad_parameters"
	case ReasonGenericError:
		return "generic_error"
	default:
		return fmt.Sprintf("reason(%d)", int32(r))
	}
}

var ErrEngineRejected = errors.New("ranging: engine rejected call")

// EngineError is a synchronous engine rejection.
type EngineError struct {
	Reason Reason
	Params *bundle.Bundle
	Err    error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", ErrEngineRejected, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v: %s", ErrEngineRejected, e.Reason)
}

func (e *EngineError) Unwrap() error { return ErrEngineRejected }

// Reject builds an EngineError for reason.
func Reject(reason Reason, err error) *EngineError {
	return &EngineError{Reason: reason, Err: err}
}

// EventKind names an asynchronous engine event.
type EventKind uint8

const (
	EventOpened EventKind = iota + 1
	EventOpenFailed
	EventStarted
	EventStartFailed
	EventReconfigured
	EventReconfigureFailed
	EventStopped
	EventStopFailed
	EventClosed
	EventReport
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventOpenFailed:
		return "open_failed"
	case EventStarted:
		return "started"
	case EventStartFailed:
		return "start_failed"
	case EventReconfigured:
		return "reconfigured"
	case EventReconfigureFailed:
		return "reconfigure_failed"
	case EventStopped:
		return "stopped"
	case EventStopFailed:
		return "stop_failed"
	case EventClosed:
		return "closed"
	case EventReport:
		return "report"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Measurement is one peer's ranging result.
type Measurement struct {
	Peer       Address
	DistanceCM int32
	AzimuthDeg float64
	RSSI       int32
}

// Report is a ranging report delivered while the session is active.
type Report struct {
	Sequence     uint64
	Measurements []Measurement
}

// Event is what the engine delivers to an EventSink.
type Event struct {
	Kind   EventKind
	Handle SessionHandle
	Reason Reason
	Params *bundle.Bundle
	Status *status.SessionStatus
	Report *Report
}

// EventSink receives engine events. Implementations must be safe to call
// from the engine's dispatch goroutine.
type EventSink interface {
	HandleEvent(ev Event)
}

// Engine is the ranging backend. Each call either accepts (nil) and resolves
// later through the sink, or rejects with an *EngineError.
type Engine interface {
	Open(ctx context.Context, who Identity, h SessionHandle, sink EventSink, params *bundle.Bundle, chip ChipID) error
	Start(ctx context.Context, h SessionHandle, params *bundle.Bundle, chip ChipID) error
	Reconfigure(ctx context.Context, h SessionHandle, params *bundle.Bundle, chip ChipID) error
	Stop(ctx context.Context, h SessionHandle, chip ChipID) error
	Close(ctx context.Context, h SessionHandle, chip ChipID) error
}

// ChipRouter exposes the read-only chip table.
type ChipRouter interface {
	DefaultChipID() ChipID
	IsValidChipID(id ChipID) bool
}

// Callbacks is the application callback sink. Every method receives the
// reason and parameter record as delivered by the engine.
type Callbacks interface {
	OnOpened(params *bundle.Bundle)
	OnOpenFailed(reason Reason, params *bundle.Bundle)
	OnStarted(params *bundle.Bundle)
	OnStartFailed(reason Reason, params *bundle.Bundle)
	OnReconfigured(params *bundle.Bundle)
	OnReconfigureFailed(reason Reason, params *bundle.Bundle)
	OnStopped(reason Reason, params *bundle.Bundle)
	OnStopFailed(reason Reason, params *bundle.Bundle)
	OnClosed(reason Reason, params *bundle.Bundle)
	OnReportReceived(report Report)
}

// CallbackFuncs adapts plain functions to Callbacks. Nil fields are ignored.
type CallbackFuncs struct {
	Opened            func(params *bundle.Bundle)
	OpenFailed        func(reason Reason, params *bundle.Bundle)
	Started           func(params *bundle.Bundle)
	StartFailed       func(reason Reason, params *bundle.Bundle)
	Reconfigured      func(params *bundle.Bundle)
	ReconfigureFailed func(reason Reason, params *bundle.Bundle)
	Stopped           func(reason Reason, params *bundle.Bundle)
	StopFailed        func(reason Reason, params *bundle.Bundle)
	Closed            func(reason Reason, params *bundle.Bundle)
	Report            func(report Report)
}

func (f CallbackFuncs) OnOpened(params *bundle.Bundle) {
	if f.Opened != nil {
		f.Opened(params)
	}
}

func (f CallbackFuncs) OnOpenFailed(reason Reason, params *bundle.Bundle) {
	if f.OpenFailed != nil {
		f.OpenFailed(reason, params)
	}
}

func (f CallbackFuncs) OnStarted(params *bundle.Bundle) {
	if f.Started != nil {
		f.Started(params)
	}
}

func (f CallbackFuncs) OnStartFailed(reason Reason, params *bundle.Bundle) {
	if f.StartFailed != nil {
		f.StartFailed(reason, params)
	}
}

func (f CallbackFuncs) OnReconfigured(params *bundle.Bundle) {
	if f.Reconfigured != nil {
		f.Reconfigured(params)
	}
}

func (f CallbackFuncs) OnReconfigureFailed(reason Reason, params *bundle.Bundle) {
	if f.ReconfigureFailed != nil {
		f.ReconfigureFailed(reason, params)
	}
}

func (f CallbackFuncs) OnStopped(reason Reason, params *bundle.Bundle) {
	if f.Stopped != nil {
		f.Stopped(reason, params)
	}
}

func (f CallbackFuncs) OnStopFailed(reason Reason, params *bundle.Bundle) {
	if f.StopFailed != nil {
		f.StopFailed(reason, params)
	}
}

func (f CallbackFuncs) OnClosed(reason Reason, params *bundle.Bundle) {
	if f.Closed != nil {
		f.Closed(reason, params)
	}
}

func (f CallbackFuncs) OnReportReceived(report Report) {
	if f.Report != nil {
		f.Report(report)
	}
}
