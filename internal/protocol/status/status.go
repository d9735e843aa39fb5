package status

import (
	"errors"
	"fmt"
)

const (
	DefaultAppPackageName = "UnknownPackageName"
	DefaultProtocolName   = "UnknownProtocolName"
)

var ErrMissingParam = errors.New("status: missing required parameter")

// MissingParamError names the first required field left unset on a Builder.
type MissingParamError struct {
	Param string
}

func (e *MissingParamError) Error() string {
	return fmt.Sprintf("status: missing required parameter %q", e.Param)
}

func (e *MissingParamError) Unwrap() error {
	return ErrMissingParam
}

// SessionStatus is an immutable snapshot of one session's status.
type SessionStatus struct {
	sessionID      int64
	state          State
	reasonCode     ReasonCode
	appPackageName string
	sessionToken   SessionToken
	protocolName   string
}

// Options carries the optional SessionStatus fields. Empty strings take the
// Unknown* defaults; the zero SessionToken is an unspecified token of 0.
type Options struct {
	AppPackageName string
	SessionToken   SessionToken
	ProtocolName   string
}

func New(sessionID int64, state State, reasonCode ReasonCode, opts Options) SessionStatus {
	if opts.AppPackageName == "" {
		opts.AppPackageName = DefaultAppPackageName
	}
	if opts.ProtocolName == "" {
		opts.ProtocolName = DefaultProtocolName
	}
	return SessionStatus{
		sessionID:      sessionID,
		state:          state,
		reasonCode:     reasonCode,
		appPackageName: opts.AppPackageName,
		sessionToken:   opts.SessionToken,
		protocolName:   opts.ProtocolName,
	}
}

func (s SessionStatus) SessionID() int64           { return s.sessionID }
func (s SessionStatus) State() State               { return s.state }
func (s SessionStatus) ReasonCode() ReasonCode     { return s.reasonCode }
func (s SessionStatus) AppPackageName() string     { return s.appPackageName }
func (s SessionStatus) SessionToken() SessionToken { return s.sessionToken }
func (s SessionStatus) ProtocolName() string       { return s.protocolName }

func (s SessionStatus) String() string {
	return fmt.Sprintf(
		"session_id=%d state=%s reason=%s package=%q token=%s protocol=%q",
		s.sessionID, s.state, s.reasonCode, s.appPackageName, s.sessionToken, s.protocolName,
	)
}

// Builder assembles a SessionStatus field by field. session_id, state and
// reason_code are required.
type Builder struct {
	sessionID  *int64
	state      *State
	reasonCode *ReasonCode
	opts       Options
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) SetSessionID(id int64) *Builder {
	b.sessionID = &id
	return b
}

func (b *Builder) SetState(state State) *Builder {
	b.state = &state
	return b
}

func (b *Builder) SetReasonCode(reason ReasonCode) *Builder {
	b.reasonCode = &reason
	return b
}

func (b *Builder) SetAppPackageName(name string) *Builder {
	b.opts.AppPackageName = name
	return b
}

func (b *Builder) SetSessionToken(token SessionToken) *Builder {
	b.opts.SessionToken = token
	return b
}

func (b *Builder) SetProtocolName(name string) *Builder {
	b.opts.ProtocolName = name
	return b
}

func (b *Builder) Build() (SessionStatus, error) {
	switch {
	case b.sessionID == nil:
		return SessionStatus{}, &MissingParamError{Param: KeySessionID}
	case b.state == nil:
		return SessionStatus{}, &MissingParamError{Param: KeyState}
	case b.reasonCode == nil:
		return SessionStatus{}, &MissingParamError{Param: KeyReasonCode}
	}
	return New(*b.sessionID, *b.state, *b.reasonCode, b.opts), nil
}
