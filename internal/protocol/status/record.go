package status

import (
	"errors"
	"fmt"

	"github.com/danmuck/uwbctl/internal/protocol/bundle"
)

// Record keys. Values are part of the wire contract.
const (
	KeyBundleVersion  = "bundle_version"
	KeySessionID      = "session_id"
	KeyState          = "state"
	KeyReasonCode     = "reason_code"
	KeyAppPackageName = "app_package_name"
	KeySessionToken   = "session_token"
	KeyProtocolName   = "protocol_name"
	// KeySessionTokenKind is optional; records without it decode to TokenUnspecified.
	KeySessionTokenKind = "session_token_kind"
)

// RecordVersion selects the record decode routine.
type RecordVersion int32

const (
	RecordVersion1 RecordVersion = 1

	CurrentRecordVersion = RecordVersion1
)

var ErrUnsupportedVersion = errors.New("status: unsupported bundle version")

// UnsupportedVersionError reports a bundle_version with no decode routine.
type UnsupportedVersionError struct {
	Version RecordVersion
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("status: unsupported bundle version %d", int32(e.Version))
}

func (e *UnsupportedVersionError) Unwrap() error {
	return ErrUnsupportedVersion
}

// ToRecord renders s in the current record version.
func (s SessionStatus) ToRecord() *bundle.Bundle {
	return bundle.New().
		PutInt(KeyBundleVersion, int32(CurrentRecordVersion)).
		PutLong(KeySessionID, s.sessionID).
		PutInt(KeyState, int32(s.state)).
		PutInt(KeyReasonCode, int32(s.reasonCode)).
		PutString(KeyAppPackageName, s.appPackageName).
		PutInt(KeySessionToken, s.sessionToken.Value).
		PutInt(KeySessionTokenKind, int32(s.sessionToken.Kind)).
		PutString(KeyProtocolName, s.protocolName)
}

// FromRecord dispatches on bundle_version. A missing version decodes as 0 and
// is rejected like any other unknown version.
func FromRecord(rec *bundle.Bundle) (SessionStatus, error) {
	if err := rec.Expect(KeyBundleVersion, bundle.TypeInt); err != nil {
		return SessionStatus{}, err
	}
	v, _ := rec.Int(KeyBundleVersion)
	switch RecordVersion(v) {
	case RecordVersion1:
		return parseVersion1(rec)
	default:
		return SessionStatus{}, &UnsupportedVersionError{Version: RecordVersion(v)}
	}
}

func parseVersion1(rec *bundle.Bundle) (SessionStatus, error) {
	typed := []struct {
		key string
		typ uint8
	}{
		{KeySessionID, bundle.TypeLong},
		{KeyState, bundle.TypeInt},
		{KeyReasonCode, bundle.TypeInt},
		{KeyAppPackageName, bundle.TypeString},
		{KeySessionToken, bundle.TypeInt},
		{KeySessionTokenKind, bundle.TypeInt},
		{KeyProtocolName, bundle.TypeString},
	}
	for _, f := range typed {
		if err := rec.Expect(f.key, f.typ); err != nil {
			return SessionStatus{}, err
		}
	}

	b := NewBuilder()
	if id, ok := rec.Long(KeySessionID); ok {
		b.SetSessionID(id)
	}
	if state, ok := rec.Int(KeyState); ok {
		b.SetState(State(state))
	}
	if reason, ok := rec.Int(KeyReasonCode); ok {
		b.SetReasonCode(ReasonCode(reason))
	}
	token, _ := rec.Int(KeySessionToken)
	kind, _ := rec.Int(KeySessionTokenKind)
	b.SetSessionToken(SessionToken{Kind: TokenKind(kind), Value: token})
	b.SetAppPackageName(rec.StringOr(KeyAppPackageName, DefaultAppPackageName))
	b.SetProtocolName(rec.StringOr(KeyProtocolName, DefaultProtocolName))
	return b.Build()
}

// MarshalBinary encodes the record form with the bundle codec.
func (s SessionStatus) MarshalBinary() ([]byte, error) {
	return bundle.Encode(s.ToRecord())
}

func (s *SessionStatus) UnmarshalBinary(data []byte) error {
	rec, err := bundle.Decode(data)
	if err != nil {
		return err
	}
	parsed, err := FromRecord(rec)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
