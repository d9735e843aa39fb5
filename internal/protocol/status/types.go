package status

import "fmt"

// State is the engine-reported session state.
type State int32

const (
	StateInit   State = 0x00
	StateDeinit State = 0x01
	StateActive State = 0x02
	StateIdle   State = 0x03
	StateError  State = 0xFF
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateDeinit:
		return "deinit"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ReasonCode explains a session state change.
type ReasonCode int32

const (
	ReasonStateChangeWithSessionManagementCommands ReasonCode = 0x00
	ReasonMaxRangingRoundRetryCountReached         ReasonCode = 0x01
	ReasonMaxNumberOfMeasurementsReached           ReasonCode = 0x02
	ReasonSessionSuspendedDueToInbandSignal        ReasonCode = 0x03
	ReasonSessionResumedDueToInbandSignal          ReasonCode = 0x04
	ReasonSessionStoppedDueToInbandSignal          ReasonCode = 0x05
	ReasonErrorInvalidUlTdoaRandomWindow           ReasonCode = 0x1D
	ReasonErrorSlotLengthNotSupported              ReasonCode = 0x20
	ReasonErrorInsufficientSlotsPerRr              ReasonCode = 0x21
	ReasonErrorMacAddressModeNotSupported          ReasonCode = 0x22
	ReasonErrorInvalidRangingDuration              ReasonCode = 0x23
	ReasonErrorInvalidStsConfig                    ReasonCode = 0x24
	ReasonErrorInvalidRframeConfig                 ReasonCode = 0x25
)

func (r ReasonCode) String() string {
	switch r {
	case ReasonStateChangeWithSessionManagementCommands:
		return "state_change_with_session_management_commands"
	case ReasonMaxRangingRoundRetryCountReached:
		return "max_ranging_round_retry_count_reached"
	case ReasonMaxNumberOfMeasurementsReached:
		return "max_number_of_measurements_reached"
	case ReasonSessionSuspendedDueToInbandSignal:
		return "session_suspended_due_to_inband_signal"
	case ReasonSessionResumedDueToInbandSignal:
		return "session_resumed_due_to_inband_signal"
	case ReasonSessionStoppedDueToInbandSignal:
		return "session_stopped_due_to_inband_signal"
	case ReasonErrorInvalidUlTdoaRandomWindow:
		return "error_invalid_ul_tdoa_random_window"
	case ReasonErrorSlotLengthNotSupported:
		return "error_slot_length_not_supported"
	case ReasonErrorInsufficientSlotsPerRr:
		return "error_insufficient_slots_per_rr"
	case ReasonErrorMacAddressModeNotSupported:
		return "error_mac_address_mode_not_supported"
	case ReasonErrorInvalidRangingDuration:
		return "error_invalid_ranging_duration"
	case ReasonErrorInvalidStsConfig:
		return "error_invalid_sts_config"
	case ReasonErrorInvalidRframeConfig:
		return "error_invalid_rframe_config"
	default:
		return fmt.Sprintf("reason(%d)", int32(r))
	}
}

// TokenKind says which identifier a SessionToken carries.
type TokenKind int32

const (
	TokenUnspecified TokenKind = iota
	// TokenSessionID marks a FiRa 1.x token, equal to the session id.
	TokenSessionID
	// TokenSessionHandle marks a FiRa 2.0+ token, a handle distinct from the session id.
	TokenSessionHandle
)

func (k TokenKind) String() string {
	switch k {
	case TokenSessionID:
		return "session_id"
	case TokenSessionHandle:
		return "session_handle"
	default:
		return "unspecified"
	}
}

// SessionToken is the tagged session_token value.
type SessionToken struct {
	Kind  TokenKind
	Value int32
}

func SessionIDToken(id int32) SessionToken {
	return SessionToken{Kind: TokenSessionID, Value: id}
}

func SessionHandleToken(handle int32) SessionToken {
	return SessionToken{Kind: TokenSessionHandle, Value: handle}
}

func (t SessionToken) String() string {
	return fmt.Sprintf("%s:%d", t.Kind, t.Value)
}
