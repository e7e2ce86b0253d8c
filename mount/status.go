package mount

import "time"

// Axis identifies one of the two mount axes by its wire name.
type Axis string

const (
	AxisRA  Axis = "RA"
	AxisDec Axis = "Dec"
)

// State is the externally visible mount state.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateInitializing State = "INITIALIZING"
	StateIdle         State = "IDLE"
	StateHoming       State = "HOMING"
	StateSlewing      State = "SLEWING"
	StateTracking     State = "TRACKING"
	StateParking      State = "PARKING"
	StateParked       State = "PARKED"
	StateStopping     State = "STOPPING"
	StateHalted       State = "HALTED"
	StateError        State = "ERROR"
)

// PierSide reports which fork geometry is in use.
type PierSide string

const (
	PierNormal    PierSide = "NORMAL"
	PierBelowPole PierSide = "BELOW_POLE"
)

// Status word 1 bits.
const (
	statusEStop    = 1 << 0
	statusNegLimit = 1 << 1
	statusPosLimit = 1 << 2
)

// Status word 2 bits.
const (
	statusBrake       = 1 << 0
	statusAmpDisabled = 1 << 1
)

// AxisStatus is the live state of one axis. The flag fields are derived
// from the raw status words by ParseAxisStatus and are never set by hand.
type AxisStatus struct {
	// Commanded and Actual are encoder counts.
	Commanded float64
	Actual    float64

	StatusWord1 uint16
	StatusWord2 uint16

	EStop        bool
	NegLimit     bool
	PosLimit     bool
	BrakeEngaged bool
	AmpDisabled  bool
}

// ParseAxisStatus derives the fault flags from the two raw status words.
// Word 1: bit0 = emergency stop, bit1 = negative limit switch, bit2 =
// positive limit switch. Word 2: bit0 = brake engaged, bit1 = amplifier
// disabled.
func ParseAxisStatus(word1, word2 uint16) AxisStatus {
	return AxisStatus{
		StatusWord1:  word1,
		StatusWord2:  word2,
		EStop:        word1&statusEStop != 0,
		NegLimit:     word1&statusNegLimit != 0,
		PosLimit:     word1&statusPosLimit != 0,
		BrakeEngaged: word2&statusBrake != 0,
		AmpDisabled:  word2&statusAmpDisabled != 0,
	}
}

// AnyError reports whether any fault flag is set on the axis.
func (a AxisStatus) AnyError() bool {
	return a.EStop || a.NegLimit || a.PosLimit || a.BrakeEngaged || a.AmpDisabled
}

// Faults lists the names of the set fault flags.
func (a AxisStatus) Faults() []string {
	var out []string
	if a.EStop {
		out = append(out, "estop")
	}
	if a.NegLimit {
		out = append(out, "neg_limit")
	}
	if a.PosLimit {
		out = append(out, "pos_limit")
	}
	if a.BrakeEngaged {
		out = append(out, "brake_engaged")
	}
	if a.AmpDisabled {
		out = append(out, "amp_disabled")
	}
	return out
}

// MountStatus is the aggregate snapshot published by the supervisor's
// poll cycle. Readers always get a copy, never a view into live state.
type MountStatus struct {
	State        State
	TrackingMode string
	PierSide     PierSide

	RA  AxisStatus
	Dec AxisStatus

	// CurrentHA/CurrentDec are derived from the actual encoder positions.
	CurrentHA  float64
	CurrentDec float64
	// TargetHA/TargetDec are the celestial coordinates of the in-flight
	// target, if any.
	TargetHA  float64
	TargetDec float64

	UpdatedAt time.Time
}

// AnyError reports whether either axis has a fault flag set.
func (m MountStatus) AnyError() bool {
	return m.RA.AnyError() || m.Dec.AnyError()
}

// SlewTarget is an in-flight commanded move. It is cleared atomically on
// completion, abort, or timeout by whichever path ends the move.
type SlewTarget struct {
	HAEnc     float64
	DecEnc    float64
	Tolerance float64
	IssuedAt  time.Time
	IsPark    bool
}
