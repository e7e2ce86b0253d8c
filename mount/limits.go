package mount

import "fmt"

// minLimitSpan rejects calibrations whose encoder range is too small to
// be real (a failed limit discovery reports near-identical bounds).
const minLimitSpan = 10000

// CalibrationLimits holds the per-axis encoder bounds and conversion
// factors. Values loaded from configuration are estimates; a
// homing+limit-discovery cycle produces a replacement instance, never an
// in-place mutation.
type CalibrationLimits struct {
	// Encoder counts at the axis limit switches.
	HANegative  float64
	HAPositive  float64
	DecNegative float64
	DecPositive float64

	// Conversion factors.
	HAStepsPerDegree  float64
	DecStepsPerDegree float64

	// Observer latitude in degrees, positive north.
	LatitudeDeg float64
}

// Validate rejects degenerate calibrations.
func (c CalibrationLimits) Validate() error {
	if c.HAPositive <= c.HANegative {
		return Errorf(ErrInput, "ha_positive (%v) must exceed ha_negative (%v)", c.HAPositive, c.HANegative)
	}
	if c.DecPositive <= c.DecNegative {
		return Errorf(ErrInput, "dec_positive (%v) must exceed dec_negative (%v)", c.DecPositive, c.DecNegative)
	}
	if c.HAPositive-c.HANegative < minLimitSpan {
		return Errorf(ErrInput, "ha limit span %v below minimum %v", c.HAPositive-c.HANegative, minLimitSpan)
	}
	if c.DecPositive-c.DecNegative < minLimitSpan {
		return Errorf(ErrInput, "dec limit span %v below minimum %v", c.DecPositive-c.DecNegative, minLimitSpan)
	}
	if c.HAStepsPerDegree <= 0 {
		return Errorf(ErrInput, "ha_steps_per_degree must be positive, got %v", c.HAStepsPerDegree)
	}
	if c.DecStepsPerDegree <= 0 {
		return Errorf(ErrInput, "dec_steps_per_degree must be positive, got %v", c.DecStepsPerDegree)
	}
	if c.LatitudeDeg < -90 || c.LatitudeDeg > 90 {
		return Errorf(ErrInput, "latitude %v out of range", c.LatitudeDeg)
	}
	return nil
}

// SafeLimits is a margin-shrunk copy of the calibrated encoder bounds.
type SafeLimits struct {
	HAMin  float64
	HAMax  float64
	DecMin float64
	DecMax float64
}

// Safe shrinks the raw limits by margin encoder counts on each side.
// Every commanded target is checked against the result; the raw bounds
// are never used directly for motion.
func (c CalibrationLimits) Safe(margin float64) SafeLimits {
	return SafeLimits{
		HAMin:  c.HANegative + margin,
		HAMax:  c.HAPositive - margin,
		DecMin: c.DecNegative + margin,
		DecMax: c.DecPositive - margin,
	}
}

// CheckHA returns nil if enc is within the safe HA bounds.
func (s SafeLimits) CheckHA(enc float64) error {
	if enc < s.HAMin {
		return &Error{Kind: ErrSafety, Axis: AxisRA, Limit: "ha_negative",
			Msg: fmt.Sprintf("target %v below safe minimum %v", enc, s.HAMin)}
	}
	if enc > s.HAMax {
		return &Error{Kind: ErrSafety, Axis: AxisRA, Limit: "ha_positive",
			Msg: fmt.Sprintf("target %v above safe maximum %v", enc, s.HAMax)}
	}
	return nil
}

// CheckDec returns nil if enc is within the safe Dec bounds.
func (s SafeLimits) CheckDec(enc float64) error {
	if enc < s.DecMin {
		return &Error{Kind: ErrSafety, Axis: AxisDec, Limit: "dec_negative",
			Msg: fmt.Sprintf("target %v below safe minimum %v", enc, s.DecMin)}
	}
	if enc > s.DecMax {
		return &Error{Kind: ErrSafety, Axis: AxisDec, Limit: "dec_positive",
			Msg: fmt.Sprintf("target %v above safe maximum %v", enc, s.DecMax)}
	}
	return nil
}

// TrackingTarget returns the safe HA encoder bound in the direction of a
// signed tracking velocity. Velocity-mode tracking commands a position at
// this bound so the axis runs at the commanded rate until the tracking
// watchdog stops it short of the bound.
func (c CalibrationLimits) TrackingTarget(velocity, margin float64) float64 {
	s := c.Safe(margin)
	if velocity >= 0 {
		return s.HAMax
	}
	return s.HAMin
}
