package mount

import "math"

// The fork geometry: the HA axis travels roughly -6h..+6h between its
// limit switches, mapped linearly onto the calibrated encoder range. The
// Dec axis encoder measures the tube angle from nadir, where nadir sits
// at -(90 + |latitude|) degrees in declination terms, with encoder zero
// at nadir.
//
// Targets with |HA| > 6h are unreachable directly; the mount swings
// through the pole instead ("below-the-pole" pointing): the HA axis is
// driven to HA -/+ 12h and the declination is mirrored through the pole,
// dec -> -(dec + 90). The mirrored declination is always below -90 for
// northern targets, which is how the inverse transform recognizes a
// below-pole encoder position.

// siderealRatio is the ratio of hour-angle advance to elapsed time.
const siderealRatio = 1.00273790935

// NormalizeHA wraps an hour angle into (-12h, +12h].
func NormalizeHA(ha float64) float64 {
	ha = math.Mod(ha, 24)
	if ha > 12 {
		ha -= 24
	} else if ha <= -12 {
		ha += 24
	}
	return ha
}

// ClampDec clamps a declination to [-90, +90] degrees.
func ClampDec(dec float64) float64 {
	if dec > 90 {
		return 90
	}
	if dec < -90 {
		return -90
	}
	return dec
}

func (c CalibrationLimits) nadirAngle() float64 {
	return -(90 + math.Abs(c.LatitudeDeg))
}

// CelestialToEncoder converts an (HA, Dec) pair to encoder counts.
// HA is in hours, Dec in degrees. belowPole reports whether the target
// required the through-the-pole geometry. Pure function of the limits.
func (c CalibrationLimits) CelestialToEncoder(haHours, decDeg float64) (haEnc, decEnc float64, belowPole bool) {
	ha := NormalizeHA(haHours)
	dec := ClampDec(decDeg)

	if math.Abs(ha) > 6 {
		belowPole = true
		if ha > 0 {
			ha -= 12
		} else {
			ha += 12
		}
		dec = -(dec + 90)
	}

	haEnc = c.HANegative + (ha+6)/12*(c.HAPositive-c.HANegative)
	decEnc = (dec - c.nadirAngle()) * c.DecStepsPerDegree
	return haEnc, decEnc, belowPole
}

// EncoderToCelestial is the exact inverse of CelestialToEncoder.
func (c CalibrationLimits) EncoderToCelestial(haEnc, decEnc float64) (haHours, decDeg float64, belowPole bool) {
	ha := -6 + 12*(haEnc-c.HANegative)/(c.HAPositive-c.HANegative)
	dec := decEnc/c.DecStepsPerDegree + c.nadirAngle()

	if dec < -90 {
		belowPole = true
		dec = -dec - 90
		if ha > 0 {
			ha -= 12
		} else {
			ha += 12
		}
	}
	return NormalizeHA(ha), dec, belowPole
}

// PierSideAt reports the fork geometry for an encoder position.
func (c CalibrationLimits) PierSideAt(haEnc, decEnc float64) PierSide {
	if _, _, belowPole := c.EncoderToCelestial(haEnc, decEnc); belowPole {
		return PierBelowPole
	}
	return PierNormal
}

// SiderealRate returns the HA axis velocity, in encoder counts per
// second, that holds a fixed right ascension on the meridian side.
func (c CalibrationLimits) SiderealRate() float64 {
	countsPerHour := (c.HAPositive - c.HANegative) / 12
	return countsPerHour * siderealRatio / 3600
}
