package mount

import (
	"math"
	"testing"
)

// Calibration from a real limit-discovery run on the IIIb mount.
var testLimits = CalibrationLimits{
	HANegative:        -2260241,
	HAPositive:        2234218,
	DecNegative:       -1534182,
	DecPositive:       3001074,
	HAStepsPerDegree:  25000,
	DecStepsPerDegree: 25000,
	LatitudeDeg:       30.67,
}

func TestNormalSlewScenario(t *testing.T) {
	haEnc, decEnc, belowPole := testLimits.CelestialToEncoder(2.0, -30)
	if belowPole {
		t.Errorf("HA=2h Dec=-30 reported below pole")
	}
	if haEnc < testLimits.HANegative || haEnc > testLimits.HAPositive {
		t.Errorf("ha encoder %v outside raw limits [%v, %v]", haEnc, testLimits.HANegative, testLimits.HAPositive)
	}
	if decEnc < testLimits.DecNegative || decEnc > testLimits.DecPositive {
		t.Errorf("dec encoder %v outside raw limits [%v, %v]", decEnc, testLimits.DecNegative, testLimits.DecPositive)
	}
}

func TestBelowPoleScenario(t *testing.T) {
	haEnc, _, belowPole := testLimits.CelestialToEncoder(8.0, 10)
	if !belowPole {
		t.Errorf("HA=8h Dec=10 not reported below pole")
	}
	// Virtual HA is 8h - 12h = -4h, so the encoder position must match a
	// direct encoding of -4h.
	span := testLimits.HAPositive - testLimits.HANegative
	want := testLimits.HANegative + (-4.0+6)/12*span
	if math.Abs(haEnc-want) > 0.5 {
		t.Errorf("ha encoder = %v, want %v (virtual HA -4h)", haEnc, want)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		ha, dec   float64
		belowPole bool
	}{
		{0, 0, false},
		{0, 88, false},
		{-5.9, -45, false},
		{5.9, 60, false},
		{2.0, -30, false},
		{3.25, 12.5, false},
		{-6.0, 30.67, false},
		{8.0, 10, true},
		{-8.0, 45, true},
		{11.5, 80, true},
		{-11.99, 5, true},
		{6.01, 0.5, true},
	} {
		haEnc, decEnc, belowPole := testLimits.CelestialToEncoder(tc.ha, tc.dec)
		if belowPole != tc.belowPole {
			t.Errorf("(%v, %v): belowPole = %v, want %v", tc.ha, tc.dec, belowPole, tc.belowPole)
			continue
		}
		ha, dec, belowPole2 := testLimits.EncoderToCelestial(haEnc, decEnc)
		if belowPole2 != belowPole {
			t.Errorf("(%v, %v): inverse belowPole = %v, forward said %v", tc.ha, tc.dec, belowPole2, belowPole)
		}
		if math.Abs(ha-tc.ha) > 0.01 {
			t.Errorf("(%v, %v): round-trip HA = %v", tc.ha, tc.dec, ha)
		}
		if math.Abs(dec-tc.dec) > 0.05 {
			t.Errorf("(%v, %v): round-trip Dec = %v", tc.ha, tc.dec, dec)
		}
	}
}

func TestRoundTripSweep(t *testing.T) {
	for ha := -11.75; ha <= 12; ha += 0.25 {
		for dec := -80.0; dec <= 88; dec += 4 {
			if math.Abs(ha) > 6 && dec <= 0 {
				// Below the pole only the polar side of the sky is
				// reachable; mirrored southern declinations land on
				// normal-geometry encoder positions.
				continue
			}
			haEnc, decEnc, belowPole := testLimits.CelestialToEncoder(ha, dec)
			if want := math.Abs(NormalizeHA(ha)) > 6; belowPole != want {
				t.Fatalf("(%v, %v): belowPole = %v, want %v", ha, dec, belowPole, want)
			}
			gotHA, gotDec, _ := testLimits.EncoderToCelestial(haEnc, decEnc)
			if math.Abs(gotHA-NormalizeHA(ha)) > 0.01 || math.Abs(gotDec-dec) > 0.05 {
				t.Fatalf("(%v, %v): round-trip = (%v, %v)", ha, dec, gotHA, gotDec)
			}
		}
	}
}

func TestNormalizeHA(t *testing.T) {
	for _, tc := range []struct{ in, want float64 }{
		{0, 0},
		{12, 12},
		{-12, 12},
		{13, -11},
		{-13, 11},
		{25, 1},
		{-25, -1},
	} {
		if got := NormalizeHA(tc.in); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("NormalizeHA(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestClampDec(t *testing.T) {
	if got := ClampDec(95); got != 90 {
		t.Errorf("ClampDec(95) = %v", got)
	}
	if got := ClampDec(-95); got != -90 {
		t.Errorf("ClampDec(-95) = %v", got)
	}
	if got := ClampDec(12.5); got != 12.5 {
		t.Errorf("ClampDec(12.5) = %v", got)
	}
}

func TestSiderealRate(t *testing.T) {
	rate := testLimits.SiderealRate()
	if rate <= 0 {
		t.Fatalf("sidereal rate %v not positive", rate)
	}
	// One sidereal day of tracking must traverse the full 24h of hour
	// angle, i.e. twice the calibrated 12h span.
	siderealDay := 86400.0 / siderealRatio
	span := testLimits.HAPositive - testLimits.HANegative
	if got := rate * siderealDay; math.Abs(got-2*span) > 1 {
		t.Errorf("rate*day = %v, want %v", got, 2*span)
	}
}
