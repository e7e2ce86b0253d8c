// Package pointing reduces J2000 catalog positions to the apparent
// topocentric hour angle and declination the mount axes understand. The
// supervisor works purely in HA/Dec; this package is the boundary where
// catalog RA/Dec and time enter the picture.
package pointing

import (
	"math"
	"time"

	"github.com/pebbe/novas"

	"github.com/rotse3/schier_interface/mount"
)

// Site is an observing location. Longitude is degrees east.
type Site struct {
	LatitudeDeg  float64
	LongitudeDeg float64
	HeightM      float64
}

// Apparent converts a J2000 catalog position to the apparent (HA, Dec)
// at the site and instant. RA in hours, declinations in degrees, HA in
// hours westward positive. Refraction is not applied; the coarse
// encoders swamp it except at extreme airmass.
func Apparent(ra2000, dec2000 float64, t time.Time, site Site) (haHours, decDeg float64, err error) {
	star := novas.NewStar("target", "usr", 1, ra2000, dec2000, 0, 0, 0, 0)
	data := star.App(novasTime(t))
	lst := LocalSiderealTime(t, site.LongitudeDeg)
	return mount.NormalizeHA(lst - data.RA), data.Dec, nil
}

// J2000FromApparent inverts Apparent by fixed-point iteration: the
// apparent-place reduction is within arcminutes of identity, so a few
// rounds of correcting a J2000 guess by the residual converge well under
// the mount's pointing accuracy.
func J2000FromApparent(haHours, decDeg float64, t time.Time, site Site) (ra2000, dec2000 float64, err error) {
	lst := LocalSiderealTime(t, site.LongitudeDeg)
	ra2000 = normalizeRA(lst - haHours)
	dec2000 = decDeg
	for i := 0; i < 4; i++ {
		haGot, decGot, aerr := Apparent(ra2000, dec2000, t, site)
		if aerr != nil {
			return 0, 0, aerr
		}
		ra2000 = normalizeRA(ra2000 + mount.NormalizeHA(haHours-haGot))
		dec2000 += decDeg - decGot
	}
	return ra2000, dec2000, nil
}

func novasTime(t time.Time) novas.Time {
	u := t.UTC()
	return novas.Date(u.Year(), int(u.Month()), u.Day(), u.Hour(), u.Minute(), u.Second(), u.Nanosecond(), time.UTC)
}

func normalizeRA(ra float64) float64 {
	ra = math.Mod(ra, 24)
	if ra < 0 {
		ra += 24
	}
	return ra
}

// GreenwichSiderealTime returns GMST in hours for an instant, from the
// IAU 1982 polynomial. Good to well under a second of time over the
// instrument's lifetime, which is far inside the mount's pointing
// accuracy.
func GreenwichSiderealTime(t time.Time) float64 {
	jd := julianDate(t.UTC())
	d := jd - 2451545.0
	tc := d / 36525.0
	gmst := 280.46061837 + 360.98564736629*d + 0.000387933*tc*tc - tc*tc*tc/38710000.0
	gmst = math.Mod(gmst, 360)
	if gmst < 0 {
		gmst += 360
	}
	return gmst / 15
}

// LocalSiderealTime returns LST in hours at an east longitude in
// degrees.
func LocalSiderealTime(t time.Time, longitudeDeg float64) float64 {
	lst := GreenwichSiderealTime(t) + longitudeDeg/15
	lst = math.Mod(lst, 24)
	if lst < 0 {
		lst += 24
	}
	return lst
}

func julianDate(t time.Time) float64 {
	y := t.Year()
	m := int(t.Month())
	if m <= 2 {
		y--
		m += 12
	}
	a := y / 100
	b := 2 - a + a/4
	day := float64(t.Day()) +
		(float64(t.Hour())+float64(t.Minute())/60+
			(float64(t.Second())+float64(t.Nanosecond())/1e9)/3600)/24
	return math.Floor(365.25*float64(y+4716)) + math.Floor(30.6001*float64(m+1)) + day + float64(b) - 1524.5
}
