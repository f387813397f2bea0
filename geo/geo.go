// Package geo provides the coordinate math shared by the study engine:
// great-circle distance and bearing on a spherical earth, destination-point
// projection, bounding boxes, and NAD27/NAD83 datum conversion for legacy
// facility records.
package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusKm is the mean earth radius used for all spherical computations.
// Overridable per call site via the functions taking an explicit radius.
const EarthRadiusKm = 6370.996

// KilometersPerDegree is the nominal north-south span of one degree of latitude.
const KilometersPerDegree = 111.15

var (
	errBadLatitude  = errors.New("geo: latitude out of range [-90,90]")
	errBadLongitude = errors.New("geo: longitude out of range [-180,180]")
)

// CheckLatLon validates a coordinate pair against the documented ranges.
func CheckLatLon(lat, lon float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("%w: %.6f", errBadLatitude, lat)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: %.6f", errBadLongitude, lon)
	}
	return nil
}

// DistanceKm returns the great-circle distance between two points in
// kilometers, on a sphere of radius EarthRadiusKm.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	return DistanceKmRadius(lat1, lon1, lat2, lon2, EarthRadiusKm)
}

// DistanceKmRadius is DistanceKm with an explicit sphere radius.
func DistanceKmRadius(lat1, lon1, lat2, lon2, radiusKm float64) float64 {
	p1 := lat1 * math.Pi / 180
	p2 := lat2 * math.Pi / 180
	dp := (lat2 - lat1) * math.Pi / 180
	dl := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dp/2)*math.Sin(dp/2) +
		math.Cos(p1)*math.Cos(p2)*math.Sin(dl/2)*math.Sin(dl/2)
	if a > 1 {
		a = 1
	}
	return 2 * radiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// BearingDeg returns the initial great-circle bearing from point 1 to point 2
// in degrees clockwise from true north, normalized to [0,360).
func BearingDeg(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := lat1 * math.Pi / 180
	p2 := lat2 * math.Pi / 180
	dl := (lon2 - lon1) * math.Pi / 180
	y := math.Sin(dl) * math.Cos(p2)
	x := math.Cos(p1)*math.Sin(p2) - math.Sin(p1)*math.Cos(p2)*math.Cos(dl)
	b := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(b+360, 360)
}

// Destination projects a point along a bearing for a distance and returns the
// resulting latitude and longitude. Longitude is normalized to [-180,180].
func Destination(lat, lon, bearingDeg, distanceKm float64) (float64, float64) {
	p1 := lat * math.Pi / 180
	l1 := lon * math.Pi / 180
	brg := bearingDeg * math.Pi / 180
	d := distanceKm / EarthRadiusKm
	p2 := math.Asin(math.Sin(p1)*math.Cos(d) + math.Cos(p1)*math.Sin(d)*math.Cos(brg))
	l2 := l1 + math.Atan2(math.Sin(brg)*math.Sin(d)*math.Cos(p1),
		math.Cos(d)-math.Sin(p1)*math.Sin(p2))
	outLat := p2 * 180 / math.Pi
	outLon := math.Mod(l2*180/math.Pi+540, 360) - 180
	return outLat, outLon
}

// Bounds is a latitude/longitude extent. South/West are the minimum corner,
// North/East the maximum. A zero Bounds is empty until Extend is called.
type Bounds struct {
	South float64
	West  float64
	North float64
	East  float64
	set   bool
}

// NewBounds returns a Bounds covering exactly the given point.
func NewBounds(lat, lon float64) Bounds {
	return Bounds{South: lat, West: lon, North: lat, East: lon, set: true}
}

// IsEmpty reports whether the bounds have never been extended.
func (b Bounds) IsEmpty() bool { return !b.set }

// Extend grows the bounds to include the given point.
func (b *Bounds) Extend(lat, lon float64) {
	if !b.set {
		*b = NewBounds(lat, lon)
		return
	}
	if lat < b.South {
		b.South = lat
	}
	if lat > b.North {
		b.North = lat
	}
	if lon < b.West {
		b.West = lon
	}
	if lon > b.East {
		b.East = lon
	}
}

// Union grows the bounds to include another bounds. Empty operands are ignored.
func (b *Bounds) Union(other Bounds) {
	if !other.set {
		return
	}
	b.Extend(other.South, other.West)
	b.Extend(other.North, other.East)
}

// ExtendByKm pads every edge outward by the given distance. The longitude pad
// uses the cosine of the widest latitude so the margin holds near the poles.
func (b *Bounds) ExtendByKm(km float64) {
	if !b.set || km <= 0 {
		return
	}
	dLat := km / KilometersPerDegree
	widest := math.Max(math.Abs(b.South), math.Abs(b.North))
	cosLat := math.Cos(widest * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	dLon := km / (KilometersPerDegree * cosLat)
	b.South -= dLat
	b.North += dLat
	b.West -= dLon
	b.East += dLon
	if b.South < -90 {
		b.South = -90
	}
	if b.North > 90 {
		b.North = 90
	}
}

// Contains reports whether the point lies inside or on the bounds.
func (b Bounds) Contains(lat, lon float64) bool {
	return b.set && lat >= b.South && lat <= b.North && lon >= b.West && lon <= b.East
}
