package source

import (
	"fmt"
	"math"
	"sort"
)

// HorizontalPattern is a 360-point azimuth tabulation of relative field
// (0..1, 1 at pattern maximum), built from sparse record points.
type HorizontalPattern struct {
	values [360]float64
}

// PatternPoint is one sparse record point: degrees and relative field.
type PatternPoint struct {
	Degrees float64
	Field   float64
}

// NewHorizontalPattern tabulates a horizontal pattern from sparse points
// with linear interpolation across the gap between the last and first point.
// With mirror set, points are reflected about the 0/180 axis before
// tabulation (patterns recorded over half the circle). Points are normalized
// so the maximum is 1.
func NewHorizontalPattern(points []PatternPoint, mirror bool) (*HorizontalPattern, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("source: horizontal pattern has no points")
	}
	pts := make([]PatternPoint, 0, len(points)*2)
	maxField := 0.0
	for _, p := range points {
		if p.Field < 0 || math.IsNaN(p.Field) {
			return nil, fmt.Errorf("source: pattern field %g at %g deg is invalid", p.Field, p.Degrees)
		}
		deg := math.Mod(math.Mod(p.Degrees, 360)+360, 360)
		pts = append(pts, PatternPoint{deg, p.Field})
		if mirror && deg > 0 && deg < 180 {
			pts = append(pts, PatternPoint{360 - deg, p.Field})
		}
		if p.Field > maxField {
			maxField = p.Field
		}
	}
	if maxField <= 0 {
		return nil, fmt.Errorf("source: horizontal pattern is all zeros")
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].Degrees < pts[j].Degrees })

	var hp HorizontalPattern
	for deg := 0; deg < 360; deg++ {
		hp.values[deg] = interpolateCircular(pts, float64(deg)) / maxField
	}
	return &hp, nil
}

// Omni returns a unity horizontal pattern.
func Omni() *HorizontalPattern {
	var hp HorizontalPattern
	for i := range hp.values {
		hp.values[i] = 1
	}
	return &hp
}

// At returns the relative field toward an azimuth, interpolating between the
// tabulated degrees.
func (hp *HorizontalPattern) At(azimuthDeg float64) float64 {
	a := math.Mod(math.Mod(azimuthDeg, 360)+360, 360)
	i := int(a)
	frac := a - float64(i)
	next := (i + 1) % 360
	return hp.values[i]*(1-frac) + hp.values[next]*frac
}

func interpolateCircular(pts []PatternPoint, deg float64) float64 {
	n := len(pts)
	if n == 1 {
		return pts[0].Field
	}
	// Find the bracketing pair, wrapping across 360/0.
	i := sort.Search(n, func(k int) bool { return pts[k].Degrees > deg })
	var lo, hi PatternPoint
	switch i {
	case 0:
		lo, hi = pts[n-1], pts[0]
		lo.Degrees -= 360
	case n:
		lo, hi = pts[n-1], pts[0]
		hi.Degrees += 360
	default:
		lo, hi = pts[i-1], pts[i]
	}
	span := hi.Degrees - lo.Degrees
	if span <= 0 {
		return lo.Field
	}
	frac := (deg - lo.Degrees) / span
	return lo.Field*(1-frac) + hi.Field*frac
}

// VerticalPattern maps depression angle (degrees below horizontal, negative
// above) to relative field, with electrical beam tilt applied by shifting
// the pattern.
type VerticalPattern struct {
	points  []PatternPoint // sorted by Degrees (depression angle)
	tiltDeg float64
	doubled bool
}

// NewVerticalPattern builds a vertical pattern from sparse points. tiltDeg
// shifts the pattern downward (positive tilt aims the beam below the
// horizontal). With doubling set, pattern values below the beam are doubled
// toward unity, the rule applied to shared-antenna records whose tabulation
// understates near-in radiation.
func NewVerticalPattern(points []PatternPoint, tiltDeg float64, doubling bool) (*VerticalPattern, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("source: vertical pattern has no points")
	}
	pts := make([]PatternPoint, len(points))
	copy(pts, points)
	sort.Slice(pts, func(i, j int) bool { return pts[i].Degrees < pts[j].Degrees })
	for _, p := range pts {
		if p.Field < 0 || p.Field > 1.5 {
			return nil, fmt.Errorf("source: vertical pattern field %g at %g deg is invalid", p.Field, p.Degrees)
		}
	}
	return &VerticalPattern{points: pts, tiltDeg: tiltDeg, doubled: doubling}, nil
}

// GenericVertical is the fallback envelope used when a record's vertical
// pattern is missing or corrupt: full field through 0.75 deg, rolling off to
// a 0.2 floor at 10 deg depression.
func GenericVertical() *VerticalPattern {
	return &VerticalPattern{points: []PatternPoint{
		{-10, 0.5}, {0, 1}, {0.75, 1}, {2, 0.8}, {4, 0.55}, {6, 0.4}, {8, 0.28}, {10, 0.2}, {90, 0.2},
	}}
}

// At returns the relative field at a depression angle.
func (vp *VerticalPattern) At(depressionDeg float64) float64 {
	a := depressionDeg - vp.tiltDeg
	pts := vp.points
	n := len(pts)
	var f float64
	switch {
	case a <= pts[0].Degrees:
		f = pts[0].Field
	case a >= pts[n-1].Degrees:
		f = pts[n-1].Field
	default:
		i := sort.Search(n, func(k int) bool { return pts[k].Degrees >= a })
		lo, hi := pts[i-1], pts[i]
		span := hi.Degrees - lo.Degrees
		if span <= 0 {
			f = lo.Field
		} else {
			frac := (a - lo.Degrees) / span
			f = lo.Field*(1-frac) + hi.Field*frac
		}
	}
	if vp.doubled && depressionDeg > vp.tiltDeg {
		f = math.Min(1, f*2)
	}
	if f > 1 {
		f = 1
	}
	return f
}

// MatrixPattern is a full matrix tabulation: a vertical slice per azimuth.
// Lookup picks the nearest tabulated azimuth slice.
type MatrixPattern struct {
	azimuths []float64
	slices   []*VerticalPattern
}

// NewMatrixPattern builds a matrix pattern from azimuth-keyed slices.
func NewMatrixPattern(azimuths []float64, slices []*VerticalPattern) (*MatrixPattern, error) {
	if len(azimuths) == 0 || len(azimuths) != len(slices) {
		return nil, fmt.Errorf("source: matrix pattern has %d azimuths and %d slices", len(azimuths), len(slices))
	}
	idx := make([]int, len(azimuths))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return azimuths[idx[a]] < azimuths[idx[b]] })
	mp := &MatrixPattern{
		azimuths: make([]float64, len(azimuths)),
		slices:   make([]*VerticalPattern, len(slices)),
	}
	for i, k := range idx {
		mp.azimuths[i] = math.Mod(math.Mod(azimuths[k], 360)+360, 360)
		mp.slices[i] = slices[k]
	}
	return mp, nil
}

// At returns the relative field toward an azimuth/depression pair.
func (mp *MatrixPattern) At(azimuthDeg, depressionDeg float64) float64 {
	a := math.Mod(math.Mod(azimuthDeg, 360)+360, 360)
	best, bestDist := 0, 361.0
	for i, az := range mp.azimuths {
		d := math.Abs(az - a)
		if d > 180 {
			d = 360 - d
		}
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return mp.slices[best].At(depressionDeg)
}

// DepressionAngleDeg returns the depression angle from a transmitter
// radiation center to a receiver at distance, including earth curvature.
func DepressionAngleDeg(heightM, rxHeightM, distanceKm float64) float64 {
	if distanceKm <= 0 {
		return 90
	}
	dh := heightM - rxHeightM
	geometric := math.Atan2(dh/1000, distanceKm)
	curvature := distanceKm / (2 * 8494) // effective 4/3-earth radius, radians
	return (geometric + curvature) * 180 / math.Pi
}
