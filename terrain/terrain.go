// Package terrain supplies elevation and land-cover data to the study engine.
// The engine depends only on the Service interface; the file-backed database
// and the in-memory synthetic implementation both satisfy it.
package terrain

import (
	"errors"
	"fmt"

	"rfstudy/geo"
)

// Category is a land-cover classification used for clutter adjustment.
type Category int

const (
	CategoryOpenLand Category = iota
	CategoryForest
	CategoryUrban
	CategorySuburban
	CategoryWater
	CategoryBarren
	categoryCount
)

var categoryNames = [...]string{
	"open-land", "forest", "urban", "suburban", "water", "barren",
}

func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return fmt.Sprintf("category(%d)", int(c))
	}
	return categoryNames[c]
}

// ParseCategory maps a config key to a Category.
func ParseCategory(key string) (Category, error) {
	for i, name := range categoryNames {
		if name == key {
			return Category(i), nil
		}
	}
	return 0, fmt.Errorf("terrain: unknown land-cover category %q", key)
}

// CategoryCount is the number of defined land-cover categories.
const CategoryCount = int(categoryCount)

// ErrNoData reports that the database has no tile covering the requested
// location. Callers treat this as fatal for the point being evaluated.
var ErrNoData = errors.New("terrain: no data for location")

// ErrShortProfile reports that a profile could not be extracted to the full
// requested distance beyond the allowed rounding slack.
var ErrShortProfile = errors.New("terrain: profile shorter than requested")

// Profile is an evenly spaced elevation profile along a great-circle radial,
// starting at the transmitter (index 0) and ending at the receiver.
type Profile struct {
	Elevations []float64 // meters AMSL
	SpacingKm  float64
}

// DistanceKm returns the path length spanned by the profile.
func (p *Profile) DistanceKm() float64 {
	if p == nil || len(p.Elevations) < 2 {
		return 0
	}
	return float64(len(p.Elevations)-1) * p.SpacingKm
}

// AverageWindow returns the mean elevation of the profile points whose
// distance from the start lies in [minKm, maxKm]. Used for HAAT and the
// curve model's average-terrain window.
func (p *Profile) AverageWindow(minKm, maxKm float64) (float64, error) {
	if p == nil || len(p.Elevations) == 0 || p.SpacingKm <= 0 {
		return 0, fmt.Errorf("terrain: empty profile")
	}
	sum, n := 0.0, 0
	for i, e := range p.Elevations {
		d := float64(i) * p.SpacingKm
		if d < minKm-1e-9 || d > maxKm+1e-9 {
			continue
		}
		sum += e
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("terrain: no profile points in window [%g,%g] km", minKm, maxKm)
	}
	return sum / float64(n), nil
}

// Service is the terrain/land-cover collaborator contract.
type Service interface {
	// PointElevation returns the elevation in meters AMSL at a coordinate.
	PointElevation(lat, lon float64) (float64, error)
	// Radial extracts a profile from (lat, lon) along a bearing out to
	// distanceKm, with points every spacingKm. A profile shorter than the
	// request by more than the slack allowance yields ErrShortProfile.
	Radial(lat, lon, bearingDeg, distanceKm, spacingKm float64) (*Profile, error)
	// LandCover classifies the ground cover at a coordinate.
	LandCover(lat, lon float64) (Category, error)
}

// extractRadial walks a radial using a point-elevation function. Shared by
// the file and in-memory services. slackPoints trailing failures are
// tolerated to absorb rounding at the end of the requested distance.
func extractRadial(elev func(lat, lon float64) (float64, error),
	lat, lon, bearingDeg, distanceKm, spacingKm float64, slackPoints int) (*Profile, error) {
	if err := geo.CheckLatLon(lat, lon); err != nil {
		return nil, err
	}
	if spacingKm <= 0 {
		return nil, fmt.Errorf("terrain: profile spacing %g km is invalid", spacingKm)
	}
	if distanceKm < 0 {
		return nil, fmt.Errorf("terrain: profile distance %g km is invalid", distanceKm)
	}
	count := int(distanceKm/spacingKm+0.5) + 1
	elevations := make([]float64, 0, count)
	for i := 0; i < count; i++ {
		pLat, pLon := geo.Destination(lat, lon, bearingDeg, float64(i)*spacingKm)
		e, err := elev(pLat, pLon)
		if err != nil {
			if i >= count-slackPoints {
				// Rounding at the tail of the request; stop short.
				break
			}
			return nil, fmt.Errorf("%w: point %d of %d: %v", ErrShortProfile, i, count, err)
		}
		elevations = append(elevations, e)
	}
	if len(elevations) < 2 {
		return nil, fmt.Errorf("%w: only %d points", ErrShortProfile, len(elevations))
	}
	return &Profile{Elevations: elevations, SpacingKm: spacingKm}, nil
}
