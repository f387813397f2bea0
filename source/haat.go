package source

import (
	"fmt"

	"rfstudy/terrain"
)

// HAATWindow is the radial window over which average terrain is computed.
type HAATWindow struct {
	RadialCount   int
	MinDistanceKm float64
	MaxDistanceKm float64
	SpacingKm     float64
}

// DefaultHAATWindow matches the standard 3.2-16.1 km averaging window over
// eight radials.
func DefaultHAATWindow() HAATWindow {
	return HAATWindow{RadialCount: 8, MinDistanceKm: 3.2, MaxDistanceKm: 16.1, SpacingKm: 0.1}
}

// RadialHAAT computes the height above average terrain along one bearing.
// The radiation center AMSL is the site elevation plus height AGL when the
// record does not carry an explicit AMSL value.
func RadialHAAT(svc terrain.Service, lat, lon, heightAMSL, heightAGL, bearingDeg float64, w HAATWindow) (float64, error) {
	p, err := svc.Radial(lat, lon, bearingDeg, w.MaxDistanceKm, w.SpacingKm)
	if err != nil {
		return 0, fmt.Errorf("source: haat radial %.1f: %w", bearingDeg, err)
	}
	avg, err := p.AverageWindow(w.MinDistanceKm, w.MaxDistanceKm)
	if err != nil {
		return 0, fmt.Errorf("source: haat radial %.1f: %w", bearingDeg, err)
	}
	amsl := heightAMSL
	if amsl == 0 {
		amsl = p.Elevations[0] + heightAGL
	}
	return amsl - avg, nil
}

// DeriveHAAT computes the overall HAAT (mean of per-radial values over the
// window's radial count) and records it on the source along with the actual
// AMSL radiation center. Idempotent for identical inputs.
func (s *Source) DeriveHAAT(svc terrain.Service, w HAATWindow) error {
	if w.RadialCount < 1 {
		return fmt.Errorf("source %s: haat radial count %d is invalid", s.Key, w.RadialCount)
	}
	if s.HeightAMSLm == 0 {
		siteElev, err := svc.PointElevation(s.Lat, s.Lon)
		if err != nil {
			return fmt.Errorf("source %s: site elevation: %w", s.Key, err)
		}
		s.HeightAMSLm = siteElev + s.HeightAGLm
	}
	step := 360.0 / float64(w.RadialCount)
	sum := 0.0
	for i := 0; i < w.RadialCount; i++ {
		h, err := RadialHAAT(svc, s.Lat, s.Lon, s.HeightAMSLm, s.HeightAGLm, float64(i)*step, w)
		if err != nil {
			return fmt.Errorf("source %s: %w", s.Key, err)
		}
		sum += h
	}
	s.HAATm = sum / float64(w.RadialCount)
	return nil
}
