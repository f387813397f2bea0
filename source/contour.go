package source

import (
	"fmt"

	"rfstudy/geo"
	"rfstudy/params"
	"rfstudy/propagation"
	"rfstudy/terrain"
)

// ContourStepDeg is the azimuth step of projected contours. 1 degree gives
// the 360-point contour the reporting layer expects.
const ContourStepDeg = 1.0

const (
	lrContourCoarseKm = 2.0
	lrContourMaxKm    = 400.0
	lrContourMinKm    = 1.5
)

// ResolveServiceArea computes the source's service area geometry according
// to its area type and marks derived geometry valid. For contour types this
// projects the full contour; idempotent given identical inputs.
func (s *Source) ResolveServiceArea(svc terrain.Service, set *params.Set) error {
	if err := s.Validate(); err != nil {
		return err
	}
	level, err := set.ContourLevel(s.Country, s.Service, s.Band())
	if err != nil {
		return fmt.Errorf("source %s: %w", s.Key, err)
	}
	s.ContourDBu = level

	switch s.AreaType {
	case AreaContourFCC:
		radials, err := s.projectFCCContour(svc, set, level)
		if err != nil {
			return err
		}
		s.area = contourArea(s, radials, ContourStepDeg)
	case AreaContourLR:
		radials, err := s.projectLRContour(svc, set, level)
		if err != nil {
			return err
		}
		s.area = contourArea(s, radials, ContourStepDeg)
	case AreaGeography:
		s.area = &serviceArea{
			areaType:  AreaGeography,
			geo:       s.Geography,
			bounds:    s.Geography.Bounds(),
			centerLat: s.Lat,
			centerLon: s.Lon,
		}
	case AreaFixedRadius:
		a := &serviceArea{
			areaType:  AreaFixedRadius,
			radials:   []float64{s.RadiusKm},
			centerLat: s.Lat,
			centerLon: s.Lon,
		}
		for az := 0; az < 360; az += 15 {
			lat, lon := geo.Destination(s.Lat, s.Lon, float64(az), s.RadiusKm)
			a.bounds.Extend(lat, lon)
		}
		s.area = a
	case AreaUnrestricted:
		s.area = &serviceArea{areaType: AreaUnrestricted, centerLat: s.Lat, centerLon: s.Lon}
	default:
		return fmt.Errorf("source %s: unknown area type %d", s.Key, s.AreaType)
	}
	s.derivedValid = true
	return nil
}

// projectFCCContour solves the curve model per azimuth: radial HAAT from the
// averaging window, radial ERP from the patterns, then the distance at which
// the field falls to the contour level.
func (s *Source) projectFCCContour(svc terrain.Service, set *params.Set, level float64) ([]float64, error) {
	w := DefaultHAATWindow()
	count := int(360 / ContourStepDeg)
	radials := make([]float64, count)
	band := s.Band()
	for i := 0; i < count; i++ {
		az := float64(i) * ContourStepDeg
		haat, err := RadialHAAT(svc, s.Lat, s.Lon, s.HeightAMSLm, s.HeightAGLm, az, w)
		if err != nil {
			return nil, err
		}
		erp := s.ERPTowardDBk(az, 0.75)
		d, err := propagation.CurveDistance(level-erp, haat, band, set.CurveSetDesired)
		if err != nil {
			return nil, fmt.Errorf("source %s: contour azimuth %.0f: %w", s.Key, az, err)
		}
		radials[i] = d
	}
	return radials, nil
}

// projectLRContour marches each radial outward with the Longley-Rice model
// until the field drops below the contour level, then interpolates the
// crossing. Model advisory errors during the march are tolerated; terrain
// gaps are fatal.
func (s *Source) projectLRContour(svc terrain.Service, set *params.Set, level float64) ([]float64, error) {
	model, err := propagation.ForKey("longley-rice")
	if err != nil {
		return nil, err
	}
	count := int(360 / ContourStepDeg)
	radials := make([]float64, count)
	for i := 0; i < count; i++ {
		az := float64(i) * ContourStepDeg
		prevD := lrContourMinKm
		prevF, err := s.lrFieldAt(model, svc, set, az, prevD)
		if err != nil {
			return nil, fmt.Errorf("source %s: contour azimuth %.0f: %w", s.Key, az, err)
		}
		dist := prevD
		for d := prevD + lrContourCoarseKm; d <= lrContourMaxKm; d += lrContourCoarseKm {
			f, err := s.lrFieldAt(model, svc, set, az, d)
			if err != nil {
				return nil, fmt.Errorf("source %s: contour azimuth %.0f: %w", s.Key, az, err)
			}
			if f < level {
				// Linear crossing between the bracketing samples.
				if prevF > level && prevF > f {
					dist = prevD + lrContourCoarseKm*(prevF-level)/(prevF-f)
				} else {
					dist = prevD
				}
				break
			}
			prevD, prevF = d, f
			dist = d
		}
		if dist < lrContourMinKm {
			dist = lrContourMinKm
		}
		radials[i] = dist
	}
	return radials, nil
}

func (s *Source) lrFieldAt(model propagation.Model, svc terrain.Service, set *params.Set, az, distanceKm float64) (float64, error) {
	req := propagation.Request{
		TransmitterHeightM: s.HeightAGLm,
		ReceiverHeightM:    set.ReceiverHeightM,
		DistanceKm:         distanceKm,
		FrequencyMHz:       s.FrequencyMHz,
		HAATm:              s.HAATm,
		PercentTime:        set.PercentTime,
		PercentLocation:    set.PercentLocation,
		PercentConfidence:  set.PercentConfidence,
		Climate:            set.Climate,
		GroundEpsilon:      set.GroundEpsilon,
		GroundSigma:        set.GroundSigma,
	}
	res, err := propagation.Run(model, svc, s.Lat, s.Lon, az, req)
	if err != nil {
		return 0, err
	}
	dep := DepressionAngleDeg(s.HeightAMSLm, set.ReceiverHeightM, distanceKm)
	erp := s.ERPTowardDBk(az, dep)
	return res.FieldStrengthDBu + erp, nil
}

// DeriveAll runs the full derivation chain used when a source enters a
// scenario: HAAT, then service area. Pattern fallback happens upstream when
// the record loads.
func (s *Source) DeriveAll(svc terrain.Service, set *params.Set, w HAATWindow) error {
	if err := s.DeriveHAAT(svc, w); err != nil {
		return err
	}
	return s.ResolveServiceArea(svc, set)
}
