package source

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"

	"rfstudy/geo"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Geography is a fixed service area or explicit point set loaded from a
// geography file.
type Geography struct {
	Name    string            `json:"name"`
	Polygon []GeographyVertex `json:"polygon,omitempty"`
	Points  []GeographyPoint  `json:"points,omitempty"`
}

// GeographyVertex is one polygon vertex.
type GeographyVertex struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// GeographyPoint is one labeled study point with optional receiver
// overrides, used in points mode.
type GeographyPoint struct {
	Label           string  `json:"label"`
	Lat             float64 `json:"lat"`
	Lon             float64 `json:"lon"`
	ReceiverHeightM float64 `json:"receiver_height_m,omitempty"`
	AntennaKey      string  `json:"antenna_key,omitempty"`
}

// LoadGeography reads a geography definition from a JSON file.
func LoadGeography(path string) (*Geography, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("source: read geography %s: %w", path, err)
	}
	var g Geography
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("source: parse geography %s: %w", path, err)
	}
	if len(g.Polygon) == 0 && len(g.Points) == 0 {
		return nil, fmt.Errorf("source: geography %s has neither polygon nor points", path)
	}
	for _, v := range g.Polygon {
		if err := geo.CheckLatLon(v.Lat, v.Lon); err != nil {
			return nil, fmt.Errorf("source: geography %s: %w", path, err)
		}
	}
	for _, p := range g.Points {
		if err := geo.CheckLatLon(p.Lat, p.Lon); err != nil {
			return nil, fmt.Errorf("source: geography %s point %q: %w", path, p.Label, err)
		}
	}
	return &g, nil
}

// Bounds returns the extent of the geography.
func (g *Geography) Bounds() geo.Bounds {
	var b geo.Bounds
	for _, v := range g.Polygon {
		b.Extend(v.Lat, v.Lon)
	}
	for _, p := range g.Points {
		b.Extend(p.Lat, p.Lon)
	}
	return b
}

// ContainsPoint tests the polygon by ray casting. Point-set geographies
// contain nothing; they bypass area semantics.
func (g *Geography) ContainsPoint(lat, lon float64) bool {
	n := len(g.Polygon)
	if n < 3 {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		vi, vj := g.Polygon[i], g.Polygon[j]
		if (vi.Lat > lat) != (vj.Lat > lat) &&
			lon < (vj.Lon-vi.Lon)*(lat-vi.Lat)/(vj.Lat-vi.Lat)+vi.Lon {
			inside = !inside
		}
		j = i
	}
	return inside
}

// serviceArea is the resolved area of one source: a radial-distance table
// for contour types, a polygon for geographies, or a plain radius.
type serviceArea struct {
	areaType AreaType
	// radials holds a contour distance per azimuth step for contour areas,
	// or a single entry for fixed radius.
	radials              []float64
	stepDeg              float64
	geo                  *Geography
	bounds               geo.Bounds
	centerLat, centerLon float64
}

// Bounds returns the service-area extent. Unrestricted areas return an
// empty bounds; the scenario supplies the extent.
func (s *Source) Bounds() geo.Bounds {
	if s.area == nil {
		return geo.Bounds{}
	}
	return s.area.bounds
}

// ContourRadials exposes the projected contour distances (km, indexed by
// azimuth step) for reporting and caching. Nil for non-contour areas.
func (s *Source) ContourRadials() ([]float64, float64) {
	if s.area == nil || (s.area.areaType != AreaContourFCC && s.area.areaType != AreaContourLR) {
		return nil, 0
	}
	return s.area.radials, s.area.stepDeg
}

// InServiceArea reports whether a point lies inside the source's resolved
// service area. Unrestricted areas contain everything.
func (s *Source) InServiceArea(lat, lon float64) bool {
	a := s.area
	if a == nil {
		return false
	}
	switch a.areaType {
	case AreaUnrestricted:
		return true
	case AreaGeography:
		return a.geo.ContainsPoint(lat, lon)
	case AreaFixedRadius:
		return geo.DistanceKm(a.centerLat, a.centerLon, lat, lon) <= a.radials[0]
	default:
		d := geo.DistanceKm(a.centerLat, a.centerLon, lat, lon)
		az := geo.BearingDeg(a.centerLat, a.centerLon, lat, lon)
		idx := int(az/a.stepDeg+0.5) % len(a.radials)
		return d <= a.radials[idx]
	}
}

// RestoreServiceArea installs previously cached contour radials, skipping
// projection. Used by the per-source cache path.
func (s *Source) RestoreServiceArea(radials []float64, stepDeg float64) error {
	if len(radials) == 0 || stepDeg <= 0 {
		return fmt.Errorf("source %s: cached contour is empty", s.Key)
	}
	s.area = contourArea(s, radials, stepDeg)
	s.derivedValid = true
	return nil
}

func contourArea(s *Source, radials []float64, stepDeg float64) *serviceArea {
	a := &serviceArea{
		areaType:  s.AreaType,
		radials:   radials,
		stepDeg:   stepDeg,
		centerLat: s.Lat,
		centerLon: s.Lon,
	}
	for i, d := range radials {
		lat, lon := geo.Destination(s.Lat, s.Lon, float64(i)*stepDeg, d)
		a.bounds.Extend(lat, lon)
	}
	return a
}
