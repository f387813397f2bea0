// Package params holds the resolved numeric and enumerated study parameters
// consumed by every engine component: contour levels, curve selections,
// statistical percentiles, clutter adjustments, culling distances, and the
// interference-rule knobs. A Set is immutable once a run starts.
package params

import (
	"fmt"

	"rfstudy/propagation"
	"rfstudy/strutil"
	"rfstudy/terrain"
)

// Country partitions accumulation totals and parameter values.
type Country int

const (
	CountryUS Country = iota
	CountryCA
	CountryMX
	CountryCount
)

var countryNames = [...]string{"US", "CA", "MX"}

func (c Country) String() string {
	if c < 0 || int(c) >= len(countryNames) {
		return fmt.Sprintf("country(%d)", int(c))
	}
	return countryNames[c]
}

// ParseCountry maps a record value to a Country.
func ParseCountry(key string) (Country, error) {
	switch strutil.NormalizeUpper(key) {
	case "US", "USA":
		return CountryUS, nil
	case "CA", "CAN":
		return CountryCA, nil
	case "MX", "MEX":
		return CountryMX, nil
	}
	return 0, fmt.Errorf("params: unknown country %q", key)
}

// Service identifies the broadcast service class of a source.
type Service int

const (
	ServiceTVFull Service = iota
	ServiceTVLowPower
	ServiceDTV
	ServiceFM
	ServiceCount
)

var serviceNames = [...]string{"tv", "tv-lp", "dtv", "fm"}

func (s Service) String() string {
	if s < 0 || int(s) >= len(serviceNames) {
		return fmt.Sprintf("service(%d)", int(s))
	}
	return serviceNames[s]
}

// ParseService maps a record value to a Service.
func ParseService(key string) (Service, error) {
	for i, name := range serviceNames {
		if name == strutil.NormalizeLower(key) {
			return Service(i), nil
		}
	}
	return 0, fmt.Errorf("params: unknown service %q", key)
}

// Zone is the FCC zone of a facility, used by culling-distance rows.
type Zone int

const (
	ZoneI Zone = iota
	ZoneII
	ZoneIII
	ZoneCount
)

// ErrorPolicy says how a point with a propagation-model advisory error is
// tallied.
type ErrorPolicy int

const (
	// ErrorPolicyUnserved counts the point in the error bucket and treats
	// it as not served.
	ErrorPolicyUnserved ErrorPolicy = iota
	// ErrorPolicyServed counts the point in the error bucket but still
	// credits service if the field clears the threshold.
	ErrorPolicyServed
	// ErrorPolicyIgnore treats the advisory code as if it were clean.
	ErrorPolicyIgnore
)

// ParseErrorPolicy maps a config key to an ErrorPolicy.
func ParseErrorPolicy(key string) (ErrorPolicy, error) {
	switch strutil.NormalizeLower(key) {
	case "unserved":
		return ErrorPolicyUnserved, nil
	case "served":
		return ErrorPolicyServed, nil
	case "ignore":
		return ErrorPolicyIgnore, nil
	}
	return 0, fmt.Errorf("params: unknown error policy %q", key)
}

// CullRow is one row of the culling-distance table: the maximum distance at
// which an undesired source up to the ERP ceiling can cause interference.
type CullRow struct {
	Band       propagation.Band
	Zone       Zone
	MaxERPdBk  float64 // row applies to undesired ERP at or below this
	DistanceKm float64
}

// Set is the resolved parameter set for one study. Values are keyed by
// country and service where the rules differ; a missing override falls
// through to the US value.
type Set struct {
	// ContourLevelDBu is the nominal service contour level per country,
	// service and band.
	ContourLevelDBu [CountryCount][ServiceCount][4]float64
	// ServiceThresholdDBu is the field above which a point counts as
	// served; usually equal to the contour level for analog, lower margins
	// for digital.
	ServiceThresholdDBu [CountryCount][ServiceCount][4]float64
	// CurveSetDesired/Undesired select the curve family for contour and
	// interference projection.
	CurveSetDesired   propagation.CurveSet
	CurveSetUndesired propagation.CurveSet
	// ClutterAdjustmentDB is added to a computed field per land-cover
	// category and band.
	ClutterAdjustmentDB [terrain.CategoryCount][4]float64

	// Statistical defaults for terrain-sensitive models.
	PercentTime       float64
	PercentLocation   float64
	PercentConfidence float64
	Climate           int
	GroundEpsilon     float64
	GroundSigma       float64

	// CullTable is sorted by band, zone, ascending ERP ceiling. SafetyZoneKm,
	// when positive, overrides the table entirely.
	CullTable    []CullRow
	SafetyZoneKm float64

	// MaxRequiredDU caps rule D/U values; extreme ratios ramp toward this
	// cap rather than exceeding it.
	MaxRequiredDU float64

	// DTS self-interference timing windows in microseconds.
	DTSLeadMicroseconds float64
	DTSLagMicroseconds  float64
	// DTSRelaxedDUdB replaces the matched rule D/U for in-group pairs whose
	// arrival offset falls outside the window.
	DTSRelaxedDUdB float64

	ReceiverHeightM float64
	ErrorPolicy     ErrorPolicy
}

// Defaults returns a Set with working values for tests and CLI runs.
func Defaults() *Set {
	s := &Set{
		CurveSetDesired:     propagation.CurveF5050,
		CurveSetUndesired:   propagation.CurveF5010,
		PercentTime:         50,
		PercentLocation:     50,
		PercentConfidence:   50,
		Climate:             5,
		GroundEpsilon:       15,
		GroundSigma:         0.005,
		MaxRequiredDU:       45,
		DTSLeadMicroseconds: 25,
		DTSLagMicroseconds:  45,
		DTSRelaxedDUdB:      10,
		ReceiverHeightM:     9,
		ErrorPolicy:         ErrorPolicyUnserved,
	}
	// Analog TV contour levels per band (low-VHF, high-VHF, UHF, FM slot).
	levels := [4]float64{47, 56, 64, 60}
	digital := [4]float64{28, 36, 41, 60}
	for c := Country(0); c < CountryCount; c++ {
		s.ContourLevelDBu[c][ServiceTVFull] = levels
		s.ContourLevelDBu[c][ServiceTVLowPower] = levels
		s.ContourLevelDBu[c][ServiceDTV] = digital
		s.ContourLevelDBu[c][ServiceFM] = [4]float64{60, 60, 60, 60}
		s.ServiceThresholdDBu[c] = s.ContourLevelDBu[c]
	}
	// Clutter adjustments in dB per category, per band.
	s.ClutterAdjustmentDB[terrain.CategoryForest] = [4]float64{-1, -2, -4, -1.5}
	s.ClutterAdjustmentDB[terrain.CategoryUrban] = [4]float64{-2, -4, -7, -3}
	s.ClutterAdjustmentDB[terrain.CategorySuburban] = [4]float64{-1, -2, -4, -1.5}
	s.ClutterAdjustmentDB[terrain.CategoryWater] = [4]float64{1, 1, 2, 1}

	s.CullTable = []CullRow{
		{propagation.BandLowVHF, ZoneI, 10, 250}, {propagation.BandLowVHF, ZoneI, 20, 280},
		{propagation.BandLowVHF, ZoneII, 10, 280}, {propagation.BandLowVHF, ZoneII, 20, 320},
		{propagation.BandHighVHF, ZoneI, 10, 220}, {propagation.BandHighVHF, ZoneI, 20, 250},
		{propagation.BandHighVHF, ZoneII, 10, 250}, {propagation.BandHighVHF, ZoneII, 20, 280},
		{propagation.BandUHF, ZoneI, 17, 200}, {propagation.BandUHF, ZoneI, 30, 230},
		{propagation.BandUHF, ZoneII, 17, 220}, {propagation.BandUHF, ZoneII, 30, 250},
		{propagation.BandFM, ZoneI, 20, 240}, {propagation.BandFM, ZoneII, 20, 270},
	}
	return s
}

// ContourLevel returns the contour level for a source class.
func (s *Set) ContourLevel(c Country, svc Service, band propagation.Band) (float64, error) {
	if c < 0 || c >= CountryCount || svc < 0 || svc >= ServiceCount {
		return 0, fmt.Errorf("params: contour level lookup out of range (%v, %v)", c, svc)
	}
	return s.ContourLevelDBu[c][svc][band], nil
}

// ServiceThreshold returns the served-field threshold for a source class.
func (s *Set) ServiceThreshold(c Country, svc Service, band propagation.Band) (float64, error) {
	if c < 0 || c >= CountryCount || svc < 0 || svc >= ServiceCount {
		return 0, fmt.Errorf("params: service threshold lookup out of range (%v, %v)", c, svc)
	}
	return s.ServiceThresholdDBu[c][svc][band], nil
}

// ClutterAdjustment returns the dB adjustment for a land-cover category.
func (s *Set) ClutterAdjustment(cat terrain.Category, band propagation.Band) float64 {
	if cat < 0 || int(cat) >= terrain.CategoryCount {
		return 0
	}
	return s.ClutterAdjustmentDB[cat][band]
}

// CullingDistance resolves the maximum interference distance for an
// undesired source. The safety-zone override wins when configured; otherwise
// the first table row at or above the ERP applies, and an ERP above every
// ceiling takes the band/zone's largest row.
func (s *Set) CullingDistance(band propagation.Band, zone Zone, erpDBk float64) float64 {
	if s.SafetyZoneKm > 0 {
		return s.SafetyZoneKm
	}
	best := 0.0
	for _, row := range s.CullTable {
		if row.Band != band || row.Zone != zone {
			continue
		}
		if erpDBk <= row.MaxERPdBk {
			return row.DistanceKm
		}
		if row.DistanceKm > best {
			best = row.DistanceKm
		}
	}
	if best > 0 {
		return best
	}
	// No row for the band/zone; fall back to the largest distance anywhere
	// in the table so missing rows fail open rather than culling wrongly.
	for _, row := range s.CullTable {
		if row.DistanceKm > best {
			best = row.DistanceKm
		}
	}
	return best
}

// CapRequiredDU ramps extreme rule D/U values toward the configured cap: the
// portion above the cap is halved, then hard-limited at cap+5 dB.
func (s *Set) CapRequiredDU(du float64) float64 {
	if s.MaxRequiredDU <= 0 || du <= s.MaxRequiredDU {
		return du
	}
	ramped := s.MaxRequiredDU + (du-s.MaxRequiredDU)/2
	if ramped > s.MaxRequiredDU+5 {
		ramped = s.MaxRequiredDU + 5
	}
	return ramped
}
