package propagation

import (
	"fmt"
	"math"

	"rfstudy/terrain"
)

// CurveSet selects a field-strength curve family by time percentile.
type CurveSet int

const (
	CurveF5050 CurveSet = iota // F(50,50): analog service
	CurveF5010                 // F(50,10): interference
	CurveF5090                 // F(50,90): digital service
)

func (c CurveSet) String() string {
	switch c {
	case CurveF5050:
		return "f(50,50)"
	case CurveF5010:
		return "f(50,10)"
	case CurveF5090:
		return "f(50,90)"
	}
	return fmt.Sprintf("curveset(%d)", int(c))
}

// ParseCurveSet maps a CLI/config key to a CurveSet.
func ParseCurveSet(key string) (CurveSet, error) {
	switch key {
	case "f5050", "50":
		return CurveF5050, nil
	case "f5010", "10":
		return CurveF5010, nil
	case "f5090", "90":
		return CurveF5090, nil
	}
	return 0, fmt.Errorf("propagation: unknown curve set %q", key)
}

// CurveSetForPercentTime picks the family whose percentile is nearest.
func CurveSetForPercentTime(pct float64) CurveSet {
	switch {
	case pct <= 30:
		return CurveF5010
	case pct <= 70:
		return CurveF5050
	default:
		return CurveF5090
	}
}

// The curve model's HAAT window and validity limits.
const (
	CurveWindowMinKm = 3.2
	CurveWindowMaxKm = 16.1
	curveMinHAATm    = 30.0
	curveMaxHAATm    = 1600.0
	curveMinDistKm   = 1.0
	curveMaxDistKm   = 500.0
	curveRxHeightM   = 9.0
)

// Per-band horizon excess and beyond-horizon slope. The low-VHF family also
// serves FM.
var curveBandParams = [...]struct {
	horizonExcessDB float64 // excess attenuation accumulated at the radio horizon
	beyondSlopeDBKm float64 // additional attenuation per km beyond the horizon
}{
	BandLowVHF:  {8.0, 0.25},
	BandHighVHF: {10.0, 0.30},
	BandUHF:     {13.0, 0.40},
	BandFM:      {8.0, 0.25},
}

// Advisory error codes shared by the curve and Longley-Rice models.
const (
	ErrCodeNone           = 0
	ErrCodeParamsAdjusted = 1 // inputs clamped into the model's valid range
	ErrCodeDefaulted      = 2 // impossible inputs replaced with defaults
	ErrCodeQuestionable   = 3 // result produced but outside validated range
)

// curveField evaluates the curve family: field strength in dBu at 0 dBk ERP
// for a receiver at the standard 9 m height. Strictly decreasing in distance
// and non-decreasing in HAAT, which the distance/ERP solvers rely on.
func curveField(distanceKm, haatM float64, band Band, set CurveSet) float64 {
	h := haatM
	if h < curveMinHAATm {
		h = curveMinHAATm
	}
	if h > curveMaxHAATm {
		h = curveMaxHAATm
	}
	horizonKm := 4.12 * (math.Sqrt(h) + math.Sqrt(curveRxHeightM))
	p := curveBandParams[band]

	var excess float64
	if distanceKm <= horizonKm {
		r := distanceKm / horizonKm
		excess = p.horizonExcessDB * r * r
	} else {
		excess = p.horizonExcessDB + p.beyondSlopeDBKm*(distanceKm-horizonKm)
	}
	switch set {
	case CurveF5010:
		excess *= 0.75
	case CurveF5090:
		excess *= 1.15
	}
	return freeSpaceConstant - 20*math.Log10(distanceKm) - excess
}

// CurveField is the exported curve lookup with range validation. The HAAT is
// clamped silently (matching chart practice); the distance must be within
// the family's validated span.
func CurveField(distanceKm, haatM float64, band Band, set CurveSet) (float64, error) {
	if distanceKm <= 0 {
		return 0, fmt.Errorf("propagation: curve distance %g km is invalid", distanceKm)
	}
	return curveField(distanceKm, haatM, band, set), nil
}

// CurveDistance solves for the distance at which a 0 dBk ERP transmitter
// produces the given field. The curve is strictly monotone so bisection
// converges; fields stronger than the value at the minimum validated
// distance clamp to that distance.
func CurveDistance(fieldDBu, haatM float64, band Band, set CurveSet) (float64, error) {
	lo, hi := curveMinDistKm, curveMaxDistKm
	if fieldDBu >= curveField(lo, haatM, band, set) {
		return lo, nil
	}
	if fieldDBu <= curveField(hi, haatM, band, set) {
		return hi, nil
	}
	for i := 0; i < 60; i++ {
		mid := (lo + hi) / 2
		if curveField(mid, haatM, band, set) > fieldDBu {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2, nil
}

// CurveERP solves for the ERP in dBk required to produce the target field at
// the given distance.
func CurveERP(targetFieldDBu, distanceKm, haatM float64, band Band, set CurveSet) (float64, error) {
	f, err := CurveField(distanceKm, haatM, band, set)
	if err != nil {
		return 0, err
	}
	return targetFieldDBu - f, nil
}

// Curves is the FCC-style empirical model. It requires a profile spanning
// the average-terrain window so the radial HAAT can be derived at the site.
type Curves struct{}

func (Curves) Name() string { return "fcc-curves" }

func (Curves) RequiredProfile(req Request) ProfileSpec {
	spacing := 0.1
	points := int(CurveWindowMaxKm/spacing+0.5) + 1
	return ProfileSpec{Points: points, DistanceKm: CurveWindowMaxKm, SpacingKm: spacing}
}

func (Curves) Compute(profile *terrain.Profile, req Request) (Result, error) {
	code := ErrCodeNone
	haat := req.HAATm
	if profile != nil {
		avg, err := profile.AverageWindow(CurveWindowMinKm, CurveWindowMaxKm)
		if err != nil {
			return Result{}, fmt.Errorf("propagation: fcc-curves average terrain: %w", err)
		}
		haat = profile.Elevations[0] + req.TransmitterHeightM - avg
	}
	if haat < curveMinHAATm || haat > curveMaxHAATm {
		code = ErrCodeParamsAdjusted
	}
	d := req.DistanceKm
	if d <= 0 {
		return Result{}, fmt.Errorf("propagation: fcc-curves distance %g km is invalid", d)
	}
	if d < curveMinDistKm {
		// Inside the chart floor the free-space value governs.
		return Result{FieldStrengthDBu: FreeSpaceFieldDBu(d), ErrorCode: ErrCodeParamsAdjusted}, nil
	}
	if d > curveMaxDistKm {
		d = curveMaxDistKm
		code = ErrCodeQuestionable
	}
	set := req.CurveSet
	return Result{FieldStrengthDBu: curveField(d, haat, BandForFrequency(req.FrequencyMHz), set), ErrorCode: code}, nil
}

func init() {
	Register(Curves{})
}
