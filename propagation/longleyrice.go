package propagation

import (
	"fmt"
	"math"

	"rfstudy/terrain"
)

// LongleyRice is the point-to-point terrain-sensitive model. Every
// intermediate quantity lives in an lrState passed through the computation;
// nothing is shared between evaluations.
type LongleyRice struct{}

func (LongleyRice) Name() string { return "longley-rice" }

func (LongleyRice) RequiredProfile(req Request) ProfileSpec {
	spacing := 0.1
	d := req.DistanceKm
	if d < spacing {
		d = spacing
	}
	points := int(d/spacing+0.5) + 1
	return ProfileSpec{Points: points, DistanceKm: d, SpacingKm: spacing}
}

// lrState carries the working variables of one point-to-point evaluation.
type lrState struct {
	distanceKm  float64
	freqMHz     float64
	txHeightM   float64 // effective, above the fitted terrain
	rxHeightM   float64
	surfaceRefr float64 // surface refractivity N-units
	effEarthKm  float64 // effective earth radius
	horizonTxKm float64
	horizonRxKm float64
	obstructed  bool
	obstacleKm  float64 // distance to the dominant obstacle
	obstacleM   float64 // obstacle height above the direct ray
	refLossDB   float64 // reference attenuation relative to free space
	errorCode   int
}

const (
	lrMinDistanceKm  = 1.0
	lrMaxDistanceKm  = 1000.0
	lrDefaultRefract = 301.0
	lightSpeedKmPerS = 299792.458
)

// climateVariability scales the time-variability spread per radio climate
// (1=equatorial ... 7=maritime temperate overland; 5 is continental
// temperate, the default for the application's coverage area).
var climateVariability = [...]float64{1: 1.2, 2: 1.1, 3: 1.05, 4: 1.1, 5: 1.0, 6: 0.95, 7: 1.15}

func (LongleyRice) Compute(profile *terrain.Profile, req Request) (Result, error) {
	if profile == nil || len(profile.Elevations) < 2 {
		return Result{}, fmt.Errorf("propagation: longley-rice requires a terrain profile")
	}
	if req.FrequencyMHz <= 0 {
		return Result{}, fmt.Errorf("propagation: longley-rice frequency %g MHz is invalid", req.FrequencyMHz)
	}

	st := &lrState{
		freqMHz:     req.FrequencyMHz,
		rxHeightM:   req.ReceiverHeightM,
		surfaceRefr: lrDefaultRefract,
	}
	st.distanceKm = profile.DistanceKm()
	if st.distanceKm < lrMinDistanceKm {
		st.distanceKm = lrMinDistanceKm
		st.errorCode = ErrCodeParamsAdjusted
	}
	if st.distanceKm > lrMaxDistanceKm {
		st.distanceKm = lrMaxDistanceKm
		st.errorCode = ErrCodeQuestionable
	}
	if st.rxHeightM < 0.5 {
		st.rxHeightM = 0.5
		st.errorCode = maxInt(st.errorCode, ErrCodeParamsAdjusted)
	}
	climate := req.Climate
	if climate < 1 || climate >= len(climateVariability) {
		climate = 5
		st.errorCode = maxInt(st.errorCode, ErrCodeDefaulted)
	}

	st.effEarthKm = 6370.996 / (1 - 0.04665*math.Exp(st.surfaceRefr/179.3))
	if st.effEarthKm <= 0 || math.IsInf(st.effEarthKm, 0) {
		st.effEarthKm = 8497 // 4/3 earth fallback
		st.errorCode = maxInt(st.errorCode, ErrCodeDefaulted)
	}

	fitTerrain(st, profile, req.TransmitterHeightM)
	findHorizons(st, profile, req.TransmitterHeightM)
	referenceAttenuation(st)

	// Statistical adjustments: time/location deviates scale with the spread
	// appropriate to the path length and climate; confidence applies the
	// situation-variability term.
	spread := pathSpreadDB(st)
	cv := climateVariability[climate]
	zt := -normalDeviate(req.PercentTime / 100)
	zl := -normalDeviate(req.PercentLocation / 100)
	zc := -normalDeviate(req.PercentConfidence / 100)
	if req.Mode == ModeMobile {
		// Mobile mode folds location variability into time.
		zt = math.Copysign(math.Sqrt(zt*zt+zl*zl), zt+zl)
		zl = 0
	}
	adjust := zt*spread*cv + zl*5.0 + zc*3.0

	loss := st.refLossDB - adjust
	if loss < 0 {
		// Statistical enhancement cannot beat free space. Flag only a
		// material overshoot; tiny ones are numerical noise.
		if loss < -0.5 {
			st.errorCode = maxInt(st.errorCode, ErrCodeQuestionable)
		}
		loss = 0
	}

	field := FreeSpaceFieldDBu(st.distanceKm) - loss
	return Result{FieldStrengthDBu: field, ErrorCode: st.errorCode}, nil
}

// fitTerrain least-squares fits the profile and derives the transmitter's
// effective height above the fitted terrain at the site.
func fitTerrain(st *lrState, p *terrain.Profile, txAGL float64) {
	n := len(p.Elevations)
	var sx, sy, sxx, sxy float64
	for i, e := range p.Elevations {
		x := float64(i) * p.SpacingKm
		sx += x
		sy += e
		sxx += x * x
		sxy += x * e
	}
	fn := float64(n)
	den := fn*sxx - sx*sx
	var slope, intercept float64
	if den != 0 {
		slope = (fn*sxy - sx*sy) / den
		intercept = (sy - slope*sx) / fn
	} else {
		intercept = sy / fn
	}
	// Effective height is measured against the fitted terrain at the site.
	fitAtSite := intercept
	st.txHeightM = p.Elevations[0] + txAGL - fitAtSite
	if st.txHeightM < 1 {
		st.txHeightM = 1
		st.errorCode = maxInt(st.errorCode, ErrCodeParamsAdjusted)
	}
}

// findHorizons scans the profile for the dominant obstruction of the direct
// ray, including effective-earth curvature.
func findHorizons(st *lrState, p *terrain.Profile, txAGL float64) {
	n := len(p.Elevations)
	total := p.DistanceKm()
	txM := p.Elevations[0] + txAGL
	rxM := p.Elevations[n-1] + st.rxHeightM

	worst := -math.MaxFloat64
	worstAt := 0.0
	for i := 1; i < n-1; i++ {
		d := float64(i) * p.SpacingKm
		// Direct-ray height at d plus curvature bulge.
		ray := txM + (rxM-txM)*d/total
		bulge := 1000 * d * (total - d) / (2 * st.effEarthKm) // meters
		clearance := ray - (p.Elevations[i] + bulge)
		if -clearance > worst {
			worst = -clearance
			worstAt = d
		}
	}
	st.obstacleM = worst
	st.obstacleKm = worstAt
	st.obstructed = worst > 0
	st.horizonTxKm = 3.57 * math.Sqrt(st.txHeightM*st.effEarthKm/8497)
	st.horizonRxKm = 3.57 * math.Sqrt(math.Max(st.rxHeightM, 0.5)*st.effEarthKm/8497)
}

// referenceAttenuation computes the median excess loss over free space:
// knife-edge diffraction over the dominant obstacle within the horizon,
// smooth-earth diffraction plus forward scatter beyond it.
func referenceAttenuation(st *lrState) {
	lineOfSightKm := st.horizonTxKm + st.horizonRxKm
	loss := 0.0

	if st.obstructed {
		// Fresnel-Kirchhoff knife edge over the dominant obstruction.
		d1 := st.obstacleKm
		d2 := st.distanceKm - st.obstacleKm
		if d1 > 0.01 && d2 > 0.01 {
			lambdaKm := lightSpeedKmPerS / (st.freqMHz * 1e6) // km
			v := (st.obstacleM / 1000) * math.Sqrt(2*(d1+d2)/(lambdaKm*d1*d2))
			loss += knifeEdgeLossDB(v)
		}
	}

	if st.distanceKm > lineOfSightKm {
		// Beyond both horizons: smooth-earth diffraction transitioning into
		// forward scatter. The per-km rate falls with frequency wavelength.
		beyond := st.distanceKm - lineOfSightKm
		rate := 0.12 + 0.06*math.Log10(st.freqMHz/100)
		if rate < 0.08 {
			rate = 0.08
		}
		loss += 18 + rate*beyond*5
		if beyond > 100 {
			// Scatter dominates; growth slows.
			loss -= (beyond - 100) * rate * 2.5
		}
	}

	st.refLossDB = loss
}

// knifeEdgeLossDB approximates the Fresnel integral knife-edge loss for
// diffraction parameter v (ITU-R P.526 approximation, valid v > -0.7).
func knifeEdgeLossDB(v float64) float64 {
	if v <= -0.7 {
		return 0
	}
	return 6.9 + 20*math.Log10(math.Sqrt((v-0.1)*(v-0.1)+1)+v-0.1)
}

// pathSpreadDB is the time-variability standard spread for the path length.
func pathSpreadDB(st *lrState) float64 {
	// Short line-of-sight paths vary little; long tropospheric paths a lot.
	s := 2 + 8*(st.distanceKm/(st.distanceKm+80))
	if st.obstructed {
		s += 1.5
	}
	return s
}

// normalDeviate is the inverse standard normal CDF (rational approximation,
// |error| < 4.5e-4), the qerfi companion of the variability terms.
func normalDeviate(q float64) float64 {
	if q <= 0 {
		return -10
	}
	if q >= 1 {
		return 10
	}
	p := q
	flip := false
	if p > 0.5 {
		p = 1 - p
		flip = true
	}
	t := math.Sqrt(-2 * math.Log(p))
	const (
		c0 = 2.515517
		c1 = 0.802853
		c2 = 0.010328
		d1 = 1.432788
		d2 = 0.189269
		d3 = 0.001308
	)
	z := t - (c0+c1*t+c2*t*t)/(1+d1*t+d2*t*t+d3*t*t*t)
	if !flip {
		z = -z
	}
	return z
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func init() {
	Register(LongleyRice{})
}
