package propagation

import (
	"math"
	"testing"

	"rfstudy/terrain"
)

func TestRegistryDispatch(t *testing.T) {
	for _, name := range []string{"free-space", "fcc-curves", "longley-rice"} {
		m, err := ForKey(name)
		if err != nil {
			t.Fatalf("ForKey(%s): %v", name, err)
		}
		if m.Name() != name {
			t.Fatalf("model name %q != key %q", m.Name(), name)
		}
	}
	if _, err := ForKey("crystal-ball"); err == nil {
		t.Fatal("unknown model should fail")
	}
	if len(Names()) < 3 {
		t.Fatalf("expected at least 3 registered models, got %v", Names())
	}
}

func TestFreeSpaceMonotoneInDistance(t *testing.T) {
	prev := math.Inf(1)
	for d := 0.5; d <= 300; d += 0.7 {
		f := FreeSpaceFieldDBu(d)
		if f > prev {
			t.Fatalf("field increased with distance at %.1f km", d)
		}
		prev = f
	}
}

func TestFreeSpaceKnownValue(t *testing.T) {
	// 1 km at 0 dBk is the reference constant; each distance doubling
	// costs 6.02 dB.
	if got := FreeSpaceFieldDBu(1); math.Abs(got-106.92) > 1e-9 {
		t.Fatalf("field at 1 km = %g", got)
	}
	drop := FreeSpaceFieldDBu(10) - FreeSpaceFieldDBu(20)
	if math.Abs(drop-6.0206) > 0.001 {
		t.Fatalf("doubling drop = %g dB", drop)
	}
}

func TestCurveMonotonicity(t *testing.T) {
	for _, band := range []Band{BandLowVHF, BandHighVHF, BandUHF, BandFM} {
		for _, set := range []CurveSet{CurveF5050, CurveF5010, CurveF5090} {
			prev := math.Inf(1)
			for d := 1.0; d <= 500; d += 1.3 {
				f := curveField(d, 150, band, set)
				if f >= prev {
					t.Fatalf("%v/%v: field not decreasing at %.1f km", band, set, d)
				}
				prev = f
			}
			// Non-decreasing in HAAT at fixed distance.
			prevH := math.Inf(-1)
			for h := 30.0; h <= 1600; h += 50 {
				f := curveField(100, h, band, set)
				if f < prevH {
					t.Fatalf("%v/%v: field decreased with HAAT at %.0f m", band, set, h)
				}
				prevH = f
			}
		}
	}
}

func TestCurveInterferenceExceedsService(t *testing.T) {
	// F(50,10) must sit above F(50,50), which sits above F(50,90), with the
	// gap growing past the horizon.
	for d := 5.0; d <= 400; d *= 2 {
		f50 := curveField(d, 300, BandUHF, CurveF5050)
		f10 := curveField(d, 300, BandUHF, CurveF5010)
		f90 := curveField(d, 300, BandUHF, CurveF5090)
		if !(f10 >= f50 && f50 >= f90) {
			t.Fatalf("family ordering broken at %.0f km: %g %g %g", d, f10, f50, f90)
		}
	}
}

func TestCurveDistanceERPInverse(t *testing.T) {
	bands := []Band{BandLowVHF, BandHighVHF, BandUHF, BandFM}
	sets := []CurveSet{CurveF5050, CurveF5010, CurveF5090}
	haats := []float64{30, 100, 300, 600, 1200}
	contours := []float64{28, 41, 54, 64}
	for _, band := range bands {
		for _, set := range sets {
			for _, haat := range haats {
				for _, contour := range contours {
					erp := 10.0 // dBk
					d, err := CurveDistance(contour-erp, haat, band, set)
					if err != nil {
						t.Fatalf("distance solve: %v", err)
					}
					if d <= curveMinDistKm || d >= curveMaxDistKm {
						continue // clamped, inverse not defined
					}
					erpBack, err := CurveERP(contour, d, haat, band, set)
					if err != nil {
						t.Fatalf("erp solve: %v", err)
					}
					if math.Abs(erpBack-erp) > 0.001 {
						t.Fatalf("band %v set %v haat %g contour %g: erp %.4f != %.4f",
							band, set, haat, contour, erpBack, erp)
					}
				}
			}
		}
	}
}

func TestCurvesComputeDerivesHAATFromProfile(t *testing.T) {
	// Site at 500 m on a 200 m plain: HAAT should be siteElev+height-200.
	elevs := make([]float64, 162)
	for i := range elevs {
		elevs[i] = 200
	}
	elevs[0] = 500
	profile := &terrain.Profile{Elevations: elevs, SpacingKm: 0.1}
	res, err := Curves{}.Compute(profile, Request{
		TransmitterHeightM: 100,
		DistanceKm:         50,
		FrequencyMHz:       605,
		CurveSet:           CurveF5050,
	})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	want := curveField(50, 400, BandUHF, CurveF5050)
	if math.Abs(res.FieldStrengthDBu-want) > 1e-9 {
		t.Fatalf("field %g, want %g", res.FieldStrengthDBu, want)
	}
	if res.ErrorCode != ErrCodeNone {
		t.Fatalf("unexpected error code %d", res.ErrorCode)
	}
}

func TestLongleyRiceFlatVsObstructed(t *testing.T) {
	flat := make([]float64, 301)
	obstructed := make([]float64, 301)
	for i := range obstructed {
		obstructed[i] = 0
	}
	// A 300 m ridge halfway along the path.
	for i := 145; i <= 155; i++ {
		obstructed[i] = 300
	}
	req := Request{
		TransmitterHeightM: 150,
		ReceiverHeightM:    9,
		DistanceKm:         30,
		FrequencyMHz:       605,
		PercentTime:        50,
		PercentLocation:    50,
		PercentConfidence:  50,
		Climate:            5,
	}
	fRes, err := LongleyRice{}.Compute(&terrain.Profile{Elevations: flat, SpacingKm: 0.1}, req)
	if err != nil {
		t.Fatalf("flat compute: %v", err)
	}
	oRes, err := LongleyRice{}.Compute(&terrain.Profile{Elevations: obstructed, SpacingKm: 0.1}, req)
	if err != nil {
		t.Fatalf("obstructed compute: %v", err)
	}
	if oRes.FieldStrengthDBu >= fRes.FieldStrengthDBu {
		t.Fatalf("ridge did not attenuate: flat %g, obstructed %g",
			fRes.FieldStrengthDBu, oRes.FieldStrengthDBu)
	}
	if fRes.FieldStrengthDBu > FreeSpaceFieldDBu(30)+1e-9 {
		t.Fatalf("median field %g exceeds free space %g", fRes.FieldStrengthDBu, FreeSpaceFieldDBu(30))
	}
}

func TestLongleyRiceTimePercentileOrdering(t *testing.T) {
	elevs := make([]float64, 601)
	profile := &terrain.Profile{Elevations: elevs, SpacingKm: 0.1}
	base := Request{
		TransmitterHeightM: 100,
		ReceiverHeightM:    9,
		DistanceKm:         60,
		FrequencyMHz:       195,
		PercentLocation:    50,
		PercentConfidence:  50,
		Climate:            5,
	}
	field := func(pct float64) float64 {
		req := base
		req.PercentTime = pct
		res, err := LongleyRice{}.Compute(profile, req)
		if err != nil {
			t.Fatalf("compute at %g%%: %v", pct, err)
		}
		return res.FieldStrengthDBu
	}
	f10, f50, f90 := field(10), field(50), field(90)
	if !(f10 >= f50 && f50 >= f90) {
		t.Fatalf("time percentile ordering broken: %g %g %g", f10, f50, f90)
	}
}

func TestRunFetchesProfile(t *testing.T) {
	svc := terrain.Flat(100)
	res, err := Run(LongleyRice{}, svc, 40, -105, 90, Request{
		TransmitterHeightM: 100,
		ReceiverHeightM:    9,
		DistanceKm:         20,
		FrequencyMHz:       605,
		PercentTime:        50, PercentLocation: 50, PercentConfidence: 50,
		Climate: 5,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FieldStrengthDBu > FreeSpaceFieldDBu(20) || res.FieldStrengthDBu < FreeSpaceFieldDBu(20)-80 {
		t.Fatalf("implausible field %g", res.FieldStrengthDBu)
	}

	// Terrain gap mid-path is fatal for the point.
	gap := &terrain.MemService{
		Elevation: func(lat, lon float64) (float64, error) {
			if lon > -104.95 {
				return 0, terrain.ErrNoData
			}
			return 100, nil
		},
	}
	if _, err := Run(LongleyRice{}, gap, 40, -105, 90, Request{
		TransmitterHeightM: 100, ReceiverHeightM: 9, DistanceKm: 40,
		FrequencyMHz: 605, PercentTime: 50, PercentLocation: 50,
		PercentConfidence: 50, Climate: 5,
	}); err == nil {
		t.Fatal("profile gap should be fatal")
	}
}

func TestDipoleAdjustment(t *testing.T) {
	adj, err := DipoleAdjustmentDB(615, 615)
	if err != nil || adj != 0 {
		t.Fatalf("reference frequency adjustment = %g, %v", adj, err)
	}
	lower, _ := DipoleAdjustmentDB(470, 615)
	upper, _ := DipoleAdjustmentDB(800, 615)
	if lower <= 0 || upper >= 0 {
		t.Fatalf("adjustment signs wrong: %g %g", lower, upper)
	}
	if _, err := DipoleAdjustmentDB(-1, 615); err == nil {
		t.Fatal("negative frequency should fail")
	}
}

func TestNormalDeviate(t *testing.T) {
	if z := normalDeviate(0.5); math.Abs(z) > 0.001 {
		t.Fatalf("median deviate = %g", z)
	}
	if z := normalDeviate(0.1); math.Abs(z+1.2816) > 0.005 {
		t.Fatalf("10%% deviate = %g", z)
	}
	if z := normalDeviate(0.9); math.Abs(z-1.2816) > 0.005 {
		t.Fatalf("90%% deviate = %g", z)
	}
}
