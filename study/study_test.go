package study

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"rfstudy/cache"
	"rfstudy/config"
	"rfstudy/geo"
	"rfstudy/grid"
	"rfstudy/params"
	"rfstudy/propagation"
	"rfstudy/source"
	"rfstudy/terrain"
)

func studySource(key string, lat, lon, erpDBk float64) *source.Source {
	return &source.Source{
		Key:          key,
		CallSign:     "K" + key,
		Service:      params.ServiceTVFull,
		Channel:      20,
		FrequencyMHz: 509,
		Country:      params.CountryUS,
		Zone:         params.ZoneII,
		Lat:          lat,
		Lon:          lon,
		HeightAGLm:   200,
		ERPdBk:       erpDBk,
		AreaType:     source.AreaContourFCC,
	}
}

func freeSpace(t *testing.T) propagation.Model {
	t.Helper()
	m, err := propagation.ForKey("free-space")
	if err != nil {
		t.Fatalf("free-space model: %v", err)
	}
	return m
}

func prepareRun(t *testing.T, sources []*source.Source, cellKm float64, store *cache.Store) (*RunContext, *grid.Grid) {
	t.Helper()
	cfg := config.Default()
	set := params.Defaults()
	svc := terrain.Flat(0)

	// Geometry first so the grid has bounds to build from.
	for _, s := range sources {
		if err := s.DeriveAll(svc, set, source.DefaultHAATWindow()); err != nil {
			t.Fatalf("derive %s: %v", s.Key, err)
		}
	}
	g, err := grid.BuildLocal(sources[:1], cellKm)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	rc, err := NewRunContext(cfg, set, sources, g, svc, freeSpace(t))
	if err != nil {
		t.Fatalf("run context: %v", err)
	}
	rc.Cache = store
	if err := rc.Prepare(context.Background(), source.DefaultRules()); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return rc, g
}

func TestSingleDesiredFreeSpaceScenario(t *testing.T) {
	d := studySource("100", 40, -105, 10)
	rc, g := prepareRun(t, []*source.Source{d}, 2.0, nil)

	// 1,000 people in a ring just outside the contour, none inside.
	radials, _ := d.ContourRadials()
	radius := 0.0
	for _, r := range radials {
		radius = math.Max(radius, r)
	}
	var pop []grid.PopulationPoint
	for _, az := range []float64{30, 60, 120, 150, 210, 240, 300, 330} {
		lat, lon := geo.Destination(d.Lat, d.Lon, az, radius+5)
		pop = append(pop, grid.PopulationPoint{
			Lat: lat, Lon: lon, Population: 125, Households: 50, Country: params.CountryUS,
		})
	}
	if err := g.AggregatePopulation(pop); err != nil {
		t.Fatalf("population: %v", err)
	}
	if got := g.TotalPopulation(); got != 1000 {
		t.Fatalf("aggregated population = %d, want 1000", got)
	}

	sum, err := rc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	dt := sum.Lookup("100").DesiredSum()
	if dt.Contour.AreaKm2 <= 0 {
		t.Fatal("contour area should be positive")
	}
	// Free space over a ~75 km contour clears the threshold everywhere.
	if dt.Served.Count != dt.Contour.Count {
		t.Fatalf("served %d of %d contour points", dt.Served.Count, dt.Contour.Count)
	}
	if dt.Served.Population != 0 {
		t.Fatalf("ring population leaked into service: %d", dt.Served.Population)
	}
	if dt.Error.Count != 0 || sum.ModelErrors != 0 {
		t.Fatalf("unexpected errors: bucket=%d counter=%d", dt.Error.Count, sum.ModelErrors)
	}
	// No undesireds: every served point is interference-free.
	if dt.InterferenceFree.Count != dt.Served.Count {
		t.Fatalf("ix-free %d != served %d", dt.InterferenceFree.Count, dt.Served.Count)
	}
}

func totalIXArea(t *testing.T, undesiredERP float64) float64 {
	t.Helper()
	d := studySource("200", 40, -105, 10)
	u := studySource("201", 40.9, -105, undesiredERP)
	rc, _ := prepareRun(t, []*source.Source{d, u}, 4.0, nil)

	if len(d.Undesireds) != 1 {
		t.Fatalf("undesired list = %d links, want 1", len(d.Undesireds))
	}
	sum, err := rc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	ut := sum.Lookup("201")
	if ut == nil {
		return 0
	}
	u2 := ut.UndesiredSum()
	if u2.UniqueIX.Count != u2.TotalIX.Count {
		// One undesired in the scenario: every hit is a sole cause.
		t.Fatalf("unique %d != total %d with a single undesired", u2.UniqueIX.Count, u2.TotalIX.Count)
	}
	return u2.TotalIX.AreaKm2
}

func TestInterferenceMonotonicInUndesiredERP(t *testing.T) {
	low := totalIXArea(t, 0)
	high := totalIXArea(t, 15)
	if high < low {
		t.Fatalf("ix area fell from %g to %g as undesired erp rose", low, high)
	}
	if high <= 0 {
		t.Fatal("strong co-channel undesired should cause some interference")
	}
}

type failingModel struct{}

func (failingModel) Name() string { return "failing" }
func (failingModel) RequiredProfile(propagation.Request) propagation.ProfileSpec {
	return propagation.ProfileSpec{}
}
func (failingModel) Compute(*terrain.Profile, propagation.Request) (propagation.Result, error) {
	return propagation.Result{}, errors.New("failing: no result")
}

func TestErrorPolicyRoutesPointsToErrorBucket(t *testing.T) {
	d := studySource("300", 40, -105, 10)
	cfg := config.Default()
	set := params.Defaults()
	svc := terrain.Flat(0)
	if err := d.DeriveAll(svc, set, source.DefaultHAATWindow()); err != nil {
		t.Fatalf("derive: %v", err)
	}
	g, err := grid.BuildLocal([]*source.Source{d}, 4.0)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	rc, err := NewRunContext(cfg, set, []*source.Source{d}, g, svc, failingModel{})
	if err != nil {
		t.Fatalf("run context: %v", err)
	}
	if err := rc.Prepare(context.Background(), nil); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	sum, err := rc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	dt := sum.Lookup("300").DesiredSum()
	if dt.Contour.Count == 0 {
		t.Fatal("contour bucket empty")
	}
	// Default policy is unserved: every point errors, nothing is served.
	if dt.Error.Count != dt.Contour.Count || dt.Served.Count != 0 {
		t.Fatalf("error policy misrouted: %+v", dt)
	}
	if sum.ModelErrors == 0 {
		t.Fatal("model errors not counted")
	}
}

type advisoryModel struct{}

func (advisoryModel) Name() string { return "advisory" }
func (advisoryModel) RequiredProfile(propagation.Request) propagation.ProfileSpec {
	return propagation.ProfileSpec{}
}
func (advisoryModel) Compute(*terrain.Profile, propagation.Request) (propagation.Result, error) {
	// Strong field, questionable path: the value is usable, the code is not
	// clean.
	return propagation.Result{FieldStrengthDBu: 120, ErrorCode: propagation.ErrCodeQuestionable}, nil
}

func runWithAdvisoryModel(t *testing.T, policy params.ErrorPolicy) *Summary {
	t.Helper()
	d := studySource("310", 40, -105, 10)
	cfg := config.Default()
	set := params.Defaults()
	set.ErrorPolicy = policy
	svc := terrain.Flat(0)
	if err := d.DeriveAll(svc, set, source.DefaultHAATWindow()); err != nil {
		t.Fatalf("derive: %v", err)
	}
	g, err := grid.BuildLocal([]*source.Source{d}, 4.0)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	rc, err := NewRunContext(cfg, set, []*source.Source{d}, g, svc, advisoryModel{})
	if err != nil {
		t.Fatalf("run context: %v", err)
	}
	if err := rc.Prepare(context.Background(), nil); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	sum, err := rc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return sum
}

func TestAdvisoryCodeRoutesThroughErrorPolicy(t *testing.T) {
	// unserved: every advisory point lands in the error bucket, none served.
	sum := runWithAdvisoryModel(t, params.ErrorPolicyUnserved)
	dt := sum.Lookup("310").DesiredSum()
	if dt.Contour.Count == 0 {
		t.Fatal("contour bucket empty")
	}
	if dt.Error.Count != dt.Contour.Count || dt.Served.Count != 0 {
		t.Fatalf("unserved policy misrouted advisories: %+v", dt)
	}
	if sum.ModelErrors == 0 {
		t.Fatal("advisory codes not counted")
	}

	// served: the error bucket fills but the strong field still serves.
	sum = runWithAdvisoryModel(t, params.ErrorPolicyServed)
	dt = sum.Lookup("310").DesiredSum()
	if dt.Error.Count != dt.Contour.Count || dt.Served.Count != dt.Contour.Count {
		t.Fatalf("served policy misrouted advisories: %+v", dt)
	}

	// ignore: buckets stay clean, the counter still records the codes.
	sum = runWithAdvisoryModel(t, params.ErrorPolicyIgnore)
	dt = sum.Lookup("310").DesiredSum()
	if dt.Error.Count != 0 || dt.Served.Count != dt.Contour.Count {
		t.Fatalf("ignore policy misrouted advisories: %+v", dt)
	}
	if sum.ModelErrors == 0 {
		t.Fatal("ignored advisory codes should still be counted")
	}
}

func thresholdIXCount(t *testing.T, thresholdDBu float64) int64 {
	t.Helper()
	d := studySource("210", 40, -105, 10)
	u := studySource("211", 40.9, -105, 15)
	cfg := config.Default()
	set := params.Defaults()
	svc := terrain.Flat(0)
	for _, s := range []*source.Source{d, u} {
		if err := s.DeriveAll(svc, set, source.DefaultHAATWindow()); err != nil {
			t.Fatalf("derive %s: %v", s.Key, err)
		}
	}
	g, err := grid.BuildLocal([]*source.Source{d}, 4.0)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	rc, err := NewRunContext(cfg, set, []*source.Source{d, u}, g, svc, freeSpace(t))
	if err != nil {
		t.Fatalf("run context: %v", err)
	}
	rules := []source.Rule{{
		DesiredService:   params.ServiceTVFull,
		UndesiredService: params.ServiceTVFull,
		ChannelDelta:     0,
		RequiredDUdB:     28,
		PercentTime:      10,
		ThresholdDBu:     thresholdDBu,
	}}
	if err := rc.Prepare(context.Background(), rules); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(d.Undesireds) != 1 {
		t.Fatalf("undesired list = %d links, want 1", len(d.Undesireds))
	}
	sum, err := rc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	st := sum.Lookup("211")
	if st == nil {
		return 0
	}
	return st.UndesiredSum().TotalIX.Count
}

func TestRuleThresholdExemptsWeakUndesired(t *testing.T) {
	if n := thresholdIXCount(t, 0); n == 0 {
		t.Fatal("baseline scenario should interfere")
	}
	// A threshold no field can reach exempts the undesired everywhere.
	if n := thresholdIXCount(t, 500); n != 0 {
		t.Fatalf("threshold-exempt undesired still counted at %d points", n)
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	d := studySource("400", 40, -105, 10)
	rc, _ := prepareRun(t, []*source.Source{d}, 4.0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := rc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled run returned %v", err)
	}
}

func TestCachedRerunMatchesAndHits(t *testing.T) {
	store, err := cache.Open(filepath.Join(t.TempDir(), "cache"), cache.Options{})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	defer store.Close()

	run := func() *Summary {
		d := studySource("500", 40, -105, 10)
		u := studySource("501", 40.9, -105, 10)
		rc, _ := prepareRun(t, []*source.Source{d, u}, 4.0, store)
		sum, err := rc.Run(context.Background())
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return sum
	}
	first := run()
	second := run()
	if first.CacheHits != 0 || first.CacheMisses == 0 {
		t.Fatalf("first run cache counters: hits=%d misses=%d", first.CacheHits, first.CacheMisses)
	}
	if second.CacheHits == 0 {
		t.Fatal("second run should hit the cache")
	}
	a := first.Lookup("500").DesiredSum()
	b := second.Lookup("500").DesiredSum()
	if a != b {
		t.Fatalf("cached rerun diverged: %+v vs %+v", a, b)
	}
}

func TestDTSSelfInterferenceWindows(t *testing.T) {
	ref := studySource("600", 40, -105, 10)
	ref.GroupKey = "g1"
	ref.IsDTSReference = true
	m1 := studySource("601", 40, -105, 10)
	m1.GroupKey = "g1"
	m2Lat, m2Lon := geo.Destination(40, -105, 0, 30)
	m2 := studySource("602", m2Lat, m2Lon, 10)
	m2.GroupKey = "g1"

	rc, _ := prepareRun(t, []*source.Source{ref, m1, m2}, 2.0, nil)
	sum, err := rc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	dt := sum.Lookup("600").DesiredSum()
	if dt.Contour.Count == 0 || dt.Served.Count == 0 {
		t.Fatalf("dts reference totals empty: %+v", dt)
	}
	// Two members 30 km apart: points where the echo arrives outside the
	// lag window while the weaker field is within the relaxed D/U exist on
	// the flanks of the line between the transmitters.
	selfIX := int64(0)
	for _, key := range []string{"601", "602"} {
		if st := sum.Lookup(key); st != nil {
			selfIX += st.UndesiredSum().TotalIX.Count
		}
	}
	if selfIX == 0 {
		t.Fatal("expected some out-of-window self-interference")
	}
	if dt.InterferenceFree.Count >= dt.Served.Count {
		t.Fatal("self-interference should remove points from the ix-free bucket")
	}
}

func TestSummaryJSONRoundTrip(t *testing.T) {
	sum := newSummary("run-x")
	sum.Points = 7
	sum.ModelErrors = 2
	st := sum.ForSource("1", "K1")
	st.Desired[params.CountryUS].Contour = Bucket{Count: 5, AreaKm2: 20, Population: 1234}
	st.Undesired[params.CountryCA].TotalIX = Bucket{Count: 1, AreaKm2: 4}

	data, err := json.Marshal(sum)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Summary
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.RunID != "run-x" || back.Points != 7 || back.ModelErrors != 2 {
		t.Fatalf("header fields lost: %+v", back)
	}
	got := back.Lookup("1")
	if got == nil || got.Desired[params.CountryUS].Contour.Population != 1234 {
		t.Fatalf("totals lost: %+v", got)
	}

	merged := newSummary("agg")
	merged.Merge(sum)
	merged.Merge(&back)
	if merged.Lookup("1").Desired[params.CountryUS].Contour.Count != 10 {
		t.Fatal("merge did not sum buckets")
	}
}
