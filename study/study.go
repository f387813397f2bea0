// Package study runs the interference accumulation engine: it walks every
// study point of a scenario grid, evaluates desired and undesired fields
// through the configured propagation model, applies the matched rule D/U and
// DTS timing windows, and accumulates per-source, per-country totals.
//
// The engine is CPU-bound and single-threaded; parallelism happens at
// process granularity under cmd/studyrun. All run state lives in an explicit
// RunContext constructed once per invocation.
package study

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/zeebo/xxh3"

	"rfstudy/cache"
	"rfstudy/config"
	"rfstudy/geo"
	"rfstudy/grid"
	"rfstudy/params"
	"rfstudy/propagation"
	"rfstudy/source"
	"rfstudy/terrain"
)

// kmPerMicrosecond converts a path-length difference to a DTS arrival-time
// offset.
const kmPerMicrosecond = 0.299792458

// minEvalDistanceKm keeps the model request sane for a study point sitting
// on the transmitter cell.
const minEvalDistanceKm = 0.05

// RunContext carries everything one engine invocation needs. The parameter
// set and source list are read-only once Prepare returns.
type RunContext struct {
	Cfg     *config.Config
	Set     *params.Set
	Sources []*source.Source
	Grid    *grid.Grid
	Terrain terrain.Service
	Model   propagation.Model
	// Cache is optional; nil disables field and geometry caching.
	Cache *cache.Store
	RunID string
	// DesiredKeys restricts the run to a subset of desired sources; the
	// orchestrator uses it to partition scenarios across worker processes.
	// Empty means every desired source.
	DesiredKeys []string

	defaultCover terrain.Category

	prepared bool
	kept     []*source.Source
	groups   map[string]*source.DTSGroup
	dropped  []string
}

// NewRunContext validates the wiring. The model defaults to the configured
// model key when nil.
func NewRunContext(cfg *config.Config, set *params.Set, sources []*source.Source,
	g *grid.Grid, svc terrain.Service, model propagation.Model) (*RunContext, error) {
	if cfg == nil || set == nil || g == nil || svc == nil {
		return nil, errors.New("study: run context missing a required component")
	}
	if len(sources) == 0 {
		return nil, errors.New("study: scenario has no sources")
	}
	if model == nil {
		var err error
		model, err = propagation.ForKey(cfg.Model.Default)
		if err != nil {
			return nil, fmt.Errorf("study: %w", err)
		}
	}
	cover, err := terrain.ParseCategory(cfg.LandCover.DefaultCategory)
	if err != nil {
		return nil, fmt.Errorf("study: %w", err)
	}
	return &RunContext{
		Cfg:          cfg,
		Set:          set,
		Sources:      sources,
		Grid:         g,
		Terrain:      svc,
		Model:        model,
		defaultCover: cover,
	}, nil
}

// Prepare resolves everything the point loop needs: DTS grouping, derived
// geometry for every source (through the cache when available), and the
// undesired list of every desired source. Cancellation is honored between
// sources.
func (rc *RunContext) Prepare(ctx context.Context, rules []source.Rule) error {
	if rc.prepared {
		return errors.New("study: run context already prepared")
	}
	kept, groups, dropped := source.CollectDTSGroups(rc.Sources)
	rc.kept, rc.groups, rc.dropped = kept, groups, dropped

	w := source.HAATWindow{
		RadialCount:   rc.Cfg.HAAT.RadialCount,
		MinDistanceKm: rc.Cfg.HAAT.MinDistanceKm,
		MaxDistanceKm: rc.Cfg.HAAT.MaxDistanceKm,
		SpacingKm:     rc.Cfg.Terrain.ProfileSpacingKm,
	}
	for _, s := range rc.kept {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := rc.deriveSource(s, w); err != nil {
			return fmt.Errorf("study: derive source %s: %w", s.Key, err)
		}
	}
	for _, d := range rc.desireds() {
		d.BuildUndesiredList(rc.kept, rules, rc.Set)
	}
	rc.prepared = true
	return nil
}

// deriveSource restores a source's geometry from the cache or computes and
// caches it. Only contour area types are worth persisting; the rest derive
// from their own inputs directly.
func (rc *RunContext) deriveSource(s *source.Source, w source.HAATWindow) error {
	cacheable := rc.Cache != nil &&
		(s.AreaType == source.AreaContourFCC || s.AreaType == source.AreaContourLR)
	if !cacheable {
		return s.DeriveAll(rc.Terrain, rc.Set, w)
	}
	fp := geometryFingerprint(s)
	if g, hit, err := rc.Cache.ReadSourceGeometry(s.Key, fp); err != nil {
		return err
	} else if hit {
		s.HAATm = g.HAATm
		s.ContourDBu = g.ContourDBu
		if err := s.RestoreServiceArea(g.ContourKm, g.ContourStepDeg); err == nil {
			return nil
		}
		// Unusable cached geometry falls through to recomputation.
	}
	if err := s.DeriveAll(rc.Terrain, rc.Set, w); err != nil {
		return err
	}
	radials, step := s.ContourRadials()
	if len(radials) == 0 {
		return nil
	}
	if err := rc.Cache.PurgeSource(s.Key, fieldCacheKey(s, true), fieldCacheKey(s, false)); err != nil {
		return err
	}
	return rc.Cache.WriteSourceGeometry(s.Key, fp, &cache.SourceGeometry{
		HAATm:          s.HAATm,
		ContourDBu:     s.ContourDBu,
		ContourStepDeg: step,
		ContourKm:      radials,
	})
}

// desireds returns the sources studied as desired stations: every ungrouped
// source plus each DTS group's reference. Group members are physical
// transmitters evaluated through their reference.
func (rc *RunContext) desireds() []*source.Source {
	var want map[string]bool
	if len(rc.DesiredKeys) > 0 {
		want = make(map[string]bool, len(rc.DesiredKeys))
		for _, k := range rc.DesiredKeys {
			want[k] = true
		}
	}
	out := make([]*source.Source, 0, len(rc.kept))
	for _, s := range rc.kept {
		if s.GroupKey != "" && !s.IsDTSReference {
			continue
		}
		if want != nil && !want[s.Key] {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Run executes the engine over the grid. Cancellation is polled between
// desired sources, never mid-point; pending cache writes of a cancelled
// source are discarded whole.
func (rc *RunContext) Run(ctx context.Context) (*Summary, error) {
	if !rc.prepared {
		return nil, errors.New("study: run context not prepared")
	}
	sum := newSummary(rc.RunID)
	sum.Points = len(rc.Grid.Points)
	sum.DroppedDTSGroups = rc.dropped
	for _, d := range rc.desireds() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := rc.studyDesired(ctx, d, sum); err != nil {
			return nil, fmt.Errorf("study: desired %s: %w", d.Key, err)
		}
	}
	return sum, nil
}

// studyDesired classifies every grid point for one desired source and
// accumulates the desired's and its undesireds' totals.
func (rc *RunContext) studyDesired(ctx context.Context, d *source.Source, sum *Summary) error {
	members := rc.groupMembers(d)
	threshold, err := rc.Set.ServiceThreshold(d.Country, d.Service, d.Band())
	if err != nil {
		return err
	}
	dt := sum.ForSource(d.Key, d.CallSign)
	pending := newPendingWrites()
	bounds := rc.desiredBounds(d, members)

	for i := range rc.Grid.Points {
		p := &rc.Grid.Points[i]
		if !bounds.IsEmpty() && !bounds.Contains(p.Lat, p.Lon) {
			continue
		}
		if !rc.inDesiredArea(d, members, p) {
			continue
		}
		country := pointCountry(p, d)
		desired := dt.desired(country)
		desired.Contour.add(p)

		dField, advisory, dErr := rc.desiredField(d, members, p, pending, sum)
		if dErr != nil {
			rc.tallyPointError(desired, p)
			continue
		}
		if advisory {
			sum.ModelErrors++
			if !rc.tallyAdvisory(desired, p) {
				continue
			}
		}

		interferers, evalErr := rc.evaluateUndesireds(d, p, dField, country, sum, pending)
		if len(members) > 0 {
			interferers = append(interferers, rc.evaluateDTSWindows(d, members, p, country, sum, pending)...)
		}
		if evalErr {
			rc.tallyPointError(desired, p)
			continue
		}

		if dField < threshold {
			continue
		}
		desired.Served.add(p)
		if len(interferers) == 0 {
			desired.InterferenceFree.add(p)
			continue
		}
		sole := len(interferers) == 1
		for _, u := range interferers {
			ut := sum.ForSource(u.Key, u.CallSign).undesired(country)
			ut.TotalIX.add(p)
			if sole {
				ut.UniqueIX.add(p)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		// In-flight entries are discarded, never partially written.
		return err
	}
	return pending.flush(rc.Cache)
}

// tallyPointError applies the configured per-point error policy to a hard
// model failure, where no field value exists at all.
func (rc *RunContext) tallyPointError(desired *DesiredTotals, p *grid.Point) {
	switch rc.Set.ErrorPolicy {
	case params.ErrorPolicyServed:
		desired.Error.add(p)
		desired.Served.add(p)
	case params.ErrorPolicyIgnore:
		// Counted on the summary, excluded from every bucket.
	default: // unserved
		desired.Error.add(p)
	}
}

// tallyAdvisory routes a model advisory code through the error policy. The
// field value is still usable, so "served" keeps the point in the normal
// service test; "unserved" stops it here. The return reports whether the
// point continues.
func (rc *RunContext) tallyAdvisory(desired *DesiredTotals, p *grid.Point) bool {
	switch rc.Set.ErrorPolicy {
	case params.ErrorPolicyServed:
		desired.Error.add(p)
		return true
	case params.ErrorPolicyIgnore:
		return true
	default: // unserved
		desired.Error.add(p)
		return false
	}
}

// desiredBounds unions the service-area bounds the desired can reach.
func (rc *RunContext) desiredBounds(d *source.Source, members []*source.Source) geo.Bounds {
	b := d.Bounds()
	for _, m := range members {
		b.Union(m.Bounds())
	}
	return b
}

func (rc *RunContext) groupMembers(d *source.Source) []*source.Source {
	if d.GroupKey == "" || rc.groups == nil {
		return nil
	}
	if g := rc.groups[d.GroupKey]; g != nil {
		return g.Members
	}
	return nil
}

// inDesiredArea tests contour membership: the reference area for a DTS
// group, or any member's own area.
func (rc *RunContext) inDesiredArea(d *source.Source, members []*source.Source, p *grid.Point) bool {
	if d.InServiceArea(p.Lat, p.Lon) {
		return true
	}
	for _, m := range members {
		if m.InServiceArea(p.Lat, p.Lon) {
			return true
		}
	}
	return false
}

// desiredField evaluates the desired signal at a point. For a DTS group the
// strongest member carries the point; a member failure degrades to the best
// surviving member and only an all-member failure is a point error. advisory
// reports that the record carrying the point has a model advisory code.
func (rc *RunContext) desiredField(d *source.Source, members []*source.Source,
	p *grid.Point, pending *pendingWrites, sum *Summary) (field float64, advisory bool, err error) {
	if len(members) == 0 {
		rec, err := rc.fetchField(d, p, rc.Set.PercentTime, rc.Set.CurveSetDesired, true, pending, sum)
		if err != nil {
			sum.ModelErrors++
			return 0, false, err
		}
		return rec.FieldDBu, rec.ErrorCode != 0, nil
	}
	best := math.Inf(-1)
	var firstErr error
	for _, m := range members {
		rec, err := rc.fetchField(m, p, rc.Set.PercentTime, rc.Set.CurveSetDesired, true, pending, sum)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			sum.ModelErrors++
			continue
		}
		if rec.FieldDBu > best {
			best = rec.FieldDBu
			advisory = rec.ErrorCode != 0
		}
	}
	if math.IsInf(best, -1) {
		return 0, false, firstErr
	}
	return best, advisory, nil
}

// evaluateUndesireds runs step 2 and 3 of the point loop: every undesired
// link's field at its own percent time against the rule's required D/U.
// evalErr reports a model failure that must route the point to the error
// bucket under the configured policy.
func (rc *RunContext) evaluateUndesireds(d *source.Source, p *grid.Point, dField float64,
	country params.Country, sum *Summary, pending *pendingWrites) (interferers []*source.Source, evalErr bool) {
	for i := range d.Undesireds {
		link := &d.Undesireds[i]
		u := link.Undesired
		if geo.DistanceKm(u.Lat, u.Lon, p.Lat, p.Lon) > link.CullDistanceKm {
			continue
		}
		rec, err := rc.fetchField(u, p, link.PercentTime, rc.Set.CurveSetUndesired, false, pending, sum)
		if err != nil {
			sum.ModelErrors++
			sum.ForSource(u.Key, u.CallSign).undesired(country).Error.add(p)
			evalErr = true
			continue
		}
		if rec.ErrorCode != 0 {
			sum.ModelErrors++
			if rc.Set.ErrorPolicy != params.ErrorPolicyIgnore {
				sum.ForSource(u.Key, u.CallSign).undesired(country).Error.add(p)
				if rc.Set.ErrorPolicy != params.ErrorPolicyServed {
					evalErr = true
					continue
				}
			}
		}
		// A rule threshold exempts the link outright when the undesired field
		// cannot reach it, regardless of the ratio.
		if link.ThresholdDBu > 0 && rec.FieldDBu < link.ThresholdDBu {
			continue
		}
		if dField-rec.FieldDBu < link.RequiredDUdB {
			interferers = append(interferers, u)
		}
	}
	return interferers, evalErr
}

// evaluateDTSWindows runs step 5: in-group echoes whose arrival offset falls
// outside the lead/lag window are judged as interferers at the relaxed D/U
// instead of being excluded.
func (rc *RunContext) evaluateDTSWindows(d *source.Source, members []*source.Source,
	p *grid.Point, country params.Country, sum *Summary, pending *pendingWrites) []*source.Source {
	type arrival struct {
		m     *source.Source
		field float64
		atUs  float64
	}
	arrivals := make([]arrival, 0, len(members))
	for _, m := range members {
		rec, err := rc.fetchField(m, p, rc.Set.PercentTime, rc.Set.CurveSetDesired, true, pending, sum)
		if err != nil {
			continue // already tallied by desiredField
		}
		at := geo.DistanceKm(m.Lat, m.Lon, p.Lat, p.Lon)/kmPerMicrosecond + m.DelayMicroseconds
		arrivals = append(arrivals, arrival{m: m, field: rec.FieldDBu, atUs: at})
	}
	if len(arrivals) < 2 {
		return nil
	}
	best := 0
	for i := 1; i < len(arrivals); i++ {
		if arrivals[i].field > arrivals[best].field {
			best = i
		}
	}
	var interferers []*source.Source
	for i, a := range arrivals {
		if i == best {
			continue
		}
		offset := a.atUs - arrivals[best].atUs
		if offset >= -rc.Set.DTSLeadMicroseconds && offset <= rc.Set.DTSLagMicroseconds {
			continue // synchronized echo, constructive
		}
		if arrivals[best].field-a.field < rc.Set.DTSRelaxedDUdB {
			interferers = append(interferers, a.m)
		}
	}
	return interferers
}

// fetchField is the explicit fetch-or-compute seam between the engine and
// the cache: read the cell record under the source's fingerprint, else
// compute it and stage the write for the end-of-source batch.
func (rc *RunContext) fetchField(s *source.Source, p *grid.Point, percentTime float64,
	curveSet propagation.CurveSet, desired bool, pending *pendingWrites, sum *Summary) (cache.FieldRecord, error) {
	cacheable := rc.Cache != nil && p.LatIndex >= 0
	key := fieldCacheKey(s, desired)
	fp := fieldFingerprint(s, percentTime, curveSet)
	if cacheable {
		if rec, hit, err := rc.Cache.ReadCellField(key, int32(p.LatIndex), int32(p.LonIndex), fp); err == nil && hit {
			sum.CacheHits++
			return *rec, nil
		}
		sum.CacheMisses++
	}
	rec, err := rc.computeField(s, p, percentTime, curveSet, desired, sum)
	if err != nil {
		return cache.FieldRecord{}, err
	}
	if cacheable {
		pending.stage(key, fp, cache.CellField{
			LatIndex: int32(p.LatIndex), LonIndex: int32(p.LonIndex), Field: rec,
		})
	}
	return rec, nil
}

// computeField evaluates one source's field at one point: model field at the
// reference ERP, plus the pattern-derived ERP toward the point, plus the
// land-cover clutter adjustment.
func (rc *RunContext) computeField(s *source.Source, p *grid.Point, percentTime float64,
	curveSet propagation.CurveSet, desired bool, sum *Summary) (cache.FieldRecord, error) {
	dist := geo.DistanceKm(s.Lat, s.Lon, p.Lat, p.Lon)
	if dist < minEvalDistanceKm {
		dist = minEvalDistanceKm
	}
	bearing := geo.BearingDeg(s.Lat, s.Lon, p.Lat, p.Lon)
	rx := rc.Set.ReceiverHeightM
	if p.ReceiverHeightM > 0 {
		rx = p.ReceiverHeightM
	}
	req := propagation.Request{
		TransmitterHeightM: s.HeightAGLm,
		ReceiverHeightM:    rx,
		DistanceKm:         dist,
		FrequencyMHz:       s.FrequencyMHz,
		HAATm:              s.HAATm,
		PercentTime:        percentTime,
		PercentLocation:    rc.Set.PercentLocation,
		PercentConfidence:  rc.Set.PercentConfidence,
		Climate:            rc.Set.Climate,
		GroundEpsilon:      rc.Set.GroundEpsilon,
		GroundSigma:        rc.Set.GroundSigma,
		CurveSet:           curveSet,
	}
	res, err := propagation.Run(rc.Model, rc.Terrain, s.Lat, s.Lon, bearing, req)
	if err != nil {
		return cache.FieldRecord{}, err
	}
	cover, err := rc.Terrain.LandCover(p.Lat, p.Lon)
	if err != nil {
		cover = rc.defaultCover
		sum.LandCoverFallbacks++
	}
	dep := source.DepressionAngleDeg(s.HeightAMSLm, rx, dist)
	field := res.FieldStrengthDBu + s.ERPTowardDBk(bearing, dep) +
		rc.Set.ClutterAdjustment(cover, s.Band())
	return cache.FieldRecord{
		FieldDBu:    field,
		PercentTime: percentTime,
		ErrorCode:   int32(res.ErrorCode),
		Desired:     desired,
	}, nil
}

func pointCountry(p *grid.Point, d *source.Source) params.Country {
	if p.CountrySet {
		return p.Country
	}
	return d.Country
}

// fieldCacheKey separates a source's desired and undesired cell records;
// the two are evaluated at different percent times.
func fieldCacheKey(s *source.Source, desired bool) string {
	if desired {
		return s.Key + ":d"
	}
	return s.Key + ":u"
}

// geometryFingerprint guards cached geometry with the record modification
// count plus a hash of the inputs the derivation consumes, so an edit that
// failed to bump the count still invalidates.
func geometryFingerprint(s *source.Source) cache.Fingerprint {
	h := xxh3.New()
	var buf [8]byte
	writeF := func(v float64) {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
		_, _ = h.Write(buf[:])
	}
	writeF(s.Lat)
	writeF(s.Lon)
	writeF(s.HeightAMSLm)
	writeF(s.HeightAGLm)
	writeF(s.ERPdBk)
	writeF(s.FrequencyMHz)
	writeF(s.RadiusKm)
	binary.BigEndian.PutUint32(buf[:4], uint32(s.Channel))
	_, _ = h.Write(buf[:4])
	buf[0] = byte(s.AreaType)
	_, _ = h.Write(buf[:1])
	return cache.Fingerprint{ModCount: s.ModCount, Checksum: h.Sum64()}
}

// fieldFingerprint extends the geometry fingerprint with the statistical
// parameters that shape a cell record.
func fieldFingerprint(s *source.Source, percentTime float64, curveSet propagation.CurveSet) cache.Fingerprint {
	fp := geometryFingerprint(s)
	h := xxh3.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], fp.Checksum)
	_, _ = h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(percentTime))
	_, _ = h.Write(buf[:])
	buf[0] = byte(curveSet)
	_, _ = h.Write(buf[:1])
	return cache.Fingerprint{ModCount: fp.ModCount, Checksum: h.Sum64()}
}

// pendingWrites stages cell records per cache key so a source's records
// commit in one atomic batch after its point loop completes.
type pendingWrites struct {
	fps    map[string]cache.Fingerprint
	fields map[string][]cache.CellField
}

func newPendingWrites() *pendingWrites {
	return &pendingWrites{
		fps:    make(map[string]cache.Fingerprint),
		fields: make(map[string][]cache.CellField),
	}
}

func (pw *pendingWrites) stage(key string, fp cache.Fingerprint, cf cache.CellField) {
	if prev, ok := pw.fps[key]; ok && prev != fp {
		// A fingerprint change mid-source means the record mutated during
		// the run, which the shared-resource policy forbids.
		log.Printf("study: fingerprint changed under key %s, dropping stale staging", key)
		delete(pw.fields, key)
	}
	pw.fps[key] = fp
	pw.fields[key] = append(pw.fields[key], cf)
}

func (pw *pendingWrites) flush(store *cache.Store) error {
	if store == nil {
		return nil
	}
	for key, fields := range pw.fields {
		if err := store.WriteCellFields(key, pw.fps[key], fields); err != nil {
			return err
		}
	}
	pw.fields = make(map[string][]cache.CellField)
	return nil
}
