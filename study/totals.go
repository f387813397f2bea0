package study

import (
	"sort"

	jsoniter "github.com/json-iterator/go"

	"rfstudy/grid"
	"rfstudy/params"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Bucket accumulates the weight of study points: physical area, population
// and households from the grid, plus a raw point count for points-mode
// studies where area and population do not apply.
type Bucket struct {
	Count      int64
	AreaKm2    float64
	Population int64
	Households int64
}

func (b *Bucket) add(p *grid.Point) {
	b.Count++
	b.AreaKm2 += p.AreaKm2
	b.Population += p.Population
	b.Households += p.Households
}

// DesiredTotals classifies the points of one desired source's service area.
// A point lands in Contour always, in Served when the desired field clears
// the service threshold, in InterferenceFree when additionally no undesired
// breaks the required D/U, and in Error when a model failure kept it out of
// the served and interference-free tallies.
type DesiredTotals struct {
	Contour          Bucket
	Served           Bucket
	InterferenceFree Bucket
	Error            Bucket
}

// UndesiredTotals accumulates the harm one undesired source causes. TotalIX
// counts every served point it denies; UniqueIX the subset where it is the
// sole cause; Error the points where its field could not be computed.
type UndesiredTotals struct {
	TotalIX  Bucket
	UniqueIX Bucket
	Error    Bucket
}

// SourceTotals is the per-source, per-country accumulator set.
type SourceTotals struct {
	Key      string
	CallSign string

	Desired   [params.CountryCount]DesiredTotals
	Undesired [params.CountryCount]UndesiredTotals
}

func (st *SourceTotals) desired(c params.Country) *DesiredTotals {
	if c < 0 || int(c) >= len(st.Desired) {
		c = params.CountryUS
	}
	return &st.Desired[c]
}

func (st *SourceTotals) undesired(c params.Country) *UndesiredTotals {
	if c < 0 || int(c) >= len(st.Undesired) {
		c = params.CountryUS
	}
	return &st.Undesired[c]
}

// DesiredSum folds the per-country desired buckets for reporting.
func (st *SourceTotals) DesiredSum() DesiredTotals {
	var out DesiredTotals
	for i := range st.Desired {
		addBucket(&out.Contour, st.Desired[i].Contour)
		addBucket(&out.Served, st.Desired[i].Served)
		addBucket(&out.InterferenceFree, st.Desired[i].InterferenceFree)
		addBucket(&out.Error, st.Desired[i].Error)
	}
	return out
}

// UndesiredSum folds the per-country undesired buckets for reporting.
func (st *SourceTotals) UndesiredSum() UndesiredTotals {
	var out UndesiredTotals
	for i := range st.Undesired {
		addBucket(&out.TotalIX, st.Undesired[i].TotalIX)
		addBucket(&out.UniqueIX, st.Undesired[i].UniqueIX)
		addBucket(&out.Error, st.Undesired[i].Error)
	}
	return out
}

func addBucket(dst *Bucket, src Bucket) {
	dst.Count += src.Count
	dst.AreaKm2 += src.AreaKm2
	dst.Population += src.Population
	dst.Households += src.Households
}

// Summary is the result of one engine run over one scenario.
type Summary struct {
	RunID  string
	Points int

	// Countable non-fatal error totals. Nothing here halts a run; every
	// occurrence is tallied so the report can surface it.
	ModelErrors        int64
	LandCoverFallbacks int64
	CacheHits          int64
	CacheMisses        int64

	DroppedDTSGroups []string

	totals  []*SourceTotals
	indexed map[string]*SourceTotals
}

func newSummary(runID string) *Summary {
	return &Summary{RunID: runID, indexed: make(map[string]*SourceTotals)}
}

// ForSource returns the totals for a source key, creating the accumulator on
// first use.
func (sum *Summary) ForSource(key, callSign string) *SourceTotals {
	if sum.indexed == nil {
		sum.indexed = make(map[string]*SourceTotals)
	}
	if st, ok := sum.indexed[key]; ok {
		return st
	}
	st := &SourceTotals{Key: key, CallSign: callSign}
	sum.indexed[key] = st
	sum.totals = append(sum.totals, st)
	return st
}

// Lookup returns the totals for a source key, or nil.
func (sum *Summary) Lookup(key string) *SourceTotals {
	return sum.indexed[key]
}

// Totals returns the accumulators sorted by source key.
func (sum *Summary) Totals() []*SourceTotals {
	sort.Slice(sum.totals, func(i, j int) bool { return sum.totals[i].Key < sum.totals[j].Key })
	return sum.totals
}

// summaryDoc is the JSON wire form a worker process emits and the
// orchestrator aggregates.
type summaryDoc struct {
	RunID              string          `json:"run_id"`
	Points             int             `json:"points"`
	ModelErrors        int64           `json:"model_errors"`
	LandCoverFallbacks int64           `json:"land_cover_fallbacks"`
	CacheHits          int64           `json:"cache_hits"`
	CacheMisses        int64           `json:"cache_misses"`
	DroppedDTSGroups   []string        `json:"dropped_dts_groups,omitempty"`
	Totals             []*SourceTotals `json:"totals"`
}

// MarshalJSON emits the summary in the worker wire form.
func (sum *Summary) MarshalJSON() ([]byte, error) {
	return json.Marshal(summaryDoc{
		RunID:              sum.RunID,
		Points:             sum.Points,
		ModelErrors:        sum.ModelErrors,
		LandCoverFallbacks: sum.LandCoverFallbacks,
		CacheHits:          sum.CacheHits,
		CacheMisses:        sum.CacheMisses,
		DroppedDTSGroups:   sum.DroppedDTSGroups,
		Totals:             sum.Totals(),
	})
}

// UnmarshalJSON restores a summary from the worker wire form.
func (sum *Summary) UnmarshalJSON(data []byte) error {
	var doc summaryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*sum = Summary{
		RunID:              doc.RunID,
		Points:             doc.Points,
		ModelErrors:        doc.ModelErrors,
		LandCoverFallbacks: doc.LandCoverFallbacks,
		CacheHits:          doc.CacheHits,
		CacheMisses:        doc.CacheMisses,
		DroppedDTSGroups:   doc.DroppedDTSGroups,
		totals:             doc.Totals,
		indexed:            make(map[string]*SourceTotals, len(doc.Totals)),
	}
	for _, st := range doc.Totals {
		sum.indexed[st.Key] = st
	}
	return nil
}

// Merge folds another scenario's summary into this one; used by the
// orchestrator to aggregate worker results.
func (sum *Summary) Merge(other *Summary) {
	if other == nil {
		return
	}
	sum.Points += other.Points
	sum.ModelErrors += other.ModelErrors
	sum.LandCoverFallbacks += other.LandCoverFallbacks
	sum.CacheHits += other.CacheHits
	sum.CacheMisses += other.CacheMisses
	sum.DroppedDTSGroups = append(sum.DroppedDTSGroups, other.DroppedDTSGroups...)
	for _, st := range other.Totals() {
		dst := sum.ForSource(st.Key, st.CallSign)
		for c := range st.Desired {
			addBucket(&dst.Desired[c].Contour, st.Desired[c].Contour)
			addBucket(&dst.Desired[c].Served, st.Desired[c].Served)
			addBucket(&dst.Desired[c].InterferenceFree, st.Desired[c].InterferenceFree)
			addBucket(&dst.Desired[c].Error, st.Desired[c].Error)
		}
		for c := range st.Undesired {
			addBucket(&dst.Undesired[c].TotalIX, st.Undesired[c].TotalIX)
			addBucket(&dst.Undesired[c].UniqueIX, st.Undesired[c].UniqueIX)
			addBucket(&dst.Undesired[c].Error, st.Undesired[c].Error)
		}
	}
}
