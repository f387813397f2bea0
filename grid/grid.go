// Package grid builds the set of study points at which coverage and
// interference are evaluated: a fixed-size local grid, a variable-width
// global grid, or an explicit point list, with population aggregated onto
// whichever cell contains each population point.
package grid

import (
	"fmt"
	"math"
	"sort"

	"rfstudy/geo"
	"rfstudy/params"
	"rfstudy/source"
)

// Type selects the spatial mode of a study.
type Type int

const (
	TypeLocal Type = iota
	TypeGlobal
	TypePoints
)

// ParseType maps a config key to a grid Type.
func ParseType(key string) (Type, error) {
	switch key {
	case "local":
		return TypeLocal, nil
	case "global":
		return TypeGlobal, nil
	case "points":
		return TypePoints, nil
	}
	return 0, fmt.Errorf("grid: unknown grid type %q", key)
}

// Point is one study point: a cell centroid or an explicit labeled point.
type Point struct {
	Lat, Lon float64
	// LatIndex/LonIndex are the cell coordinates in the grid's index space.
	// Explicit points carry -1.
	LatIndex, LonIndex int
	AreaKm2            float64
	Country            params.Country
	// CountrySet reports whether population data assigned a country.
	CountrySet bool
	Population int64
	Households int64

	// Explicit-point overrides.
	Label           string
	ReceiverHeightM float64
}

// Grid is the constructed study-point set for a scenario.
type Grid struct {
	Type       Type
	CellSizeKm float64
	Bounds     geo.Bounds
	Points     []Point

	latSizeDeg float64
	// lonSizeDeg per latitude band for the global grid; single entry for
	// the local grid.
	lonSizeDeg []float64
	originLat  float64
}

// PopulationPoint is one record of the external population dataset.
type PopulationPoint struct {
	Lat, Lon   float64
	Population int64
	Households int64
	Country    params.Country
}

// BuildLocal constructs a fixed-cell-size grid covering the union of the
// sources' service-area bounds, extended by one cell size. Cell area is
// invariant across the grid; the cell's physical width is exact at the
// bounds' central latitude. Point order is deterministic: ascending
// (latIndex, lonIndex).
func BuildLocal(sources []*source.Source, cellSizeKm float64) (*Grid, error) {
	bounds, err := unionBounds(sources, cellSizeKm)
	if err != nil {
		return nil, err
	}
	midLat := (bounds.South + bounds.North) / 2
	latSize := cellSizeKm / geo.KilometersPerDegree
	cosMid := math.Cos(midLat * math.Pi / 180)
	if cosMid < 0.01 {
		cosMid = 0.01
	}
	lonSize := cellSizeKm / (geo.KilometersPerDegree * cosMid)

	g := &Grid{
		Type:       TypeLocal,
		CellSizeKm: cellSizeKm,
		Bounds:     bounds,
		latSizeDeg: latSize,
		lonSizeDeg: []float64{lonSize},
		originLat:  bounds.South,
	}
	area := cellSizeKm * cellSizeKm
	latCells := int(math.Ceil((bounds.North - bounds.South) / latSize))
	lonCells := int(math.Ceil((bounds.East - bounds.West) / lonSize))
	if latCells < 1 || lonCells < 1 {
		return nil, fmt.Errorf("grid: degenerate bounds %+v", bounds)
	}
	if latCells*lonCells > 40_000_000 {
		return nil, fmt.Errorf("grid: %d cells exceeds the per-process cell limit", latCells*lonCells)
	}
	g.Points = make([]Point, 0, latCells*lonCells)
	for li := 0; li < latCells; li++ {
		lat := bounds.South + (float64(li)+0.5)*latSize
		for lo := 0; lo < lonCells; lo++ {
			lon := bounds.West + (float64(lo)+0.5)*lonSize
			g.Points = append(g.Points, Point{
				Lat: lat, Lon: lon,
				LatIndex: li, LonIndex: lo,
				AreaKm2: area,
			})
		}
	}
	return g, nil
}

// globalBandDeg is the latitude band height of the global grid.
const globalBandDeg = 1.0

// BuildGlobal constructs a grid whose cell longitude width grows with
// latitude so the physical cell area stays near the target; the area is
// computed per latitude band.
func BuildGlobal(sources []*source.Source, cellSizeKm float64) (*Grid, error) {
	bounds, err := unionBounds(sources, cellSizeKm)
	if err != nil {
		return nil, err
	}
	latSize := cellSizeKm / geo.KilometersPerDegree

	g := &Grid{
		Type:       TypeGlobal,
		CellSizeKm: cellSizeKm,
		Bounds:     bounds,
		latSizeDeg: latSize,
		originLat:  bounds.South,
	}
	latCells := int(math.Ceil((bounds.North - bounds.South) / latSize))
	if latCells < 1 {
		return nil, fmt.Errorf("grid: degenerate bounds %+v", bounds)
	}
	g.lonSizeDeg = make([]float64, latCells)
	for li := 0; li < latCells; li++ {
		lat := bounds.South + (float64(li)+0.5)*latSize
		cosLat := math.Cos(lat * math.Pi / 180)
		if cosLat < 0.01 {
			cosLat = 0.01
		}
		g.lonSizeDeg[li] = cellSizeKm / (geo.KilometersPerDegree * cosLat)
	}
	for li := 0; li < latCells; li++ {
		lat := bounds.South + (float64(li)+0.5)*latSize
		lonSize := g.lonSizeDeg[li]
		lonCells := int(math.Ceil((bounds.East - bounds.West) / lonSize))
		if lonCells < 1 {
			lonCells = 1
		}
		// Physical area of this band's cells.
		cosLat := math.Cos(lat * math.Pi / 180)
		area := latSize * geo.KilometersPerDegree * lonSize * geo.KilometersPerDegree * cosLat
		for lo := 0; lo < lonCells; lo++ {
			lon := bounds.West + (float64(lo)+0.5)*lonSize
			g.Points = append(g.Points, Point{
				Lat: lat, Lon: lon,
				LatIndex: li, LonIndex: lo,
				AreaKm2: area,
			})
		}
	}
	return g, nil
}

// BuildPoints constructs the explicit-point mode grid from a geography's
// point set. Area and population semantics do not apply.
func BuildPoints(g *source.Geography) (*Grid, error) {
	if g == nil || len(g.Points) == 0 {
		return nil, fmt.Errorf("grid: points mode requires a point-set geography")
	}
	out := &Grid{Type: TypePoints}
	for _, p := range g.Points {
		out.Bounds.Extend(p.Lat, p.Lon)
		out.Points = append(out.Points, Point{
			Lat: p.Lat, Lon: p.Lon,
			LatIndex: -1, LonIndex: -1,
			Label:           p.Label,
			ReceiverHeightM: p.ReceiverHeightM,
		})
	}
	sort.SliceStable(out.Points, func(i, j int) bool { return out.Points[i].Label < out.Points[j].Label })
	return out, nil
}

// CellIndex locates the cell containing a coordinate, or ok=false when the
// point lies outside the grid bounds.
func (g *Grid) CellIndex(lat, lon float64) (latIdx, lonIdx int, ok bool) {
	if g.Type == TypePoints || !g.Bounds.Contains(lat, lon) {
		return 0, 0, false
	}
	li := int((lat - g.originLat) / g.latSizeDeg)
	var lonSize float64
	switch g.Type {
	case TypeLocal:
		lonSize = g.lonSizeDeg[0]
	default:
		if li < 0 || li >= len(g.lonSizeDeg) {
			return 0, 0, false
		}
		lonSize = g.lonSizeDeg[li]
	}
	lo := int((lon - g.Bounds.West) / lonSize)
	if li < 0 || lo < 0 {
		return 0, 0, false
	}
	return li, lo, true
}

// AggregatePopulation bins population points onto grid cells. Each
// population point lands in exactly one cell (or none when outside the
// grid); the first contributing point's country tags the cell.
func (g *Grid) AggregatePopulation(pop []PopulationPoint) error {
	if g.Type == TypePoints {
		return fmt.Errorf("grid: points mode carries no population")
	}
	index := make(map[[2]int]int, len(g.Points))
	for i, p := range g.Points {
		index[[2]int{p.LatIndex, p.LonIndex}] = i
	}
	for _, pp := range pop {
		li, lo, ok := g.CellIndex(pp.Lat, pp.Lon)
		if !ok {
			continue
		}
		i, ok := index[[2]int{li, lo}]
		if !ok {
			continue
		}
		pt := &g.Points[i]
		pt.Population += pp.Population
		pt.Households += pp.Households
		if !pt.CountrySet {
			pt.Country = pp.Country
			pt.CountrySet = true
		}
	}
	return nil
}

// TotalPopulation sums the aggregated population, for sanity reporting.
func (g *Grid) TotalPopulation() int64 {
	var total int64
	for _, p := range g.Points {
		total += p.Population
	}
	return total
}

func unionBounds(sources []*source.Source, cellSizeKm float64) (geo.Bounds, error) {
	if cellSizeKm <= 0 {
		return geo.Bounds{}, fmt.Errorf("grid: cell size %g km is invalid", cellSizeKm)
	}
	var bounds geo.Bounds
	for _, s := range sources {
		b := s.Bounds()
		if b.IsEmpty() {
			continue
		}
		bounds.Union(b)
	}
	if bounds.IsEmpty() {
		return geo.Bounds{}, fmt.Errorf("grid: no source provides service-area bounds")
	}
	bounds.ExtendByKm(cellSizeKm)
	return bounds, nil
}
