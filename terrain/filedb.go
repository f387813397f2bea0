package terrain

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
)

// Tile file layout: a 16-byte header followed by rows*cols int16 elevations
// in row-major order, north row first. Elevation math.MinInt16 marks a void
// cell inside an otherwise present tile.
const (
	tileMagic      = 0x54455231 // "TER1"
	tileHeaderSize = 16
	voidElevation  = math.MinInt16
)

// FileDB reads 1x1 degree elevation and land-cover tiles from a directory.
// Tiles are named e<lat>_<lon>.ter and c<lat>_<lon>.lcv where lat/lon are the
// southwest corner in integer degrees ("n40_w105"). Loaded tiles are kept
// resident; the working set for one study is a handful of tiles.
type FileDB struct {
	dir             string
	slackPoints     int
	defaultCategory Category

	mu    sync.Mutex
	elev  map[string]*tile
	cover map[string]*coverTile
}

type tile struct {
	rows, cols int
	samples    []int16
}

type coverTile struct {
	rows, cols int
	categories []byte
}

// OpenFileDB validates the database directory and returns a FileDB. Tiles
// load lazily on first touch; a missing directory is an immediate error so a
// misconfigured run fails at startup rather than mid-study.
func OpenFileDB(dir string, slackPoints int, defaultCategory Category) (*FileDB, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("terrain: database dir %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("terrain: database path %s is not a directory", dir)
	}
	if slackPoints < 0 {
		slackPoints = 0
	}
	return &FileDB{
		dir:             dir,
		slackPoints:     slackPoints,
		defaultCategory: defaultCategory,
		elev:            make(map[string]*tile),
		cover:           make(map[string]*coverTile),
	}, nil
}

func tileName(lat, lon float64) (string, int, int) {
	latDeg := int(math.Floor(lat))
	lonDeg := int(math.Floor(lon))
	ns, ew := "n", "e"
	aLat, aLon := latDeg, lonDeg
	if latDeg < 0 {
		ns = "s"
		aLat = -latDeg
	}
	if lonDeg < 0 {
		ew = "w"
		aLon = -lonDeg
	}
	return fmt.Sprintf("%s%02d_%s%03d", ns, aLat, ew, aLon), latDeg, lonDeg
}

// PointElevation returns the elevation at a coordinate, bilinear within the
// tile cell grid. A missing tile or void cell is ErrNoData.
func (db *FileDB) PointElevation(lat, lon float64) (float64, error) {
	name, latDeg, lonDeg := tileName(lat, lon)
	t, err := db.loadTile(name)
	if err != nil {
		return 0, err
	}
	// Fractional position inside the tile; row 0 is the north edge.
	fy := (1 - (lat - float64(latDeg))) * float64(t.rows-1)
	fx := (lon - float64(lonDeg)) * float64(t.cols-1)
	y0, x0 := int(fy), int(fx)
	if y0 >= t.rows-1 {
		y0 = t.rows - 2
	}
	if x0 >= t.cols-1 {
		x0 = t.cols - 2
	}
	wy, wx := fy-float64(y0), fx-float64(x0)

	var corners [4]float64
	for i, off := range [4][2]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}} {
		s := t.samples[(y0+off[0])*t.cols+x0+off[1]]
		if s == voidElevation {
			return 0, fmt.Errorf("%w: void cell at %.4f,%.4f", ErrNoData, lat, lon)
		}
		corners[i] = float64(s)
	}
	top := corners[0]*(1-wx) + corners[1]*wx
	bot := corners[2]*(1-wx) + corners[3]*wx
	return top*(1-wy) + bot*wy, nil
}

// Radial extracts an elevation profile along a bearing.
func (db *FileDB) Radial(lat, lon, bearingDeg, distanceKm, spacingKm float64) (*Profile, error) {
	return extractRadial(db.PointElevation, lat, lon, bearingDeg, distanceKm, spacingKm, db.slackPoints)
}

// LandCover classifies the ground cover at a coordinate. A missing cover
// tile falls back to the configured default category; land-cover gaps are
// advisory, unlike elevation gaps.
func (db *FileDB) LandCover(lat, lon float64) (Category, error) {
	name, latDeg, lonDeg := tileName(lat, lon)
	t, err := db.loadCoverTile(name)
	if err != nil {
		return db.defaultCategory, nil
	}
	row := int((1 - (lat - float64(latDeg))) * float64(t.rows))
	col := int((lon - float64(lonDeg)) * float64(t.cols))
	if row >= t.rows {
		row = t.rows - 1
	}
	if col >= t.cols {
		col = t.cols - 1
	}
	c := Category(t.categories[row*t.cols+col])
	if int(c) >= CategoryCount {
		return db.defaultCategory, nil
	}
	return c, nil
}

func (db *FileDB) loadTile(name string) (*tile, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if t, ok := db.elev[name]; ok {
		if t == nil {
			return nil, fmt.Errorf("%w: tile %s", ErrNoData, name)
		}
		return t, nil
	}
	path := filepath.Join(db.dir, name+".ter")
	data, err := os.ReadFile(path)
	if err != nil {
		db.elev[name] = nil // negative-cache the miss
		return nil, fmt.Errorf("%w: tile %s", ErrNoData, name)
	}
	t, err := decodeTile(data)
	if err != nil {
		return nil, fmt.Errorf("terrain: tile %s: %w", name, err)
	}
	db.elev[name] = t
	return t, nil
}

func (db *FileDB) loadCoverTile(name string) (*coverTile, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if t, ok := db.cover[name]; ok {
		if t == nil {
			return nil, fmt.Errorf("%w: cover tile %s", ErrNoData, name)
		}
		return t, nil
	}
	path := filepath.Join(db.dir, name+".lcv")
	data, err := os.ReadFile(path)
	if err != nil {
		db.cover[name] = nil
		return nil, fmt.Errorf("%w: cover tile %s", ErrNoData, name)
	}
	t, err := decodeCoverTile(data)
	if err != nil {
		return nil, fmt.Errorf("terrain: cover tile %s: %w", name, err)
	}
	db.cover[name] = t
	return t, nil
}

func decodeTile(data []byte) (*tile, error) {
	if len(data) < tileHeaderSize {
		return nil, fmt.Errorf("truncated header")
	}
	if binary.BigEndian.Uint32(data) != tileMagic {
		return nil, fmt.Errorf("bad magic")
	}
	rows := int(binary.BigEndian.Uint32(data[4:]))
	cols := int(binary.BigEndian.Uint32(data[8:]))
	if rows < 2 || cols < 2 || rows > 1<<14 || cols > 1<<14 {
		return nil, fmt.Errorf("implausible dimensions %dx%d", rows, cols)
	}
	need := tileHeaderSize + rows*cols*2
	if len(data) < need {
		return nil, fmt.Errorf("truncated samples: have %d want %d", len(data), need)
	}
	samples := make([]int16, rows*cols)
	for i := range samples {
		samples[i] = int16(binary.BigEndian.Uint16(data[tileHeaderSize+i*2:]))
	}
	return &tile{rows: rows, cols: cols, samples: samples}, nil
}

func decodeCoverTile(data []byte) (*coverTile, error) {
	if len(data) < tileHeaderSize {
		return nil, fmt.Errorf("truncated header")
	}
	rows := int(binary.BigEndian.Uint32(data[4:]))
	cols := int(binary.BigEndian.Uint32(data[8:]))
	if rows < 1 || cols < 1 || rows > 1<<14 || cols > 1<<14 {
		return nil, fmt.Errorf("implausible dimensions %dx%d", rows, cols)
	}
	need := tileHeaderSize + rows*cols
	if len(data) < need {
		return nil, fmt.Errorf("truncated categories: have %d want %d", len(data), need)
	}
	return &coverTile{rows: rows, cols: cols, categories: data[tileHeaderSize:need]}, nil
}

// EncodeTile serializes an elevation tile; used by import tooling and tests.
func EncodeTile(rows, cols int, samples []int16) ([]byte, error) {
	if rows*cols != len(samples) {
		return nil, fmt.Errorf("terrain: %dx%d header does not match %d samples", rows, cols, len(samples))
	}
	buf := make([]byte, tileHeaderSize+len(samples)*2)
	binary.BigEndian.PutUint32(buf, tileMagic)
	binary.BigEndian.PutUint32(buf[4:], uint32(rows))
	binary.BigEndian.PutUint32(buf[8:], uint32(cols))
	for i, s := range samples {
		binary.BigEndian.PutUint16(buf[tileHeaderSize+i*2:], uint16(s))
	}
	return buf, nil
}
