package terrain

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestProfileAverageWindow(t *testing.T) {
	p := &Profile{SpacingKm: 1.0, Elevations: []float64{100, 200, 300, 400, 500}}
	avg, err := p.AverageWindow(1, 3)
	if err != nil {
		t.Fatalf("average window: %v", err)
	}
	if avg != 300 {
		t.Fatalf("average = %g, want 300", avg)
	}
	if _, err := p.AverageWindow(10, 20); err == nil {
		t.Fatal("window beyond profile should fail")
	}
}

func TestMemServiceRadial(t *testing.T) {
	svc := Flat(150)
	p, err := svc.Radial(40, -105, 90, 10, 0.5)
	if err != nil {
		t.Fatalf("radial: %v", err)
	}
	if got := len(p.Elevations); got != 21 {
		t.Fatalf("profile points = %d, want 21", got)
	}
	if math.Abs(p.DistanceKm()-10) > 1e-9 {
		t.Fatalf("profile distance = %g", p.DistanceKm())
	}
	for _, e := range p.Elevations {
		if e != 150 {
			t.Fatalf("flat service returned %g", e)
		}
	}
}

func TestRadialShortfallSlack(t *testing.T) {
	// Elevation fails east of a wall; the profile crosses the wall just
	// before the final point so only the tail is missing.
	wallLon := -104.9884 // ~1 km east of start at 40N
	svc := &MemService{
		Elevation: func(lat, lon float64) (float64, error) {
			if lon > wallLon {
				return 0, ErrNoData
			}
			return 100, nil
		},
		SlackPoints: 1,
	}
	p, err := svc.Radial(40, -105, 90, 1.0, 0.1)
	if err != nil {
		t.Fatalf("tail shortfall within slack should succeed: %v", err)
	}
	if len(p.Elevations) < 10 {
		t.Fatalf("profile unexpectedly short: %d points", len(p.Elevations))
	}

	// A gap in the middle is always fatal.
	_, err = svc.Radial(40, -105, 90, 5.0, 0.1)
	if !errors.Is(err, ErrShortProfile) {
		t.Fatalf("mid-path gap: got %v, want ErrShortProfile", err)
	}
}

func writeTile(t *testing.T, dir, name string, rows, cols int, fill int16) {
	t.Helper()
	samples := make([]int16, rows*cols)
	for i := range samples {
		samples[i] = fill
	}
	data, err := EncodeTile(rows, cols, samples)
	if err != nil {
		t.Fatalf("encode tile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".ter"), data, 0o644); err != nil {
		t.Fatalf("write tile: %v", err)
	}
}

func TestFileDBPointAndRadial(t *testing.T) {
	dir := t.TempDir()
	writeTile(t, dir, "n40_w105", 121, 121, 500)
	db, err := OpenFileDB(dir, 1, CategoryOpenLand)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	e, err := db.PointElevation(40.5, -104.5)
	if err != nil {
		t.Fatalf("point elevation: %v", err)
	}
	if e != 500 {
		t.Fatalf("elevation = %g, want 500", e)
	}

	// Missing tile is a data gap, not a soft default.
	if _, err := db.PointElevation(41.5, -104.5); !errors.Is(err, ErrNoData) {
		t.Fatalf("missing tile: got %v, want ErrNoData", err)
	}

	p, err := db.Radial(40.5, -104.5, 180, 5, 0.5)
	if err != nil {
		t.Fatalf("radial: %v", err)
	}
	if len(p.Elevations) != 11 {
		t.Fatalf("radial points = %d, want 11", len(p.Elevations))
	}

	// Land cover with no cover tile falls back to the default category.
	c, err := db.LandCover(40.5, -104.5)
	if err != nil || c != CategoryOpenLand {
		t.Fatalf("land cover fallback: %v %v", c, err)
	}
}

func TestFileDBRejectsCorruptTile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "n40_w105.ter"), []byte("not a tile"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	db, err := OpenFileDB(dir, 1, CategoryOpenLand)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = db.PointElevation(40.5, -104.5)
	if err == nil || errors.Is(err, ErrNoData) {
		t.Fatalf("corrupt tile should be a hard error, got %v", err)
	}
}

func TestParseCategory(t *testing.T) {
	for i := 0; i < CategoryCount; i++ {
		c := Category(i)
		parsed, err := ParseCategory(c.String())
		if err != nil || parsed != c {
			t.Fatalf("round trip %v: %v %v", c, parsed, err)
		}
	}
	if _, err := ParseCategory("bogus"); err == nil {
		t.Fatal("unknown category should fail")
	}
}
