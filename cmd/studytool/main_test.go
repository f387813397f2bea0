package main

import (
	"strings"
	"testing"

	"rfstudy/config"
	"rfstudy/terrain"
)

func runTool(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out strings.Builder
	err := run(config.Default(), terrain.Flat(100), args, &out)
	return out.String(), err
}

func TestOperationDispatchValidation(t *testing.T) {
	for _, args := range [][]string{
		{},
		{"0", "40", "-105"},
		{"11"},
		{"abc"},
	} {
		if _, err := runTool(t, args...); err == nil {
			t.Fatalf("args %v should be rejected", args)
		}
	}
}

func TestPointElevation(t *testing.T) {
	out, err := runTool(t, "1", "40.0", "-105.0")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "elevation: 100.0 m") {
		t.Fatalf("output = %q", out)
	}
	if _, err := runTool(t, "1", "95", "-105"); err == nil {
		t.Fatal("latitude 95 should be rejected")
	}
	if _, err := runTool(t, "1", "40"); err == nil {
		t.Fatal("missing longitude should be rejected")
	}
}

func TestDatumConversion(t *testing.T) {
	out, err := runTool(t, "2", "40.0", "-105.0", "nad27", "nad83")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(out) == "40.000000 -105.000000" {
		t.Fatal("conversion should shift the coordinate")
	}
	if _, err := runTool(t, "2", "40", "-105", "wgs72", "nad83"); err == nil {
		t.Fatal("unknown datum should be rejected")
	}
}

func TestHAATOverFlatTerrain(t *testing.T) {
	out, err := runTool(t, "3", "40.0", "-105.0", "200")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// Site 100 m + 200 m AGL over 100 m average terrain.
	if !strings.Contains(out, "haat: 200.0 m") {
		t.Fatalf("output = %q", out)
	}
	if _, err := runTool(t, "3", "40", "-105", "9999"); err == nil {
		t.Fatal("absurd AGL should be rejected")
	}
}

func TestCurveOperations(t *testing.T) {
	out, err := runTool(t, "4", "uhf", "f5050", "200", "10", "64")
	if err != nil {
		t.Fatalf("curve distance: %v", err)
	}
	if !strings.HasPrefix(out, "distance: ") {
		t.Fatalf("output = %q", out)
	}
	out, err = runTool(t, "5", "uhf", "f5050", "200", "60", "64")
	if err != nil {
		t.Fatalf("curve erp: %v", err)
	}
	if !strings.HasPrefix(out, "erp: ") {
		t.Fatalf("output = %q", out)
	}
	if _, err := runTool(t, "4", "shortwave", "f5050", "200", "10", "64"); err == nil {
		t.Fatal("unknown band should be rejected")
	}
	if _, err := runTool(t, "4", "uhf", "f5075", "200", "10", "64"); err == nil {
		t.Fatal("unknown curve set should be rejected")
	}
}

func TestDipoleAdjustment(t *testing.T) {
	out, err := runTool(t, "6", "615")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "adjustment: 0.00 dB") {
		t.Fatalf("output = %q", out)
	}
	if _, err := runTool(t, "6", "-5"); err == nil {
		t.Fatal("negative frequency should be rejected")
	}
}

func TestLandCoverLookup(t *testing.T) {
	out, err := runTool(t, "7", "40", "-105")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "land cover: open-land") {
		t.Fatalf("output = %q", out)
	}
}

func TestProfileDump(t *testing.T) {
	out, err := runTool(t, "8", "40", "-105", "90", "1.0")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	// 1 km at the default 0.1 km spacing: 11 points including both ends.
	if len(lines) != 11 {
		t.Fatalf("profile lines = %d, want 11", len(lines))
	}
	if _, err := runTool(t, "8", "40", "-105", "360", "1.0"); err == nil {
		t.Fatal("bearing 360 should be rejected")
	}
	if _, err := runTool(t, "8", "40", "-105", "90", "900"); err == nil {
		t.Fatal("distance beyond 500 km should be rejected")
	}
}

func TestFieldStrengthQueries(t *testing.T) {
	// Free space at 10 km, 0 dBk: 106.92 - 20 = 86.92 dBu.
	out, err := runTool(t, "10", "free-space", "40", "-105", "0", "10", "200", "0", "509")
	if err != nil {
		t.Fatalf("bearing query: %v", err)
	}
	if !strings.Contains(out, "field: 86.92 dBu") {
		t.Fatalf("output = %q", out)
	}
	// Point-to-point should agree for the same geometry.
	out2, err := runTool(t, "9", "free-space", "40", "-105", "40.0899322", "-105", "200", "0", "509")
	if err != nil {
		t.Fatalf("point-to-point query: %v", err)
	}
	if !strings.HasPrefix(out2, "field: 86.9") {
		t.Fatalf("output = %q", out2)
	}
	if _, err := runTool(t, "10", "warp-drive", "40", "-105", "0", "10", "200", "0", "509"); err == nil {
		t.Fatal("unknown model should be rejected")
	}
}
