package params

import (
	"testing"

	"rfstudy/propagation"
	"rfstudy/terrain"
)

func TestParseHelpers(t *testing.T) {
	if c, err := ParseCountry(" usa "); err != nil || c != CountryUS {
		t.Fatalf("parse country: %v %v", c, err)
	}
	if _, err := ParseCountry("ZZ"); err == nil {
		t.Fatal("unknown country should fail")
	}
	if s, err := ParseService("DTV"); err != nil || s != ServiceDTV {
		t.Fatalf("parse service: %v %v", s, err)
	}
	if p, err := ParseErrorPolicy("Served"); err != nil || p != ErrorPolicyServed {
		t.Fatalf("parse policy: %v %v", p, err)
	}
}

func TestCullingDistanceTable(t *testing.T) {
	s := Defaults()

	// Low ERP takes the first ceiling row.
	d := s.CullingDistance(propagation.BandUHF, ZoneII, 10)
	if d != 220 {
		t.Fatalf("uhf zone II low erp = %g, want 220", d)
	}
	// Higher ERP climbs to the next row.
	d = s.CullingDistance(propagation.BandUHF, ZoneII, 25)
	if d != 250 {
		t.Fatalf("uhf zone II mid erp = %g, want 250", d)
	}
	// ERP above every ceiling takes the largest row for the band/zone.
	d = s.CullingDistance(propagation.BandUHF, ZoneII, 60)
	if d != 250 {
		t.Fatalf("uhf zone II high erp = %g, want 250", d)
	}
	// Band/zone with no rows fails open to the global maximum.
	d = s.CullingDistance(propagation.BandFM, ZoneIII, 10)
	if d != 320 {
		t.Fatalf("missing rows should fail open to 320, got %g", d)
	}

	// Safety zone overrides the table.
	s.SafetyZoneKm = 88
	if d := s.CullingDistance(propagation.BandUHF, ZoneII, 10); d != 88 {
		t.Fatalf("safety zone override = %g, want 88", d)
	}
}

func TestCapRequiredDU(t *testing.T) {
	s := Defaults() // cap 45
	if got := s.CapRequiredDU(30); got != 30 {
		t.Fatalf("below cap changed: %g", got)
	}
	if got := s.CapRequiredDU(49); got != 47 {
		t.Fatalf("ramp: got %g, want 47", got)
	}
	if got := s.CapRequiredDU(90); got != 50 {
		t.Fatalf("hard limit: got %g, want 50", got)
	}
}

func TestLookupsValidateRange(t *testing.T) {
	s := Defaults()
	if _, err := s.ContourLevel(Country(9), ServiceTVFull, propagation.BandUHF); err == nil {
		t.Fatal("bad country should fail")
	}
	if _, err := s.ServiceThreshold(CountryUS, Service(9), propagation.BandUHF); err == nil {
		t.Fatal("bad service should fail")
	}
	lvl, err := s.ContourLevel(CountryCA, ServiceDTV, propagation.BandUHF)
	if err != nil || lvl != 41 {
		t.Fatalf("dtv uhf contour = %g, %v", lvl, err)
	}
}

func TestClutterAdjustment(t *testing.T) {
	s := Defaults()
	if adj := s.ClutterAdjustment(terrain.CategoryUrban, propagation.BandUHF); adj != -7 {
		t.Fatalf("urban uhf = %g", adj)
	}
	if adj := s.ClutterAdjustment(terrain.CategoryOpenLand, propagation.BandUHF); adj != 0 {
		t.Fatalf("open land should be neutral, got %g", adj)
	}
	if adj := s.ClutterAdjustment(terrain.Category(99), propagation.BandUHF); adj != 0 {
		t.Fatalf("out of range category should be neutral, got %g", adj)
	}
}
