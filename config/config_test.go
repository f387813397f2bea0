package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
haat:
  radial_count: 12
study:
  cell_size_km: 1.0
  grid_type: global
model:
  error_policy: ignore
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HAAT.RadialCount != 12 {
		t.Fatalf("radial_count = %d, want 12", cfg.HAAT.RadialCount)
	}
	if cfg.Study.CellSizeKm != 1.0 || cfg.Study.GridType != "global" {
		t.Fatalf("study overrides not applied: %+v", cfg.Study)
	}
	// Untouched sections keep defaults.
	if cfg.HAAT.MinDistanceKm != 3.2 || cfg.HAAT.MaxDistanceKm != 16.1 {
		t.Fatalf("haat window lost defaults: %+v", cfg.HAAT)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"bad error policy", "model:\n  error_policy: explode\n", "error_policy"},
		{"bad grid type", "study:\n  grid_type: hex\n", "grid_type"},
		{"bad haat window", "haat:\n  min_distance_km: 20\n", "haat window"},
		{"bad percent", "model:\n  percent_time: 100\n", "percent_time"},
		{"bad datum", "coordinate_convert:\n  default_datum: tokyo\n", "default_datum"},
		{"bad cell size", "study:\n  cell_size_km: -1\n", "cell_size_km"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file should fail")
	}
}
