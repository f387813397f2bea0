// Package propagation implements the field-strength model layer. Every model
// satisfies the Model interface: it declares the terrain profile it needs,
// then computes a field strength normalized to dBu for a 0 dBk reference ERP.
// Model-internal problems are advisory (a usable field is still produced);
// terrain gaps and contract violations are hard errors.
package propagation

import (
	"fmt"
	"sort"
	"sync"

	"rfstudy/terrain"
)

// Band groups channels that share a curve family.
type Band int

const (
	BandLowVHF  Band = iota // TV channels 2-6, 54-88 MHz
	BandHighVHF             // TV channels 7-13, 174-216 MHz
	BandUHF                 // TV channels 14+, 470-806 MHz
	BandFM                  // 88-108 MHz; shares the low-VHF curve family
)

func (b Band) String() string {
	switch b {
	case BandLowVHF:
		return "low-vhf"
	case BandHighVHF:
		return "high-vhf"
	case BandUHF:
		return "uhf"
	case BandFM:
		return "fm"
	}
	return fmt.Sprintf("band(%d)", int(b))
}

// ParseBand maps a CLI/config key to a Band.
func ParseBand(key string) (Band, error) {
	switch key {
	case "low-vhf", "lv":
		return BandLowVHF, nil
	case "high-vhf", "hv":
		return BandHighVHF, nil
	case "uhf", "u":
		return BandUHF, nil
	case "fm", "f":
		return BandFM, nil
	}
	return 0, fmt.Errorf("propagation: unknown band %q", key)
}

// BandForFrequency classifies a frequency in MHz.
func BandForFrequency(mhz float64) Band {
	switch {
	case mhz < 88:
		return BandLowVHF
	case mhz < 140:
		return BandFM
	case mhz < 300:
		return BandHighVHF
	default:
		return BandUHF
	}
}

// ServiceMode selects the Longley-Rice mode-of-variability handling.
type ServiceMode int

const (
	ModeBroadcast ServiceMode = iota // individual mode, location+time separate
	ModeMobile                       // mobile mode, location folded into time
)

// Request carries the full geometry and statistical parameterization for one
// field-strength evaluation. Distances in km, heights in meters, frequency
// in MHz. Percent values are in (0,100).
type Request struct {
	TransmitterHeightM float64 // height AGL of the radiation center
	ReceiverHeightM    float64
	DistanceKm         float64
	FrequencyMHz       float64
	HAATm              float64 // overall or radial HAAT, used by curve models

	PercentTime       float64
	PercentLocation   float64
	PercentConfidence float64

	Climate             int // Longley-Rice radio climate 1..7
	Mode                ServiceMode
	GroundEpsilon       float64 // relative permittivity
	GroundSigma         float64 // conductivity S/m
	HorizontalPolarized bool

	CurveSet CurveSet // curve family for the FCC curve model
}

// Result is the outcome of a model evaluation. ErrorCode zero means a clean
// computation; non-zero codes are advisory and the field value remains
// usable under the caller's error policy.
type Result struct {
	FieldStrengthDBu float64 // at 0 dBk (1 kW) reference ERP
	ErrorCode        int
}

// ProfileSpec describes the terrain profile a model needs for a request.
// A zero Points means the model is terrain-independent.
type ProfileSpec struct {
	Points     int
	DistanceKm float64
	SpacingKm  float64
}

// Model is one field-strength algorithm.
type Model interface {
	Name() string
	// RequiredProfile reports the profile the model needs for this request.
	RequiredProfile(req Request) ProfileSpec
	// Compute evaluates the field strength. profile may be nil when
	// RequiredProfile returned zero Points. A returned error is fatal for
	// the point; advisory problems go in Result.ErrorCode.
	Compute(profile *terrain.Profile, req Request) (Result, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Model)
)

// Register adds a model to the dispatch table. Duplicate names panic at init
// time since that is always a programming error.
func Register(m Model) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[m.Name()]; dup {
		panic("propagation: duplicate model " + m.Name())
	}
	registry[m.Name()] = m
}

// ForKey resolves a model by name.
func ForKey(name string) (Model, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	m, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("propagation: unknown model %q", name)
	}
	return m, nil
}

// Names lists the registered models in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run resolves the profile requirement against the terrain service and
// dispatches to the model. This is the single entry point the engine and the
// CLI use; it owns the short-profile fatality rule (the terrain service
// tolerates only trailing rounding shortfall).
func Run(m Model, svc terrain.Service, txLat, txLon, bearingDeg float64, req Request) (Result, error) {
	spec := m.RequiredProfile(req)
	var profile *terrain.Profile
	if spec.Points > 0 {
		var err error
		profile, err = svc.Radial(txLat, txLon, bearingDeg, spec.DistanceKm, spec.SpacingKm)
		if err != nil {
			return Result{}, fmt.Errorf("propagation: %s profile: %w", m.Name(), err)
		}
	}
	return m.Compute(profile, req)
}
