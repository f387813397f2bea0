// Package source models the transmitting facilities of a scenario: their
// raw record attributes, derived geometry (HAAT, antenna tabulations,
// service contour), and the interference relationships between them.
package source

import (
	"fmt"
	"math"

	"rfstudy/geo"
	"rfstudy/params"
	"rfstudy/propagation"
)

// AreaType selects how a source's service area is defined.
type AreaType int

const (
	AreaContourFCC   AreaType = iota // FCC curve contour
	AreaContourLR                    // Longley-Rice statistical contour
	AreaGeography                    // fixed named geography
	AreaUnrestricted                 // no bounds of its own
	AreaFixedRadius                  // circle of RadiusKm
)

// Source is one transmitting facility, or one transmitter of a DTS group.
type Source struct {
	Key          string
	CallSign     string
	Service      params.Service
	Channel      int
	FrequencyMHz float64
	Country      params.Country
	Zone         params.Zone

	Lat, Lon    float64 // NAD83
	HeightAMSLm float64 // radiation center AMSL; derived when zero
	HeightAGLm  float64
	ERPdBk      float64

	Horizontal *HorizontalPattern // nil means omnidirectional
	Vertical   *VerticalPattern   // nil means generic vertical envelope
	Matrix     *MatrixPattern     // overrides Vertical per azimuth when set

	AreaType  AreaType
	RadiusKm  float64    // for AreaFixedRadius
	Geography *Geography // for AreaGeography

	// DTS membership. A group is identified by GroupKey; exactly one member
	// carries IsDTSReference. DelayMicroseconds is the transmitter's timing
	// offset relative to the reference.
	GroupKey          string
	IsDTSReference    bool
	DelayMicroseconds float64

	// ModCount is the record modification count from the station database;
	// it participates in the cache fingerprint.
	ModCount uint32

	// Derived geometry, valid while derivedValid is set. Any setter that
	// changes an input calls Invalidate.
	HAATm        float64
	ContourDBu   float64
	area         *serviceArea
	Undesireds   []UndesiredLink
	derivedValid bool
}

// UndesiredLink is a directed interference relationship: the owning source
// is the desired station, Undesired the potential interferer.
type UndesiredLink struct {
	Undesired    *Source
	RequiredDUdB float64
	PercentTime  float64
	// ThresholdDBu, when positive, exempts points where the undesired field
	// is below it regardless of the ratio.
	ThresholdDBu   float64
	CullDistanceKm float64
}

// Band classifies the source's frequency.
func (s *Source) Band() propagation.Band {
	return propagation.BandForFrequency(s.FrequencyMHz)
}

// Invalidate discards derived geometry so the next use recomputes it, and
// bumps nothing: the modification count is owned by the record store.
func (s *Source) Invalidate() {
	s.derivedValid = false
	s.area = nil
	s.Undesireds = nil
}

// DerivedValid reports whether derived geometry is current.
func (s *Source) DerivedValid() bool { return s.derivedValid }

// ERPTowardDBk returns the effective radiated power in dBk toward an azimuth
// and depression angle, applying the horizontal and vertical (or matrix)
// pattern values.
func (s *Source) ERPTowardDBk(azimuthDeg, depressionDeg float64) float64 {
	rel := 1.0
	if s.Horizontal != nil {
		rel *= s.Horizontal.At(azimuthDeg)
	}
	if s.Matrix != nil {
		rel *= s.Matrix.At(azimuthDeg, depressionDeg)
	} else if s.Vertical != nil {
		rel *= s.Vertical.At(depressionDeg)
	}
	if rel < 1e-6 {
		rel = 1e-6 // pattern nulls bottom out at -120 dB
	}
	return s.ERPdBk + 20*math.Log10(rel)
}

// Validate checks the raw record fields that every derivation depends on.
func (s *Source) Validate() error {
	if s.Key == "" {
		return fmt.Errorf("source: record has no key")
	}
	if err := geo.CheckLatLon(s.Lat, s.Lon); err != nil {
		return fmt.Errorf("source %s: %w", s.Key, err)
	}
	if s.FrequencyMHz <= 0 {
		return fmt.Errorf("source %s: frequency %g MHz is invalid", s.Key, s.FrequencyMHz)
	}
	if s.HeightAGLm < 0 {
		return fmt.Errorf("source %s: height AGL %g m is invalid", s.Key, s.HeightAGLm)
	}
	if s.AreaType == AreaFixedRadius && s.RadiusKm <= 0 {
		return fmt.Errorf("source %s: fixed radius %g km is invalid", s.Key, s.RadiusKm)
	}
	if s.AreaType == AreaGeography && s.Geography == nil {
		return fmt.Errorf("source %s: geography area with no geography", s.Key)
	}
	return nil
}

// ChannelFrequencyMHz returns the visual/center frequency for a TV channel
// number, or an FM channel expressed as its frequency directly.
func ChannelFrequencyMHz(channel int) (float64, error) {
	switch {
	case channel >= 2 && channel <= 4:
		return 57 + float64(channel-2)*6, nil
	case channel >= 5 && channel <= 6:
		return 79 + float64(channel-5)*6, nil
	case channel >= 7 && channel <= 13:
		return 177 + float64(channel-7)*6, nil
	case channel >= 14 && channel <= 69:
		return 473 + float64(channel-14)*6, nil
	}
	return 0, fmt.Errorf("source: channel %d out of range", channel)
}
