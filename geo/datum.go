package geo

import (
	"fmt"
	"math"

	"rfstudy/strutil"
)

// Datum identifies a horizontal reference datum for facility coordinates.
type Datum int

const (
	DatumNAD27 Datum = iota
	DatumNAD83
)

// ParseDatum maps a config/CLI key to a Datum.
func ParseDatum(key string) (Datum, error) {
	switch strutil.NormalizeLower(key) {
	case "nad27":
		return DatumNAD27, nil
	case "nad83", "wgs84":
		return DatumNAD83, nil
	}
	return 0, fmt.Errorf("geo: unknown datum %q", key)
}

func (d Datum) String() string {
	if d == DatumNAD27 {
		return "NAD27"
	}
	return "NAD83"
}

// Clarke 1866 (NAD27) and GRS80 (NAD83) ellipsoid constants, plus the mean
// three-parameter shift for the conterminous US.
const (
	clarkeA   = 6378206.4
	clarkeF   = 1.0 / 294.9786982
	grs80A    = 6378137.0
	grs80F    = 1.0 / 298.257222101
	shiftDX   = -8.0
	shiftDY   = 160.0
	shiftDZ   = 176.0
	arcSecond = math.Pi / (180 * 3600)
)

// ConvertDatum converts a coordinate pair between NAD27 and NAD83 using the
// standard abridged Molodensky three-parameter transformation. Heights are
// ignored; the positional error of the mean shift (a few meters) is well
// below one terrain cell. Same-datum calls return the input unchanged.
func ConvertDatum(lat, lon float64, from, to Datum) (float64, float64, error) {
	if err := CheckLatLon(lat, lon); err != nil {
		return 0, 0, err
	}
	if from == to {
		return lat, lon, nil
	}
	dx, dy, dz := shiftDX, shiftDY, shiftDZ
	a, f := clarkeA, clarkeF
	da := grs80A - clarkeA
	df := grs80F - clarkeF
	if from == DatumNAD83 {
		dx, dy, dz = -dx, -dy, -dz
		a, f = grs80A, grs80F
		da, df = -da, -df
	}

	phi := lat * math.Pi / 180
	lam := lon * math.Pi / 180
	sinP, cosP := math.Sin(phi), math.Cos(phi)
	sinL, cosL := math.Sin(lam), math.Cos(lam)
	e2 := 2*f - f*f
	w := math.Sqrt(1 - e2*sinP*sinP)
	rm := a * (1 - e2) / (w * w * w)
	rn := a / w

	dPhi := (-dx*sinP*cosL - dy*sinP*sinL + dz*cosP +
		da*(rn*e2*sinP*cosP)/a +
		df*(rm/(1-f)+rn*(1-f))*sinP*cosP) / rm
	dLam := (-dx*sinL + dy*cosL) / (rn * cosP)

	outLat := lat + dPhi/arcSecond/3600
	outLon := lon + dLam/arcSecond/3600
	return outLat, outLon, nil
}
