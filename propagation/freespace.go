package propagation

import (
	"fmt"
	"math"

	"rfstudy/terrain"
)

// freeSpaceConstant is the field strength in dBu at 1 km from a 1 kW ERP
// transmitter in free space.
const freeSpaceConstant = 106.92

// FreeSpace is the inverse-square-law model. It needs no terrain and never
// sets an advisory error code.
type FreeSpace struct{}

func (FreeSpace) Name() string { return "free-space" }

func (FreeSpace) RequiredProfile(Request) ProfileSpec { return ProfileSpec{} }

func (FreeSpace) Compute(_ *terrain.Profile, req Request) (Result, error) {
	if req.DistanceKm <= 0 {
		return Result{}, fmt.Errorf("propagation: free-space distance %g km is invalid", req.DistanceKm)
	}
	return Result{FieldStrengthDBu: freeSpaceConstant - 20*math.Log10(req.DistanceKm)}, nil
}

// FreeSpaceFieldDBu is the direct form used by contour solving and the CLI.
func FreeSpaceFieldDBu(distanceKm float64) float64 {
	return freeSpaceConstant - 20*math.Log10(distanceKm)
}

// DipoleAdjustmentDB returns the half-wave dipole factor that converts a UHF
// field strength to its equivalent at the dipole reference frequency.
func DipoleAdjustmentDB(frequencyMHz, referenceMHz float64) (float64, error) {
	if frequencyMHz <= 0 || referenceMHz <= 0 {
		return 0, fmt.Errorf("propagation: dipole frequencies must be positive (%g, %g)", frequencyMHz, referenceMHz)
	}
	return 20 * math.Log10(referenceMHz/frequencyMHz), nil
}

func init() {
	Register(FreeSpace{})
}
