package terrain

// MemService is a function-backed Service used by tests and the CLI's
// synthetic mode. Nil functions behave as flat sea-level open land.
type MemService struct {
	Elevation func(lat, lon float64) (float64, error)
	Cover     func(lat, lon float64) (Category, error)
	// SlackPoints mirrors the file database's trailing-shortfall allowance.
	SlackPoints int
}

// Flat returns a service reporting a constant elevation everywhere.
func Flat(elevationM float64) *MemService {
	return &MemService{
		Elevation: func(lat, lon float64) (float64, error) { return elevationM, nil },
	}
}

func (m *MemService) PointElevation(lat, lon float64) (float64, error) {
	if m.Elevation == nil {
		return 0, nil
	}
	return m.Elevation(lat, lon)
}

func (m *MemService) Radial(lat, lon, bearingDeg, distanceKm, spacingKm float64) (*Profile, error) {
	slack := m.SlackPoints
	if slack <= 0 {
		slack = 1
	}
	return extractRadial(m.PointElevation, lat, lon, bearingDeg, distanceKm, spacingKm, slack)
}

func (m *MemService) LandCover(lat, lon float64) (Category, error) {
	if m.Cover == nil {
		return CategoryOpenLand, nil
	}
	return m.Cover(lat, lon)
}
