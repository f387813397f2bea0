// Package stationdata loads study records from the station SQLite database:
// the study row itself, its resolved parameter set, the facility list with
// antenna patterns, and the interference rule table. The database is the
// engine's read-only input; a failure to open or lock it is fatal, while a
// missing or corrupt pattern row degrades that one source to the generic
// pattern and is counted.
package stationdata

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"rfstudy/geo"
	"rfstudy/params"
	"rfstudy/source"
	"rfstudy/sqliteutil"
	"rfstudy/strutil"
)

// ErrStudyNotFound reports an unknown study key.
var ErrStudyNotFound = errors.New("stationdata: study not found")

// Study is the opaque handle the engine starts from: identity plus the
// resolved parameter set, rule table and source list.
type Study struct {
	Key      string
	Name     string
	Type     string
	Mode     string // "grid" or "points"
	AreaMode string // "service", "geography" or "unrestricted"

	Set     *params.Set
	Rules   []source.Rule
	Sources []*source.Source

	// PatternFallbacks counts sources degraded to the generic pattern
	// because their pattern rows were missing or corrupt.
	PatternFallbacks int64
}

// DB wraps the station database connection.
type DB struct {
	db *sql.DB
}

// Open connects to the station database. The file must already exist; the
// engine never creates studies.
func Open(path string) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("stationdata: empty database path")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stationdata: database: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("stationdata: open db: %w", err)
	}
	if _, err := db.Exec(`pragma journal_mode=WAL; pragma busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("stationdata: pragmas: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := sqliteutil.Preflight(db, "station", 5*time.Second); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

// Create initializes a new station database with the study schema. Used by
// admin tooling and tests; the engine itself only reads.
func Create(path string) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("stationdata: empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("stationdata: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("stationdata: open db: %w", err)
	}
	if _, err := db.Exec(`pragma journal_mode=WAL; pragma synchronous=NORMAL; pragma busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("stationdata: pragmas: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &DB{db: db}, nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`create table if not exists studies (
			study_key text primary key,
			name text not null,
			study_type text not null,
			study_mode text not null,
			area_mode text not null
		)`,
		`create table if not exists facilities (
			study_key text not null,
			source_key text not null,
			call_sign text not null,
			service text not null,
			channel integer not null,
			frequency_mhz real not null default 0,
			country text not null,
			zone integer not null,
			lat real not null,
			lon real not null,
			datum text not null default 'nad83',
			height_amsl_m real not null default 0,
			height_agl_m real not null,
			erp_dbk real not null,
			area_type text not null default 'contour-fcc',
			radius_km real not null default 0,
			group_key text,
			is_dts_reference integer not null default 0,
			delay_us real not null default 0,
			mod_count integer not null default 0,
			primary key (study_key, source_key)
		)`,
		`create table if not exists patterns (
			study_key text not null,
			source_key text not null,
			kind text not null,
			azimuth_deg real not null default 0,
			depression_deg real not null default 0,
			field_rel real not null,
			tilt_deg real not null default 0,
			doubled integer not null default 0
		)`,
		`create index if not exists patterns_source on patterns(study_key, source_key)`,
		`create table if not exists rules (
			study_key text not null,
			desired_service text not null,
			undesired_service text not null,
			channel_delta integer not null,
			desired_country text,
			required_du_db real not null,
			percent_time real not null,
			threshold_dbu real not null default 0
		)`,
		`create table if not exists parameters (
			study_key text not null,
			name text not null,
			value text not null,
			primary key (study_key, name)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("stationdata: schema: %w", err)
		}
	}
	return nil
}

// Exec runs a statement against the database; the admin surface for tooling
// that seeds or edits study records.
func (d *DB) Exec(query string, args ...any) error {
	if _, err := d.db.Exec(query, args...); err != nil {
		return fmt.Errorf("stationdata: exec: %w", err)
	}
	return nil
}

// Close releases the connection.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// OpenStudy loads one study and everything the engine needs from it.
func (d *DB) OpenStudy(studyKey string) (*Study, error) {
	st := &Study{Key: studyKey}
	row := d.db.QueryRow(
		`select name, study_type, study_mode, area_mode from studies where study_key = ?`, studyKey)
	if err := row.Scan(&st.Name, &st.Type, &st.Mode, &st.AreaMode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrStudyNotFound, studyKey)
		}
		return nil, fmt.Errorf("stationdata: study %s: %w", studyKey, err)
	}

	set, err := d.loadParameters(studyKey)
	if err != nil {
		return nil, err
	}
	st.Set = set

	rules, err := d.loadRules(studyKey)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		rules = source.DefaultRules()
	}
	st.Rules = rules

	sources, fallbacks, err := d.loadSources(studyKey)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("stationdata: study %s has no facilities", studyKey)
	}
	st.Sources = sources
	st.PatternFallbacks = fallbacks
	return st, nil
}

// loadParameters applies the study's parameter rows over the defaults.
func (d *DB) loadParameters(studyKey string) (*params.Set, error) {
	set := params.Defaults()
	rows, err := d.db.Query(`select name, value from parameters where study_key = ?`, studyKey)
	if err != nil {
		return nil, fmt.Errorf("stationdata: parameters %s: %w", studyKey, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("stationdata: parameter row: %w", err)
		}
		if err := applyParameter(set, name, value); err != nil {
			return nil, fmt.Errorf("stationdata: parameter %s=%q: %w", name, value, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stationdata: parameters %s: %w", studyKey, err)
	}
	return set, nil
}

func applyParameter(set *params.Set, name, value string) error {
	parseF := func() (float64, error) { return strconv.ParseFloat(strings.TrimSpace(value), 64) }
	switch name {
	case "safety_zone_km":
		v, err := parseF()
		if err != nil {
			return err
		}
		set.SafetyZoneKm = v
	case "max_required_du_db":
		v, err := parseF()
		if err != nil {
			return err
		}
		set.MaxRequiredDU = v
	case "receiver_height_m":
		v, err := parseF()
		if err != nil {
			return err
		}
		set.ReceiverHeightM = v
	case "percent_time":
		v, err := parseF()
		if err != nil {
			return err
		}
		set.PercentTime = v
	case "percent_location":
		v, err := parseF()
		if err != nil {
			return err
		}
		set.PercentLocation = v
	case "percent_confidence":
		v, err := parseF()
		if err != nil {
			return err
		}
		set.PercentConfidence = v
	case "dts_lead_us":
		v, err := parseF()
		if err != nil {
			return err
		}
		set.DTSLeadMicroseconds = v
	case "dts_lag_us":
		v, err := parseF()
		if err != nil {
			return err
		}
		set.DTSLagMicroseconds = v
	case "dts_relaxed_du_db":
		v, err := parseF()
		if err != nil {
			return err
		}
		set.DTSRelaxedDUdB = v
	case "error_policy":
		policy, err := params.ParseErrorPolicy(value)
		if err != nil {
			return err
		}
		set.ErrorPolicy = policy
	default:
		return fmt.Errorf("unknown parameter")
	}
	return nil
}

// loadRules reads the study's interference rule table.
func (d *DB) loadRules(studyKey string) ([]source.Rule, error) {
	rows, err := d.db.Query(
		`select desired_service, undesired_service, channel_delta, desired_country,
		        required_du_db, percent_time, threshold_dbu
		   from rules where study_key = ?`, studyKey)
	if err != nil {
		return nil, fmt.Errorf("stationdata: rules %s: %w", studyKey, err)
	}
	defer rows.Close()

	var out []source.Rule
	for rows.Next() {
		var (
			dsvc, usvc string
			country    sql.NullString
			r          source.Rule
		)
		if err := rows.Scan(&dsvc, &usvc, &r.ChannelDelta, &country,
			&r.RequiredDUdB, &r.PercentTime, &r.ThresholdDBu); err != nil {
			return nil, fmt.Errorf("stationdata: rule row: %w", err)
		}
		if r.DesiredService, err = params.ParseService(dsvc); err != nil {
			return nil, fmt.Errorf("stationdata: rule: %w", err)
		}
		if r.UndesiredService, err = params.ParseService(usvc); err != nil {
			return nil, fmt.Errorf("stationdata: rule: %w", err)
		}
		if country.Valid && country.String != "" {
			c, err := params.ParseCountry(country.String)
			if err != nil {
				return nil, fmt.Errorf("stationdata: rule: %w", err)
			}
			r.DesiredCountry = &c
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stationdata: rules %s: %w", studyKey, err)
	}
	return out, nil
}

// facilityRow mirrors the facilities table.
type facilityRow struct {
	sourceKey    string
	callSign     string
	service      string
	channel      int
	frequencyMHz float64
	country      string
	zone         int
	lat, lon     float64
	datum        string
	heightAMSLm  float64
	heightAGLm   float64
	erpDBk       float64
	areaType     string
	radiusKm     float64
	groupKey     sql.NullString
	isReference  bool
	delayUs      float64
	modCount     uint32
}

// loadSources reads facilities with their patterns. Coordinates recorded in
// NAD27 convert to NAD83 on load.
func (d *DB) loadSources(studyKey string) ([]*source.Source, int64, error) {
	rows, err := d.db.Query(
		`select source_key, call_sign, service, channel, frequency_mhz, country, zone,
		        lat, lon, datum, height_amsl_m, height_agl_m, erp_dbk,
		        area_type, radius_km, group_key, is_dts_reference, delay_us, mod_count
		   from facilities where study_key = ? order by source_key`, studyKey)
	if err != nil {
		return nil, 0, fmt.Errorf("stationdata: facilities %s: %w", studyKey, err)
	}
	defer rows.Close()

	var (
		out       []*source.Source
		fallbacks int64
	)
	for rows.Next() {
		var f facilityRow
		if err := rows.Scan(&f.sourceKey, &f.callSign, &f.service, &f.channel,
			&f.frequencyMHz, &f.country, &f.zone, &f.lat, &f.lon, &f.datum,
			&f.heightAMSLm, &f.heightAGLm, &f.erpDBk, &f.areaType, &f.radiusKm,
			&f.groupKey, &f.isReference, &f.delayUs, &f.modCount); err != nil {
			return nil, 0, fmt.Errorf("stationdata: facility row: %w", err)
		}
		s, err := f.toSource()
		if err != nil {
			return nil, 0, fmt.Errorf("stationdata: facility %s: %w", f.sourceKey, err)
		}
		n, err := d.loadPatterns(studyKey, s)
		if err != nil {
			return nil, 0, err
		}
		fallbacks += n
		if err := s.Validate(); err != nil {
			return nil, 0, fmt.Errorf("stationdata: facility %s: %w", f.sourceKey, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("stationdata: facilities %s: %w", studyKey, err)
	}
	return out, fallbacks, nil
}

func (f *facilityRow) toSource() (*source.Source, error) {
	svc, err := params.ParseService(f.service)
	if err != nil {
		return nil, err
	}
	country, err := params.ParseCountry(f.country)
	if err != nil {
		return nil, err
	}
	// Zones are recorded 1..3 in the database.
	if f.zone < 1 || f.zone > 3 {
		return nil, fmt.Errorf("zone %d out of range", f.zone)
	}
	area, err := parseAreaType(f.areaType)
	if err != nil {
		return nil, err
	}
	lat, lon := f.lat, f.lon
	if f.datum != "" {
		datum, err := geo.ParseDatum(f.datum)
		if err != nil {
			return nil, err
		}
		if datum == geo.DatumNAD27 {
			lat, lon, err = geo.ConvertDatum(lat, lon, geo.DatumNAD27, geo.DatumNAD83)
			if err != nil {
				return nil, err
			}
		}
	}
	freq := f.frequencyMHz
	if freq == 0 {
		freq, err = source.ChannelFrequencyMHz(f.channel)
		if err != nil {
			return nil, err
		}
	}
	return &source.Source{
		Key:               f.sourceKey,
		CallSign:          strutil.NormalizeUpper(f.callSign),
		Service:           svc,
		Channel:           f.channel,
		FrequencyMHz:      freq,
		Country:           country,
		Zone:              params.Zone(f.zone - 1),
		Lat:               lat,
		Lon:               lon,
		HeightAMSLm:       f.heightAMSLm,
		HeightAGLm:        f.heightAGLm,
		ERPdBk:            f.erpDBk,
		AreaType:          area,
		RadiusKm:          f.radiusKm,
		GroupKey:          f.groupKey.String,
		IsDTSReference:    f.isReference,
		DelayMicroseconds: f.delayUs,
		ModCount:          f.modCount,
	}, nil
}

func parseAreaType(key string) (source.AreaType, error) {
	switch strutil.NormalizeLower(key) {
	case "contour-fcc", "":
		return source.AreaContourFCC, nil
	case "contour-lr":
		return source.AreaContourLR, nil
	case "geography":
		return source.AreaGeography, nil
	case "unrestricted":
		return source.AreaUnrestricted, nil
	case "fixed-radius":
		return source.AreaFixedRadius, nil
	}
	return 0, fmt.Errorf("unknown area type %q", key)
}

// loadPatterns attaches the source's antenna patterns. A missing or corrupt
// pattern record is recoverable: the source falls back to the generic
// pattern, the event is logged and the fallback counted.
func (d *DB) loadPatterns(studyKey string, s *source.Source) (int64, error) {
	rows, err := d.db.Query(
		`select kind, azimuth_deg, depression_deg, field_rel, tilt_deg, doubled
		   from patterns where study_key = ? and source_key = ?
		  order by kind, azimuth_deg, depression_deg`, studyKey, s.Key)
	if err != nil {
		return 0, fmt.Errorf("stationdata: patterns %s: %w", s.Key, err)
	}
	defer rows.Close()

	var (
		hPoints  []source.PatternPoint
		vPoints  []source.PatternPoint
		tiltDeg  float64
		doubled  bool
		haveV    bool
		mAzOrder []float64
		mSlices  map[float64][]source.PatternPoint
	)
	for rows.Next() {
		var (
			kind           string
			az, dep, field float64
			tilt           float64
			doubledFlag    bool
		)
		if err := rows.Scan(&kind, &az, &dep, &field, &tilt, &doubledFlag); err != nil {
			return 0, fmt.Errorf("stationdata: pattern row %s: %w", s.Key, err)
		}
		switch kind {
		case "h":
			hPoints = append(hPoints, source.PatternPoint{Degrees: az, Field: field})
		case "v":
			vPoints = append(vPoints, source.PatternPoint{Degrees: dep, Field: field})
			tiltDeg = tilt
			doubled = doubledFlag
			haveV = true
		case "m":
			if mSlices == nil {
				mSlices = make(map[float64][]source.PatternPoint)
			}
			if _, ok := mSlices[az]; !ok {
				mAzOrder = append(mAzOrder, az)
			}
			mSlices[az] = append(mSlices[az], source.PatternPoint{Degrees: dep, Field: field})
		default:
			return 0, fmt.Errorf("stationdata: pattern %s: unknown kind %q", s.Key, kind)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("stationdata: patterns %s: %w", s.Key, err)
	}

	var fallbacks int64
	if len(hPoints) > 0 {
		hp, err := source.NewHorizontalPattern(hPoints, false)
		if err != nil {
			log.Printf("stationdata: source %s horizontal pattern unusable (%v), using omni", s.Key, err)
			fallbacks++
		} else {
			s.Horizontal = hp
		}
	}
	if haveV {
		vp, err := source.NewVerticalPattern(vPoints, tiltDeg, doubled)
		if err != nil {
			log.Printf("stationdata: source %s vertical pattern unusable (%v), using generic", s.Key, err)
			s.Vertical = source.GenericVertical()
			fallbacks++
		} else {
			s.Vertical = vp
		}
	}
	if len(mAzOrder) > 0 {
		mp, err := buildMatrix(mAzOrder, mSlices)
		if err != nil {
			// The matrix overrides the vertical pattern; an unusable one
			// degrades to whatever vertical survives above.
			log.Printf("stationdata: source %s matrix pattern unusable (%v), using vertical", s.Key, err)
			fallbacks++
		} else {
			s.Matrix = mp
		}
	}
	return fallbacks, nil
}

func buildMatrix(azimuths []float64, slices map[float64][]source.PatternPoint) (*source.MatrixPattern, error) {
	verticals := make([]*source.VerticalPattern, 0, len(azimuths))
	for _, az := range azimuths {
		vp, err := source.NewVerticalPattern(slices[az], 0, false)
		if err != nil {
			return nil, fmt.Errorf("azimuth %g: %w", az, err)
		}
		verticals = append(verticals, vp)
	}
	return source.NewMatrixPattern(azimuths, verticals)
}
