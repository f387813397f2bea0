// studytool exposes the engine's point operations as numbered subcommands
// for collaborators: terrain lookups, coordinate conversion, HAAT and
// FCC-curve solving, and single-path field strength queries. Every argument
// is validated against its documented range; invalid input or a lookup
// failure exits non-zero with a message.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"rfstudy/config"
	"rfstudy/geo"
	"rfstudy/params"
	"rfstudy/propagation"
	"rfstudy/source"
	"rfstudy/terrain"
)

const usageText = `usage: studytool [flags] <op> <args...>

operations:
  1 <lat> <lon>                                     point elevation (m AMSL)
  2 <lat> <lon> <from-datum> <to-datum>             coordinate datum conversion
  3 <lat> <lon> <height-agl-m> [height-amsl-m]      HAAT from AMSL/AGL
  4 <band> <curve-set> <haat-m> <erp-dbk> <dbu>     curve distance to a contour
  5 <band> <curve-set> <haat-m> <dist-km> <dbu>     curve ERP for a contour
  6 <frequency-mhz>                                 dipole field adjustment
  7 <lat> <lon>                                     land-cover category
  8 <lat> <lon> <bearing> <distance-km>             terrain profile dump
  9 <model> <tx-lat> <tx-lon> <rx-lat> <rx-lon> <agl-m> <erp-dbk> <freq-mhz>
                                                    field strength point-to-point
  10 <model> <lat> <lon> <bearing> <dist-km> <agl-m> <erp-dbk> <freq-mhz>
                                                    field strength bearing/distance
`

func main() {
	configPath := flag.String("config", "rfstudy.yaml", "path to the configuration file")
	flat := flag.Float64("flat", -1, "synthetic flat terrain elevation in meters (skips the terrain database)")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usageText)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "studytool: %v\n", err)
			os.Exit(1)
		}
		cfg = config.Default()
	}

	var svc terrain.Service
	if *flat >= 0 {
		svc = terrain.Flat(*flat)
	} else {
		cover, err := terrain.ParseCategory(cfg.LandCover.DefaultCategory)
		if err != nil {
			fmt.Fprintf(os.Stderr, "studytool: %v\n", err)
			os.Exit(1)
		}
		svc, err = terrain.OpenFileDB(cfg.Terrain.DatabaseDir, cfg.Terrain.ShortfallSlackPoints, cover)
		if err != nil {
			fmt.Fprintf(os.Stderr, "studytool: %v\n", err)
			os.Exit(1)
		}
	}

	if err := run(cfg, svc, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "studytool: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches one numbered operation. Split from main so tests can drive
// it with a synthetic terrain service.
func run(cfg *config.Config, svc terrain.Service, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("no operation given; valid operations are 1-10")
	}
	op, err := strconv.Atoi(args[0])
	if err != nil || op < 1 || op > 10 {
		return fmt.Errorf("operation %q out of range 1-10", args[0])
	}
	args = args[1:]
	switch op {
	case 1:
		return opElevation(svc, args, out)
	case 2:
		return opConvertDatum(args, out)
	case 3:
		return opHAAT(cfg, svc, args, out)
	case 4:
		return opCurveDistance(args, out)
	case 5:
		return opCurveERP(args, out)
	case 6:
		return opDipole(cfg, args, out)
	case 7:
		return opLandCover(svc, args, out)
	case 8:
		return opProfile(cfg, svc, args, out)
	case 9:
		return opFieldPointToPoint(cfg, svc, args, out)
	default:
		return opFieldBearing(cfg, svc, args, out)
	}
}

func needArgs(args []string, want int, usage string) error {
	if len(args) != want {
		return fmt.Errorf("expected %d arguments: %s", want, usage)
	}
	return nil
}

func parseFloat(name, v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not a number", name, v)
	}
	return f, nil
}

func parseLatLon(latArg, lonArg string) (float64, float64, error) {
	lat, err := parseFloat("latitude", latArg)
	if err != nil {
		return 0, 0, err
	}
	lon, err := parseFloat("longitude", lonArg)
	if err != nil {
		return 0, 0, err
	}
	if err := geo.CheckLatLon(lat, lon); err != nil {
		return 0, 0, err
	}
	return lat, lon, nil
}

func opElevation(svc terrain.Service, args []string, out io.Writer) error {
	if err := needArgs(args, 2, "<lat> <lon>"); err != nil {
		return err
	}
	lat, lon, err := parseLatLon(args[0], args[1])
	if err != nil {
		return err
	}
	elev, err := svc.PointElevation(lat, lon)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "elevation: %.1f m\n", elev)
	return nil
}

func opConvertDatum(args []string, out io.Writer) error {
	if err := needArgs(args, 4, "<lat> <lon> <from-datum> <to-datum>"); err != nil {
		return err
	}
	lat, lon, err := parseLatLon(args[0], args[1])
	if err != nil {
		return err
	}
	from, err := geo.ParseDatum(args[2])
	if err != nil {
		return err
	}
	to, err := geo.ParseDatum(args[3])
	if err != nil {
		return err
	}
	clat, clon, err := geo.ConvertDatum(lat, lon, from, to)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%.6f %.6f\n", clat, clon)
	return nil
}

func opHAAT(cfg *config.Config, svc terrain.Service, args []string, out io.Writer) error {
	if len(args) != 3 && len(args) != 4 {
		return fmt.Errorf("expected 3 or 4 arguments: <lat> <lon> <height-agl-m> [height-amsl-m]")
	}
	lat, lon, err := parseLatLon(args[0], args[1])
	if err != nil {
		return err
	}
	agl, err := parseFloat("height AGL", args[2])
	if err != nil {
		return err
	}
	if agl < 0 || agl > 5000 {
		return fmt.Errorf("height AGL %g m out of range 0-5000", agl)
	}
	amsl := 0.0
	if len(args) == 4 {
		if amsl, err = parseFloat("height AMSL", args[3]); err != nil {
			return err
		}
	}
	w := source.HAATWindow{
		RadialCount:   cfg.HAAT.RadialCount,
		MinDistanceKm: cfg.HAAT.MinDistanceKm,
		MaxDistanceKm: cfg.HAAT.MaxDistanceKm,
		SpacingKm:     cfg.Terrain.ProfileSpacingKm,
	}
	total := 0.0
	for i := 0; i < w.RadialCount; i++ {
		bearing := float64(i) * 360.0 / float64(w.RadialCount)
		h, err := source.RadialHAAT(svc, lat, lon, amsl, agl, bearing, w)
		if err != nil {
			return err
		}
		total += h
	}
	fmt.Fprintf(out, "haat: %.1f m\n", total/float64(w.RadialCount))
	return nil
}

func parseBandSet(bandArg, setArg string) (propagation.Band, propagation.CurveSet, error) {
	band, err := propagation.ParseBand(bandArg)
	if err != nil {
		return 0, 0, err
	}
	set, err := propagation.ParseCurveSet(setArg)
	if err != nil {
		return 0, 0, err
	}
	return band, set, nil
}

func opCurveDistance(args []string, out io.Writer) error {
	if err := needArgs(args, 5, "<band> <curve-set> <haat-m> <erp-dbk> <contour-dbu>"); err != nil {
		return err
	}
	band, set, err := parseBandSet(args[0], args[1])
	if err != nil {
		return err
	}
	haat, err := parseFloat("haat", args[2])
	if err != nil {
		return err
	}
	erp, err := parseFloat("erp", args[3])
	if err != nil {
		return err
	}
	contour, err := parseFloat("contour", args[4])
	if err != nil {
		return err
	}
	dist, err := propagation.CurveDistance(contour-erp, haat, band, set)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "distance: %.2f km\n", dist)
	return nil
}

func opCurveERP(args []string, out io.Writer) error {
	if err := needArgs(args, 5, "<band> <curve-set> <haat-m> <distance-km> <contour-dbu>"); err != nil {
		return err
	}
	band, set, err := parseBandSet(args[0], args[1])
	if err != nil {
		return err
	}
	haat, err := parseFloat("haat", args[2])
	if err != nil {
		return err
	}
	dist, err := parseFloat("distance", args[3])
	if err != nil {
		return err
	}
	contour, err := parseFloat("contour", args[4])
	if err != nil {
		return err
	}
	erp, err := propagation.CurveERP(contour, dist, haat, band, set)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "erp: %.2f dBk\n", erp)
	return nil
}

func opDipole(cfg *config.Config, args []string, out io.Writer) error {
	if err := needArgs(args, 1, "<frequency-mhz>"); err != nil {
		return err
	}
	freq, err := parseFloat("frequency", args[0])
	if err != nil {
		return err
	}
	adj, err := propagation.DipoleAdjustmentDB(freq, cfg.Constants.DipoleCenterMHz)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "adjustment: %.2f dB\n", adj)
	return nil
}

func opLandCover(svc terrain.Service, args []string, out io.Writer) error {
	if err := needArgs(args, 2, "<lat> <lon>"); err != nil {
		return err
	}
	lat, lon, err := parseLatLon(args[0], args[1])
	if err != nil {
		return err
	}
	cat, err := svc.LandCover(lat, lon)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "land cover: %s\n", cat)
	return nil
}

func opProfile(cfg *config.Config, svc terrain.Service, args []string, out io.Writer) error {
	if err := needArgs(args, 4, "<lat> <lon> <bearing> <distance-km>"); err != nil {
		return err
	}
	lat, lon, err := parseLatLon(args[0], args[1])
	if err != nil {
		return err
	}
	bearing, err := parseFloat("bearing", args[2])
	if err != nil {
		return err
	}
	if bearing < 0 || bearing >= 360 {
		return fmt.Errorf("bearing %g out of range [0,360)", bearing)
	}
	dist, err := parseFloat("distance", args[3])
	if err != nil {
		return err
	}
	if dist <= 0 || dist > 500 {
		return fmt.Errorf("distance %g km out of range (0,500]", dist)
	}
	profile, err := svc.Radial(lat, lon, bearing, dist, cfg.Terrain.ProfileSpacingKm)
	if err != nil {
		return err
	}
	for i, elev := range profile.Elevations {
		fmt.Fprintf(out, "%8.2f %8.1f\n", float64(i)*profile.SpacingKm, elev)
	}
	return nil
}

// fieldQuery evaluates one path with a freshly derived HAAT, the way the
// engine does per study point.
func fieldQuery(cfg *config.Config, svc terrain.Service, model propagation.Model,
	lat, lon, bearing, dist, agl, erp, freq float64, out io.Writer) error {
	if dist <= 0 || dist > 500 {
		return fmt.Errorf("distance %g km out of range (0,500]", dist)
	}
	if freq <= 0 {
		return fmt.Errorf("frequency %g MHz is invalid", freq)
	}
	set := params.Defaults()
	w := source.HAATWindow{
		RadialCount:   cfg.HAAT.RadialCount,
		MinDistanceKm: cfg.HAAT.MinDistanceKm,
		MaxDistanceKm: cfg.HAAT.MaxDistanceKm,
		SpacingKm:     cfg.Terrain.ProfileSpacingKm,
	}
	total := 0.0
	for i := 0; i < w.RadialCount; i++ {
		b := float64(i) * 360.0 / float64(w.RadialCount)
		h, err := source.RadialHAAT(svc, lat, lon, 0, agl, b, w)
		if err != nil {
			return err
		}
		total += h
	}
	req := propagation.Request{
		TransmitterHeightM: agl,
		ReceiverHeightM:    set.ReceiverHeightM,
		DistanceKm:         dist,
		FrequencyMHz:       freq,
		HAATm:              total / float64(w.RadialCount),
		PercentTime:        cfg.Model.PercentTime,
		PercentLocation:    cfg.Model.PercentLocation,
		PercentConfidence:  cfg.Model.PercentConfidence,
		Climate:            cfg.Model.Climate,
		GroundEpsilon:      cfg.Model.GroundEpsilon,
		GroundSigma:        cfg.Model.GroundSigma,
		CurveSet:           propagation.CurveSetForPercentTime(cfg.Model.PercentTime),
	}
	res, err := propagation.Run(model, svc, lat, lon, bearing, req)
	if err != nil {
		return err
	}
	field := res.FieldStrengthDBu + erp
	fmt.Fprintf(out, "field: %.2f dBu", field)
	if res.ErrorCode != 0 {
		fmt.Fprintf(out, " (advisory code %d)", res.ErrorCode)
	}
	fmt.Fprintln(out)
	return nil
}

func opFieldPointToPoint(cfg *config.Config, svc terrain.Service, args []string, out io.Writer) error {
	if err := needArgs(args, 8,
		"<model> <tx-lat> <tx-lon> <rx-lat> <rx-lon> <height-agl-m> <erp-dbk> <frequency-mhz>"); err != nil {
		return err
	}
	model, err := propagation.ForKey(args[0])
	if err != nil {
		return err
	}
	txLat, txLon, err := parseLatLon(args[1], args[2])
	if err != nil {
		return err
	}
	rxLat, rxLon, err := parseLatLon(args[3], args[4])
	if err != nil {
		return err
	}
	agl, err := parseFloat("height AGL", args[5])
	if err != nil {
		return err
	}
	erp, err := parseFloat("erp", args[6])
	if err != nil {
		return err
	}
	freq, err := parseFloat("frequency", args[7])
	if err != nil {
		return err
	}
	dist := geo.DistanceKm(txLat, txLon, rxLat, rxLon)
	bearing := geo.BearingDeg(txLat, txLon, rxLat, rxLon)
	return fieldQuery(cfg, svc, model, txLat, txLon, bearing, dist, agl, erp, freq, out)
}

func opFieldBearing(cfg *config.Config, svc terrain.Service, args []string, out io.Writer) error {
	if err := needArgs(args, 8,
		"<model> <lat> <lon> <bearing> <distance-km> <height-agl-m> <erp-dbk> <frequency-mhz>"); err != nil {
		return err
	}
	model, err := propagation.ForKey(args[0])
	if err != nil {
		return err
	}
	lat, lon, err := parseLatLon(args[1], args[2])
	if err != nil {
		return err
	}
	bearing, err := parseFloat("bearing", args[3])
	if err != nil {
		return err
	}
	if bearing < 0 || bearing >= 360 {
		return fmt.Errorf("bearing %g out of range [0,360)", bearing)
	}
	dist, err := parseFloat("distance", args[4])
	if err != nil {
		return err
	}
	agl, err := parseFloat("height AGL", args[5])
	if err != nil {
		return err
	}
	erp, err := parseFloat("erp", args[6])
	if err != nil {
		return err
	}
	freq, err := parseFloat("frequency", args[7])
	if err != nil {
		return err
	}
	return fieldQuery(cfg, svc, model, lat, lon, bearing, dist, agl, erp, freq, out)
}
