// studyrun orchestrates a full study: it loads the configuration and the
// station database, takes the study's run lock, partitions the desired
// sources across worker subprocesses (re-executions of this binary), and
// aggregates the workers' summaries into one report.
//
// The engine itself is single-threaded; all parallelism lives here, bounded
// by study.max_processes.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"rfstudy/cache"
	"rfstudy/config"
	"rfstudy/grid"
	"rfstudy/source"
	"rfstudy/stationdata"
	"rfstudy/study"
	"rfstudy/terrain"
)

type options struct {
	configPath string
	dbPath     string
	studyKey   string
	flat       float64
	worker     bool
	scenario   string
	runID      string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "rfstudy.yaml", "path to the configuration file")
	flag.StringVar(&opts.dbPath, "db", "data/stations.db", "path to the station database")
	flag.StringVar(&opts.studyKey, "study", "", "study key to run")
	flag.Float64Var(&opts.flat, "flat", -1, "synthetic flat terrain elevation in meters (skips the terrain database)")
	flag.BoolVar(&opts.worker, "worker", false, "internal: run one scenario and emit a JSON summary")
	flag.StringVar(&opts.scenario, "scenario", "", "internal: desired source key for worker mode")
	flag.StringVar(&opts.runID, "run-id", "", "internal: run identifier assigned by the orchestrator")
	flag.Parse()

	if opts.studyKey == "" {
		fmt.Fprintln(os.Stderr, "studyrun: -study is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	if opts.worker {
		err = runWorker(ctx, opts)
	} else {
		err = runOrchestrator(ctx, opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "studyrun: %v\n", err)
		os.Exit(1)
	}
}

func loadStudy(opts options) (*config.Config, *stationdata.Study, terrain.Service, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := stationdata.Open(opts.dbPath)
	if err != nil {
		return nil, nil, nil, err
	}
	defer db.Close()
	st, err := db.OpenStudy(opts.studyKey)
	if err != nil {
		return nil, nil, nil, err
	}
	if st.PatternFallbacks > 0 {
		log.Printf("studyrun: %d sources degraded to generic patterns", st.PatternFallbacks)
	}

	var svc terrain.Service
	if opts.flat >= 0 {
		svc = terrain.Flat(opts.flat)
	} else {
		cover, err := terrain.ParseCategory(cfg.LandCover.DefaultCategory)
		if err != nil {
			return nil, nil, nil, err
		}
		svc, err = terrain.OpenFileDB(cfg.Terrain.DatabaseDir, cfg.Terrain.ShortfallSlackPoints, cover)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return cfg, st, svc, nil
}

// scenarioKeys lists the desired sources of a study: every ungrouped source
// plus each DTS reference. One scenario per desired.
func scenarioKeys(sources []*source.Source) []string {
	kept, _, dropped := source.CollectDTSGroups(sources)
	for _, key := range dropped {
		log.Printf("studyrun: dts group %s dropped before partitioning", key)
	}
	var keys []string
	for _, s := range kept {
		if s.GroupKey == "" || s.IsDTSReference {
			keys = append(keys, s.Key)
		}
	}
	sort.Strings(keys)
	return keys
}

func runOrchestrator(ctx context.Context, opts options) error {
	start := time.Now()
	cfg, st, _, err := loadStudy(opts)
	if err != nil {
		return err
	}
	runID := uuid.NewString()

	lockDir := filepath.Join(cfg.Cache.Dir, st.Key)
	lock, err := study.AcquireLock(lockDir, study.LockRunExclusive, runID)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Printf("studyrun: release lock: %v", err)
		}
	}()

	keys := scenarioKeys(st.Sources)
	if len(keys) == 0 {
		return fmt.Errorf("study %s has no desired sources", st.Key)
	}
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	agg := &study.Summary{RunID: runID}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	limit := cfg.Study.MaxProcesses
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			out, err := runWorkerProcess(gctx, self, opts, key, runID)
			if err != nil {
				return fmt.Errorf("scenario %s: %w", key, err)
			}
			var sum study.Summary
			if err := sum.UnmarshalJSON(out); err != nil {
				return fmt.Errorf("scenario %s summary: %w", key, err)
			}
			mu.Lock()
			agg.Merge(&sum)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	printReport(os.Stdout, st.Key, agg, len(keys), time.Since(start))
	return nil
}

func runWorkerProcess(ctx context.Context, self string, opts options, scenario, runID string) ([]byte, error) {
	args := []string{
		"-worker",
		"-config", opts.configPath,
		"-db", opts.dbPath,
		"-study", opts.studyKey,
		"-scenario", scenario,
		"-run-id", runID,
	}
	if opts.flat >= 0 {
		args = append(args, "-flat", fmt.Sprintf("%g", opts.flat))
	}
	cmd := exec.CommandContext(ctx, self, args...)
	cmd.Stderr = os.Stderr
	return cmd.Output()
}

// runWorker executes one scenario end to end and writes the summary JSON to
// stdout for the orchestrator to aggregate.
func runWorker(ctx context.Context, opts options) error {
	if opts.scenario == "" {
		return fmt.Errorf("worker mode requires -scenario")
	}
	cfg, st, svc, err := loadStudy(opts)
	if err != nil {
		return err
	}

	w := source.HAATWindow{
		RadialCount:   cfg.HAAT.RadialCount,
		MinDistanceKm: cfg.HAAT.MinDistanceKm,
		MaxDistanceKm: cfg.HAAT.MaxDistanceKm,
		SpacingKm:     cfg.Terrain.ProfileSpacingKm,
	}
	var desired *source.Source
	for _, s := range st.Sources {
		if s.Key == opts.scenario {
			desired = s
			break
		}
	}
	if desired == nil {
		return fmt.Errorf("scenario source %s not in study %s", opts.scenario, st.Key)
	}
	// The grid needs bounds before the run context exists: derive the
	// scenario's own geometry (and its DTS members') up front.
	gridSources := []*source.Source{desired}
	if desired.GroupKey != "" {
		for _, s := range st.Sources {
			if s != desired && s.GroupKey == desired.GroupKey {
				gridSources = append(gridSources, s)
			}
		}
	}
	for _, s := range gridSources {
		if err := s.DeriveAll(svc, st.Set, w); err != nil {
			return fmt.Errorf("derive %s: %w", s.Key, err)
		}
	}

	g, err := buildGrid(cfg, gridSources)
	if err != nil {
		return err
	}

	store, err := cache.Open(filepath.Join(cfg.Cache.Dir, st.Key, "scenario-"+opts.scenario), cache.Options{
		CacheSizeBytes:    cfg.Cache.CacheSizeBytes,
		BloomBitsPerKey:   cfg.Cache.BloomBitsPerKey,
		MemTableSizeBytes: cfg.Cache.MemTableSizeBytes,
	})
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.StampRun(opts.runID); err != nil {
		return err
	}

	rc, err := study.NewRunContext(cfg, st.Set, st.Sources, g, svc, nil)
	if err != nil {
		return err
	}
	rc.Cache = store
	rc.RunID = opts.runID
	rc.DesiredKeys = []string{opts.scenario}
	if err := rc.Prepare(ctx, st.Rules); err != nil {
		return err
	}
	sum, err := rc.Run(ctx)
	if err != nil {
		return err
	}
	data, err := sum.MarshalJSON()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func buildGrid(cfg *config.Config, sources []*source.Source) (*grid.Grid, error) {
	gridType, err := grid.ParseType(cfg.Study.GridType)
	if err != nil {
		return nil, err
	}
	switch gridType {
	case grid.TypeGlobal:
		return grid.BuildGlobal(sources, cfg.Study.CellSizeKm)
	case grid.TypePoints:
		geo := sources[0].Geography
		if geo == nil {
			return nil, fmt.Errorf("points grid requires a geography source")
		}
		return grid.BuildPoints(geo)
	default:
		return grid.BuildLocal(sources, cfg.Study.CellSizeKm)
	}
}

func printReport(out io.Writer, studyKey string, sum *study.Summary, scenarios int, elapsed time.Duration) {
	fmt.Fprintf(out, "study %s: %d scenarios, run %s, %s\n",
		studyKey, scenarios, sum.RunID, elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "%-10s %-8s %14s %14s %14s %14s\n",
		"source", "role", "area km2", "population", "households", "points")
	for _, st := range sum.Totals() {
		d := st.DesiredSum()
		if d.Contour.Count > 0 {
			fmt.Fprintf(out, "%-10s %-8s %14s %14s %14s %14s\n",
				st.Key, "contour", commaF(d.Contour.AreaKm2),
				humanize.Comma(d.Contour.Population), humanize.Comma(d.Contour.Households),
				humanize.Comma(d.Contour.Count))
			fmt.Fprintf(out, "%-10s %-8s %14s %14s %14s %14s\n",
				st.Key, "served", commaF(d.Served.AreaKm2),
				humanize.Comma(d.Served.Population), humanize.Comma(d.Served.Households),
				humanize.Comma(d.Served.Count))
			fmt.Fprintf(out, "%-10s %-8s %14s %14s %14s %14s\n",
				st.Key, "ix-free", commaF(d.InterferenceFree.AreaKm2),
				humanize.Comma(d.InterferenceFree.Population), humanize.Comma(d.InterferenceFree.Households),
				humanize.Comma(d.InterferenceFree.Count))
			if d.Error.Count > 0 {
				fmt.Fprintf(out, "%-10s %-8s %14s %14s %14s %14s\n",
					st.Key, "error", commaF(d.Error.AreaKm2),
					humanize.Comma(d.Error.Population), humanize.Comma(d.Error.Households),
					humanize.Comma(d.Error.Count))
			}
		}
		u := st.UndesiredSum()
		if u.TotalIX.Count > 0 || u.Error.Count > 0 {
			fmt.Fprintf(out, "%-10s %-8s %14s %14s %14s %14s\n",
				st.Key, "total-ix", commaF(u.TotalIX.AreaKm2),
				humanize.Comma(u.TotalIX.Population), humanize.Comma(u.TotalIX.Households),
				humanize.Comma(u.TotalIX.Count))
			fmt.Fprintf(out, "%-10s %-8s %14s %14s %14s %14s\n",
				st.Key, "unique-ix", commaF(u.UniqueIX.AreaKm2),
				humanize.Comma(u.UniqueIX.Population), humanize.Comma(u.UniqueIX.Households),
				humanize.Comma(u.UniqueIX.Count))
		}
	}
	if len(sum.DroppedDTSGroups) > 0 {
		fmt.Fprintf(out, "dropped dts groups: %s\n", strings.Join(sum.DroppedDTSGroups, ", "))
	}
	fmt.Fprintf(out, "model errors: %s, land-cover fallbacks: %s, cache hits/misses: %s/%s\n",
		humanize.Comma(sum.ModelErrors), humanize.Comma(sum.LandCoverFallbacks),
		humanize.Comma(sum.CacheHits), humanize.Comma(sum.CacheMisses))
}

func commaF(v float64) string {
	return humanize.CommafWithDigits(v, 1)
}
