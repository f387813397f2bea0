// Package cache persists computed per-source geometry and per-cell field
// records in a Pebble key/value store so unchanged sources need not be
// recomputed across study runs. Every entry carries the owning source's
// fingerprint; an entry whose fingerprint does not exactly match the current
// record is a miss, never an error.
package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
)

const (
	recordVersion = 1

	sourcePrefix = "s|"
	cellPrefix   = "c|"
	metaRunKey   = "meta|run"
)

var errInvalidRecord = errors.New("cache: invalid record encoding")

// Fingerprint validates a cache entry against the current record state: the
// station-record modification count and a checksum of the inputs the cached
// derivation consumed. Both must match exactly.
type Fingerprint struct {
	ModCount uint32
	Checksum uint64
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%d/%016x", f.ModCount, f.Checksum)
}

// Options tunes the underlying Pebble store. Zero fields take defaults.
type Options struct {
	CacheSizeBytes    int64
	BloomBitsPerKey   int
	MemTableSizeBytes uint64
}

const (
	defaultCacheSizeBytes    = int64(64 << 20)
	defaultBloomBits         = 10
	defaultMemTableSizeBytes = uint64(32 << 20)
)

func sanitizeOptions(opts Options) Options {
	if opts.CacheSizeBytes <= 0 {
		opts.CacheSizeBytes = defaultCacheSizeBytes
	}
	if opts.BloomBitsPerKey <= 0 {
		opts.BloomBitsPerKey = defaultBloomBits
	}
	if opts.MemTableSizeBytes == 0 {
		opts.MemTableSizeBytes = defaultMemTableSizeBytes
	}
	return opts
}

// SourceGeometry is the cached per-source derivation: overall HAAT and the
// projected contour.
type SourceGeometry struct {
	HAATm          float64
	ContourDBu     float64
	ContourStepDeg float64
	ContourKm      []float64
}

// FieldRecord is one computed field strength for a (source, cell) pair.
type FieldRecord struct {
	FieldDBu    float64
	PercentTime float64
	ErrorCode   int32
	Desired     bool
}

// CellField pairs a cell index with its field record for batch writes.
type CellField struct {
	LatIndex int32
	LonIndex int32
	Field    FieldRecord
}

// Store is one study's cache. The process holding the study's run lock owns
// the store exclusively; Pebble's own directory lock enforces that a second
// opener fails fast.
type Store struct {
	db    *pebble.DB
	cache *pebble.Cache
}

// Open opens or creates the cache store for a study.
func Open(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("cache: store path is empty")
	}
	opts = sanitizeOptions(opts)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("cache: ensure directory: %w", err)
	}
	pebbleOpts := &pebble.Options{
		Cache:        pebble.NewCache(opts.CacheSizeBytes),
		MemTableSize: opts.MemTableSizeBytes,
	}
	filter := bloom.FilterPolicy(opts.BloomBitsPerKey)
	pebbleOpts.Levels = make([]pebble.LevelOptions, 7)
	for i := range pebbleOpts.Levels {
		pebbleOpts.Levels[i] = pebble.LevelOptions{
			FilterPolicy: filter,
			FilterType:   pebble.TableFilter,
		}
	}
	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		pebbleOpts.Cache.Unref()
		return nil, fmt.Errorf("cache: open: %w", err)
	}
	return &Store{db: db, cache: pebbleOpts.Cache}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
	return err
}

// StampRun records the identifier of the run that owns this cache; purely
// diagnostic, read back by support tooling.
func (s *Store) StampRun(runID string) error {
	if err := s.db.Set([]byte(metaRunKey), []byte(runID), pebble.Sync); err != nil {
		return fmt.Errorf("cache: stamp run: %w", err)
	}
	return nil
}

// ReadSourceGeometry fetches cached geometry for a source. A missing entry
// or a fingerprint mismatch returns (nil, false, nil).
func (s *Store) ReadSourceGeometry(sourceKey string, fp Fingerprint) (*SourceGeometry, bool, error) {
	raw, ok, err := s.get(sourceKeyBytes(sourceKey), fp)
	if err != nil || !ok {
		return nil, false, err
	}
	g, err := decodeGeometry(raw)
	if err != nil {
		// A corrupt entry is indistinguishable from a stale one; recompute.
		return nil, false, nil
	}
	return g, true, nil
}

// WriteSourceGeometry stores geometry under the source's fingerprint,
// replacing any prior entry.
func (s *Store) WriteSourceGeometry(sourceKey string, fp Fingerprint, g *SourceGeometry) error {
	if g == nil {
		return errors.New("cache: nil geometry")
	}
	value := encodeEnvelope(fp, encodeGeometry(g))
	if err := s.db.Set(sourceKeyBytes(sourceKey), value, pebble.Sync); err != nil {
		return fmt.Errorf("cache: write geometry %s: %w", sourceKey, err)
	}
	return nil
}

// ReadCellField fetches the cached field record for a (source, cell) pair.
func (s *Store) ReadCellField(sourceKey string, latIdx, lonIdx int32, fp Fingerprint) (*FieldRecord, bool, error) {
	raw, ok, err := s.get(cellKeyBytes(sourceKey, latIdx, lonIdx), fp)
	if err != nil || !ok {
		return nil, false, err
	}
	rec, err := decodeField(raw)
	if err != nil {
		return nil, false, nil
	}
	return rec, true, nil
}

// WriteCellFields stores a batch of cell records for one source under one
// fingerprint, committed atomically with sync. An aborted run never leaves a
// partially written batch behind.
func (s *Store) WriteCellFields(sourceKey string, fp Fingerprint, fields []CellField) error {
	if len(fields) == 0 {
		return nil
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, cf := range fields {
		value := encodeEnvelope(fp, encodeField(&cf.Field))
		if err := batch.Set(cellKeyBytes(sourceKey, cf.LatIndex, cf.LonIndex), value, nil); err != nil {
			return fmt.Errorf("cache: batch set %s: %w", sourceKey, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("cache: batch commit %s: %w", sourceKey, err)
	}
	return nil
}

// PurgeSource deletes a source's geometry record plus every cell record
// stored under the named cell keys, used when the fingerprint changes so
// stale cells do not linger. The engine derives one cell key per cache type
// from the source key; each must be listed here or its cells survive the
// purge. With no cell keys the source key itself is swept.
func (s *Store) PurgeSource(sourceKey string, cellKeys ...string) error {
	if err := s.db.Delete(sourceKeyBytes(sourceKey), pebble.Sync); err != nil {
		return fmt.Errorf("cache: purge %s: %w", sourceKey, err)
	}
	if len(cellKeys) == 0 {
		cellKeys = []string{sourceKey}
	}
	for _, key := range cellKeys {
		if err := s.deletePrefix(cellScanPrefix(key)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) deletePrefix(prefix []byte) error {
	upper := prefixUpperBound(prefix)
	if err := s.db.DeleteRange(prefix, upper, pebble.Sync); err != nil {
		return fmt.Errorf("cache: purge %q: %w", prefix, err)
	}
	return nil
}

// get reads and fingerprint-checks one entry.
func (s *Store) get(key []byte, fp Fingerprint) ([]byte, bool, error) {
	value, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: get %q: %w", key, err)
	}
	defer closer.Close()
	payload, stored, err := decodeEnvelope(value)
	if err != nil {
		return nil, false, nil // corrupt entry is a miss
	}
	if stored != fp {
		return nil, false, nil
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, true, nil
}

// Envelope layout: version byte, mod count (4), checksum (8), payload.
const envelopeHeader = 1 + 4 + 8

func encodeEnvelope(fp Fingerprint, payload []byte) []byte {
	buf := make([]byte, envelopeHeader+len(payload))
	buf[0] = recordVersion
	binary.BigEndian.PutUint32(buf[1:], fp.ModCount)
	binary.BigEndian.PutUint64(buf[5:], fp.Checksum)
	copy(buf[envelopeHeader:], payload)
	return buf
}

func decodeEnvelope(raw []byte) ([]byte, Fingerprint, error) {
	if len(raw) < envelopeHeader || raw[0] != recordVersion {
		return nil, Fingerprint{}, errInvalidRecord
	}
	fp := Fingerprint{
		ModCount: binary.BigEndian.Uint32(raw[1:]),
		Checksum: binary.BigEndian.Uint64(raw[5:]),
	}
	return raw[envelopeHeader:], fp, nil
}

func encodeGeometry(g *SourceGeometry) []byte {
	buf := make([]byte, 8*3+4+8*len(g.ContourKm))
	binary.BigEndian.PutUint64(buf, math.Float64bits(g.HAATm))
	binary.BigEndian.PutUint64(buf[8:], math.Float64bits(g.ContourDBu))
	binary.BigEndian.PutUint64(buf[16:], math.Float64bits(g.ContourStepDeg))
	binary.BigEndian.PutUint32(buf[24:], uint32(len(g.ContourKm)))
	for i, d := range g.ContourKm {
		binary.BigEndian.PutUint64(buf[28+i*8:], math.Float64bits(d))
	}
	return buf
}

func decodeGeometry(raw []byte) (*SourceGeometry, error) {
	if len(raw) < 28 {
		return nil, errInvalidRecord
	}
	g := &SourceGeometry{
		HAATm:          math.Float64frombits(binary.BigEndian.Uint64(raw)),
		ContourDBu:     math.Float64frombits(binary.BigEndian.Uint64(raw[8:])),
		ContourStepDeg: math.Float64frombits(binary.BigEndian.Uint64(raw[16:])),
	}
	n := int(binary.BigEndian.Uint32(raw[24:]))
	if n < 0 || len(raw) < 28+n*8 {
		return nil, errInvalidRecord
	}
	g.ContourKm = make([]float64, n)
	for i := range g.ContourKm {
		g.ContourKm[i] = math.Float64frombits(binary.BigEndian.Uint64(raw[28+i*8:]))
	}
	return g, nil
}

const fieldFlagDesired = 1 << 0

func encodeField(f *FieldRecord) []byte {
	buf := make([]byte, 8+8+4+1)
	binary.BigEndian.PutUint64(buf, math.Float64bits(f.FieldDBu))
	binary.BigEndian.PutUint64(buf[8:], math.Float64bits(f.PercentTime))
	binary.BigEndian.PutUint32(buf[16:], uint32(f.ErrorCode))
	if f.Desired {
		buf[20] |= fieldFlagDesired
	}
	return buf
}

func decodeField(raw []byte) (*FieldRecord, error) {
	if len(raw) < 21 {
		return nil, errInvalidRecord
	}
	return &FieldRecord{
		FieldDBu:    math.Float64frombits(binary.BigEndian.Uint64(raw)),
		PercentTime: math.Float64frombits(binary.BigEndian.Uint64(raw[8:])),
		ErrorCode:   int32(binary.BigEndian.Uint32(raw[16:])),
		Desired:     raw[20]&fieldFlagDesired != 0,
	}, nil
}

func sourceKeyBytes(key string) []byte {
	return append([]byte(sourcePrefix), key...)
}

func cellKeyBytes(key string, latIdx, lonIdx int32) []byte {
	buf := make([]byte, 0, len(cellPrefix)+len(key)+1+8)
	buf = append(buf, cellPrefix...)
	buf = append(buf, key...)
	buf = append(buf, '|')
	var idx [8]byte
	binary.BigEndian.PutUint32(idx[:4], uint32(latIdx))
	binary.BigEndian.PutUint32(idx[4:], uint32(lonIdx))
	return append(buf, idx[:]...)
}

func cellScanPrefix(key string) []byte {
	buf := make([]byte, 0, len(cellPrefix)+len(key)+1)
	buf = append(buf, cellPrefix...)
	buf = append(buf, key...)
	return append(buf, '|')
}

func prefixUpperBound(prefix []byte) []byte {
	upper := bytes.Clone(prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
