package study

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LockState is the study-level lock state machine. Transitions move forward
// only: none -> edit -> run-exclusive / run-shared -> admin. Release returns
// to none when the last holder leaves.
type LockState int

const (
	LockNone LockState = iota
	LockEdit
	LockRunExclusive
	LockRunShared
	LockAdmin
)

var lockStateNames = [...]string{"none", "edit", "run-exclusive", "run-shared", "admin"}

func (s LockState) String() string {
	if s < 0 || int(s) >= len(lockStateNames) {
		return fmt.Sprintf("lock-state(%d)", int(s))
	}
	return lockStateNames[s]
}

// ParseLockState maps a lock-file token to a LockState.
func ParseLockState(key string) (LockState, error) {
	for i, name := range lockStateNames {
		if key == name {
			return LockState(i), nil
		}
	}
	return 0, fmt.Errorf("study: unknown lock state %q", key)
}

// ErrLockConflict reports that another run holds an incompatible lock.
// A conflict at run start is fatal for the whole run.
var ErrLockConflict = errors.New("study: lock conflict")

const (
	lockFileName  = "study.lock"
	lockGuardName = "study.lock.guard"

	guardWaitMax    = 2 * time.Second
	guardStaleAfter = 10 * time.Second
)

// withLockGuard serializes read-modify-write of the lock file across
// processes through an O_EXCL sentinel next to it. A guard left behind by a
// crashed holder is broken after guardStaleAfter.
func withLockGuard(dir string, fn func() error) error {
	guard := filepath.Join(dir, lockGuardName)
	deadline := time.Now().Add(guardWaitMax)
	for {
		f, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("study: lock guard: %w", err)
		}
		if info, statErr := os.Stat(guard); statErr == nil && time.Since(info.ModTime()) > guardStaleAfter {
			_ = os.Remove(guard)
			continue
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: lock guard held too long", ErrLockConflict)
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer os.Remove(guard)
	return fn()
}

// Lock is one holder's grip on a study. The lock record lives in a file next
// to the study's cache so every orchestrator process sees the same state.
type Lock struct {
	path   string
	state  LockState
	holder string
}

// State returns the state this holder acquired.
func (l *Lock) State() LockState { return l.state }

// Holder returns this holder's run identifier.
func (l *Lock) Holder() string { return l.holder }

type lockRecord struct {
	state   LockState
	holders []string
}

// AcquireLock takes the study lock in the wanted state. runID identifies the
// holder; when empty a fresh run UUID is generated. Only run-shared may be
// held by more than one run at a time; any other combination with an
// existing holder fails with ErrLockConflict.
func AcquireLock(dir string, want LockState, runID string) (*Lock, error) {
	if want == LockNone {
		return nil, errors.New("study: cannot acquire the none state")
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("study: lock dir: %w", err)
	}
	path := filepath.Join(dir, lockFileName)
	err := withLockGuard(dir, func() error {
		rec, err := readLockRecord(path)
		if err != nil {
			return err
		}
		switch {
		case rec.state == LockNone:
			rec = lockRecord{state: want, holders: []string{runID}}
		case rec.state == LockRunShared && want == LockRunShared:
			rec.holders = append(rec.holders, runID)
		default:
			return fmt.Errorf("%w: study is %s-locked by %s",
				ErrLockConflict, rec.state, strings.Join(rec.holders, ","))
		}
		return writeLockRecord(path, rec)
	})
	if err != nil {
		return nil, err
	}
	return &Lock{path: path, state: want, holder: runID}, nil
}

// Upgrade moves this holder's lock forward in the state machine. Edit
// upgrades to either run state; either run state upgrades to admin. A shared
// run lock upgrades only while this holder is alone.
func (l *Lock) Upgrade(to LockState) error {
	allowed := map[LockState][]LockState{
		LockEdit:         {LockRunExclusive, LockRunShared},
		LockRunExclusive: {LockAdmin},
		LockRunShared:    {LockAdmin},
	}
	ok := false
	for _, t := range allowed[l.state] {
		if t == to {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("study: lock cannot move %s -> %s", l.state, to)
	}
	err := withLockGuard(filepath.Dir(l.path), func() error {
		rec, err := readLockRecord(l.path)
		if err != nil {
			return err
		}
		if rec.state != l.state || !holderPresent(rec.holders, l.holder) {
			return fmt.Errorf("%w: lock record changed underneath holder %s", ErrLockConflict, l.holder)
		}
		if len(rec.holders) > 1 {
			return fmt.Errorf("%w: %d other holders share the lock", ErrLockConflict, len(rec.holders)-1)
		}
		rec.state = to
		return writeLockRecord(l.path, rec)
	})
	if err != nil {
		return err
	}
	l.state = to
	return nil
}

// Release drops this holder. The last holder out removes the lock file,
// returning the study to the none state.
func (l *Lock) Release() error {
	return withLockGuard(filepath.Dir(l.path), func() error {
		rec, err := readLockRecord(l.path)
		if err != nil {
			return err
		}
		remaining := rec.holders[:0]
		for _, h := range rec.holders {
			if h != l.holder {
				remaining = append(remaining, h)
			}
		}
		rec.holders = remaining
		if len(rec.holders) == 0 {
			if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("study: release lock: %w", err)
			}
			return nil
		}
		return writeLockRecord(l.path, rec)
	})
}

func readLockRecord(path string) (lockRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return lockRecord{state: LockNone}, nil
		}
		return lockRecord{}, fmt.Errorf("study: read lock: %w", err)
	}
	defer f.Close()

	var rec lockRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "state "):
			state, err := ParseLockState(strings.TrimPrefix(line, "state "))
			if err != nil {
				return lockRecord{}, err
			}
			rec.state = state
		case strings.HasPrefix(line, "holder "):
			rec.holders = append(rec.holders, strings.TrimPrefix(line, "holder "))
		default:
			return lockRecord{}, fmt.Errorf("study: malformed lock line %q", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return lockRecord{}, fmt.Errorf("study: read lock: %w", err)
	}
	if rec.state != LockNone && len(rec.holders) == 0 {
		return lockRecord{}, fmt.Errorf("study: lock file %s has state %s but no holder", path, rec.state)
	}
	return rec, nil
}

// writeLockRecord replaces the lock file atomically so a crashed writer
// never leaves a torn record.
func writeLockRecord(path string, rec lockRecord) error {
	var b strings.Builder
	fmt.Fprintf(&b, "state %s\n", rec.state)
	for _, h := range rec.holders {
		fmt.Fprintf(&b, "holder %s\n", h)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("study: write lock: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("study: write lock: %w", err)
	}
	return nil
}

func holderPresent(holders []string, h string) bool {
	for _, x := range holders {
		if x == h {
			return true
		}
	}
	return false
}
