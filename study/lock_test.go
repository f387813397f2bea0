package study

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestLockExclusiveConflicts(t *testing.T) {
	dir := t.TempDir()
	l, err := AcquireLock(dir, LockRunExclusive, "run-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l.State() != LockRunExclusive || l.Holder() != "run-a" {
		t.Fatalf("lock fields wrong: %v %s", l.State(), l.Holder())
	}
	if _, err := AcquireLock(dir, LockRunExclusive, "run-b"); !errors.Is(err, ErrLockConflict) {
		t.Fatalf("second exclusive should conflict, got %v", err)
	}
	if _, err := AcquireLock(dir, LockRunShared, "run-b"); !errors.Is(err, ErrLockConflict) {
		t.Fatalf("shared against exclusive should conflict, got %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Released means back to none: anyone may lock again.
	l2, err := AcquireLock(dir, LockEdit, "run-b")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if err := l2.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, lockFileName)); !os.IsNotExist(err) {
		t.Fatal("lock file should be gone after last release")
	}
}

func TestLockSharedAllowsMultipleRuns(t *testing.T) {
	dir := t.TempDir()
	a, err := AcquireLock(dir, LockRunShared, "run-a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	b, err := AcquireLock(dir, LockRunShared, "run-b")
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	// Shared holders block exclusive and admin acquisition.
	if _, err := AcquireLock(dir, LockRunExclusive, "run-c"); !errors.Is(err, ErrLockConflict) {
		t.Fatalf("exclusive over shared should conflict, got %v", err)
	}
	// Upgrade requires being the sole holder.
	if err := a.Upgrade(LockAdmin); !errors.Is(err, ErrLockConflict) {
		t.Fatalf("upgrade with co-holder should conflict, got %v", err)
	}
	if err := b.Release(); err != nil {
		t.Fatalf("release b: %v", err)
	}
	if err := a.Upgrade(LockAdmin); err != nil {
		t.Fatalf("upgrade alone: %v", err)
	}
	if a.State() != LockAdmin {
		t.Fatalf("state after upgrade = %v", a.State())
	}
	if err := a.Release(); err != nil {
		t.Fatalf("release a: %v", err)
	}
}

func TestLockUpgradePath(t *testing.T) {
	dir := t.TempDir()
	l, err := AcquireLock(dir, LockEdit, "")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l.Holder() == "" {
		t.Fatal("empty run id should generate one")
	}
	if err := l.Upgrade(LockAdmin); err == nil {
		t.Fatal("edit cannot jump straight to admin")
	}
	if err := l.Upgrade(LockRunExclusive); err != nil {
		t.Fatalf("edit -> run-exclusive: %v", err)
	}
	if err := l.Upgrade(LockAdmin); err != nil {
		t.Fatalf("run-exclusive -> admin: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestLockExclusiveUnderContention(t *testing.T) {
	dir := t.TempDir()
	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	locks := make(chan *Lock, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			lk, err := AcquireLock(dir, LockRunExclusive, fmt.Sprintf("run-%d", id))
			if err == nil {
				locks <- lk
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	close(locks)

	won := 0
	for err := range errs {
		if err == nil {
			won++
			continue
		}
		if !errors.Is(err, ErrLockConflict) {
			t.Fatalf("contention produced unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("%d racers won an exclusive lock, want exactly 1", won)
	}
	for lk := range locks {
		if err := lk.Release(); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
}

func TestStaleLockGuardIsBroken(t *testing.T) {
	dir := t.TempDir()
	guard := filepath.Join(dir, lockGuardName)
	if err := os.WriteFile(guard, nil, 0o644); err != nil {
		t.Fatalf("plant guard: %v", err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(guard, old, old); err != nil {
		t.Fatalf("age guard: %v", err)
	}
	l, err := AcquireLock(dir, LockEdit, "run-a")
	if err != nil {
		t.Fatalf("stale guard should be broken, got %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(guard); !os.IsNotExist(err) {
		t.Fatal("guard should be removed after the critical section")
	}
}

func TestParseLockState(t *testing.T) {
	for want, name := range lockStateNames {
		got, err := ParseLockState(name)
		if err != nil || got != LockState(want) {
			t.Fatalf("parse %q = %v, %v", name, got, err)
		}
	}
	if _, err := ParseLockState("bogus"); err == nil {
		t.Fatal("unknown state should fail")
	}
}
