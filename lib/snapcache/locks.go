// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

package snapcache

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// fileLock is one advisory flock(2) lock. flock locks are owned by
// the open file description, so a crashed holder releases them
// automatically — orphaned locks cannot outlive their process.
type fileLock struct {
	path string
	file *os.File
}

func openLock(path string) (*fileLock, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}
	return &fileLock{path: path, file: file}, nil
}

// lock acquires the lock, blocking. Exclusive when exclusive is true,
// shared otherwise.
func (l *fileLock) lock(exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(l.file.Fd()), how); err != nil {
		return fmt.Errorf("locking %s: %w", l.path, err)
	}
	return nil
}

// tryLock attempts a non-blocking acquisition. Returns false without
// error when another process holds a conflicting lock.
func (l *fileLock) tryLock(exclusive bool) (bool, error) {
	how := unix.LOCK_SH | unix.LOCK_NB
	if exclusive {
		how = unix.LOCK_EX | unix.LOCK_NB
	}
	err := unix.Flock(int(l.file.Fd()), how)
	if err == nil {
		return true, nil
	}
	if err == unix.EWOULDBLOCK {
		return false, nil
	}
	return false, fmt.Errorf("locking %s: %w", l.path, err)
}

func (l *fileLock) unlock() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlocking %s: %w", l.path, err)
	}
	return nil
}

func (l *fileLock) close() error { return l.file.Close() }

// Coordinator serializes cache rebuilds across any number of
// cooperating processes sharing one cache file, using four advisory
// locks next to it:
//
//   - GETJOB: short-held mutex around deciding who rebuilds.
//   - JOB: held exclusively by the one process actively rebuilding;
//     others block on it in shared mode to learn when it finishes.
//   - ACTIVITY: shared while any process is inside its coordinated
//     section; the rebuilder switches it briefly to exclusive to wait
//     for all others to leave before touching the cache file.
//   - OUTCOME: shared while waiting to consume a just-published
//     cache; released once consumed, letting the rebuilder's
//     post-publish wait complete.
//
// Net effect: at most one process performs the expensive rebuild per
// staleness window, and all others converge on loading its result.
type Coordinator struct {
	getjob   *fileLock
	job      *fileLock
	activity *fileLock
	outcome  *fileLock
}

// NewCoordinator opens the lock files next to the cache payload at
// cachePath.
func NewCoordinator(cachePath string) (*Coordinator, error) {
	directory := filepath.Dir(cachePath)
	base := filepath.Base(cachePath)

	coordinator := &Coordinator{}
	for _, entry := range []struct {
		name string
		slot **fileLock
	}{
		{"getjob", &coordinator.getjob},
		{"job", &coordinator.job},
		{"activity", &coordinator.activity},
		{"outcome", &coordinator.outcome},
	} {
		lock, err := openLock(filepath.Join(directory, base+".lock."+entry.name))
		if err != nil {
			coordinator.Close()
			return nil, err
		}
		*entry.slot = lock
	}
	return coordinator, nil
}

// Close releases every lock file descriptor (and with it any lock
// still held).
func (c *Coordinator) Close() {
	for _, lock := range []*fileLock{c.getjob, c.job, c.activity, c.outcome} {
		if lock != nil {
			lock.close()
		}
	}
}

// DesignateRebuild decides whether this process is the one to rebuild
// the cache. Exactly one of any number of concurrent callers receives
// true; that caller holds the JOB lock until FinishRebuild. Callers
// receiving false should WaitForRebuild and then load the cache.
func (c *Coordinator) DesignateRebuild() (bool, error) {
	if err := c.getjob.lock(true); err != nil {
		return false, err
	}
	defer c.getjob.unlock()

	acquired, err := c.job.tryLock(true)
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// FinishRebuild releases the JOB lock, waking every process blocked
// in WaitForRebuild.
func (c *Coordinator) FinishRebuild() error {
	return c.job.unlock()
}

// WaitForRebuild blocks until the current rebuilder finishes.
func (c *Coordinator) WaitForRebuild() error {
	if err := c.job.lock(false); err != nil {
		return err
	}
	return c.job.unlock()
}

// EnterActivity marks this process as inside its coordinated section
// (shared ACTIVITY lock).
func (c *Coordinator) EnterActivity() error {
	return c.activity.lock(false)
}

// LeaveActivity releases the shared ACTIVITY lock.
func (c *Coordinator) LeaveActivity() error {
	return c.activity.unlock()
}

// AwaitExclusiveActivity upgrades to an exclusive ACTIVITY hold,
// blocking until every other process has left its coordinated
// section, then immediately downgrades back to shared. The rebuilder
// calls this before overwriting the cache file so no racing reader
// observes a half-written payload.
func (c *Coordinator) AwaitExclusiveActivity() error {
	if err := c.activity.unlock(); err != nil {
		return err
	}
	if err := c.activity.lock(true); err != nil {
		return err
	}
	if err := c.activity.unlock(); err != nil {
		return err
	}
	return c.activity.lock(false)
}

// BeginConsuming takes the shared OUTCOME lock while this process
// waits to load a just-published cache.
func (c *Coordinator) BeginConsuming() error {
	return c.outcome.lock(false)
}

// DoneConsuming releases the OUTCOME lock, letting the rebuilder's
// post-publish wait complete.
func (c *Coordinator) DoneConsuming() error {
	return c.outcome.unlock()
}
