package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/tonimelisma/fieldsync/internal/config"
)

// acquireDrainLock takes the cross-process lock guarding the queue at
// dbPath. Only one process may drain a queue at a time; the lock is
// released by the returned function.
func acquireDrainLock(dbPath string) (release func(), err error) {
	path := config.LockPath(dbPath)

	if err := os.MkdirAll(filepath.Dir(path), dataDirPermissions); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	lock := flock.New(path)

	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	if !ok {
		return nil, fmt.Errorf("another fieldsync sync is already draining %s", dbPath)
	}

	return func() { _ = lock.Unlock() }, nil
}
