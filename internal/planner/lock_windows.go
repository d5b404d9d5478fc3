//go:build windows

package planner

import (
	"errors"
	"os"
	"time"
)

const windowsLockAcquireTimeout = 3 * time.Second

func flockFile(f *os.File) error {
	lockPath := f.Name() + ".lock"
	deadline := time.Now().Add(windowsLockAcquireTimeout)
	for {
		lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		if err == nil {
			_ = lf.Close()
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}
		if time.Now().After(deadline) {
			return errors.New("planner: timed out acquiring sidecar lock")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func unflockFile(f *os.File) error {
	return os.Remove(f.Name() + ".lock")
}
