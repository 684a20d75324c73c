package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"time"
)

// Lock acquisition parameters. A holder that has not refreshed its lock
// file for staleLockThreshold is presumed dead; one acquire attempt may
// break such a lock exactly once. Retries back off with jitter until
// roughly lockAcquireBudget has elapsed.
const (
	staleLockThreshold = 5 * time.Second
	lockRetryBase      = 50 * time.Millisecond
	lockRetryMax       = 800 * time.Millisecond
	lockAcquireBudget  = 4 * time.Second
)

// ErrLockTimeout means the lock could not be acquired within the budget.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// FileLock is an advisory lock file guarding a store file against
// concurrent process access. It is not a kernel lock: portability over
// NFS-style mounts matters more than strictness here, and the stale
// threshold bounds the damage of a crashed holder.
type FileLock struct {
	path string
}

type lockInfo struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// AcquireLock locks the given target file by creating <target>.lock
// exclusively. A stale lock (older than 5s) is broken at most once per
// call; otherwise acquisition retries with jittered backoff until the
// ~4s budget runs out.
func AcquireLock(target string) (*FileLock, error) {
	lockPath := target + ".lock"
	deadline := time.Now().Add(lockAcquireBudget)
	backoff := lockRetryBase
	brokeStale := false

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			info, _ := json.Marshal(lockInfo{PID: os.Getpid(), AcquiredAt: time.Now().UTC()})
			_, werr := f.Write(info)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(lockPath)
				return nil, fmt.Errorf("failed to write lock file %s: %w", lockPath, errors.Join(werr, cerr))
			}
			return &FileLock{path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file %s: %w", lockPath, err)
		}

		if !brokeStale {
			if st, serr := os.Stat(lockPath); serr == nil && time.Since(st.ModTime()) > staleLockThreshold {
				brokeStale = true
				if rerr := os.Remove(lockPath); rerr != nil && !os.IsNotExist(rerr) {
					return nil, fmt.Errorf("failed to break stale lock %s: %w", lockPath, rerr)
				}
				continue
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s held for over %s", ErrLockTimeout, lockPath, lockAcquireBudget)
		}

		// ±25% jitter keeps competing acquirers from retrying in lockstep.
		jitter := 1 + (rand.Float64()-0.5)/2
		time.Sleep(time.Duration(float64(backoff) * jitter))
		if backoff *= 2; backoff > lockRetryMax {
			backoff = lockRetryMax
		}
	}
}

// Release removes the lock file. Safe to call once; a missing file is
// not an error (a stale break by another process is indistinguishable).
func (l *FileLock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock %s: %w", l.path, err)
	}
	return nil
}
