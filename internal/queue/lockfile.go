package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Lock acquisition parameters. A holder that has not released within
// staleAfter is assumed dead and its lock is forcibly removed.
const (
	lockRetryDelay = 500 * time.Millisecond
	lockAttempts   = 20
	staleAfter     = 5 * time.Minute
)

// ErrLockTimeout is returned when the queue lock cannot be acquired
// within the bounded retry window.
var ErrLockTimeout = errors.New("queue lock acquisition timed out")

// lockInfo is the JSON content of the advisory lock file. Recording the
// holder lets any process on the host detect stale locks and lets release
// verify ownership.
type lockInfo struct {
	PID        int    `json:"pid"`
	Host       string `json:"host"`
	AcquiredAt int64  `json:"acquired_at"` // unix millis
}

// acquireLock takes the advisory lock via exclusive file creation.
// On collision it retries every 500ms up to 20 attempts, forcibly
// removing locks older than the stale threshold.
func acquireLock(path string) error {
	host, _ := os.Hostname()
	info := lockInfo{PID: os.Getpid(), Host: host}

	for attempt := 0; attempt < lockAttempts; attempt++ {
		info.AcquiredAt = time.Now().UnixMilli()
		data, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("marshaling lock info: %w", err)
		}

		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, werr := f.Write(data)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return fmt.Errorf("writing lock file: %w", errors.Join(werr, cerr))
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("creating lock file: %w", err)
		}

		if removeIfStale(path) {
			continue // retry immediately after clearing a stale lock
		}
		time.Sleep(lockRetryDelay)
	}
	return ErrLockTimeout
}

// removeIfStale removes the lock file when its holder appears dead.
// Returns true if the lock was cleared.
func removeIfStale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		// Racing holder may have just released; let the caller retry.
		return os.IsNotExist(err)
	}

	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		// Unreadable lock content counts as stale.
		return os.Remove(path) == nil
	}

	age := time.Since(time.UnixMilli(info.AcquiredAt))
	if age < staleAfter {
		return false
	}
	return os.Remove(path) == nil
}

// releaseLock removes the lock file after verifying this process owns it.
func releaseLock(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading lock file: %w", err)
	}

	var info lockInfo
	if err := json.Unmarshal(data, &info); err == nil && info.PID != os.Getpid() {
		return fmt.Errorf("lock file held by pid %d, not releasing", info.PID)
	}
	return os.Remove(path)
}
