package journal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// acquireLock creates the advisory lockfile holding this process's PID.
// A lockfile left behind by a dead process is cleaned up; a lockfile held
// by a live process fails with ErrLocked.
func (j *Journal) acquireLock() error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(j.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			if werr != nil {
				os.Remove(j.lockPath)
				return fmt.Errorf("journal: write lockfile: %w", werr)
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("journal: create lockfile: %w", err)
		}

		pid, rerr := readLockPID(j.lockPath)
		if rerr == nil && pid > 0 && processAlive(pid) {
			return fmt.Errorf("%w: held by pid %d", ErrLocked, pid)
		}

		// Stale or unreadable lockfile: remove and retry once.
		if rmErr := os.Remove(j.lockPath); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("journal: remove stale lockfile: %w", rmErr)
		}
		j.logger.Printf("removed stale lockfile (pid %d)", pid)
	}
	return ErrLocked
}

func (j *Journal) releaseLock() {
	if !j.opts.Lock {
		return
	}
	// Only remove a lockfile we own.
	if pid, err := readLockPID(j.lockPath); err == nil && pid == os.Getpid() {
		os.Remove(j.lockPath)
	}
}

func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processAlive probes the PID with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
