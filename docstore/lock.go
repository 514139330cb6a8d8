package docstore

import (
	"fmt"
	"os"
	"syscall"
)

// lockFile acquires an exclusive advisory lock on a sibling .lock file.
// The lock file itself is never removed, so lock acquisition is a stable
// rendezvous point for independent processes. The returned func releases
// the lock and closes the handle.
func lockFile(path string) (func(), error) {
	lf, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX); err != nil {
		lf.Close()
		return nil, fmt.Errorf("flock: %w", err)
	}
	return func() {
		_ = syscall.Flock(int(lf.Fd()), syscall.LOCK_UN)
		lf.Close()
	}, nil
}
