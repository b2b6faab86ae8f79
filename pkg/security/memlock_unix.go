//go:build unix

package security

import "golang.org/x/sys/unix"

// LockMemory pins the pages backing b so key material is not swapped
// out. Failure is non-fatal; callers treat locking as best effort.
func LockMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Mlock(b)
}

// UnlockMemory releases pages previously pinned with LockMemory.
func UnlockMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munlock(b)
}
