package btidx

import (
	"os"

	"golang.org/x/sys/unix"
)

// Cross-process advisory file-range locking (SPEC_FULL.md §5), grounded in
// other_examples/brickdb's ReadLock/WriteLock/Unlock helpers built on
// syscall.FcntlFlock. Used to guard index-file creation/validation across
// processes; in-process writer serialization uses the Index's own mutex,
// not this lock.

func lockRange(f *os.File, lockType int16, whence int16, start, length int64, wait bool) error {
	lk := unix.Flock_t{
		Type:   lockType,
		Whence: whence,
		Start:  start,
		Len:    length,
	}
	cmd := unix.F_SETLK
	if wait {
		cmd = unix.F_SETLKW
	}
	return unix.FcntlFlock(f.Fd(), cmd, &lk)
}

// exclusiveLock takes a blocking whole-file write lock, used while
// validating/creating the header (§3's "validated under exclusive file
// lock").
func exclusiveLock(f *os.File) error {
	return lockRange(f, unix.F_WRLCK, 0, 0, 0, true)
}

// sharedLock takes a blocking whole-file read lock, used for the steady
// state of an already-valid index ("thereafter opened under shared file
// lock").
func sharedLock(f *os.File) error {
	return lockRange(f, unix.F_RDLCK, 0, 0, 0, true)
}

// unlockAll releases any lock this process holds on f.
func unlockAll(f *os.File) error {
	return lockRange(f, unix.F_UNLCK, 0, 0, 0, false)
}
