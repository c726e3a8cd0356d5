package filequeue

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// lockFile takes a non-blocking exclusive advisory lock on f.
func lockFile(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return errors.WithStack(ErrAlreadyInUse)
	}
	return errors.Wrap(err, "unable to lock file")
}

func unlockFile(f *os.File) error {
	return errors.Wrap(unix.Flock(int(f.Fd()), unix.LOCK_UN), "unable to unlock file")
}
