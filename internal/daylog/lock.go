package daylog

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// errLocked is returned when another process holds the lock of a day.
var errLocked = errors.New("execution log is locked by another process")

// locks is the process wide registry of held day locks.
// A lock, once acquired, is kept till it is released explicitly, so every
// writer of this process can use the day.
var locks = struct {
	sync.Mutex
	held map[string]*os.File
}{held: make(map[string]*os.File)}

// acquire takes the exclusive advisory lock of the given path without blocking.
func acquire(path string) error {
	locks.Lock()
	defer locks.Unlock()

	if _, ok := locks.held[path]; ok {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return errLocked
		}
		return errors.WithStack(err)
	}
	locks.held[path] = f
	return nil
}

// release drops the lock of the given path if this process holds it.
func release(path string) error {
	locks.Lock()
	defer locks.Unlock()

	f, ok := locks.held[path]
	if !ok {
		return nil
	}
	delete(locks.held, path)
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		_ = f.Close()
		return errors.WithStack(err)
	}
	return errors.WithStack(f.Close())
}
