package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// Filesystem mediates all path-level operations of the engine through a
// single worker goroutine, so index and scheduler goroutines never block on
// syscalls and rename-after-write stays serialized. IO failures are retried
// once at the operation boundary; the second failure surfaces to the caller
// and leaves any on-disk state for startup recovery.
type Filesystem struct {
	requests chan fsRequest
	stop     chan struct{}
	done     sync.WaitGroup
	log      *logrus.Entry
	once     sync.Once
}

type fsRequest struct {
	op    func() error
	reply chan error
}

// NewFilesystem starts the mediator worker.
func NewFilesystem(log *logrus.Entry) *Filesystem {
	if log == nil {
		log = logrus.WithField("component", "filesystem")
	}
	fs := &Filesystem{
		requests: make(chan fsRequest, 64),
		stop:     make(chan struct{}),
		log:      log,
	}
	fs.done.Add(1)
	go fs.run()
	return fs
}

func (fs *Filesystem) run() {
	defer fs.done.Done()
	for {
		select {
		case req := <-fs.requests:
			req.reply <- fs.withRetry(req.op)
		case <-fs.stop:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case req := <-fs.requests:
					req.reply <- fs.withRetry(req.op)
				default:
					return
				}
			}
		}
	}
}

func (fs *Filesystem) withRetry(op func() error) error {
	err := op()
	if err == nil {
		return nil
	}
	fs.log.WithError(err).Warn("filesystem operation failed, retrying once")
	return op()
}

// Close stops the worker after draining queued requests.
func (fs *Filesystem) Close() {
	fs.once.Do(func() { close(fs.stop) })
	fs.done.Wait()
}

func (fs *Filesystem) do(op func() error) error {
	reply := make(chan error, 1)
	select {
	case fs.requests <- fsRequest{op: op, reply: reply}:
		return <-reply
	case <-fs.stop:
		return ErrShutdown
	}
}

// WriteFile atomically writes data: a temp file in the same directory is
// renamed over the target.
func (fs *Filesystem) WriteFile(path string, data []byte) error {
	return fs.do(func() error {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("filesystem: write %s: %w", tmp, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("filesystem: rename %s: %w", path, err)
		}
		return nil
	})
}

// ReadFile reads a whole file.
func (fs *Filesystem) ReadFile(path string) ([]byte, error) {
	var data []byte
	err := fs.do(func() error {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("filesystem: read %s: %w", path, err)
		}
		return nil
	})
	return data, err
}

// Rename moves a file.
func (fs *Filesystem) Rename(from, to string) error {
	return fs.do(func() error {
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("filesystem: rename %s to %s: %w", from, to, err)
		}
		return nil
	})
}

// Remove deletes a file, tolerating its absence.
func (fs *Filesystem) Remove(path string) error {
	return fs.do(func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("filesystem: remove %s: %w", path, err)
		}
		return nil
	})
}

// MkdirAll creates a directory tree.
func (fs *Filesystem) MkdirAll(path string) error {
	return fs.do(func() error {
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("filesystem: mkdir %s: %w", path, err)
		}
		return nil
	})
}

// fileExists reports whether a path exists, without going through the
// mediator. It serves pure read-only probes.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnsureLayout creates the engine's directory skeleton under root.
func (fs *Filesystem) EnsureLayout(root string) error {
	for _, dir := range []string{
		filepath.Join(root, "index"),
		filepath.Join(root, "index", "markers"),
		filepath.Join(root, "archive"),
	} {
		if err := fs.MkdirAll(dir); err != nil {
			return err
		}
	}
	return nil
}
