// Package filequeue implements a local, append-only FIFO backed by a single
// file. It is used to buffer records while the queue backend is unreachable.
//
// A queue file starts with a 16 byte header holding the head and tail
// offsets, followed by frames of a 4 byte big-endian length and the payload.
package filequeue

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
)

// Extension is the file extension of queue files.
const Extension = ".qdat"

const (
	headerSize = 16
	frameSize  = 4

	defaultSyncInterval = time.Second
)

var (
	// ErrEmpty is returned when reading from an empty queue.
	ErrEmpty = errors.New("queue is empty")
	// ErrNotFound is returned when opening a missing file without creating it.
	ErrNotFound = errors.New("queue file not found")
	// ErrAlreadyInUse is returned when another handle holds the file lock.
	ErrAlreadyInUse = errors.New("file already in use")
	// ErrClosed is returned for operations on a closed queue.
	ErrClosed = errors.New("queue is closed")
	// ErrAlreadyOpen is returned when reopening a queue that is open.
	ErrAlreadyOpen = errors.New("queue is already open")
)

// Pointer is the queue file header.
type Pointer struct {
	Head int64
	Tail int64
}

// MarshalBinary encodes the pointer as two big-endian int64 values.
func (p Pointer) MarshalBinary() ([]byte, error) {
	b := make([]byte, headerSize)
	binary.BigEndian.PutUint64(b[0:8], uint64(p.Head))
	binary.BigEndian.PutUint64(b[8:16], uint64(p.Tail))
	return b, nil
}

// UnmarshalBinary decodes a header written by MarshalBinary.
func (p *Pointer) UnmarshalBinary(b []byte) error {
	if len(b) < headerSize {
		return errors.Errorf("short header: %d bytes", len(b))
	}
	p.Head = int64(binary.BigEndian.Uint64(b[0:8]))
	p.Tail = int64(binary.BigEndian.Uint64(b[8:16]))
	return nil
}

func (p Pointer) empty() bool { return p.Head == p.Tail }

// Option configures a File.
type Option func(*File)

// WithSyncInterval sets how often pending writes are flushed to disk.
func WithSyncInterval(d time.Duration) Option {
	return func(f *File) {
		if d > 0 {
			f.syncEvery = d
		}
	}
}

// WithLogger sets the logger used by the background flusher.
func WithLogger(l log.Logger) Option {
	return func(f *File) {
		if l != nil {
			f.log = l
		}
	}
}

// File is a durable FIFO queue stored in one file.
//
// Only one File may have a given path open at a time, across processes.
// All methods are safe for concurrent use.
type File struct {
	mu sync.Mutex

	path      string
	create    bool
	f         *os.File
	ptr       Pointer
	size      int
	dirty     bool
	syncEvery time.Duration
	log       log.Logger

	stop chan struct{}
	done chan struct{}
}

// Open opens the queue file name in dir. If the file does not exist it is
// created when create is set, otherwise ErrNotFound is returned.
func Open(dir, name string, create bool, opts ...Option) (*File, error) {
	q := &File{
		path:      filepath.Join(dir, name+Extension),
		create:    create,
		syncEvery: defaultSyncInterval,
		log:       log.NewNopLogger(),
	}
	for _, o := range opts {
		o(q)
	}
	if create {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "unable to create queue directory %q", dir)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.openLocked(); err != nil {
		return nil, err
	}
	return q, nil
}

// Path returns the location of the backing file.
func (q *File) Path() string {
	return q.path
}

func (q *File) openLocked() error {
	flags := os.O_RDWR
	if q.create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(q.path, flags, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrNotFound, "%s", q.path)
		}
		return errors.Wrapf(err, "unable to open queue file %q", q.path)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "%s", q.path)
	}

	ptr, size, err := recoverState(f)
	if err != nil {
		_ = unlockFile(f)
		_ = f.Close()
		return errors.Wrapf(err, "unable to read queue file %q", q.path)
	}

	q.f = f
	q.ptr = ptr
	q.size = size
	q.dirty = false
	q.stop = make(chan struct{})
	q.done = make(chan struct{})
	go q.syncLoop(q.f, q.stop, q.done)
	return nil
}

// recoverState reads the header of f, writing a fresh one for a new file, and
// counts the frames between head and tail.
func recoverState(f *os.File) (Pointer, int, error) {
	info, err := f.Stat()
	if err != nil {
		return Pointer{}, 0, errors.WithStack(err)
	}
	if info.Size() == 0 {
		ptr := Pointer{Head: headerSize, Tail: headerSize}
		if err := writePointer(f, ptr); err != nil {
			return Pointer{}, 0, err
		}
		return ptr, 0, errors.WithStack(f.Sync())
	}

	b := make([]byte, headerSize)
	if _, err := f.ReadAt(b, 0); err != nil {
		return Pointer{}, 0, errors.Wrap(err, "unable to read header")
	}
	var ptr Pointer
	if err := ptr.UnmarshalBinary(b); err != nil {
		return Pointer{}, 0, err
	}
	if ptr.Head < headerSize || ptr.Head > ptr.Tail || ptr.Tail > info.Size() {
		return Pointer{}, 0, errors.Errorf("corrupt header: head=%d tail=%d file size=%d", ptr.Head, ptr.Tail, info.Size())
	}

	size := 0
	for off := ptr.Head; off < ptr.Tail; {
		n, err := readFrameLen(f, off)
		if err != nil {
			return Pointer{}, 0, err
		}
		off += frameSize + int64(n)
		if off > ptr.Tail {
			return Pointer{}, 0, errors.Errorf("frame at %d overruns tail %d", off, ptr.Tail)
		}
		size++
	}
	return ptr, size, nil
}

func writePointer(f *os.File, p Pointer) error {
	b, _ := p.MarshalBinary()
	_, err := f.WriteAt(b, 0)
	return errors.Wrap(err, "unable to write header")
}

func readFrameLen(f *os.File, off int64) (int32, error) {
	var b [frameSize]byte
	if _, err := f.ReadAt(b[:], off); err != nil {
		return 0, errors.Wrapf(err, "unable to read frame length at %d", off)
	}
	n := int32(binary.BigEndian.Uint32(b[:]))
	if n < 0 {
		return 0, errors.Errorf("negative frame length at %d", off)
	}
	return n, nil
}

func (q *File) syncLoop(f *os.File, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(q.syncEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.mu.Lock()
			if q.f == f && q.dirty {
				if err := f.Sync(); err != nil {
					_ = q.log.Log("LEVEL", "ERROR", "MESSAGE", fmt.Sprintf("Unable to sync %s: %s", q.path, err))
				} else {
					q.dirty = false
				}
			}
			q.mu.Unlock()
		case <-stop:
			return
		}
	}
}

// AddTail appends the entries bs to the queue.
//
// The header only moves once every frame is written, so a failed append
// leaves the queue as it was.
func (q *File) AddTail(bs ...[]byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.f == nil {
		return errors.WithStack(ErrClosed)
	}

	total := 0
	for _, b := range bs {
		total += frameSize + len(b)
	}
	frames := make([]byte, 0, total)
	for _, b := range bs {
		var n [frameSize]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(b)))
		frames = append(frames, n[:]...)
		frames = append(frames, b...)
	}
	if _, err := q.f.WriteAt(frames, q.ptr.Tail); err != nil {
		return errors.Wrapf(err, "unable to append to %q", q.path)
	}

	next := Pointer{Head: q.ptr.Head, Tail: q.ptr.Tail + int64(len(frames))}
	if err := writePointer(q.f, next); err != nil {
		return err
	}
	q.ptr = next
	q.size += len(bs)
	q.dirty = true
	return nil
}

// GetHead removes and returns the oldest entry. ErrEmpty is returned when the
// queue has no entries.
func (q *File) GetHead() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.f == nil {
		return nil, errors.WithStack(ErrClosed)
	}
	if q.ptr.empty() {
		return nil, errors.WithStack(ErrEmpty)
	}

	b, next, err := q.readAt(q.ptr.Head)
	if err != nil {
		return nil, err
	}
	ptr := Pointer{Head: next, Tail: q.ptr.Tail}
	truncate := ptr.empty()
	if truncate {
		// Start over at the header once drained.
		ptr = Pointer{Head: headerSize, Tail: headerSize}
	}
	if err := writePointer(q.f, ptr); err != nil {
		return nil, err
	}
	if truncate {
		if err := q.f.Truncate(headerSize); err != nil {
			return nil, errors.Wrapf(err, "unable to truncate %q", q.path)
		}
	}
	q.ptr = ptr
	q.size--
	q.dirty = true
	return b, nil
}

func (q *File) readAt(off int64) ([]byte, int64, error) {
	n, err := readFrameLen(q.f, off)
	if err != nil {
		return nil, 0, err
	}
	b := make([]byte, n)
	if _, err := q.f.ReadAt(b, off+frameSize); err != nil && !(err == io.EOF && n == 0) {
		return nil, 0, errors.Wrapf(err, "unable to read frame at %d", off)
	}
	return b, off + frameSize + int64(n), nil
}

// Peek returns up to max entries from the head without removing them. A max
// of zero or less returns every entry.
func (q *File) Peek(max int) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.f == nil {
		return nil, errors.WithStack(ErrClosed)
	}
	if max <= 0 || max > q.size {
		max = q.size
	}
	out := make([][]byte, 0, max)
	for off := q.ptr.Head; off < q.ptr.Tail && len(out) < max; {
		b, next, err := q.readAt(off)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
		off = next
	}
	return out, nil
}

// Size returns the number of entries in the queue.
func (q *File) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// IsEmpty reports whether the queue has no entries.
func (q *File) IsEmpty() bool {
	return q.Size() == 0
}

// Close flushes and closes the file, releasing its lock. Closing a closed
// queue is a no-op.
func (q *File) Close() error {
	q.mu.Lock()
	if q.f == nil {
		q.mu.Unlock()
		return nil
	}
	f, stop, done := q.f, q.stop, q.done
	q.f = nil
	q.mu.Unlock()

	close(stop)
	<-done

	var errs []string
	if err := f.Sync(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := unlockFile(f); err != nil {
		errs = append(errs, err.Error())
	}
	if err := f.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return errors.Errorf("unable to close %q: %v", q.path, errs)
	}
	q.mu.Lock()
	q.dirty = false
	q.mu.Unlock()
	return nil
}

// Delete closes the queue and removes the backing file. It reports whether a
// file was removed.
func (q *File) Delete() (bool, error) {
	if err := q.Close(); err != nil {
		return false, err
	}
	err := os.Remove(q.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "unable to remove %q", q.path)
	}
	return true, nil
}

// Reopen opens a closed or deleted queue again at the same path.
func (q *File) Reopen() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.f != nil {
		return errors.WithStack(ErrAlreadyOpen)
	}
	return q.openLocked()
}
