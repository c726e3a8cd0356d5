package filequeue

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/rwool/blaze/pkg/record"
)

const moveBatchSize = 256

// Pusher receives records drained from local files.
type Pusher interface {
	Enqueue(ctx context.Context, listKey string, recs ...record.Record) error
}

// Local buffers records in queue files while the backend is unavailable.
//
// Files are named after the time they were created and are drained oldest
// first. Each entry holds a record together with the list key it was meant
// for.
type Local struct {
	mu   sync.Mutex
	dir  string
	cur  *File
	log  log.Logger
	opts []Option
}

// NewLocal returns a Local storing its files in dir.
func NewLocal(dir string, l log.Logger, opts ...Option) *Local {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &Local{
		dir:  dir,
		log:  l,
		opts: append([]Option{WithLogger(l)}, opts...),
	}
}

func encodeEntry(listKey string, r record.Record) ([]byte, error) {
	rb, err := record.Marshal(r)
	if err != nil {
		return nil, err
	}
	if len(listKey) > 0xFFFF {
		return nil, errors.Errorf("list key too long: %d bytes", len(listKey))
	}
	b := make([]byte, 4+len(rb)+2+len(listKey))
	binary.BigEndian.PutUint32(b, uint32(len(rb)))
	copy(b[4:], rb)
	binary.BigEndian.PutUint16(b[4+len(rb):], uint16(len(listKey)))
	copy(b[6+len(rb):], listKey)
	return b, nil
}

func decodeEntry(b []byte) (string, record.Record, error) {
	if len(b) < 4 {
		return "", record.Record{}, errors.New("short entry")
	}
	n := int(binary.BigEndian.Uint32(b))
	if len(b) < 4+n+2 {
		return "", record.Record{}, errors.New("truncated entry")
	}
	r, err := record.Unmarshal(b[4 : 4+n])
	if err != nil {
		return "", record.Record{}, err
	}
	k := int(binary.BigEndian.Uint16(b[4+n:]))
	if len(b) < 6+n+k {
		return "", record.Record{}, errors.New("truncated entry key")
	}
	return string(b[6+n : 6+n+k]), r, nil
}

func (l *Local) current() (*File, error) {
	if l.cur != nil {
		return l.cur, nil
	}
	name := strconv.FormatInt(time.Now().UnixNano(), 10)
	f, err := Open(l.dir, name, true, l.opts...)
	if err != nil {
		return nil, err
	}
	l.cur = f
	return f, nil
}

// AddAll appends recs, destined for listKey, to the current local file.
// Either all of recs are buffered or none are.
func (l *Local) AddAll(listKey string, recs []record.Record) error {
	entries := make([][]byte, 0, len(recs))
	for _, r := range recs {
		b, err := encodeEntry(listKey, r)
		if err != nil {
			return err
		}
		entries = append(entries, b)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := l.current()
	if err != nil {
		return err
	}
	return f.AddTail(entries...)
}

// files returns the names of local queue files, oldest first.
func (l *Local) files() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, "*"+Extension))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	type file struct {
		name string
		ts   int64
	}
	var out []file
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), Extension)
		ts, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			_ = l.log.Log("LEVEL", "WARN", "MESSAGE", fmt.Sprintf("Ignoring unexpected file %s", m))
			continue
		}
		out = append(out, file{name: name, ts: ts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ts < out[j].ts })
	names := make([]string, len(out))
	for i, f := range out {
		names[i] = f.name
	}
	return names, nil
}

// MoveAll pushes every buffered record to p and removes the drained files.
// It returns the number of records moved.
//
// Records leave a file only after they were pushed, so a failed push keeps
// them for the next attempt. A push that succeeds right before a crash may be
// repeated.
func (l *Local) MoveAll(ctx context.Context, p Pusher) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Rotate so new writes go to a fresh file.
	if l.cur != nil {
		if err := l.cur.Close(); err != nil {
			return 0, err
		}
		l.cur = nil
	}

	names, err := l.files()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, name := range names {
		n, err := l.moveFile(ctx, name, p)
		moved += n
		if err != nil {
			return moved, err
		}
	}
	if moved > 0 {
		_ = l.log.Log("LEVEL", "INFO", "MESSAGE", fmt.Sprintf("Moved %d locally buffered records to the backend", moved))
	}
	return moved, nil
}

// moveFile drains one file from its head, a run of entries for the same list
// key at a time.
func (l *Local) moveFile(ctx context.Context, name string, p Pusher) (int, error) {
	f, err := Open(l.dir, name, false, l.opts...)
	if err != nil {
		return 0, err
	}

	moved := 0
	for {
		entries, err := f.Peek(moveBatchSize)
		if err != nil {
			_ = f.Close()
			return moved, err
		}
		if len(entries) == 0 {
			break
		}

		key, recs, n := l.nextRun(f, entries)
		if len(recs) > 0 {
			if err := p.Enqueue(ctx, key, recs...); err != nil {
				_ = f.Close()
				return moved, errors.Wrapf(err, "unable to move records from %s", f.Path())
			}
		}
		for i := 0; i < n; i++ {
			if _, err := f.GetHead(); err != nil {
				_ = f.Close()
				return moved, err
			}
		}
		moved += len(recs)
	}
	if _, err := f.Delete(); err != nil {
		return moved, err
	}
	return moved, nil
}

// nextRun decodes the leading entries that share a list key. n is the number
// of entries consumed, including unreadable ones, which are dropped.
func (l *Local) nextRun(f *File, entries [][]byte) (key string, recs []record.Record, n int) {
	for _, e := range entries {
		k, r, err := decodeEntry(e)
		if err != nil {
			if len(recs) > 0 {
				break
			}
			_ = l.log.Log("LEVEL", "ERROR", "MESSAGE", fmt.Sprintf("Dropping unreadable entry in %s: %s", f.Path(), err))
			n++
			continue
		}
		if len(recs) > 0 && k != key {
			break
		}
		key = k
		recs = append(recs, r)
		n++
	}
	return key, recs, n
}

// Pending returns the number of buffered records across all local files.
func (l *Local) Pending() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	names, err := l.files()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, name := range names {
		if l.cur != nil && l.cur.Path() == filepath.Join(l.dir, name+Extension) {
			total += l.cur.Size()
			continue
		}
		f, err := Open(l.dir, name, false, l.opts...)
		if err != nil {
			return 0, err
		}
		total += f.Size()
		if err := f.Close(); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// Close closes the file currently being written.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur == nil {
		return nil
	}
	err := l.cur.Close()
	l.cur = nil
	return err
}

