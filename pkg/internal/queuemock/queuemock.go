// Package queuemock implements an in-memory queue.Queue.
package queuemock

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rwool/blaze/pkg/record"
	"github.com/rwool/blaze/pkg/service/queue"
)

// Ensure QueueMock implements queue.Queue.
var _ queue.Queue = (*QueueMock)(nil)

// QueueMock is a mock implementation of the queue.Queue type. Lists hold
// encoded records, head first, and removal matches on the encoding like
// Redis does.
//
// Intended for testing only.
type QueueMock struct {
	mu    sync.Mutex
	cond  *sync.Cond
	lists map[string][][]byte
	stats map[string]int64

	// Err, when set, is returned by every operation.
	Err error
	// Mismatches counts commits that did not remove exactly one record.
	Mismatches int
}

// New returns a new QueueMock.
func New() *QueueMock {
	q := &QueueMock{
		lists: make(map[string][][]byte),
		stats: make(map[string]int64),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// SetErr makes every following operation fail with err, or succeed again
// when err is nil.
func (q *QueueMock) SetErr(err error) {
	q.mu.Lock()
	q.Err = err
	q.mu.Unlock()
}

const inprocID = "mock"

func inprocKey(listKey string) string {
	return queue.InprocKey(listKey, inprocID)
}

func (q *QueueMock) popTail(key string) ([]byte, bool) {
	l := q.lists[key]
	if len(l) == 0 {
		return nil, false
	}
	v := l[len(l)-1]
	q.lists[key] = l[:len(l)-1]
	return v, true
}

// Enqueue pushes recs to the head of listKey.
func (q *QueueMock) Enqueue(_ context.Context, listKey string, recs ...record.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return q.Err
	}
	for _, r := range recs {
		b, err := record.Marshal(r)
		if err != nil {
			return err
		}
		q.lists[listKey] = append([][]byte{b}, q.lists[listKey]...)
	}
	q.stats[listKey+"/enq"] += int64(len(recs))
	q.cond.Broadcast()
	return nil
}

// waitFor waits until key is non-empty, the timeout passes or ctx is done.
// q.mu must be held.
func (q *QueueMock) waitFor(ctx context.Context, key string, timeout time.Duration) {
	if len(q.lists[key]) > 0 || timeout <= 0 {
		return
	}
	deadline := time.Now().Add(timeout)
	t := time.AfterFunc(timeout, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer t.Stop()
	for len(q.lists[key]) == 0 && time.Now().Before(deadline) && ctx.Err() == nil {
		q.cond.Wait()
	}
}

// Dequeue moves the tail of the source list to the head of the in-process
// list.
func (q *QueueMock) Dequeue(ctx context.Context, exchange, route string, timeout time.Duration) (record.Record, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return record.Record{}, false, q.Err
	}
	src := queue.ListKey(exchange, route)
	q.waitFor(ctx, src, timeout)
	v, ok := q.popTail(src)
	if !ok {
		return record.Record{}, false, nil
	}
	dst := inprocKey(src)
	q.lists[dst] = append([][]byte{v}, q.lists[dst]...)
	rec, err := record.Unmarshal(v)
	return rec, err == nil, err
}

// Pop removes the tail of the source list.
func (q *QueueMock) Pop(ctx context.Context, exchange, route string, timeout time.Duration) (record.Record, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return record.Record{}, false, q.Err
	}
	src := queue.ListKey(exchange, route)
	q.waitFor(ctx, src, timeout)
	v, ok := q.popTail(src)
	if !ok {
		return record.Record{}, false, nil
	}
	q.stats[src+"/deq"]++
	rec, err := record.Unmarshal(v)
	return rec, err == nil, err
}

// EndCommit removes the prior delivery of rec from the in-process list and
// requeues it or counts it.
func (q *QueueMock) EndCommit(_ context.Context, rec record.Record, listKey string, requeue bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return q.Err
	}
	prior, err := record.Marshal(rec.PriorDelivery())
	if err != nil {
		return err
	}
	key := inprocKey(listKey)
	l := q.lists[key]
	removed := 0
	for i := len(l) - 1; i >= 0; i-- {
		if bytes.Equal(l[i], prior) {
			q.lists[key] = append(l[:i:i], l[i+1:]...)
			removed = 1
			break
		}
	}
	if removed != 1 {
		q.Mismatches++
	}
	if requeue {
		next, err := record.Marshal(rec.Redelivery())
		if err != nil {
			return err
		}
		q.lists[listKey] = append(q.lists[listKey], next)
		q.cond.Broadcast()
	} else {
		q.stats[listKey+"/deq"]++
	}
	return nil
}

// ReverseDequeue moves the tail of the in-process list to the tail of the
// source list.
func (q *QueueMock) ReverseDequeue(_ context.Context, exchange, route string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return false, q.Err
	}
	src := queue.ListKey(exchange, route)
	v, ok := q.popTail(inprocKey(src))
	if !ok {
		return false, nil
	}
	q.lists[src] = append(q.lists[src], v)
	return true, nil
}

func (q *QueueMock) clear(key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return false, q.Err
	}
	delete(q.lists, key)
	return true, nil
}

// Clear empties the source list.
func (q *QueueMock) Clear(_ context.Context, exchange, route string) (bool, error) {
	return q.clear(queue.ListKey(exchange, route))
}

// ClearInproc empties the in-process list.
func (q *QueueMock) ClearInproc(_ context.Context, exchange, route string) (bool, error) {
	return q.clear(inprocKey(queue.ListKey(exchange, route)))
}

func (q *QueueMock) size(key string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return 0, q.Err
	}
	return int64(len(q.lists[key])), nil
}

// Size returns the length of the source list.
func (q *QueueMock) Size(_ context.Context, exchange, route string) (int64, error) {
	return q.size(queue.ListKey(exchange, route))
}

// InprocSize returns the length of the in-process list.
func (q *QueueMock) InprocSize(_ context.Context, exchange, route string) (int64, error) {
	return q.size(inprocKey(queue.ListKey(exchange, route)))
}

// DeadLetter pushes rec to the dead-letter list.
func (q *QueueMock) DeadLetter(_ context.Context, rec record.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return q.Err
	}
	b, err := record.Marshal(rec)
	if err != nil {
		return err
	}
	key := queue.DeadLetterKey(queue.ListKey(rec.Key.Exchange, rec.Key.RoutingKey))
	q.lists[key] = append([][]byte{b}, q.lists[key]...)
	return nil
}

// DeadLetters returns the dead-lettered records of a route.
func (q *QueueMock) DeadLetters(exchange, route string) []record.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []record.Record
	for _, b := range q.lists[queue.DeadLetterKey(queue.ListKey(exchange, route))] {
		if r, err := record.Unmarshal(b); err == nil {
			out = append(out, r)
		}
	}
	return out
}

// DequeueCount returns the number of records committed from listKey.
func (q *QueueMock) DequeueCount(listKey string) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats[listKey+"/deq"]
}

// QueueNames returns the non-empty source lists.
func (q *QueueMock) QueueNames(context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return nil, q.Err
	}
	var out []string
	for k := range q.lists {
		if !strings.Contains(k, queue.InprocSuffix) && !strings.Contains(k, queue.DeadLetterSuffix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Ping returns Err.
func (q *QueueMock) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Err
}
