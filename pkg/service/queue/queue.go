// Package queue implements the reliable two-list queue protocol on top of
// Redis.
//
// Records are pushed to the head of a source list. Dequeuing atomically moves
// the tail of the source list to the head of an in-process list owned by this
// instance, so a record handed to a consumer survives a crash until it is
// committed.
package queue

import (
	"context"
	"time"

	"github.com/rwool/blaze/pkg/record"
)

// MaxClearAttempts bounds the number of passes made when clearing a list.
const MaxClearAttempts = 5

// Queue wraps the set of methods for the reliable queue protocol.
type Queue interface {
	// Enqueue pushes recs to the head of the list listKey.
	Enqueue(ctx context.Context, listKey string, recs ...record.Record) error
	// Dequeue moves the next record of a route into the in-process list,
	// waiting up to timeout. ok is false when nothing arrived in time.
	Dequeue(ctx context.Context, exchange, route string, timeout time.Duration) (rec record.Record, ok bool, err error)
	// Pop removes the next record of a route without tracking it.
	Pop(ctx context.Context, exchange, route string, timeout time.Duration) (rec record.Record, ok bool, err error)
	// EndCommit removes a dequeued record from the in-process list and
	// either pushes it back to the source list or counts it as done.
	EndCommit(ctx context.Context, rec record.Record, listKey string, requeue bool) error
	// ReverseDequeue moves the tail of the in-process list back to the tail
	// of the source list. It returns false when the in-process list is empty.
	ReverseDequeue(ctx context.Context, exchange, route string) (bool, error)
	// Clear empties the source list of a route, reporting whether it is empty.
	Clear(ctx context.Context, exchange, route string) (bool, error)
	// ClearInproc empties the in-process list of a route.
	ClearInproc(ctx context.Context, exchange, route string) (bool, error)
	// Size returns the length of the source list of a route.
	Size(ctx context.Context, exchange, route string) (int64, error)
	// InprocSize returns the length of the in-process list of a route.
	InprocSize(ctx context.Context, exchange, route string) (int64, error)
	// DeadLetter records rec as given up on.
	DeadLetter(ctx context.Context, rec record.Record) error
	// QueueNames returns the source list keys found in the backend.
	QueueNames(ctx context.Context) ([]string, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}
