package container

import (
	"context"
	"fmt"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/rwool/blaze/pkg/record"
)

// DeadLetterHandler receives records that were given up on.
type DeadLetterHandler interface {
	Handle(ctx context.Context, rec record.Record, cause error) error
}

// DeadLetterFunc adapts a function to a DeadLetterHandler.
type DeadLetterFunc func(ctx context.Context, rec record.Record, cause error) error

// Handle calls f.
func (f DeadLetterFunc) Handle(ctx context.Context, rec record.Record, cause error) error {
	return f(ctx, rec, cause)
}

// LogDeadLetter logs dead records.
func LogDeadLetter(l log.Logger) DeadLetterHandler {
	return DeadLetterFunc(func(_ context.Context, rec record.Record, cause error) error {
		_ = l.Log("LEVEL", "WARN", "MESSAGE", fmt.Sprintf("Dead letter %s on %s/%s", rec.Key.ID, rec.Key.Exchange, rec.Key.RoutingKey),
			"deliveries", rec.RedeliveryCount, "cause", fmt.Sprint(cause))
		return nil
	})
}

// DeadLetterStore keeps dead records.
type DeadLetterStore interface {
	DeadLetter(ctx context.Context, rec record.Record) error
}

// StoreDeadLetter pushes dead records to s.
func StoreDeadLetter(s DeadLetterStore) DeadLetterHandler {
	return DeadLetterFunc(func(ctx context.Context, rec record.Record, _ error) error {
		return s.DeadLetter(ctx, rec)
	})
}

// ChainDeadLetter calls each handler in turn. All handlers are called, the
// first error is returned.
func ChainDeadLetter(handlers ...DeadLetterHandler) DeadLetterHandler {
	return DeadLetterFunc(func(ctx context.Context, rec record.Record, cause error) error {
		var first error
		for _, h := range handlers {
			if err := h.Handle(ctx, rec, cause); err != nil && first == nil {
				first = errors.WithStack(err)
			}
		}
		return first
	})
}
