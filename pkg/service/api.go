// Package service implements the producer side of the queue: adding records,
// inspecting queues, and buffering records locally while the backend is
// unreachable.
package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/rwool/blaze/pkg/record"
	"github.com/rwool/blaze/pkg/service/filequeue"
	"github.com/rwool/blaze/pkg/service/instance"
	"github.com/rwool/blaze/pkg/service/queue"
	"github.com/rwool/blaze/pkg/service/stats"
)

const (
	defaultCheckPeriod = 5 * time.Second
	ingestTimeout      = 30 * time.Second
)

var (
	// ErrInvalidMessage is the cause of the MessagingError returned for
	// messages that cannot be queued.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrClearIncomplete is returned when a queue still had records after
	// the bounded number of clear attempts.
	ErrClearIncomplete = errors.New("queue was not fully cleared")
)

// QueueService is the producer facing service.
type QueueService interface {
	// Add queues msgs and returns how many were accepted.
	Add(ctx context.Context, msgs []Message, exchange string) (int, error)
	// Ingest queues msgs in the background.
	Ingest(msgs []Message, exchange string)
	// Next takes the next record of a route without delivery tracking.
	Next(ctx context.Context, exchange, route string, timeout time.Duration) (record.Record, bool, error)
	Size(ctx context.Context, exchange, route string) (int64, error)
	Clear(ctx context.Context, exchange, route string) error
	EnqueueCount(ctx context.Context, exchange, route string) (int64, error)
	DequeueCount(ctx context.Context, exchange, route string) (int64, error)
	ResetCounts(ctx context.Context, exchange, route string) error
}

// Message is a payload to queue on a route.
type Message struct {
	Route         string `json:"route"`
	Payload       []byte `json:"payload"`
	ReplyTo       string `json:"replyTo,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	ExpiryMillis  int64  `json:"expiryMillis,omitempty"`
}

// QueueServiceConfig contains the configuration for a QueueService.
type QueueServiceConfig struct {
	Queue    queue.Queue
	Counters stats.Counters
	Registry instance.Registry
	// Local buffers records while the backend is unreachable. When nil,
	// records are rejected instead.
	Local *filequeue.Local
	Log   log.Logger

	InstanceID string
	// Force skips the instance id uniqueness check.
	Force               bool
	RejectOnUnavailable bool
	// CheckPeriod is how often an unreachable backend is checked.
	CheckPeriod time.Duration
	// Fatal is called when the service cannot keep running, such as when
	// the instance id turns out to be in use.
	Fatal func(error)
}

type queueService struct {
	q        queue.Queue
	counters stats.Counters
	registry instance.Registry
	local    *filequeue.Local
	l        log.Logger

	id          string
	force       bool
	reject      bool
	checkPeriod time.Duration
	fatal       func(error)

	// stateMu is held for writing while the service turns available, and
	// for reading while records are buffered locally.
	stateMu   sync.RWMutex
	available atomic.Bool
	verified  atomic.Bool
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

// queueNameLoader is implemented by stores that cache queue names.
type queueNameLoader interface {
	LoadQueueNames(ctx context.Context) ([]string, error)
}

func newQueueService(conf QueueServiceConfig) *queueService {
	if conf.Queue == nil {
		panic("nil queue")
	}
	if conf.Log == nil {
		conf.Log = log.NewNopLogger()
	}
	if conf.CheckPeriod <= 0 {
		conf.CheckPeriod = defaultCheckPeriod
	}
	s := &queueService{
		q:           conf.Queue,
		counters:    conf.Counters,
		registry:    conf.Registry,
		local:       conf.Local,
		l:           conf.Log,
		id:          conf.InstanceID,
		force:       conf.Force,
		reject:      conf.RejectOnUnavailable || conf.Local == nil,
		checkPeriod: conf.CheckPeriod,
		fatal:       conf.Fatal,
	}
	if s.fatal == nil {
		s.fatal = func(err error) {
			_ = s.l.Log("LEVEL", "ERROR", "MESSAGE", err.Error())
		}
	}
	return s
}

// NewQueueService returns a QueueService and a function that stops it.
//
// The instance id is registered before returning. If the backend cannot be
// reached and records may be buffered locally, the service starts anyway and
// registers once the backend is back.
func NewQueueService(ctx context.Context, conf QueueServiceConfig) (QueueService, func(context.Context) error, error) {
	s := newQueueService(conf)
	if err := s.start(ctx); err != nil {
		return nil, nil, err
	}
	return s, s.close, nil
}

func (s *queueService) start(ctx context.Context) error {
	err := s.connect(ctx)
	if err != nil {
		if !queue.IsUnavailable(err) || s.reject {
			return err
		}
		_ = s.l.Log("LEVEL", "WARN", "MESSAGE", fmt.Sprintf("Starting with records buffered locally: %s", err))
		s.available.Store(false)
	}

	checkCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.checkConnection(checkCtx)
	}()
	return nil
}

// connect registers the instance, loads queue names and drains local
// buffers. The service is available once it succeeds.
func (s *queueService) connect(ctx context.Context) error {
	if err := s.q.Ping(ctx); err != nil {
		return err
	}
	if !s.verified.Load() && s.registry != nil {
		if err := s.registry.Verify(ctx, s.id, s.force); err != nil {
			return err
		}
		s.verified.Store(true)
	}
	if loader, ok := s.q.(queueNameLoader); ok {
		if _, err := loader.LoadQueueNames(ctx); err != nil {
			return err
		}
	}
	if s.local != nil {
		if _, err := s.local.MoveAll(ctx, s.q); err != nil {
			return err
		}
	}

	// Records buffered during the first drain are moved before any Add can
	// see the service as available.
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.local != nil {
		if _, err := s.local.MoveAll(ctx, s.q); err != nil {
			return err
		}
	}
	s.available.Store(true)
	return nil
}

func (s *queueService) checkConnection(ctx context.Context) {
	ticker := time.NewTicker(s.checkPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
		if s.available.Load() {
			continue
		}
		err := s.connect(ctx)
		if err == nil {
			_ = s.l.Log("LEVEL", "INFO", "MESSAGE", "Queue backend is available again")
			continue
		}
		if errors.Cause(err) == instance.ErrDuplicateInstance {
			s.fatal(err)
			return
		}
		_ = s.l.Log("LEVEL", "DEBUG", "MESSAGE", fmt.Sprintf("Queue backend still unavailable: %s", err))
	}
}

func (s *queueService) markUnavailable(err error) {
	if s.available.Swap(false) {
		_ = s.l.Log("LEVEL", "ERROR", "MESSAGE", fmt.Sprintf("Queue backend unavailable: %s", err))
	}
}

func invalid(format string, args ...interface{}) error {
	return errors.WithStack(&record.MessagingError{Err: errors.Wrapf(ErrInvalidMessage, format, args...)})
}

type batch struct {
	listKey string
	recs    []record.Record
}

// group turns msgs into records batched by destination, keeping order.
func group(msgs []Message, exchange string) ([]batch, error) {
	var out []batch
	index := make(map[string]int)
	for i, m := range msgs {
		if m.Route == "" {
			return nil, invalid("message %d has no route", i)
		}
		rec := record.New(exchange, m.Route, m.Payload)
		rec.ReplyTo = m.ReplyTo
		rec.CorrelationID = m.CorrelationID
		rec.ExpiryMillis = m.ExpiryMillis
		key := queue.ListKey(exchange, m.Route)
		j, ok := index[key]
		if !ok {
			j = len(out)
			index[key] = j
			out = append(out, batch{listKey: key})
		}
		out[j].recs = append(out[j].recs, rec)
	}
	return out, nil
}

// Add queues msgs, grouped by route. While the backend is unreachable the
// records are buffered locally, or rejected with a queue.UnavailableError
// when local buffering is off.
func (s *queueService) Add(ctx context.Context, msgs []Message, exchange string) (int, error) {
	if exchange == "" {
		exchange = record.DefaultExchange
	}
	batches, err := group(msgs, exchange)
	if err != nil {
		return 0, err
	}

	count := 0
	for i := 0; i < len(batches); {
		if s.available.Load() {
			err := s.q.Enqueue(ctx, batches[i].listKey, batches[i].recs...)
			if err == nil {
				count += len(batches[i].recs)
				i++
				continue
			}
			if !queue.IsUnavailable(err) {
				return count, err
			}
			s.markUnavailable(err)
		}
		n, buffered, err := s.buffer(batches[i:])
		if buffered || err != nil {
			return count + n, err
		}
	}
	return count, nil
}

// buffer stores batches locally. It reports false, without storing anything,
// when the backend became available in the meantime.
func (s *queueService) buffer(batches []batch) (int, bool, error) {
	if s.reject {
		return 0, true, errors.WithStack(&queue.UnavailableError{Err: errors.New("rejecting records while the backend is unreachable")})
	}
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.available.Load() {
		return 0, false, nil
	}
	count := 0
	for _, b := range batches {
		if err := s.local.AddAll(b.listKey, b.recs); err != nil {
			return count, true, errors.Wrap(err, "unable to buffer records locally")
		}
		count += len(b.recs)
	}
	_ = s.l.Log("LEVEL", "DEBUG", "MESSAGE", fmt.Sprintf("Buffered %d records locally", count))
	return count, true, nil
}

// Ingest queues msgs without waiting. Failures are logged.
func (s *queueService) Ingest(msgs []Message, exchange string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
		defer cancel()
		if _, err := s.Add(ctx, msgs, exchange); err != nil {
			_ = s.l.Log("LEVEL", "ERROR", "MESSAGE", fmt.Sprintf("Unable to ingest %d messages: %s", len(msgs), err))
		}
	}()
}

func exchangeOrDefault(exchange string) string {
	if exchange == "" {
		return record.DefaultExchange
	}
	return exchange
}

// Next takes the next record of a route. The record is not tracked, so it is
// lost if the caller fails to process it.
func (s *queueService) Next(ctx context.Context, exchange, route string, timeout time.Duration) (record.Record, bool, error) {
	return s.q.Pop(ctx, exchangeOrDefault(exchange), route, timeout)
}

// Size returns the number of records waiting on a route.
func (s *queueService) Size(ctx context.Context, exchange, route string) (int64, error) {
	return s.q.Size(ctx, exchangeOrDefault(exchange), route)
}

// Clear removes all records waiting on a route.
func (s *queueService) Clear(ctx context.Context, exchange, route string) error {
	exchange = exchangeOrDefault(exchange)
	ok, err := s.q.Clear(ctx, exchange, route)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrClearIncomplete, "%s", queue.ListKey(exchange, route))
	}
	return nil
}

func (s *queueService) countersOrErr() (stats.Counters, error) {
	if s.counters == nil {
		return nil, errors.New("counters are not configured")
	}
	return s.counters, nil
}

// EnqueueCount returns the number of records added to a route.
func (s *queueService) EnqueueCount(ctx context.Context, exchange, route string) (int64, error) {
	c, err := s.countersOrErr()
	if err != nil {
		return 0, err
	}
	return c.EnqueueCount(ctx, queue.ListKey(exchangeOrDefault(exchange), route))
}

// DequeueCount returns the number of records of a route that were finished.
func (s *queueService) DequeueCount(ctx context.Context, exchange, route string) (int64, error) {
	c, err := s.countersOrErr()
	if err != nil {
		return 0, err
	}
	return c.DequeueCount(ctx, queue.ListKey(exchangeOrDefault(exchange), route))
}

// ResetCounts sets both counters of a route to zero.
func (s *queueService) ResetCounts(ctx context.Context, exchange, route string) error {
	c, err := s.countersOrErr()
	if err != nil {
		return err
	}
	return c.Reset(ctx, queue.ListKey(exchangeOrDefault(exchange), route))
}

// close stops the connection checker, waits for background ingestion,
// persists queue names and unregisters the instance.
func (s *queueService) close(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	var errs []string
	if s.available.Load() && s.registry != nil {
		names, err := s.q.QueueNames(ctx)
		if err == nil {
			err = s.registry.PersistQueueNames(ctx, names)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
		if s.verified.Load() {
			if err := s.registry.Remove(ctx, s.id); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}
	if s.local != nil {
		if err := s.local.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("errors closing queue service: %v", errs)
	}
	return nil
}
