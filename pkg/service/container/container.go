// Package container drives registered consumers.
//
// Each listener gets a fixed number of pollers. A poller is a task that
// fetches at most one record, hands it to the consumer, commits or rolls it
// back, and then submits itself again to its worker pool. Failed records are
// redelivered after a linear back-off or dead-lettered.
package container

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/rwool/blaze/pkg/record"
	"github.com/rwool/blaze/pkg/service/queue"
	"github.com/rwool/blaze/pkg/service/recovery"
)

// Defaults for Config.
const (
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultCommitTimeout   = 5 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// ErrStopped is returned when registering with a container that shut down.
var ErrStopped = errors.New("container is stopped")

// Store is the part of the queue backend used to deliver records.
type Store interface {
	Dequeue(ctx context.Context, exchange, route string, timeout time.Duration) (record.Record, bool, error)
	EndCommit(ctx context.Context, rec record.Record, listKey string, requeue bool) error
}

// Recoverer handles records left over by a previous run.
type Recoverer interface {
	Handle(ctx context.Context, exchange, route string) (recovery.Result, error)
}

// Config contains the configuration for a Container.
type Config struct {
	Store      Store
	Recovery   Recoverer
	DeadLetter DeadLetterHandler
	// Throttler limits fetches across all listeners. Nil disables
	// throttling.
	Throttler Throttler
	Metrics   Metrics
	Log       log.Logger

	// Workers is the size of the shared pool.
	Workers      int
	PollInterval time.Duration
	// A record that failed n times is redelivered after
	// RedeliveryDelay + n*RedeliveryBackoff.
	RedeliveryDelay   time.Duration
	RedeliveryBackoff time.Duration
	CommitTimeout     time.Duration
	ShutdownTimeout   time.Duration
}

type registered struct {
	Listener
	pool      *pool
	dedicated bool

	// recovered is set once left over records were handled. Pollers do not
	// fetch before that.
	recoverMu sync.Mutex
	recovered atomic.Bool
}

// Container runs listeners.
type Container struct {
	store        Store
	recovery     Recoverer
	deadLetter   DeadLetterHandler
	throttler    Throttler
	metrics      Metrics
	l            log.Logger
	pollInterval time.Duration
	delay        time.Duration
	backoff      time.Duration
	commitWait   time.Duration
	shutdownWait time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	running   bool
	shared    *pool
	listeners map[string]*registered

	timersMu sync.Mutex
	timers   map[*time.Timer]func()

	deadLetters sync.WaitGroup
}

// New returns a running Container.
func New(conf Config) *Container {
	if conf.Store == nil {
		panic("nil container store")
	}
	if conf.Log == nil {
		conf.Log = log.NewNopLogger()
	}
	if conf.DeadLetter == nil {
		conf.DeadLetter = LogDeadLetter(conf.Log)
	}
	if conf.Workers < 1 {
		conf.Workers = runtime.NumCPU()
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = DefaultPollInterval
	}
	if conf.CommitTimeout <= 0 {
		conf.CommitTimeout = DefaultCommitTimeout
	}
	if conf.ShutdownTimeout <= 0 {
		conf.ShutdownTimeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Container{
		store:        conf.Store,
		recovery:     conf.Recovery,
		deadLetter:   conf.DeadLetter,
		throttler:    conf.Throttler,
		metrics:      conf.Metrics.withDefaults(),
		l:            conf.Log,
		pollInterval: conf.PollInterval,
		delay:        conf.RedeliveryDelay,
		backoff:      conf.RedeliveryBackoff,
		commitWait:   conf.CommitTimeout,
		shutdownWait: conf.ShutdownTimeout,
		ctx:          ctx,
		cancel:       cancel,
		running:      true,
		shared:       newPool("shared", conf.Workers),
		listeners:    make(map[string]*registered),
		timers:       make(map[*time.Timer]func()),
	}
}

func (c *Container) isRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Register initializes the listener's consumer, recovers records left in
// its in-process list and starts its pollers.
func (c *Container) Register(ctx context.Context, l Listener) error {
	if l.Consumer == nil || l.Decoder == nil || l.Route == "" {
		return errors.New("invalid listener, use a Builder")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return errors.WithStack(ErrStopped)
	}
	if _, ok := c.listeners[l.ID]; ok {
		return errors.Errorf("listener %q already registered", l.ID)
	}

	if err := l.Consumer.Init(ctx); err != nil {
		return errors.Wrapf(err, "unable to initialize consumer %q", l.ID)
	}
	rl := &registered{Listener: l, pool: c.shared}
	if c.recovery == nil {
		rl.recovered.Store(true)
	} else if _, err := c.recovery.Handle(ctx, l.Exchange, l.Route); err != nil {
		if !queue.IsUnavailable(err) {
			l.Consumer.Destroy()
			return errors.Wrapf(err, "unable to recover records for %q", l.ID)
		}
		_ = c.l.Log("LEVEL", "WARN", "MESSAGE", fmt.Sprintf("Recovery for %s waits for the backend: %s", l.ID, err))
	} else {
		rl.recovered.Store(true)
	}
	if !l.SharedPool {
		_ = c.l.Log("LEVEL", "WARN", "MESSAGE",
			fmt.Sprintf("Listener %s uses a dedicated pool; many dedicated pools may not scale as well as the shared pool", l.ID))
		rl.pool = newPool(l.ID, l.Concurrency)
		rl.dedicated = true
	}
	c.listeners[l.ID] = rl

	for i := 0; i < l.Concurrency; i++ {
		c.schedule(rl, 0)
	}
	_ = c.l.Log("LEVEL", "INFO", "MESSAGE", fmt.Sprintf("Registered listener %s", l.ID), "concurrency", l.Concurrency)
	return nil
}

// schedule submits one poller of rl, after delay if it is positive.
func (c *Container) schedule(rl *registered, delay time.Duration) {
	task := func() { c.run(rl) }
	if delay <= 0 {
		rl.pool.submit(task)
		return
	}
	c.after(delay, func() {
		if c.isRunning() {
			rl.pool.submit(task)
		}
	}, false)
}

// after runs fn once d has passed. Pending calls are dropped on shutdown
// unless flush is set, in which case they run right away.
func (c *Container) after(d time.Duration, fn func(), flush bool) {
	c.timersMu.Lock()
	if c.timers == nil {
		c.timersMu.Unlock()
		if flush {
			fn()
		}
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		c.timersMu.Lock()
		_, ok := c.timers[t]
		delete(c.timers, t)
		c.timersMu.Unlock()
		if ok {
			fn()
		}
	})
	if flush {
		c.timers[t] = fn
	} else {
		c.timers[t] = nil
	}
	c.timersMu.Unlock()
}

// run is one unit of work of a poller. It always ends by scheduling the
// poller again.
func (c *Container) run(rl *registered) {
	if !c.isRunning() {
		return
	}
	delay := c.poll(rl)
	if c.isRunning() {
		c.schedule(rl, delay)
	}
}

// poll fetches and processes at most one record. It returns how long to wait
// before polling again.
func (c *Container) poll(rl *registered) time.Duration {
	if !c.ensureRecovered(rl) {
		return c.pollInterval
	}
	if c.throttler != nil {
		if ok, wait := c.throttler.Allow(); !ok {
			c.metrics.Throttled.With("route", rl.Route).Add(1)
			return wait
		}
	}

	rec, ok, err := c.store.Dequeue(c.ctx, rl.Exchange, rl.Route, c.pollInterval)
	if err != nil {
		if c.ctx.Err() != nil {
			return 0
		}
		c.metrics.FetchErrors.With("route", rl.Route).Add(1)
		_ = c.l.Log("LEVEL", "ERROR", "MESSAGE", fmt.Sprintf("Unable to fetch for %s: %s", rl.ID, err))
		return c.pollInterval
	}
	if !ok {
		return 0
	}
	c.metrics.Delivered.With("route", rl.Route).Add(1)
	c.deliver(rl, rec)
	return 0
}

// ensureRecovered handles the records a previous run of rl left in flight,
// unless that already happened. It reports whether rl may fetch.
func (c *Container) ensureRecovered(rl *registered) bool {
	if rl.recovered.Load() {
		return true
	}
	rl.recoverMu.Lock()
	defer rl.recoverMu.Unlock()
	if rl.recovered.Load() {
		return true
	}
	if _, err := c.recovery.Handle(c.ctx, rl.Exchange, rl.Route); err != nil {
		if c.ctx.Err() == nil {
			c.metrics.FetchErrors.With("route", rl.Route).Add(1)
			_ = c.l.Log("LEVEL", "DEBUG", "MESSAGE", fmt.Sprintf("Unable to recover records for %s: %s", rl.ID, err))
		}
		return false
	}
	rl.recovered.Store(true)
	_ = c.l.Log("LEVEL", "INFO", "MESSAGE", fmt.Sprintf("Recovered records for %s", rl.ID))
	return true
}

// invoke calls the consumer, turning a panic into an error.
func invoke(ctx context.Context, cons Consumer, m Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("consumer panic: %v", r)
		}
	}()
	return cons.OnMessage(ctx, m)
}

func (c *Container) deliver(rl *registered, rec record.Record) {
	data, err := rl.Decoder.Decode(rec.Payload)
	if err == nil {
		err = invoke(c.ctx, rl.Consumer, Message{Record: rec, Data: data})
	} else {
		err = errors.Wrapf(err, "unable to decode record %s", rec.Key.ID)
	}
	if err == nil {
		if err := c.Commit(rec, true); err != nil {
			_ = c.l.Log("LEVEL", "ERROR", "MESSAGE", err.Error())
		}
		return
	}

	failed := rec.IncrDeliveryCount()
	if m, ok := record.AsMessagingError(err); ok {
		if m.Data != nil {
			data = m.Data
		}
		if c.allowRedelivery(rl, failed, data) {
			c.scheduleRollback(failed)
			rl.Consumer.OnExceptionCaught(err, data)
			return
		}
	}

	_ = c.l.Log("LEVEL", "DEBUG", "MESSAGE", fmt.Sprintf("Giving up on record %s: %s", rec.Key.ID, err), "deliveries", failed.RedeliveryCount)
	if err := c.commit(failed, false, err); err != nil {
		_ = c.l.Log("LEVEL", "ERROR", "MESSAGE", err.Error())
	}
}

func (c *Container) allowRedelivery(rl *registered, rec record.Record, data interface{}) bool {
	if rl.MaxDeliveryAttempts > 0 && rec.RedeliveryCount >= rl.MaxDeliveryAttempts {
		return false
	}
	return rl.Consumer.AllowRedelivery(rec.Expired(time.Now()), rec.RedeliveryCount, data)
}

// Backoff returns the wait before redelivering a record that failed count
// times.
func (c *Container) Backoff(count int) time.Duration {
	return c.delay + time.Duration(count)*c.backoff
}

func (c *Container) scheduleRollback(rec record.Record) {
	rollback := func() {
		if err := c.Rollback(rec); err != nil {
			_ = c.l.Log("LEVEL", "ERROR", "MESSAGE", err.Error())
		}
	}
	d := c.Backoff(rec.RedeliveryCount)
	if d <= 0 {
		rollback()
		return
	}
	c.after(d, rollback, true)
}

func listKey(rec record.Record) string {
	return queue.ListKey(rec.Key.Exchange, rec.Key.RoutingKey)
}

// Commit finishes a delivery. When success is false the record is
// dead-lettered in the background.
func (c *Container) Commit(rec record.Record, success bool) error {
	return c.commit(rec, success, nil)
}

func (c *Container) commit(rec record.Record, success bool, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.commitWait)
	defer cancel()
	if err := c.store.EndCommit(ctx, rec, listKey(rec), false); err != nil {
		return errors.Wrapf(err, "unable to commit record %s", rec.Key.ID)
	}
	c.metrics.Committed.With("route", rec.Key.RoutingKey).Add(1)
	if !success {
		c.deadLetterAsync(rec, cause)
	}
	return nil
}

func (c *Container) deadLetterAsync(rec record.Record, cause error) {
	c.metrics.DeadLettered.With("route", rec.Key.RoutingKey).Add(1)
	c.deadLetters.Add(1)
	go func() {
		defer c.deadLetters.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.commitWait)
		defer cancel()
		if err := c.deadLetter.Handle(ctx, rec, cause); err != nil {
			_ = c.l.Log("LEVEL", "ERROR", "MESSAGE", fmt.Sprintf("Unable to dead-letter record %s: %s", rec.Key.ID, err))
		}
	}()
}

// Rollback puts rec back on its source list for another delivery.
func (c *Container) Rollback(rec record.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.commitWait)
	defer cancel()
	if err := c.store.EndCommit(ctx, rec, listKey(rec), true); err != nil {
		return errors.Wrapf(err, "unable to roll back record %s", rec.Key.ID)
	}
	c.metrics.Redelivered.With("route", rec.Key.RoutingKey).Add(1)
	return nil
}

// Shutdown stops all pollers, rolls back records waiting for redelivery,
// waits for pending dead letters and destroys the consumers. Each wait is
// bounded by the shutdown timeout.
func (c *Container) Shutdown() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	listeners := make([]*registered, 0, len(c.listeners))
	for _, rl := range c.listeners {
		listeners = append(listeners, rl)
	}
	c.mu.Unlock()
	c.cancel()

	var incomplete []string
	pools := []*pool{c.shared}
	for _, rl := range listeners {
		if rl.dedicated {
			pools = append(pools, rl.pool)
		}
	}
	for _, p := range pools {
		p.close()
	}
	for _, p := range pools {
		if !p.wait(c.shutdownWait) {
			incomplete = append(incomplete, p.name)
		}
	}

	c.timersMu.Lock()
	var pending []func()
	for t, fn := range c.timers {
		if t.Stop() && fn != nil {
			pending = append(pending, fn)
		}
	}
	c.timers = nil
	c.timersMu.Unlock()
	for _, fn := range pending {
		fn()
	}

	if !waitTimeout(c.deadLetters.Wait, c.shutdownWait) {
		incomplete = append(incomplete, "dead letters")
	}
	for _, rl := range listeners {
		rl.Consumer.Destroy()
	}

	if len(incomplete) > 0 {
		_ = c.l.Log("LEVEL", "WARN", "MESSAGE", fmt.Sprintf("Shutdown did not finish waiting for %v", incomplete))
		return errors.Errorf("shutdown timed out waiting for %v", incomplete)
	}
	_ = c.l.Log("LEVEL", "INFO", "MESSAGE", "Container stopped")
	return nil
}
