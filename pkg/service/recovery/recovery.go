// Package recovery deals with records left in an in-process list by a
// previous run of this instance.
package recovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
)

// State is the stage a Coordinator is in.
type State int

// Coordinator states.
const (
	Idle State = iota
	Inspecting
	Recovering
	Discarding
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Inspecting:
		return "inspecting"
	case Recovering:
		return "recovering"
	case Discarding:
		return "discarding"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Store is the part of the queue backend used for recovery.
type Store interface {
	InprocSize(ctx context.Context, exchange, route string) (int64, error)
	ReverseDequeue(ctx context.Context, exchange, route string) (bool, error)
	ClearInproc(ctx context.Context, exchange, route string) (bool, error)
}

// Result describes what a call to Handle did.
type Result struct {
	Found     int64
	Recovered int64
	Discarded bool
}

// Coordinator moves unfinished records back to their source list, or drops
// them when recovery is disabled.
type Coordinator struct {
	store   Store
	enabled bool
	l       log.Logger

	run   sync.Mutex
	mu    sync.Mutex
	state State
}

// New returns a Coordinator. When enabled is false, leftover records are
// discarded instead of recovered.
func New(store Store, enabled bool, l log.Logger) *Coordinator {
	if store == nil {
		panic("nil recovery store")
	}
	if l == nil {
		l = log.NewNopLogger()
	}
	return &Coordinator{store: store, enabled: enabled, l: l}
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) set(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Handle inspects the in-process list of a route and recovers or discards
// what it finds. Calls for different routes are serialized.
func (c *Coordinator) Handle(ctx context.Context, exchange, route string) (Result, error) {
	c.run.Lock()
	defer c.run.Unlock()
	c.set(Inspecting)
	defer c.set(Idle)

	size, err := c.store.InprocSize(ctx, exchange, route)
	if err != nil {
		return Result{}, errors.Wrapf(err, "unable to inspect in-process records of %s/%s", exchange, route)
	}
	res := Result{Found: size}
	if size == 0 {
		return res, nil
	}

	if !c.enabled {
		c.set(Discarding)
		cleared, err := c.store.ClearInproc(ctx, exchange, route)
		if err != nil {
			return res, errors.Wrapf(err, "unable to discard in-process records of %s/%s", exchange, route)
		}
		res.Discarded = cleared
		_ = c.l.Log("LEVEL", "WARN", "MESSAGE", fmt.Sprintf("Discarded %d unfinished records of %s/%s", size, exchange, route), "complete", cleared)
		return res, nil
	}

	c.set(Recovering)
	for {
		ok, err := c.store.ReverseDequeue(ctx, exchange, route)
		if err != nil {
			return res, errors.Wrapf(err, "unable to recover in-process records of %s/%s", exchange, route)
		}
		if !ok {
			break
		}
		res.Recovered++
	}
	if res.Recovered != size {
		_ = c.l.Log("LEVEL", "WARN", "MESSAGE", fmt.Sprintf("Recovered %d records of %s/%s but found %d", res.Recovered, exchange, route, size))
	} else {
		_ = c.l.Log("LEVEL", "INFO", "MESSAGE", fmt.Sprintf("Recovered %d records of %s/%s", res.Recovered, exchange, route))
	}
	return res, nil
}
