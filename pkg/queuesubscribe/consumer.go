// Package queuesubscribe provides support for delivering queued records to
// Go kit endpoints.
//
// This is analogous to the http package for the producer API.
package queuesubscribe

import (
	"context"
	"fmt"

	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/log"

	"github.com/rwool/blaze/pkg/record"
	"github.com/rwool/blaze/pkg/service/container"
)

// DecodeRequestFunc turns a delivered message into an endpoint request.
type DecodeRequestFunc func(context.Context, container.Message) (interface{}, error)

// Config contains the configuration for consuming a route with an endpoint.
type Config struct {
	Endpoint endpoint.Endpoint
	// Decode defaults to passing the container.Message through.
	Decode DecodeRequestFunc
	Log    log.Logger
	// NoRedelivery gives up on records whose endpoint call failed instead
	// of asking for them to be delivered again.
	NoRedelivery bool
}

type consumer struct {
	container.BaseConsumer
	conf Config
}

// MakeConsumer returns a consumer that calls the configured endpoint for
// every delivery.
func MakeConsumer(conf Config) container.Consumer {
	if conf.Log == nil {
		conf.Log = log.NewNopLogger()
	}
	if conf.Decode == nil {
		conf.Decode = func(_ context.Context, m container.Message) (interface{}, error) {
			return m, nil
		}
	}
	return &consumer{conf: conf}
}

func (c *consumer) fail(err error, data interface{}) error {
	if c.conf.NoRedelivery {
		return err
	}
	return record.Redeliverable(err, data)
}

func (c *consumer) OnMessage(ctx context.Context, m container.Message) error {
	req, err := c.conf.Decode(ctx, m)
	if err != nil {
		// Undecodable requests will not decode on the next delivery either.
		return err
	}
	_ = c.conf.Log.Log("LEVEL", "DEBUG", "MESSAGE", fmt.Sprintf("Received record %s", m.Record.Key.ID))

	resp, err := c.conf.Endpoint(ctx, req)
	if err != nil {
		return c.fail(err, m.Data)
	}
	if v, ok := resp.(endpoint.Failer); ok && v.Failed() != nil {
		return c.fail(v.Failed(), m.Data)
	}
	return nil
}

func (c *consumer) OnExceptionCaught(err error, _ interface{}) {
	_ = c.conf.Log.Log("LEVEL", "WARN", "MESSAGE", fmt.Sprintf("Delivery failed, will retry: %s", err))
}
