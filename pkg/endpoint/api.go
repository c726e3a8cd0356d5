// Package endpoint adapts the services to Go kit endpoints.
package endpoint

import (
	"context"
	"time"

	"github.com/go-kit/kit/endpoint"

	"github.com/rwool/blaze/pkg/record"
	"github.com/rwool/blaze/pkg/service"
)

const requestTimeout = 10 * time.Second

// AddRequest asks for messages to be queued on an exchange.
type AddRequest struct {
	Exchange string
	Messages []service.Message
}

// AddResponse contains the number of accepted messages.
type AddResponse struct {
	Count int `json:"count"`
	e     error
}

// Failed indicates if there was a business logic failure.
func (a AddResponse) Failed() error { return a.e }

// QueueRequest names a queue.
type QueueRequest struct {
	Exchange string
	Route    string
}

// SizeResponse contains the number of waiting records of a queue.
type SizeResponse struct {
	Size int64 `json:"size"`
	e    error
}

// Failed indicates if there was a business logic failure.
func (s SizeResponse) Failed() error { return s.e }

// StatsResponse contains the counters of a queue.
type StatsResponse struct {
	Enqueued int64 `json:"enqueued"`
	Dequeued int64 `json:"dequeued"`
	e        error
}

// Failed indicates if there was a business logic failure.
func (s StatsResponse) Failed() error { return s.e }

// EmptyResponse is returned by endpoints that only report success.
type EmptyResponse struct {
	e error
}

// Failed indicates if there was a business logic failure.
func (e EmptyResponse) Failed() error { return e.e }

// MakeAddEndpoint creates an endpoint that queues messages and waits for the
// result.
func MakeAddEndpoint(s service.QueueService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()

		req := request.(AddRequest)
		n, err := s.Add(ctx, req.Messages, req.Exchange)
		return AddResponse{Count: n, e: err}, nil
	}
}

// MakeIngestEndpoint creates an endpoint that queues messages in the
// background.
func MakeIngestEndpoint(s service.QueueService) endpoint.Endpoint {
	return func(_ context.Context, request interface{}) (interface{}, error) {
		req := request.(AddRequest)
		s.Ingest(req.Messages, req.Exchange)
		return AddResponse{Count: len(req.Messages)}, nil
	}
}

// NextRequest asks for the next record of a queue, waiting up to Timeout.
type NextRequest struct {
	Exchange string
	Route    string
	Timeout  time.Duration
}

// NextResponse contains the taken record, if any.
type NextResponse struct {
	Record *record.Record `json:"record,omitempty"`
	e      error
}

// Failed indicates if there was a business logic failure.
func (n NextResponse) Failed() error { return n.e }

// MakeNextEndpoint creates an endpoint that takes the next record of a queue
// without delivery tracking.
func MakeNextEndpoint(s service.QueueService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(NextRequest)
		rec, ok, err := s.Next(ctx, req.Exchange, req.Route, req.Timeout)
		if err != nil || !ok {
			return NextResponse{e: err}, nil
		}
		return NextResponse{Record: &rec}, nil
	}
}

// MakeSizeEndpoint creates an endpoint returning the size of a queue.
func MakeSizeEndpoint(s service.QueueService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(QueueRequest)
		n, err := s.Size(ctx, req.Exchange, req.Route)
		return SizeResponse{Size: n, e: err}, nil
	}
}

// MakeClearEndpoint creates an endpoint that empties a queue.
func MakeClearEndpoint(s service.QueueService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()

		req := request.(QueueRequest)
		return EmptyResponse{e: s.Clear(ctx, req.Exchange, req.Route)}, nil
	}
}

// MakeStatsEndpoint creates an endpoint returning the counters of a queue.
func MakeStatsEndpoint(s service.QueueService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(QueueRequest)
		enq, err := s.EnqueueCount(ctx, req.Exchange, req.Route)
		if err != nil {
			return StatsResponse{e: err}, nil
		}
		deq, err := s.DequeueCount(ctx, req.Exchange, req.Route)
		return StatsResponse{Enqueued: enq, Dequeued: deq, e: err}, nil
	}
}

// MakeResetStatsEndpoint creates an endpoint that zeroes the counters of a
// queue.
func MakeResetStatsEndpoint(s service.QueueService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(QueueRequest)
		return EmptyResponse{e: s.ResetCounts(ctx, req.Exchange, req.Route)}, nil
	}
}

// Endpoints collects the producer endpoints.
type Endpoints struct {
	Add        endpoint.Endpoint
	Ingest     endpoint.Endpoint
	Next       endpoint.Endpoint
	Size       endpoint.Endpoint
	Clear      endpoint.Endpoint
	Stats      endpoint.Endpoint
	ResetStats endpoint.Endpoint
}

// MakeEndpoints creates all producer endpoints for s.
func MakeEndpoints(s service.QueueService) Endpoints {
	return Endpoints{
		Add:        MakeAddEndpoint(s),
		Ingest:     MakeIngestEndpoint(s),
		Next:       MakeNextEndpoint(s),
		Size:       MakeSizeEndpoint(s),
		Clear:      MakeClearEndpoint(s),
		Stats:      MakeStatsEndpoint(s),
		ResetStats: MakeResetStatsEndpoint(s),
	}
}
