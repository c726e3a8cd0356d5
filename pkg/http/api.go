// Package http provides the HTTP transport for the producer API.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	gohttp "net/http"
	"strconv"
	"time"

	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/transport/http"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	kitendpoint "github.com/rwool/blaze/pkg/endpoint"
	"github.com/rwool/blaze/pkg/record"
	"github.com/rwool/blaze/pkg/service"
	"github.com/rwool/blaze/pkg/service/queue"
)

const maxBodySize = 8 << 20

// badRequestError marks request decoding failures.
type badRequestError struct {
	err error
}

func (b badRequestError) Error() string { return b.err.Error() }

func badRequest(format string, args ...interface{}) error {
	return badRequestError{err: errors.Errorf(format, args...)}
}

// NewAPIHTTPHandler returns a handler that makes the producer endpoints
// available via HTTP, along with the Prometheus metrics.
func NewAPIHTTPHandler(e kitendpoint.Endpoints, options map[string][]http.ServerOption) gohttp.Handler {
	if options == nil {
		options = make(map[string][]http.ServerOption)
	}
	m := gohttp.NewServeMux()
	handle := func(pattern, name string, ep endpoint.Endpoint, dec http.DecodeRequestFunc, enc http.EncodeResponseFunc) {
		opts := append([]http.ServerOption{http.ServerErrorEncoder(encodeError)}, options[name]...)
		m.Handle(pattern, http.NewServer(ep, dec, enc, opts...))
	}
	handle("POST /api/add/{queue}", "Add", e.Add, decodeAddRequest, encodeResponse)
	handle("POST /api/append/{queue}", "Append", e.Add, decodeAppendRequest, encodeResponse)
	handle("POST /api/ingest/{queue}", "Ingest", e.Ingest, decodeIngestRequest, encodeAccepted)
	handle("GET /api/next/{queue}", "Next", e.Next, decodeNextRequest, encodeNextResponse)
	handle("GET /api/size/{queue}", "Size", e.Size, decodeQueueRequest, encodeResponse)
	handle("DELETE /api/queue/{queue}", "Clear", e.Clear, decodeQueueRequest, encodeResponse)
	handle("GET /api/stats/{queue}", "Stats", e.Stats, decodeQueueRequest, encodeResponse)
	handle("DELETE /api/stats/{queue}", "ResetStats", e.ResetStats, decodeQueueRequest, encodeResponse)
	m.Handle("GET /metrics", promhttp.Handler())
	return m
}

type errorResponse struct {
	Error string `json:"error"`
}

// statusOf maps an error to the HTTP status reported to the client.
func statusOf(err error) int {
	if _, ok := err.(badRequestError); ok {
		return gohttp.StatusBadRequest
	}
	if queue.IsUnavailable(err) {
		return gohttp.StatusServiceUnavailable
	}
	if m, ok := record.AsMessagingError(err); ok && errors.Cause(m.Err) == service.ErrInvalidMessage {
		return gohttp.StatusBadRequest
	}
	return gohttp.StatusInternalServerError
}

func encodeError(_ context.Context, err error, w gohttp.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOf(err))
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}

func encodeResponse(ctx context.Context, w gohttp.ResponseWriter, r interface{}) error {
	if v, ok := r.(endpoint.Failer); ok && v.Failed() != nil {
		encodeError(ctx, v.Failed(), w)
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(r)
	return errors.WithStack(err)
}

func encodeAccepted(ctx context.Context, w gohttp.ResponseWriter, r interface{}) error {
	if v, ok := r.(endpoint.Failer); ok && v.Failed() != nil {
		encodeError(ctx, v.Failed(), w)
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gohttp.StatusAccepted)
	err := json.NewEncoder(w).Encode(r)
	return errors.WithStack(err)
}

func encodeNextResponse(ctx context.Context, w gohttp.ResponseWriter, r interface{}) error {
	if v, ok := r.(kitendpoint.NextResponse); ok && v.Failed() == nil && v.Record == nil {
		w.WriteHeader(gohttp.StatusNoContent)
		return nil
	}
	return encodeResponse(ctx, w, r)
}

func readBody(req *gohttp.Request) (b []byte, e error) {
	defer func() {
		err := req.Body.Close()
		if e != nil && err != nil {
			e = errors.Wrapf(e, "multiple errors: %s", err)
			return
		}
		if err != nil {
			e = errors.WithStack(err)
		}
	}()
	b, err := io.ReadAll(io.LimitReader(req.Body, maxBodySize))
	return b, errors.Wrap(err, "unable to read request body")
}

// messageOptions reads the optional message attributes from the query.
func messageOptions(req *gohttp.Request, m *service.Message) error {
	q := req.URL.Query()
	m.Route = req.PathValue("queue")
	m.ReplyTo = q.Get("replyTo")
	m.CorrelationID = q.Get("correlationId")
	if v := q.Get("expiry"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return badRequest("invalid expiry %q", v)
		}
		m.ExpiryMillis = n
	}
	return nil
}

func decodeAddRequest(_ context.Context, req *gohttp.Request) (interface{}, error) {
	b, err := readBody(req)
	if err != nil {
		return nil, err
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || !json.Valid(b) {
		return nil, badRequest("body is not valid JSON")
	}
	var m service.Message
	if err := messageOptions(req, &m); err != nil {
		return nil, err
	}
	m.Payload = b
	return kitendpoint.AddRequest{
		Exchange: req.URL.Query().Get("exchange"),
		Messages: []service.Message{m},
	}, nil
}

func decodeAppendRequest(_ context.Context, req *gohttp.Request) (interface{}, error) {
	b, err := readBody(req)
	if err != nil {
		return nil, err
	}
	var m service.Message
	if err := messageOptions(req, &m); err != nil {
		return nil, err
	}
	m.Payload = b
	return kitendpoint.AddRequest{
		Exchange: req.URL.Query().Get("exchange"),
		Messages: []service.Message{m},
	}, nil
}

func decodeIngestRequest(_ context.Context, req *gohttp.Request) (interface{}, error) {
	b, err := readBody(req)
	if err != nil {
		return nil, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, badRequest("body is not a JSON array: %s", err)
	}
	var tmpl service.Message
	if err := messageOptions(req, &tmpl); err != nil {
		return nil, err
	}
	msgs := make([]service.Message, 0, len(items))
	for _, item := range items {
		m := tmpl
		m.Payload = []byte(item)
		msgs = append(msgs, m)
	}
	return kitendpoint.AddRequest{
		Exchange: req.URL.Query().Get("exchange"),
		Messages: msgs,
	}, nil
}

func decodeNextRequest(_ context.Context, req *gohttp.Request) (interface{}, error) {
	r := kitendpoint.NextRequest{
		Exchange: req.URL.Query().Get("exchange"),
		Route:    req.PathValue("queue"),
	}
	if v := req.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return nil, badRequest("invalid timeout %q", v)
		}
		r.Timeout = d
	}
	return r, nil
}

func decodeQueueRequest(_ context.Context, req *gohttp.Request) (interface{}, error) {
	return kitendpoint.QueueRequest{
		Exchange: req.URL.Query().Get("exchange"),
		Route:    req.PathValue("queue"),
	}, nil
}
