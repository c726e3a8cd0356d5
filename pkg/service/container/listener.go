package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/pkg/errors"

	"github.com/rwool/blaze/pkg/record"
)

// Message is a delivered record together with its decoded payload.
type Message struct {
	Record record.Record
	Data   interface{}
}

// Consumer is implemented by code that processes records of a route.
type Consumer interface {
	// Init is called once before the first delivery.
	Init(ctx context.Context) error
	// OnMessage processes one delivery. Returning an error created with
	// record.Redeliverable asks for the record to be delivered again, any
	// other error gives up on it.
	OnMessage(ctx context.Context, m Message) error
	// Destroy is called once when the container shuts down.
	Destroy()
	// AllowRedelivery decides whether a failed record is delivered again.
	// count is the number of failed deliveries so far.
	AllowRedelivery(expired bool, count int, data interface{}) bool
	// OnExceptionCaught is told about failures that lead to a redelivery.
	OnExceptionCaught(err error, data interface{})
}

// BaseConsumer implements every Consumer method except OnMessage. It allows
// redelivery of records that have not expired.
type BaseConsumer struct{}

// Init does nothing.
func (BaseConsumer) Init(context.Context) error { return nil }

// Destroy does nothing.
func (BaseConsumer) Destroy() {}

// AllowRedelivery allows redelivery until the record expires.
func (BaseConsumer) AllowRedelivery(expired bool, _ int, _ interface{}) bool { return !expired }

// OnExceptionCaught does nothing.
func (BaseConsumer) OnExceptionCaught(error, interface{}) {}

// Decoder turns a record payload into the value passed to a Consumer.
type Decoder interface {
	Decode(payload []byte) (interface{}, error)
}

// DecoderFunc adapts a function to a Decoder.
type DecoderFunc func(payload []byte) (interface{}, error)

// Decode calls f.
func (f DecoderFunc) Decode(payload []byte) (interface{}, error) { return f(payload) }

// RawDecoder passes payloads through as []byte.
var RawDecoder = DecoderFunc(func(payload []byte) (interface{}, error) {
	return payload, nil
})

// StringDecoder passes payloads through as a string.
var StringDecoder = DecoderFunc(func(payload []byte) (interface{}, error) {
	return string(payload), nil
})

// JSONDecoder decodes payloads as JSON into new values of the type of
// sample. The decoded value is a pointer to that type.
func JSONDecoder(sample interface{}) Decoder {
	t := reflect.TypeOf(sample)
	if t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return DecoderFunc(func(payload []byte) (interface{}, error) {
		if t == nil {
			var v interface{}
			err := json.Unmarshal(payload, &v)
			return v, errors.Wrap(err, "unable to read out JSON data")
		}
		v := reflect.New(t).Interface()
		decoder := json.NewDecoder(bytes.NewReader(payload))
		decoder.DisallowUnknownFields()
		err := decoder.Decode(v)
		return v, errors.Wrap(err, "unable to read out JSON data")
	})
}

// Listener binds a Consumer to a route. Listeners are created with a
// Builder and copied on registration.
type Listener struct {
	ID                  string
	Exchange            string
	Route               string
	Concurrency         int
	MaxDeliveryAttempts int
	SharedPool          bool
	Decoder             Decoder
	Consumer            Consumer
}

// Builder validation errors.
var (
	ErrNoDecoder  = errors.New("listener has no decoder")
	ErrNoRoute    = errors.New("listener has no route")
	ErrNoConsumer = errors.New("listener has no consumer")
)

// Builder builds a Listener.
type Builder struct {
	l Listener
}

// NewBuilder returns a Builder with the default exchange, one poller, three
// delivery attempts and the shared pool.
func NewBuilder() *Builder {
	return &Builder{l: Listener{
		Exchange:            record.DefaultExchange,
		Concurrency:         1,
		MaxDeliveryAttempts: 3,
		SharedPool:          true,
	}}
}

// ID sets the listener identifier. It defaults to exchange/route.
func (b *Builder) ID(id string) *Builder { b.l.ID = id; return b }

// Exchange sets the exchange.
func (b *Builder) Exchange(exchange string) *Builder { b.l.Exchange = exchange; return b }

// Route sets the route.
func (b *Builder) Route(route string) *Builder { b.l.Route = route; return b }

// Concurrency sets the number of concurrent pollers.
func (b *Builder) Concurrency(n int) *Builder { b.l.Concurrency = n; return b }

// MaxDeliveryAttempts caps the number of deliveries of a record. Zero or
// less leaves the decision to the consumer.
func (b *Builder) MaxDeliveryAttempts(n int) *Builder { b.l.MaxDeliveryAttempts = n; return b }

// SharedPool selects between the shared worker pool and one dedicated to
// the listener.
func (b *Builder) SharedPool(shared bool) *Builder { b.l.SharedPool = shared; return b }

// Decoder sets the payload decoder.
func (b *Builder) Decoder(d Decoder) *Builder { b.l.Decoder = d; return b }

// Consumer sets the consumer.
func (b *Builder) Consumer(c Consumer) *Builder { b.l.Consumer = c; return b }

// Build validates and returns the listener.
func (b *Builder) Build() (Listener, error) {
	l := b.l
	if l.Decoder == nil {
		return Listener{}, errors.WithStack(ErrNoDecoder)
	}
	if l.Route == "" {
		return Listener{}, errors.WithStack(ErrNoRoute)
	}
	if l.Consumer == nil {
		return Listener{}, errors.WithStack(ErrNoConsumer)
	}
	if l.Exchange == "" {
		l.Exchange = record.DefaultExchange
	}
	if l.Concurrency < 1 {
		l.Concurrency = 1
	}
	if l.ID == "" {
		l.ID = fmt.Sprintf("%s/%s", l.Exchange, l.Route)
	}
	return l, nil
}
