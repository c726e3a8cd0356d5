// Package record defines the unit of work moved through the queues.
package record

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultExchange is used when a producer or consumer does not name one.
const DefaultExchange = "default"

// Key identifies the queue a record belongs to and tags the record uniquely.
type Key struct {
	Exchange   string    `json:"exchange"`
	RoutingKey string    `json:"routingKey"`
	ID         uuid.UUID `json:"id"`
}

// Record is a single message.
//
// Records are values. Operations that change delivery state return a new
// Record and leave the receiver untouched.
type Record struct {
	Key             Key       `json:"key"`
	Payload         []byte    `json:"payload"`
	ReplyTo         string    `json:"replyTo,omitempty"`
	CorrelationID   string    `json:"correlationId,omitempty"`
	Redelivered     bool      `json:"redelivered"`
	RedeliveryCount int       `json:"redeliveryCount"`
	ExpiryMillis    int64     `json:"expiryMillis"`
	CreatedAt       time.Time `json:"createdAt"`
	LastTouchedAt   time.Time `json:"lastTouchedAt"`

	// bumped is set when the count was incremented locally after the record
	// was read from the in-process list.
	bumped bool
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// New creates a record for the given exchange and route with a fresh ID.
func New(exchange, route string, payload []byte) Record {
	if exchange == "" {
		exchange = DefaultExchange
	}
	t := now()
	return Record{
		Key: Key{
			Exchange:   exchange,
			RoutingKey: route,
			ID:         uuid.New(),
		},
		Payload:       payload,
		CreatedAt:     t,
		LastTouchedAt: t,
	}
}

// Expired reports whether the record outlived its expiry at time t.
func (r Record) Expired(t time.Time) bool {
	if r.ExpiryMillis <= 0 {
		return false
	}
	return t.Sub(r.CreatedAt) > time.Duration(r.ExpiryMillis)*time.Millisecond
}

// IncrDeliveryCount returns a copy of r with the delivery count incremented.
func (r Record) IncrDeliveryCount() Record {
	r.RedeliveryCount++
	r.bumped = true
	return r
}

// PriorDelivery returns the record as it was stored in the in-process list
// when it was handed out. Removal from that list matches on this value.
func (r Record) PriorDelivery() Record {
	if r.bumped && r.RedeliveryCount > 0 {
		r.RedeliveryCount--
	}
	r.bumped = false
	return r
}

// Redelivery returns the value to push back to the source list for another
// delivery attempt.
func (r Record) Redelivery() Record {
	r.Redelivered = true
	r.LastTouchedAt = now()
	r.bumped = false
	return r
}

// Marshal encodes the record. The encoding of a given record is stable, so
// encoded values can be compared byte for byte.
func Marshal(r Record) ([]byte, error) {
	r.CreatedAt = r.CreatedAt.UTC()
	r.LastTouchedAt = r.LastTouchedAt.UTC()
	b, err := json.Marshal(r)
	return b, errors.Wrap(err, "unable to encode record")
}

// Unmarshal decodes a record produced by Marshal.
func Unmarshal(b []byte) (Record, error) {
	var r Record
	decoder := json.NewDecoder(bytes.NewReader(b))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&r); err != nil {
		return Record{}, errors.Wrap(err, "unable to decode record")
	}
	return r, nil
}
