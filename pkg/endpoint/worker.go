package endpoint

import (
	"context"
	"fmt"

	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/log"

	"github.com/rwool/blaze/pkg/service/container"
)

// DeliveryResponse reports the outcome of handling a delivered record.
type DeliveryResponse struct {
	e error
}

// Failed indicates if there was a business logic failure.
func (d DeliveryResponse) Failed() error {
	return d.e
}

// MakeLogDeliveryEndpoint creates a Go kit endpoint that logs each delivered
// record.
func MakeLogDeliveryEndpoint(l log.Logger) endpoint.Endpoint {
	return func(_ context.Context, request interface{}) (interface{}, error) {
		m := request.(container.Message)
		_ = l.Log("LEVEL", "INFO", "MESSAGE", fmt.Sprintf("Received record %s on %s/%s", m.Record.Key.ID, m.Record.Key.Exchange, m.Record.Key.RoutingKey),
			"redelivered", m.Record.Redelivered, "bytes", len(m.Record.Payload))
		return DeliveryResponse{}, nil
	}
}
