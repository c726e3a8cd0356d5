package record

import (
	"fmt"

	"github.com/pkg/errors"
)

// MessagingError is returned by a consumer when a delivery failed in a way
// that may succeed if the record is delivered again. Data is the decoded
// message that was being processed.
type MessagingError struct {
	Err  error
	Data interface{}
}

func (m *MessagingError) Error() string {
	if m.Err == nil {
		return "messaging error"
	}
	return fmt.Sprintf("messaging error: %s", m.Err)
}

// Redeliverable wraps err so that the scheduler considers redelivering the
// record it came from.
func Redeliverable(err error, data interface{}) error {
	return errors.WithStack(&MessagingError{Err: err, Data: data})
}

// AsMessagingError returns the MessagingError in err's cause chain, if any.
// Errors wrapped with fmt.Errorf and %w are followed too.
func AsMessagingError(err error) (*MessagingError, bool) {
	if m, ok := errors.Cause(err).(*MessagingError); ok {
		return m, true
	}
	var m *MessagingError
	if errors.As(err, &m) {
		return m, true
	}
	return nil, false
}
