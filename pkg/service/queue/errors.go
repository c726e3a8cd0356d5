package queue

import (
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// UnavailableError is returned when the backend cannot be reached.
type UnavailableError struct {
	Err error
}

func (u *UnavailableError) Error() string {
	return fmt.Sprintf("queue backend unavailable: %s", u.Err)
}

// IsUnavailable reports whether err was caused by an unreachable backend.
func IsUnavailable(err error) bool {
	if _, ok := errors.Cause(err).(*UnavailableError); ok {
		return true
	}
	var u *UnavailableError
	return errors.As(err, &u)
}

func isConnectionError(err error) bool {
	if err == nil || err == redis.Nil {
		return false
	}
	if _, ok := err.(net.Error); ok {
		return true
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"connection refused", "connection reset", "connection pool timeout", "client is closed", "broken pipe"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// wrapErr annotates a backend error, marking connection failures as
// UnavailableError.
func wrapErr(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if isConnectionError(err) {
		return errors.WithStack(&UnavailableError{Err: errors.Wrapf(err, format, args...)})
	}
	return errors.Wrapf(err, format, args...)
}
