package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/IBM/sarama"
	"github.com/sony/gobreaker"
)

var (
	// ErrUnavailable marks sends that failed because no broker could take the
	// message.
	ErrUnavailable = errors.New("kafka: broker unavailable")
	// ErrTimeout marks sends whose acknowledgment did not arrive in time.
	ErrTimeout = errors.New("kafka: delivery timed out")
	// ErrNotConnected is returned without contacting the broker while the
	// producer is down.
	ErrNotConnected = fmt.Errorf("%w: producer not connected", ErrUnavailable)
)

// IsTimeout reports whether err is an acknowledgment or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) ||
		errors.Is(err, sarama.ErrRequestTimedOut) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsConnectionError reports whether err means the producer lost its brokers
// and must be rebuilt.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, sarama.ErrOutOfBrokers),
		errors.Is(err, sarama.ErrNotConnected),
		errors.Is(err, sarama.ErrClosedClient),
		errors.Is(err, sarama.ErrShuttingDown),
		errors.Is(err, sarama.ErrBrokerNotAvailable),
		errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && !opErr.Timeout()
}

func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrTimeout):
		return err
	case isBreakerRejection(err):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	case IsTimeout(err):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}
