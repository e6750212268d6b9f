package mqtt

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by the client. Check with errors.Is.
var (
	ErrNotConnected      = errors.New("mqtt: not connected to broker")
	ErrConnectionFailed  = errors.New("mqtt: broker connection failed")
	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS means a QoS other than 0, 1 or 2.
	ErrInvalidQoS = errors.New("mqtt: QoS must be 0, 1 or 2")

	ErrInvalidTopic = errors.New("mqtt: empty topic")

	// ErrTimeout wraps alongside the operation error when the broker does
	// not complete a token in time.
	ErrTimeout = errors.New("mqtt: broker did not respond")
)

// timeoutError reports op as failed because its token timed out after d.
func timeoutError(op error, d time.Duration) error {
	return fmt.Errorf("%w: %w after %v", op, ErrTimeout, d)
}
