package bus

import (
	"errors"
	"fmt"
)

var (
	ErrReceiverNotFound  = errors.New("receiver not registered")
	ErrDeliveryFailed    = errors.New("message delivery failed")
	ErrDuplicateReceiver = errors.New("receiver already registered")
)

// DeliveryFailure reports a message that exhausted its delivery attempts and
// was dead-lettered.
type DeliveryFailure struct {
	Message Message
	Err     error // Error from the final attempt
}

func (f *DeliveryFailure) Error() string {
	return fmt.Sprintf("message %s (%s) to %q dead-lettered after %d attempts: %v",
		f.Message.ID, f.Message.Type, f.Message.ReceiverID, f.Message.DeliveryAttempts, f.Err)
}

func (f *DeliveryFailure) Unwrap() []error {
	return []error{ErrDeliveryFailed, f.Err}
}
