package deliverer

import (
	"errors"
	"fmt"

	"github.com/segmentio/encoding/json"
)

var (
	ErrBrokerUnavailable = errors.New("message queue connection failed")
	ErrInvalidMessage    = errors.New("invalid message")
	ErrSessionClosed     = errors.New("session closed")
)

// Error is reported to the client in an error frame; the connection stays
// open.
type Error struct {
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

func (e *Error) frame(tn *int64) []byte {
	data, _ := json.Marshal(struct {
		TN    *int64 `json:"tn,omitempty"`
		Error *Error `json:"error"`
	}{tn, e})
	return data
}

var (
	// ErrorInternal means the message was valid but could not be handed to
	// the broker.
	ErrorInternal = &Error{
		Code:    100,
		Message: "internal server error",
	}
	// ErrorBadRequest says the frame is not a valid message envelope.
	ErrorBadRequest = &Error{
		Code:    107,
		Message: "bad request",
	}
)
