package deliverer

import "fmt"

// Disconnect is sent to the client as the web socket close code and reason.
type Disconnect struct {
	Code   uint32 `json:"code,omitempty"`
	Reason string `json:"reason"`
}

func (d Disconnect) String() string {
	return fmt.Sprintf("code: %d, reason: %s", d.Code, d.Reason)
}

func (d Disconnect) Error() string {
	return d.String()
}

var DisconnectConnectionClosed = Disconnect{
	Code:   3000,
	Reason: "connection closed",
}

var (
	DisconnectShutdown = Disconnect{
		Code:   3001,
		Reason: "shutdown",
	}
	DisconnectBrokerUnavailable = Disconnect{
		Code:   3003,
		Reason: "message queue unavailable",
	}
	DisconnectServerError = Disconnect{
		Code:   3004,
		Reason: "internal server error",
	}
	DisconnectWriteError = Disconnect{
		Code:   3009,
		Reason: "write error",
	}
)

var (
	DisconnectBadRequest = Disconnect{
		Code:   3501,
		Reason: "bad request",
	}
	DisconnectMessageSizeLimit = Disconnect{
		Code:   3505,
		Reason: "message size limit exceeded",
	}
)
