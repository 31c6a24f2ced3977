package deliverer

import (
	"fmt"

	"github.com/THPTUHA/relay/server/messaging"
	"github.com/go-playground/validator/v10"
	"github.com/segmentio/encoding/json"
)

const (
	MessageTypeChat  = "chat"
	MessageTypeGroup = "group"
)

var validate = validator.New()

// Message is the envelope clients send. From and TS are stamped by the
// gateway, whatever the client put there. Keys the gateway does not know
// are forwarded untouched.
type Message struct {
	TN          *int64  `json:"tn" validate:"required"`
	Type        string  `json:"type" validate:"required,oneof=chat group"`
	To          string  `json:"to" validate:"required"`
	ContentType *string `json:"contentType" validate:"required"`
	Body        *string `json:"body" validate:"required"`
	From        string  `json:"from,omitempty"`
	TS          int64   `json:"ts,omitempty"`

	extra map[string]json.RawMessage
}

var envelopeKeys = []string{"tn", "type", "to", "contentType", "body", "from", "ts"}

func ParseMessage(frame []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := json.Unmarshal(frame, &m.extra); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	for _, key := range envelopeKeys {
		delete(m.extra, key)
	}
	return &m, nil
}

// Route picks the broker destination: chats go straight to the
// recipient's gateways, groups to the group expansion queue.
func (m *Message) Route() messaging.Route {
	if m.Type == MessageTypeGroup {
		return messaging.GroupRoute()
	}
	return messaging.ChatRoute(m.To)
}

func (m *Message) Encode() ([]byte, error) {
	known, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(m.extra) == 0 {
		return known, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(m.extra)+len(fields))
	for k, v := range m.extra {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return json.Marshal(out)
}
