package matching

//go:generate mockgen -source=notify.go -destination=mock_notifier_test.go -package=matching Notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventType names an outbound pairing event.
type EventType string

const (
	EventMatched       EventType = "matched"
	EventPartnerLeft   EventType = "partner_left"
	EventSearchTimeout EventType = "search_timeout"
)

// Event is emitted after a state change has committed. UserID is the
// recipient.
type Event struct {
	ID     string    `json:"id"`
	Type   EventType `json:"type"`
	UserID string    `json:"user_id"`
	PeerID string    `json:"peer_id,omitempty"`
	PairID string    `json:"pair_id,omitempty"`
	At     time.Time `json:"at"`

	// Requeued is set on partner_left when the recipient is being put back
	// into matchmaking automatically.
	Requeued bool `json:"requeued,omitempty"`
}

// Notifier delivers events to users. Delivery is fire-and-forget: a failed
// Notify is logged and counted, never rolled back.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// DiscardNotifier drops every event.
var DiscardNotifier Notifier = NotifierFunc(func(context.Context, Event) error { return nil })

// EventPublisher is the slice of messaging.NATSClient the NATS notifier
// needs.
type EventPublisher interface {
	PublishEvent(userID string, data []byte) error
}

// NATSNotifier publishes events as JSON on pair.events.<user>.
type NATSNotifier struct {
	pub EventPublisher
}

// NewNATSNotifier creates a notifier publishing through pub.
func NewNATSNotifier(pub EventPublisher) *NATSNotifier {
	return &NATSNotifier{pub: pub}
}

func (n *NATSNotifier) Notify(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("matching: marshal %s event: %w", ev.Type, err)
	}
	if err := n.pub.PublishEvent(ev.UserID, data); err != nil {
		return fmt.Errorf("matching: publish %s for %s: %w", ev.Type, ev.UserID, err)
	}
	return nil
}
