package relay

import (
	"context"
	"encoding/json"
	"fmt"
)

// DeliveryPublisher is the part of messaging.NATSClient the NATS transport
// uses.
type DeliveryPublisher interface {
	PublishDelivery(userID string, data []byte) error
}

// NATSTransport publishes deliveries as JSON on relay.deliver.<user>, where
// the recipient's gateway connection is subscribed.
type NATSTransport struct {
	pub DeliveryPublisher
}

// NewNATSTransport creates a transport publishing through pub.
func NewNATSTransport(pub DeliveryPublisher) *NATSTransport {
	return &NATSTransport{pub: pub}
}

func (t *NATSTransport) Deliver(_ context.Context, d Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("relay: marshal delivery: %w", err)
	}
	return t.pub.PublishDelivery(d.To, data)
}
