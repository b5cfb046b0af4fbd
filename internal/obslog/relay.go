package obslog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Relay publishes synchronization packets, as received and before
// reordering, to NATS subject
// "mtgateway.packets.{accountId}", mirroring the shape of the teacher's
// kafka.Consumer (a thin wrapper holding one broker client plus
// lifecycle state) but as a publish-only sink over NATS rather than a
// Redpanda consumer, per the optional relay ambient feature.
type Relay struct {
	conn    *nats.Conn
	onError func(error)
}

// NewRelay connects to url and returns a Relay. Connection loss is
// handled by nats.go's built-in reconnect; Publish calls made while
// disconnected return an error rather than blocking.
func NewRelay(url string, onError func(error)) (*Relay, error) {
	if onError == nil {
		onError = func(error) {}
	}
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				onError(fmt.Errorf("obslog: nats disconnected: %w", err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("obslog: nats connect: %w", err)
	}
	return &Relay{conn: conn, onError: onError}, nil
}

// Publish best-effort publishes rec to "mtgateway.packets.{accountId}".
// Errors are reported via onError, never returned, since a relay outage
// must never stall the event pipeline.
func (r *Relay) Publish(rec PacketRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		r.onError(fmt.Errorf("obslog: marshal relay packet: %w", err))
		return
	}
	subject := "mtgateway.packets." + rec.AccountID
	if err := r.conn.Publish(subject, payload); err != nil {
		r.onError(fmt.Errorf("obslog: nats publish to %s: %w", subject, err))
	}
}

// Close drains and closes the underlying NATS connection.
func (r *Relay) Close() {
	if r.conn == nil {
		return
	}
	_ = r.conn.Drain()
}
