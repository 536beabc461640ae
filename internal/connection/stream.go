// Package connection is the Connection Manager: owns the single chat
// socket, drives the pairing/connect/reconnect state machine, and hands
// the live socket to collaborators through OnConnected hooks and
// GetSocket(). No vendor chat SDK is wired into the surrounding stack, so
// the default ConnectionStream/ChatClient is a simulated implementation
// that models pairing, connect, and send outcomes (it never emits a
// disconnect event); a real
// provider adapter can be swapped in behind the same interfaces.
package connection

import (
	"context"

	"chatrelay/internal/models"
)

// DeliveryAckStatusDelivered is the upstream protocol's "delivered"
// sentinel the Delivery Listener watches for on DeliveryAckEvent.
const DeliveryAckStatusDelivered = "delivered"

// StreamEvent is the sum type emitted on a ConnectionStream's event
// channel. Concrete cases: PairingCodeEvent, ConnectedEvent,
// DisconnectedEvent, CredentialUpdateEvent, DeliveryAckEvent.
type StreamEvent interface{}

// PairingCodeEvent carries a freshly issued pairing code.
type PairingCodeEvent struct {
	Code string
}

// ConnectedEvent reports a successful handshake and account identity.
type ConnectedEvent struct {
	AccountPhone string
	AccountName  string
}

// DisconnectedEvent reports socket loss with the upstream protocol's
// numeric reason code.
type DisconnectedEvent struct {
	Code   int
	Reason string
}

// CredentialUpdateEvent carries an updated credential blob that must be
// persisted transactionally via the vault before the next reconnect.
type CredentialUpdateEvent struct {
	Blob []byte
}

// DeliveryAckEvent reports a provider delivery acknowledgement for a
// previously sent message.
type DeliveryAckEvent struct {
	ProviderMessageID string
	Status            string
}

// ConnectionStream is the underlying socket driver the Connection Manager
// supervises. Connect is idempotent from the caller's perspective: the
// manager always closes any prior stream before creating a new one.
type ConnectionStream interface {
	Connect(ctx context.Context, creds []byte) error
	Events() <-chan StreamEvent
	Close() error
}

// StreamFactory builds a fresh, unconnected ConnectionStream. The manager
// calls it once per (re)connect attempt.
type StreamFactory func() ConnectionStream

// SendPayload is the provider-shaped message body the Dispatcher builds
// per mediaKind and hands to ChatClient.Send.
type SendPayload struct {
	Text      string
	MediaKind models.MediaKind
	MediaURL  string
	Caption   string
	FileName  string
}

// ChatClient is the narrow send capability the Dispatcher depends on.
// GetSocket returns nil when the Connection Manager is not in the
// connected state, and the Dispatcher must treat that as a transient
// failure to retry.
type ChatClient interface {
	Send(ctx context.Context, address string, payload SendPayload) (providerMessageID string, err error)
	IsConnected() bool
}

// Socket is the live connected handle passed to OnConnected hooks and
// returned by GetSocket: send capability only. Delivery acknowledgements
// are not exposed here; the Connection Manager is the sole reader of the
// underlying stream's event channel and fans DeliveryAckEvents out to
// Manager.OnDeliveryAck subscribers itself.
type Socket interface {
	ChatClient
}
