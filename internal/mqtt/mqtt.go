// Package mqtt declares the MQTT contract the background worker depends on.
// No MQTT client library appears anywhere in the reference corpus this
// agent was built against, so the concrete broker connection is an external
// collaborator supplied by the embedding application; this package only
// describes the shape the worker programs against.
package mqtt

import "context"

// ConnectionState is reported to a worker's state handler on every
// connect/disconnect transition.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnected
)

// Message is one inbound publish on a subscribed topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Credentials authenticates a connection attempt.
type Credentials struct {
	SessionID string
	Token     string
}

// Client is the MQTT surface the background worker depends on.
type Client interface {
	// Connect dials the broker with the given credentials. stateCh receives
	// every subsequent connect/disconnect transition until Disconnect is
	// called.
	Connect(ctx context.Context, creds Credentials, stateCh chan<- ConnectionState) error

	// Subscribe registers a handler invoked for every message on topic.
	Subscribe(ctx context.Context, topic string, handler func(Message)) error

	// Publish sends payload to topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Disconnect closes the connection.
	Disconnect(ctx context.Context) error
}

// AuthenticationError wraps a broker-rejected credential, distinguishing it
// from a transient network failure so the worker knows to refresh the
// token and reconnect rather than just backing off.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string { return "mqtt authentication failed: " + e.Err.Error() }
func (e *AuthenticationError) Unwrap() error { return e.Err }
