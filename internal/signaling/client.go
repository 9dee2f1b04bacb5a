package signaling

import (
	"context"

	"github.com/1ureka/meshroom/internal/protocol"
	"github.com/1ureka/meshroom/internal/util"
)

// Client is the explicitly owned signaling endpoint of one process: a
// Transport whose inbound frames feed a Router. Lifecycle is
// NewClient → Connect → ... → Dispose.
type Client struct {
	transport *Transport
	router    *Router
}

// NewClient wires a transport to a fresh router.
func NewClient(cfg TransportConfig) *Client {
	c := &Client{
		transport: NewTransport(cfg),
		router:    NewRouter(),
	}

	c.transport.OnFrame(c.router.Dispatch)
	c.transport.OnSendError(func(err error) {
		util.LogWarning("signaling send failed: %v", err)
	})

	return c
}

// Connect opens the channel; see Transport.Connect.
func (c *Client) Connect() error { return c.transport.Connect() }

// Disconnect closes the channel deliberately; see Transport.Disconnect.
func (c *Client) Disconnect() { c.transport.Disconnect() }

// Dispose releases the client for good.
func (c *Client) Dispose() { c.transport.Dispose() }

// WaitOpen blocks until the channel is OPEN; see Transport.WaitOpen.
func (c *Client) WaitOpen(ctx context.Context) error { return c.transport.WaitOpen(ctx) }

// State returns the transport state.
func (c *Client) State() State { return c.transport.State() }

// Send encodes msg and writes it. Nothing is queued when the channel is
// down.
func (c *Client) Send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		util.LogError("refusing to send %q frame: %v", msg.Type(), err)
		return err
	}
	return c.transport.Send(frame)
}

// Subscribe registers fn for inbound frames of type t.
func (c *Client) Subscribe(t protocol.Type, fn Handler) (unsubscribe func()) {
	return c.router.Subscribe(t, fn)
}

// OnUnknown registers a listener for frames of unrecognised type.
func (c *Client) OnUnknown(fn func(protocol.Unknown)) (unsubscribe func()) {
	return c.router.OnUnknown(fn)
}

// OnLifecycle registers a transport health listener.
func (c *Client) OnLifecycle(fn func(Lifecycle)) (unsubscribe func()) {
	return c.transport.OnLifecycle(fn)
}
