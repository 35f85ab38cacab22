// Package client is the synchronous request/reply client SDK: connect to
// the broker, call a named worker method, get back decoded data or a
// *protocol.Error. One request in flight per Client at a time, matching
// the broker's reply framing (spec.md §4.1 carries no client-side
// request id, so replies are matched by send/receive order on one
// connection — the classic Majordomo client pattern), grounded on
// core/mdp/client.go's Send/Recv pair.
package client

import (
	"time"

	"github.com/nef-run/nef/internal/protocol"
	"github.com/nef-run/nef/internal/transport"
)

// Client is a connected handle to the broker, good for one in-flight
// request at a time.
type Client struct {
	dealer  *transport.Dealer
	timeout time.Duration
}

// Connect opens a DEALER connection to endpoint. timeout bounds how long
// Call waits for a reply before returning a TIMEDOUT protocol.Error.
func Connect(endpoint string, timeout time.Duration) (*Client, error) {
	d, err := transport.Connect(endpoint)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{dealer: d, timeout: timeout}, nil
}

// Close tears down the broker connection.
func (c *Client) Close() {
	c.dealer.Close()
}

// Call invokes method on worker with args, blocking for a reply. On
// success it decodes the reply's Data into result (which may be nil if
// the caller doesn't care about the payload); on failure it returns the
// broker/worker's *protocol.Error.
func (c *Client) Call(worker, method string, args interface{}, result interface{}) error {
	env, err := protocol.NewRequestEnvelope(method, args)
	if err != nil {
		return err
	}
	raw, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := c.dealer.Send(protocol.PeerClientRequest(worker, raw)); err != nil {
		return protocol.NewInternal("client: failed to send request", err)
	}

	frames, err := c.dealer.Poll(c.timeout)
	if err != nil {
		return protocol.NewInternal("client: transport error awaiting reply", err)
	}
	if frames == nil {
		return protocol.NewTimedOut(method)
	}

	_, _, rest := protocol.ParseClientFrame(frames)
	envelope, _ := protocol.PopFrame(rest)
	replyEnv, err := protocol.Decode(envelope)
	if err != nil {
		return err
	}
	if replyEnv.Failed() {
		return replyEnv.AsError()
	}
	if result != nil {
		return replyEnv.Unmarshal(result)
	}
	return nil
}

// Ping calls the broker's built-in self-API ping method, per spec.md
// §4.4's health-check surface.
func (c *Client) Ping() error {
	return c.Call(protocol.BrokerServiceName, "ping", nil, nil)
}
