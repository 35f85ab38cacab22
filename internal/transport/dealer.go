package transport

import (
	"fmt"
	"time"

	czmq "github.com/zeromq/goczmq/v4"
)

// Dealer is a ZeroMQ DEALER socket connected to a broker endpoint, shared
// by the worker runtime and the client SDK. Grounded on the teacher's
// core/mdp/worker.go ConnectToBroker and core/mdp/client.go
// ConnectToBroker, which both build a DEALER + poller pair the same way.
type Dealer struct {
	endpoint string
	sock     *czmq.Sock
	poller   *czmq.Poller
}

// Connect creates a DEALER socket and connects it to endpoint.
func Connect(endpoint string) (*Dealer, error) {
	d := &Dealer{endpoint: endpoint}
	if err := d.reconnect(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dealer) reconnect() error {
	d.Close()

	sock, err := czmq.NewDealer(d.endpoint)
	if err != nil {
		return fmt.Errorf("transport: create dealer: %w", err)
	}
	if err := sock.Connect(d.endpoint); err != nil {
		sock.Destroy()
		return fmt.Errorf("transport: connect dealer: %w", err)
	}
	poller, err := czmq.NewPoller(sock)
	if err != nil {
		sock.Destroy()
		return fmt.Errorf("transport: build poller: %w", err)
	}

	d.sock = sock
	d.poller = poller
	return nil
}

// Reconnect tears down and re-establishes the socket, used by the worker
// runtime on heartbeat timeout; the client SDK does not call it.
func (d *Dealer) Reconnect() error {
	return d.reconnect()
}

// Send writes a multipart message.
func (d *Dealer) Send(frames [][]byte) error {
	return d.sock.SendMessage(frames)
}

// Poll waits up to timeout for a reply, returning nil frames on timeout.
func (d *Dealer) Poll(timeout time.Duration) ([][]byte, error) {
	sock, err := d.poller.Wait(int(timeout / time.Millisecond))
	if err != nil {
		return nil, err
	}
	if sock == nil {
		return nil, nil
	}
	return sock.RecvMessage()
}

// Close destroys the socket and poller.
func (d *Dealer) Close() {
	if d.poller != nil {
		d.poller.Destroy()
		d.poller = nil
	}
	if d.sock != nil {
		d.sock.Destroy()
		d.sock = nil
	}
}
