// Package transport wraps the ZeroMQ ROUTER/DEALER sockets the broker,
// workers, and clients share, following the socket-handling idiom of the
// teacher's core/mdp package (czmq.NewRouter/NewDealer + czmq.NewPoller),
// generalized to bind more than one endpoint (IPC and loopback TCP) under
// a single poll loop, per spec.md §6.
package transport

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	czmq "github.com/zeromq/goczmq/v4"
)

// Message is one multipart message received on a MultiRouter, tagged with
// the socket it arrived on so a reply can be routed back through the same
// bind (each ROUTER socket keeps its own peer-identity table).
type Message struct {
	Frames [][]byte
	origin *czmq.Sock
}

// MultiRouter owns one or more bound ROUTER sockets, all multiplexed
// through a single poller so the broker's single-threaded event loop
// (spec.md §5) can service every endpoint from one Wait() call.
type MultiRouter struct {
	socks     []*czmq.Sock
	endpoints []string
	poller    *czmq.Poller
}

// BindRouters binds a ROUTER socket per endpoint and pools them under one
// poller. Endpoints are ZeroMQ endpoint strings, e.g.
// "ipc:///var/run/nef/broker.sock" or "tcp://127.0.0.1:9797".
func BindRouters(endpoints ...string) (*MultiRouter, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("transport: at least one endpoint is required")
	}

	mr := &MultiRouter{endpoints: endpoints}
	for _, ep := range endpoints {
		sock, err := czmq.NewRouter(ep)
		if err != nil {
			mr.Close()
			return nil, fmt.Errorf("transport: bind %s: %w", ep, err)
		}
		sock.SetOption(czmq.SockSetRcvhwm(500000))
		mr.socks = append(mr.socks, sock)
		log.WithFields(log.Fields{"endpoint": ep}).Info("nef broker listening")
	}

	poller, err := czmq.NewPoller(mr.socks...)
	if err != nil {
		mr.Close()
		return nil, fmt.Errorf("transport: build poller: %w", err)
	}
	mr.poller = poller

	return mr, nil
}

// Poll waits up to timeout for a message on any bound socket, returning
// the frames received tagged with their origin socket, or a nil Message
// on timeout.
func (mr *MultiRouter) Poll(timeout time.Duration) (*Message, error) {
	sock, err := mr.poller.Wait(int(timeout / time.Millisecond))
	if err != nil {
		return nil, err
	}
	if sock == nil {
		return nil, nil
	}
	frames, err := sock.RecvMessage()
	if err != nil {
		return nil, err
	}
	return &Message{Frames: frames, origin: sock}, nil
}

// Reply sends frames back out the socket a Message arrived on.
func (mr *MultiRouter) Reply(msg *Message, frames [][]byte) error {
	if msg == nil || msg.origin == nil {
		return fmt.Errorf("transport: message has no origin socket")
	}
	return msg.origin.SendMessage(frames)
}

// Broadcast sends frames on every bound socket; the broker sends all of
// its outbound messages this way. This is origin-agnostic because the
// routing id embedded in frames[0] already disambiguates the peer, and
// only one bound socket will actually recognize that identity.
func (mr *MultiRouter) Broadcast(frames [][]byte) error {
	var firstErr error
	for _, sock := range mr.socks {
		if err := sock.SendMessage(frames); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close unbinds and destroys every socket and the poller.
func (mr *MultiRouter) Close() {
	if mr.poller != nil {
		mr.poller.Destroy()
		mr.poller = nil
	}
	for i, sock := range mr.socks {
		if sock == nil {
			continue
		}
		_ = sock.Unbind(mr.endpoints[i])
		sock.Destroy()
	}
	mr.socks = nil
}
