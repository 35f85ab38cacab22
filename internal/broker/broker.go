// Package broker implements the broker core (spec.md components C2–C4):
// worker connection tracking, request routing between clients and
// workers, heartbeat-driven liveness, and the broker's own built-in
// self-API service.
//
// Grounded throughout on the teacher's core/mdp/broker.go Broker/Service/
// brokerWorker trio and its Run/WorkerMsg/ClientMsg/Purge methods,
// generalized from MDP's plain-string frames to the JSON envelope
// protocol in internal/protocol, and from a single bound ROUTER socket to
// whatever internal/transport.MultiRouter exposes.
package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/nef-run/nef/internal/eventbus"
	"github.com/nef-run/nef/internal/protocol"
	"github.com/nef-run/nef/internal/transport"
)

// sender abstracts frame delivery so the broker's routing logic can be
// unit-tested without a live ZeroMQ socket.
type sender interface {
	Send(frames [][]byte) error
}

type routerSender struct{ mr *transport.MultiRouter }

func (r routerSender) Send(frames [][]byte) error { return r.mr.Broadcast(frames) }

// pendingRequest tracks one client request awaiting a worker reply.
type pendingRequest struct {
	requestID       string
	clientRoutingID string
	workerName      string
}

type stats struct {
	totalRequests int64
	totalReplies  int64
	totalTimeouts int64
}

// Broker is the C3 routing core plus the C2 worker table and C4 self-API.
type Broker struct {
	mu             sync.Mutex
	send           sender
	events         *eventbus.Bus
	services       map[string]*service
	workers        map[string]*workerConn
	pending        map[string]*pendingRequest
	envelopes      map[string][]byte // requestID -> client request envelope, held until dispatch
	heartbeatAt    time.Time
	reconnectGrace time.Duration
	startedAt      time.Time
	stats          stats
	selfAPI        map[string]selfAPIMethod
}

// New builds a Broker that sends frames via send's Broadcast and
// publishes lifecycle events on events. reconnectGrace of zero uses
// protocol.DefaultReconnectGrace.
func New(send *transport.MultiRouter, events *eventbus.Bus, reconnectGrace time.Duration) *Broker {
	if reconnectGrace <= 0 {
		reconnectGrace = protocol.DefaultReconnectGrace
	}
	b := &Broker{
		send:           routerSender{send},
		events:         events,
		services:       make(map[string]*service),
		workers:        make(map[string]*workerConn),
		pending:        make(map[string]*pendingRequest),
		envelopes:      make(map[string][]byte),
		heartbeatAt:    time.Now().Add(protocol.HeartbeatInterval),
		reconnectGrace: reconnectGrace,
		startedAt:      time.Now(),
	}
	b.registerSelfAPI()
	return b
}

// newForTest builds a Broker around a fake sender, for unit tests that
// exercise routing logic without a live socket.
func newForTest(send sender, events *eventbus.Bus) *Broker {
	b := &Broker{
		send:           send,
		events:         events,
		services:       make(map[string]*service),
		workers:        make(map[string]*workerConn),
		pending:        make(map[string]*pendingRequest),
		envelopes:      make(map[string][]byte),
		heartbeatAt:    time.Now().Add(protocol.HeartbeatInterval),
		reconnectGrace: protocol.DefaultReconnectGrace,
		startedAt:      time.Now(),
	}
	b.registerSelfAPI()
	return b
}

// Run drives the broker's event loop against mr until done is closed.
// Mirrors core/mdp/broker.go's Run: poll for a message, dispatch it if
// present, then perform periodic heartbeat/purge housekeeping.
func (b *Broker) Run(mr *transport.MultiRouter, done <-chan struct{}) {
	log.Debug("starting broker event loop")
	for {
		select {
		case <-done:
			return
		default:
		}

		msg, err := mr.Poll(protocol.HeartbeatInterval)
		if err != nil {
			log.WithFields(log.Fields{"error": err}).Error("broker poll failed")
			continue
		}
		if msg != nil {
			b.HandleFrames(msg.Frames)
		}
		b.tick()
	}
}

// HandleFrames processes one inbound multipart message: a client request
// or a worker READY/REPLY/HEARTBEAT/DISCONNECT.
func (b *Broker) HandleFrames(frames [][]byte) {
	routingID, rest := protocol.PopFrame(frames)
	if len(rest) == 0 {
		log.Warn("broker: dropped frame with no body")
		return
	}
	_, rest = protocol.PopFrame(rest) // empty delimiter
	header, rest := protocol.PopFrame(rest)

	switch string(header) {
	case protocol.CClient:
		b.handleClientMessage(string(routingID), rest)
	case protocol.WWorker:
		b.handleWorkerMessage(string(routingID), rest)
	default:
		log.WithFields(log.Fields{"routingId": string(routingID)}).Warn("broker: unknown frame header")
	}
}

func (b *Broker) handleClientMessage(clientRoutingID string, rest [][]byte) {
	workerNameFrame, rest := protocol.PopFrame(rest)
	envelope, _ := protocol.PopFrame(rest)
	name := string(workerNameFrame)

	b.mu.Lock()
	defer b.mu.Unlock()

	if name == protocol.BrokerServiceName {
		b.dispatchSelfAPILocked(clientRoutingID, envelope)
		return
	}

	svc := b.requireServiceLocked(name)
	requestID := uuid.NewString()
	b.pending[requestID] = &pendingRequest{
		requestID:       requestID,
		clientRoutingID: clientRoutingID,
		workerName:      name,
	}
	b.stats.totalRequests++
	svc.enqueue(requestID)
	b.pendingEnvelopes(requestID, envelope)
	b.dispatchLocked(svc)
}

// pendingEnvelopes holds the raw client envelope bytes until a worker
// becomes available to receive them; kept separate from pendingRequest
// so pendingRequest stays small and easy to log.
func (b *Broker) pendingEnvelopes(requestID string, envelope []byte) {
	b.envelopes[requestID] = envelope
}

func (b *Broker) dispatchLocked(svc *service) {
	for {
		w, requestID, ok := svc.popDispatch()
		if !ok {
			return
		}
		b.removeFromWaitingLocked(w)
		envelope := b.envelopes[requestID]
		delete(b.envelopes, requestID)
		frames := protocol.BuildWorkerRequest(w.connectionID, requestID, envelope)
		if err := b.send.Send(frames); err != nil {
			log.WithFields(log.Fields{"error": err, "worker": w.name}).Error("broker: failed to dispatch request")
		}
	}
}

func (b *Broker) handleWorkerMessage(connID string, rest [][]byte) {
	cmd, rest := protocol.PopFrame(rest)

	b.mu.Lock()
	defer b.mu.Unlock()

	_, known := b.workers[connID]
	w := b.requireWorkerLocked(connID)
	w.totalRequests++

	switch string(cmd) {
	case protocol.WReady:
		b.handleReadyLocked(w, known, rest)
	case protocol.WReply:
		b.handleReplyLocked(w, known, rest)
	case protocol.WHeartbeat:
		if known {
			w.refreshLiveness()
		} else {
			b.deleteWorkerLocked(w, true)
		}
	case protocol.WDisconnect:
		b.deleteWorkerLocked(w, false)
	default:
		log.WithFields(log.Fields{"command": string(cmd)}).Warn("broker: invalid worker command")
	}
}

func (b *Broker) handleReadyLocked(w *workerConn, alreadyKnown bool, rest [][]byte) {
	if alreadyKnown {
		// a second READY on an existing session means the worker reset;
		// drop the stale connection and let it reconnect cleanly.
		b.deleteWorkerLocked(w, true)
		return
	}
	name, _ := protocol.PopFrame(rest)
	w.name = string(name)
	w.svc = b.requireServiceLocked(w.name)
	w.refreshLiveness()

	// A replacement worker showing up for a name whose requests were
	// held after the previous worker disconnected resolves those
	// requests as RECOVERING: they were queued against a connection
	// that is gone, and re-dispatching them silently to the replacement
	// risks the client seeing a reply to a request it may have already
	// retried elsewhere.
	if !w.svc.heldSinceDisconnect.IsZero() {
		b.failQueuedLocked(w.svc, protocol.CodeRecovering)
		w.svc.heldSinceDisconnect = time.Time{}
	}

	b.markWaitingLocked(w)
	b.events.Publish(eventbus.Event{Name: "worker_connected", Payload: w.info()})
}

// failQueuedLocked fails every request still queued (not yet dispatched
// to a worker) for svc with the given taxonomy code, then empties the
// queue.
func (b *Broker) failQueuedLocked(svc *service, code string) {
	for _, requestID := range svc.requests {
		pr, ok := b.pending[requestID]
		if !ok {
			continue
		}
		delete(b.pending, requestID)
		delete(b.envelopes, requestID)
		perr := protocol.New(code, "worker for this service disconnected before the request was dispatched", nil)
		statusEnv, err := protocol.Encode(protocol.NewStatusEnvelope(pr.workerName, perr))
		if err != nil {
			log.WithFields(log.Fields{"error": err, "requestId": requestID}).Error("broker: failed to encode status envelope")
			continue
		}
		frames := protocol.BuildClientReply(pr.clientRoutingID, pr.workerName, statusEnv)
		if err := b.send.Send(frames); err != nil {
			log.WithFields(log.Fields{"error": err, "requestId": requestID}).Error("broker: failed to notify client of failed request")
		}
	}
	svc.requests = nil
}

func (b *Broker) handleReplyLocked(w *workerConn, alreadyKnown bool, rest [][]byte) {
	if !alreadyKnown {
		b.deleteWorkerLocked(w, true)
		return
	}
	requestIDFrame, rest := protocol.PopFrame(rest)
	_, rest = protocol.PopFrame(rest) // empty delimiter
	envelope, _ := protocol.PopFrame(rest)
	requestID := string(requestIDFrame)

	w.refreshLiveness()
	w.totalReplies++

	pr, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
		b.stats.totalReplies++
		frames := protocol.BuildClientReply(pr.clientRoutingID, pr.workerName, envelope)
		if err := b.send.Send(frames); err != nil {
			log.WithFields(log.Fields{"error": err, "requestId": requestID}).Error("broker: failed to reply to client")
		}
	} else {
		log.WithFields(log.Fields{"requestId": requestID}).Warn("broker: reply for unknown request")
	}

	b.markWaitingLocked(w)
}

func (b *Broker) requireServiceLocked(name string) *service {
	svc, ok := b.services[name]
	if !ok {
		svc = newService(name)
		b.services[name] = svc
	}
	return svc
}

func (b *Broker) requireWorkerLocked(connID string) *workerConn {
	w, ok := b.workers[connID]
	if !ok {
		w = &workerConn{connectionID: connID}
		b.workers[connID] = w
	}
	return w
}

func (b *Broker) markWaitingLocked(w *workerConn) {
	w.svc.addIdle(w)
	b.dispatchLocked(w.svc)
}

func (b *Broker) removeFromWaitingLocked(w *workerConn) {
	if w.svc != nil {
		w.svc.removeIdle(w)
	}
}

func (b *Broker) deleteWorkerLocked(w *workerConn, disconnect bool) {
	if disconnect {
		frames := protocol.BuildDisconnect(w.connectionID)
		_ = b.send.Send(frames)
	}
	if w.svc != nil {
		w.svc.removeIdle(w)
		if len(w.svc.idle) == 0 && len(w.svc.requests) > 0 && w.svc.heldSinceDisconnect.IsZero() {
			w.svc.heldSinceDisconnect = time.Now()
		}
	}
	delete(b.workers, w.connectionID)
	b.events.Publish(eventbus.Event{Name: "worker_disconnected", Payload: w.info()})
}

// StatsForWorker sums request/reply counters across every connection
// currently registered under name. It is the join procman's
// findWorkers(includeStats=true) query (spec.md §4.6) uses to attach
// broker-side counters to a worker's descriptor.
func (b *Broker) StatsForWorker(name string) (requests, replies int64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.workers {
		if w.name == name {
			requests += w.totalRequests
			replies += w.totalReplies
			ok = true
		}
	}
	return requests, replies, ok
}

// tick runs periodic heartbeat and purge housekeeping, mirroring the
// teacher's Run loop's end-of-iteration block.
func (b *Broker) tick() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireHeldRequestsLocked()

	if !time.Now().After(b.heartbeatAt) {
		return
	}
	b.purgeLocked()
	for _, w := range b.allIdleLocked() {
		frames := protocol.BuildHeartbeat(w.connectionID)
		if err := b.send.Send(frames); err != nil {
			log.WithFields(log.Fields{"error": err}).Error("broker: failed to send heartbeat")
		}
	}
	b.heartbeatAt = time.Now().Add(protocol.HeartbeatInterval)
}

// expireHeldRequestsLocked fails requests held since a worker disconnect
// with NOSUCH once ReconnectGrace elapses with no replacement worker.
// Runs on every tick, independent of the heartbeat cadence, so the grace
// window is honored precisely rather than rounded to HeartbeatInterval.
func (b *Broker) expireHeldRequestsLocked() {
	now := time.Now()
	for _, svc := range b.services {
		if svc.heldSinceDisconnect.IsZero() {
			continue
		}
		if now.Sub(svc.heldSinceDisconnect) < b.reconnectGrace {
			continue
		}
		b.failQueuedLocked(svc, protocol.CodeNoSuch)
		svc.heldSinceDisconnect = time.Time{}
	}
}

func (b *Broker) allIdleLocked() []*workerConn {
	var out []*workerConn
	for _, svc := range b.services {
		out = append(out, svc.idle...)
	}
	return out
}

// purgeLocked drops workers whose liveness expired without a heartbeat,
// publishing worker_failedHb so procman can react (spec.md §4.6/4.7).
func (b *Broker) purgeLocked() {
	now := time.Now()
	for _, w := range b.workers {
		if w.alive(now) {
			continue
		}
		b.events.Publish(eventbus.Event{Name: "worker_failedHb", Payload: w.info()})
		b.deleteWorkerLocked(w, false)
	}
}
