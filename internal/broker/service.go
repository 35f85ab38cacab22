package broker

import "time"

// service is the broker's per-worker-name bookkeeping: a FIFO queue of
// pending request ids and a FIFO list of idle workers, mirroring the
// teacher's core/mdp/broker.go Service type.
type service struct {
	name     string
	idle     []*workerConn
	requests []string // queued request ids awaiting an idle worker

	// heldSinceDisconnect is non-zero while this service has no worker
	// and unassigned queued requests because its last worker disconnected
	// (rather than never having had one). See DESIGN.md Open Question 1:
	// these requests are held for ReconnectGrace, then either failed
	// RECOVERING (a replacement worker shows up) or NOSUCH (grace
	// elapses with none).
	heldSinceDisconnect time.Time
}

func newService(name string) *service {
	return &service{name: name}
}

func (s *service) enqueue(requestID string) {
	s.requests = append(s.requests, requestID)
}

func (s *service) addIdle(w *workerConn) {
	s.idle = append(s.idle, w)
}

func (s *service) removeIdle(w *workerConn) {
	for i, other := range s.idle {
		if other == w {
			s.idle = append(s.idle[:i], s.idle[i+1:]...)
			return
		}
	}
}

// popDispatch returns one idle worker and one queued request id if both
// are available, removing them from their respective queues.
func (s *service) popDispatch() (*workerConn, string, bool) {
	if len(s.idle) == 0 || len(s.requests) == 0 {
		return nil, "", false
	}
	w := s.idle[0]
	s.idle = s.idle[1:]
	reqID := s.requests[0]
	s.requests = s.requests[1:]
	return w, reqID, true
}
