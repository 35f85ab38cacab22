package broker

import (
	"time"

	"github.com/nef-run/nef/internal/protocol"
)

// workerConn tracks one connected worker process. Grounded on the
// teacher's core/mdp/broker.go brokerWorker. The reconnect-grace
// bookkeeping spec.md's Open Question 1 calls for (DESIGN.md) lives on
// the owning service instead, since it concerns requests queued for a
// name, not any one connection.
type workerConn struct {
	connectionID string
	name         string
	svc          *service
	expiry       time.Time
	liveness     int

	totalRequests int64
	totalReplies  int64
}

// WorkerInfo is the JSON-serializable snapshot returned by the self-API's
// getWorkers method.
type WorkerInfo struct {
	ConnectionID  string `json:"connectionId"`
	Name          string `json:"name"`
	TotalRequests int64  `json:"totalRequests"`
	TotalReplies  int64  `json:"totalReplies"`
}

func (w *workerConn) info() WorkerInfo {
	return WorkerInfo{
		ConnectionID:  w.connectionID,
		Name:          w.name,
		TotalRequests: w.totalRequests,
		TotalReplies:  w.totalReplies,
	}
}

func (w *workerConn) alive(now time.Time) bool {
	return w.expiry.After(now)
}

func (w *workerConn) refreshLiveness() {
	w.liveness = protocol.HeartbeatLivenessMax
	w.expiry = time.Now().Add(protocol.HeartbeatInterval * time.Duration(protocol.HeartbeatLivenessMax))
}
