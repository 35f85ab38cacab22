// Package protocol implements the NEF worker/client wire protocol, a
// Majordomo-style framed message format carried over the broker's ROUTER
// socket(s), one per bound endpoint, shared by clients and workers.
package protocol

import "time"

// Command frame headers. Each is exactly one octet, matching the
// one-byte-per-command convention of the Majordomo pattern.
const (
	// CClient marks a client-originated frame (request or reply).
	CClient = string(rune(0x01))
	// WWorker marks a worker-originated or worker-addressed frame.
	WWorker = string(rune(0x02))
)

// Worker sub-commands, carried as the frame immediately following WWorker.
const (
	WReady      = string(rune(0x01))
	WRequest    = string(rune(0x02))
	WReply      = string(rune(0x03))
	WHeartbeat  = string(rune(0x04))
	WDisconnect = string(rune(0x05))
)

// WorkerCommands names worker sub-commands for logging.
var WorkerCommands = map[string]string{
	WReady:      "READY",
	WRequest:    "REQUEST",
	WReply:      "REPLY",
	WHeartbeat:  "HEARTBEAT",
	WDisconnect: "DISCONNECT",
}

const (
	// HeartbeatInterval is how often the broker and a connected worker
	// each check / refresh liveness.
	HeartbeatInterval = 2500 * time.Millisecond

	// HeartbeatLivenessMax is the liveness counter a worker connection
	// starts (and resets to) on any inbound message.
	HeartbeatLivenessMax = 5

	// AbortRequestID is a reserved sentinel request id for an "abort"
	// method. Nothing in this module sends it, and the broker has no
	// special handling for "abort": it routes such a request like any
	// other method call.
	AbortRequestID = "abort-0000000000000000"

	// DefaultReconnectGrace is how long the broker holds a disconnected
	// worker's routing/pending-request state before tearing it down,
	// giving a short grace period for reconnection. See DESIGN.md Open
	// Question 1.
	DefaultReconnectGrace = 10 * time.Second
)

// BrokerServiceName is the name of the broker's built-in self-API worker.
const BrokerServiceName = "broker"
