package protocol

// Frame helpers for the six wire shapes in spec.md §4.1. All frames are
// []byte multipart messages; string conversions happen at the edges only.
//
// Grounded on the teacher's core/mdp/util.go pop/unwrap helpers
// (popStr/Unwrap), generalized from string slices to byte slices since
// NEF carries binary JSON envelopes rather than plain strings.

// PopFrame removes and returns the first frame, returning the remainder.
func PopFrame(frames [][]byte) ([]byte, [][]byte) {
	if len(frames) == 0 {
		return nil, frames
	}
	return frames[0], frames[1:]
}

// Unwrap removes the client return envelope (routing id + empty
// delimiter) from the front of frames, matching the teacher's
// core/mdp/util.go Unwrap semantics for the routing/delimiter pair.
func Unwrap(frames [][]byte) (routingID []byte, rest [][]byte) {
	routingID, rest = PopFrame(frames)
	if len(rest) > 0 && len(rest[0]) == 0 {
		_, rest = PopFrame(rest)
	}
	return
}

// BuildClientRequest builds [routingID, empty, CClient, workerName, envelope].
func BuildClientRequest(routingID, workerName string, envelope []byte) [][]byte {
	return [][]byte{[]byte(routingID), {}, []byte(CClient), []byte(workerName), envelope}
}

// BuildWorkerRequest builds
// [workerRoutingID, empty, WWorker, WRequest, requestID, empty, envelope].
func BuildWorkerRequest(workerRoutingID, requestID string, envelope []byte) [][]byte {
	return [][]byte{
		[]byte(workerRoutingID), {}, []byte(WWorker), []byte(WRequest),
		[]byte(requestID), {}, envelope,
	}
}

// BuildWorkerReply builds
// [workerRoutingID, empty, WWorker, WReply, requestID, empty, envelope].
func BuildWorkerReply(workerRoutingID, requestID string, envelope []byte) [][]byte {
	return [][]byte{
		[]byte(workerRoutingID), {}, []byte(WWorker), []byte(WReply),
		[]byte(requestID), {}, envelope,
	}
}

// BuildWorkerReady builds [workerRoutingID, empty, WWorker, WReady, workerName, info].
func BuildWorkerReady(workerRoutingID, workerName string, info []byte) [][]byte {
	return [][]byte{
		[]byte(workerRoutingID), {}, []byte(WWorker), []byte(WReady),
		[]byte(workerName), info,
	}
}

// BuildClientReply builds [clientRoutingID, empty, CClient, workerName, envelope].
func BuildClientReply(clientRoutingID, workerName string, envelope []byte) [][]byte {
	return [][]byte{[]byte(clientRoutingID), {}, []byte(CClient), []byte(workerName), envelope}
}

// BuildHeartbeat builds [routingID, empty, WWorker, WHeartbeat].
func BuildHeartbeat(routingID string) [][]byte {
	return [][]byte{[]byte(routingID), {}, []byte(WWorker), []byte(WHeartbeat)}
}

// BuildDisconnect builds [routingID, empty, WWorker, WDisconnect].
func BuildDisconnect(routingID string) [][]byte {
	return [][]byte{[]byte(routingID), {}, []byte(WWorker), []byte(WDisconnect)}
}

// The Build* functions above compose frames as the broker's ROUTER socket
// must send them: routingID first, so ROUTER's own send-side routing can
// consume it before the message ever reaches the wire. A worker or client
// DEALER socket sends the same logical frames but without that leading
// routing frame — ROUTER synthesizes the sender's identity as the first
// frame on receipt instead. The PeerX helpers below build what a worker or
// client actually writes to its DEALER socket.

// PeerReady builds [empty, WWorker, WReady, workerName, info] for a worker
// announcing itself.
func PeerReady(workerName string, info []byte) [][]byte {
	return [][]byte{{}, []byte(WWorker), []byte(WReady), []byte(workerName), info}
}

// PeerWorkerReply builds [empty, WWorker, WReply, requestID, empty, envelope].
func PeerWorkerReply(requestID string, envelope []byte) [][]byte {
	return [][]byte{{}, []byte(WWorker), []byte(WReply), []byte(requestID), {}, envelope}
}

// PeerHeartbeat builds [empty, WWorker, WHeartbeat].
func PeerHeartbeat() [][]byte {
	return [][]byte{{}, []byte(WWorker), []byte(WHeartbeat)}
}

// PeerDisconnect builds [empty, WWorker, WDisconnect].
func PeerDisconnect() [][]byte {
	return [][]byte{{}, []byte(WWorker), []byte(WDisconnect)}
}

// PeerClientRequest builds [empty, CClient, workerName, envelope] for a
// client's outbound call.
func PeerClientRequest(workerName string, envelope []byte) [][]byte {
	return [][]byte{{}, []byte(CClient), []byte(workerName), envelope}
}

// ParseWorkerFrame strips the leading empty delimiter a worker receives
// from the broker and splits the remainder into the worker sub-command and
// its payload frames.
func ParseWorkerFrame(frames [][]byte) (header, cmd []byte, rest [][]byte) {
	_, rest = PopFrame(frames) // empty delimiter
	header, rest = PopFrame(rest)
	cmd, rest = PopFrame(rest)
	return header, cmd, rest
}

// ParseClientFrame strips the leading empty delimiter a client receives
// from the broker and splits the remainder into the header and payload
// frames.
func ParseClientFrame(frames [][]byte) (header, workerName []byte, rest [][]byte) {
	_, rest = PopFrame(frames) // empty delimiter
	header, rest = PopFrame(rest)
	workerName, rest = PopFrame(rest)
	return header, workerName, rest
}
