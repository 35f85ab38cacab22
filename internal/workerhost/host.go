// Package workerhost drives the DEALER-socket wire loop that connects a
// workerapi.Dispatcher to the broker: READY on connect, heartbeat
// send/liveness tracking, REQUEST decode + async dispatch, and REPLY
// encode. Grounded on core/mdp/worker.go's ConnectToBroker/Recv loop
// (heartbeatAt/liveness/reconnect fields, reconnect-on-missed-heartbeat),
// generalized from MDP's plain string frames to the JSON envelope
// protocol and from a synchronous single in-flight request to one
// goroutine per REQUEST so the key-set lock scheduler in
// internal/workerapi can actually run requests concurrently.
package workerhost

import (
	"context"
	"encoding/json"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nef-run/nef/internal/protocol"
	"github.com/nef-run/nef/internal/transport"
	"github.com/nef-run/nef/internal/workerapi"
)

// Host is one worker process's connection to the broker.
type Host struct {
	name       string
	dealer     *transport.Dealer
	dispatcher *workerapi.Dispatcher

	heartbeat time.Duration
	reconnect time.Duration
	liveness  int
}

// readyInfo is marshaled into the READY frame's info payload; purely
// diagnostic. The broker does not read it, so getWorkers does not report
// it.
type readyInfo struct {
	PID int `json:"pid"`
}

// New connects to endpoint and builds a Host for name, dispatching
// incoming requests through dispatcher.
func New(endpoint, name string, dispatcher *workerapi.Dispatcher) (*Host, error) {
	d, err := transport.Connect(endpoint)
	if err != nil {
		return nil, err
	}
	return &Host{
		name:       name,
		dealer:     d,
		dispatcher: dispatcher,
		heartbeat:  protocol.HeartbeatInterval,
		reconnect:  protocol.HeartbeatInterval,
		liveness:   protocol.HeartbeatLivenessMax,
	}, nil
}

// Close tears down the broker connection.
func (h *Host) Close() {
	h.dealer.Close()
}

func (h *Host) sendReady() error {
	info, _ := json.Marshal(readyInfo{PID: os.Getpid()})
	return h.dealer.Send(protocol.PeerReady(h.name, info))
}

// Run sends READY, then services the connection until ctx is cancelled:
// polling for frames, dispatching REQUESTs, sending periodic HEARTBEATs,
// and reconnecting after HeartbeatLivenessMax missed polls.
func (h *Host) Run(ctx context.Context) error {
	if err := h.sendReady(); err != nil {
		return err
	}
	h.liveness = protocol.HeartbeatLivenessMax
	heartbeatAt := time.Now().Add(h.heartbeat)

	for {
		select {
		case <-ctx.Done():
			_ = h.dealer.Send(protocol.PeerDisconnect())
			return nil
		default:
		}

		frames, err := h.dealer.Poll(h.heartbeat)
		if err != nil {
			return err
		}

		if frames == nil {
			h.liveness--
			if h.liveness <= 0 {
				log.WithFields(log.Fields{"worker": h.name}).Warn(
					"workerhost: lost contact with broker, reconnecting")
				time.Sleep(h.reconnect)
				if err := h.dealer.Reconnect(); err != nil {
					log.WithFields(log.Fields{"worker": h.name, "error": err}).Error(
						"workerhost: reconnect failed")
				} else if err := h.sendReady(); err == nil {
					h.liveness = protocol.HeartbeatLivenessMax
				}
			}
		} else {
			h.liveness = protocol.HeartbeatLivenessMax
			h.handleFrames(ctx, frames)
		}

		if time.Now().After(heartbeatAt) {
			_ = h.dealer.Send(protocol.PeerHeartbeat())
			heartbeatAt = time.Now().Add(h.heartbeat)
		}
	}
}

func (h *Host) handleFrames(ctx context.Context, frames [][]byte) {
	header, cmd, rest := protocol.ParseWorkerFrame(frames)
	if string(header) != protocol.WWorker {
		log.WithFields(log.Fields{"worker": h.name}).Warn("workerhost: dropped non-worker frame")
		return
	}
	switch string(cmd) {
	case protocol.WRequest:
		requestIDFrame, rest := protocol.PopFrame(rest)
		_, rest = protocol.PopFrame(rest) // empty delimiter
		envelope, _ := protocol.PopFrame(rest)
		go h.handleRequest(ctx, string(requestIDFrame), envelope)
	case protocol.WHeartbeat:
		// liveness already refreshed by Run's poll loop.
	case protocol.WDisconnect:
		log.WithFields(log.Fields{"worker": h.name}).Info("workerhost: broker asked us to reconnect")
		if err := h.dealer.Reconnect(); err == nil {
			_ = h.sendReady()
		}
	default:
		log.WithFields(log.Fields{"worker": h.name, "cmd": string(cmd)}).Warn("workerhost: unknown worker command")
	}
}

func (h *Host) handleRequest(ctx context.Context, requestID string, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		h.reply(requestID, protocol.NewStatusEnvelope("", protocol.NewBadArg("malformed request envelope", err)))
		return
	}

	data, perr := h.dispatcher.Dispatch(ctx, env.Method, env.Args, timeoutOverride(env.Args), nil)
	if perr != nil {
		h.reply(requestID, protocol.NewStatusEnvelope(env.Method, perr))
		return
	}

	outEnv, err := protocol.NewDataEnvelope(env.Method, data)
	if err != nil {
		h.reply(requestID, protocol.NewStatusEnvelope(env.Method, protocol.NewInternal("failed to encode reply", err)))
		return
	}
	h.reply(requestID, outEnv)
}

// timeoutOverride peeks at a request's raw args for an optional
// milliseconds "timeout" field, per spec.md §4.5 step 3's "per-request
// caller-supplied timeout overrides the method default." The dispatcher
// itself only sees decoded, strictly-typed args, so this has to happen
// before Dispatch by re-parsing loosely.
func timeoutOverride(rawArgs []byte) time.Duration {
	if len(rawArgs) == 0 {
		return 0
	}
	var probe struct {
		Timeout int `json:"timeout"`
	}
	if err := json.Unmarshal(rawArgs, &probe); err != nil || probe.Timeout <= 0 {
		return 0
	}
	return time.Duration(probe.Timeout) * time.Millisecond
}

func (h *Host) reply(requestID string, env *protocol.Envelope) {
	raw, err := protocol.Encode(env)
	if err != nil {
		log.WithFields(log.Fields{"worker": h.name, "error": err}).Error("workerhost: failed to encode reply envelope")
		return
	}
	if err := h.dealer.Send(protocol.PeerWorkerReply(requestID, raw)); err != nil {
		log.WithFields(log.Fields{"worker": h.name, "error": err}).Error("workerhost: failed to send reply")
	}
}
