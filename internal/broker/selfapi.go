package broker

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nef-run/nef/internal/protocol"
)

// selfAPIMethod implements one broker self-API method (component C4).
// It runs synchronously under Broker.mu, the same lock HandleFrames
// already holds, so self-API methods read broker state directly rather
// than going through the worker dispatch path. Grounded on the teacher's
// core/mdp/mmi.go MMIHandler, generalized from the single mmi.service
// lookup MDP supports to a small table of named introspection/control
// methods addressed at protocol.BrokerServiceName.
type selfAPIMethod func(b *Broker, env *protocol.Envelope) (interface{}, *protocol.Error)

func (b *Broker) registerSelfAPI() {
	b.selfAPI = map[string]selfAPIMethod{
		"getTime":      selfGetTime,
		"getWorkers":   selfGetWorkers,
		"getStats":     selfGetStats,
		"getProto":     selfGetProto,
		"updateWorkers": selfUpdateWorkers,
		"ping":         selfPing,
	}
}

// dispatchSelfAPILocked handles a client request addressed to
// protocol.BrokerServiceName: decode, look up the method, run it, and
// reply immediately, since the broker already has every answer in
// memory and never needs to suspend for a self-API call.
func (b *Broker) dispatchSelfAPILocked(clientRoutingID string, rawEnvelope []byte) {
	env, err := protocol.Decode(rawEnvelope)
	if err != nil {
		b.replySelfAPIErrorLocked(clientRoutingID, err.(*protocol.Error))
		return
	}

	method, ok := b.selfAPI[env.Method]
	if !ok {
		b.replySelfAPIErrorLocked(clientRoutingID, protocol.NewUnimpl(env.Method))
		return
	}

	data, perr := method(b, env)
	if perr != nil {
		b.replySelfAPIErrorLocked(clientRoutingID, perr)
		return
	}

	reply, err := protocol.NewDataEnvelope(env.Method, data)
	if err != nil {
		b.replySelfAPIErrorLocked(clientRoutingID, err.(*protocol.Error))
		return
	}
	b.sendSelfAPIReplyLocked(clientRoutingID, reply)
}

func (b *Broker) replySelfAPIErrorLocked(clientRoutingID string, perr *protocol.Error) {
	log.WithFields(log.Fields{"error": perr}).Debug("broker: self-API call failed")
	b.sendSelfAPIReplyLocked(clientRoutingID, protocol.NewStatusEnvelope(protocol.BrokerServiceName, perr))
}

func (b *Broker) sendSelfAPIReplyLocked(clientRoutingID string, env *protocol.Envelope) {
	raw, err := protocol.Encode(env)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Error("broker: failed to encode self-API reply")
		return
	}
	frames := protocol.BuildClientReply(clientRoutingID, protocol.BrokerServiceName, raw)
	if err := b.send.Send(frames); err != nil {
		log.WithFields(log.Fields{"error": err}).Error("broker: failed to send self-API reply")
	}
}

type getTimeResult struct {
	UnixMillis int64 `json:"unixMillis"`
}

func selfGetTime(b *Broker, _ *protocol.Envelope) (interface{}, *protocol.Error) {
	return getTimeResult{UnixMillis: time.Now().UnixMilli()}, nil
}

func selfGetWorkers(b *Broker, _ *protocol.Envelope) (interface{}, *protocol.Error) {
	infos := make([]WorkerInfo, 0, len(b.workers))
	for _, w := range b.workers {
		infos = append(infos, w.info())
	}
	return infos, nil
}

type getStatsResult struct {
	UptimeSeconds int64 `json:"uptimeSeconds"`
	TotalRequests int64 `json:"totalRequests"`
	TotalReplies  int64 `json:"totalReplies"`
	TotalTimeouts int64 `json:"totalTimeouts"`
	ConnectedWorkers int `json:"connectedWorkers"`
	Services      int   `json:"services"`
}

func selfGetStats(b *Broker, _ *protocol.Envelope) (interface{}, *protocol.Error) {
	return getStatsResult{
		UptimeSeconds:    int64(time.Since(b.startedAt).Seconds()),
		TotalRequests:    b.stats.totalRequests,
		TotalReplies:     b.stats.totalReplies,
		TotalTimeouts:    b.stats.totalTimeouts,
		ConnectedWorkers: len(b.workers),
		Services:         len(b.services),
	}, nil
}

type getProtoResult struct {
	Version string `json:"version"`
}

func selfGetProto(b *Broker, _ *protocol.Envelope) (interface{}, *protocol.Error) {
	return getProtoResult{Version: "nef/1.0"}, nil
}

type updateWorkersArgs struct {
	Names []string `json:"names"`
}

type updateWorkersResult struct {
	Acknowledged int `json:"acknowledged"`
}

// selfUpdateWorkers acknowledges a roster-change notification from
// procman (a worker was enabled, disabled, or its descriptor changed).
// The broker does not own enable/disable policy — procman does — so
// this method only confirms receipt; it is the integration seam procman
// uses to tell the broker "expect READY/DISCONNECT traffic for these
// names shortly."
func selfUpdateWorkers(b *Broker, env *protocol.Envelope) (interface{}, *protocol.Error) {
	var args updateWorkersArgs
	if err := env.Unmarshal(&args); err != nil {
		return nil, protocol.NewBadArg("invalid updateWorkers args", err)
	}
	log.WithFields(log.Fields{"names": args.Names}).Debug("broker: received worker roster update")
	return updateWorkersResult{Acknowledged: len(args.Names)}, nil
}

func selfPing(b *Broker, _ *protocol.Envelope) (interface{}, *protocol.Error) {
	return "pong", nil
}
