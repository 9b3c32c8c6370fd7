package sequencer

import (
	"sync"

	"go.uber.org/zap"

	"github.com/harrowgate/sharedmap/internal/sharedmap"
)

// broker.go is the in-memory transport/sequencer the kernel collaborates
// with: it assigns a single total order to ops from every attached session
// and fans each sequenced message back out to every subscriber, using a
// per-client sequence number to collapse resubmitted duplicates.

// Subscriber receives every sequenced message the broker produces, in order.
type Subscriber interface {
	Deliver(msg sharedmap.SequencedMessage)
}

type dedupEntry struct {
	seq uint64
	msg sharedmap.SequencedMessage
}

// Broker totally orders ops published by any number of client sessions.
type Broker struct {
	mu          sync.Mutex
	nextSeq     uint64
	subscribers map[string]Subscriber
	dedup       map[string]dedupEntry // clientID -> last (clientSeq, resulting msg)
	log         *zap.Logger
	metrics     *Metrics
}

// NewBroker constructs an empty broker.
func NewBroker(log *zap.Logger, m *Metrics) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = NewMetrics()
	}
	return &Broker{
		subscribers: make(map[string]Subscriber),
		dedup:       make(map[string]dedupEntry),
		log:         log,
		metrics:     m,
	}
}

// Subscribe registers a session to receive every future sequenced message.
// Dedup does not depend on it: Publish dedups by clientID whether or not that
// client is subscribed.
func (b *Broker) Subscribe(clientID string, s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[clientID] = s
}

// Unsubscribe removes a session from delivery. Its dedup entry is kept, so
// a late republish of its most recently sequenced op is still recognized.
func (b *Broker) Unsubscribe(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, clientID)
}

// Publish assigns the next sequence number to op and broadcasts it to every
// subscriber, including the publisher. If clientSeq equals the last
// clientSeq published for clientID, the previously assigned message is
// redelivered instead of minting a new sequence number. Only that last
// clientSeq is remembered per client; an older one is sequenced again.
func (b *Broker) Publish(clientID string, clientSeq uint64, op sharedmap.Op) sharedmap.SequencedMessage {
	b.mu.Lock()

	if prev, ok := b.dedup[clientID]; ok && prev.seq == clientSeq {
		b.metrics.IncDedup()
		msg := prev.msg
		subs := b.snapshotSubscribers()
		b.mu.Unlock()
		b.broadcast(subs, msg)
		return msg
	}

	b.nextSeq++
	msg := sharedmap.SequencedMessage{
		Contents:             op,
		SequenceNumber:       b.nextSeq,
		ClientID:             clientID,
		ClientSequenceNumber: clientSeq,
	}
	b.dedup[clientID] = dedupEntry{seq: clientSeq, msg: msg}
	subs := b.snapshotSubscribers()
	b.mu.Unlock()

	b.metrics.IncPublish(op.Type)
	b.log.Debug("published op",
		zap.Uint64("seq", msg.SequenceNumber),
		zap.String("client", clientID),
		zap.Uint64("client_seq", clientSeq),
		zap.String("op", string(op.Type)),
	)
	b.broadcast(subs, msg)
	return msg
}

func (b *Broker) snapshotSubscribers() []Subscriber {
	out := make([]Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		out = append(out, s)
	}
	return out
}

func (b *Broker) broadcast(subs []Subscriber, msg sharedmap.SequencedMessage) {
	for _, s := range subs {
		s.Deliver(msg)
	}
}

// LastSequence returns the highest sequence number handed out so far, used
// as the checkpoint offset a session can persist alongside its stash log.
func (b *Broker) LastSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}
