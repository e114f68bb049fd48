package server

import (
	"log/slog"
)

// Broadcaster fans a relayed frame out to every registered session.
//
// Delivery never blocks the caller.  Each recipient has a bounded outgoing
// queue drained by its own writer goroutine; a recipient whose queue is full
// is evicted rather than allowed to stall everyone else, and a recipient whose
// queue is already closed is skipped.
type Broadcaster struct {
	registry *Registry
	log      *slog.Logger
	metrics  *relayMetrics
}

func NewBroadcaster(registry *Registry, log *slog.Logger, metrics *relayMetrics) *Broadcaster {
	return &Broadcaster{registry: registry, log: log, metrics: metrics}
}

// Broadcast queues frame, the relayed form of history record id, for every
// registered session except exclude and returns how many sessions accepted it.
// Sessions whose replay already contained id are skipped; id 0 marks a
// message that was never stored.  frame is shared between recipients and must
// not be modified afterwards.  The caller holds the server's cut.
func (b *Broadcaster) Broadcast(id int64, frame []byte, exclude *Session) int {
	delivered := 0
	b.registry.ForEach(func(s *Session) {
		if s == exclude {
			return
		}
		if id > 0 && id <= s.replayedThrough {
			return
		}
		switch s.enqueue(outbound{frame: frame}) {
		case queued:
			delivered++
		case queueFull:
			b.metrics.recordDrop("queue_full")
			if b.registry.Remove(s) {
				b.log.Warn("Dropping slow client", "session", s.id, "nickname", s.Nickname(), "peer", s.addr)
			}
			s.evict()
		case queueClosed:
			b.metrics.recordDrop("closed")
		}
	})
	return delivered
}
