package server

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_Excludes_Sender(t *testing.T) {
	req := require.New(t)
	srv := pipeServer(Options{})
	alice, _ := pipeSession(t, srv)
	bob, _ := pipeSession(t, srv)
	carol, _ := pipeSession(t, srv)
	for _, s := range []*Session{alice, bob, carol} {
		srv.registry.Add(s)
	}

	// When alice's message is broadcast
	delivered := srv.hub.Broadcast(0, []byte("alice\x01hi"), alice)

	// Then only bob and carol have it queued
	req.Equal(2, delivered)
	req.Empty(alice.send)
	req.Len(bob.send, 1)
	req.Len(carol.send, 1)
	req.Equal([]byte("alice\x01hi"), (<-bob.send).frame)
}

func TestBroadcaster_Evicts_Slow_Client(t *testing.T) {
	req := require.New(t)
	metrics := prometheus.NewRegistry()
	srv := pipeServer(Options{SendBuffer: 2, Metrics: metrics})
	alice, _ := pipeSession(t, srv)
	slow, slowRemote := pipeSession(t, srv)
	srv.registry.Add(alice)
	srv.registry.Add(slow)

	// Given a recipient whose queue is already full
	req.Equal(queued, slow.enqueue(outbound{frame: []byte("x")}))
	req.Equal(queued, slow.enqueue(outbound{frame: []byte("y")}))

	// When another message is broadcast
	delivered := srv.hub.Broadcast(0, []byte("alice\x01hi"), alice)

	// Then the slow client is dropped and disconnected, nobody else is
	req.Zero(delivered)
	req.Equal(1, srv.registry.Len())
	req.Equal([]*Session{alice}, srv.registry.Snapshot())
	req.Equal(1.0, testutil.ToFloat64(srv.metrics.dropped.WithLabelValues("queue_full")))

	_ = slowRemote.SetReadDeadline(time.Now().Add(time.Second))
	_, err := slowRemote.Read(make([]byte, 1))
	req.Error(err)
	req.False(isTimeout(err))
}

func TestBroadcaster_Skips_Closed_Queue(t *testing.T) {
	req := require.New(t)
	metrics := prometheus.NewRegistry()
	srv := pipeServer(Options{Metrics: metrics})
	alice, _ := pipeSession(t, srv)
	bob, _ := pipeSession(t, srv)
	leaving, _ := pipeSession(t, srv)
	for _, s := range []*Session{alice, bob, leaving} {
		srv.registry.Add(s)
	}

	// Given a recipient that is closing but not yet deregistered
	leaving.finish(nil)

	delivered := srv.hub.Broadcast(7, []byte("alice\x01bye"), alice)

	req.Equal(1, delivered)
	req.Len(bob.send, 1)
	req.Equal(1.0, testutil.ToFloat64(srv.metrics.dropped.WithLabelValues("closed")))
}

func TestBroadcaster_Skips_Records_Already_Replayed(t *testing.T) {
	req := require.New(t)
	srv := pipeServer(Options{})
	alice, _ := pipeSession(t, srv)
	veteran, _ := pipeSession(t, srv)
	joiner, _ := pipeSession(t, srv)
	for _, s := range []*Session{alice, veteran, joiner} {
		srv.registry.Add(s)
	}

	// Given a joiner whose replay ended at record 5
	joiner.replayedThrough = 5

	// When records 5 and 6 are broadcast
	req.Equal(1, srv.hub.Broadcast(5, []byte("alice\x01five"), alice))
	req.Equal(2, srv.hub.Broadcast(6, []byte("alice\x01six"), alice))
	// And an unstored message is broadcast
	req.Equal(2, srv.hub.Broadcast(0, []byte("alice\x01lost"), alice))

	// Then the joiner only gets what its replay did not contain
	req.Len(veteran.send, 3)
	req.Len(joiner.send, 2)
	req.Equal([]byte("alice\x01six"), (<-joiner.send).frame)
	req.Equal([]byte("alice\x01lost"), (<-joiner.send).frame)
}
