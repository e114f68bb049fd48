// Package server implements the TCP text relay.
//
// Concurrency overview
// --------------------
//
//	┌─────────────────────────────────────────────────────────┐
//	│  Accept loop (Serve)                                     │
//	│  Accepts TCP connections and hands each one to the       │
//	│  Supervisor as a new Session.                            │
//	└───────────────────┬─────────────────────────────────────┘
//	                    │  one reader + one writer per Session
//	                    ▼
//	┌─────────────────────────────────────────────────────────┐
//	│  Sessions                                                │
//	│  Reader: nickname handshake, then chat frames.           │
//	│  Writer: drains a bounded queue with per-write deadline. │
//	└───────────────────┬─────────────────────────────────────┘
//	                    │  publish / activate
//	                    ▼
//	┌─────────────────────────────────────────────────────────┐
//	│  History (store.History) + Broadcaster + Registry        │
//	│  Append is durable before fan-out and runs outside the   │
//	│  cut.  Fan-out only enqueues, so no lock is ever held    │
//	│  across network I/O or a history write.                  │
//	└─────────────────────────────────────────────────────────┘
//
//	┌─────────────────────────────────────────────────────────┐
//	│  Supervisor                                              │
//	│  Tracks sessions and background workers (Heartbeat);     │
//	│  Shutdown joins all of them.                             │
//	└─────────────────────────────────────────────────────────┘
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"textrelay/internal/protocol"
	"textrelay/internal/store"
)

const (
	DefaultReplayLimit     = 50
	DefaultSendBuffer      = 256
	DefaultWriteTimeout    = 10 * time.Second
	DefaultNicknameTimeout = 10 * time.Second

	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

var ErrServerClosed = errors.New("server: closed")

// Options tune a Server.  Zero values select the defaults above; the zero
// Framing is length-prefixed.
type Options struct {
	Framing      protocol.Framing
	MaxFrameSize int

	// ReplayLimit is how many history records a new session receives.
	// Negative disables replay.
	ReplayLimit int
	// ReplayPacing spaces replayed frames under raw framing, where the peer
	// needs one read per frame.  Ignored for length-prefixed framing.
	ReplayPacing time.Duration

	SendBuffer   int
	WriteTimeout time.Duration
	// NicknameTimeout bounds the wait for the first frame.  Negative waits
	// forever.
	NicknameTimeout time.Duration
	// HeartbeatInterval enables the heartbeat worker when positive.
	HeartbeatInterval time.Duration

	Observer PeerObserver
	Metrics  prometheus.Registerer
}

func (o Options) withDefaults() Options {
	if o.Framing == "" {
		o.Framing = protocol.FramingLength
	}
	// Too small to carry any chat text after the nickname prefix.
	if o.MaxFrameSize <= protocol.RelayOverhead {
		o.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if o.ReplayLimit == 0 {
		o.ReplayLimit = DefaultReplayLimit
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	// The whole replay has to fit in the queue next to live traffic.
	if o.SendBuffer <= o.ReplayLimit {
		o.SendBuffer = o.ReplayLimit + DefaultSendBuffer
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.NicknameTimeout == 0 {
		o.NicknameTimeout = DefaultNicknameTimeout
	}
	return o
}

// Server ties together the Registry, Broadcaster, History and Supervisor.
type Server struct {
	log      *slog.Logger
	opts     Options
	history  store.History
	registry *Registry
	hub      *Broadcaster
	sup      *Supervisor
	metrics  *relayMetrics

	// cut is a one-slot semaphore making (fan-out of one message) and
	// (replay snapshot + registration of one joiner) mutually exclusive.
	// Together with Session.replayedThrough every stored message reaches a
	// joiner exactly once: in its replay or live.
	cut      chan struct{}
	draining atomic.Bool

	// ctx is the parent of every session and worker; cancel ends them.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener

	inShutdown   atomic.Bool
	shutdownDone chan struct{}
	shutdownErr  error
}

// New creates a Server that records chat into history.  The caller keeps
// ownership of history and closes it after Shutdown.
func New(log *slog.Logger, history store.History, opts Options) *Server {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:          log,
		opts:         opts,
		history:      history,
		sup:          NewSupervisor(log),
		metrics:      newRelayMetrics(opts.Metrics),
		ctx:          ctx,
		cancel:       cancel,
		cut:          make(chan struct{}, 1),
		shutdownDone: make(chan struct{}),
	}
	s.registry = NewRegistry(peerWatcher{s})
	s.hub = NewBroadcaster(s.registry, log, s.metrics)
	return s
}

// ListenAndServe binds addr and serves it.  See Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until Shutdown is called or ctx is
// cancelled, which starts a Shutdown bounded by the write timeout.  It always
// returns a non-nil error; after Shutdown that error is ErrServerClosed.
// When ctx ended it, Serve returns only after that Shutdown has finished.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
		defer cancel()
		if err := s.Shutdown(sctx); err != nil {
			s.log.Warn("Shutdown incomplete", "error", err)
		}
	})
	defer stop()

	s.log.Info("Listening", "addr", ln.Addr().String(), "framing", s.opts.Framing)
	if s.opts.HeartbeatInterval > 0 {
		s.sup.Start(s.ctx, NewHeartbeat(s.log, s.opts.HeartbeatInterval, s.ActiveSessions))
	}

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				// Shutdown started by ctx: return once it has joined
				// every session.
				if ctx.Err() != nil {
					<-s.shutdownDone
				}
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			if !isTimeout(err) {
				s.log.Error("Accept failed", "error", err)
			}
			delay = nextAcceptDelay(delay)
			time.Sleep(delay)
			continue
		}
		delay = 0
		s.serveConn(conn)
	}
}

func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptDelay
	}
	return min(d*2, maxAcceptDelay)
}

// serveConn hands conn to the supervisor as a new session.
func (s *Server) serveConn(conn net.Conn) {
	sess, err := newSession(s, conn)
	if err != nil {
		s.log.Error("Cannot start session", "peer", conn.RemoteAddr().String(), "error", err)
		_ = conn.Close()
		return
	}
	if !s.sup.Go("session", func() { sess.run(s.ctx) }) {
		_ = conn.Close()
	}
}

// activate replays recent history into sess and registers it, as one step
// with respect to publish.  It reports false if the relay is shutting down.
func (s *Server) activate(ctx context.Context, sess *Session) bool {
	if !s.lockCut(ctx) {
		return false
	}
	defer s.unlockCut()
	if s.draining.Load() {
		return false
	}

	var records []store.Record
	if s.opts.ReplayLimit > 0 {
		var err error
		records, err = s.history.Recent(ctx, s.opts.ReplayLimit)
		if err != nil {
			sess.log.Warn("History replay unavailable", "error", err)
			s.metrics.recordHistoryError("recent")
		}
	}
	var pace time.Duration
	if s.opts.Framing == protocol.FramingRaw {
		pace = s.opts.ReplayPacing
	}
	for _, rec := range records {
		if sess.enqueue(outbound{frame: protocol.EncodeRelayed(rec.Nickname, string(rec.Payload)), pace: pace}) != queued {
			break
		}
	}
	if len(records) > 0 {
		sess.replayedThrough = records[len(records)-1].ID
	}

	s.registry.Add(sess)
	sess.setState(StateActive)
	s.metrics.incSession()
	if len(records) > 0 {
		sess.log.Debug("History replayed", "records", len(records))
	}
	return true
}

// publish persists text from sess and queues it for every other session.
// A persistence failure is logged and the message is still relayed live.
func (s *Server) publish(ctx context.Context, from *Session, text string) {
	start := time.Now()
	nickname := from.Nickname()

	// The append must not be abandoned halfway because the session is
	// being cancelled; it is bounded by the write timeout instead.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.WriteTimeout)
	rec, err := s.history.Append(actx, nickname, []byte(text))
	cancel()
	if err != nil {
		from.log.Warn("History append failed, relaying live only", "error", err)
		s.metrics.recordHistoryError("append")
		rec = store.Record{}
	}

	if !s.lockCut(ctx) {
		from.log.Debug("Relay stopping, message not relayed", "id", rec.ID)
		return
	}
	defer s.unlockCut()

	recipients := s.hub.Broadcast(rec.ID, protocol.EncodeRelayed(nickname, text), from)
	s.metrics.recordMessage(time.Since(start))
	from.log.Debug("Message relayed", "nickname", nickname, "bytes", len(text), "recipients", recipients)
}

// lockCut acquires the cut unless ctx ends first.
func (s *Server) lockCut(ctx context.Context) bool {
	select {
	case s.cut <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) unlockCut() { <-s.cut }

// ActiveSessions is the number of sessions currently receiving broadcasts.
func (s *Server) ActiveSessions() int { return s.registry.Len() }

// Addr is the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the relay gracefully:
//
//  1. no further session becomes active;
//  2. every active session is sent the shutdown frame, and Shutdown waits
//     until those frames are flushed or ctx expires;
//  3. the listener is closed;
//  4. every remaining session and worker is cancelled and joined.
//
// Calling Shutdown again waits for the first call and returns its result.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.inShutdown.CompareAndSwap(false, true) {
		select {
		case <-s.shutdownDone:
			return s.shutdownErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer close(s.shutdownDone)

	s.draining.Store(true)
	var flushed []<-chan struct{}
	if s.lockCut(ctx) {
		shutdown := protocol.EncodeShutdown()
		s.registry.ForEach(func(sess *Session) {
			flushed = append(flushed, sess.finish(shutdown))
		})
		s.unlockCut()
	}
	s.log.Info("Shutting down", "sessions", len(flushed))

	for _, done := range flushed {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	if err := ctx.Err(); err != nil {
		s.log.Warn("Shutdown frame not flushed to every session", "error", err)
		s.shutdownErr = err
	}

	s.mu.Lock()
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Warn("Closing listener failed", "error", err)
		}
	}
	s.mu.Unlock()

	s.cancel()

	joined := make(chan struct{})
	go func() {
		s.sup.Wait()
		close(joined)
	}()
	select {
	case <-joined:
		s.log.Info("Shutdown complete")
	case <-ctx.Done():
		s.shutdownErr = ctx.Err()
	}
	return s.shutdownErr
}

// peerWatcher keeps the active-sessions gauge current and forwards changes
// to the configured observer.
type peerWatcher struct{ s *Server }

func (w peerWatcher) PeersChanged(count int, addresses []string) {
	w.s.metrics.setActive(count)
	if w.s.opts.Observer != nil {
		w.s.opts.Observer.PeersChanged(count, addresses)
	}
}
