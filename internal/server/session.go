package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"textrelay/internal/protocol"
)

// State is a session's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAwaitNickname
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitNickname:
		return "await-nickname"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// outbound is one frame body waiting in a session's queue.  pace delays the
// next write after this one.
type outbound struct {
	frame []byte
	pace  time.Duration
}

type enqueueResult int

const (
	queued enqueueResult = iota
	queueFull
	queueClosed
)

// Session represents one client connection.
//
// Two goroutines run per session:
//
//	run    – the state machine.  Reads frames from the connection and hands
//	         chat text to the Server for persistence and fan-out.
//	writer – drains the send queue and writes frames to the connection,
//	         one write deadline per frame.
//
// Decoupling reads from writes means a slow reader on the far end never
// stalls the relay; it only fills its own queue.
type Session struct {
	id     uuid.UUID
	addr   string
	conn   net.Conn
	framer protocol.Framer
	server *Server
	log    *slog.Logger

	state atomic.Int32

	// Set once in AwaitNickname, read by the broadcaster and the logs.
	mu       sync.RWMutex
	nickname string

	// ID of the newest replayed record.  Live records at or below it are not
	// sent again.  Guarded by the server's cut.
	replayedThrough int64

	sendMu     sync.Mutex
	send       chan outbound
	sendClosed bool
	writerDone chan struct{}

	closeOnce sync.Once
	evictOnce sync.Once
}

func newSession(srv *Server, conn net.Conn) (*Session, error) {
	framer, err := protocol.NewFramer(srv.opts.Framing, conn, srv.opts.MaxFrameSize)
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	addr := conn.RemoteAddr().String()
	return &Session{
		id:         id,
		addr:       addr,
		conn:       conn,
		framer:     framer,
		server:     srv,
		log:        srv.log.With("session", id.String(), "peer", addr),
		nickname:   protocol.DefaultNickname,
		send:       make(chan outbound, srv.opts.SendBuffer),
		writerDone: make(chan struct{}),
	}, nil
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) Addr() string { return s.addr }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

func (s *Session) Nickname() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nickname
}

func (s *Session) setNickname(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nickname = name
}

// enqueue offers o to the writer without blocking.
func (s *Session) enqueue(o outbound) enqueueResult {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return queueClosed
	}
	select {
	case s.send <- o:
		return queued
	default:
		return queueFull
	}
}

// finish queues final (if any and if there is room) as the last frame and
// closes the queue.  The returned channel is closed once the writer has
// flushed everything queued and exited.
func (s *Session) finish(final []byte) <-chan struct{} {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.sendClosed {
		if final != nil {
			select {
			case s.send <- outbound{frame: final}:
			default:
				s.log.Warn("Send queue full, final frame dropped")
			}
		}
		s.sendClosed = true
		close(s.send)
	}
	return s.writerDone
}

// evict disconnects a session that cannot keep up.  The reader notices the
// closed connection and runs the normal close path.
func (s *Session) evict() {
	s.evictOnce.Do(func() {
		_ = s.conn.Close()
	})
}

// run drives the session from Connecting to Closed.  It returns once both the
// reader and the writer have stopped.
func (s *Session) run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	go s.writer()
	defer s.close()

	s.log.Debug("Session connected")
	s.setState(StateAwaitNickname)
	first, ok := s.awaitNickname(ctx)
	if !ok {
		return
	}
	if !s.server.activate(ctx, s) {
		return
	}
	s.log.Info("Session active", "nickname", s.Nickname())

	if first != "" {
		s.server.publish(ctx, s, first)
	}
	for {
		body, err := s.readFrame()
		if err != nil {
			if ctx.Err() == nil {
				s.readFailed(err)
			}
			return
		}
		if len(body) == 0 {
			continue
		}
		frame, err := protocol.DecodeClient(body)
		if err != nil {
			s.decodeFailed(err)
			return
		}
		if frame.Kind == protocol.KindNickname {
			s.log.Warn("Ignoring set-nickname after the first frame")
			continue
		}
		s.server.publish(ctx, s, frame.Text)
	}
}

// awaitNickname reads the first frame.  It returns the chat text to publish
// once active (empty if the first frame was a set-nickname) and whether the
// session should continue.
func (s *Session) awaitNickname(ctx context.Context) (string, bool) {
	timeout := s.server.opts.NicknameTimeout
	if timeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
		// A cancellation that fired before the line above had its deadline
		// overwritten.
		if ctx.Err() != nil {
			return "", false
		}
	}
	body, err := s.readFrame()
	if timeout > 0 {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
	if ctx.Err() != nil {
		return "", false
	}
	if err != nil {
		if isTimeout(err) && !errors.Is(err, protocol.ErrTruncatedFrame) {
			s.log.Debug("No nickname received, staying anonymous")
			return "", true
		}
		s.readFailed(err)
		return "", false
	}
	if len(body) == 0 {
		return "", true
	}

	frame, err := protocol.DecodeClient(body)
	if err != nil {
		s.decodeFailed(err)
		return "", false
	}
	if frame.Kind != protocol.KindNickname {
		return frame.Text, true
	}
	name, err := protocol.NormalizeNickname(frame.Nickname)
	if err != nil {
		s.decodeFailed(err)
		return "", false
	}
	s.setNickname(name)
	return "", true
}

// readFrame reads the next body and rejects chat text too large to be relayed
// once prefixed with a nickname.
func (s *Session) readFrame() ([]byte, error) {
	body, err := s.framer.ReadFrame()
	if err != nil {
		return nil, err
	}
	if limit := protocol.MaxChatSize(s.server.opts.MaxFrameSize); len(body) > limit {
		return nil, fmt.Errorf("%w: %d > %d", protocol.ErrFrameTooLarge, len(body), limit)
	}
	return body, nil
}

// writer drains the send queue until it is closed or a write fails.
func (s *Session) writer() {
	defer close(s.writerDone)

	timeout := s.server.opts.WriteTimeout
	for out := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
		if err := s.framer.WriteFrame(out.frame); err != nil {
			s.log.Debug("Write failed", "error", err)
			_ = s.conn.Close()
			return
		}
		if out.pace > 0 {
			time.Sleep(out.pace)
		}
	}
}

// close moves the session to Closed.  Safe to call more than once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		if s.server.registry.Remove(s) {
			s.log.Info("Session left", "nickname", s.Nickname())
		}
		s.finish(nil)
		_ = s.conn.Close()
		<-s.writerDone
		s.setState(StateClosed)
	})
}

func (s *Session) readFailed(err error) {
	switch {
	case errors.Is(err, io.EOF):
		s.log.Debug("Peer closed the connection")
	case errors.Is(err, protocol.ErrFrameTooLarge), errors.Is(err, protocol.ErrTruncatedFrame):
		s.decodeFailed(err)
	default:
		s.log.Debug("Connection error", "error", err)
	}
}

func (s *Session) decodeFailed(err error) {
	s.log.Warn("Closing session after bad frame", "error", err)
	s.server.metrics.recordFrameError(frameErrorReason(err))
}

func frameErrorReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrFrameTooLarge):
		return "too_large"
	case errors.Is(err, protocol.ErrTruncatedFrame):
		return "truncated"
	case errors.Is(err, protocol.ErrInvalidUTF8):
		return "invalid_utf8"
	case errors.Is(err, protocol.ErrUnexpectedControl):
		return "unexpected_control"
	case errors.Is(err, protocol.ErrInvalidNickname):
		return "invalid_nickname"
	}
	return "other"
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
