package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"textrelay/internal/protocol"
)

func runSession(t *testing.T, srv *Server) (*Session, protocol.Framer, net.Conn, context.CancelFunc, <-chan struct{}) {
	t.Helper()
	sess, remote := pipeSession(t, srv)
	framer, err := protocol.NewFramer(protocol.FramingLength, remote, protocol.DefaultMaxFrameSize)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.run(ctx)
	}()
	return sess, framer, remote, cancel, done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.Fail(t, "session did not stop")
	}
}

func TestSession_Lifecycle(t *testing.T) {
	req := require.New(t)
	srv := pipeServer(Options{})
	sess, framer, remote, _, done := runSession(t, srv)

	// Given a connected session waiting for its nickname
	req.Eventually(func() bool { return sess.State() == StateAwaitNickname }, time.Second, time.Millisecond)
	req.Equal(protocol.DefaultNickname, sess.Nickname())

	// When the client names itself
	req.NoError(framer.WriteFrame(protocol.EncodeNickname("  alice  ")))

	// Then the session is active and registered under the trimmed name
	req.Eventually(func() bool { return sess.State() == StateActive }, time.Second, time.Millisecond)
	req.Equal("alice", sess.Nickname())
	req.Equal(1, srv.ActiveSessions())

	// When the client goes away
	req.NoError(remote.Close())

	// Then the session closes and deregisters
	waitDone(t, done)
	req.Equal(StateClosed, sess.State())
	req.Zero(srv.ActiveSessions())
}

func TestSession_Cancel_Unblocks_Read(t *testing.T) {
	req := require.New(t)
	srv := pipeServer(Options{})
	sess, framer, _, cancel, done := runSession(t, srv)

	req.NoError(framer.WriteFrame(protocol.EncodeNickname("bob")))
	req.Eventually(func() bool { return sess.State() == StateActive }, time.Second, time.Millisecond)

	// When the session context is cancelled while it blocks in a read
	cancel()

	// Then it stops without any client activity
	waitDone(t, done)
	req.Equal(StateClosed, sess.State())
	req.Zero(srv.ActiveSessions())
}

func TestSession_Cancel_While_Awaiting_Nickname(t *testing.T) {
	srv := pipeServer(Options{NicknameTimeout: time.Hour})
	sess, _, _, cancel, done := runSession(t, srv)
	require.Eventually(t, func() bool { return sess.State() == StateAwaitNickname }, time.Second, time.Millisecond)

	cancel()

	waitDone(t, done)
	require.Zero(t, srv.ActiveSessions())
}

func TestSession_Finish_Flushes_Final_Frame(t *testing.T) {
	req := require.New(t)
	srv := pipeServer(Options{})
	sess, framer, remote, _, _ := runSession(t, srv)

	req.NoError(framer.WriteFrame(protocol.EncodeNickname("carol")))
	req.Eventually(func() bool { return sess.State() == StateActive }, time.Second, time.Millisecond)

	// When the relay queues a message and then the shutdown frame
	req.Equal(queued, sess.enqueue(outbound{frame: protocol.EncodeRelayed("dave", "last words")}))
	flushed := sess.finish(protocol.EncodeShutdown())

	// Then both reach the client in order and the writer exits
	req.NoError(remote.SetReadDeadline(time.Now().Add(time.Second)))
	body, err := framer.ReadFrame()
	req.NoError(err)
	req.Equal([]byte("dave\x01last words"), body)
	body, err = framer.ReadFrame()
	req.NoError(err)
	req.Equal([]byte{protocol.ShutdownByte}, body)
	waitDone(t, flushed)

	// And the queue refuses anything else
	req.Equal(queueClosed, sess.enqueue(outbound{frame: []byte("late")}))
}

func TestSession_Shutdown_Frame_From_Client_Closes(t *testing.T) {
	req := require.New(t)
	srv := pipeServer(Options{Metrics: prometheus.NewRegistry()})
	sess, framer, _, _, done := runSession(t, srv)

	req.NoError(framer.WriteFrame(protocol.EncodeNickname("eve")))
	req.Eventually(func() bool { return sess.State() == StateActive }, time.Second, time.Millisecond)

	// A client may never send the relay's control frame
	req.NoError(framer.WriteFrame(protocol.EncodeShutdown()))

	waitDone(t, done)
	req.Equal(1.0, testutil.ToFloat64(srv.metrics.frameErrors.WithLabelValues("unexpected_control")))
}

func TestFrameErrorReason(t *testing.T) {
	req := require.New(t)
	req.Equal("too_large", frameErrorReason(protocol.ErrFrameTooLarge))
	req.Equal("truncated", frameErrorReason(protocol.ErrTruncatedFrame))
	req.Equal("invalid_utf8", frameErrorReason(protocol.ErrInvalidUTF8))
	req.Equal("unexpected_control", frameErrorReason(protocol.ErrUnexpectedControl))
	req.Equal("invalid_nickname", frameErrorReason(protocol.ErrInvalidNickname))
	req.Equal("other", frameErrorReason(net.ErrClosed))
}
