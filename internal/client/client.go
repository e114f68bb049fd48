// Package client is the chat side of the relay protocol: it names itself,
// submits text and dispatches the frames the relay delivers.
package client

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

	"textrelay/internal/protocol"
)

const DefaultDialTimeout = 5 * time.Second

var ErrClosed = errors.New("client: closed")

// Handler receives what the relay delivers.  Calls happen on the goroutine
// running Receive.
type Handler interface {
	// OnFrame is called for every chat message, replayed or live.
	OnFrame(nickname, text string)
	// OnShutdown is called when the relay announces that it is stopping.
	OnShutdown()
}

// HandlerFuncs adapts plain functions to Handler.  Nil fields are skipped.
type HandlerFuncs struct {
	Frame    func(nickname, text string)
	Shutdown func()
}

func (h HandlerFuncs) OnFrame(nickname, text string) {
	if h.Frame != nil {
		h.Frame(nickname, text)
	}
}

func (h HandlerFuncs) OnShutdown() {
	if h.Shutdown != nil {
		h.Shutdown()
	}
}

type Options struct {
	Nickname     string
	Framing      protocol.Framing
	MaxFrameSize int
	DialTimeout  time.Duration
	Logger       *slog.Logger
}

// Client is one connection to the relay.  Submit may be called concurrently
// with Receive.
type Client struct {
	conn     net.Conn
	framer   protocol.Framer
	nickname string
	log      *slog.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
}

// Dial connects to the relay at addr and announces the nickname.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	c, err := New(conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// New wraps an established connection and announces the nickname on it.
func New(conn net.Conn, opts Options) (*Client, error) {
	nickname, err := protocol.NormalizeNickname(opts.Nickname)
	if err != nil {
		return nil, fmt.Errorf("client: nickname %q: %w", opts.Nickname, err)
	}
	if opts.Framing == "" {
		opts.Framing = protocol.FramingLength
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	framer, err := protocol.NewFramer(opts.Framing, conn, opts.MaxFrameSize)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:     conn,
		framer:   framer,
		nickname: nickname,
		log:      log.With("relay", conn.RemoteAddr().String()),
	}
	if err := c.write(protocol.EncodeNickname(nickname)); err != nil {
		return nil, fmt.Errorf("client: send nickname: %w", err)
	}
	c.log.Debug("Connected", "nickname", nickname)
	return c, nil
}

// Nickname is the name the relay shows for this client.
func (c *Client) Nickname() string { return c.nickname }

// Submit sends text as one chat message.
func (c *Client) Submit(text string) error {
	body, err := protocol.EncodeChat(text)
	if err != nil {
		return err
	}
	return c.write(body)
}

func (c *Client) write(body []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.framer.WriteFrame(body)
}

// Receive dispatches delivered frames to h until the relay shuts down or
// closes the connection (both return nil), ctx is cancelled, or the
// connection fails.
func (c *Client) Receive(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		body, err := c.framer.ReadFrame()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case c.closed.Load():
				return ErrClosed
			case errors.Is(err, io.EOF):
				c.log.Debug("Relay closed the connection")
				return nil
			}
			return fmt.Errorf("client: receive: %w", err)
		}
		if len(body) == 0 {
			continue
		}
		frame, err := protocol.DecodeRelay(body)
		if err != nil {
			c.log.Warn("Skipping undecodable frame", "error", err)
			continue
		}
		if frame.Kind == protocol.KindShutdown {
			c.log.Debug("Relay is shutting down")
			h.OnShutdown()
			return nil
		}
		h.OnFrame(frame.Nickname, frame.Text)
	}
}

// Close closes the connection.  A pending Receive returns ErrClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}
