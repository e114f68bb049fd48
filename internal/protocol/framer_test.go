package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLengthPrefixed_ReadWrite(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer
	framer, err := NewFramer(FramingLength, &buf, 0)
	req.NoError(err)

	// Given three frames written back-to-back, including an empty one
	bodies := [][]byte{EncodeRelayed("alice", "hi"), {}, EncodeShutdown()}
	for _, b := range bodies {
		req.NoError(framer.WriteFrame(b))
	}

	// Then they are read back one by one, never coalesced
	for _, want := range bodies {
		got, err := framer.ReadFrame()
		req.NoError(err)
		req.Equal(want, got)
	}
	_, err = framer.ReadFrame()
	req.ErrorIs(err, io.EOF)
}

func TestLengthPrefixed_FrameTooLarge(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer
	framer, err := NewFramer(FramingLength, &buf, 8)
	req.NoError(err)

	req.ErrorIs(framer.WriteFrame(make([]byte, 9)), ErrFrameTooLarge)

	// Given a peer announcing a huge frame
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 1<<30)
	buf.Write(hdr[:])

	_, err = framer.ReadFrame()
	req.ErrorIs(err, ErrFrameTooLarge)
}

func TestLengthPrefixed_Truncated(t *testing.T) {
	req := require.New(t)

	// Given a header promising 10 bytes followed by only 3
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 10)
	buf.Write(hdr[:])
	buf.WriteString("abc")
	framer, err := NewFramer(FramingLength, &buf, 0)
	req.NoError(err)

	_, err = framer.ReadFrame()
	req.ErrorIs(err, ErrTruncatedFrame)

	// Given half a header
	framer, err = NewFramer(FramingLength, bytes.NewBuffer([]byte{0, 0}), 0)
	req.NoError(err)
	_, err = framer.ReadFrame()
	req.ErrorIs(err, ErrTruncatedFrame)
}

func TestRaw_OneReadOneFrame(t *testing.T) {
	req := require.New(t)
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	serverFramer, err := NewFramer(FramingRaw, server, 0)
	req.NoError(err)
	clientFramer, err := NewFramer(FramingRaw, client, 0)
	req.NoError(err)

	go func() {
		_ = clientFramer.WriteFrame(EncodeNickname("alice"))
		_ = clientFramer.WriteFrame([]byte("hello"))
		_ = client.Close()
	}()

	got, err := serverFramer.ReadFrame()
	req.NoError(err)
	req.Equal(EncodeNickname("alice"), got)

	got, err = serverFramer.ReadFrame()
	req.NoError(err)
	req.Equal([]byte("hello"), got)

	_, err = serverFramer.ReadFrame()
	req.ErrorIs(err, io.EOF)

	req.ErrorIs(serverFramer.WriteFrame(nil), ErrEmptyFrame)
}

func TestParseFraming(t *testing.T) {
	req := require.New(t)

	f, err := ParseFraming("")
	req.NoError(err)
	req.Equal(FramingLength, f)

	f, err = ParseFraming("raw")
	req.NoError(err)
	req.Equal(FramingRaw, f)

	_, err = ParseFraming("xml")
	req.ErrorIs(err, ErrUnknownFraming)

	_, err = NewFramer("xml", &bytes.Buffer{}, 0)
	req.ErrorIs(err, ErrUnknownFraming)
}
