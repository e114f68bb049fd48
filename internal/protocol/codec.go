// Package protocol defines the wire format spoken between the relay and its
// clients.
//
// A frame body is classified by its leading byte:
//
//	0x02 + UTF-8 name          set-nickname (client → relay, first frame only)
//	0x03                       shutdown     (relay → client)
//	anything else              data
//
// Client → relay data is raw UTF-8 chat text.  Relay → client data is the
// sender's nickname and the message joined by a single 0x01 separator.
//
// How bodies are cut out of the byte stream is the job of a Framer
// (see framer.go).
package protocol

import (
	"bytes"
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	Separator    byte = 0x01
	NicknameByte byte = 0x02
	ShutdownByte byte = 0x03

	// DefaultNickname is used until a session sets its own name.
	DefaultNickname = "anonymous"
	// MaxNicknameLength is counted in runes.
	MaxNicknameLength = 16
	// RelayOverhead is the most a relay → client data frame adds to the chat
	// text: a nickname of MaxNicknameLength four-byte runes and the separator.
	RelayOverhead = 4*MaxNicknameLength + 1
)

var (
	ErrEmptyFrame          = errors.New("protocol: empty frame")
	ErrInvalidUTF8         = errors.New("protocol: payload is not valid UTF-8")
	ErrMissingSeparator    = errors.New("protocol: data frame has no nickname separator")
	ErrUnexpectedControl   = errors.New("protocol: control frame not allowed in this direction")
	ErrInvalidNickname     = errors.New("protocol: invalid nickname")
	ErrReservedLeadingByte = errors.New("protocol: chat text starts with a reserved control byte")
)

// Kind identifies what a decoded frame carries.
type Kind uint8

const (
	KindData Kind = iota
	KindNickname
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindNickname:
		return "set-nickname"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Frame is a decoded frame body.  Nickname is set for set-nickname frames and
// for relay → client data frames.
type Frame struct {
	Kind     Kind
	Nickname string
	Text     string
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// EncodeNickname builds a set-nickname control frame.  The name is sent as-is;
// callers normalise it with NormalizeNickname first.
func EncodeNickname(name string) []byte {
	b := make([]byte, 0, 1+len(name))
	b = append(b, NicknameByte)
	return append(b, name...)
}

// EncodeShutdown builds the single-byte shutdown control frame.
func EncodeShutdown() []byte {
	return []byte{ShutdownByte}
}

// EncodeChat builds a client → relay data frame.
func EncodeChat(text string) ([]byte, error) {
	if text == "" {
		return nil, ErrEmptyFrame
	}
	if !utf8.ValidString(text) {
		return nil, ErrInvalidUTF8
	}
	if text[0] == NicknameByte || text[0] == ShutdownByte {
		return nil, ErrReservedLeadingByte
	}
	return []byte(text), nil
}

// EncodeRelayed builds a relay → client data frame: nickname, 0x01, text.
func EncodeRelayed(nickname, text string) []byte {
	b := make([]byte, 0, len(nickname)+1+len(text))
	b = append(b, nickname...)
	b = append(b, Separator)
	return append(b, text...)
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// DecodeClient decodes a frame body received by the relay.  Shutdown frames
// only travel relay → client, so a leading 0x03 is rejected.
func DecodeClient(body []byte) (Frame, error) {
	if len(body) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	switch body[0] {
	case NicknameByte:
		name := body[1:]
		if !utf8.Valid(name) {
			return Frame{}, ErrInvalidUTF8
		}
		return Frame{Kind: KindNickname, Nickname: string(name)}, nil
	case ShutdownByte:
		return Frame{}, ErrUnexpectedControl
	}
	if !utf8.Valid(body) {
		return Frame{}, ErrInvalidUTF8
	}
	return Frame{Kind: KindData, Text: string(body)}, nil
}

// DecodeRelay decodes a frame body received by a client.  Only the exact
// one-byte 0x03 body is a shutdown frame; every other body is a data frame
// split on its first 0x01.
func DecodeRelay(body []byte) (Frame, error) {
	if len(body) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	if len(body) == 1 && body[0] == ShutdownByte {
		return Frame{Kind: KindShutdown}, nil
	}
	i := bytes.IndexByte(body, Separator)
	if i < 0 {
		return Frame{}, ErrMissingSeparator
	}
	nick, text := body[:i], body[i+1:]
	if !utf8.Valid(nick) || !utf8.Valid(text) {
		return Frame{}, ErrInvalidUTF8
	}
	return Frame{Kind: KindData, Nickname: string(nick), Text: string(text)}, nil
}

// MaxChatSize is the largest chat text whose relayed frame still fits in
// maxFrameSize.
func MaxChatSize(maxFrameSize int) int {
	return maxFrameSize - RelayOverhead
}

// NormalizeNickname trims raw and falls back to DefaultNickname when nothing
// is left.  Names longer than MaxNicknameLength runes or containing control
// characters are rejected.
func NormalizeNickname(raw string) (string, error) {
	if !utf8.ValidString(raw) {
		return "", ErrInvalidUTF8
	}
	name := strings.TrimSpace(raw)
	if name == "" {
		return DefaultNickname, nil
	}
	if utf8.RuneCountInString(name) > MaxNicknameLength {
		return "", ErrInvalidNickname
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return "", ErrInvalidNickname
		}
	}
	return name, nil
}
