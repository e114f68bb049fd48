package protocol

import (
	"strings"
	"testing"
	"testing/quick"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestEncodeRelayed_Decode_RoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		nickname string
		message  string
	}{
		{"plain", "alice", "hello there"},
		{"empty message", "bob", ""},
		{"empty nickname", "", "who am i"},
		{"unicode", "zoë", "ça va? 你好 👋"},
		{"nickname looks like control", "\x03", ""},
		{"message with control bytes", "carol", "\x02\x03 still text"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)

			frame, err := DecodeRelay(EncodeRelayed(tc.nickname, tc.message))

			req.NoError(err)
			req.Equal(KindData, frame.Kind)
			req.Equal(tc.nickname, frame.Nickname)
			req.Equal(tc.message, frame.Text)
		})
	}
}

func TestEncodeRelayed_Decode_RoundTrip_Quick(t *testing.T) {
	clean := func(s string) string {
		return strings.ReplaceAll(strings.ToValidUTF8(s, "?"), string(Separator), "")
	}
	roundTrip := func(rawNick, rawMsg string) bool {
		nick, msg := clean(rawNick), clean(rawMsg)
		frame, err := DecodeRelay(EncodeRelayed(nick, msg))
		return err == nil && frame.Kind == KindData && frame.Nickname == nick && frame.Text == msg
	}
	require.NoError(t, quick.Check(roundTrip, nil))
}

func TestEncodeRelayed_Bytes(t *testing.T) {
	require.Equal(t, []byte("bob\x01hi"), EncodeRelayed("bob", "hi"))
}

func TestDecodeRelay_Shutdown(t *testing.T) {
	req := require.New(t)

	frame, err := DecodeRelay(EncodeShutdown())

	req.NoError(err)
	req.Equal(KindShutdown, frame.Kind)
}

func TestDecodeRelay_Errors(t *testing.T) {
	req := require.New(t)

	_, err := DecodeRelay(nil)
	req.ErrorIs(err, ErrEmptyFrame)

	_, err = DecodeRelay([]byte("no separator here"))
	req.ErrorIs(err, ErrMissingSeparator)

	_, err = DecodeRelay([]byte{'b', 'o', 'b', Separator, 0xff, 0xfe})
	req.ErrorIs(err, ErrInvalidUTF8)

	_, err = DecodeRelay([]byte{0xc3, Separator, 'h', 'i'})
	req.ErrorIs(err, ErrInvalidUTF8)
}

func TestDecodeClient(t *testing.T) {
	req := require.New(t)

	// Given a set-nickname frame
	frame, err := DecodeClient(EncodeNickname("alice"))
	req.NoError(err)
	req.Equal(KindNickname, frame.Kind)
	req.Equal("alice", frame.Nickname)

	// Given a chat frame
	body, err := EncodeChat("hi everyone")
	req.NoError(err)
	frame, err = DecodeClient(body)
	req.NoError(err)
	req.Equal(KindData, frame.Kind)
	req.Equal("hi everyone", frame.Text)

	// Given a chat frame carrying the separator byte, it is still plain text
	frame, err = DecodeClient([]byte("a\x01b"))
	req.NoError(err)
	req.Equal("a\x01b", frame.Text)
}

func TestDecodeClient_Errors(t *testing.T) {
	req := require.New(t)

	_, err := DecodeClient([]byte{})
	req.ErrorIs(err, ErrEmptyFrame)

	_, err = DecodeClient([]byte{0xff, 0xfe, 0xfd})
	req.ErrorIs(err, ErrInvalidUTF8)

	_, err = DecodeClient([]byte{NicknameByte, 0xff})
	req.ErrorIs(err, ErrInvalidUTF8)

	_, err = DecodeClient(EncodeShutdown())
	req.ErrorIs(err, ErrUnexpectedControl)
}

func TestEncodeChat_Errors(t *testing.T) {
	req := require.New(t)

	_, err := EncodeChat("")
	req.ErrorIs(err, ErrEmptyFrame)

	_, err = EncodeChat(string([]byte{0xff}))
	req.ErrorIs(err, ErrInvalidUTF8)

	_, err = EncodeChat("\x02sneaky")
	req.ErrorIs(err, ErrReservedLeadingByte)

	_, err = EncodeChat("\x03")
	req.ErrorIs(err, ErrReservedLeadingByte)
}

func TestNormalizeNickname(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		err  error
	}{
		{"alice", "alice", nil},
		{"  bob  ", "bob", nil},
		{"", DefaultNickname, nil},
		{"   ", DefaultNickname, nil},
		{"exactlysixteen16", "exactlysixteen16", nil},
		{"seventeen-chars17", "", ErrInvalidNickname},
		{"tab\tname", "", ErrInvalidNickname},
		{"sep\x01name", "", ErrInvalidNickname},
		{string([]byte{0xff}), "", ErrInvalidUTF8},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			req := require.New(t)
			got, err := NormalizeNickname(tc.raw)
			if tc.err != nil {
				req.ErrorIs(err, tc.err)
				return
			}
			req.NoError(err)
			req.Equal(tc.want, got)
			req.LessOrEqual(utf8.RuneCountInString(got), MaxNicknameLength)
		})
	}
}

func TestKind_String(t *testing.T) {
	req := require.New(t)
	req.Equal("data", KindData.String())
	req.Equal("set-nickname", KindNickname.String())
	req.Equal("shutdown", KindShutdown.String())
	req.Equal("unknown", Kind(42).String())
}

func TestMaxChatSize_Leaves_Room_For_Longest_Nickname(t *testing.T) {
	req := require.New(t)

	// Given the longest nickname in four-byte runes and the largest chat text
	nickname := strings.Repeat("😀", MaxNicknameLength)
	name, err := NormalizeNickname(nickname)
	req.NoError(err)
	text := strings.Repeat("x", MaxChatSize(DefaultMaxFrameSize))

	// Then the relayed frame fits exactly
	req.Len(EncodeRelayed(name, text), DefaultMaxFrameSize)
}
