package peer_protocol

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessages(t *testing.T) {
	msgs := []Message{
		{Keepalive: true},
		{Type: Choke},
		{Type: Unchoke},
		{Type: Interested},
		{Type: NotInterested},
		MakeHaveMessage(42),
		MakeRequestMessage(1, 16384, 4096),
		MakeCancelMessage(1, 16384, 4096),
		{Type: Piece, Index: 3, Begin: 0, Piece: []byte("hello")},
		{Type: Bitfield, Bitfield: []bool{true, false, true, false, false, false, false, true}},
		MakeExtendedMessage(HandshakeExtendedID, []byte("d1:md11:ut_metadatai1eee")),
		{Type: Port, Port: 6881},
	}
	var buf bytes.Buffer
	for _, m := range msgs {
		_, err := m.WriteTo(&buf)
		require.NoError(t, err)
	}
	d := Decoder{
		R:         bufio.NewReader(&buf),
		MaxLength: 1 << 18,
	}
	for _, expected := range msgs {
		var m Message
		require.NoError(t, d.Decode(&m))
		assert.Equal(t, expected.Keepalive, m.Keepalive)
		if expected.Keepalive {
			continue
		}
		assert.Equal(t, expected.Type, m.Type)
		assert.Equal(t, expected.Index, m.Index)
		assert.Equal(t, expected.Begin, m.Begin)
		assert.Equal(t, expected.Length, m.Length)
		assert.EqualValues(t, expected.Piece, m.Piece)
		assert.Equal(t, expected.ExtendedID, m.ExtendedID)
		assert.EqualValues(t, expected.ExtendedPayload, m.ExtendedPayload)
		assert.Equal(t, expected.Port, m.Port)
	}
	var m Message
	qt.Assert(t, qt.Equals(d.Decode(&m), io.EOF))
}

func TestDecodeBitfieldPadsToWholeBytes(t *testing.T) {
	b := Message{Type: Bitfield, Bitfield: []bool{true, false, true}}.MustMarshalBinary()
	qt.Assert(t, qt.DeepEquals(b, []byte{0, 0, 0, 2, byte(Bitfield), 0xa0}))
	var m Message
	require.NoError(t, m.UnmarshalBinary(b))
	qt.Assert(t, qt.HasLen(m.Bitfield, 8))
	qt.Assert(t, qt.IsTrue(m.Bitfield[0]))
	qt.Assert(t, qt.IsFalse(m.Bitfield[1]))
	qt.Assert(t, qt.IsTrue(m.Bitfield[2]))
}

func TestDecodeTooLong(t *testing.T) {
	d := Decoder{
		R:         bufio.NewReader(bytes.NewReader([]byte{0, 0, 0x10, 0, byte(Piece)})),
		MaxLength: 1024,
	}
	var m Message
	err := d.Decode(&m)
	qt.Assert(t, qt.ErrorIs(err, ErrMessageTooLong))
}

func TestDecodeShortMessage(t *testing.T) {
	d := Decoder{
		R:         bufio.NewReader(bytes.NewReader([]byte{0, 0, 0, 5, byte(Have), 0, 0})),
		MaxLength: 1024,
	}
	var m Message
	qt.Assert(t, qt.ErrorIs(d.Decode(&m), io.ErrUnexpectedEOF))
}

func TestDecodeWrongFixedLength(t *testing.T) {
	var m Message
	err := m.UnmarshalBinary([]byte{0, 0, 0, 3, byte(Have), 0, 1})
	qt.Assert(t, qt.ErrorMatches(err, `Have message has 2 bytes, expected 4`))
}

func TestDecodeUnknownType(t *testing.T) {
	var m Message
	err := m.UnmarshalBinary([]byte{0, 0, 0, 1, 0x7f})
	qt.Assert(t, qt.IsNotNil(err))
}

func TestUnmarshalTrailingBytes(t *testing.T) {
	b := append(Message{Type: Choke}.MustMarshalBinary(), 0)
	var m Message
	qt.Assert(t, qt.ErrorMatches(m.UnmarshalBinary(b), `1 trailing bytes`))
}
