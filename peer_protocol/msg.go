package peer_protocol

import (
	"bufio"
	"bytes"
	"encoding"
	"encoding/binary"
	"fmt"
	"io"
)

// A lazy union of the fields of every message type. Only the fields relevant to Type are
// meaningful.
type Message struct {
	Piece                []byte
	Bitfield             []bool
	ExtendedPayload      []byte
	Index, Begin, Length Integer
	Port                 uint16
	Type                 MessageType
	ExtendedID           ExtensionNumber
	Keepalive            bool
}

var _ interface {
	encoding.BinaryUnmarshaler
	encoding.BinaryMarshaler
} = (*Message)(nil)

func MakeRequestMessage(piece, begin, length Integer) Message {
	return Message{
		Type:   Request,
		Index:  piece,
		Begin:  begin,
		Length: length,
	}
}

func MakeCancelMessage(piece, begin, length Integer) Message {
	return Message{
		Type:   Cancel,
		Index:  piece,
		Begin:  begin,
		Length: length,
	}
}

func MakeHaveMessage(piece Integer) Message {
	return Message{
		Type:  Have,
		Index: piece,
	}
}

func MakeExtendedMessage(id ExtensionNumber, payload []byte) Message {
	return Message{
		Type:            Extended,
		ExtendedID:      id,
		ExtendedPayload: payload,
	}
}

func (msg Message) String() string {
	if msg.Keepalive {
		return "Keepalive"
	}
	switch msg.Type {
	case Have:
		return fmt.Sprintf("Have(%d)", msg.Index)
	case Request, Cancel:
		return fmt.Sprintf("%v(%d, %d, %d)", msg.Type, msg.Index, msg.Begin, msg.Length)
	case Piece:
		return fmt.Sprintf("Piece(%d, %d, len %d)", msg.Index, msg.Begin, len(msg.Piece))
	case Bitfield:
		return fmt.Sprintf("Bitfield(len %d)", len(msg.Bitfield))
	case Extended:
		return fmt.Sprintf("Extended(%d, len %d)", msg.ExtendedID, len(msg.ExtendedPayload))
	}
	return msg.Type.String()
}

func (msg Message) MustMarshalBinary() []byte {
	b, err := msg.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

// Writes the message without its length prefix.
func (msg Message) writeBody(buf *bytes.Buffer) (err error) {
	buf.WriteByte(byte(msg.Type))
	putInts := func(is ...Integer) {
		for _, i := range is {
			buf.Write(binary.BigEndian.AppendUint32(nil, uint32(i)))
		}
	}
	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		putInts(msg.Index)
	case Request, Cancel:
		putInts(msg.Index, msg.Begin, msg.Length)
	case Bitfield:
		buf.Write(marshalBitfield(msg.Bitfield))
	case Piece:
		putInts(msg.Index, msg.Begin)
		buf.Write(msg.Piece)
	case Extended:
		buf.WriteByte(byte(msg.ExtendedID))
		buf.Write(msg.ExtendedPayload)
	case Port:
		buf.Write(binary.BigEndian.AppendUint16(nil, msg.Port))
	default:
		err = fmt.Errorf("unknown message type: %v", msg.Type)
	}
	return
}

func (msg Message) MarshalBinary() (data []byte, err error) {
	var buf bytes.Buffer
	if !msg.Keepalive {
		err = msg.writeBody(&buf)
		if err != nil {
			return
		}
	}
	data = make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(data, uint32(buf.Len()))
	copy(data[4:], buf.Bytes())
	return
}

func (msg Message) WriteTo(w io.Writer) (int64, error) {
	b, err := msg.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

func (me *Message) UnmarshalBinary(b []byte) error {
	d := Decoder{
		R:         bufio.NewReader(bytes.NewReader(b)),
		MaxLength: Integer(len(b)),
	}
	err := d.Decode(me)
	if err != nil {
		return err
	}
	if d.R.Buffered() != 0 {
		return fmt.Errorf("%d trailing bytes", d.R.Buffered())
	}
	return nil
}

func marshalBitfield(bf []bool) (b []byte) {
	b = make([]byte, (len(bf)+7)/8)
	for i, have := range bf {
		if have {
			b[i/8] |= 1 << uint(7-i%8)
		}
	}
	return
}

func unmarshalBitfield(b []byte) (bf []bool) {
	bf = make([]bool, 0, len(b)*8)
	for _, c := range b {
		for i := 7; i >= 0; i-- {
			bf = append(bf, (c>>uint(i))&1 == 1)
		}
	}
	return
}
