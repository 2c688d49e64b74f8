package peer_protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

type Decoder struct {
	R *bufio.Reader
	// Limit on the message length, excluding the 4-byte length prefix.
	MaxLength Integer
}

var ErrMessageTooLong = errors.New("message too long")

// io.EOF is returned if the source terminates cleanly on a message boundary.
func (d *Decoder) Decode(msg *Message) (err error) {
	var length Integer
	err = length.Read(d.R)
	if err != nil {
		if err == io.EOF {
			return
		}
		return fmt.Errorf("reading message length: %w", err)
	}
	if length > d.MaxLength {
		return errors.Wrapf(ErrMessageTooLong, "length %d", length)
	}
	*msg = Message{}
	if length == 0 {
		msg.Keepalive = true
		return
	}
	body := make([]byte, length)
	_, err = io.ReadFull(d.R, body)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return
	}
	msg.Type = MessageType(body[0])
	body = body[1:]
	exactly := func(n int) error {
		if len(body) != n {
			return fmt.Errorf("%v message has %d bytes, expected %d", msg.Type, len(body), n)
		}
		return nil
	}
	atLeast := func(n int) error {
		if len(body) < n {
			return fmt.Errorf("%v message too short: %d bytes", msg.Type, len(body))
		}
		return nil
	}
	readInt := func() Integer {
		i := Integer(binary.BigEndian.Uint32(body))
		body = body[4:]
		return i
	}
	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested:
		err = exactly(0)
	case Have:
		if err = exactly(4); err == nil {
			msg.Index = readInt()
		}
	case Request, Cancel:
		if err = exactly(12); err == nil {
			msg.Index = readInt()
			msg.Begin = readInt()
			msg.Length = readInt()
		}
	case Bitfield:
		msg.Bitfield = unmarshalBitfield(body)
	case Piece:
		if err = atLeast(8); err == nil {
			msg.Index = readInt()
			msg.Begin = readInt()
			msg.Piece = body
		}
	case Extended:
		if err = atLeast(1); err == nil {
			msg.ExtendedID = ExtensionNumber(body[0])
			msg.ExtendedPayload = body[1:]
		}
	case Port:
		if err = exactly(2); err == nil {
			msg.Port = binary.BigEndian.Uint16(body)
		}
	default:
		err = fmt.Errorf("unknown message type %#v", byte(msg.Type))
	}
	return
}
