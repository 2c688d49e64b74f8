package peer_protocol

import (
	"fmt"

	"github.com/anacrolix/torrent/bencode"
)

// BEP 10 extended handshake dictionary.
type ExtendedHandshakeMessage struct {
	M            map[ExtensionName]ExtensionNumber `bencode:"m"`
	V            string                            `bencode:"v,omitempty"`
	Reqq         int                               `bencode:"reqq,omitempty"`
	Port         int                               `bencode:"p,omitempty"`
	MetadataSize int                               `bencode:"metadata_size,omitempty"`
}

func (me ExtendedHandshakeMessage) Marshal() ([]byte, error) {
	return bencode.Marshal(me)
}

func UnmarshalExtendedHandshake(b []byte) (msg ExtendedHandshakeMessage, err error) {
	err = bencode.Unmarshal(b, &msg)
	if err != nil {
		err = fmt.Errorf("unmarshalling extended handshake: %w", err)
	}
	return
}

// ut_metadata message types, BEP 9.
const (
	RequestMetadataExtensionMsgType = 0
	DataMetadataExtensionMsgType    = 1
	RejectMetadataExtensionMsgType  = 2
)

const MetadataPieceSize = 1 << 14

// Number of 16 KiB metadata pieces needed for an info dict of the given size.
func MetadataPieceCount(totalSize int) int {
	return (totalSize + MetadataPieceSize - 1) / MetadataPieceSize
}

// Size of metadata piece index for an info dict of the given size.
func MetadataPieceLen(totalSize, index int) int {
	ret := totalSize - index*MetadataPieceSize
	if ret > MetadataPieceSize {
		return MetadataPieceSize
	}
	return ret
}

type MetadataMsg struct {
	Type      int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

// Marshals a ut_metadata message. data is appended after the dictionary, and is only valid for
// data messages.
func MarshalMetadataMsg(msg MetadataMsg, data []byte) ([]byte, error) {
	b, err := bencode.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(b, data...), nil
}

func MetadataRequest(piece int) []byte {
	b, err := MarshalMetadataMsg(MetadataMsg{Type: RequestMetadataExtensionMsgType, Piece: piece}, nil)
	if err != nil {
		panic(err)
	}
	return b
}

// Splits a ut_metadata payload into its dictionary and any trailing piece data.
func UnmarshalMetadataMsg(payload []byte) (msg MetadataMsg, data []byte, err error) {
	err = bencode.Unmarshal(payload, &msg)
	if trailing, ok := err.(bencode.ErrUnusedTrailingBytes); ok {
		err = nil
		data = payload[len(payload)-trailing.NumUnusedBytes:]
	}
	if err != nil {
		err = fmt.Errorf("unmarshalling metadata message: %w", err)
	}
	return
}
