package peer_protocol

import (
	"encoding/binary"
	"io"
)

const (
	Protocol = "\x13BitTorrent protocol"

	// Standard request size used for pieces.
	DefaultChunkSize = 1 << 14
)

type (
	MessageType     byte
	ExtensionNumber byte
	ExtensionName   string
)

// Message IDs from BEP 3, plus Port (BEP 5) and Extended (BEP 10).
const (
	Choke         MessageType = iota
	Unchoke                   // 1
	Interested                // 2
	NotInterested             // 3
	Have                      // 4
	Bitfield                  // 5
	Request                   // 6
	Piece                     // 7
	Cancel                    // 8
	Port                      // 9

	Extended MessageType = 20
)

var messageTypeNames = map[MessageType]string{
	Choke:         "Choke",
	Unchoke:       "Unchoke",
	Interested:    "Interested",
	NotInterested: "NotInterested",
	Have:          "Have",
	Bitfield:      "Bitfield",
	Request:       "Request",
	Piece:         "Piece",
	Cancel:        "Cancel",
	Port:          "Port",
	Extended:      "Extended",
}

func (mt MessageType) String() string {
	if s, ok := messageTypeNames[mt]; ok {
		return s
	}
	return "Unknown"
}

const (
	HandshakeExtendedID ExtensionNumber = 0

	ExtensionNameMetadata ExtensionName = "ut_metadata"

	// The ID we advertise for ut_metadata in our extended handshake.
	MetadataExtendedID ExtensionNumber = 1
)

type Integer uint32

func (i *Integer) Read(r io.Reader) error {
	return binary.Read(r, binary.BigEndian, i)
}

func (i Integer) Int() int {
	return int(i)
}

func (i Integer) Int64() int64 {
	return int64(i)
}
