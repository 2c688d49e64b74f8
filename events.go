package torrenthandler

import (
	"fmt"

	"github.com/anacrolix/torrent/metainfo"
)

type EventType int

const (
	EventMetadataResolved EventType = iota
	EventPieceVerified
	EventPieceHashFailed
	// Something is wrong but the download continues, such as ErrNoPeersAvailable or
	// ErrPieceCorrupt.
	EventWarning
	// Every piece is verified.
	EventCompleted
	// The download stopped on its own.
	EventFailed
)

func (me EventType) String() string {
	switch me {
	case EventMetadataResolved:
		return "metadata resolved"
	case EventPieceVerified:
		return "piece verified"
	case EventPieceHashFailed:
		return "piece hash failed"
	case EventWarning:
		return "warning"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	}
	return fmt.Sprintf("EventType(%d)", int(me))
}

type Event struct {
	Type     EventType
	InfoHash metainfo.Hash
	// For piece events.
	Piece int
	Err   error
}

func (me Event) String() string {
	s := fmt.Sprintf("%v %v", me.InfoHash, me.Type)
	if me.Type == EventPieceVerified || me.Type == EventPieceHashFailed {
		s += fmt.Sprintf(" %d", me.Piece)
	}
	if me.Err != nil {
		s += fmt.Sprintf(": %v", me.Err)
	}
	return s
}

// Callbacks are run synchronously from the goroutine that produced the event, without session
// locks held. They should return quickly.
type Callbacks struct {
	OnEvent func(Event)
}
