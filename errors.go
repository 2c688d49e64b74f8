package torrenthandler

import (
	"github.com/anacrolix/torrent-handler/metadata"
	"github.com/anacrolix/torrent-handler/resolver"
	"github.com/anacrolix/torrent-handler/storage"
	"github.com/anacrolix/torrent-handler/swarm"
)

// Errors are matched with errors.Is. They originate in the subpackages.
var (
	ErrInvalidMagnet     = metadata.ErrInvalidMagnet
	ErrResolutionTimeout = resolver.ErrResolutionTimeout
	ErrFilesystem        = storage.ErrFilesystem
	ErrPieceCorrupt      = storage.ErrPieceCorrupt
	ErrHandshakeFailed   = swarm.ErrHandshakeFailed
	ErrPeerMisbehavior   = swarm.ErrPeerMisbehavior
	ErrPeerTimeout       = swarm.ErrPeerTimeout
	ErrNoPeersAvailable  = swarm.ErrNoPeersAvailable
)
