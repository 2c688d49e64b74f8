package swarm

import (
	"github.com/pkg/errors"
)

var (
	// The peer's handshake was malformed or was for another torrent.
	ErrHandshakeFailed = errors.New("handshake failed")
	// The peer sent something it shouldn't have, or kept contributing to pieces that failed
	// verification.
	ErrPeerMisbehavior = errors.New("peer misbehavior")
	ErrPeerTimeout     = errors.New("peer timed out")
	// Nothing is connected, and discovery hasn't produced anything to dial.
	ErrNoPeersAvailable = errors.New("no peers available")
)
