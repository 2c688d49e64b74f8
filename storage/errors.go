package storage

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// Creating, sizing, reading or writing download files failed.
	ErrFilesystem = errors.New("filesystem error")
	// A piece failed hash verification too many times and won't be requested again.
	ErrPieceCorrupt = errors.New("piece corrupt")

	ErrInvalidBlock      = errors.New("invalid block")
	ErrPieceNotVerified  = errors.New("piece not verified")
	ErrInsufficientSpace = errors.New("insufficient free space")
	ErrClosed            = errors.New("store closed")
)

func filesystemError(err error, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", ErrFilesystem, fmt.Sprintf(format, args...), err)
}
