// Package metadata has the resolved, immutable description of a torrent and the magnet links that
// point to one.
package metadata

import (
	"crypto/sha1"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"
)

type File struct {
	// Path components relative to the download directory. The first component is the torrent
	// name for multi-file torrents.
	PathComponents []string
	Length         int64
	// Offset of the file's first byte in the concatenated piece space.
	Offset int64
}

func (f File) Path() string {
	return filepath.Join(f.PathComponents...)
}

// Torrent metadata resolved from an info dictionary. Don't modify after construction.
type TorrentMetadata struct {
	InfoHash    metainfo.Hash
	Name        string
	PieceLength int64
	PieceHashes [][sha1.Size]byte
	Files       []File
	// The bencoded info dictionary, as hashed to InfoHash.
	InfoBytes []byte
}

var ErrInvalidMetadata = errors.New("invalid metadata")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMetadata, fmt.Sprintf(format, args...))
}

// Builds metadata from the raw bencoded info dictionary. The infohash is the SHA-1 of b.
func FromInfoBytes(b []byte) (*TorrentMetadata, error) {
	var info metainfo.Info
	err := bencode.Unmarshal(b, &info)
	if err != nil {
		return nil, fmt.Errorf("%w: unmarshalling info: %v", ErrInvalidMetadata, err)
	}
	return fromInfo(&info, b)
}

// Builds metadata from the info dict of a metainfo file. If expected is given the info must hash
// to it.
func FromMetaInfo(mi *metainfo.MetaInfo, expected *metainfo.Hash) (*TorrentMetadata, error) {
	if expected != nil {
		if actual := mi.HashInfoBytes(); actual != *expected {
			return nil, invalid("info hash %v, expected %v", actual, *expected)
		}
	}
	return FromInfoBytes(mi.InfoBytes)
}

func fromInfo(info *metainfo.Info, infoBytes []byte) (_ *TorrentMetadata, err error) {
	md := &TorrentMetadata{
		InfoHash:    metainfo.HashBytes(infoBytes),
		Name:        info.Name,
		PieceLength: info.PieceLength,
		InfoBytes:   infoBytes,
	}
	if err = checkPathComponent(info.Name); err != nil {
		return nil, invalid("name: %v", err)
	}
	if info.PieceLength <= 0 {
		return nil, invalid("piece length %d", info.PieceLength)
	}
	if len(info.Pieces) == 0 || len(info.Pieces)%sha1.Size != 0 {
		return nil, invalid("pieces field has length %d", len(info.Pieces))
	}
	md.PieceHashes = make([][sha1.Size]byte, len(info.Pieces)/sha1.Size)
	for i := range md.PieceHashes {
		copy(md.PieceHashes[i][:], info.Pieces[i*sha1.Size:])
	}
	if len(info.Files) == 0 {
		if info.Length < 0 {
			return nil, invalid("length %d", info.Length)
		}
		md.Files = []File{{
			PathComponents: []string{info.Name},
			Length:         info.Length,
		}}
	} else {
		var offset int64
		for i, fi := range info.Files {
			if fi.Length < 0 {
				return nil, invalid("file %d has length %d", i, fi.Length)
			}
			if len(fi.Path) == 0 {
				return nil, invalid("file %d has no path", i)
			}
			for _, c := range fi.Path {
				if err = checkPathComponent(c); err != nil {
					return nil, invalid("file %d path %q: %v", i, fi.Path, err)
				}
			}
			md.Files = append(md.Files, File{
				PathComponents: append([]string{info.Name}, fi.Path...),
				Length:         fi.Length,
				Offset:         offset,
			})
			offset += fi.Length
		}
	}
	if err = md.checkTiling(); err != nil {
		return nil, err
	}
	return md, nil
}

// Files must exactly cover the pieces, with only the last piece allowed to be short.
func (md *TorrentMetadata) checkTiling() error {
	total := md.TotalLength()
	numPieces := int64(len(md.PieceHashes))
	if total <= (numPieces-1)*md.PieceLength || total > numPieces*md.PieceLength {
		return invalid("total length %d doesn't tile %d pieces of length %d", total, numPieces, md.PieceLength)
	}
	return nil
}

// Rejects components that would escape the download directory.
func checkPathComponent(c string) error {
	switch {
	case c == "", c == ".", c == "..":
		return fmt.Errorf("bad component %q", c)
	case strings.ContainsAny(c, `/\`):
		return fmt.Errorf("component %q contains separator", c)
	case filepath.IsAbs(c), filepath.VolumeName(c) != "":
		return fmt.Errorf("component %q is absolute", c)
	}
	return nil
}

func (md *TorrentMetadata) TotalLength() (ret int64) {
	for _, f := range md.Files {
		ret += f.Length
	}
	return
}

func (md *TorrentMetadata) NumPieces() int {
	return len(md.PieceHashes)
}

func (md *TorrentMetadata) PieceLen(index int) int64 {
	if index == md.NumPieces()-1 {
		return md.TotalLength() - int64(index)*md.PieceLength
	}
	return md.PieceLength
}

// The relative paths of the files in order.
func (md *TorrentMetadata) FilePaths() (ret []string) {
	for _, f := range md.Files {
		ret = append(ret, f.Path())
	}
	return
}

// A metainfo file carrying this metadata, for sharing or debugging.
func (md *TorrentMetadata) MetaInfo(trackers []string) *metainfo.MetaInfo {
	mi := &metainfo.MetaInfo{
		InfoBytes: md.InfoBytes,
	}
	if len(trackers) != 0 {
		mi.Announce = trackers[0]
		mi.AnnounceList = metainfo.AnnounceList{trackers}
	}
	return mi
}
